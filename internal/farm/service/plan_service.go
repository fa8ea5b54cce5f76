package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/bitfantasy/nimo-farm/internal/farm/sse"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PreviewRequest 计划预览请求，指定crop_id时其余字段忽略
type PreviewRequest struct {
	CropID                string          `json:"crop_id"`
	SeasonType            entity.Season   `json:"season_type"`
	PlantingDate          *Date           `json:"planting_date"`
	CurrentStage          *entity.Stage   `json:"current_stage"`
	CurrentStageStartDate *Date           `json:"current_stage_start_date"`
	FieldArea             decimal.Decimal `json:"field_area"`
}

// CandidateActivity 候选活动，未落库
type CandidateActivity struct {
	TemplateID    string                `json:"template_id"`
	ActivityType  string                `json:"activity_type"`
	Title         string                `json:"title"`
	Stage         entity.Stage          `json:"stage"`
	StartDate     Date                  `json:"start_date"`
	EndDate       Date                  `json:"end_date"`
	DurationDays  int                   `json:"duration_days"`
	IsRequired    bool                  `json:"is_required"`
	StageDefining bool                  `json:"stage_defining"`
	Materials     []MaterialRequirement `json:"materials"`
	Feasible      bool                  `json:"feasible"`
	Shortfalls    []Shortfall           `json:"shortfalls"`
}

// ToInput 转为提交输入
func (c CandidateActivity) ToInput() ActivityInput {
	templateID := c.TemplateID
	stage := c.Stage
	lines := make([]MaterialRequirement, len(c.Materials))
	copy(lines, c.Materials)
	return ActivityInput{
		TemplateID:    &templateID,
		ActivityType:  c.ActivityType,
		Title:         c.Title,
		Stage:         &stage,
		StartDate:     c.StartDate,
		EndDate:       c.EndDate,
		StageDefining: c.StageDefining,
		Materials:     lines,
	}
}

// StageAnchor 阶段锚定日期
type StageAnchor struct {
	Stage     entity.Stage `json:"stage"`
	StartDate Date         `json:"start_date"`
	EndDate   Date         `json:"end_date"`
	Estimated bool         `json:"estimated"`
}

// PlanPreview 计划预览
type PlanPreview struct {
	CropID       string              `json:"crop_id,omitempty"`
	SeasonType   entity.Season       `json:"season_type"`
	CurrentStage entity.Stage        `json:"current_stage"`
	Anchors      []StageAnchor       `json:"anchors"`
	Candidates   []CandidateActivity `json:"candidates"`
	Feasible     bool                `json:"feasible"`
	Shortfalls   []Shortfall         `json:"shortfalls"`
}

// cropProfile 生成计划所需的作物属性
type cropProfile struct {
	cropID       string
	userID       string
	season       entity.Season
	plantingDate *time.Time
	stage        entity.Stage
	stageStart   *time.Time
	area         decimal.Decimal
}

func profileOf(crop *entity.Crop) cropProfile {
	return cropProfile{
		cropID:       crop.ID,
		userID:       crop.UserID,
		season:       crop.SeasonType,
		plantingDate: crop.PlantingDate,
		stage:        crop.CurrentStage,
		stageStart:   crop.CurrentStageStartDate,
		area:         crop.FieldArea,
	}
}

// PlanService 种植计划生成
type PlanService struct {
	db          *gorm.DB
	crops       *repository.CropRepository
	activities  *repository.ActivityRepository
	catalog     *CatalogService
	feasibility *FeasibilityService
	ledger      *LedgerService
	commit      *CommitService
	notifier    sse.Notifier
	durations   map[entity.Stage]int
	now         func() time.Time
	logger      *zap.Logger
}

func NewPlanService(db *gorm.DB, repos *repository.Repositories, catalog *CatalogService, feasibility *FeasibilityService, ledger *LedgerService, notifier sse.Notifier, durations map[entity.Stage]int, now func() time.Time, logger *zap.Logger) *PlanService {
	return &PlanService{
		db:          db,
		crops:       repos.Crop,
		activities:  repos.Activity,
		catalog:     catalog,
		feasibility: feasibility,
		ledger:      ledger,
		notifier:    notifier,
		durations:   durations,
		now:         now,
		logger:      logger,
	}
}

// SetCommitService 注入提交服务
func (s *PlanService) SetCommitService(commit *CommitService) {
	s.commit = commit
}

// PreviewPlan 从当前阶段到采收的全部候选活动，按时间顺序累计检查物料
func (s *PlanService) PreviewPlan(ctx context.Context, req *PreviewRequest, userID string) (*PlanPreview, error) {
	profile, err := s.resolveProfile(ctx, req, userID)
	if err != nil {
		return nil, err
	}

	anchors := s.stageAnchors(profile)
	var candidates []CandidateActivity
	for _, anchor := range anchors {
		stageCandidates, err := s.candidatesFor(ctx, profile, anchor.Stage, anchor.StartDate.Time)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, stageCandidates...)
	}
	sortCandidates(candidates)

	if err := s.annotate(ctx, userID, candidates); err != nil {
		return nil, err
	}

	preview := &PlanPreview{
		CropID:       profile.cropID,
		SeasonType:   profile.season,
		CurrentStage: profile.stage,
		Anchors:      anchors,
		Candidates:   candidates,
		Feasible:     true,
	}
	var all []MaterialRequirement
	for _, c := range candidates {
		preview.Feasible = preview.Feasible && c.Feasible
		all = append(all, c.Materials...)
	}
	total, err := s.feasibility.CheckFeasibility(ctx, all, userID)
	if err != nil {
		return nil, err
	}
	preview.Shortfalls = total.Shortfalls
	return preview, nil
}

func (s *PlanService) resolveProfile(ctx context.Context, req *PreviewRequest, userID string) (cropProfile, error) {
	if req.CropID != "" {
		crop, err := s.loadCrop(ctx, req.CropID, userID)
		if err != nil {
			return cropProfile{}, err
		}
		return profileOf(crop), nil
	}

	if !req.SeasonType.Valid() {
		return cropProfile{}, invalid("season_type must be spring_summer or autumn_winter")
	}
	if req.FieldArea.IsNegative() {
		return cropProfile{}, invalid("field_area must not be negative")
	}
	profile := cropProfile{userID: userID, season: req.SeasonType, area: req.FieldArea, stage: entity.StageLandPrep}
	if req.CurrentStage != nil {
		if !req.CurrentStage.Valid() {
			return cropProfile{}, invalid("unknown stage %d", *req.CurrentStage)
		}
		profile.stage = *req.CurrentStage
	}
	if req.PlantingDate != nil && !req.PlantingDate.IsZero() {
		t := dayOf(req.PlantingDate.Time)
		profile.plantingDate = &t
	}
	if req.CurrentStageStartDate != nil && !req.CurrentStageStartDate.IsZero() {
		t := dayOf(req.CurrentStageStartDate.Time)
		profile.stageStart = &t
	}
	return profile, nil
}

func (s *PlanService) loadCrop(ctx context.Context, cropID, userID string) (*entity.Crop, error) {
	crop, err := s.crops.FindByID(ctx, cropID)
	if err != nil {
		return nil, lookupErr(err, "crop", cropID)
	}
	if userID != "" && crop.UserID != userID {
		return nil, notFound("crop", cropID)
	}
	return crop, nil
}

func (s *PlanService) duration(stage entity.Stage) int {
	return s.durations[stage]
}

// projectedStart 由种植日期推算阶段开始日期
func (s *PlanService) projectedStart(planting time.Time, stage entity.Stage) time.Time {
	if stage < entity.StagePlanting {
		return addDays(planting, -s.duration(entity.StageLandPrep))
	}
	offset := 0
	for st := entity.StagePlanting; st < stage; st++ {
		offset += s.duration(st)
	}
	return addDays(planting, offset)
}

// stageAnchors 当前阶段用实际开始日期，后续阶段取种植日期推算值与上一阶段结束日期中较晚者
func (s *PlanService) stageAnchors(p cropProfile) []StageAnchor {
	var start time.Time
	estimated := true
	switch {
	case p.stageStart != nil:
		start = dayOf(*p.stageStart)
		estimated = false
	case p.plantingDate != nil:
		start = s.projectedStart(*p.plantingDate, p.stage)
	default:
		start = dayOf(s.now())
	}

	anchors := []StageAnchor{{
		Stage:     p.stage,
		StartDate: NewDate(start),
		EndDate:   NewDate(addDays(start, s.duration(p.stage))),
		Estimated: estimated,
	}}
	prev, prevStage := start, p.stage
	for st, ok := p.stage.Next(); ok; st, ok = st.Next() {
		next := addDays(prev, s.duration(prevStage))
		if p.plantingDate != nil {
			if projected := s.projectedStart(*p.plantingDate, st); projected.After(next) {
				next = projected
			}
		}
		anchors = append(anchors, StageAnchor{
			Stage:     st,
			StartDate: NewDate(next),
			EndDate:   NewDate(addDays(next, s.duration(st))),
			Estimated: true,
		})
		prev, prevStage = next, st
	}
	return anchors
}

// candidatesFor 按模板生成某阶段的候选活动：开始 = 锚定日 + day_offset，结束 = 开始 + duration_days
func (s *PlanService) candidatesFor(ctx context.Context, p cropProfile, stage entity.Stage, anchor time.Time) ([]CandidateActivity, error) {
	templates, err := s.catalog.TemplatesFor(ctx, stage, p.season, p.userID)
	if err != nil {
		return nil, err
	}
	candidates := make([]CandidateActivity, 0, len(templates))
	for i := range templates {
		tmpl := &templates[i]
		start := addDays(anchor, tmpl.DayOffset)
		candidates = append(candidates, CandidateActivity{
			TemplateID:    tmpl.ID,
			ActivityType:  tmpl.ActivityType,
			Title:         firstNonEmpty(tmpl.Name, tmpl.ActivityType),
			Stage:         stage,
			StartDate:     NewDate(start),
			EndDate:       NewDate(addDays(start, tmpl.DurationDays)),
			DurationDays:  tmpl.DurationDays,
			IsRequired:    tmpl.IsRequired,
			StageDefining: tmpl.StageDefining,
			Materials:     TemplateRequirements(tmpl, p.area),
			Feasible:      true,
			Shortfalls:    []Shortfall{},
		})
	}
	return candidates, nil
}

func sortCandidates(items []CandidateActivity) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].StartDate.Equal(items[j].StartDate.Time) {
			return items[i].StartDate.Before(items[j].StartDate.Time)
		}
		return items[i].Stage < items[j].Stage
	})
}

// annotate 按开始日期顺序累计扣减可用量，标注每个候选的可行性并补全物料ID
func (s *PlanService) annotate(ctx context.Context, userID string, candidates []CandidateActivity) error {
	snap := s.feasibility.snapshot(ctx, nil, userID)
	for i := range candidates {
		c := &candidates[i]
		for j := range c.Materials {
			if c.Materials[j].Quantity.IsZero() {
				continue
			}
			entry, err := snap.lookup(c.Materials[j])
			if err != nil {
				return err
			}
			if entry.material != nil {
				c.Materials[j].MaterialID = entry.material.ID
				c.Materials[j].Unit = firstNonEmpty(c.Materials[j].Unit, entry.material.Unit)
			}
		}
		report, err := snap.check(c.Materials)
		if err != nil {
			return err
		}
		c.Feasible = report.Feasible
		c.Shortfalls = report.Shortfalls
		if err := snap.consume(c.Materials); err != nil {
			return err
		}
	}
	return nil
}

// BuildStagePlan 作物某阶段的候选活动
func (s *PlanService) BuildStagePlan(ctx context.Context, crop *entity.Crop, stage entity.Stage) ([]CandidateActivity, error) {
	if !stage.Valid() {
		return nil, invalid("unknown stage %d", stage)
	}
	profile := profileOf(crop)
	var anchor time.Time
	found := false
	for _, a := range s.stageAnchors(profile) {
		if a.Stage == stage {
			anchor, found = a.StartDate.Time, true
			break
		}
	}
	if !found {
		// 已经过去的阶段按种植日期推算，没有种植日期时用今天
		anchor = dayOf(s.now())
		if profile.plantingDate != nil {
			anchor = s.projectedStart(*profile.plantingDate, stage)
		}
	}

	candidates, err := s.candidatesFor(ctx, profile, stage, anchor)
	if err != nil {
		return nil, err
	}
	sortCandidates(candidates)
	if err := s.annotate(ctx, crop.UserID, candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

// StagePlanFor 按作物ID获取某阶段候选活动
func (s *PlanService) StagePlanFor(ctx context.Context, cropID, userID string, stage entity.Stage) ([]CandidateActivity, error) {
	crop, err := s.loadCrop(ctx, cropID, userID)
	if err != nil {
		return nil, err
	}
	return s.BuildStagePlan(ctx, crop, stage)
}

// GeneratePlan 为作物当前阶段生成并提交活动，replace为true时先清理未执行的自动活动
func (s *PlanService) GeneratePlan(ctx context.Context, cropID, userID string, replace bool) (*ConfirmResult, error) {
	crop, err := s.loadCrop(ctx, cropID, userID)
	if err != nil {
		return nil, err
	}
	if replace {
		if _, err := s.CleanActivities(ctx, cropID, userID); err != nil {
			return nil, err
		}
	}

	candidates, err := s.BuildStagePlan(ctx, crop, crop.CurrentStage)
	if err != nil {
		return nil, err
	}
	inputs := make([]ActivityInput, 0, len(candidates))
	for _, c := range candidates {
		inputs = append(inputs, c.ToInput())
	}
	if s.commit == nil {
		return nil, fmt.Errorf("commit service not configured")
	}
	return s.commit.commit(ctx, crop, inputs, userID, true)
}

// CleanActivities 删除作物未执行的自动生成活动并释放其预留
func (s *PlanService) CleanActivities(ctx context.Context, cropID, userID string) (int, error) {
	crop, err := s.loadCrop(ctx, cropID, userID)
	if err != nil {
		return 0, err
	}

	removed := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.activities.WithTx(tx)
		pending, err := repo.ListPendingGenerated(ctx, crop.ID)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(pending))
		for i := range pending {
			for materialID, qty := range pending[i].PlannedMaterials() {
				if !qty.IsPositive() {
					continue
				}
				if _, err := s.ledger.Release(ctx, tx, materialID, "", qty); err != nil {
					return fmt.Errorf("release %s for activity %s: %w", materialID, pending[i].ID, err)
				}
			}
			ids = append(ids, pending[i].ID)
		}
		removed = len(ids)
		return repo.DeleteWithMaterials(ctx, ids)
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		s.logger.Info("pending generated activities cleaned", zap.String("crop_id", crop.ID), zap.Int("count", removed))
		s.notifier.Notify(ctx, sse.FarmEvent{
			Type:    sse.EventPlanCleaned,
			UserID:  crop.UserID,
			CropID:  crop.ID,
			Payload: map[string]interface{}{"removed": removed},
			At:      s.now(),
		})
	}
	return removed, nil
}
