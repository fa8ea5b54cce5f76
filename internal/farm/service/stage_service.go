package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/bitfantasy/nimo-farm/internal/farm/sse"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreateCropRequest 登记作物请求
type CreateCropRequest struct {
	Name                  string          `json:"name" binding:"required"`
	Variety               string          `json:"variety"`
	FieldID               string          `json:"field_id"`
	FieldArea             decimal.Decimal `json:"field_area"`
	PlantingDensity       decimal.Decimal `json:"planting_density"`
	ExpectedYield         decimal.Decimal `json:"expected_yield"`
	SeasonType            entity.Season   `json:"season_type"`
	PlantingDate          *Date           `json:"planting_date"`
	CurrentStage          *entity.Stage   `json:"current_stage"`
	CurrentStageStartDate *Date           `json:"current_stage_start_date"`
}

// HarvestRequest 采收登记请求
type HarvestRequest struct {
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	HarvestedAt *Date           `json:"harvested_at"`
	Notes       string          `json:"notes"`
}

// StageAdvance 阶段推进结果，Candidates为新阶段的候选活动（未落库）
type StageAdvance struct {
	Crop       *entity.Crop        `json:"crop"`
	From       entity.Stage        `json:"from"`
	To         entity.Stage        `json:"to"`
	Candidates []CandidateActivity `json:"candidates"`
}

// StageService 作物与生长阶段
type StageService struct {
	db         *gorm.DB
	crops      *repository.CropRepository
	activities *repository.ActivityRepository
	planner    *PlanService
	notifier   sse.Notifier
	retry      retrier
	now        func() time.Time
	logger     *zap.Logger
}

func NewStageService(db *gorm.DB, repos *repository.Repositories, planner *PlanService, notifier sse.Notifier, retry retrier, now func() time.Time, logger *zap.Logger) *StageService {
	return &StageService{
		db:         db,
		crops:      repos.Crop,
		activities: repos.Activity,
		planner:    planner,
		notifier:   notifier,
		retry:      retry,
		now:        now,
		logger:     logger,
	}
}

// RegisterCrop 登记作物
func (s *StageService) RegisterCrop(ctx context.Context, req *CreateCropRequest, userID string) (*entity.Crop, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, invalid("crop name is required")
	}
	if !req.SeasonType.Valid() {
		return nil, invalid("season_type must be spring_summer or autumn_winter")
	}
	if req.FieldArea.IsNegative() || req.PlantingDensity.IsNegative() || req.ExpectedYield.IsNegative() {
		return nil, invalid("area, density and expected yield must not be negative")
	}

	stage := entity.StageLandPrep
	if req.CurrentStage != nil {
		if !req.CurrentStage.Valid() {
			return nil, invalid("unknown stage %d", *req.CurrentStage)
		}
		stage = *req.CurrentStage
	}
	stageStart := dayOf(s.now())
	if req.CurrentStageStartDate != nil && !req.CurrentStageStartDate.IsZero() {
		stageStart = dayOf(req.CurrentStageStartDate.Time)
	}

	crop := &entity.Crop{
		ID:                    newID(),
		UserID:                userID,
		FieldID:               req.FieldID,
		Name:                  strings.TrimSpace(req.Name),
		Variety:               req.Variety,
		FieldArea:             req.FieldArea,
		PlantingDensity:       req.PlantingDensity,
		SeasonType:            req.SeasonType,
		CurrentStage:          stage,
		CurrentStageStartDate: &stageStart,
		ExpectedYield:         req.ExpectedYield,
		ActualYield:           decimal.Zero,
	}
	if req.PlantingDate != nil && !req.PlantingDate.IsZero() {
		planting := dayOf(req.PlantingDate.Time)
		crop.PlantingDate = &planting
	}

	if err := s.crops.Create(ctx, crop); err != nil {
		return nil, fmt.Errorf("create crop: %w", err)
	}
	s.logger.Info("crop registered", zap.String("crop_id", crop.ID), zap.Stringer("stage", stage))
	return crop, nil
}

// GetCrop 获取作物
func (s *StageService) GetCrop(ctx context.Context, id, userID string) (*entity.Crop, error) {
	crop, err := s.crops.FindByID(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "crop", id)
	}
	if userID != "" && crop.UserID != userID {
		return nil, notFound("crop", id)
	}
	return crop, nil
}

// ListCrops 用户作物列表
func (s *StageService) ListCrops(ctx context.Context, userID string) ([]entity.Crop, error) {
	return s.crops.ListByUser(ctx, userID)
}

// AdvanceStage 推进到下一阶段，返回新阶段候选活动供预览
// 并发推进时落败方重新读取后从新阶段继续推进
func (s *StageService) AdvanceStage(ctx context.Context, cropID, userID string) (*StageAdvance, error) {
	var advance *StageAdvance
	err := s.retry.do(ctx, "advance stage", func() error {
		crop, err := s.GetCrop(ctx, cropID, userID)
		if err != nil {
			return err
		}
		advance, err = s.advance(ctx, crop)
		return err
	})
	if err != nil {
		return nil, err
	}
	return advance, nil
}

// advanceFrom 仅当作物仍处于from阶段时推进
func (s *StageService) advanceFrom(ctx context.Context, cropID string, from entity.Stage) (*StageAdvance, error) {
	var advance *StageAdvance
	err := s.retry.do(ctx, "advance stage from "+from.String(), func() error {
		crop, err := s.GetCrop(ctx, cropID, "")
		if err != nil {
			return err
		}
		if crop.CurrentStage != from {
			return fmt.Errorf("%w: crop %s already moved from %s to %s", ErrInvalidTransition, cropID, from, crop.CurrentStage)
		}
		advance, err = s.advance(ctx, crop)
		return err
	})
	if err != nil {
		return nil, err
	}
	return advance, nil
}

// advance 带阶段条件的更新，并发推进时只有一个成功
func (s *StageService) advance(ctx context.Context, crop *entity.Crop) (*StageAdvance, error) {
	from := crop.CurrentStage
	to, ok := from.Next()
	if !ok {
		return nil, fmt.Errorf("%w: crop %s is already in the terminal stage %s", ErrInvalidTransition, crop.ID, from)
	}

	start := dayOf(s.now())
	if err := s.crops.AdvanceStage(ctx, crop.ID, from, to, start); err != nil {
		if errors.Is(err, repository.ErrStaleVersion) {
			return nil, fmt.Errorf("crop %s stage changed concurrently: %w", crop.ID, err)
		}
		return nil, err
	}
	crop.CurrentStage = to
	crop.CurrentStageStartDate = &start

	advance := &StageAdvance{Crop: crop, From: from, To: to, Candidates: []CandidateActivity{}}
	candidates, err := s.planner.BuildStagePlan(ctx, crop, to)
	if err != nil {
		s.logger.Warn("build stage plan after advance failed", zap.String("crop_id", crop.ID), zap.Error(err))
	} else {
		advance.Candidates = candidates
	}

	s.logger.Info("crop stage advanced", zap.String("crop_id", crop.ID), zap.Stringer("from", from), zap.Stringer("to", to))
	s.notifier.Notify(ctx, sse.FarmEvent{
		Type:   sse.EventStageAdvanced,
		UserID: crop.UserID,
		CropID: crop.ID,
		Action: to.String(),
		Payload: map[string]interface{}{
			"crop_name":  crop.Name,
			"from":       from.String(),
			"to":         to.String(),
			"candidates": len(advance.Candidates),
		},
		At: s.now(),
	})
	return advance, nil
}

// RecordHarvest 登记采收，仅采收阶段允许；实际产量为全部采收记录之和
func (s *StageService) RecordHarvest(ctx context.Context, cropID, userID string, req *HarvestRequest) (*entity.Crop, error) {
	crop, err := s.GetCrop(ctx, cropID, userID)
	if err != nil {
		return nil, err
	}
	if crop.CurrentStage != entity.StageHarvest {
		return nil, fmt.Errorf("%w: crop %s is in %s, harvest can only be recorded in the harvest stage", ErrInvalidTransition, cropID, crop.CurrentStage)
	}
	if !req.Quantity.IsPositive() {
		return nil, invalid("harvest quantity must be positive")
	}

	harvestedAt := dayOf(s.now())
	if req.HarvestedAt != nil && !req.HarvestedAt.IsZero() {
		harvestedAt = dayOf(req.HarvestedAt.Time)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.crops.WithTx(tx)
		if err := repo.CreateHarvest(ctx, &entity.HarvestRecord{
			ID:          newID(),
			CropID:      crop.ID,
			Quantity:    req.Quantity,
			Unit:        req.Unit,
			HarvestedAt: harvestedAt,
			Notes:       req.Notes,
			CreatedBy:   userID,
		}); err != nil {
			return err
		}
		records, err := repo.ListHarvests(ctx, crop.ID)
		if err != nil {
			return err
		}
		total := decimal.Zero
		for _, r := range records {
			total = total.Add(r.Quantity)
		}
		crop.ActualYield = total
		return repo.SetActualYield(ctx, crop.ID, total)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, sse.FarmEvent{
		Type:    sse.EventHarvestRecorded,
		UserID:  crop.UserID,
		CropID:  crop.ID,
		Payload: map[string]interface{}{"quantity": req.Quantity, "actual_yield": crop.ActualYield},
		At:      s.now(),
	})
	return crop, nil
}

// ListHarvests 采收记录
func (s *StageService) ListHarvests(ctx context.Context, cropID, userID string) ([]entity.HarvestRecord, error) {
	if _, err := s.GetCrop(ctx, cropID, userID); err != nil {
		return nil, err
	}
	return s.crops.ListHarvests(ctx, cropID)
}

// RefreshCompletion 完成百分比 = 已完成 / 未取消的活动数
func (s *StageService) RefreshCompletion(ctx context.Context, cropID string) (float64, error) {
	counts, err := s.activities.CountByStatus(ctx, cropID)
	if err != nil {
		return 0, err
	}
	var total int64
	for status, n := range counts {
		if status != entity.ActivityStatusCancelled {
			total += n
		}
	}
	pct := 0.0
	if total > 0 {
		pct = math.Round(float64(counts[entity.ActivityStatusCompleted])/float64(total)*10000) / 100
	}
	if err := s.crops.UpdateCompletion(ctx, cropID, pct); err != nil {
		return 0, err
	}
	return pct, nil
}
