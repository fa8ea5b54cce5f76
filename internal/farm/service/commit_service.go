package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/bitfantasy/nimo-farm/internal/farm/sse"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActivityInput 待提交的活动
type ActivityInput struct {
	TemplateID       *string               `json:"template_id"`
	ParentActivityID *string               `json:"parent_activity_id"`
	ActivityType     string                `json:"activity_type"`
	Title            string                `json:"title"`
	Stage            *entity.Stage         `json:"stage"`
	StartDate        Date                  `json:"start_date"`
	EndDate          Date                  `json:"end_date"`
	StageDefining    bool                  `json:"stage_defining"`
	Notes            string                `json:"notes"`
	Materials        []MaterialRequirement `json:"materials"`
}

// MaterialRejection 未能预留的物料行，不影响活动本身的创建
type MaterialRejection struct {
	ActivityIndex int             `json:"activity_index"`
	ActivityID    string          `json:"activity_id"`
	MaterialID    string          `json:"material_id,omitempty"`
	MaterialName  string          `json:"material_name"`
	Requested     decimal.Decimal `json:"requested"`
	Available     decimal.Decimal `json:"available"`
	Reason        string          `json:"reason"`
}

// ConfirmResult 提交结果
type ConfirmResult struct {
	Activities []entity.FarmActivity `json:"activities"`
	Rejections []MaterialRejection   `json:"rejections"`
}

// CompleteRequest 完成活动请求
// ActualMaterials为nil表示按计划用量消耗，空数组表示未消耗任何物料
type CompleteRequest struct {
	ActualMaterials []MaterialRequirement `json:"actual_materials"`
	Notes           string                `json:"notes"`
	CompletedAt     *Date                 `json:"completed_at"`
}

// CompletionResult 完成结果，关键活动完成时附带阶段推进信息
type CompletionResult struct {
	Activity *entity.FarmActivity `json:"activity"`
	Advance  *StageAdvance        `json:"stage_advance,omitempty"`
	Notice   string               `json:"notice,omitempty"`
}

// CommitService 计划提交与活动生命周期
type CommitService struct {
	db          *gorm.DB
	crops       *repository.CropRepository
	activities  *repository.ActivityRepository
	templates   *repository.TemplateRepository
	ledger      *LedgerService
	feasibility *FeasibilityService
	stages      *StageService
	notifier    sse.Notifier
	now         func() time.Time
	logger      *zap.Logger
}

func NewCommitService(db *gorm.DB, repos *repository.Repositories, ledger *LedgerService, feasibility *FeasibilityService, stages *StageService, notifier sse.Notifier, now func() time.Time, logger *zap.Logger) *CommitService {
	return &CommitService{
		db:          db,
		crops:       repos.Crop,
		activities:  repos.Activity,
		templates:   repos.Template,
		ledger:      ledger,
		feasibility: feasibility,
		stages:      stages,
		notifier:    notifier,
		now:         now,
		logger:      logger,
	}
}

// ConfirmPlan 提交预览中选定的活动
func (s *CommitService) ConfirmPlan(ctx context.Context, cropID string, inputs []ActivityInput, userID string) (*ConfirmResult, error) {
	crop, err := s.loadCrop(ctx, cropID, userID)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, crop, inputs, userID, true)
}

// CreateActivity 手工创建单个活动
func (s *CommitService) CreateActivity(ctx context.Context, cropID string, input *ActivityInput, userID string) (*ConfirmResult, error) {
	crop, err := s.loadCrop(ctx, cropID, userID)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, crop, []ActivityInput{*input}, userID, false)
}

func (s *CommitService) loadCrop(ctx context.Context, cropID, userID string) (*entity.Crop, error) {
	crop, err := s.crops.FindByID(ctx, cropID)
	if err != nil {
		return nil, lookupErr(err, "crop", cropID)
	}
	if userID != "" && crop.UserID != userID {
		return nil, notFound("crop", cropID)
	}
	return crop, nil
}

func (s *CommitService) validateInputs(ctx context.Context, crop *entity.Crop, inputs []ActivityInput) error {
	for i := range inputs {
		in := &inputs[i]
		if strings.TrimSpace(in.ActivityType) == "" {
			return invalid("activity #%d: activity_type is required", i+1)
		}
		if in.StartDate.IsZero() || in.EndDate.IsZero() {
			return invalid("activity #%d: start_date and end_date are required", i+1)
		}
		if in.EndDate.Before(in.StartDate.Time) {
			return invalid("activity #%d: end_date is before start_date", i+1)
		}
		if in.Stage != nil && !in.Stage.Valid() {
			return invalid("activity #%d: unknown stage %d", i+1, *in.Stage)
		}
		for _, line := range in.Materials {
			if line.Quantity.IsNegative() {
				return invalid("activity #%d: quantity of %s must not be negative", i+1, firstNonEmpty(line.MaterialName, line.MaterialID))
			}
			if line.MaterialID == "" && strings.TrimSpace(line.MaterialName) == "" {
				return invalid("activity #%d: material id or name is required", i+1)
			}
		}
		if in.TemplateID != nil && *in.TemplateID != "" {
			if _, err := s.templates.FindByID(ctx, *in.TemplateID); err != nil {
				return lookupErr(err, "template", *in.TemplateID)
			}
		}
		if in.ParentActivityID != nil && *in.ParentActivityID != "" {
			parent, err := s.activities.FindByID(ctx, *in.ParentActivityID)
			if err != nil {
				return lookupErr(err, "activity", *in.ParentActivityID)
			}
			if parent.CropID != crop.ID {
				return notFound("activity", *in.ParentActivityID)
			}
		}
	}
	return nil
}

// commit 单事务内创建活动并逐行预留物料
// 物料行预留失败只记入rejections，活动照常创建并标记物料不可行
func (s *CommitService) commit(ctx context.Context, crop *entity.Crop, inputs []ActivityInput, userID string, autoGenerated bool) (*ConfirmResult, error) {
	if err := s.validateInputs(ctx, crop, inputs); err != nil {
		return nil, err
	}
	result := &ConfirmResult{Activities: []entity.FarmActivity{}, Rejections: []MaterialRejection{}}
	if len(inputs) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(inputs))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.activities.WithTx(tx)
		for i := range inputs {
			in := &inputs[i]
			report, err := s.feasibility.CheckFeasibilityTx(ctx, tx, in.Materials, crop.UserID)
			if err != nil {
				return err
			}

			stage := crop.CurrentStage
			if in.Stage != nil {
				stage = *in.Stage
			}
			activity := &entity.FarmActivity{
				ID:               newID(),
				CropID:           crop.ID,
				FieldID:          crop.FieldID,
				UserID:           crop.UserID,
				TemplateID:       emptyToNil(in.TemplateID),
				ParentActivityID: emptyToNil(in.ParentActivityID),
				ActivityType:     strings.TrimSpace(in.ActivityType),
				Title:            firstNonEmpty(in.Title, in.ActivityType),
				Stage:            stage,
				Status:           entity.ActivityStatusPending,
				StartDate:        dayOf(in.StartDate.Time),
				EndDate:          dayOf(in.EndDate.Time),
				StageDefining:    in.StageDefining,
				AutoGenerated:    autoGenerated,
				Notes:            in.Notes,
				CreatedBy:        userID,
			}

			var lines []entity.ActivityMaterial
			rejected := false
			reject := func(line MaterialRequirement, m *entity.FarmMaterial, reason string) {
				rejected = true
				r := MaterialRejection{
					ActivityIndex: i,
					ActivityID:    activity.ID,
					MaterialID:    line.MaterialID,
					MaterialName:  line.MaterialName,
					Requested:     line.Quantity,
					Available:     decimal.Zero,
					Reason:        reason,
				}
				if m != nil {
					r.MaterialID, r.MaterialName = m.ID, m.Name
					r.Available = m.AvailableQuantity()
				}
				result.Rejections = append(result.Rejections, r)
			}

			for _, line := range in.Materials {
				if line.Quantity.IsZero() {
					continue
				}
				m, err := s.ledger.ResolveMaterial(ctx, tx, crop.UserID, line.MaterialID, line.MaterialName)
				if errors.Is(err, ErrNotFound) {
					reject(line, nil, "material not found")
					continue
				}
				if err != nil {
					return err
				}
				snapshot, err := s.ledger.Reserve(ctx, tx, m.ID, crop.UserID, line.Quantity)
				if errors.Is(err, ErrInsufficientMaterial) {
					if snapshot == nil {
						snapshot = m
					}
					reject(line, snapshot, "insufficient available quantity")
					continue
				}
				if err != nil {
					return err
				}
				lines = append(lines, entity.ActivityMaterial{
					ID:              newID(),
					ActivityID:      activity.ID,
					MaterialID:      m.ID,
					MaterialName:    m.Name,
					Unit:            firstNonEmpty(m.Unit, line.Unit),
					PlannedQuantity: line.Quantity,
				})
			}

			activity.MaterialsFeasible = report.Feasible && !rejected
			if err := repo.Create(ctx, activity); err != nil {
				return fmt.Errorf("create activity: %w", err)
			}
			for j := range lines {
				if err := repo.CreateMaterial(ctx, &lines[j]); err != nil {
					return fmt.Errorf("create activity material: %w", err)
				}
			}
			ids = append(ids, activity.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	created, err := s.activities.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	result.Activities = inOrder(created, ids)

	if _, err := s.stages.RefreshCompletion(ctx, crop.ID); err != nil {
		s.logger.Warn("refresh completion failed", zap.String("crop_id", crop.ID), zap.Error(err))
	}
	s.logger.Info("activities committed",
		zap.String("crop_id", crop.ID),
		zap.Int("activities", len(ids)),
		zap.Int("rejections", len(result.Rejections)),
		zap.Bool("auto_generated", autoGenerated))
	s.notifier.Notify(ctx, sse.FarmEvent{
		Type:   sse.EventPlanConfirmed,
		UserID: crop.UserID,
		CropID: crop.ID,
		Payload: map[string]interface{}{
			"crop_name":          crop.Name,
			"activities":         len(ids),
			"rejections":         len(result.Rejections),
			"rejected_materials": rejectedNames(result.Rejections),
		},
		At: s.now(),
	})
	return result, nil
}

func rejectedNames(rejections []MaterialRejection) []string {
	names := make([]string, 0, len(rejections))
	seen := map[string]bool{}
	for _, r := range rejections {
		if !seen[r.MaterialName] {
			seen[r.MaterialName] = true
			names = append(names, r.MaterialName)
		}
	}
	return names
}

func inOrder(items []entity.FarmActivity, ids []string) []entity.FarmActivity {
	byID := make(map[string]entity.FarmActivity, len(items))
	for _, a := range items {
		byID[a.ID] = a
	}
	ordered := make([]entity.FarmActivity, 0, len(ids))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			ordered = append(ordered, a)
		}
	}
	return ordered
}

// GetActivity 获取活动
func (s *CommitService) GetActivity(ctx context.Context, id, userID string) (*entity.FarmActivity, error) {
	activity, err := s.activities.FindByID(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "activity", id)
	}
	if userID != "" && activity.UserID != userID {
		return nil, notFound("activity", id)
	}
	return activity, nil
}

// ActivityTransactions 活动完成时产生的出库流水
func (s *CommitService) ActivityTransactions(ctx context.Context, id, userID string) ([]entity.FarmMaterialTransaction, error) {
	activity, err := s.GetActivity(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return s.ledger.SourceTransactions(ctx, entity.SourceFarmActivity, activity.ID)
}

// ListActivities 作物活动列表
func (s *CommitService) ListActivities(ctx context.Context, cropID, userID string, status entity.ActivityStatus) ([]entity.FarmActivity, error) {
	if _, err := s.loadCrop(ctx, cropID, userID); err != nil {
		return nil, err
	}
	return s.activities.ListByCrop(ctx, cropID, status)
}

var openStatuses = []entity.ActivityStatus{entity.ActivityStatusPending, entity.ActivityStatusInProgress}

func transitionErr(err error, activity *entity.FarmActivity, to entity.ActivityStatus) error {
	if errors.Is(err, repository.ErrStaleVersion) {
		return fmt.Errorf("%w: activity %s cannot move from %s to %s", ErrInvalidTransition, activity.ID, activity.Status, to)
	}
	return err
}

// StartActivity pending -> in_progress
func (s *CommitService) StartActivity(ctx context.Context, id, userID string) (*entity.FarmActivity, error) {
	activity, err := s.GetActivity(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	err = s.activities.Transition(ctx, id, []entity.ActivityStatus{entity.ActivityStatusPending}, entity.ActivityStatusInProgress, nil)
	if err != nil {
		return nil, transitionErr(err, activity, entity.ActivityStatusInProgress)
	}
	s.notifyActivity(ctx, activity, "started")
	return s.activities.FindByID(ctx, id)
}

// CompleteActivity 完成活动：按实际用量出库并释放计划预留
// 未计划的物料按实际用量出库，不涉及预留
func (s *CommitService) CompleteActivity(ctx context.Context, id, userID string, req *CompleteRequest) (*CompletionResult, error) {
	activity, err := s.GetActivity(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !activity.Status.IsOpen() {
		return nil, fmt.Errorf("%w: activity %s is %s", ErrInvalidTransition, id, activity.Status)
	}
	for _, line := range req.ActualMaterials {
		if line.Quantity.IsNegative() {
			return nil, invalid("quantity of %s must not be negative", firstNonEmpty(line.MaterialName, line.MaterialID))
		}
		if line.MaterialID == "" && strings.TrimSpace(line.MaterialName) == "" {
			return nil, invalid("material id or name is required")
		}
	}

	completedAt := dayOf(s.now())
	if req.CompletedAt != nil && !req.CompletedAt.IsZero() {
		completedAt = dayOf(req.CompletedAt.Time)
	}
	notes := activity.Notes
	if req.Notes != "" {
		notes = strings.TrimSpace(strings.Join([]string{activity.Notes, req.Notes}, "\n"))
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.activities.WithTx(tx)
		fields := map[string]interface{}{"actual_completion_date": completedAt, "notes": notes}
		if err := repo.Transition(ctx, id, openStatuses, entity.ActivityStatusCompleted, fields); err != nil {
			return transitionErr(err, activity, entity.ActivityStatusCompleted)
		}

		planned := activity.PlannedMaterials()
		actual := make(map[string]decimal.Decimal, len(planned))
		materials := make(map[string]*entity.FarmMaterial)
		if req.ActualMaterials == nil {
			for k, v := range planned {
				actual[k] = v
			}
		} else {
			for _, line := range req.ActualMaterials {
				m, err := s.ledger.ResolveMaterial(ctx, tx, activity.UserID, line.MaterialID, line.MaterialName)
				if errors.Is(err, ErrNotFound) {
					return invalid("unknown material %s", firstNonEmpty(line.MaterialName, line.MaterialID))
				}
				if err != nil {
					return err
				}
				actual[m.ID] = actual[m.ID].Add(line.Quantity)
				materials[m.ID] = m
			}
		}

		materialIDs := make([]string, 0, len(planned)+len(actual))
		seen := make(map[string]bool)
		for _, set := range []map[string]decimal.Decimal{planned, actual} {
			for k := range set {
				if !seen[k] {
					seen[k] = true
					materialIDs = append(materialIDs, k)
				}
			}
		}
		sort.Strings(materialIDs)

		for _, materialID := range materialIDs {
			if actual[materialID].IsZero() && planned[materialID].IsZero() {
				continue
			}
			_, _, err := s.ledger.Consume(ctx, tx, ConsumeRequest{
				MaterialID: materialID,
				UserID:     activity.UserID,
				Actual:     actual[materialID],
				Planned:    planned[materialID],
				Source:     entity.TransactionSource{Kind: entity.SourceFarmActivity, ID: activity.ID},
				CreatedBy:  userID,
				Notes:      activity.Title,
			})
			if err != nil {
				return err
			}
		}

		recorded := make(map[string]bool)
		for i := range activity.Materials {
			row := &activity.Materials[i]
			qty := decimal.Zero
			if !recorded[row.MaterialID] {
				qty = actual[row.MaterialID]
				recorded[row.MaterialID] = true
			}
			row.ActualQuantity = decimal.NewNullDecimal(qty)
			if err := repo.SaveMaterial(ctx, row); err != nil {
				return err
			}
		}
		for _, materialID := range materialIDs {
			if recorded[materialID] || !actual[materialID].IsPositive() {
				continue
			}
			m := materials[materialID]
			if err := repo.CreateMaterial(ctx, &entity.ActivityMaterial{
				ID:              newID(),
				ActivityID:      activity.ID,
				MaterialID:      materialID,
				MaterialName:    m.Name,
				Unit:            m.Unit,
				PlannedQuantity: decimal.Zero,
				ActualQuantity:  decimal.NewNullDecimal(actual[materialID]),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	completed, err := s.activities.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	result := &CompletionResult{Activity: completed}

	if _, err := s.stages.RefreshCompletion(ctx, activity.CropID); err != nil {
		s.logger.Warn("refresh completion failed", zap.String("crop_id", activity.CropID), zap.Error(err))
	}
	s.notifyActivity(ctx, completed, "completed")

	if activity.StageDefining {
		advance, err := s.stages.advanceFrom(ctx, activity.CropID, activity.Stage)
		switch {
		case err == nil:
			result.Advance = advance
			result.Notice = fmt.Sprintf("crop advanced from %s to %s", advance.From, advance.To)
		case errors.Is(err, ErrInvalidTransition):
			s.logger.Info("stage-defining activity completed without advancing",
				zap.String("activity_id", id), zap.String("reason", err.Error()))
		default:
			s.logger.Warn("auto stage advance failed", zap.String("activity_id", id), zap.Error(err))
		}
	}
	return result, nil
}

// CancelActivity 取消活动并释放全部计划预留，不产生流水
func (s *CommitService) CancelActivity(ctx context.Context, id, userID, reason string) (*entity.FarmActivity, error) {
	activity, err := s.GetActivity(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !activity.Status.IsOpen() {
		return nil, fmt.Errorf("%w: activity %s is %s", ErrInvalidTransition, id, activity.Status)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fields map[string]interface{}
		if reason != "" {
			fields = map[string]interface{}{"notes": strings.TrimSpace(activity.Notes + "\n" + reason)}
		}
		if err := s.activities.WithTx(tx).Transition(ctx, id, openStatuses, entity.ActivityStatusCancelled, fields); err != nil {
			return transitionErr(err, activity, entity.ActivityStatusCancelled)
		}
		for materialID, qty := range activity.PlannedMaterials() {
			if !qty.IsPositive() {
				continue
			}
			if _, err := s.ledger.Release(ctx, tx, materialID, "", qty); err != nil {
				return fmt.Errorf("release %s: %w", materialID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.stages.RefreshCompletion(ctx, activity.CropID); err != nil {
		s.logger.Warn("refresh completion failed", zap.String("crop_id", activity.CropID), zap.Error(err))
	}
	s.notifyActivity(ctx, activity, "cancelled")
	return s.activities.FindByID(ctx, id)
}

func (s *CommitService) notifyActivity(ctx context.Context, activity *entity.FarmActivity, action string) {
	s.notifier.Notify(ctx, sse.FarmEvent{
		Type:       sse.EventActivityUpdated,
		UserID:     activity.UserID,
		CropID:     activity.CropID,
		ActivityID: activity.ID,
		Action:     action,
		At:         s.now(),
	})
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
