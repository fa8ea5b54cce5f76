package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const templateGenKey = "farm:templates:gen"

// TemplateMaterialInput 模板物料
type TemplateMaterialInput struct {
	MaterialName string          `json:"material_name"`
	Unit         string          `json:"unit"`
	Quantity     decimal.Decimal `json:"quantity"`
	ScaleByArea  bool            `json:"scale_by_area"`
}

// TemplateRequest 创建/更新模板请求
type TemplateRequest struct {
	ActivityType   string                  `json:"activity_type" binding:"required"`
	Name           string                  `json:"name"`
	Description    string                  `json:"description"`
	Stage          entity.Stage            `json:"stage"`
	DayOffset      int                     `json:"day_offset"`
	DurationDays   int                     `json:"duration_days"`
	SeasonSpecific *entity.Season          `json:"season_specific"`
	IsRequired     bool                    `json:"is_required"`
	StageDefining  bool                    `json:"stage_defining"`
	Global         bool                    `json:"global"`
	Materials      []TemplateMaterialInput `json:"materials"`
}

func (r *TemplateRequest) validate() error {
	if strings.TrimSpace(r.ActivityType) == "" {
		return invalid("activity_type is required")
	}
	if !r.Stage.Valid() {
		return invalid("unknown stage %d", r.Stage)
	}
	if r.DurationDays < 0 {
		return invalid("duration_days must not be negative")
	}
	if r.SeasonSpecific != nil && !r.SeasonSpecific.Valid() {
		return invalid("unknown season %q", *r.SeasonSpecific)
	}
	for _, m := range r.Materials {
		if strings.TrimSpace(m.MaterialName) == "" {
			return invalid("material_name is required")
		}
		if !m.Quantity.IsPositive() {
			return invalid("quantity of %s must be positive", m.MaterialName)
		}
	}
	return nil
}

func (r *TemplateRequest) materials(templateID string) []entity.TemplateMaterial {
	items := make([]entity.TemplateMaterial, 0, len(r.Materials))
	for _, m := range r.Materials {
		items = append(items, entity.TemplateMaterial{
			ID:           newID(),
			TemplateID:   templateID,
			MaterialName: strings.TrimSpace(m.MaterialName),
			Unit:         m.Unit,
			Quantity:     m.Quantity,
			ScaleByArea:  m.ScaleByArea,
		})
	}
	return items
}

// CatalogService 活动模板目录
// 用户模板按 (阶段, 活动类型) 覆盖全局模板；可见模板列表缓存在Redis
type CatalogService struct {
	templates *repository.TemplateRepository
	rdb       *redis.Client
	ttl       time.Duration
	logger    *zap.Logger
}

func NewCatalogService(templates *repository.TemplateRepository, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CatalogService {
	return &CatalogService{templates: templates, rdb: rdb, ttl: ttl, logger: logger}
}

// TemplatesFor 某阶段某季节下对用户生效的模板，按day_offset排序
func (s *CatalogService) TemplatesFor(ctx context.Context, stage entity.Stage, season entity.Season, userID string) ([]entity.ActivityTemplate, error) {
	visible, err := s.visible(ctx, userID)
	if err != nil {
		return nil, err
	}

	type key struct {
		stage        entity.Stage
		activityType string
	}
	global := make(map[key]entity.ActivityTemplate)
	owned := make(map[key]entity.ActivityTemplate)
	for _, t := range visible {
		if !t.Active || t.Stage != stage || !t.AppliesTo(season) {
			continue
		}
		k := key{t.Stage, t.ActivityType}
		if t.IsGlobal() {
			if prev, ok := global[k]; !ok || moreSpecific(t, prev) {
				global[k] = t
			}
		} else if *t.OwnerID == userID {
			if prev, ok := owned[k]; !ok || moreSpecific(t, prev) {
				owned[k] = t
			}
		}
	}

	result := make([]entity.ActivityTemplate, 0, len(global)+len(owned))
	for k, t := range global {
		if _, overridden := owned[k]; overridden {
			continue
		}
		result = append(result, t)
	}
	for _, t := range owned {
		result = append(result, t)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].DayOffset != result[j].DayOffset {
			return result[i].DayOffset < result[j].DayOffset
		}
		return result[i].ActivityType < result[j].ActivityType
	})
	return result, nil
}

// 季节专用模板优先于通用模板
func moreSpecific(a, b entity.ActivityTemplate) bool {
	return a.SeasonSpecific != nil && b.SeasonSpecific == nil
}

// ListTemplates 用户可见模板
func (s *CatalogService) ListTemplates(ctx context.Context, userID string, stage *entity.Stage, includeInactive bool) ([]entity.ActivityTemplate, error) {
	items, err := s.templates.ListVisible(ctx, userID, !includeInactive)
	if err != nil {
		return nil, err
	}
	if stage == nil {
		return items, nil
	}
	filtered := make([]entity.ActivityTemplate, 0, len(items))
	for _, t := range items {
		if t.Stage == *stage {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// GetTemplate 获取模板，其他用户的私有模板视为不存在
func (s *CatalogService) GetTemplate(ctx context.Context, id, userID string) (*entity.ActivityTemplate, error) {
	tmpl, err := s.templates.FindByID(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "template", id)
	}
	if !tmpl.IsGlobal() && *tmpl.OwnerID != userID {
		return nil, notFound("template", id)
	}
	return tmpl, nil
}

// CreateTemplate 创建模板，Global为true时创建全局模板
func (s *CatalogService) CreateTemplate(ctx context.Context, req *TemplateRequest, userID string) (*entity.ActivityTemplate, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	tmpl := s.buildTemplate(req, userID)
	tmpl.Materials = req.materials(tmpl.ID)
	if err := s.templates.Create(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	s.invalidate(ctx)
	s.logger.Info("activity template created",
		zap.String("template_id", tmpl.ID),
		zap.String("activity_type", tmpl.ActivityType),
		zap.Stringer("stage", tmpl.Stage),
		zap.Bool("global", tmpl.IsGlobal()))
	return tmpl, nil
}

func (s *CatalogService) buildTemplate(req *TemplateRequest, userID string) *entity.ActivityTemplate {
	var owner *string
	if !req.Global {
		owner = &userID
	}
	return &entity.ActivityTemplate{
		ID:             newID(),
		OwnerID:        owner,
		ActivityType:   strings.TrimSpace(req.ActivityType),
		Name:           firstNonEmpty(req.Name, req.ActivityType),
		Description:    req.Description,
		Stage:          req.Stage,
		DayOffset:      req.DayOffset,
		DurationDays:   req.DurationDays,
		SeasonSpecific: req.SeasonSpecific,
		IsRequired:     req.IsRequired,
		StageDefining:  req.StageDefining,
		Active:         true,
		CreatedBy:      userID,
	}
}

func canEdit(tmpl *entity.ActivityTemplate, userID string, isAdmin bool) error {
	if tmpl.IsGlobal() {
		if !isAdmin {
			return fmt.Errorf("%w: global templates can only be changed by admins", ErrForbidden)
		}
		return nil
	}
	if *tmpl.OwnerID != userID {
		return notFound("template", tmpl.ID)
	}
	return nil
}

// UpdateTemplate 更新模板
// 已被活动引用的模板不原地修改：创建新版本并停用旧版本
func (s *CatalogService) UpdateTemplate(ctx context.Context, id string, req *TemplateRequest, userID string, isAdmin bool) (*entity.ActivityTemplate, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	current, err := s.templates.FindByID(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "template", id)
	}
	if err := canEdit(current, userID, isAdmin); err != nil {
		return nil, err
	}
	if !current.Active {
		return nil, fmt.Errorf("%w: template %s is inactive", ErrInvalidTransition, id)
	}

	refs, err := s.templates.CountReferences(ctx, id)
	if err != nil {
		return nil, err
	}

	resultID := id
	err = s.templates.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.templates.WithTx(tx)
		if refs > 0 {
			req.Global = current.IsGlobal()
			next := s.buildTemplate(req, userID)
			next.OwnerID = current.OwnerID
			next.Materials = req.materials(next.ID)
			if err := repo.Create(ctx, next); err != nil {
				return fmt.Errorf("create template version: %w", err)
			}
			resultID = next.ID
			return repo.Deactivate(ctx, id, &next.ID)
		}

		current.ActivityType = strings.TrimSpace(req.ActivityType)
		current.Name = firstNonEmpty(req.Name, req.ActivityType)
		current.Description = req.Description
		current.Stage = req.Stage
		current.DayOffset = req.DayOffset
		current.DurationDays = req.DurationDays
		current.SeasonSpecific = req.SeasonSpecific
		current.IsRequired = req.IsRequired
		current.StageDefining = req.StageDefining
		if err := repo.Update(ctx, current); err != nil {
			return err
		}
		return repo.ReplaceMaterials(ctx, id, req.materials(id))
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx)
	if resultID != id {
		s.logger.Info("activity template superseded", zap.String("template_id", id), zap.String("superseded_by", resultID), zap.Int64("references", refs))
	}
	return s.templates.FindByID(ctx, resultID)
}

// DeactivateTemplate 停用模板，已生成的活动不受影响
func (s *CatalogService) DeactivateTemplate(ctx context.Context, id, userID string, isAdmin bool) error {
	tmpl, err := s.templates.FindByID(ctx, id)
	if err != nil {
		return lookupErr(err, "template", id)
	}
	if err := canEdit(tmpl, userID, isAdmin); err != nil {
		return err
	}
	if err := s.templates.Deactivate(ctx, id, nil); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// SeedTemplates 导入全局模板，同阶段同类型同季节已存在有效模板时跳过
func (s *CatalogService) SeedTemplates(ctx context.Context, reqs []TemplateRequest, createdBy string) (created, skipped int, err error) {
	for i := range reqs {
		req := reqs[i]
		req.Global = true
		if err := req.validate(); err != nil {
			return created, skipped, fmt.Errorf("template #%d (%s): %w", i+1, req.ActivityType, err)
		}
		_, findErr := s.templates.FindActiveGlobal(ctx, req.Stage, strings.TrimSpace(req.ActivityType), req.SeasonSpecific)
		if findErr == nil {
			skipped++
			continue
		}
		if !errors.Is(findErr, repository.ErrNotFound) {
			return created, skipped, findErr
		}
		if _, err := s.CreateTemplate(ctx, &req, createdBy); err != nil {
			return created, skipped, err
		}
		created++
	}
	return created, skipped, nil
}

// visible 读取用户可见的有效模板，优先走缓存
func (s *CatalogService) visible(ctx context.Context, userID string) ([]entity.ActivityTemplate, error) {
	key, cached := s.cacheKey(ctx, userID)
	if cached {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err == nil {
			var items []entity.ActivityTemplate
			if err := json.Unmarshal(data, &items); err == nil {
				return items, nil
			}
			s.logger.Warn("drop corrupt template cache", zap.String("key", key))
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn("template cache read failed", zap.Error(err))
		}
	}

	items, err := s.templates.ListVisible(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	if cached {
		if data, err := json.Marshal(items); err == nil {
			if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
				s.logger.Warn("template cache write failed", zap.Error(err))
			}
		}
	}
	return items, nil
}

// cacheKey 缓存键带代号，任何模板写入都会递增代号使旧缓存失效
func (s *CatalogService) cacheKey(ctx context.Context, userID string) (string, bool) {
	if s.rdb == nil {
		return "", false
	}
	gen, err := s.rdb.Get(ctx, templateGenKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn("template cache unavailable", zap.Error(err))
		return "", false
	}
	return fmt.Sprintf("farm:templates:%d:%s", gen, userID), true
}

func (s *CatalogService) invalidate(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Incr(ctx, templateGenKey).Err(); err != nil {
		s.logger.Warn("template cache invalidation failed", zap.Error(err))
	}
}
