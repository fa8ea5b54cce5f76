package repository

import (
	"context"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"gorm.io/gorm"
)

// TemplateRepository 活动模板仓库
type TemplateRepository struct {
	db *gorm.DB
}

func NewTemplateRepository(db *gorm.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

func (r *TemplateRepository) WithTx(tx *gorm.DB) *TemplateRepository {
	return &TemplateRepository{db: tx}
}

// DB 返回底层db用于事务
func (r *TemplateRepository) DB() *gorm.DB {
	return r.db
}

// Create 创建模板及其物料
func (r *TemplateRepository) Create(ctx context.Context, tmpl *entity.ActivityTemplate) error {
	return r.db.WithContext(ctx).Create(tmpl).Error
}

func (r *TemplateRepository) FindByID(ctx context.Context, id string) (*entity.ActivityTemplate, error) {
	var tmpl entity.ActivityTemplate
	err := r.db.WithContext(ctx).
		Preload("Materials").
		Where("id = ?", id).
		First(&tmpl).Error
	if err != nil {
		return nil, translate(err)
	}
	return &tmpl, nil
}

// ListVisible 用户可见的模板：全局模板 + 用户自有模板
func (r *TemplateRepository) ListVisible(ctx context.Context, userID string, activeOnly bool) ([]entity.ActivityTemplate, error) {
	var items []entity.ActivityTemplate
	query := r.db.WithContext(ctx).Preload("Materials")
	if userID != "" {
		query = query.Where("owner_id IS NULL OR owner_id = '' OR owner_id = ?", userID)
	} else {
		query = query.Where("owner_id IS NULL OR owner_id = ''")
	}
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	err := query.Order("stage ASC, day_offset ASC, activity_type ASC").Find(&items).Error
	return items, err
}

// FindActiveGlobal 查找同阶段同类型同季节的有效全局模板
func (r *TemplateRepository) FindActiveGlobal(ctx context.Context, stage entity.Stage, activityType string, season *entity.Season) (*entity.ActivityTemplate, error) {
	var tmpl entity.ActivityTemplate
	query := r.db.WithContext(ctx).
		Where("(owner_id IS NULL OR owner_id = '') AND active = ? AND stage = ? AND activity_type = ?", true, int(stage), activityType)
	if season == nil {
		query = query.Where("season_specific IS NULL")
	} else {
		query = query.Where("season_specific = ?", string(*season))
	}
	if err := query.First(&tmpl).Error; err != nil {
		return nil, translate(err)
	}
	return &tmpl, nil
}

// Update 更新模板字段（不含物料）
func (r *TemplateRepository) Update(ctx context.Context, tmpl *entity.ActivityTemplate) error {
	return r.db.WithContext(ctx).Omit("Materials").Save(tmpl).Error
}

// ReplaceMaterials 覆盖模板物料
func (r *TemplateRepository) ReplaceMaterials(ctx context.Context, templateID string, materials []entity.TemplateMaterial) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("template_id = ?", templateID).Delete(&entity.TemplateMaterial{}).Error; err != nil {
		return err
	}
	if len(materials) == 0 {
		return nil
	}
	return db.Create(&materials).Error
}

// Deactivate 停用模板，supersededBy为替代版本
func (r *TemplateRepository) Deactivate(ctx context.Context, id string, supersededBy *string) error {
	return r.db.WithContext(ctx).
		Model(&entity.ActivityTemplate{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"active": false, "superseded_by_id": supersededBy}).Error
}

// CountReferences 引用该模板的活动数
func (r *TemplateRepository) CountReferences(ctx context.Context, id string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.FarmActivity{}).
		Where("template_id = ?", id).
		Count(&count).Error
	return count, err
}
