package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"gorm.io/gorm"
)

// ActivityRepository 农事活动仓库
type ActivityRepository struct {
	db *gorm.DB
}

func NewActivityRepository(db *gorm.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

func (r *ActivityRepository) WithTx(tx *gorm.DB) *ActivityRepository {
	return &ActivityRepository{db: tx}
}

// Create 只写活动本身，物料行单独写入
func (r *ActivityRepository) Create(ctx context.Context, activity *entity.FarmActivity) error {
	return r.db.WithContext(ctx).Omit("Materials").Create(activity).Error
}

func (r *ActivityRepository) CreateMaterial(ctx context.Context, line *entity.ActivityMaterial) error {
	return r.db.WithContext(ctx).Create(line).Error
}

func (r *ActivityRepository) SaveMaterial(ctx context.Context, line *entity.ActivityMaterial) error {
	return r.db.WithContext(ctx).Save(line).Error
}

func (r *ActivityRepository) FindByID(ctx context.Context, id string) (*entity.FarmActivity, error) {
	var activity entity.FarmActivity
	err := r.db.WithContext(ctx).
		Preload("Materials").
		Where("id = ?", id).
		First(&activity).Error
	if err != nil {
		return nil, translate(err)
	}
	return &activity, nil
}

// FindByIDs 批量获取，保持按开始日期排序
func (r *ActivityRepository) FindByIDs(ctx context.Context, ids []string) ([]entity.FarmActivity, error) {
	var items []entity.FarmActivity
	if len(ids) == 0 {
		return items, nil
	}
	err := r.db.WithContext(ctx).
		Preload("Materials").
		Where("id IN ?", ids).
		Order("start_date ASC, created_at ASC").
		Find(&items).Error
	return items, err
}

// ListByCrop 作物的活动列表，status为空时不过滤
func (r *ActivityRepository) ListByCrop(ctx context.Context, cropID string, status entity.ActivityStatus) ([]entity.FarmActivity, error) {
	var items []entity.FarmActivity
	query := r.db.WithContext(ctx).Preload("Materials").Where("crop_id = ?", cropID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.Order("start_date ASC, created_at ASC").Find(&items).Error
	return items, err
}

// ListPendingGenerated 待执行的自动生成活动
func (r *ActivityRepository) ListPendingGenerated(ctx context.Context, cropID string) ([]entity.FarmActivity, error) {
	var items []entity.FarmActivity
	err := r.db.WithContext(ctx).
		Preload("Materials").
		Where("crop_id = ? AND status = ? AND auto_generated = ?", cropID, entity.ActivityStatusPending, true).
		Find(&items).Error
	return items, err
}

// Update 更新活动字段（不含物料）
func (r *ActivityRepository) Update(ctx context.Context, activity *entity.FarmActivity) error {
	return r.db.WithContext(ctx).Omit("Materials").Save(activity).Error
}

// DeleteWithMaterials 物理删除活动及其物料行
func (r *ActivityRepository) DeleteWithMaterials(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	db := r.db.WithContext(ctx)
	if err := db.Where("activity_id IN ?", ids).Delete(&entity.ActivityMaterial{}).Error; err != nil {
		return err
	}
	return db.Where("id IN ?", ids).Delete(&entity.FarmActivity{}).Error
}

// CountByStatus 按状态统计作物活动数
func (r *ActivityRepository) CountByStatus(ctx context.Context, cropID string) (map[entity.ActivityStatus]int64, error) {
	var rows []struct {
		Status entity.ActivityStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&entity.FarmActivity{}).
		Select("status, COUNT(*) AS count").
		Where("crop_id = ?", cropID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[entity.ActivityStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Transition 仅当当前状态属于from时更新为to，否则返回ErrStaleVersion
func (r *ActivityRepository) Transition(ctx context.Context, id string, from []entity.ActivityStatus, to entity.ActivityStatus, fields map[string]interface{}) error {
	updates := map[string]interface{}{"status": to, "updated_at": time.Now()}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&entity.FarmActivity{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleVersion
	}
	return nil
}
