package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CropRepository 作物仓库
type CropRepository struct {
	db *gorm.DB
}

func NewCropRepository(db *gorm.DB) *CropRepository {
	return &CropRepository{db: db}
}

// WithTx 返回绑定事务的仓库
func (r *CropRepository) WithTx(tx *gorm.DB) *CropRepository {
	return &CropRepository{db: tx}
}

func (r *CropRepository) Create(ctx context.Context, crop *entity.Crop) error {
	return r.db.WithContext(ctx).Create(crop).Error
}

func (r *CropRepository) FindByID(ctx context.Context, id string) (*entity.Crop, error) {
	var crop entity.Crop
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&crop).Error; err != nil {
		return nil, translate(err)
	}
	return &crop, nil
}

// ListByUser 用户的作物列表
func (r *CropRepository) ListByUser(ctx context.Context, userID string) ([]entity.Crop, error) {
	var crops []entity.Crop
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&crops).Error
	return crops, err
}

// AdvanceStage 仅当当前阶段仍为from时推进到to，否则返回ErrStaleVersion
func (r *CropRepository) AdvanceStage(ctx context.Context, id string, from, to entity.Stage, startDate time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&entity.Crop{}).
		Where("id = ? AND current_stage = ?", id, int(from)).
		Updates(map[string]interface{}{
			"current_stage":            int(to),
			"current_stage_start_date": startDate,
			"updated_at":               time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleVersion
	}
	return nil
}

// UpdateCompletion 更新完成百分比
func (r *CropRepository) UpdateCompletion(ctx context.Context, id string, pct float64) error {
	return r.db.WithContext(ctx).
		Model(&entity.Crop{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"completion_percentage": pct, "updated_at": time.Now()}).Error
}

// SetActualYield 写入累计产量
func (r *CropRepository) SetActualYield(ctx context.Context, id string, yield decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&entity.Crop{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"actual_yield": yield, "updated_at": time.Now()}).Error
}

func (r *CropRepository) CreateHarvest(ctx context.Context, rec *entity.HarvestRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *CropRepository) ListHarvests(ctx context.Context, cropID string) ([]entity.HarvestRecord, error) {
	var recs []entity.HarvestRecord
	err := r.db.WithContext(ctx).
		Where("crop_id = ?", cropID).
		Order("harvested_at ASC").
		Find(&recs).Error
	return recs, err
}
