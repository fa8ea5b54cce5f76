package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"gorm.io/gorm"
)

// MaterialRepository 农资库存仓库
type MaterialRepository struct {
	db *gorm.DB
}

func NewMaterialRepository(db *gorm.DB) *MaterialRepository {
	return &MaterialRepository{db: db}
}

func (r *MaterialRepository) WithTx(tx *gorm.DB) *MaterialRepository {
	return &MaterialRepository{db: tx}
}

func (r *MaterialRepository) Create(ctx context.Context, m *entity.FarmMaterial) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *MaterialRepository) FindByID(ctx context.Context, id string) (*entity.FarmMaterial, error) {
	var m entity.FarmMaterial
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// FindByName 按名称查找用户物料，忽略大小写
func (r *MaterialRepository) FindByName(ctx context.Context, userID, name string) (*entity.FarmMaterial, error) {
	var m entity.FarmMaterial
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND LOWER(name) = ?", userID, strings.ToLower(strings.TrimSpace(name))).
		First(&m).Error
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// List 用户物料列表
func (r *MaterialRepository) List(ctx context.Context, userID, keyword, category string) ([]entity.FarmMaterial, error) {
	var items []entity.FarmMaterial
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if keyword != "" {
		query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(keyword)+"%")
	}
	if category != "" {
		query = query.Where("category = ?", category)
	}
	err := query.Order("name ASC").Find(&items).Error
	return items, err
}

// UpdateStock 按版本号条件更新库存字段
// 版本号不匹配时不写入任何数据并返回ErrStaleVersion
func (r *MaterialRepository) UpdateStock(ctx context.Context, m *entity.FarmMaterial, expectedVersion int) error {
	res := r.db.WithContext(ctx).
		Model(&entity.FarmMaterial{}).
		Where("id = ? AND version = ?", m.ID, expectedVersion).
		Updates(map[string]interface{}{
			"quantity":          m.Quantity,
			"reserved_quantity": m.ReservedQuantity,
			"unit_cost":         m.UnitCost,
			"version":           expectedVersion + 1,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleVersion
	}
	m.Version = expectedVersion + 1
	return nil
}

// CreateTransaction 追加库存流水
func (r *MaterialRepository) CreateTransaction(ctx context.Context, t *entity.FarmMaterialTransaction) error {
	return r.db.WithContext(ctx).Create(t).Error
}

// ListTransactions 物料流水分页，按时间倒序
func (r *MaterialRepository) ListTransactions(ctx context.Context, materialID string, page, pageSize int) ([]entity.FarmMaterialTransaction, int64, error) {
	var items []entity.FarmMaterialTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.FarmMaterialTransaction{}).Where("material_id = ?", materialID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Order("created_at DESC").Offset(offset).Limit(pageSize).Find(&items).Error
	return items, total, err
}

// AllTransactions 物料全部流水，用于对账
func (r *MaterialRepository) AllTransactions(ctx context.Context, materialID string) ([]entity.FarmMaterialTransaction, error) {
	var items []entity.FarmMaterialTransaction
	err := r.db.WithContext(ctx).
		Where("material_id = ?", materialID).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// ListTransactionsBySource 按来源查询流水
func (r *MaterialRepository) ListTransactionsBySource(ctx context.Context, kind entity.SourceKind, sourceID string) ([]entity.FarmMaterialTransaction, error) {
	var items []entity.FarmMaterialTransaction
	err := r.db.WithContext(ctx).
		Where("source_kind = ? AND source_id = ?", kind, sourceID).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}
