package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/bitfantasy/nimo-farm/internal/farm/sse"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LedgerService 农资库存账本
// 所有库存变动都经过这里：按版本号条件更新，冲突时重读重试
type LedgerService struct {
	db        *gorm.DB
	materials *repository.MaterialRepository
	notifier  sse.Notifier
	retry     retrier
	lowStock  decimal.Decimal
	logger    *zap.Logger
}

func NewLedgerService(db *gorm.DB, materials *repository.MaterialRepository, notifier sse.Notifier, retry retrier, lowStock decimal.Decimal, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		db:        db,
		materials: materials,
		notifier:  notifier,
		retry:     retry,
		lowStock:  lowStock,
		logger:    logger,
	}
}

// CreateMaterialRequest 登记物料请求
type CreateMaterialRequest struct {
	Name     string          `json:"name" binding:"required"`
	Category string          `json:"category"`
	Unit     string          `json:"unit" binding:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	Notes    string          `json:"notes"`
}

// PurchaseRequest 采购入库请求
type PurchaseRequest struct {
	Quantity  decimal.Decimal          `json:"quantity"`
	UnitPrice decimal.Decimal          `json:"unit_price"`
	Source    entity.TransactionSource `json:"source"`
	Notes     string                   `json:"notes"`
}

// AdjustRequest 盘点调整请求
type AdjustRequest struct {
	Delta  decimal.Decimal `json:"delta"`
	Reason string          `json:"reason"`
}

// ConsumeRequest 按实际用量出库，并释放计划预留
type ConsumeRequest struct {
	MaterialID string
	UserID     string
	Actual     decimal.Decimal
	Planned    decimal.Decimal
	Source     entity.TransactionSource
	CreatedBy  string
	Notes      string
}

// ReconcileReport 库存与流水对账结果
type ReconcileReport struct {
	MaterialID       string          `json:"material_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	LedgerQuantity   decimal.Decimal `json:"ledger_quantity"`
	Drift            decimal.Decimal `json:"drift"`
	TransactionCount int             `json:"transaction_count"`
	Consistent       bool            `json:"consistent"`
}

func (s *LedgerService) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

// inTx 有外部事务时直接复用，否则开启新事务
func (s *LedgerService) inTx(ctx context.Context, tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// mutate 读取物料、应用变更并按版本号写回
// apply必须先校验后修改，校验失败时返回的物料是读取时的快照
func (s *LedgerService) mutate(ctx context.Context, tx *gorm.DB, op, materialID, userID string, apply func(m *entity.FarmMaterial) error) (*entity.FarmMaterial, error) {
	repo := s.materials.WithTx(s.conn(tx))
	var current *entity.FarmMaterial
	err := s.retry.do(ctx, op, func() error {
		m, err := repo.FindByID(ctx, materialID)
		if err != nil {
			return lookupErr(err, "material", materialID)
		}
		if userID != "" && m.UserID != userID {
			return notFound("material", materialID)
		}
		current = m
		version := m.Version
		if err := apply(m); err != nil {
			return err
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInsufficientMaterial, err)
		}
		return repo.UpdateStock(ctx, m, version)
	})
	return current, err
}

// RegisterMaterial 登记物料，期初数量记为一笔采购流水
func (s *LedgerService) RegisterMaterial(ctx context.Context, userID, createdBy string, req *CreateMaterialRequest) (*entity.FarmMaterial, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.TrimSpace(req.Unit) == "" {
		return nil, invalid("material name and unit are required")
	}
	if req.Quantity.IsNegative() || req.UnitCost.IsNegative() {
		return nil, invalid("quantity and unit cost must not be negative")
	}
	if _, err := s.materials.FindByName(ctx, userID, name); err == nil {
		return nil, invalid("material %q already exists", name)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	material := &entity.FarmMaterial{
		ID:       newID(),
		UserID:   userID,
		Name:     name,
		Category: req.Category,
		Unit:     strings.TrimSpace(req.Unit),
		Quantity: req.Quantity,
		UnitCost: req.UnitCost,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.materials.WithTx(tx)
		if err := repo.Create(ctx, material); err != nil {
			return err
		}
		if !req.Quantity.IsPositive() {
			return nil
		}
		return repo.CreateTransaction(ctx, &entity.FarmMaterialTransaction{
			ID:              newID(),
			MaterialID:      material.ID,
			UserID:          userID,
			TransactionType: entity.TxTypePurchase,
			Quantity:        req.Quantity,
			UnitPrice:       req.UnitCost,
			TotalPrice:      req.Quantity.Mul(req.UnitCost),
			SourceKind:      entity.SourceManual,
			Notes:           firstNonEmpty(req.Notes, "期初库存"),
			CreatedBy:       createdBy,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("material registered", zap.String("material_id", material.ID), zap.String("name", name))
	s.notify(ctx, material, "registered")
	return material, nil
}

// GetMaterial 获取物料
func (s *LedgerService) GetMaterial(ctx context.Context, id, userID string) (*entity.FarmMaterial, error) {
	m, err := s.materials.FindByID(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "material", id)
	}
	if userID != "" && m.UserID != userID {
		return nil, notFound("material", id)
	}
	return m, nil
}

// ListMaterials 物料列表
func (s *LedgerService) ListMaterials(ctx context.Context, userID, keyword, category string) ([]entity.FarmMaterial, error) {
	return s.materials.List(ctx, userID, keyword, category)
}

// ResolveMaterial 按ID或名称定位用户物料
func (s *LedgerService) ResolveMaterial(ctx context.Context, tx *gorm.DB, userID, materialID, name string) (*entity.FarmMaterial, error) {
	repo := s.materials.WithTx(s.conn(tx))
	if materialID != "" {
		m, err := repo.FindByID(ctx, materialID)
		if err != nil {
			return nil, lookupErr(err, "material", materialID)
		}
		if userID != "" && m.UserID != userID {
			return nil, notFound("material", materialID)
		}
		return m, nil
	}
	if strings.TrimSpace(name) == "" {
		return nil, invalid("material id or name is required")
	}
	m, err := repo.FindByName(ctx, userID, name)
	if err != nil {
		return nil, lookupErr(err, "material", name)
	}
	return m, nil
}

// Reserve 预留数量，可用量不足时返回ErrInsufficientMaterial以及当前物料快照
func (s *LedgerService) Reserve(ctx context.Context, tx *gorm.DB, materialID, userID string, qty decimal.Decimal) (*entity.FarmMaterial, error) {
	if qty.IsNegative() {
		return nil, invalid("reserve quantity %s is negative", qty)
	}
	return s.mutate(ctx, tx, "reserve", materialID, userID, func(m *entity.FarmMaterial) error {
		if qty.GreaterThan(m.AvailableQuantity()) {
			return fmt.Errorf("%w: %s available %s, requested %s", ErrInsufficientMaterial, m.Name, m.AvailableQuantity(), qty)
		}
		m.ReservedQuantity = m.ReservedQuantity.Add(qty)
		return nil
	})
}

// Release 释放预留，超出已预留部分按已预留量截断
func (s *LedgerService) Release(ctx context.Context, tx *gorm.DB, materialID, userID string, qty decimal.Decimal) (*entity.FarmMaterial, error) {
	if qty.IsNegative() {
		return nil, invalid("release quantity %s is negative", qty)
	}
	return s.mutate(ctx, tx, "release", materialID, userID, func(m *entity.FarmMaterial) error {
		release := qty
		if release.GreaterThan(m.ReservedQuantity) {
			s.logger.Warn("release exceeds reserved quantity, clamping",
				zap.String("material_id", m.ID),
				zap.String("reserved", m.ReservedQuantity.String()),
				zap.String("requested", qty.String()))
			release = m.ReservedQuantity
		}
		m.ReservedQuantity = m.ReservedQuantity.Sub(release)
		return nil
	})
}

// Consume 扣减实际用量并释放计划预留，实际用量大于0时追加一笔消耗流水
func (s *LedgerService) Consume(ctx context.Context, tx *gorm.DB, req ConsumeRequest) (*entity.FarmMaterial, *entity.FarmMaterialTransaction, error) {
	if req.Actual.IsNegative() || req.Planned.IsNegative() {
		return nil, nil, invalid("consume quantities must not be negative")
	}
	if !req.Source.Valid() {
		return nil, nil, invalid("invalid transaction source %q", req.Source.Kind)
	}

	var material *entity.FarmMaterial
	var record *entity.FarmMaterialTransaction
	err := s.inTx(ctx, tx, func(tx *gorm.DB) error {
		m, err := s.mutate(ctx, tx, "consume", req.MaterialID, req.UserID, func(m *entity.FarmMaterial) error {
			if req.Actual.GreaterThan(m.Quantity) {
				return fmt.Errorf("%w: %s on hand %s, consumed %s", ErrInsufficientMaterial, m.Name, m.Quantity, req.Actual)
			}
			release := decimal.Min(req.Planned, m.ReservedQuantity)
			quantity := m.Quantity.Sub(req.Actual)
			reserved := m.ReservedQuantity.Sub(release)
			if reserved.GreaterThan(quantity) {
				return fmt.Errorf("%w: %s consuming %s would leave reservations uncovered", ErrInsufficientMaterial, m.Name, req.Actual)
			}
			m.Quantity = quantity
			m.ReservedQuantity = reserved
			return nil
		})
		if err != nil {
			return err
		}
		material = m
		if !req.Actual.IsPositive() {
			return nil
		}
		record = &entity.FarmMaterialTransaction{
			ID:              newID(),
			MaterialID:      m.ID,
			UserID:          m.UserID,
			TransactionType: entity.TxTypeConsumption,
			Quantity:        req.Actual.Neg(),
			UnitPrice:       m.UnitCost,
			TotalPrice:      req.Actual.Mul(m.UnitCost),
			SourceKind:      req.Source.Kind,
			SourceID:        req.Source.ID,
			Notes:           req.Notes,
			CreatedBy:       req.CreatedBy,
		}
		return s.materials.WithTx(tx).CreateTransaction(ctx, record)
	})
	if err != nil {
		return nil, nil, err
	}
	return material, record, nil
}

// Purchase 采购入库，单位成本按加权平均重算
func (s *LedgerService) Purchase(ctx context.Context, materialID, userID, createdBy string, req *PurchaseRequest) (*entity.FarmMaterial, *entity.FarmMaterialTransaction, error) {
	if !req.Quantity.IsPositive() {
		return nil, nil, invalid("purchase quantity must be positive")
	}
	if req.UnitPrice.IsNegative() {
		return nil, nil, invalid("unit price must not be negative")
	}
	source := req.Source
	if source.Kind == "" {
		source.Kind = entity.SourceManual
	}
	if !source.Valid() {
		return nil, nil, invalid("invalid transaction source %q", source.Kind)
	}

	var material *entity.FarmMaterial
	var record *entity.FarmMaterialTransaction
	err := s.inTx(ctx, nil, func(tx *gorm.DB) error {
		m, err := s.mutate(ctx, tx, "purchase", materialID, userID, func(m *entity.FarmMaterial) error {
			total := m.Quantity.Add(req.Quantity)
			value := m.Quantity.Mul(m.UnitCost).Add(req.Quantity.Mul(req.UnitPrice))
			m.UnitCost = value.DivRound(total, 4)
			m.Quantity = total
			return nil
		})
		if err != nil {
			return err
		}
		material = m
		record = &entity.FarmMaterialTransaction{
			ID:              newID(),
			MaterialID:      m.ID,
			UserID:          m.UserID,
			TransactionType: entity.TxTypePurchase,
			Quantity:        req.Quantity,
			UnitPrice:       req.UnitPrice,
			TotalPrice:      req.Quantity.Mul(req.UnitPrice),
			SourceKind:      source.Kind,
			SourceID:        source.ID,
			Notes:           req.Notes,
			CreatedBy:       createdBy,
		}
		return s.materials.WithTx(tx).CreateTransaction(ctx, record)
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("material purchased",
		zap.String("material_id", material.ID),
		zap.String("quantity", req.Quantity.String()),
		zap.String("unit_cost", material.UnitCost.String()))
	s.notify(ctx, material, "purchase")
	return material, record, nil
}

// Adjust 盘点调整，不允许调到已预留量以下
func (s *LedgerService) Adjust(ctx context.Context, materialID, userID, createdBy string, req *AdjustRequest) (*entity.FarmMaterial, *entity.FarmMaterialTransaction, error) {
	if req.Delta.IsZero() {
		return nil, nil, invalid("adjustment delta must not be zero")
	}

	var material *entity.FarmMaterial
	var record *entity.FarmMaterialTransaction
	err := s.inTx(ctx, nil, func(tx *gorm.DB) error {
		m, err := s.mutate(ctx, tx, "adjust", materialID, userID, func(m *entity.FarmMaterial) error {
			quantity := m.Quantity.Add(req.Delta)
			if quantity.LessThan(m.ReservedQuantity) {
				return fmt.Errorf("%w: %s adjusted quantity %s is below reserved %s", ErrInsufficientMaterial, m.Name, quantity, m.ReservedQuantity)
			}
			m.Quantity = quantity
			return nil
		})
		if err != nil {
			return err
		}
		material = m
		record = &entity.FarmMaterialTransaction{
			ID:              newID(),
			MaterialID:      m.ID,
			UserID:          m.UserID,
			TransactionType: entity.TxTypeAdjustment,
			Quantity:        req.Delta,
			UnitPrice:       m.UnitCost,
			TotalPrice:      req.Delta.Abs().Mul(m.UnitCost),
			SourceKind:      entity.SourceManual,
			Notes:           req.Reason,
			CreatedBy:       createdBy,
		}
		return s.materials.WithTx(tx).CreateTransaction(ctx, record)
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("material adjusted", zap.String("material_id", material.ID), zap.String("delta", req.Delta.String()))
	s.notify(ctx, material, "adjustment")
	return material, record, nil
}

// ListTransactions 物料流水
func (s *LedgerService) ListTransactions(ctx context.Context, materialID, userID string, page, pageSize int) ([]entity.FarmMaterialTransaction, int64, error) {
	if _, err := s.GetMaterial(ctx, materialID, userID); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	return s.materials.ListTransactions(ctx, materialID, page, pageSize)
}

// SourceTransactions 某个来源（活动、采购单等）产生的流水
func (s *LedgerService) SourceTransactions(ctx context.Context, kind entity.SourceKind, sourceID string) ([]entity.FarmMaterialTransaction, error) {
	return s.materials.ListTransactionsBySource(ctx, kind, sourceID)
}

// Reconcile 流水合计应等于库存量
func (s *LedgerService) Reconcile(ctx context.Context, materialID, userID string) (*ReconcileReport, error) {
	m, err := s.GetMaterial(ctx, materialID, userID)
	if err != nil {
		return nil, err
	}
	records, err := s.materials.AllTransactions(ctx, materialID)
	if err != nil {
		return nil, err
	}
	sum := decimal.Zero
	for _, r := range records {
		sum = sum.Add(r.Quantity)
	}
	drift := m.Quantity.Sub(sum)
	report := &ReconcileReport{
		MaterialID:       m.ID,
		Quantity:         m.Quantity,
		LedgerQuantity:   sum,
		Drift:            drift,
		TransactionCount: len(records),
		Consistent:       drift.IsZero(),
	}
	if !report.Consistent {
		s.logger.Warn("material ledger drift",
			zap.String("material_id", m.ID),
			zap.String("quantity", m.Quantity.String()),
			zap.String("ledger", sum.String()))
	}
	return report, nil
}

// LowStock 可用量低于阈值的物料，threshold为空时用配置值
func (s *LedgerService) LowStock(ctx context.Context, userID string, threshold *decimal.Decimal) ([]entity.FarmMaterial, error) {
	limit := s.lowStock
	if threshold != nil {
		limit = *threshold
	}
	items, err := s.materials.List(ctx, userID, "", "")
	if err != nil {
		return nil, err
	}
	low := make([]entity.FarmMaterial, 0)
	for _, m := range items {
		if m.AvailableQuantity().LessThan(limit) {
			low = append(low, m)
		}
	}
	return low, nil
}

func (s *LedgerService) notify(ctx context.Context, m *entity.FarmMaterial, action string) {
	s.notifier.Notify(ctx, sse.FarmEvent{
		Type:       sse.EventInventoryChanged,
		UserID:     m.UserID,
		MaterialID: m.ID,
		Action:     action,
		Payload: map[string]interface{}{
			"name":      m.Name,
			"unit":      m.Unit,
			"quantity":  m.Quantity,
			"reserved":  m.ReservedQuantity,
			"available": m.AvailableQuantity(),
		},
		At: time.Now(),
	})
}
