package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrAppendOnly 库存流水只允许追加
var ErrAppendOnly = errors.New("material transactions are append-only")

// FarmMaterial 农资库存
// 可用量 = 库存量 - 已预留量，只作为派生值计算，不落库
type FarmMaterial struct {
	ID               string          `json:"id" gorm:"primaryKey;size:32"`
	UserID           string          `json:"user_id" gorm:"size:64;not null;uniqueIndex:idx_farm_material_owner_name"`
	Name             string          `json:"name" gorm:"size:100;not null;uniqueIndex:idx_farm_material_owner_name"`
	Category         string          `json:"category" gorm:"size:50"` // fertilizer/pesticide/seed/tool...
	Unit             string          `json:"unit" gorm:"size:20;not null"`
	Quantity         decimal.Decimal `json:"quantity" gorm:"type:decimal(14,4);not null;default:0"`
	ReservedQuantity decimal.Decimal `json:"reserved_quantity" gorm:"type:decimal(14,4);not null;default:0"`
	UnitCost         decimal.Decimal `json:"unit_cost" gorm:"type:decimal(14,4);not null;default:0"`
	Version          int             `json:"version" gorm:"not null;default:0"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (FarmMaterial) TableName() string {
	return "farm_materials"
}

func (m *FarmMaterial) AvailableQuantity() decimal.Decimal {
	return m.Quantity.Sub(m.ReservedQuantity)
}

func (m *FarmMaterial) TotalCost() decimal.Decimal {
	return m.Quantity.Mul(m.UnitCost)
}

// Validate 校验 0 <= reserved <= quantity
func (m *FarmMaterial) Validate() error {
	if m.ReservedQuantity.IsNegative() {
		return fmt.Errorf("material %s: reserved quantity %s is negative", m.Name, m.ReservedQuantity)
	}
	if m.ReservedQuantity.GreaterThan(m.Quantity) {
		return fmt.Errorf("material %s: reserved %s exceeds on-hand %s", m.Name, m.ReservedQuantity, m.Quantity)
	}
	return nil
}

func (m FarmMaterial) MarshalJSON() ([]byte, error) {
	type alias FarmMaterial
	return json.Marshal(struct {
		alias
		AvailableQuantity decimal.Decimal `json:"available_quantity"`
		TotalCost         decimal.Decimal `json:"total_cost"`
	}{
		alias:             alias(m),
		AvailableQuantity: m.AvailableQuantity(),
		TotalCost:         m.TotalCost(),
	})
}

// TransactionType 库存流水类型
type TransactionType string

const (
	TxTypePurchase    TransactionType = "purchase"
	TxTypeAdjustment  TransactionType = "adjustment"
	TxTypeConsumption TransactionType = "consumption"
)

// SourceKind 流水来源类型
type SourceKind string

const (
	SourceSupplyOrder  SourceKind = "supply_order"
	SourceFarmActivity SourceKind = "farm_activity"
	SourceManual       SourceKind = "manual"
)

// TransactionSource 流水来源：来源类型 + 业务ID
type TransactionSource struct {
	Kind SourceKind `json:"kind"`
	ID   string     `json:"id"`
}

func (s TransactionSource) Valid() bool {
	switch s.Kind {
	case SourceSupplyOrder, SourceFarmActivity:
		return s.ID != ""
	case SourceManual:
		return true
	}
	return false
}

// FarmMaterialTransaction 农资库存流水，只增不改
// Quantity 正数为入库，负数为出库
type FarmMaterialTransaction struct {
	ID              string          `json:"id" gorm:"primaryKey;size:32"`
	MaterialID      string          `json:"material_id" gorm:"size:32;not null;index"`
	UserID          string          `json:"user_id" gorm:"size:64;not null;index"`
	TransactionType TransactionType `json:"transaction_type" gorm:"size:20;not null"`
	Quantity        decimal.Decimal `json:"quantity" gorm:"type:decimal(14,4);not null"`
	UnitPrice       decimal.Decimal `json:"unit_price" gorm:"type:decimal(14,4);not null;default:0"`
	TotalPrice      decimal.Decimal `json:"total_price" gorm:"type:decimal(14,4);not null;default:0"`
	SourceKind      SourceKind      `json:"source_kind" gorm:"size:20;not null"`
	SourceID        string          `json:"source_id" gorm:"size:64;index"`
	Notes           string          `json:"notes" gorm:"type:text"`
	CreatedBy       string          `json:"created_by" gorm:"size:64"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (FarmMaterialTransaction) TableName() string {
	return "farm_material_transactions"
}

func (t *FarmMaterialTransaction) Source() TransactionSource {
	return TransactionSource{Kind: t.SourceKind, ID: t.SourceID}
}

func (t *FarmMaterialTransaction) BeforeUpdate(tx *gorm.DB) error {
	return ErrAppendOnly
}

func (t *FarmMaterialTransaction) BeforeDelete(tx *gorm.DB) error {
	return ErrAppendOnly
}
