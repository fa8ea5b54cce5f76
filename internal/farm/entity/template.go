package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActivityTemplate 农事活动模板
// OwnerID为空表示全局默认模板，否则只对该用户生效并覆盖同阶段同类型的全局模板
type ActivityTemplate struct {
	ID             string    `json:"id" gorm:"primaryKey;size:32"`
	OwnerID        *string   `json:"owner_id" gorm:"size:64;index"`
	ActivityType   string    `json:"activity_type" gorm:"size:50;not null;index"`
	Name           string    `json:"name" gorm:"size:200"`
	Description    string    `json:"description" gorm:"type:text"`
	Stage          Stage     `json:"stage" gorm:"not null;index"`
	DayOffset      int       `json:"day_offset" gorm:"not null;default:0"`
	DurationDays   int       `json:"duration_days" gorm:"not null;default:0"`
	SeasonSpecific *Season   `json:"season_specific" gorm:"size:20"` // 为空表示两季通用
	IsRequired     bool      `json:"is_required"`
	StageDefining  bool      `json:"stage_defining"` // 完成后推进作物阶段
	Active         bool      `json:"active" gorm:"index"`
	SupersededByID *string   `json:"superseded_by_id" gorm:"size:32"`
	CreatedBy      string    `json:"created_by" gorm:"size:64"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Materials []TemplateMaterial `json:"materials,omitempty" gorm:"foreignKey:TemplateID"`
}

func (ActivityTemplate) TableName() string {
	return "farm_activity_templates"
}

// AppliesTo 模板是否适用于指定季节
func (t *ActivityTemplate) AppliesTo(season Season) bool {
	return t.SeasonSpecific == nil || *t.SeasonSpecific == season
}

// IsGlobal 是否全局模板
func (t *ActivityTemplate) IsGlobal() bool {
	return t.OwnerID == nil || *t.OwnerID == ""
}

// TemplateMaterial 模板所需物料，按名称匹配用户库存
type TemplateMaterial struct {
	ID           string          `json:"id" gorm:"primaryKey;size:32"`
	TemplateID   string          `json:"template_id" gorm:"size:32;not null;index"`
	MaterialName string          `json:"material_name" gorm:"size:100;not null"`
	Unit         string          `json:"unit" gorm:"size:20"`
	Quantity     decimal.Decimal `json:"quantity" gorm:"type:decimal(14,4);not null"`
	ScaleByArea  bool            `json:"scale_by_area"` // 数量按田块面积（公顷）放大
}

func (TemplateMaterial) TableName() string {
	return "farm_template_materials"
}

// QuantityFor 计算给定面积下的需求量
func (m TemplateMaterial) QuantityFor(area decimal.Decimal) decimal.Decimal {
	if m.ScaleByArea && area.IsPositive() {
		return m.Quantity.Mul(area)
	}
	return m.Quantity
}
