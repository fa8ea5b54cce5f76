package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActivityStatus 农事活动状态
type ActivityStatus string

const (
	ActivityStatusPending    ActivityStatus = "pending"
	ActivityStatusInProgress ActivityStatus = "in_progress"
	ActivityStatusCompleted  ActivityStatus = "completed"
	ActivityStatusCancelled  ActivityStatus = "cancelled"
)

// IsOpen 未完成且未取消
func (s ActivityStatus) IsOpen() bool {
	return s == ActivityStatusPending || s == ActivityStatusInProgress
}

// FarmActivity 农事活动
type FarmActivity struct {
	ID                   string         `json:"id" gorm:"primaryKey;size:32"`
	CropID               string         `json:"crop_id" gorm:"size:32;not null;index"`
	FieldID              string         `json:"field_id" gorm:"size:32;index"`
	UserID               string         `json:"user_id" gorm:"size:64;not null;index"`
	TemplateID           *string        `json:"template_id" gorm:"size:32;index"`
	ParentActivityID     *string        `json:"parent_activity_id" gorm:"size:32"`
	ActivityType         string         `json:"activity_type" gorm:"size:50;not null"`
	Title                string         `json:"title" gorm:"size:200"`
	Stage                Stage          `json:"stage" gorm:"not null"`
	Status               ActivityStatus `json:"status" gorm:"size:20;not null;index"`
	StartDate            time.Time      `json:"start_date" gorm:"not null"`
	EndDate              time.Time      `json:"end_date" gorm:"not null"`
	ActualCompletionDate *time.Time     `json:"actual_completion_date"`
	StageDefining        bool           `json:"stage_defining"`
	AutoGenerated        bool           `json:"auto_generated" gorm:"index"`
	MaterialsFeasible    bool           `json:"materials_feasible"`
	Notes                string         `json:"notes" gorm:"type:text"`
	CreatedBy            string         `json:"created_by" gorm:"size:64"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`

	Materials []ActivityMaterial `json:"materials" gorm:"foreignKey:ActivityID"`
}

func (FarmActivity) TableName() string {
	return "farm_activities"
}

// PlannedMaterials 计划用量 material_id -> quantity
func (a *FarmActivity) PlannedMaterials() map[string]decimal.Decimal {
	planned := make(map[string]decimal.Decimal, len(a.Materials))
	for _, m := range a.Materials {
		planned[m.MaterialID] = planned[m.MaterialID].Add(m.PlannedQuantity)
	}
	return planned
}

// ActivityMaterial 活动物料行，存在即表示计划用量已预留
type ActivityMaterial struct {
	ID              string              `json:"id" gorm:"primaryKey;size:32"`
	ActivityID      string              `json:"activity_id" gorm:"size:32;not null;index"`
	MaterialID      string              `json:"material_id" gorm:"size:32;not null;index"`
	MaterialName    string              `json:"material_name" gorm:"size:100"`
	Unit            string              `json:"unit" gorm:"size:20"`
	PlannedQuantity decimal.Decimal     `json:"planned_quantity" gorm:"type:decimal(14,4);not null;default:0"`
	ActualQuantity  decimal.NullDecimal `json:"actual_quantity" gorm:"type:decimal(14,4)"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func (ActivityMaterial) TableName() string {
	return "farm_activity_materials"
}
