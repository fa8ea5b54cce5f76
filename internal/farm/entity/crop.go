package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// 数量以JSON数字输出，前端无需再解析字符串
	decimal.MarshalJSONWithoutQuotes = true
}

// Crop 作物
type Crop struct {
	ID                    string          `json:"id" gorm:"primaryKey;size:32"`
	UserID                string          `json:"user_id" gorm:"size:64;not null;index"`
	FieldID               string          `json:"field_id" gorm:"size:32;index"`
	Name                  string          `json:"name" gorm:"size:200;not null"`
	Variety               string          `json:"variety" gorm:"size:100"`
	FieldArea             decimal.Decimal `json:"field_area" gorm:"type:decimal(14,4);not null;default:0"`
	PlantingDensity       decimal.Decimal `json:"planting_density" gorm:"type:decimal(14,4);not null;default:0"`
	SeasonType            Season          `json:"season_type" gorm:"size:20;not null"`
	PlantingDate          *time.Time      `json:"planting_date"`
	CurrentStage          Stage           `json:"current_stage" gorm:"not null;default:0"`
	CurrentStageStartDate *time.Time      `json:"current_stage_start_date"`
	ExpectedYield         decimal.Decimal `json:"expected_yield" gorm:"type:decimal(14,4);not null;default:0"`
	ActualYield           decimal.Decimal `json:"actual_yield" gorm:"type:decimal(14,4);not null;default:0"`
	CompletionPercentage  float64         `json:"completion_percentage" gorm:"not null;default:0"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func (Crop) TableName() string {
	return "farm_crops"
}

// HarvestRecord 采收记录，一个作物可以多次采收
type HarvestRecord struct {
	ID          string          `json:"id" gorm:"primaryKey;size:32"`
	CropID      string          `json:"crop_id" gorm:"size:32;not null;index"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(14,4);not null"`
	Unit        string          `json:"unit" gorm:"size:20"`
	HarvestedAt time.Time       `json:"harvested_at"`
	Notes       string          `json:"notes" gorm:"type:text"`
	CreatedBy   string          `json:"created_by" gorm:"size:64"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (HarvestRecord) TableName() string {
	return "farm_harvest_records"
}
