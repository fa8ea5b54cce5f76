package repository

import (
	"errors"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"gorm.io/gorm"
)

// 错误定义
var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleVersion 乐观锁版本号已变化，调用方需重读后重试
	ErrStaleVersion = errors.New("stale version")
)

// Repositories 仓库集合
type Repositories struct {
	Crop     *CropRepository
	Template *TemplateRepository
	Activity *ActivityRepository
	Material *MaterialRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Crop:     NewCropRepository(db),
		Template: NewTemplateRepository(db),
		Activity: NewActivityRepository(db),
		Material: NewMaterialRepository(db),
	}
}

// Models 需要迁移的表
func Models() []interface{} {
	return []interface{}{
		&entity.Crop{},
		&entity.HarvestRecord{},
		&entity.ActivityTemplate{},
		&entity.TemplateMaterial{},
		&entity.FarmActivity{},
		&entity.ActivityMaterial{},
		&entity.FarmMaterial{},
		&entity.FarmMaterialTransaction{},
	}
}

// AutoMigrate 迁移全部农事表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
