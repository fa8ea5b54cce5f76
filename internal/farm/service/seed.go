package service

import (
	"fmt"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// templateSeedFile 全局模板种子文件
type templateSeedFile struct {
	Templates []templateSeed `yaml:"templates"`
}

type templateSeed struct {
	ActivityType  string                 `yaml:"activity_type"`
	Name          string                 `yaml:"name"`
	Description   string                 `yaml:"description"`
	Stage         string                 `yaml:"stage"`
	DayOffset     int                    `yaml:"day_offset"`
	DurationDays  int                    `yaml:"duration_days"`
	Season        string                 `yaml:"season"`
	IsRequired    bool                   `yaml:"is_required"`
	StageDefining bool                   `yaml:"stage_defining"`
	Materials     []templateSeedMaterial `yaml:"materials"`
}

type templateSeedMaterial struct {
	Name        string `yaml:"name"`
	Unit        string `yaml:"unit"`
	Quantity    string `yaml:"quantity"`
	ScaleByArea bool   `yaml:"scale_by_area"`
}

// ParseTemplateSeed 解析YAML格式的模板种子
func ParseTemplateSeed(data []byte) ([]TemplateRequest, error) {
	var file templateSeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse template seed: %v", ErrValidation, err)
	}

	reqs := make([]TemplateRequest, 0, len(file.Templates))
	for i, t := range file.Templates {
		stage, err := entity.ParseStage(t.Stage)
		if err != nil {
			return nil, fmt.Errorf("%w: template #%d: %v", ErrValidation, i+1, err)
		}
		req := TemplateRequest{
			ActivityType:  t.ActivityType,
			Name:          t.Name,
			Description:   t.Description,
			Stage:         stage,
			DayOffset:     t.DayOffset,
			DurationDays:  t.DurationDays,
			IsRequired:    t.IsRequired,
			StageDefining: t.StageDefining,
			Global:        true,
		}
		if t.Season != "" {
			season, err := entity.ParseSeason(t.Season)
			if err != nil {
				return nil, fmt.Errorf("%w: template #%d: %v", ErrValidation, i+1, err)
			}
			req.SeasonSpecific = &season
		}
		for _, m := range t.Materials {
			qty, err := decimal.NewFromString(m.Quantity)
			if err != nil {
				return nil, fmt.Errorf("%w: template #%d material %s: invalid quantity %q", ErrValidation, i+1, m.Name, m.Quantity)
			}
			req.Materials = append(req.Materials, TemplateMaterialInput{
				MaterialName: m.Name,
				Unit:         m.Unit,
				Quantity:     qty,
				ScaleByArea:  m.ScaleByArea,
			})
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
