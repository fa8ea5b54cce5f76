package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stage 作物生长阶段，按顺序递增，harvest为终态
type Stage int

const (
	StageLandPrep Stage = iota
	StagePlanting
	StageVegetativeCare
	StageFlowerInduction
	StageFruitDevelopment
	StageHarvest
)

var stageNames = [...]string{
	"land_prep",
	"planting",
	"vegetative_care",
	"flower_induction",
	"fruit_development",
	"harvest",
}

// AllStages 按生长顺序返回全部阶段
func AllStages() []Stage {
	stages := make([]Stage, 0, len(stageNames))
	for i := range stageNames {
		stages = append(stages, Stage(i))
	}
	return stages
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) Valid() bool {
	return s >= StageLandPrep && s <= StageHarvest
}

func (s Stage) IsTerminal() bool {
	return s == StageHarvest
}

// Next 下一阶段；终态返回false
func (s Stage) Next() (Stage, bool) {
	if !s.Valid() || s.IsTerminal() {
		return s, false
	}
	return s + 1, true
}

// ParseStage 解析阶段名称（大小写、连字符不敏感）
func ParseStage(name string) (Stage, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for i, n := range stageNames {
		if n == key {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON 同时接受阶段名称和序号
func (s *Stage) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseStage(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	var ordinal int
	if err := json.Unmarshal(data, &ordinal); err != nil {
		return fmt.Errorf("stage must be a name or ordinal: %s", string(data))
	}
	if !Stage(ordinal).Valid() {
		return fmt.Errorf("stage ordinal %d out of range", ordinal)
	}
	*s = Stage(ordinal)
	return nil
}

// Season 种植季
type Season string

const (
	SeasonSpringSummer Season = "spring_summer"
	SeasonAutumnWinter Season = "autumn_winter"
)

func (s Season) Valid() bool {
	return s == SeasonSpringSummer || s == SeasonAutumnWinter
}

// ParseSeason 解析种植季名称
func ParseSeason(name string) (Season, error) {
	season := Season(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_"))
	if !season.Valid() {
		return "", fmt.Errorf("unknown season %q", name)
	}
	return season, nil
}
