package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MaterialRequirement 物料需求，按ID或名称匹配库存
type MaterialRequirement struct {
	MaterialID   string          `json:"material_id"`
	MaterialName string          `json:"material_name"`
	Unit         string          `json:"unit"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// Shortfall 缺口明细
type Shortfall struct {
	MaterialID   string          `json:"material_id,omitempty"`
	MaterialName string          `json:"material_name"`
	Unit         string          `json:"unit"`
	Required     decimal.Decimal `json:"required"`
	Available    decimal.Decimal `json:"available"`
	Missing      decimal.Decimal `json:"missing"`
	Found        bool            `json:"found"`
}

// FeasibilityReport 可行性结果
type FeasibilityReport struct {
	Feasible   bool        `json:"feasible"`
	Shortfalls []Shortfall `json:"shortfalls"`
}

// InventoryComparison 需求与库存逐项对比
type InventoryComparison struct {
	MaterialID   string          `json:"material_id,omitempty"`
	MaterialName string          `json:"material_name"`
	Unit         string          `json:"unit"`
	Required     decimal.Decimal `json:"required"`
	Available    decimal.Decimal `json:"available"`
	Shortfall    decimal.Decimal `json:"shortfall"`
	Sufficient   bool            `json:"sufficient"`
	Found        bool            `json:"found"`
}

// FeasibilityService 物料可行性检查，只读不写
type FeasibilityService struct {
	ledger    *LedgerService
	templates *repository.TemplateRepository
}

func NewFeasibilityService(ledger *LedgerService, templates *repository.TemplateRepository) *FeasibilityService {
	return &FeasibilityService{ledger: ledger, templates: templates}
}

// CheckFeasibility 需求是否能被当前可用量满足
func (s *FeasibilityService) CheckFeasibility(ctx context.Context, reqs []MaterialRequirement, userID string) (*FeasibilityReport, error) {
	return s.CheckFeasibilityTx(ctx, nil, reqs, userID)
}

// CheckFeasibilityTx 在给定事务中检查
func (s *FeasibilityService) CheckFeasibilityTx(ctx context.Context, tx *gorm.DB, reqs []MaterialRequirement, userID string) (*FeasibilityReport, error) {
	snap := s.snapshot(ctx, tx, userID)
	return snap.check(reqs)
}

// CompareWithInventory 逐项列出需求量、可用量和缺口
func (s *FeasibilityService) CompareWithInventory(ctx context.Context, reqs []MaterialRequirement, userID string) ([]InventoryComparison, error) {
	snap := s.snapshot(ctx, nil, userID)
	lines, err := snap.aggregate(reqs)
	if err != nil {
		return nil, err
	}
	result := make([]InventoryComparison, 0, len(lines))
	for _, line := range lines {
		available := line.entry.remaining
		missing := decimal.Max(line.required.Sub(available), decimal.Zero)
		result = append(result, InventoryComparison{
			MaterialID:   line.materialID(),
			MaterialName: line.name,
			Unit:         line.unit,
			Required:     line.required,
			Available:    available,
			Shortfall:    missing,
			Sufficient:   missing.IsZero(),
			Found:        line.entry.material != nil,
		})
	}
	return result, nil
}

// CheckTemplate 按田块面积检查模板所需物料
func (s *FeasibilityService) CheckTemplate(ctx context.Context, templateID, userID string, area decimal.Decimal) (*FeasibilityReport, error) {
	tmpl, err := s.templates.FindByID(ctx, templateID)
	if err != nil {
		return nil, lookupErr(err, "template", templateID)
	}
	if !tmpl.IsGlobal() && *tmpl.OwnerID != userID {
		return nil, notFound("template", templateID)
	}
	return s.CheckFeasibility(ctx, TemplateRequirements(tmpl, area), userID)
}

// TemplateRequirements 模板物料换算为需求
func TemplateRequirements(tmpl *entity.ActivityTemplate, area decimal.Decimal) []MaterialRequirement {
	reqs := make([]MaterialRequirement, 0, len(tmpl.Materials))
	for _, m := range tmpl.Materials {
		reqs = append(reqs, MaterialRequirement{
			MaterialName: m.MaterialName,
			Unit:         m.Unit,
			Quantity:     m.QuantityFor(area),
		})
	}
	return reqs
}

func (s *FeasibilityService) snapshot(ctx context.Context, tx *gorm.DB, userID string) *stockSnapshot {
	return &stockSnapshot{
		ctx:    ctx,
		tx:     tx,
		userID: userID,
		ledger: s.ledger,
		byID:   make(map[string]*stockEntry),
		byName: make(map[string]*stockEntry),
	}
}

// stockSnapshot 一次检查内的可用量视图，按需加载并可逐步扣减
type stockSnapshot struct {
	ctx    context.Context
	tx     *gorm.DB
	userID string
	ledger *LedgerService
	byID   map[string]*stockEntry
	byName map[string]*stockEntry
}

type stockEntry struct {
	material  *entity.FarmMaterial
	remaining decimal.Decimal
}

type requirementLine struct {
	entry    *stockEntry
	name     string
	unit     string
	required decimal.Decimal
}

func (l requirementLine) materialID() string {
	if l.entry.material != nil {
		return l.entry.material.ID
	}
	return ""
}

func (sn *stockSnapshot) lookup(req MaterialRequirement) (*stockEntry, error) {
	nameKey := strings.ToLower(strings.TrimSpace(req.MaterialName))
	if req.MaterialID != "" {
		if e, ok := sn.byID[req.MaterialID]; ok {
			return e, nil
		}
	} else if e, ok := sn.byName[nameKey]; ok {
		return e, nil
	}

	m, err := sn.ledger.ResolveMaterial(sn.ctx, sn.tx, sn.userID, req.MaterialID, req.MaterialName)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		e := &stockEntry{remaining: decimal.Zero}
		if req.MaterialID != "" {
			sn.byID[req.MaterialID] = e
		} else {
			sn.byName[nameKey] = e
		}
		return e, nil
	}

	if e, ok := sn.byID[m.ID]; ok {
		sn.byName[nameKey] = e
		return e, nil
	}
	e := &stockEntry{material: m, remaining: m.AvailableQuantity()}
	sn.byID[m.ID] = e
	sn.byName[strings.ToLower(m.Name)] = e
	if nameKey != "" {
		sn.byName[nameKey] = e
	}
	return e, nil
}

// aggregate 合并指向同一物料的需求，数量为0的行忽略
func (sn *stockSnapshot) aggregate(reqs []MaterialRequirement) ([]requirementLine, error) {
	lines := make([]requirementLine, 0, len(reqs))
	index := make(map[*stockEntry]int, len(reqs))
	for _, req := range reqs {
		if req.Quantity.IsNegative() {
			return nil, invalid("quantity of %s must not be negative", firstNonEmpty(req.MaterialName, req.MaterialID))
		}
		if req.MaterialID == "" && strings.TrimSpace(req.MaterialName) == "" {
			return nil, invalid("material id or name is required")
		}
		if req.Quantity.IsZero() {
			continue
		}
		entry, err := sn.lookup(req)
		if err != nil {
			return nil, err
		}
		if i, ok := index[entry]; ok {
			lines[i].required = lines[i].required.Add(req.Quantity)
			continue
		}
		name, unit := req.MaterialName, req.Unit
		if entry.material != nil {
			name, unit = entry.material.Name, entry.material.Unit
		}
		index[entry] = len(lines)
		lines = append(lines, requirementLine{entry: entry, name: firstNonEmpty(name, req.MaterialID), unit: unit, required: req.Quantity})
	}
	return lines, nil
}

func (sn *stockSnapshot) check(reqs []MaterialRequirement) (*FeasibilityReport, error) {
	lines, err := sn.aggregate(reqs)
	if err != nil {
		return nil, err
	}
	report := &FeasibilityReport{Feasible: true, Shortfalls: []Shortfall{}}
	for _, line := range lines {
		available := line.entry.remaining
		if line.required.LessThanOrEqual(available) {
			continue
		}
		report.Feasible = false
		report.Shortfalls = append(report.Shortfalls, Shortfall{
			MaterialID:   line.materialID(),
			MaterialName: line.name,
			Unit:         line.unit,
			Required:     line.required,
			Available:    available,
			Missing:      line.required.Sub(available),
			Found:        line.entry.material != nil,
		})
	}
	return report, nil
}

// consume 从视图中扣减需求，供按时间顺序累计检查
func (sn *stockSnapshot) consume(reqs []MaterialRequirement) error {
	lines, err := sn.aggregate(reqs)
	if err != nil {
		return err
	}
	for _, line := range lines {
		line.entry.remaining = decimal.Max(line.entry.remaining.Sub(line.required), decimal.Zero)
	}
	return nil
}
