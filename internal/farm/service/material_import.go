package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// MaterialImportResult 物料导入结果
type MaterialImportResult struct {
	Created   int                  `json:"created"`
	Restocked int                  `json:"restocked"`
	Failed    int                  `json:"failed"`
	Errors    []MaterialImportLine `json:"errors,omitempty"`
}

// MaterialImportLine 导入失败的行
type MaterialImportLine struct {
	Line    int    `json:"line"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// 表头别名 -> 列
var importColumns = map[string]string{
	"名称": "name", "name": "name",
	"分类": "category", "category": "category",
	"单位": "unit", "unit": "unit",
	"数量": "quantity", "quantity": "quantity",
	"单价": "unit_cost", "unit_cost": "unit_cost",
}

// ImportMaterialsCSV 导入期初库存CSV
// 首行为表头；已存在的物料按采购入库，不存在的新登记。charset=gbk 时按GBK解码
func (s *LedgerService) ImportMaterialsCSV(ctx context.Context, userID, createdBy string, r io.Reader, charset string) (*MaterialImportResult, error) {
	src := r
	if strings.EqualFold(charset, "gbk") || strings.EqualFold(charset, "gb18030") {
		src = transform.NewReader(r, simplifiedchinese.GB18030.NewDecoder())
	}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, invalid("empty import file")
		}
		return nil, invalid("read header: %v", err)
	}
	index := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if col, ok := importColumns[h]; ok {
			index[col] = i
		}
	}
	for _, required := range []string{"name", "unit", "quantity"} {
		if _, ok := index[required]; !ok {
			return nil, invalid("import file is missing column %q", required)
		}
	}
	field := func(record []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	result := &MaterialImportResult{}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			result.fail(line, "", err.Error())
			continue
		}
		name := field(record, "name")
		if name == "" {
			continue
		}
		qty, err := decimal.NewFromString(field(record, "quantity"))
		if err != nil {
			result.fail(line, name, "invalid quantity")
			continue
		}
		unitCost := decimal.Zero
		if raw := field(record, "unit_cost"); raw != "" {
			if unitCost, err = decimal.NewFromString(raw); err != nil {
				result.fail(line, name, "invalid unit cost")
				continue
			}
		}

		existing, err := s.materials.FindByName(ctx, userID, name)
		switch {
		case err == nil:
			if !qty.IsPositive() {
				result.fail(line, name, "quantity must be positive")
				continue
			}
			_, _, err = s.Purchase(ctx, existing.ID, userID, createdBy, &PurchaseRequest{
				Quantity:  qty,
				UnitPrice: unitCost,
				Source:    entity.TransactionSource{Kind: entity.SourceManual},
				Notes:     "导入入库",
			})
			if err != nil {
				result.fail(line, name, err.Error())
				continue
			}
			result.Restocked++
		case errors.Is(err, repository.ErrNotFound):
			_, err = s.RegisterMaterial(ctx, userID, createdBy, &CreateMaterialRequest{
				Name:     name,
				Category: field(record, "category"),
				Unit:     field(record, "unit"),
				Quantity: qty,
				UnitCost: unitCost,
			})
			if err != nil {
				result.fail(line, name, err.Error())
				continue
			}
			result.Created++
		default:
			return result, fmt.Errorf("lookup material %q: %w", name, err)
		}
	}

	s.logger.Info("materials imported",
		zap.String("user_id", userID),
		zap.Int("created", result.Created),
		zap.Int("restocked", result.Restocked),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (r *MaterialImportResult) fail(line int, name, msg string) {
	r.Failed++
	r.Errors = append(r.Errors, MaterialImportLine{Line: line, Name: name, Message: msg})
}
