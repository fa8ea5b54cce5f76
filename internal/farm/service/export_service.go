package service

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"github.com/minio/minio-go/v7"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var planExportHeaders = []string{
	"阶段", "活动类型", "标题", "状态", "开始日期", "结束日期", "完成日期",
	"关键活动", "自动生成", "物料可行", "物料", "计划用量", "实际用量", "单位",
}

var statusLabels = map[entity.ActivityStatus]string{
	entity.ActivityStatusPending:    "待执行",
	entity.ActivityStatusInProgress: "进行中",
	entity.ActivityStatusCompleted:  "已完成",
	entity.ActivityStatusCancelled:  "已取消",
}

// PlanExport 导出结果，ObjectName为归档到对象存储后的路径
type PlanExport struct {
	File       *excelize.File
	Filename   string
	ObjectName string
}

// ExportService 种植计划导出
type ExportService struct {
	crops       *repository.CropRepository
	activities  *repository.ActivityRepository
	minioClient *minio.Client
	bucketName  string
	logger      *zap.Logger
}

func NewExportService(repos *repository.Repositories, minioClient *minio.Client, bucketName string, logger *zap.Logger) *ExportService {
	return &ExportService{
		crops:       repos.Crop,
		activities:  repos.Activity,
		minioClient: minioClient,
		bucketName:  bucketName,
		logger:      logger,
	}
}

func yesNo(v bool) string {
	if v {
		return "是"
	}
	return "否"
}

// ExportPlan 导出作物活动计划为xlsx，每个物料一行
func (s *ExportService) ExportPlan(ctx context.Context, cropID, userID string, archive bool) (*PlanExport, error) {
	crop, err := s.crops.FindByID(ctx, cropID)
	if err != nil {
		return nil, lookupErr(err, "crop", cropID)
	}
	if userID != "" && crop.UserID != userID {
		return nil, notFound("crop", cropID)
	}
	activities, err := s.activities.ListByCrop(ctx, cropID, "")
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}

	f := excelize.NewFile()
	sheet := "计划"
	f.SetSheetName("Sheet1", sheet)

	boldStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#E2EFDA"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	for i, h := range planExportHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, boldStyle)
	}

	row := 2
	writeActivity := func(a *entity.FarmActivity) {
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), a.Stage.String())
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), a.ActivityType)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), a.Title)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), statusLabels[a.Status])
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), a.StartDate.Format(dateLayout))
		f.SetCellValue(sheet, fmt.Sprintf("F%d", row), a.EndDate.Format(dateLayout))
		if a.ActualCompletionDate != nil {
			f.SetCellValue(sheet, fmt.Sprintf("G%d", row), a.ActualCompletionDate.Format(dateLayout))
		}
		f.SetCellValue(sheet, fmt.Sprintf("H%d", row), yesNo(a.StageDefining))
		f.SetCellValue(sheet, fmt.Sprintf("I%d", row), yesNo(a.AutoGenerated))
		f.SetCellValue(sheet, fmt.Sprintf("J%d", row), yesNo(a.MaterialsFeasible))
	}

	completed := 0
	for i := range activities {
		a := &activities[i]
		if a.Status == entity.ActivityStatusCompleted {
			completed++
		}
		if len(a.Materials) == 0 {
			writeActivity(a)
			row++
			continue
		}
		for _, m := range a.Materials {
			writeActivity(a)
			f.SetCellValue(sheet, fmt.Sprintf("K%d", row), m.MaterialName)
			f.SetCellValue(sheet, fmt.Sprintf("L%d", row), m.PlannedQuantity.InexactFloat64())
			if m.ActualQuantity.Valid {
				f.SetCellValue(sheet, fmt.Sprintf("M%d", row), m.ActualQuantity.Decimal.InexactFloat64())
			}
			f.SetCellValue(sheet, fmt.Sprintf("N%d", row), m.Unit)
			row++
		}
	}

	summaryStyle, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	f.SetCellValue(sheet, fmt.Sprintf("A%d", row), "汇总")
	f.SetCellValue(sheet, fmt.Sprintf("C%d", row), fmt.Sprintf("%s / 活动数: %d / 已完成: %d / 完成率: %.2f%%",
		crop.Name, len(activities), completed, crop.CompletionPercentage))
	f.SetCellStyle(sheet, fmt.Sprintf("A%d", row), fmt.Sprintf("N%d", row), summaryStyle)

	f.SetColWidth(sheet, "B", "C", 20)
	f.SetColWidth(sheet, "E", "G", 12)
	f.SetColWidth(sheet, "K", "K", 18)

	export := &PlanExport{
		File:     f,
		Filename: fmt.Sprintf("%s_plan_%s.xlsx", crop.Name, crop.ID[:8]),
	}
	if archive {
		export.ObjectName = s.archive(ctx, crop, f)
	}
	return export, nil
}

// archive 导出文件归档到MinIO，失败只记录日志
func (s *ExportService) archive(ctx context.Context, crop *entity.Crop, f *excelize.File) string {
	if s.minioClient == nil {
		return ""
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		s.logger.Warn("render plan export failed", zap.String("crop_id", crop.ID), zap.Error(err))
		return ""
	}
	objectName := fmt.Sprintf("farm/plans/%s/%s/%s.xlsx", crop.UserID, crop.ID, newID()[:8])
	_, err = s.minioClient.PutObject(ctx, s.bucketName, objectName, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType: xlsxContentType,
	})
	if err != nil {
		s.logger.Warn("archive plan export failed", zap.String("crop_id", crop.ID), zap.Error(err))
		return ""
	}
	return objectName
}
