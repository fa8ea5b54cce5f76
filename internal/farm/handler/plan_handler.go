package handler

import (
	"fmt"
	"net/url"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/service"
	"github.com/gin-gonic/gin"
)

// PlanHandler 种植计划处理器
type PlanHandler struct {
	plan   *service.PlanService
	commit *service.CommitService
	export *service.ExportService
}

func NewPlanHandler(plan *service.PlanService, commit *service.CommitService, export *service.ExportService) *PlanHandler {
	return &PlanHandler{plan: plan, commit: commit, export: export}
}

// Preview 预览计划（不落库）
// POST /farming/plans/preview
func (h *PlanHandler) Preview(c *gin.Context) {
	var req service.PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	preview, err := h.plan.PreviewPlan(c.Request.Context(), &req, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, preview)
}

// StagePlan 某阶段的候选活动
// GET /farming/crops/:id/plan/stages/:stage
func (h *PlanHandler) StagePlan(c *gin.Context) {
	stage, err := entity.ParseStage(c.Param("stage"))
	if err != nil {
		BadRequest(c, "无效的生长阶段: "+c.Param("stage"))
		return
	}
	candidates, err := h.plan.StagePlanFor(c.Request.Context(), c.Param("id"), GetUserID(c), stage)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"stage": stage, "candidates": candidates})
}

// Generate 为当前阶段生成并提交活动
// POST /farming/crops/:id/plan/generate?replace=true
func (h *PlanHandler) Generate(c *gin.Context) {
	replace := c.Query("replace") == "true"
	result, err := h.plan.GeneratePlan(c.Request.Context(), c.Param("id"), GetUserID(c), replace)
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, result)
}

// ConfirmPlanRequest 确认计划请求
type ConfirmPlanRequest struct {
	Activities []service.ActivityInput `json:"activities"`
}

// Confirm 提交预览中选定的活动
// POST /farming/crops/:id/plan/confirm
func (h *PlanHandler) Confirm(c *gin.Context) {
	var req ConfirmPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	result, err := h.commit.ConfirmPlan(c.Request.Context(), c.Param("id"), req.Activities, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, result)
}

// Clean 清理未执行的自动生成活动
// DELETE /farming/crops/:id/plan/pending
func (h *PlanHandler) Clean(c *gin.Context) {
	removed, err := h.plan.CleanActivities(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"removed": removed})
}

// Export 导出计划xlsx，archive=true时同时归档
// GET /farming/crops/:id/plan/export
func (h *PlanHandler) Export(c *gin.Context) {
	archive := c.Query("archive") == "true"
	export, err := h.export.ExportPlan(c.Request.Context(), c.Param("id"), GetUserID(c), archive)
	if err != nil {
		RespondError(c, err)
		return
	}
	defer export.File.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(export.Filename)))
	if export.ObjectName != "" {
		c.Header("X-Archive-Object", export.ObjectName)
	}
	if err := export.File.Write(c.Writer); err != nil {
		InternalError(c, "导出失败: "+err.Error())
	}
}
