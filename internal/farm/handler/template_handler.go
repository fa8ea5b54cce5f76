package handler

import (
	"io"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// TemplateHandler 活动模板处理器
type TemplateHandler struct {
	catalog     *service.CatalogService
	feasibility *service.FeasibilityService
}

func NewTemplateHandler(catalog *service.CatalogService, feasibility *service.FeasibilityService) *TemplateHandler {
	return &TemplateHandler{catalog: catalog, feasibility: feasibility}
}

// List 模板列表
// GET /farming/templates?stage=planting&include_inactive=true
func (h *TemplateHandler) List(c *gin.Context) {
	var stage *entity.Stage
	if raw := c.Query("stage"); raw != "" {
		st, err := entity.ParseStage(raw)
		if err != nil {
			BadRequest(c, "无效的生长阶段: "+raw)
			return
		}
		stage = &st
	}
	items, err := h.catalog.ListTemplates(c.Request.Context(), GetUserID(c), stage, c.Query("include_inactive") == "true")
	if err != nil {
		InternalError(c, "获取模板列表失败: "+err.Error())
		return
	}
	Success(c, gin.H{"items": items})
}

// Create 创建模板，global=true需要管理员角色
// POST /farming/templates
func (h *TemplateHandler) Create(c *gin.Context) {
	var req service.TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	if req.Global && !IsAdmin(c) {
		Forbidden(c, "只有管理员可以创建全局模板")
		return
	}
	tmpl, err := h.catalog.CreateTemplate(c.Request.Context(), &req, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, tmpl)
}

// Get 模板详情
// GET /farming/templates/:id
func (h *TemplateHandler) Get(c *gin.Context) {
	tmpl, err := h.catalog.GetTemplate(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, tmpl)
}

// Update 更新模板，已被引用时返回新版本
// PUT /farming/templates/:id
func (h *TemplateHandler) Update(c *gin.Context) {
	var req service.TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	tmpl, err := h.catalog.UpdateTemplate(c.Request.Context(), c.Param("id"), &req, GetUserID(c), IsAdmin(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, tmpl)
}

// Deactivate 停用模板
// DELETE /farming/templates/:id
func (h *TemplateHandler) Deactivate(c *gin.Context) {
	if err := h.catalog.DeactivateTemplate(c.Request.Context(), c.Param("id"), GetUserID(c), IsAdmin(c)); err != nil {
		RespondError(c, err)
		return
	}
	Success(c, nil)
}

// Feasibility 按面积检查模板物料
// GET /farming/templates/:id/feasibility?area=2.5
func (h *TemplateHandler) Feasibility(c *gin.Context) {
	area := decimal.Zero
	if raw := c.Query("area"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			BadRequest(c, "无效的面积: "+raw)
			return
		}
		area = v
	}
	report, err := h.feasibility.CheckTemplate(c.Request.Context(), c.Param("id"), GetUserID(c), area)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, report)
}

// Seed 导入全局模板，请求体为YAML种子文件
// POST /farming/admin/templates/seed
func (h *TemplateHandler) Seed(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		BadRequest(c, "读取请求体失败: "+err.Error())
		return
	}
	reqs, err := service.ParseTemplateSeed(data)
	if err != nil {
		RespondError(c, err)
		return
	}
	created, skipped, err := h.catalog.SeedTemplates(c.Request.Context(), reqs, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"created": created, "skipped": skipped})
}
