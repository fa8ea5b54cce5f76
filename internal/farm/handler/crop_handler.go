package handler

import (
	"github.com/bitfantasy/nimo-farm/internal/farm/service"
	"github.com/gin-gonic/gin"
)

// CropHandler 作物处理器
type CropHandler struct {
	svc *service.StageService
}

func NewCropHandler(svc *service.StageService) *CropHandler {
	return &CropHandler{svc: svc}
}

// List 作物列表
// GET /farming/crops
func (h *CropHandler) List(c *gin.Context) {
	crops, err := h.svc.ListCrops(c.Request.Context(), GetUserID(c))
	if err != nil {
		InternalError(c, "获取作物列表失败: "+err.Error())
		return
	}
	Success(c, gin.H{"items": crops})
}

// Create 登记作物
// POST /farming/crops
func (h *CropHandler) Create(c *gin.Context) {
	var req service.CreateCropRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	crop, err := h.svc.RegisterCrop(c.Request.Context(), &req, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, crop)
}

// Get 作物详情
// GET /farming/crops/:id
func (h *CropHandler) Get(c *gin.Context) {
	crop, err := h.svc.GetCrop(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, crop)
}

// AdvanceStage 推进生长阶段
// POST /farming/crops/:id/advance-stage
func (h *CropHandler) AdvanceStage(c *gin.Context) {
	advance, err := h.svc.AdvanceStage(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, advance)
}

// RecordHarvest 登记采收
// POST /farming/crops/:id/harvests
func (h *CropHandler) RecordHarvest(c *gin.Context) {
	var req service.HarvestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	crop, err := h.svc.RecordHarvest(c.Request.Context(), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, crop)
}

// ListHarvests 采收记录
// GET /farming/crops/:id/harvests
func (h *CropHandler) ListHarvests(c *gin.Context) {
	records, err := h.svc.ListHarvests(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"items": records})
}
