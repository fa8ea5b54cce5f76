package handler

import (
	"errors"
	"io"

	"github.com/bitfantasy/nimo-farm/internal/farm/entity"
	"github.com/bitfantasy/nimo-farm/internal/farm/service"
	"github.com/gin-gonic/gin"
)

// ActivityHandler 农事活动处理器
type ActivityHandler struct {
	svc *service.CommitService
}

func NewActivityHandler(svc *service.CommitService) *ActivityHandler {
	return &ActivityHandler{svc: svc}
}

// List 作物活动列表
// GET /farming/crops/:id/activities?status=pending
func (h *ActivityHandler) List(c *gin.Context) {
	status := entity.ActivityStatus(c.Query("status"))
	items, err := h.svc.ListActivities(c.Request.Context(), c.Param("id"), GetUserID(c), status)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

// Create 手工创建活动
// POST /farming/crops/:id/activities
func (h *ActivityHandler) Create(c *gin.Context) {
	var req service.ActivityInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	result, err := h.svc.CreateActivity(c.Request.Context(), c.Param("id"), &req, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, result)
}

// Get 活动详情
// GET /farming/activities/:id
func (h *ActivityHandler) Get(c *gin.Context) {
	activity, err := h.svc.GetActivity(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, activity)
}

// Transactions 活动消耗流水
// GET /farming/activities/:id/transactions
func (h *ActivityHandler) Transactions(c *gin.Context) {
	items, err := h.svc.ActivityTransactions(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, items)
}

// Start 开始执行
// POST /farming/activities/:id/start
func (h *ActivityHandler) Start(c *gin.Context) {
	activity, err := h.svc.StartActivity(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, activity)
}

// Complete 完成活动
// POST /farming/activities/:id/complete
// 不传actual_materials按计划用量消耗
func (h *ActivityHandler) Complete(c *gin.Context) {
	var req service.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	result, err := h.svc.CompleteActivity(c.Request.Context(), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, result)
}

// CancelRequest 取消请求
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel 取消活动并释放预留
// POST /farming/activities/:id/cancel
func (h *ActivityHandler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	activity, err := h.svc.CancelActivity(c.Request.Context(), c.Param("id"), GetUserID(c), req.Reason)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, activity)
}
