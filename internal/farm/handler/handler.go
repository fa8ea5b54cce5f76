package handler

import (
	"errors"
	"strconv"

	"github.com/bitfantasy/nimo-farm/internal/farm/service"
	"github.com/bitfantasy/nimo-farm/internal/farm/sse"
	"github.com/bitfantasy/nimo-farm/internal/middleware"
	"github.com/gin-gonic/gin"
)

// Handlers 处理器集合
type Handlers struct {
	Crop      *CropHandler
	Plan      *PlanHandler
	Activity  *ActivityHandler
	Inventory *InventoryHandler
	Template  *TemplateHandler
	SSE       *SSEHandler
}

// NewHandlers 创建处理器集合
func NewHandlers(svc *service.Services, hub *sse.Hub) *Handlers {
	return &Handlers{
		Crop:      NewCropHandler(svc.Stage),
		Plan:      NewPlanHandler(svc.Plan, svc.Commit, svc.Export),
		Activity:  NewActivityHandler(svc.Commit),
		Inventory: NewInventoryHandler(svc.Ledger, svc.Feasibility),
		Template:  NewTemplateHandler(svc.Catalog, svc.Feasibility),
		SSE:       NewSSEHandler(hub),
	}
}

// RegisterRoutes 注册农事路由，api为已挂载鉴权的分组
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	crops := api.Group("/crops")
	{
		crops.GET("", h.Crop.List)
		crops.POST("", h.Crop.Create)
		crops.GET("/:id", h.Crop.Get)
		crops.POST("/:id/advance-stage", h.Crop.AdvanceStage)
		crops.GET("/:id/harvests", h.Crop.ListHarvests)
		crops.POST("/:id/harvests", h.Crop.RecordHarvest)

		crops.POST("/:id/plan/generate", h.Plan.Generate)
		crops.POST("/:id/plan/confirm", h.Plan.Confirm)
		crops.DELETE("/:id/plan/pending", h.Plan.Clean)
		crops.GET("/:id/plan/export", h.Plan.Export)
		crops.GET("/:id/plan/stages/:stage", h.Plan.StagePlan)

		crops.GET("/:id/activities", h.Activity.List)
		crops.POST("/:id/activities", h.Activity.Create)
	}

	api.POST("/plans/preview", h.Plan.Preview)

	activities := api.Group("/activities")
	{
		activities.GET("/:id", h.Activity.Get)
		activities.GET("/:id/transactions", h.Activity.Transactions)
		activities.POST("/:id/start", h.Activity.Start)
		activities.POST("/:id/complete", h.Activity.Complete)
		activities.POST("/:id/cancel", h.Activity.Cancel)
	}

	api.POST("/feasibility", h.Inventory.CheckFeasibility)
	api.POST("/feasibility/compare", h.Inventory.Compare)

	templates := api.Group("/templates")
	{
		templates.GET("", h.Template.List)
		templates.POST("", h.Template.Create)
		templates.GET("/:id", h.Template.Get)
		templates.PUT("/:id", h.Template.Update)
		templates.DELETE("/:id", h.Template.Deactivate)
		templates.GET("/:id/feasibility", h.Template.Feasibility)
	}

	materials := api.Group("/materials")
	{
		materials.GET("", h.Inventory.List)
		materials.POST("", h.Inventory.Create)
		materials.GET("/low-stock", h.Inventory.LowStock)
		materials.POST("/import", h.Inventory.Import)
		materials.GET("/:id", h.Inventory.Get)
		materials.POST("/:id/purchase", h.Inventory.Purchase)
		materials.POST("/:id/adjust", h.Inventory.Adjust)
		materials.GET("/:id/transactions", h.Inventory.ListTransactions)
		materials.GET("/:id/reconcile", h.Inventory.Reconcile)
	}

	api.GET("/events", h.SSE.Stream)

	admin := api.Group("/admin", middleware.RequireRole(middleware.AdminRole))
	{
		admin.POST("/templates/seed", h.Template.Seed)
	}
}

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ListResponse 列表响应结构
type ListResponse struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

// Pagination 分页信息
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

// Forbidden 禁止访问响应
func Forbidden(c *gin.Context, message string) {
	Error(c, 40300, message)
}

// NotFound 资源不存在响应
func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

// Conflict 状态冲突响应
func Conflict(c *gin.Context, code int, message string) {
	Error(c, code, message)
}

// InternalError 服务器错误响应
func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// RespondError 按业务错误类型映射响应码
func RespondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		BadRequest(c, err.Error())
	case errors.Is(err, service.ErrNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, service.ErrForbidden):
		Forbidden(c, err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		Conflict(c, 40900, err.Error())
	case errors.Is(err, service.ErrInsufficientMaterial):
		Conflict(c, 40901, err.Error())
	case errors.Is(err, service.ErrConcurrencyConflict):
		Conflict(c, 40902, err.Error())
	default:
		InternalError(c, "服务器内部错误: "+err.Error())
	}
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// IsAdmin 当前用户是否拥有管理员角色
func IsAdmin(c *gin.Context) bool {
	return middleware.HasRole(c, middleware.AdminRole)
}

// GetPagination 从请求获取分页参数
func GetPagination(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}

	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	return page, pageSize
}
