package handler

import (
	"io"

	"github.com/bitfantasy/nimo-farm/internal/farm/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// InventoryHandler 农资库存处理器
type InventoryHandler struct {
	ledger      *service.LedgerService
	feasibility *service.FeasibilityService
}

func NewInventoryHandler(ledger *service.LedgerService, feasibility *service.FeasibilityService) *InventoryHandler {
	return &InventoryHandler{ledger: ledger, feasibility: feasibility}
}

// List 物料列表
// GET /farming/materials?keyword=&category=
func (h *InventoryHandler) List(c *gin.Context) {
	items, err := h.ledger.ListMaterials(c.Request.Context(), GetUserID(c), c.Query("keyword"), c.Query("category"))
	if err != nil {
		InternalError(c, "获取物料列表失败: "+err.Error())
		return
	}
	Success(c, gin.H{"items": items})
}

// Create 登记物料
// POST /farming/materials
func (h *InventoryHandler) Create(c *gin.Context) {
	var req service.CreateMaterialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	userID := GetUserID(c)
	material, err := h.ledger.RegisterMaterial(c.Request.Context(), userID, userID, &req)
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, material)
}

// Get 物料详情
// GET /farming/materials/:id
func (h *InventoryHandler) Get(c *gin.Context) {
	material, err := h.ledger.GetMaterial(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, material)
}

// Purchase 采购入库
// POST /farming/materials/:id/purchase
func (h *InventoryHandler) Purchase(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	userID := GetUserID(c)
	material, record, err := h.ledger.Purchase(c.Request.Context(), c.Param("id"), userID, userID, &req)
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, gin.H{"material": material, "transaction": record})
}

// Adjust 盘点调整
// POST /farming/materials/:id/adjust
func (h *InventoryHandler) Adjust(c *gin.Context) {
	var req service.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	userID := GetUserID(c)
	material, record, err := h.ledger.Adjust(c.Request.Context(), c.Param("id"), userID, userID, &req)
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, gin.H{"material": material, "transaction": record})
}

// ListTransactions 物料流水
// GET /farming/materials/:id/transactions
func (h *InventoryHandler) ListTransactions(c *gin.Context) {
	page, pageSize := GetPagination(c)
	items, total, err := h.ledger.ListTransactions(c.Request.Context(), c.Param("id"), GetUserID(c), page, pageSize)
	if err != nil {
		RespondError(c, err)
		return
	}
	totalPages := int(total) / pageSize
	if int(total)%pageSize != 0 {
		totalPages++
	}
	Success(c, ListResponse{
		Items: items,
		Pagination: &Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      int(total),
			TotalPages: totalPages,
		},
	})
}

// Reconcile 库存对账
// GET /farming/materials/:id/reconcile
func (h *InventoryHandler) Reconcile(c *gin.Context) {
	report, err := h.ledger.Reconcile(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, report)
}

// LowStock 低库存物料
// GET /farming/materials/low-stock?threshold=10
func (h *InventoryHandler) LowStock(c *gin.Context) {
	var threshold *decimal.Decimal
	if raw := c.Query("threshold"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			BadRequest(c, "无效的阈值: "+raw)
			return
		}
		threshold = &v
	}
	items, err := h.ledger.LowStock(c.Request.Context(), GetUserID(c), threshold)
	if err != nil {
		InternalError(c, "获取低库存物料失败: "+err.Error())
		return
	}
	Success(c, gin.H{"items": items})
}

// FeasibilityRequest 物料可行性请求
type FeasibilityRequest struct {
	Materials []service.MaterialRequirement `json:"materials"`
}

// CheckFeasibility 检查物料需求能否满足
// POST /farming/feasibility
func (h *InventoryHandler) CheckFeasibility(c *gin.Context) {
	var req FeasibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	report, err := h.feasibility.CheckFeasibility(c.Request.Context(), req.Materials, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, report)
}

// Compare 需求与库存逐项对比
// POST /farming/feasibility/compare
func (h *InventoryHandler) Compare(c *gin.Context) {
	var req FeasibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	items, err := h.feasibility.CompareWithInventory(c.Request.Context(), req.Materials, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

// Import 导入期初库存CSV，支持multipart文件或请求体
// POST /farming/materials/import?charset=gbk
func (h *InventoryHandler) Import(c *gin.Context) {
	var body io.Reader = c.Request.Body
	if file, _, err := c.Request.FormFile("file"); err == nil {
		defer file.Close()
		body = file
	}
	userID := GetUserID(c)
	result, err := h.ledger.ImportMaterialsCSV(c.Request.Context(), userID, userID, body, c.Query("charset"))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, result)
}
