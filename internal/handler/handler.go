package handler

import (
	"errors"
	"strconv"

	"github.com/buba6c/onesms-v1-sub008/internal/ledger"
	"github.com/buba6c/onesms-v1-sub008/internal/repository"
	"github.com/buba6c/onesms-v1-sub008/internal/service"
	"github.com/buba6c/onesms-v1-sub008/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type Handler struct {
	accounts  *service.AccountService
	purchases *service.PurchaseService
}

func NewHandler(accounts *service.AccountService, purchases *service.PurchaseService) *Handler {
	return &Handler{
		accounts:  accounts,
		purchases: purchases,
	}
}

// GetBalance returns both balance fields for a user.
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "invalid user_id")
		return
	}

	user, err := h.accounts.GetAccount(c.Request.Context(), userID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":        user.ID,
		"balance":        user.Balance,
		"frozen_balance": user.FrozenBalance,
	})
}

type TopUpRequest struct {
	UserID int64           `json:"user_id" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// TopUp credits a user's available balance.
// POST /api/v1/account/topup
func (h *Handler) TopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	if err := h.accounts.TopUp(c.Request.Context(), req.UserID, req.Amount); err != nil {
		h.renderError(c, err)
		return
	}

	response.Success(c, gin.H{"user_id": req.UserID})
}

// ListOperations returns the ledger history of a user.
// GET /api/v1/account/operations?user_id=xxx&page=1&page_size=20
func (h *Handler) ListOperations(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "invalid user_id")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	ops, total, err := h.accounts.ListOperations(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.renderError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      ops,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

type CreatePurchaseRequest struct {
	RequestID   string          `json:"request_id" binding:"required"`
	UserID      int64           `json:"user_id" binding:"required"`
	Kind        string          `json:"kind" binding:"required"`
	ServiceCode string          `json:"service_code" binding:"required"`
	CountryCode string          `json:"country_code"`
	Price       decimal.Decimal `json:"price" binding:"required"`
}

// CreatePurchase opens a purchase and freezes its price.
// POST /api/v1/purchase/create
func (h *Handler) CreatePurchase(c *gin.Context) {
	var req CreatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	purchase, err := h.purchases.Create(c.Request.Context(), &service.CreatePurchaseRequest{
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		Kind:        req.Kind,
		ServiceCode: req.ServiceCode,
		CountryCode: req.CountryCode,
		Price:       req.Price,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	response.Success(c, purchase)
}

// GetPurchase returns one purchase.
// GET /api/v1/purchase/detail?purchase_id=xxx
func (h *Handler) GetPurchase(c *gin.Context) {
	purchaseID, err := strconv.ParseInt(c.Query("purchase_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "invalid purchase_id")
		return
	}

	purchase, err := h.purchases.GetByID(c.Request.Context(), purchaseID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	response.Success(c, purchase)
}

// ListPurchases returns a user's purchases, newest first.
// GET /api/v1/purchase/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListPurchases(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "invalid user_id")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	purchases, total, err := h.purchases.ListByUser(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.renderError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      purchases,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

type SettlePurchaseRequest struct {
	PurchaseID int64  `json:"purchase_id" binding:"required"`
	Reason     string `json:"reason"`
}

// CompletePurchase commits the frozen funds after the provider delivered.
// Called from provider-polling / webhook glue; retried at-least-once.
// POST /api/v1/purchase/complete
func (h *Handler) CompletePurchase(c *gin.Context) {
	var req SettlePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "provider delivered"
	}

	res, err := h.purchases.Complete(c.Request.Context(), req.PurchaseID, reason)
	if err != nil {
		h.renderError(c, err)
		return
	}

	response.Success(c, res)
}

// CancelPurchase aborts a pending purchase and refunds the hold.
// POST /api/v1/purchase/cancel
func (h *Handler) CancelPurchase(c *gin.Context) {
	var req SettlePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "cancelled by caller"
	}

	res, err := h.purchases.Cancel(c.Request.Context(), req.PurchaseID, reason)
	if err != nil {
		h.renderError(c, err)
		return
	}

	response.Success(c, res)
}

func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		response.BusinessError(c, response.CodeInsufficientFunds, err.Error())
	case errors.Is(err, ledger.ErrAlreadyFrozen):
		response.BusinessError(c, response.CodeAlreadyFrozen, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		response.ParamError(c, err.Error())
	case errors.Is(err, repository.ErrPurchaseNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, repository.ErrPurchaseStatusInvalid):
		response.BusinessError(c, response.CodeInvalidTransition, err.Error())
	case errors.Is(err, ledger.ErrNothingToCommit),
		errors.Is(err, ledger.ErrNothingToRefund),
		errors.Is(err, ledger.ErrIntegrity):
		response.BusinessError(c, response.CodeIntegrityError, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}
