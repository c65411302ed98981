package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fairbroker/fairbroker/internal/validation"
)

// Handler provides HTTP endpoints for balance reads and admin funding.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public (read-only) balance routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balances/:account", h.GetBalance)
	r.GET("/balances/:account/history", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only funding routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deposits", h.RecordDeposit)
}

// GetBalance handles GET /v1/balances/:account
func (h *Handler) GetBalance(c *gin.Context) {
	account := c.Param("account")

	bal, err := h.ledger.GetBalance(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /v1/balances/:account/history
func (h *Handler) GetHistory(c *gin.Context) {
	account := c.Param("account")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), account, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// DepositRequest is the body for POST /v1/admin/deposits.
type DepositRequest struct {
	Account string `json:"account" binding:"required"`
	Amount  uint64 `json:"amount" binding:"required"`
	TxHash  string `json:"txHash"`
}

// RecordDeposit handles POST /v1/admin/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account and amount are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidIdentity("account", req.Account),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	err := h.ledger.Deposit(c.Request.Context(), req.Account, req.Amount, req.TxHash)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrDuplicateDeposit):
			status = http.StatusConflict
			code = "duplicate_deposit"
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"credited": true, "account": req.Account, "amount": req.Amount})
}
