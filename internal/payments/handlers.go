package payments

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pixtrade/pixtrade/internal/balance"
	"github.com/pixtrade/pixtrade/internal/gateway"
	"github.com/pixtrade/pixtrade/internal/identity"
	"github.com/pixtrade/pixtrade/pkg/models"
)

// Handler provides the deposit and withdrawal endpoints.
type Handler struct {
	service  *Service
	balances *balance.Service
	logger   *zap.Logger
}

// NewHandler creates a payments handler.
func NewHandler(service *Service, balances *balance.Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, balances: balances, logger: logger}
}

// Routes registers payment endpoints on an authenticated group.
func (h *Handler) Routes(router *gin.RouterGroup) {
	router.POST("/payments/deposits", h.Deposit)
	router.GET("/payments/deposits", h.ListDeposits)
	router.POST("/payments/withdrawals", h.Withdraw)
	router.GET("/payments/withdrawals", h.ListWithdrawals)
	router.GET("/account/balances", h.Balances)
}

type depositRequest struct {
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	Bonus     bool            `json:"bonus"`
	PromoCode string          `json:"promoCode"`
}

type withdrawRequest struct {
	Amount     decimal.Decimal `json:"amount" binding:"required"`
	PixKeyType string          `json:"pixKeyType"`
	PixKey     string          `json:"pixKey"`
}

// Deposit initiates a PIX deposit and returns the copy-paste code.
func (h *Handler) Deposit(c *gin.Context) {
	userID, ok := identity.RequireUser(c)
	if !ok {
		return
	}

	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request: " + err.Error()})
		return
	}

	result, err := h.service.InitiateDeposit(c.Request.Context(), userID, req.Amount, req.Bonus, req.PromoCode)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"depositId": result.DepositID,
		"pixCode":   result.PixCode,
		"status":    result.Status,
		"amount":    result.Amount,
	})
}

// Withdraw initiates a PIX withdrawal to the caller's pix key.
func (h *Handler) Withdraw(c *gin.Context) {
	userID, ok := identity.RequireUser(c)
	if !ok {
		return
	}

	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request: " + err.Error()})
		return
	}

	result, err := h.service.InitiateWithdrawal(c.Request.Context(), userID, req.Amount, req.PixKeyType, req.PixKey)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"withdrawId": result.WithdrawID,
		"status":     result.Status,
		"amount":     result.Amount,
	})
}

// ListDeposits returns the caller's deposit history.
func (h *Handler) ListDeposits(c *gin.Context) {
	h.listTransactions(c, h.service.ListDeposits)
}

// ListWithdrawals returns the caller's withdrawal history.
func (h *Handler) ListWithdrawals(c *gin.Context) {
	h.listTransactions(c, h.service.ListWithdrawals)
}

// Balances returns the caller's balance pools.
func (h *Handler) Balances(c *gin.Context) {
	userID, ok := identity.RequireUser(c)
	if !ok {
		return
	}

	balances, err := h.balances.GetBalances(c.Request.Context(), userID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "balances": balances})
}

func (h *Handler) listTransactions(c *gin.Context, list func(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Transaction, int64, error)) {
	userID, ok := identity.RequireUser(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	txns, total, err := list(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": txns, "total": total})
}

func (h *Handler) renderError(c *gin.Context, err error) {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMissingPixKey):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
	case errors.Is(err, balance.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "insufficient funds"})
	case errors.As(err, &gwErr) && !gwErr.Retryable:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "message": gwErr.Message})
	case errors.As(err, &gwErr) && gwErr.Retryable:
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "payment gateway unavailable, please retry"})
	default:
		h.logger.Error("payment request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error"})
	}
}
