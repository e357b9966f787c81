package trade

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pixtrade/pixtrade/internal/identity"
)

// Handler provides the trade placement and finish endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a trade handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes registers trade endpoints on an authenticated group.
func (h *Handler) Routes(router *gin.RouterGroup) {
	router.POST("/trades", h.Place)
	router.POST("/trades/finish", h.Finish)
	router.GET("/trades/open", h.ListOpen)
}

type placeRequest struct {
	Symbol       string          `json:"symbol" binding:"required"`
	Type         string          `json:"type" binding:"required"` // up/down (accepts buy/sell aliases)
	Amount       decimal.Decimal `json:"amount" binding:"required"`
	Expiration   int             `json:"expiration" binding:"required"` // minutes
	CurrentPrice decimal.Decimal `json:"currentPrice" binding:"required"`
	AccountType  string          `json:"accountType"`
}

type finishRequest struct {
	TradeID    uuid.UUID       `json:"tradeId" binding:"required"`
	FinalPrice decimal.Decimal `json:"finalPrice" binding:"required"`
}

// normalizeDirection maps the UI's buy/sell vocabulary onto up/down.
func normalizeDirection(s string) string {
	switch s {
	case "buy", "call":
		return "up"
	case "sell", "put":
		return "down"
	default:
		return s
	}
}

// Place opens a binary option position.
func (h *Handler) Place(c *gin.Context) {
	userID, ok := identity.RequireUser(c)
	if !ok {
		return
	}

	var req placeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request: " + err.Error()})
		return
	}

	trade, err := h.service.Place(c.Request.Context(), userID, PlaceParams{
		Symbol:            req.Symbol,
		Direction:         normalizeDirection(req.Type),
		Amount:            req.Amount,
		ExpirationMinutes: req.Expiration,
		EntryPrice:        req.CurrentPrice,
		AccountType:       req.AccountType,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": trade})
}

// Finish settles the caller's trade against the supplied final price. A trade
// can only be finished by its owner, at or after expiration.
func (h *Handler) Finish(c *gin.Context) {
	userID, ok := identity.RequireUser(c)
	if !ok {
		return
	}

	var req finishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request: " + err.Error()})
		return
	}

	trade, err := h.service.Get(c.Request.Context(), req.TradeID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if trade.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "trade not found"})
		return
	}

	settled, err := h.service.Settle(c.Request.Context(), req.TradeID, req.FinalPrice, false)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": settled})
}

// ListOpen returns the caller's open trades.
func (h *Handler) ListOpen(c *gin.Context) {
	userID, ok := identity.RequireUser(c)
	if !ok {
		return
	}

	trades, err := h.service.ListOpen(c.Request.Context(), userID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": trades})
}

func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "trade not found"})
	case errors.Is(err, ErrAlreadyClosed):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "trade already closed"})
	case errors.Is(err, ErrNotExpired):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "trade has not expired yet"})
	case errors.Is(err, ErrInvalidTrade):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
	case isInsufficientFunds(err):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "insufficient funds"})
	default:
		h.logger.Error("trade request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error"})
	}
}
