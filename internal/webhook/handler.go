package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler exposes the inbound webhook endpoint. When a shared secret is
// configured, deliveries must carry an HMAC-SHA256 signature of the body in
// the X-Webhook-Signature header.
type Handler struct {
	reconciler *Reconciler
	logger     *zap.Logger
	secret     []byte // empty disables signature checks
}

// NewHandler creates a webhook handler.
func NewHandler(reconciler *Reconciler, logger *zap.Logger, secret string) *Handler {
	return &Handler{
		reconciler: reconciler,
		logger:     logger,
		secret:     []byte(secret),
	}
}

// Routes registers the webhook endpoint.
func (h *Handler) Routes(router *gin.RouterGroup) {
	router.POST("/webhooks/pix", h.Receive)
}

// Receive handles a gateway delivery. Every business-level outcome returns
// 200 so the gateway stops retrying; only transient internal failures return
// 500 to trigger gateway-side redelivery.
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "unreadable body"})
		return
	}

	if len(h.secret) > 0 {
		if !h.verifySignature(payload, c.GetHeader("X-Webhook-Signature")) {
			h.logger.Warn("webhook signature mismatch", zap.String("client_ip", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid signature"})
			return
		}
	}

	outcome, err := h.reconciler.Process(c.Request.Context(), payload)
	if outcome == OutcomeError {
		h.logger.Error("webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "outcome": outcome})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "outcome": outcome})
}

func (h *Handler) verifySignature(payload []byte, header string) bool {
	if header == "" {
		return false
	}
	expected, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	return subtle.ConstantTimeCompare(mac.Sum(nil), expected) == 1
}
