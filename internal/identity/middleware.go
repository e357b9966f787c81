package identity

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const contextKey = "identity.user_id"

// Middleware resolves the verified user identity from a bearer token. Token
// issuance is owned by the external identity provider; this middleware only
// verifies and extracts.
type Middleware struct {
	logger *zap.Logger
	secret []byte
	// rejectOnFailure decides what an invalid token does: abort with 401, or
	// pass the request through unauthenticated so public routes keep working.
	rejectOnFailure bool
}

// NewMiddleware creates the identity middleware.
func NewMiddleware(logger *zap.Logger, secret string, rejectOnFailure bool) *Middleware {
	return &Middleware{logger: logger, secret: []byte(secret), rejectOnFailure: rejectOnFailure}
}

// Handler returns the gin middleware.
func (m *Middleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := m.userFromRequest(c)
		if err != nil {
			if m.rejectOnFailure {
				c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authentication required"})
				c.Abort()
				return
			}
			c.Next()
			return
		}
		c.Set(contextKey, userID)
		c.Next()
	}
}

func (m *Middleware) userFromRequest(c *gin.Context) (uuid.UUID, error) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return uuid.Nil, fmt.Errorf("missing bearer token")
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, fmt.Errorf("unexpected claims type")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, fmt.Errorf("missing subject claim")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("subject is not a user id: %w", err)
	}
	return userID, nil
}

// UserID returns the authenticated user id set by the middleware.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(contextKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// RequireUser fetches the authenticated user id or aborts with 401.
func RequireUser(c *gin.Context) (uuid.UUID, bool) {
	id, ok := UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authentication required"})
		c.Abort()
		return uuid.Nil, false
	}
	return id, true
}
