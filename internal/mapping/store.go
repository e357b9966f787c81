package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pixtrade/pixtrade/internal/gateway"
	"github.com/pixtrade/pixtrade/pkg/models"
)

// ErrNotFound is returned when no mapping exists for the given key.
var ErrNotFound = errors.New("customer mapping not found")

// Store maintains the one-to-one mapping between gateway customer ids and
// internal user ids. Mappings are created lazily the first time a user
// transacts with the gateway.
type Store struct {
	logger  *zap.Logger
	db      *gorm.DB
	gateway gateway.Client
}

// NewStore creates a customer mapping store.
func NewStore(logger *zap.Logger, db *gorm.DB, gw gateway.Client) *Store {
	return &Store{logger: logger, db: db, gateway: gw}
}

// GetOrCreate returns the gateway customer id for a user, registering the
// customer with the gateway on first use. Safe under concurrent first-time
// calls: the unique constraint decides the winner and losers reread.
func (s *Store) GetOrCreate(ctx context.Context, userID uuid.UUID) (string, error) {
	var m models.CustomerMapping
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error
	if err == nil {
		return m.GatewayCustomerID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("failed to find mapping: %w", err)
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to find user: %w", err)
	}

	customerID, err := s.gateway.EnsureCustomer(ctx, gateway.CustomerProfile{
		Name:     user.Name,
		Email:    user.Email,
		Document: user.Document,
		Phone:    user.Phone,
	})
	if err != nil {
		return "", err
	}

	m = models.CustomerMapping{
		ID:                uuid.New(),
		GatewayCustomerID: customerID,
		UserID:            userID,
		CreatedAt:         time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicateKey(err) {
			// Concurrent caller created the mapping first; reread and return it.
			var existing models.CustomerMapping
			if err2 := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error; err2 == nil {
				return existing.GatewayCustomerID, nil
			}
		}
		return "", fmt.Errorf("failed to create mapping: %w", err)
	}

	s.logger.Info("created gateway customer mapping",
		zap.String("user_id", userID.String()),
		zap.String("gateway_customer_id", customerID))
	return customerID, nil
}

// ResolveUser returns the user id for a gateway customer id.
func (s *Store) ResolveUser(ctx context.Context, gatewayCustomerID string) (uuid.UUID, error) {
	var m models.CustomerMapping
	err := s.db.WithContext(ctx).Where("gateway_customer_id = ?", gatewayCustomerID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to resolve customer: %w", err)
	}
	return m.UserID, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
