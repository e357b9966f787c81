package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pixtrade/pixtrade/pkg/models"
)

var (
	// ErrInsufficientFunds is returned when a debit would drive the balance
	// negative. The balance is left unchanged.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Service mutates per-user, per-type balance pools. Mutations are conditional
// single-row updates so concurrent credits and debits cannot lose writes or
// drive a balance negative, and the Tx variants let callers run the mutation
// inside their own transaction so a ledger transition and its balance effect
// commit or roll back together.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a balance service.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger, db: db}
}

// ensureAccount creates the zero-balance row on first use. A concurrent
// first-time create loses the unique-index race, which is fine: the row
// exists either way.
func (s *Service) ensureAccount(tx *gorm.DB, userID uuid.UUID, accountType string) error {
	var count int64
	if err := tx.Model(&models.Account{}).
		Where("user_id = ? AND type = ?", userID, accountType).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	if count > 0 {
		return nil
	}

	account := models.Account{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      accountType,
		Balance:   decimal.Zero,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := tx.Create(&account).Error; err != nil {
		var recheck int64
		if err2 := tx.Model(&models.Account{}).
			Where("user_id = ? AND type = ?", userID, accountType).
			Count(&recheck).Error; err2 == nil && recheck > 0 {
			return nil
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// CreditTx adds amount to the account inside the caller's transaction.
func (s *Service) CreditTx(tx *gorm.DB, userID uuid.UUID, accountType string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := s.ensureAccount(tx, userID, accountType); err != nil {
		return err
	}

	res := tx.Model(&models.Account{}).
		Where("user_id = ? AND type = ?", userID, accountType).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to credit account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account row vanished for user %s type %s", userID, accountType)
	}
	return nil
}

// DebitTx subtracts amount from the account inside the caller's transaction.
// The balance check and the subtraction are one conditional update, so a
// debit that would go negative fails with ErrInsufficientFunds and changes
// nothing, even under concurrent debits.
func (s *Service) DebitTx(tx *gorm.DB, userID uuid.UUID, accountType string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := s.ensureAccount(tx, userID, accountType); err != nil {
		return err
	}

	res := tx.Model(&models.Account{}).
		Where("user_id = ? AND type = ? AND balance >= ?", userID, accountType, amount).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to debit account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Credit adds amount to a balance pool in its own transaction.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, accountType string, amount decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.CreditTx(tx, userID, accountType, amount)
	})
}

// Debit subtracts amount from a balance pool in its own transaction.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, accountType string, amount decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.DebitTx(tx, userID, accountType, amount)
	})
}

// GetBalance returns one balance pool, zero if the account row does not
// exist yet.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID, accountType string) (decimal.Decimal, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Where("user_id = ? AND type = ?", userID, accountType).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to find account: %w", err)
	}
	return account.Balance, nil
}

// GetBalances returns every balance pool for a user. Pools with no account
// row yet report zero.
func (s *Service) GetBalances(ctx context.Context, userID uuid.UUID) (map[string]decimal.Decimal, error) {
	var accounts []models.Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to find accounts: %w", err)
	}

	balances := map[string]decimal.Decimal{
		models.AccountTypeReal:  decimal.Zero,
		models.AccountTypeDemo:  decimal.Zero,
		models.AccountTypeBonus: decimal.Zero,
	}
	for _, a := range accounts {
		balances[a.Type] = a.Balance
	}
	return balances, nil
}
