package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pixtrade/pixtrade/internal/balance"
	"github.com/pixtrade/pixtrade/pkg/models"
)

// ApplyResult is the outcome of applying an external status event.
type ApplyResult int

const (
	// ResultApplied means the transition happened and any balance effect ran.
	ResultApplied ApplyResult = iota
	// ResultAlreadyApplied means the transaction was already in a terminal
	// state; nothing was mutated. Duplicate webhook deliveries land here.
	ResultAlreadyApplied
	// ResultNotFound means no transaction carries the external reference.
	ResultNotFound
)

// ErrNotFound is returned when a transaction lookup misses.
var ErrNotFound = errors.New("transaction not found")

var validStatuses = map[string]bool{
	models.TxStatusCompleted: true,
	models.TxStatusFailed:    true,
	models.TxStatusExpired:   true,
}

// Service is the durable deposit/withdrawal ledger and the single source of
// truth for whether an external event has already been applied. Status
// transitions and their balance effects commit in one database transaction.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	balances *balance.Service
}

// NewService creates a ledger service.
func NewService(logger *zap.Logger, db *gorm.DB, balances *balance.Service) *Service {
	return &Service{logger: logger, db: db, balances: balances}
}

// OpenTx inserts a pending transaction inside the caller's transaction. It is
// called before the gateway call so a record exists even if that call fails.
func (s *Service) OpenTx(tx *gorm.DB, userID uuid.UUID, kind string, amount decimal.Decimal, currency string) (*models.Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}
	if kind != models.TxKindDeposit && kind != models.TxKindWithdrawal {
		return nil, fmt.Errorf("invalid transaction kind: %s", kind)
	}

	now := time.Now()
	txn := &models.Transaction{
		ID:              uuid.New(),
		UserID:          userID,
		Kind:            kind,
		Amount:          amount,
		Currency:        currency,
		Status:          models.TxStatusPending,
		CreatedAt:       now,
		StatusUpdatedAt: now,
	}
	if err := tx.Create(txn).Error; err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return txn, nil
}

// Open inserts a pending transaction in its own database transaction.
func (s *Service) Open(ctx context.Context, userID uuid.UUID, kind string, amount decimal.Decimal, currency string) (*models.Transaction, error) {
	var txn *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = s.OpenTx(tx, userID, kind, amount, currency)
		return err
	})
	return txn, err
}

// AttachExternalReference records the gateway-assigned id on a transaction.
// The unique index on external_reference makes it the idempotency key for
// webhook application from this point on.
func (s *Service) AttachExternalReference(ctx context.Context, transactionID uuid.UUID, externalReference string, extra map[string]interface{}) error {
	updates := map[string]interface{}{
		"external_reference": externalReference,
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", transactionID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to attach external reference: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed moves a pending transaction to failed without a balance effect.
// Used when the gateway rejects the charge/payout at initiation time.
func (s *Service) MarkFailed(ctx context.Context, transactionID uuid.UUID, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", transactionID, models.TxStatusPending).
		Updates(map[string]interface{}{
			"status":            models.TxStatusFailed,
			"raw_details":       reason,
			"status_updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark transaction failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FailPendingWithRefund fails a pending withdrawal whose payout was rejected
// at initiation time and returns the held stake, in one transaction.
func (s *Service) FailPendingWithRefund(ctx context.Context, transactionID uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txn models.Transaction
		err := tx.Where("id = ?", transactionID).First(&txn).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to find transaction: %w", err)
		}
		if txn.Kind != models.TxKindWithdrawal {
			return fmt.Errorf("transaction %s is not a withdrawal", transactionID)
		}

		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", transactionID, models.TxStatusPending).
			Updates(map[string]interface{}{
				"status":            models.TxStatusFailed,
				"raw_details":       reason,
				"status_updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to save transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Already settled by another path; nothing to refund.
			return nil
		}
		return s.balances.CreditTx(tx, txn.UserID, models.AccountTypeReal, txn.Amount)
	})
}

// ApplyStatus is the idempotency gate. It maps an external reference to the
// local transaction, transitions it, and runs the balance effect in the same
// database transaction:
//
//   - pending -> completed deposit: credit the real balance
//   - pending -> failed/expired withdrawal: refund the held stake
//   - any other transition: status only
//
// A transaction already in a terminal state returns ResultAlreadyApplied with
// no mutation, which is what makes at-least-once webhook delivery safe.
func (s *Service) ApplyStatus(ctx context.Context, externalReference, newStatus, rawDetails string) (ApplyResult, error) {
	if !validStatuses[newStatus] {
		return ResultNotFound, fmt.Errorf("invalid target status: %s", newStatus)
	}

	result := ResultApplied
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txn models.Transaction
		err := tx.Where("external_reference = ?", externalReference).First(&txn).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				result = ResultNotFound
				return nil
			}
			return fmt.Errorf("failed to find transaction: %w", err)
		}

		if txn.Status != models.TxStatusPending {
			if txn.Status != newStatus {
				s.logger.Warn("conflicting status event for settled transaction",
					zap.String("external_reference", externalReference),
					zap.String("current_status", txn.Status),
					zap.String("incoming_status", newStatus))
			}
			result = ResultAlreadyApplied
			return nil
		}

		// Conditional update on status is the apply-once gate under
		// concurrent deliveries of the same event.
		updates := map[string]interface{}{
			"status":            newStatus,
			"status_updated_at": time.Now(),
		}
		if rawDetails != "" {
			updates["raw_details"] = rawDetails
		}
		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", txn.ID, models.TxStatusPending).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to save transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			result = ResultAlreadyApplied
			return nil
		}

		switch {
		case txn.Kind == models.TxKindDeposit && newStatus == models.TxStatusCompleted:
			if err := s.balances.CreditTx(tx, txn.UserID, models.AccountTypeReal, txn.Amount); err != nil {
				return fmt.Errorf("failed to credit deposit: %w", err)
			}
		case txn.Kind == models.TxKindWithdrawal && (newStatus == models.TxStatusFailed || newStatus == models.TxStatusExpired):
			// The stake was held at initiation; a dead payout returns it.
			if err := s.balances.CreditTx(tx, txn.UserID, models.AccountTypeReal, txn.Amount); err != nil {
				return fmt.Errorf("failed to refund withdrawal: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return ResultNotFound, err
	}

	if result == ResultApplied {
		s.logger.Info("applied transaction status",
			zap.String("external_reference", externalReference),
			zap.String("status", newStatus))
	}
	return result, nil
}

// GetByExternalReference fetches a transaction by its gateway id.
func (s *Service) GetByExternalReference(ctx context.Context, externalReference string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.WithContext(ctx).Where("external_reference = ?", externalReference).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	return &txn, nil
}

// Get fetches a transaction by id.
func (s *Service) Get(ctx context.Context, transactionID uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.WithContext(ctx).Where("id = ?", transactionID).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	return &txn, nil
}

// List returns a user's transactions of one kind, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, kind string, limit, offset int) ([]*models.Transaction, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("user_id = ? AND kind = ?", userID, kind)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	var txns []*models.Transaction
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&txns).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to find transactions: %w", err)
	}
	return txns, total, nil
}

// ListPending returns transactions still awaiting gateway resolution that are
// older than minAge. The reconciliation poll path feeds these to QueryStatus.
func (s *Service) ListPending(ctx context.Context, minAge time.Duration, limit int) ([]*models.Transaction, error) {
	var txns []*models.Transaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND external_reference IS NOT NULL AND created_at < ?",
			models.TxStatusPending, time.Now().Add(-minAge)).
		Order("created_at ASC").Limit(limit).Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	return txns, nil
}
