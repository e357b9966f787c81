package payments

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
	"github.com/pixtrade/pixtrade/internal/gateway"
	"github.com/pixtrade/pixtrade/internal/ledger"
	"github.com/pixtrade/pixtrade/internal/mapping"
	"github.com/pixtrade/pixtrade/pkg/models"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrMissingPixKey is returned when a withdrawal lacks a pix key. No
	// transaction row is created in that case.
	ErrMissingPixKey = errors.New("pix key and key type are required")
)

// DepositResult is returned to the UI after a deposit is initiated.
type DepositResult struct {
	DepositID uuid.UUID       `json:"depositId"`
	PixCode   string          `json:"pixCode"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
}

// WithdrawResult is returned to the UI after a withdrawal is initiated.
type WithdrawResult struct {
	WithdrawID uuid.UUID       `json:"withdrawId"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
}

// Service orchestrates deposit and withdrawal initiation against the PIX
// gateway: open a pending ledger row first, then talk to the gateway, then
// attach the gateway reference. The asynchronous webhook path completes the
// transaction later.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	gateway  gateway.Client
	mappings *mapping.Store
	ledger   *ledger.Service
	balances *balance.Service
	currency string
}

// NewService creates a payments service. currency is the fiat code charged
// and paid out over PIX, e.g. "BRL".
func NewService(logger *zap.Logger, db *gorm.DB, gw gateway.Client, mappings *mapping.Store, ledgerSvc *ledger.Service, balances *balance.Service, currency string) *Service {
	if currency == "" {
		currency = "BRL"
	}
	return &Service{
		logger:   logger,
		db:       db,
		gateway:  gw,
		mappings: mappings,
		ledger:   ledgerSvc,
		balances: balances,
		currency: currency,
	}
}

// InitiateDeposit creates a pending deposit and a PIX charge for it. The
// ledger row is opened before the gateway call so a record exists even if the
// gateway call fails; a gateway timeout leaves the row pending for the
// reconciliation poll path. The bonus flag and promo code are recorded for
// the promotions pipeline but carry no balance effect here.
func (s *Service) InitiateDeposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, bonus bool, promoCode string) (*DepositResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	txn, err := s.ledger.Open(ctx, userID, models.TxKindDeposit, amount, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to open deposit: %w", err)
	}

	log := s.logger.With(
		zap.String("user_id", userID.String()),
		zap.String("transaction_id", txn.ID.String()),
		zap.String("amount", amount.String()))
	if bonus || promoCode != "" {
		log = log.With(zap.Bool("bonus", bonus), zap.String("promo_code", promoCode))
	}

	customerID, err := s.mappings.GetOrCreate(ctx, userID)
	if err != nil {
		s.failIfRejected(ctx, txn.ID, err)
		return nil, err
	}

	currency, err := s.gateway.FindCurrency(ctx, "PIX", s.currency)
	if err != nil {
		s.failIfRejected(ctx, txn.ID, err)
		return nil, err
	}

	charge, err := s.gateway.CreateCharge(ctx, amount, customerID, currency.ID)
	if err != nil {
		// A rejection is final; an unavailable gateway leaves the row
		// pending so the poll path or a retry can resolve it.
		s.failIfRejected(ctx, txn.ID, err)
		return nil, err
	}

	if err := s.ledger.AttachExternalReference(ctx, txn.ID, charge.ExternalID, map[string]interface{}{
		"pix_code": charge.PayCode,
	}); err != nil {
		// The charge exists at the gateway but the row carries no reference,
		// so neither webhooks nor the poll path can resolve it. Leave a trail
		// for manual reconciliation.
		log.Error("deposit charge left without ledger reference",
			zap.String("external_reference", charge.ExternalID),
			zap.Error(err))
		return nil, err
	}

	log.Info("initiated deposit", zap.String("external_reference", charge.ExternalID))
	return &DepositResult{
		DepositID: txn.ID,
		PixCode:   charge.PayCode,
		Status:    models.TxStatusPending,
		Amount:    amount,
	}, nil
}

// InitiateWithdrawal validates the pix key, holds the funds by debiting the
// real balance together with opening the pending ledger row, then creates the
// gateway payout. A rejected payout refunds the hold; an unavailable gateway
// leaves the row pending with the funds held until gateway truth is known.
func (s *Service) InitiateWithdrawal(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, pixKeyType, pixKey string) (*WithdrawResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if pixKeyType == "" || pixKey == "" {
		return nil, ErrMissingPixKey
	}

	var txn *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.balances.DebitTx(tx, userID, models.AccountTypeReal, amount); err != nil {
			return err
		}
		var err error
		txn, err = s.ledger.OpenTx(tx, userID, models.TxKindWithdrawal, amount, s.currency)
		if err != nil {
			return err
		}
		return tx.Model(txn).Updates(map[string]interface{}{
			"pix_key_type": pixKeyType,
			"pix_key":      pixKey,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	customerID, err := s.mappings.GetOrCreate(ctx, userID)
	if err != nil {
		s.refundIfRejected(ctx, txn.ID, err)
		return nil, err
	}

	currency, err := s.gateway.FindCurrency(ctx, "PIX", s.currency)
	if err != nil {
		s.refundIfRejected(ctx, txn.ID, err)
		return nil, err
	}

	payout, err := s.gateway.CreatePayout(ctx, amount, customerID, currency.ID, pixKeyType, pixKey)
	if err != nil {
		s.refundIfRejected(ctx, txn.ID, err)
		return nil, err
	}

	if err := s.ledger.AttachExternalReference(ctx, txn.ID, payout.ExternalID, nil); err != nil {
		// Funds are held and the payout exists at the gateway, but without a
		// reference no webhook or poll can settle the row. Leave a trail for
		// manual reconciliation.
		s.logger.Error("withdrawal payout left without ledger reference",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("external_reference", payout.ExternalID),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("initiated withdrawal",
		zap.String("user_id", userID.String()),
		zap.String("transaction_id", txn.ID.String()),
		zap.String("external_reference", payout.ExternalID),
		zap.String("amount", amount.String()))
	return &WithdrawResult{
		WithdrawID: txn.ID,
		Status:     models.TxStatusPending,
		Amount:     amount,
	}, nil
}

// failIfRejected marks a deposit failed when the gateway rejection is final.
// Transient failures leave the row pending.
func (s *Service) failIfRejected(ctx context.Context, transactionID uuid.UUID, cause error) {
	if !gateway.IsRejected(cause) {
		return
	}
	if err := s.ledger.MarkFailed(ctx, transactionID, cause.Error()); err != nil {
		s.logger.Error("failed to mark deposit failed",
			zap.String("transaction_id", transactionID.String()),
			zap.Error(err))
	}
}

// refundIfRejected fails a withdrawal and returns the held stake when the
// gateway rejection is final.
func (s *Service) refundIfRejected(ctx context.Context, transactionID uuid.UUID, cause error) {
	if !gateway.IsRejected(cause) {
		return
	}
	if err := s.ledger.FailPendingWithRefund(ctx, transactionID, cause.Error()); err != nil {
		s.logger.Error("failed to refund rejected withdrawal",
			zap.String("transaction_id", transactionID.String()),
			zap.Error(err))
	}
}

// ListDeposits returns a user's deposit history, newest first.
func (s *Service) ListDeposits(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Transaction, int64, error) {
	return s.ledger.List(ctx, userID, models.TxKindDeposit, limit, offset)
}

// ListWithdrawals returns a user's withdrawal history, newest first.
func (s *Service) ListWithdrawals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Transaction, int64, error) {
	return s.ledger.List(ctx, userID, models.TxKindWithdrawal, limit, offset)
}

// ReconcilePending polls gateway truth for transactions that have a gateway
// reference but never received a terminal webhook. Application goes through
// the same idempotency gate as the webhook path.
func (s *Service) ReconcilePending(ctx context.Context, minAge time.Duration, limit int) error {
	pending, err := s.ledger.ListPending(ctx, minAge, limit)
	if err != nil {
		return err
	}

	for _, txn := range pending {
		if txn.ExternalReference == nil {
			continue
		}
		ref := *txn.ExternalReference

		status, err := s.gateway.QueryStatus(ctx, ref)
		if err != nil {
			s.logger.Warn("status poll failed",
				zap.String("external_reference", ref),
				zap.Error(err))
			continue
		}

		mapped := mapPolledStatus(status)
		if mapped == "" {
			continue // still pending at the gateway
		}
		if _, err := s.ledger.ApplyStatus(ctx, ref, mapped, fmt.Sprintf(`{"source":"poll","status":%q}`, status)); err != nil {
			s.logger.Error("failed to apply polled status",
				zap.String("external_reference", ref),
				zap.Error(err))
		}
	}
	return nil
}

func mapPolledStatus(status string) string {
	switch status {
	case "COMPLETED", "CONFIRMED", "PAID", "APPROVED":
		return models.TxStatusCompleted
	case "FAILED", "CANCELED", "CANCELLED", "REFUSED", "ERROR":
		return models.TxStatusFailed
	case "EXPIRED":
		return models.TxStatusExpired
	default:
		return ""
	}
}
