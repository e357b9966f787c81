package trade

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
	"github.com/pixtrade/pixtrade/pkg/metrics"
	"github.com/pixtrade/pixtrade/pkg/models"
)

var (
	// ErrNotFound is returned when a trade lookup misses.
	ErrNotFound = errors.New("trade not found")

	// ErrAlreadyClosed is returned when settling a trade that is no longer
	// open. The caller treats this as an idempotency short-circuit.
	ErrAlreadyClosed = errors.New("trade already closed")

	// ErrNotExpired is returned when a settle call arrives before the
	// trade's expiration and is not forced by the scheduler.
	ErrNotExpired = errors.New("trade has not expired yet")

	// ErrInvalidTrade is returned for malformed placement parameters.
	ErrInvalidTrade = errors.New("invalid trade parameters")
)

// PriceSource supplies exit prices at settlement time. The engine never
// fetches market data itself; the price feed is an external collaborator.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PlaceParams are the inputs for opening a position.
type PlaceParams struct {
	Symbol            string
	Direction         string
	Amount            decimal.Decimal
	ExpirationMinutes int
	EntryPrice        decimal.Decimal
	AccountType       string
}

// Service opens binary option trades and settles them at expiration.
//
// Payout policy: the stake is debited in full at placement; a win credits the
// stake plus amount multiplied by the payout ratio, a loss credits nothing.
// A price tie settles as a loss.
type Service struct {
	logger      *zap.Logger
	db          *gorm.DB
	balances    *balance.Service
	payoutRatio decimal.Decimal
}

// NewService creates a settlement engine. payoutRatio is the profit
// multiplier for winning trades, e.g. 0.87.
func NewService(logger *zap.Logger, db *gorm.DB, balances *balance.Service, payoutRatio float64) *Service {
	return &Service{
		logger:      logger,
		db:          db,
		balances:    balances,
		payoutRatio: decimal.NewFromFloat(payoutRatio),
	}
}

// Place validates the parameters, debits the stake so the funds are held for
// the duration of the trade, snapshots the entry price and opens the position.
// Debit and insert commit in one transaction.
func (s *Service) Place(ctx context.Context, userID uuid.UUID, p PlaceParams) (*models.Trade, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTrade)
	}
	if !p.EntryPrice.IsPositive() {
		return nil, fmt.Errorf("%w: entry price must be positive", ErrInvalidTrade)
	}
	if p.Direction != models.TradeDirectionUp && p.Direction != models.TradeDirectionDown {
		return nil, fmt.Errorf("%w: direction must be up or down", ErrInvalidTrade)
	}
	if p.ExpirationMinutes < 1 {
		return nil, fmt.Errorf("%w: expiration must be at least one minute", ErrInvalidTrade)
	}
	if p.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidTrade)
	}
	accountType := p.AccountType
	if accountType == "" {
		accountType = models.AccountTypeReal
	}
	switch accountType {
	case models.AccountTypeReal, models.AccountTypeDemo, models.AccountTypeBonus:
	default:
		return nil, fmt.Errorf("%w: unknown account type %s", ErrInvalidTrade, accountType)
	}

	now := time.Now()
	trade := &models.Trade{
		ID:          uuid.New(),
		UserID:      userID,
		Symbol:      p.Symbol,
		Direction:   p.Direction,
		Amount:      p.Amount,
		EntryPrice:  p.EntryPrice,
		AccountType: accountType,
		ExpiresAt:   now.Add(time.Duration(p.ExpirationMinutes) * time.Minute),
		Status:      models.TradeStatusOpen,
		Payout:      decimal.Zero,
		CreatedAt:   now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.balances.DebitTx(tx, userID, accountType, p.Amount); err != nil {
			return err
		}
		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("failed to create trade: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesPlaced.WithLabelValues(p.Direction).Inc()
	s.logger.Info("placed trade",
		zap.String("trade_id", trade.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("symbol", p.Symbol),
		zap.String("direction", p.Direction),
		zap.String("amount", p.Amount.String()),
		zap.Time("expires_at", trade.ExpiresAt))
	return trade, nil
}

// decide computes the result of a trade against an exit price. An exact tie
// settles as a loss.
func decide(direction string, entryPrice, exitPrice decimal.Decimal) string {
	switch direction {
	case models.TradeDirectionUp:
		if exitPrice.GreaterThan(entryPrice) {
			return models.TradeResultWin
		}
	case models.TradeDirectionDown:
		if exitPrice.LessThan(entryPrice) {
			return models.TradeResultWin
		}
	}
	return models.TradeResultLoss
}

// Settle closes an open trade against the supplied exit price. Only the first
// caller wins the open->closed transition; every later call gets
// ErrAlreadyClosed with no balance effect. force settles before expiration
// and is reserved for the scheduler.
func (s *Service) Settle(ctx context.Context, tradeID uuid.UUID, exitPrice decimal.Decimal, force bool) (*models.Trade, error) {
	if !exitPrice.IsPositive() {
		return nil, fmt.Errorf("%w: exit price must be positive", ErrInvalidTrade)
	}

	var trade models.Trade
	if err := s.db.WithContext(ctx).Where("id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find trade: %w", err)
	}

	if trade.Status != models.TradeStatusOpen {
		return nil, ErrAlreadyClosed
	}
	if !force && time.Now().Before(trade.ExpiresAt) {
		return nil, ErrNotExpired
	}

	result := decide(trade.Direction, trade.EntryPrice, exitPrice)
	payout := decimal.Zero
	if result == models.TradeResultWin {
		// Stake back plus profit.
		payout = trade.Amount.Add(trade.Amount.Mul(s.payoutRatio))
	}

	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Conditional update on status is the settle-once gate under
		// concurrent sweep and user-initiated finish calls.
		res := tx.Model(&models.Trade{}).
			Where("id = ? AND status = ?", tradeID, models.TradeStatusOpen).
			Updates(map[string]interface{}{
				"status":     models.TradeStatusClosed,
				"exit_price": exitPrice,
				"result":     result,
				"payout":     payout,
				"closed_at":  now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to close trade: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyClosed
		}

		if payout.IsPositive() {
			if err := s.balances.CreditTx(tx, trade.UserID, trade.AccountType, payout); err != nil {
				return fmt.Errorf("failed to credit payout: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	trade.Status = models.TradeStatusClosed
	trade.ExitPrice = &exitPrice
	trade.Result = &result
	trade.Payout = payout
	trade.ClosedAt = &now

	metrics.TradesSettled.WithLabelValues(result).Inc()
	s.logger.Info("settled trade",
		zap.String("trade_id", tradeID.String()),
		zap.String("result", result),
		zap.String("payout", payout.String()))
	return &trade, nil
}

// Get fetches a trade by id.
func (s *Service) Get(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	var trade models.Trade
	if err := s.db.WithContext(ctx).Where("id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find trade: %w", err)
	}
	return &trade, nil
}

// ListOpen returns a user's open trades, oldest first.
func (s *Service) ListOpen(ctx context.Context, userID uuid.UUID) ([]*models.Trade, error) {
	var trades []*models.Trade
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.TradeStatusOpen).
		Order("created_at ASC").Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// SweepExpired settles every open trade past its expiration against prices
// from the supplied source. Trades whose price lookup fails stay open for the
// next sweep; a concurrent user finish losing the settle race is not an error.
func (s *Service) SweepExpired(ctx context.Context, prices PriceSource) (int, error) {
	var due []*models.Trade
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.TradeStatusOpen, time.Now()).
		Order("expires_at ASC").Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list expired trades: %w", err)
	}

	settled := 0
	for _, t := range due {
		price, err := prices.Price(ctx, t.Symbol)
		if err != nil {
			s.logger.Warn("no exit price for expired trade",
				zap.String("trade_id", t.ID.String()),
				zap.String("symbol", t.Symbol),
				zap.Error(err))
			continue
		}
		if _, err := s.Settle(ctx, t.ID, price, false); err != nil {
			if errors.Is(err, ErrAlreadyClosed) {
				continue
			}
			s.logger.Error("sweep settlement failed",
				zap.String("trade_id", t.ID.String()),
				zap.Error(err))
			continue
		}
		settled++
	}
	return settled, nil
}
