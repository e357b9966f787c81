package trade

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pixtrade/pixtrade/internal/balance"
)

func isInsufficientFunds(err error) bool {
	return errors.Is(err, balance.ErrInsufficientFunds)
}

// Sweeper settles expired trades on a timer. It runs alongside user-initiated
// finish calls for the same trades; the settle-once gate in the engine decides
// which caller wins.
type Sweeper struct {
	logger   *zap.Logger
	service  *Service
	prices   PriceSource
	interval time.Duration
}

// NewSweeper creates a settlement sweeper.
func NewSweeper(logger *zap.Logger, service *Service, prices PriceSource, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{logger: logger, service: service, prices: prices, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			settled, err := sw.service.SweepExpired(ctx, sw.prices)
			if err != nil {
				sw.logger.Error("settlement sweep failed", zap.Error(err))
				continue
			}
			if settled > 0 {
				sw.logger.Info("settlement sweep finished", zap.Int("settled", settled))
			}
		}
	}
}
