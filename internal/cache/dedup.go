package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper is a best-effort duplicate-delivery filter backed by redis. It only
// short-circuits deliveries that already processed successfully; the ledger
// remains the idempotency authority, so a nil Deduper or an unreachable redis
// just degrades to full processing.
type Deduper struct {
	logger *zap.Logger
	rdb    *redis.Client
	ttl    time.Duration
}

// NewDeduper creates a dedup filter. rdb may be nil to disable it.
func NewDeduper(logger *zap.Logger, rdb *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{logger: logger, rdb: rdb, ttl: ttl}
}

// Seen reports whether key was previously marked processed.
func (d *Deduper) Seen(ctx context.Context, key string) bool {
	if d == nil || d.rdb == nil {
		return false
	}
	n, err := d.rdb.Exists(ctx, "webhook:processed:"+key).Result()
	if err != nil {
		d.logger.Debug("dedup lookup failed", zap.Error(err))
		return false
	}
	return n > 0
}

// MarkProcessed records a successfully processed delivery.
func (d *Deduper) MarkProcessed(ctx context.Context, key string) {
	if d == nil || d.rdb == nil {
		return
	}
	if err := d.rdb.Set(ctx, "webhook:processed:"+key, 1, d.ttl).Err(); err != nil {
		d.logger.Debug("dedup mark failed", zap.Error(err))
	}
}
