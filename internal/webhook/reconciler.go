package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pixtrade/pixtrade/internal/cache"
	"github.com/pixtrade/pixtrade/internal/ledger"
	"github.com/pixtrade/pixtrade/internal/mapping"
	"github.com/pixtrade/pixtrade/pkg/metrics"
	"github.com/pixtrade/pixtrade/pkg/models"
)

// Outcome classifies what a webhook delivery did. Every outcome except
// OutcomeError acknowledges the delivery so the gateway stops retrying.
type Outcome string

const (
	// OutcomeApplied means a transaction transitioned and any balance effect ran.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event was already applied; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event type or status carries no local effect.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeNotFound means the customer or transaction could not be mapped.
	// This indicates a data problem to flag, not a transient error, so it is
	// still acknowledged.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeError means a transient internal failure; the gateway should retry.
	OutcomeError Outcome = "error"
)

// Event is the inbound gateway payload.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData is the event body common to charge and payout updates.
type EventData struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	CustomerID string          `json:"customerId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

// Events that carry a status transition for a local transaction.
var statusEvents = map[string]bool{
	"deposit.status.updated":    true,
	"withdrawal.status.updated": true,
}

// Reconciler consumes gateway status events and applies them to the ledger
// exactly once. It holds no retry logic of its own: the gateway redelivers,
// and idempotent application makes redelivery safe.
type Reconciler struct {
	logger   *zap.Logger
	db       *gorm.DB
	mappings *mapping.Store
	ledger   *ledger.Service
	deduper  *cache.Deduper
}

// NewReconciler creates a webhook reconciler. deduper may be nil.
func NewReconciler(logger *zap.Logger, db *gorm.DB, mappings *mapping.Store, ledgerSvc *ledger.Service, deduper *cache.Deduper) *Reconciler {
	return &Reconciler{
		logger:   logger,
		db:       db,
		mappings: mappings,
		ledger:   ledgerSvc,
		deduper:  deduper,
	}
}

// mapGatewayStatus normalizes the gateway's status vocabulary onto ledger
// statuses. Unknown statuses map to "" and are acknowledged without effect.
func mapGatewayStatus(status string) string {
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

// Process runs the per-event state machine: log, parse, resolve, apply.
func (r *Reconciler) Process(ctx context.Context, payload []byte) (Outcome, error) {
	var event Event
	parseErr := json.Unmarshal(payload, &event)

	// Best-effort audit row. Failure to log is not fatal to processing.
	auditID := r.logEvent(ctx, event, payload)

	if parseErr != nil {
		r.logger.Warn("unparseable webhook payload", zap.Error(parseErr))
		r.finishEvent(ctx, auditID, models.WebhookStatusFailed)
		metrics.WebhooksProcessed.WithLabelValues(string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}

	outcome, err := r.process(ctx, event)

	switch outcome {
	case OutcomeError:
		r.finishEvent(ctx, auditID, models.WebhookStatusFailed)
	default:
		r.finishEvent(ctx, auditID, models.WebhookStatusProcessed)
	}
	metrics.WebhooksProcessed.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (r *Reconciler) process(ctx context.Context, event Event) (Outcome, error) {
	log := r.logger.With(
		zap.String("event", event.Event),
		zap.String("external_reference", event.Data.ID),
		zap.String("gateway_customer_id", event.Data.CustomerID))

	// Unrecognized event types are acknowledged and dropped.
	if !statusEvents[event.Event] {
		log.Debug("ignoring unrecognized webhook event")
		return OutcomeIgnored, nil
	}

	dedupKey := event.Data.ID + ":" + event.Data.Status
	if r.deduper.Seen(ctx, dedupKey) {
		log.Debug("duplicate delivery short-circuited")
		return OutcomeDuplicate, nil
	}

	// The mapping should have been created at initiation time; absence is a
	// data problem to flag, not a transient error, so it is acknowledged.
	userID, err := r.mappings.ResolveUser(ctx, event.Data.CustomerID)
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			log.Error("webhook references unmapped gateway customer")
			return OutcomeNotFound, nil
		}
		return OutcomeError, err
	}

	status := mapGatewayStatus(event.Data.Status)
	if status == "" {
		log.Debug("ignoring non-terminal gateway status", zap.String("status", event.Data.Status))
		return OutcomeIgnored, nil
	}

	// The local row is the amount authority. An event whose amount disagrees
	// is still applied against the stored amount, but flagged for audit.
	if event.Data.Amount.IsPositive() {
		if txn, err := r.ledger.GetByExternalReference(ctx, event.Data.ID); err == nil && !txn.Amount.Equal(event.Data.Amount) {
			log.Warn("gateway amount disagrees with ledger row",
				zap.String("ledger_amount", txn.Amount.String()),
				zap.String("event_amount", event.Data.Amount.String()))
		}
	}

	raw, _ := json.Marshal(event.Data)
	result, err := r.ledger.ApplyStatus(ctx, event.Data.ID, status, string(raw))
	if err != nil {
		log.Error("failed to apply status event", zap.Error(err))
		return OutcomeError, err
	}

	switch result {
	case ledger.ResultApplied:
		log.Info("reconciled gateway event",
			zap.String("user_id", userID.String()),
			zap.String("status", status))
		r.deduper.MarkProcessed(ctx, dedupKey)
		return OutcomeApplied, nil
	case ledger.ResultAlreadyApplied:
		r.deduper.MarkProcessed(ctx, dedupKey)
		return OutcomeDuplicate, nil
	default:
		log.Error("webhook references unknown transaction")
		return OutcomeNotFound, nil
	}
}

// logEvent persists the raw payload for audit and replay. Returns uuid.Nil on
// failure; processing continues regardless.
func (r *Reconciler) logEvent(ctx context.Context, event Event, payload []byte) uuid.UUID {
	row := models.WebhookEvent{
		ID:                uuid.New(),
		EventType:         event.Event,
		ExternalReference: event.Data.ID,
		Payload:           string(payload),
		Status:            models.WebhookStatusReceived,
		ReceivedAt:        time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		r.logger.Warn("failed to log webhook event", zap.Error(err))
		return uuid.Nil
	}
	return row.ID
}

func (r *Reconciler) finishEvent(ctx context.Context, id uuid.UUID, status string) {
	if id == uuid.Nil {
		return
	}
	now := time.Now()
	if err := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "processed_at": &now}).Error; err != nil {
		r.logger.Warn("failed to update webhook event", zap.Error(err))
	}
}
