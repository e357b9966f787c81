package webhook

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pixtrade/pixtrade/internal/balance"
	"github.com/pixtrade/pixtrade/internal/ledger"
	"github.com/pixtrade/pixtrade/internal/mapping"
	"github.com/pixtrade/pixtrade/pkg/models"
)

type testEnv struct {
	db         *gorm.DB
	balances   *balance.Service
	ledger     *ledger.Service
	reconciler *Reconciler
}

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	logger := zap.NewNop()
	balances := balance.NewService(logger, db)
	ledgerSvc := ledger.NewService(logger, db, balances)
	mappings := mapping.NewStore(logger, db, nil)
	reconciler := NewReconciler(logger, db, mappings, ledgerSvc, nil)

	return &testEnv{db: db, balances: balances, ledger: ledgerSvc, reconciler: reconciler}
}

// seedDeposit creates a mapped user with a pending deposit awaiting the
// gateway's terminal event.
func (e *testEnv) seedDeposit(t *testing.T, customerID, ref string, amount int64) uuid.UUID {
	userID := uuid.New()
	require.NoError(t, e.db.Create(&models.CustomerMapping{
		ID:                uuid.New(),
		GatewayCustomerID: customerID,
		UserID:            userID,
		CreatedAt:         time.Now(),
	}).Error)

	txn, err := e.ledger.Open(context.Background(), userID, models.TxKindDeposit, decimal.NewFromInt(amount), "BRL")
	require.NoError(t, err)
	require.NoError(t, e.ledger.AttachExternalReference(context.Background(), txn.ID, ref, nil))
	return userID
}

func depositEvent(ref, customerID, status string, amount int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"deposit.status.updated","data":{"id":%q,"status":%q,"customerId":%q,"amount":"%d","currency":"BRL"}}`,
		ref, status, customerID, amount))
}

func TestProcessCompletedDeposit(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	userID := env.seedDeposit(t, "cust-1", "dep-1", 100)

	outcome, err := env.reconciler.Process(ctx, depositEvent("dep-1", "cust-1", "COMPLETED", 100))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	bal, err := env.balances.GetBalance(ctx, userID, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)), "got %s", bal)
}

func TestProcessRedeliveryCreditsOnce(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	userID := env.seedDeposit(t, "cust-1", "dep-1", 100)
	payload := depositEvent("dep-1", "cust-1", "COMPLETED", 100)

	outcome, err := env.reconciler.Process(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = env.reconciler.Process(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	bal, err := env.balances.GetBalance(ctx, userID, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)), "redelivery must not credit twice, got %s", bal)
}

func TestProcessUnrecognizedEventIgnored(t *testing.T) {
	env := setupTestEnv(t)
	payload := []byte(`{"event":"customer.created","data":{"id":"cust-1"}}`)

	outcome, err := env.reconciler.Process(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestProcessMalformedPayloadIgnored(t *testing.T) {
	env := setupTestEnv(t)
	outcome, err := env.reconciler.Process(context.Background(), []byte(`{not json`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestProcessUnknownCustomerAcked(t *testing.T) {
	env := setupTestEnv(t)
	env.seedDeposit(t, "cust-1", "dep-1", 100)

	outcome, err := env.reconciler.Process(context.Background(),
		depositEvent("dep-1", "cust-unmapped", "COMPLETED", 100))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, outcome)

	// The transaction stays pending for the poll path to settle later.
	txn, err := env.ledger.GetByExternalReference(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, txn.Status)
}

func TestProcessUnknownTransactionAcked(t *testing.T) {
	env := setupTestEnv(t)
	env.seedDeposit(t, "cust-1", "dep-1", 100)

	outcome, err := env.reconciler.Process(context.Background(),
		depositEvent("dep-unknown", "cust-1", "COMPLETED", 100))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, outcome)
}

func TestProcessNonTerminalStatusIgnored(t *testing.T) {
	env := setupTestEnv(t)
	userID := env.seedDeposit(t, "cust-1", "dep-1", 100)

	outcome, err := env.reconciler.Process(context.Background(),
		depositEvent("dep-1", "cust-1", "PROCESSING", 100))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	bal, err := env.balances.GetBalance(context.Background(), userID, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.Zero))
}

func TestProcessExpiredDeposit(t *testing.T) {
	env := setupTestEnv(t)
	userID := env.seedDeposit(t, "cust-1", "dep-1", 100)

	outcome, err := env.reconciler.Process(context.Background(),
		depositEvent("dep-1", "cust-1", "EXPIRED", 100))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	txn, err := env.ledger.GetByExternalReference(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusExpired, txn.Status)

	bal, err := env.balances.GetBalance(context.Background(), userID, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.Zero))
}

func TestProcessLogsAuditRows(t *testing.T) {
	env := setupTestEnv(t)
	env.seedDeposit(t, "cust-1", "dep-1", 100)

	_, err := env.reconciler.Process(context.Background(),
		depositEvent("dep-1", "cust-1", "COMPLETED", 100))
	require.NoError(t, err)

	var events []models.WebhookEvent
	require.NoError(t, env.db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "deposit.status.updated", events[0].EventType)
	assert.Equal(t, "dep-1", events[0].ExternalReference)
	assert.Equal(t, models.WebhookStatusProcessed, events[0].Status)
	assert.NotNil(t, events[0].ProcessedAt)
}

func TestProcessAmountMismatchFlagged(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	userID := env.seedDeposit(t, "cust-1", "dep-1", 100)

	core, logs := observer.New(zapcore.WarnLevel)
	reconciler := NewReconciler(zap.New(core), env.db,
		mapping.NewStore(zap.NewNop(), env.db, nil), env.ledger, nil)

	// The event claims 90 but the ledger row holds 100.
	outcome, err := reconciler.Process(ctx, depositEvent("dep-1", "cust-1", "COMPLETED", 90))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	// The stored amount is what gets credited.
	bal, err := env.balances.GetBalance(ctx, userID, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)), "got %s", bal)

	entries := logs.FilterMessage("gateway amount disagrees with ledger row").All()
	require.Len(t, entries, 1)
}

func TestProcessMatchingAmountNotFlagged(t *testing.T) {
	env := setupTestEnv(t)
	env.seedDeposit(t, "cust-1", "dep-1", 100)

	core, logs := observer.New(zapcore.WarnLevel)
	reconciler := NewReconciler(zap.New(core), env.db,
		mapping.NewStore(zap.NewNop(), env.db, nil), env.ledger, nil)

	_, err := reconciler.Process(context.Background(), depositEvent("dep-1", "cust-1", "COMPLETED", 100))
	require.NoError(t, err)
	assert.Empty(t, logs.FilterMessage("gateway amount disagrees with ledger row").All())
}

func TestMapGatewayStatus(t *testing.T) {
	cases := map[string]string{
		"COMPLETED":  models.TxStatusCompleted,
		"CONFIRMED":  models.TxStatusCompleted,
		"PAID":       models.TxStatusCompleted,
		"FAILED":     models.TxStatusFailed,
		"CANCELLED":  models.TxStatusFailed,
		"REFUSED":    models.TxStatusFailed,
		"EXPIRED":    models.TxStatusExpired,
		"PROCESSING": "",
		"":           "",
	}
	for gatewayStatus, want := range cases {
		assert.Equal(t, want, mapGatewayStatus(gatewayStatus), "status %q", gatewayStatus)
	}
}
