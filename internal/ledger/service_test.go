package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pixtrade/pixtrade/internal/balance"
	"github.com/pixtrade/pixtrade/pkg/models"
)

func setupTestService(t *testing.T) (*Service, *balance.Service) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	balances := balance.NewService(zap.NewNop(), db)
	return NewService(zap.NewNop(), db, balances), balances
}

func openDeposit(t *testing.T, s *Service, user uuid.UUID, amount int64, ref string) *models.Transaction {
	txn, err := s.Open(context.Background(), user, models.TxKindDeposit, decimal.NewFromInt(amount), "BRL")
	require.NoError(t, err)
	require.NoError(t, s.AttachExternalReference(context.Background(), txn.ID, ref, nil))
	return txn
}

func TestOpenAndAttach(t *testing.T) {
	s, _ := setupTestService(t)
	user := uuid.New()

	txn := openDeposit(t, s, user, 100, "dep-1")
	assert.Equal(t, models.TxStatusPending, txn.Status)

	found, err := s.GetByExternalReference(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, txn.ID, found.ID)
	assert.Equal(t, models.TxStatusPending, found.Status)
}

func TestApplyStatusDepositCompleted(t *testing.T) {
	s, balances := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()
	openDeposit(t, s, user, 100, "dep-1")

	res, err := s.ApplyStatus(ctx, "dep-1", models.TxStatusCompleted, `{"status":"COMPLETED"}`)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	bal, err := balances.GetBalance(ctx, user, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)), "got %s", bal)
}

func TestApplyStatusIsIdempotent(t *testing.T) {
	s, balances := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()
	openDeposit(t, s, user, 100, "dep-1")

	res, err := s.ApplyStatus(ctx, "dep-1", models.TxStatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	// Redelivery of the same terminal event must not credit twice.
	res, err = s.ApplyStatus(ctx, "dep-1", models.TxStatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyApplied, res)

	bal, err := balances.GetBalance(ctx, user, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)), "got %s", bal)
}

func TestApplyStatusConflictingTerminal(t *testing.T) {
	s, balances := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()
	openDeposit(t, s, user, 100, "dep-1")

	res, err := s.ApplyStatus(ctx, "dep-1", models.TxStatusFailed, "")
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	// A completed event after failed is acknowledged but ignored.
	res, err = s.ApplyStatus(ctx, "dep-1", models.TxStatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyApplied, res)

	txn, err := s.GetByExternalReference(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusFailed, txn.Status)

	bal, err := balances.GetBalance(ctx, user, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.Zero))
}

func TestApplyStatusUnknownReference(t *testing.T) {
	s, _ := setupTestService(t)
	res, err := s.ApplyStatus(context.Background(), "no-such-ref", models.TxStatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, ResultNotFound, res)
}

func TestApplyStatusRejectsInvalidStatus(t *testing.T) {
	s, _ := setupTestService(t)
	_, err := s.ApplyStatus(context.Background(), "dep-1", "pending", "")
	assert.Error(t, err)
}

func TestApplyStatusWithdrawalRefund(t *testing.T) {
	s, balances := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()

	// Funds are held when the withdrawal is initiated.
	require.NoError(t, balances.Credit(ctx, user, models.AccountTypeReal, decimal.NewFromInt(100)))
	require.NoError(t, balances.Debit(ctx, user, models.AccountTypeReal, decimal.NewFromInt(40)))

	txn, err := s.Open(ctx, user, models.TxKindWithdrawal, decimal.NewFromInt(40), "BRL")
	require.NoError(t, err)
	require.NoError(t, s.AttachExternalReference(ctx, txn.ID, "wd-1", nil))

	res, err := s.ApplyStatus(ctx, "wd-1", models.TxStatusFailed, "")
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	bal, err := balances.GetBalance(ctx, user, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)), "held funds must be returned, got %s", bal)
}

func TestApplyStatusWithdrawalCompletedDoesNotCredit(t *testing.T) {
	s, balances := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, balances.Credit(ctx, user, models.AccountTypeReal, decimal.NewFromInt(100)))
	require.NoError(t, balances.Debit(ctx, user, models.AccountTypeReal, decimal.NewFromInt(40)))

	txn, err := s.Open(ctx, user, models.TxKindWithdrawal, decimal.NewFromInt(40), "BRL")
	require.NoError(t, err)
	require.NoError(t, s.AttachExternalReference(ctx, txn.ID, "wd-1", nil))

	res, err := s.ApplyStatus(ctx, "wd-1", models.TxStatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res)

	bal, err := balances.GetBalance(ctx, user, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(60)), "got %s", bal)
}

func TestFailPendingWithRefund(t *testing.T) {
	s, balances := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, balances.Credit(ctx, user, models.AccountTypeReal, decimal.NewFromInt(100)))
	require.NoError(t, balances.Debit(ctx, user, models.AccountTypeReal, decimal.NewFromInt(25)))

	txn, err := s.Open(ctx, user, models.TxKindWithdrawal, decimal.NewFromInt(25), "BRL")
	require.NoError(t, err)

	require.NoError(t, s.FailPendingWithRefund(ctx, txn.ID, "gateway rejected payout"))

	bal, err := balances.GetBalance(ctx, user, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)), "got %s", bal)

	got, err := s.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusFailed, got.Status)

	// A second call must not refund again.
	require.NoError(t, s.FailPendingWithRefund(ctx, txn.ID, "retry"))
	bal, err = balances.GetBalance(ctx, user, models.AccountTypeReal)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)), "got %s", bal)
}

func TestMarkFailed(t *testing.T) {
	s, _ := setupTestService(t)
	ctx := context.Background()

	txn, err := s.Open(ctx, uuid.New(), models.TxKindDeposit, decimal.NewFromInt(10), "BRL")
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, txn.ID, "charge rejected"))

	got, err := s.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusFailed, got.Status)

	assert.ErrorIs(t, s.MarkFailed(ctx, txn.ID, "again"), ErrNotFound)
}

func TestListAndListPending(t *testing.T) {
	s, _ := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()

	openDeposit(t, s, user, 10, "dep-a")
	openDeposit(t, s, user, 20, "dep-b")
	// No external reference yet, so the reconciliation poll must skip it.
	_, err := s.Open(ctx, user, models.TxKindDeposit, decimal.NewFromInt(30), "BRL")
	require.NoError(t, err)

	txns, total, err := s.List(ctx, user, models.TxKindDeposit, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, txns, 3)

	pending, err := s.ListPending(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
