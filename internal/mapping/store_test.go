package mapping

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
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pixtrade/pixtrade/internal/gateway"
	"github.com/pixtrade/pixtrade/pkg/models"
)

// fakeGateway is a minimal gateway.Client for mapping tests.
type fakeGateway struct {
	ensureCalls int
	customerID  string
	ensureErr   error
}

func (f *fakeGateway) ListCurrencies(ctx context.Context) ([]gateway.Currency, error) {
	return nil, nil
}

func (f *fakeGateway) FindCurrency(ctx context.Context, kind, code string) (*gateway.Currency, error) {
	return &gateway.Currency{ID: "cur-1", Kind: kind, Code: code}, nil
}

func (f *fakeGateway) EnsureCustomer(ctx context.Context, profile gateway.CustomerProfile) (string, error) {
	f.ensureCalls++
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	return f.customerID, nil
}

func (f *fakeGateway) CreateCharge(ctx context.Context, amount decimal.Decimal, customerID, currencyID string) (*gateway.ChargeResult, error) {
	return nil, nil
}

func (f *fakeGateway) CreatePayout(ctx context.Context, amount decimal.Decimal, customerID, currencyID, pixKeyType, pixKey string) (*gateway.PayoutResult, error) {
	return nil, nil
}

func (f *fakeGateway) QueryStatus(ctx context.Context, externalID string) (string, error) {
	return "", nil
}

func setupTestStore(t *testing.T, gw gateway.Client) (*Store, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return NewStore(zap.NewNop(), db, gw), db
}

func createUser(t *testing.T, db *gorm.DB) uuid.UUID {
	user := models.User{
		ID:        uuid.New(),
		Email:     fmt.Sprintf("%s@example.com", uuid.NewString()[:8]),
		Name:      "Test User",
		CreatedAt: time.Now(),
	}
	require.NoError(t, db.Create(&user).Error)
	return user.ID
}

func TestGetOrCreateRegistersOnce(t *testing.T) {
	gw := &fakeGateway{customerID: "cust-1"}
	store, db := setupTestStore(t, gw)
	userID := createUser(t, db)

	id, err := store.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", id)
	assert.Equal(t, 1, gw.ensureCalls)

	// Second call hits the stored mapping, not the gateway.
	id, err = store.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", id)
	assert.Equal(t, 1, gw.ensureCalls)
}

func TestGetOrCreateUnknownUser(t *testing.T) {
	store, _ := setupTestStore(t, &fakeGateway{customerID: "cust-1"})
	_, err := store.GetOrCreate(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetOrCreateGatewayFailure(t *testing.T) {
	gw := &fakeGateway{ensureErr: gateway.NewUnavailable("create customer", 0, "connection refused")}
	store, db := setupTestStore(t, gw)
	userID := createUser(t, db)

	_, err := store.GetOrCreate(context.Background(), userID)
	require.Error(t, err)
	assert.True(t, gateway.IsUnavailable(err))

	// No half-created mapping row left behind.
	var count int64
	require.NoError(t, db.Model(&models.CustomerMapping{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestResolveUser(t *testing.T) {
	gw := &fakeGateway{customerID: "cust-9"}
	store, db := setupTestStore(t, gw)
	userID := createUser(t, db)

	_, err := store.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)

	resolved, err := store.ResolveUser(context.Background(), "cust-9")
	require.NoError(t, err)
	assert.Equal(t, userID, resolved)

	_, err = store.ResolveUser(context.Background(), "cust-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}
