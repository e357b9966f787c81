package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account types funding trades and receiving deposits.
const (
	AccountTypeReal  = "real"
	AccountTypeDemo  = "demo"
	AccountTypeBonus = "bonus"
)

// Transaction kinds.
const (
	TxKindDeposit    = "deposit"
	TxKindWithdrawal = "withdrawal"
)

// Transaction statuses.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusExpired   = "expired"
)

// Trade directions, statuses and results.
const (
	TradeDirectionUp   = "up"
	TradeDirectionDown = "down"

	TradeStatusOpen   = "open"
	TradeStatusClosed = "closed"

	TradeResultWin  = "win"
	TradeResultLoss = "loss"
)

// Webhook event processing statuses.
const (
	WebhookStatusReceived  = "received"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)

// User represents a platform user. Identity and KYC are owned by the
// identity provider; this record exists for display data and foreign keys.
type User struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Email       string    `json:"email" gorm:"uniqueIndex"`
	Name        string    `json:"name"`
	Document    string    `json:"document"` // CPF/CNPJ used for PIX customer creation
	Phone       string    `json:"phone"`
	KYCVerified bool      `json:"kyc_verified"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Account holds one balance pool for a user. A user has at most one row per
// account type (real, demo, bonus); balances are mutated only through the
// balance service.
type Account struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index;uniqueIndex:idx_accounts_user_type,priority:1"`
	Type      string          `json:"type" gorm:"uniqueIndex:idx_accounts_user_type,priority:2"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(20,8);not null"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CustomerMapping links a gateway-assigned customer id to an internal user.
// Both columns are unique: one gateway customer maps to exactly one user and
// a user has at most one active mapping.
type CustomerMapping struct {
	ID                uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	GatewayCustomerID string    `json:"gateway_customer_id" gorm:"uniqueIndex;not null"`
	UserID            uuid.UUID `json:"user_id" gorm:"type:uuid;uniqueIndex;not null"`
	CreatedAt         time.Time `json:"created_at"`
}

// Transaction is the durable record of a deposit or withdrawal. The
// ExternalReference is assigned by the gateway after the charge/payout is
// created and, once set, is the idempotency key for webhook application.
// Rows are never deleted.
type Transaction struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID            uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Kind              string          `json:"kind" gorm:"index"` // deposit, withdrawal
	Amount            decimal.Decimal `json:"amount" gorm:"type:decimal(20,8);not null"`
	Currency          string          `json:"currency"`
	ExternalReference *string         `json:"external_reference" gorm:"uniqueIndex"`
	Status            string          `json:"status" gorm:"index"` // pending, completed, failed, expired
	PixCode           string          `json:"pix_code,omitempty"`
	PixKeyType        string          `json:"pix_key_type,omitempty"`
	PixKey            string          `json:"pix_key,omitempty"`
	RawDetails        string          `json:"-" gorm:"type:text"` // last gateway payload snapshot, kept for audit
	CreatedAt         time.Time       `json:"created_at"`
	StatusUpdatedAt   time.Time       `json:"status_updated_at"`
}

// Trade is a binary option position. EntryPrice is snapshotted at placement;
// ExitPrice and Result are set together exactly once when the trade closes.
type Trade struct {
	ID          uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	UserID      uuid.UUID        `json:"user_id" gorm:"type:uuid;index"`
	Symbol      string           `json:"symbol" gorm:"index"`
	Direction   string           `json:"direction"` // up, down
	Amount      decimal.Decimal  `json:"amount" gorm:"type:decimal(20,8);not null"`
	EntryPrice  decimal.Decimal  `json:"entry_price" gorm:"type:decimal(20,8);not null"`
	ExitPrice   *decimal.Decimal `json:"exit_price" gorm:"type:decimal(20,8)"`
	AccountType string           `json:"account_type"` // which balance pool funds the stake
	ExpiresAt   time.Time        `json:"expires_at" gorm:"index"`
	Status      string           `json:"status" gorm:"index"` // open, closed
	Result      *string          `json:"result"`              // win, loss
	Payout      decimal.Decimal  `json:"payout" gorm:"type:decimal(20,8)"`
	CreatedAt   time.Time        `json:"created_at"`
	ClosedAt    *time.Time       `json:"closed_at"`
}

// WebhookEvent is an audit row for every inbound gateway delivery. Logging is
// best-effort and never blocks reconciliation.
type WebhookEvent struct {
	ID                uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	EventType         string     `json:"event_type" gorm:"index"`
	ExternalReference string     `json:"external_reference" gorm:"index"`
	Payload           string     `json:"payload" gorm:"type:text"`
	Status            string     `json:"status"` // received, processed, failed
	ReceivedAt        time.Time  `json:"received_at"`
	ProcessedAt       *time.Time `json:"processed_at"`
}

// AllModels lists every entity migrated at startup.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Account{},
		&CustomerMapping{},
		&Transaction{},
		&Trade{},
		&WebhookEvent{},
	}
}
