package models

import "time"

// Balance holds the current rupiah balance for one user.
// Rows are created lazily on first access and mutated only by the ledger.
type Balance struct {
	UserID    string    `gorm:"primaryKey;type:text"`         // Stable user ID from the identity system.
	AmountIDR int64     `gorm:"column:amount_idr;not null;default:0"` // Current balance in whole rupiah.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`      // Last mutation timestamp.
}

// TableName maps Balance to the balances table.
func (Balance) TableName() string { return "balances" }

// Ledger entry reasons.
const (
	// LedgerReasonTopup marks a credit applied from a payment order.
	LedgerReasonTopup = "topup"
	// LedgerReasonUsage marks a debit for a metered request.
	LedgerReasonUsage = "usage"
)

// Ledger reference types.
const (
	// LedgerRefPaymentOrder references an external payment order ID.
	LedgerRefPaymentOrder = "payment_order"
	// LedgerRefLLMRequest references a gateway request ID.
	LedgerRefLLMRequest = "llm_request"
)

// LedgerEntry is one append-only balance-affecting event. The unique index on
// (reason, ref_type, ref_id) enforces at-most-once application of a given
// top-up or a given request's charge.
type LedgerEntry struct {
	ID       string `gorm:"primaryKey;type:text"` // UUID.
	UserID   string `gorm:"type:text;not null;index"`
	DeltaIDR int64  `gorm:"not null"` // Positive for credits, negative for charges.

	Reason  string `gorm:"type:text;not null;uniqueIndex:idx_ledger_ref,priority:1"`
	RefType string `gorm:"type:text;not null;uniqueIndex:idx_ledger_ref,priority:2"`
	RefID   string `gorm:"type:text;not null;uniqueIndex:idx_ledger_ref,priority:3"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// TableName maps LedgerEntry to the ledger_entries table.
func (LedgerEntry) TableName() string { return "ledger_entries" }
