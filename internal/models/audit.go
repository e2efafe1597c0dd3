package models

import (
	"time"

	"gorm.io/datatypes"
)

// RequestAudit is the full decision/financial trace of a single request.
// One row per request ID, upserted so intermediate-failure paths can write a
// partial record and a later stage overwrite it.
type RequestAudit struct {
	RequestID string `gorm:"primaryKey;type:text"`
	UserID    string `gorm:"type:text;not null;index"`

	EndpointKind string `gorm:"type:text;not null"` // analyze, chat, prefill.

	SelectedProvider string `gorm:"type:text"` // What the selector proposed.
	ActualProvider   string `gorm:"type:text"` // What actually served the call.
	SelectionReason  string `gorm:"type:text"` // free_user, pool_exhausted, cap_exceeded, not_selected.
	LogicalModel     string `gorm:"type:text"`
	ProviderModelID  string `gorm:"type:text"`

	UsageSource          string         `gorm:"type:text"` // provider_reported, tokenizer_counted, word_estimate.
	InputTokens          int64          `gorm:"not null;default:0"`
	OutputTokens         int64          `gorm:"not null;default:0"`
	TotalTokens          int64          `gorm:"not null;default:0"`
	TokenizerEncoding    string         `gorm:"type:text"`
	TokenizerFallback    string         `gorm:"type:text"` // tokenizer_unavailable, text_too_large.
	ProviderUsagePresent bool           `gorm:"not null;default:false"`
	ProviderUsageFields  datatypes.JSON `gorm:"type:jsonb"` // Which counts the provider reported.

	FxRate             float64 `gorm:"not null;default:0"`
	PriceUSDPerMTokens float64 `gorm:"not null;default:0"`
	MarkupMultiplier   float64 `gorm:"not null;default:0"`
	CostIDR            int64   `gorm:"not null;default:0"`

	BalanceBeforeIDR *int64 `gorm:""`
	BalanceAfterIDR  *int64 `gorm:""`
	ChargeStatus     string `gorm:"type:text"` // charged, insufficient, skipped, error.
	ChargeErrorCode  string `gorm:"type:text"`

	FreePoolApplied         bool   `gorm:"not null;default:false"`
	FreePoolDecrementTokens int64  `gorm:"not null;default:0"`
	FreePoolReason          string `gorm:"type:text"`

	HTTPStatus        int    `gorm:"not null;default:0"`
	TerminationReason string `gorm:"type:text"` // success, client_abort, validation_error, ...

	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName maps RequestAudit to the request_audit table.
func (RequestAudit) TableName() string { return "request_audit" }
