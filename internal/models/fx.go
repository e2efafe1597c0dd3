package models

import "time"

// FxRate persists the last known exchange rate for a currency pair so the
// oracle can fall back to it when the upstream source is unreachable.
type FxRate struct {
	Pair      string    `gorm:"primaryKey;type:text"` // e.g. "USD_IDR".
	Rate      float64   `gorm:"not null"`
	AsOf      time.Time `gorm:"not null"`
	Source    string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName maps FxRate to the fx_rates table.
func (FxRate) TableName() string { return "fx_rates" }
