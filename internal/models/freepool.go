package models

import "time"

// DailyPool is the shared daily token subsidy budget, one row per UTC day.
type DailyPool struct {
	DateKey         string    `gorm:"primaryKey;type:text"` // "YYYY-MM-DD" (UTC).
	RemainingTokens int64     `gorm:"not null;default:0"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName maps DailyPool to the daily_pool table.
func (DailyPool) TableName() string { return "daily_pool" }

// UserDailyUsage counts subsidized tokens consumed by one user on one day,
// checked against the per-user daily cap.
type UserDailyUsage struct {
	DateKey    string    `gorm:"primaryKey;type:text"`
	UserID     string    `gorm:"primaryKey;type:text"`
	UsedTokens int64     `gorm:"not null;default:0"`
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName maps UserDailyUsage to the user_daily_usage table.
func (UserDailyUsage) TableName() string { return "user_daily_usage" }

// FreePoolSpend guards one subsidy decrement per request. A second spend for
// the same request ID hits the primary key and applies nothing.
type FreePoolSpend struct {
	RequestID string    `gorm:"primaryKey;type:text"`
	DateKey   string    `gorm:"type:text;not null;index"`
	UserID    string    `gorm:"type:text;not null;index"`
	Tokens    int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// TableName maps FreePoolSpend to the free_pool_spends table.
func (FreePoolSpend) TableName() string { return "free_pool_spends" }
