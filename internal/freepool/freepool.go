// Package freepool accounts the shared daily token subsidy. The pool row and
// per-user counters are mutated inside one transaction per spend, and a
// per-request guard row makes a duplicate spend for the same request a no-op.
package freepool

import (
	"context"
	"fmt"
	"time"

	"github.com/kertaslab/papergate/internal/db"
	"github.com/kertaslab/papergate/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SpendResult reports the counters after a spend. Applied is false when the
// request was already ledgered; nothing is decremented then.
type SpendResult struct {
	Applied            bool
	PoolRemainingAfter int64
	UserUsedAfter      int64
}

// Accountant mediates access to the daily pool and per-user usage counters.
type Accountant struct {
	db              *gorm.DB
	dailyPoolTokens int64
}

// New constructs an Accountant. dailyPoolTokens seeds each day's pool row on
// first access.
func New(conn *gorm.DB, dailyPoolTokens int64) *Accountant {
	return &Accountant{db: conn, dailyPoolTokens: dailyPoolTokens}
}

// DateKey formats t as the UTC calendar day key shared by all pool state.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Remaining returns today's remaining subsidy tokens, seeding the pool row
// lazily on the first request of the day.
func (a *Accountant) Remaining(ctx context.Context, dateKey string) (int64, error) {
	row := models.DailyPool{DateKey: dateKey, RemainingTokens: a.dailyPoolTokens}
	if errCreate := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "date_key"}},
			DoNothing: true,
		}).
		Create(&row).Error; errCreate != nil {
		return 0, fmt.Errorf("freepool: init pool: %w", errCreate)
	}

	var pool models.DailyPool
	if errFind := a.db.WithContext(ctx).
		Where("date_key = ?", dateKey).
		Take(&pool).Error; errFind != nil {
		return 0, fmt.Errorf("freepool: read pool: %w", errFind)
	}
	return pool.RemainingTokens, nil
}

// UserUsed returns the user's subsidized token count for the day. A missing
// row reads as zero.
func (a *Accountant) UserUsed(ctx context.Context, dateKey, userID string) (int64, error) {
	var row models.UserDailyUsage
	errFind := a.db.WithContext(ctx).
		Where("date_key = ? AND user_id = ?", dateKey, userID).
		Take(&row).Error
	if errFind != nil {
		if errFind == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("freepool: read user usage: %w", errFind)
	}
	return row.UsedTokens, nil
}

// Spend decrements the day's pool (floored at zero) and increments the user's
// counter, exactly once per request ID. A repeated call for the same request
// returns Applied=false and leaves both counters alone.
func (a *Accountant) Spend(ctx context.Context, requestID, userID, dateKey string, tokensUsed int64) (SpendResult, error) {
	if tokensUsed < 0 {
		tokensUsed = 0
	}

	var result SpendResult
	errTx := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		guard := models.FreePoolSpend{
			RequestID: requestID,
			DateKey:   dateKey,
			UserID:    userID,
			Tokens:    tokensUsed,
		}
		insert := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "request_id"}},
				DoNothing: true,
			}).
			Create(&guard)
		if insert.Error != nil {
			return fmt.Errorf("freepool: insert spend guard: %w", insert.Error)
		}
		if insert.RowsAffected == 0 {
			result = SpendResult{Applied: false}
			return nil
		}

		if errSeed := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "date_key"}},
				DoNothing: true,
			}).
			Create(&models.DailyPool{DateKey: dateKey, RemainingTokens: a.dailyPoolTokens}).Error; errSeed != nil {
			return fmt.Errorf("freepool: seed pool: %w", errSeed)
		}
		if errSeed := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "date_key"}, {Name: "user_id"}},
				DoNothing: true,
			}).
			Create(&models.UserDailyUsage{DateKey: dateKey, UserID: userID, UsedTokens: 0}).Error; errSeed != nil {
			return fmt.Errorf("freepool: seed user usage: %w", errSeed)
		}

		var pool models.DailyPool
		if errLock := db.LockForUpdate(tx.WithContext(ctx)).
			Where("date_key = ?", dateKey).
			Take(&pool).Error; errLock != nil {
			return fmt.Errorf("freepool: lock pool: %w", errLock)
		}
		remaining := pool.RemainingTokens - tokensUsed
		if remaining < 0 {
			remaining = 0
		}
		if errUpdate := tx.WithContext(ctx).
			Model(&models.DailyPool{}).
			Where("date_key = ?", dateKey).
			Updates(map[string]any{"remaining_tokens": remaining, "updated_at": time.Now().UTC()}).Error; errUpdate != nil {
			return fmt.Errorf("freepool: update pool: %w", errUpdate)
		}

		var usage models.UserDailyUsage
		if errLock := db.LockForUpdate(tx.WithContext(ctx)).
			Where("date_key = ? AND user_id = ?", dateKey, userID).
			Take(&usage).Error; errLock != nil {
			return fmt.Errorf("freepool: lock user usage: %w", errLock)
		}
		used := usage.UsedTokens + tokensUsed
		if errUpdate := tx.WithContext(ctx).
			Model(&models.UserDailyUsage{}).
			Where("date_key = ? AND user_id = ?", dateKey, userID).
			Updates(map[string]any{"used_tokens": used, "updated_at": time.Now().UTC()}).Error; errUpdate != nil {
			return fmt.Errorf("freepool: update user usage: %w", errUpdate)
		}

		result = SpendResult{
			Applied:            true,
			PoolRemainingAfter: remaining,
			UserUsedAfter:      used,
		}
		return nil
	})
	if errTx != nil {
		return SpendResult{}, errTx
	}
	return result, nil
}
