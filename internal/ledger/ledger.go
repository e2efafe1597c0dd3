// Package ledger owns the per-user rupiah balance and its append-only entry
// log. Every balance mutation runs inside one transaction that locks the
// balance row, and the unique (reason, ref_type, ref_id) index on entries
// makes charges and credits at-most-once per reference.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kertaslab/papergate/internal/db"
	"github.com/kertaslab/papergate/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsufficientFundsError reports a charge that exceeds the current balance.
// The transaction is rolled back; no row is modified.
type InsufficientFundsError struct {
	BalanceIDR int64
	NeededIDR  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds: balance %d, needed %d", e.BalanceIDR, e.NeededIDR)
}

// ApplyResult reports the outcome of a charge or credit. Applied is false
// when the reference was already ledgered; balances are then unchanged.
type ApplyResult struct {
	BalanceBeforeIDR int64
	BalanceAfterIDR  int64
	Applied          bool
}

// Ledger mediates all access to balances and ledger entries.
type Ledger struct {
	db *gorm.DB
}

// New constructs a Ledger backed by GORM.
func New(conn *gorm.DB) *Ledger { return &Ledger{db: conn} }

// Balance returns the user's current balance, creating the row lazily.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	if err := l.ensureBalanceRow(ctx, l.db, userID); err != nil {
		return 0, err
	}
	var row models.Balance
	if errFind := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&row).Error; errFind != nil {
		return 0, fmt.Errorf("ledger: read balance: %w", errFind)
	}
	return row.AmountIDR, nil
}

// Charge debits amountIDR for the given request. Invoking it twice with the
// same requestID yields one ledger row and one decrement; the second call
// returns Applied=false with unchanged balances. A balance below amountIDR
// aborts with *InsufficientFundsError.
func (l *Ledger) Charge(ctx context.Context, userID, requestID string, amountIDR int64) (ApplyResult, error) {
	if amountIDR < 0 {
		return ApplyResult{}, fmt.Errorf("ledger: negative charge amount %d", amountIDR)
	}
	return l.apply(ctx, userID, -amountIDR, models.LedgerReasonUsage, models.LedgerRefLLMRequest, requestID)
}

// Credit applies a top-up produced by the external payment flow, keyed by the
// payment order ID. Duplicate credits for one order apply once.
func (l *Ledger) Credit(ctx context.Context, userID, orderID string, amountIDR int64) (ApplyResult, error) {
	if amountIDR <= 0 {
		return ApplyResult{}, fmt.Errorf("ledger: non-positive credit amount %d", amountIDR)
	}
	return l.apply(ctx, userID, amountIDR, models.LedgerReasonTopup, models.LedgerRefPaymentOrder, orderID)
}

func (l *Ledger) apply(ctx context.Context, userID string, deltaIDR int64, reason, refType, refID string) (ApplyResult, error) {
	var result ApplyResult

	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errEnsure := l.ensureBalanceRow(ctx, tx, userID); errEnsure != nil {
			return errEnsure
		}

		var bal models.Balance
		if errLock := db.LockForUpdate(tx.WithContext(ctx)).
			Where("user_id = ?", userID).
			Take(&bal).Error; errLock != nil {
			return fmt.Errorf("ledger: lock balance: %w", errLock)
		}

		if deltaIDR < 0 && bal.AmountIDR+deltaIDR < 0 {
			return &InsufficientFundsError{BalanceIDR: bal.AmountIDR, NeededIDR: -deltaIDR}
		}

		entry := models.LedgerEntry{
			ID:       uuid.NewString(),
			UserID:   userID,
			DeltaIDR: deltaIDR,
			Reason:   reason,
			RefType:  refType,
			RefID:    refID,
		}
		insert := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "reason"}, {Name: "ref_type"}, {Name: "ref_id"}},
				DoNothing: true,
			}).
			Create(&entry)
		if insert.Error != nil {
			return fmt.Errorf("ledger: insert entry: %w", insert.Error)
		}
		if insert.RowsAffected == 0 {
			// Already applied for this reference; report unchanged balances.
			result = ApplyResult{
				BalanceBeforeIDR: bal.AmountIDR,
				BalanceAfterIDR:  bal.AmountIDR,
				Applied:          false,
			}
			return nil
		}

		next := bal.AmountIDR + deltaIDR
		if errUpdate := tx.WithContext(ctx).
			Model(&models.Balance{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{"amount_idr": next, "updated_at": time.Now().UTC()}).Error; errUpdate != nil {
			return fmt.Errorf("ledger: update balance: %w", errUpdate)
		}

		result = ApplyResult{
			BalanceBeforeIDR: bal.AmountIDR,
			BalanceAfterIDR:  next,
			Applied:          true,
		}
		return nil
	})

	if errTx != nil {
		var insufficient *InsufficientFundsError
		if errors.As(errTx, &insufficient) {
			return ApplyResult{}, insufficient
		}
		return ApplyResult{}, errTx
	}
	return result, nil
}

// ensureBalanceRow creates the zero-balance row on first access.
func (l *Ledger) ensureBalanceRow(ctx context.Context, tx *gorm.DB, userID string) error {
	row := models.Balance{UserID: userID, AmountIDR: 0}
	if errCreate := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&row).Error; errCreate != nil {
		return fmt.Errorf("ledger: ensure balance row: %w", errCreate)
	}
	return nil
}
