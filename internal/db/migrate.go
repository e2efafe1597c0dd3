package db

import (
	"fmt"

	"github.com/kertaslab/papergate/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrate applies the gateway schema.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.Balance{},
		&models.LedgerEntry{},
		&models.DailyPool{},
		&models.UserDailyUsage{},
		&models.FreePoolSpend{},
		&models.FxRate{},
		&models.RequestAudit{},
	)
}

// LockForUpdate adds a row-level FOR UPDATE lock on dialects that support it.
// SQLite serializes write transactions on its own and rejects the clause.
func LockForUpdate(tx *gorm.DB) *gorm.DB {
	if DialectName(tx) == DialectPostgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
