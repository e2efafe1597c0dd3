// Package audit persists the per-request decision and billing trace. Records
// are upserted by request ID so a failure path can write a partial row and a
// later stage overwrite it without erroring.
package audit

import (
	"context"
	"fmt"

	"github.com/kertaslab/papergate/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Recorder writes request audit rows.
type Recorder struct {
	db *gorm.DB
}

// New constructs a Recorder.
func New(conn *gorm.DB) *Recorder { return &Recorder{db: conn} }

// Upsert writes the record, replacing any earlier row for the same request.
func (r *Recorder) Upsert(ctx context.Context, record *models.RequestAudit) error {
	if record.RequestID == "" {
		return fmt.Errorf("audit: record missing request id")
	}
	errSave := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			UpdateAll: true,
		}).
		Create(record).Error
	if errSave != nil {
		return fmt.Errorf("audit: upsert: %w", errSave)
	}
	return nil
}

// Get reads one audit row.
func (r *Recorder) Get(ctx context.Context, requestID string) (*models.RequestAudit, error) {
	var row models.RequestAudit
	if errFind := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Take(&row).Error; errFind != nil {
		return nil, fmt.Errorf("audit: read: %w", errFind)
	}
	return &row, nil
}
