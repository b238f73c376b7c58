package audit

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
)

const maxErrorDetailLength = 1024

var errMissingDatabase = errors.New("audit: database handle is required")

// SyncLog is the persisted form of an Event.
type SyncLog struct {
	LogID            int64     `gorm:"column:log_id;primaryKey;autoIncrement"`
	UserID           string    `gorm:"column:user_id;size:190;not null;index:idx_sync_logs_user_time,priority:1"`
	Operation        Operation `gorm:"column:operation_type;size:16;not null"`
	SizeBytes        int64     `gorm:"column:data_size;not null;default:0"`
	ItemCount        int64     `gorm:"column:cookie_count;not null;default:0"`
	ClientAddress    string    `gorm:"column:client_ip;size:64;not null;default:''"`
	ClientSignature  string    `gorm:"column:user_agent;size:512;not null;default:''"`
	Success          bool      `gorm:"column:success;not null"`
	ErrorDetail      string    `gorm:"column:error_message;size:1024;not null;default:''"`
	DurationMillis   int64     `gorm:"column:duration_ms;not null;default:0"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null;index:idx_sync_logs_user_time,priority:2;index:idx_sync_logs_created"`
}

// TableName provides the explicit table binding for GORM.
func (SyncLog) TableName() string {
	return "sync_logs"
}

// GormWriter stores events in the sync_logs table.
type GormWriter struct {
	db *gorm.DB
}

// NewGormWriter constructs a writer over an already migrated database.
func NewGormWriter(db *gorm.DB) (*GormWriter, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormWriter{db: db}, nil
}

// Write implements Writer.
func (w *GormWriter) Write(ctx context.Context, event Event) error {
	entry := SyncLog{
		UserID:           event.UserID,
		Operation:        event.Operation,
		SizeBytes:        event.SizeBytes,
		ItemCount:        event.ItemCount,
		ClientAddress:    truncate(event.ClientAddress, 64),
		ClientSignature:  truncate(event.ClientSignature, 512),
		Success:          event.Success,
		ErrorDetail:      truncate(event.ErrorDetail, maxErrorDetailLength),
		DurationMillis:   event.Duration.Milliseconds(),
		CreatedAtSeconds: event.OccurredAt.UTC().Unix(),
	}
	return w.db.WithContext(ctx).Create(&entry).Error
}

// Prune removes sync logs created before the cutoff and reports how many were removed.
func (w *GormWriter) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := w.db.WithContext(ctx).
		Where("created_at_s < ?", before.UTC().Unix()).
		Delete(&SyncLog{})
	return result.RowsAffected, result.Error
}

// truncate cuts value to at most limit bytes without splitting a UTF-8 sequence.
func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
