package pgstore

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/cookiesync/internal/audit"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertSyncLogSQL = `
INSERT INTO sync_logs (user_id, operation_type, data_size, cookie_count, client_ip, user_agent,
	success, error_message, duration_ms, created_at_s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const pruneSyncLogsSQL = `DELETE FROM sync_logs WHERE created_at_s < $1`

const (
	maxAddressLength     = 64
	maxSignatureLength   = 512
	maxErrorDetailLength = 1024
)

// SyncLogWriter implements audit.Writer on the sync_logs table.
type SyncLogWriter struct {
	pool *pgxpool.Pool
}

// NewSyncLogWriter constructs a writer over a migrated pool.
func NewSyncLogWriter(pool *pgxpool.Pool) (*SyncLogWriter, error) {
	if pool == nil {
		return nil, errors.New("pgstore: connection pool is required")
	}
	return &SyncLogWriter{pool: pool}, nil
}

// Write implements audit.Writer.
func (w *SyncLogWriter) Write(ctx context.Context, event audit.Event) error {
	_, err := w.pool.Exec(ctx, insertSyncLogSQL,
		event.UserID,
		string(event.Operation),
		event.SizeBytes,
		event.ItemCount,
		clip(event.ClientAddress, maxAddressLength),
		clip(event.ClientSignature, maxSignatureLength),
		event.Success,
		clip(event.ErrorDetail, maxErrorDetailLength),
		event.Duration.Milliseconds(),
		event.OccurredAt.UTC().Unix(),
	)
	return mapError(err, "sync_log_insert", event.UserID)
}

// Prune removes sync logs created before the cutoff.
func (w *SyncLogWriter) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := w.pool.Exec(ctx, pruneSyncLogsSQL, before.UTC().Unix())
	if err != nil {
		return 0, mapError(err, "sync_log_prune", "")
	}
	return tag.RowsAffected(), nil
}

// clip cuts value to at most limit bytes without splitting a UTF-8 sequence.
func clip(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
