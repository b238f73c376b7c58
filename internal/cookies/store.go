package cookies

import (
	"context"
	"time"
)

// UpsertInput describes one write of a user's sealed payload.
// SizeBytes is derived from Ciphertext by the store.
type UpsertInput struct {
	UserID     UserID
	Ciphertext string
	ItemCount  int64
	Origin     Origin
	AppliedAt  time.Time
	ExpiresAt  time.Time
}

// RecordStore is the durable source of truth. Upsert and Tombstone must be
// atomic per user; writes for different users must not serialize on each other
// beyond what the backend itself imposes.
type RecordStore interface {
	// Upsert updates the active record for the user in place with version+1,
	// or inserts a new record at version 1.
	Upsert(ctx context.Context, input UpsertInput) (Record, error)
	// GetByUser returns the active record or ErrRecordNotFound. Expiry is not checked.
	GetByUser(ctx context.Context, userID UserID) (Record, error)
	// Tombstone logically deletes the active record and reports rows affected (0 or 1).
	Tombstone(ctx context.Context, userID UserID, at time.Time) (int64, error)
	// FindExpired lists up to limit active records with expiresAt < now.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]Record, error)
	// PurgeExpired physically removes active records with expiresAt < now and
	// tombstoned records last updated before tombstonedBefore.
	PurgeExpired(ctx context.Context, now time.Time, tombstonedBefore time.Time) (int64, error)
	// CountActive aggregates active, unexpired records.
	CountActive(ctx context.Context, now time.Time) (AggregateStats, error)
}

// Cache is a disposable, time-bounded mirror of records keyed by user id.
type Cache interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Set(ctx context.Context, key string, record Record, ttl time.Duration) error
	Has(ctx context.Context, key string) (bool, error)
	Invalidate(ctx context.Context, key string) error
}

// PayloadCodec seals and opens payloads.
type PayloadCodec interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(sealed string) ([]byte, error)
	SelfTest() bool
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (Record, bool, error) {
	return Record{}, false, nil
}

func (nopCache) Set(context.Context, string, Record, time.Duration) error {
	return nil
}

func (nopCache) Has(context.Context, string) (bool, error) {
	return false, nil
}

func (nopCache) Invalidate(context.Context, string) error {
	return nil
}

func averageItems(stats AggregateStats) AggregateStats {
	if stats.RecordCount > 0 {
		stats.AverageItems = float64(stats.TotalItems) / float64(stats.RecordCount)
	}
	return stats
}

// DeriveAggregate fills AverageItems from the totals.
func DeriveAggregate(recordCount, totalBytes, totalItems int64) AggregateStats {
	return averageItems(AggregateStats{
		RecordCount: recordCount,
		TotalBytes:  totalBytes,
		TotalItems:  totalItems,
	})
}
