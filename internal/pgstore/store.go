package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cookiesync/internal/cookies"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `id, user_id, ciphertext, size_bytes, item_count, origin_signature, origin_address,
	version, created_at_s, updated_at_s, expires_at_s, tombstoned`

const upsertRecordSQL = `
INSERT INTO cookie_records (id, user_id, ciphertext, size_bytes, item_count, origin_signature, origin_address,
	version, created_at_s, updated_at_s, expires_at_s, tombstoned)
VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $8, $9, FALSE)
ON CONFLICT (user_id) WHERE tombstoned = FALSE DO UPDATE SET
	ciphertext = EXCLUDED.ciphertext,
	size_bytes = EXCLUDED.size_bytes,
	item_count = EXCLUDED.item_count,
	origin_signature = EXCLUDED.origin_signature,
	origin_address = EXCLUDED.origin_address,
	version = cookie_records.version + 1,
	updated_at_s = EXCLUDED.updated_at_s,
	expires_at_s = EXCLUDED.expires_at_s
RETURNING ` + recordColumns

const getActiveRecordSQL = `SELECT ` + recordColumns + `
FROM cookie_records
WHERE user_id = $1 AND tombstoned = FALSE`

const tombstoneRecordSQL = `
UPDATE cookie_records SET tombstoned = TRUE, updated_at_s = $2
WHERE user_id = $1 AND tombstoned = FALSE`

const findExpiredSQL = `SELECT ` + recordColumns + `
FROM cookie_records
WHERE expires_at_s < $1 AND tombstoned = FALSE
ORDER BY expires_at_s ASC
LIMIT $2`

const purgeExpiredSQL = `
DELETE FROM cookie_records
WHERE (expires_at_s < $1 AND tombstoned = FALSE)
   OR (tombstoned = TRUE AND updated_at_s < $2)`

const countActiveSQL = `
SELECT COUNT(*)::BIGINT, COALESCE(SUM(size_bytes), 0)::BIGINT, COALESCE(SUM(item_count), 0)::BIGINT
FROM cookie_records
WHERE tombstoned = FALSE AND expires_at_s > $1`

const defaultScanLimit = 1000

var errMissingPool = errors.New("pgstore: connection pool is required")

// Store implements cookies.RecordStore on PostgreSQL. Upsert is a single
// INSERT ... ON CONFLICT statement, so per-user atomicity comes from the
// partial unique index rather than explicit row locks.
type Store struct {
	pool       *pgxpool.Pool
	idProvider cookies.IDProvider
}

// NewStore constructs a Store over a migrated pool.
func NewStore(pool *pgxpool.Pool, idProvider cookies.IDProvider) (*Store, error) {
	if pool == nil {
		return nil, errMissingPool
	}
	if idProvider == nil {
		idProvider = cookies.NewUUIDProvider()
	}
	return &Store{pool: pool, idProvider: idProvider}, nil
}

// Upsert implements cookies.RecordStore.
func (s *Store) Upsert(ctx context.Context, input cookies.UpsertInput) (cookies.Record, error) {
	recordID, err := s.idProvider.NewID()
	if err != nil {
		return cookies.Record{}, fmt.Errorf("generate record id: %w", err)
	}
	row := s.pool.QueryRow(ctx, upsertRecordSQL,
		recordID,
		input.UserID.String(),
		input.Ciphertext,
		int64(len(input.Ciphertext)),
		input.ItemCount,
		input.Origin.Signature,
		input.Origin.Address,
		input.AppliedAt.UTC().Unix(),
		input.ExpiresAt.UTC().Unix(),
	)
	record, err := scanRecord(row)
	if err != nil {
		return cookies.Record{}, mapError(err, "upsert", input.UserID.String())
	}
	return record, nil
}

// GetByUser implements cookies.RecordStore.
func (s *Store) GetByUser(ctx context.Context, userID cookies.UserID) (cookies.Record, error) {
	record, err := scanRecord(s.pool.QueryRow(ctx, getActiveRecordSQL, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return cookies.Record{}, cookies.ErrRecordNotFound
	}
	if err != nil {
		return cookies.Record{}, mapError(err, "get", userID.String())
	}
	return record, nil
}

// Tombstone implements cookies.RecordStore.
func (s *Store) Tombstone(ctx context.Context, userID cookies.UserID, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, tombstoneRecordSQL, userID.String(), at.UTC().Unix())
	if err != nil {
		return 0, mapError(err, "tombstone", userID.String())
	}
	return tag.RowsAffected(), nil
}

// FindExpired implements cookies.RecordStore.
func (s *Store) FindExpired(ctx context.Context, now time.Time, limit int) ([]cookies.Record, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}
	rows, err := s.pool.Query(ctx, findExpiredSQL, now.UTC().Unix(), limit)
	if err != nil {
		return nil, mapError(err, "find_expired", "")
	}
	defer rows.Close()

	var records []cookies.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, mapError(err, "find_expired", "")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "find_expired", "")
	}
	return records, nil
}

// PurgeExpired implements cookies.RecordStore.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time, tombstonedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, purgeExpiredSQL, now.UTC().Unix(), tombstonedBefore.UTC().Unix())
	if err != nil {
		return 0, mapError(err, "purge", "")
	}
	return tag.RowsAffected(), nil
}

// CountActive implements cookies.RecordStore.
func (s *Store) CountActive(ctx context.Context, now time.Time) (cookies.AggregateStats, error) {
	var recordCount, totalBytes, totalItems int64
	err := s.pool.QueryRow(ctx, countActiveSQL, now.UTC().Unix()).Scan(&recordCount, &totalBytes, &totalItems)
	if err != nil {
		return cookies.AggregateStats{}, mapError(err, "count_active", "")
	}
	return cookies.DeriveAggregate(recordCount, totalBytes, totalItems), nil
}

func scanRecord(row pgx.Row) (cookies.Record, error) {
	var record cookies.Record
	err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.Ciphertext,
		&record.SizeBytes,
		&record.ItemCount,
		&record.Origin.Signature,
		&record.Origin.Address,
		&record.Version,
		&record.CreatedAtSeconds,
		&record.UpdatedAtSeconds,
		&record.ExpiresAtSeconds,
		&record.Tombstoned,
	)
	return record, err
}
