package cookies

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const activeUserClause = "user_id = ? AND tombstoned = ?"

// GormStoreConfig wires the GORM-backed RecordStore.
type GormStoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// GormStore implements RecordStore over any GORM dialect, SQLite by default.
type GormStore struct {
	db         *gorm.DB
	idProvider IDProvider
	logger     *zap.Logger
}

// NewGormStore validates the configuration and returns a store.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GormStore{db: cfg.Database, idProvider: idProvider, logger: logger}, nil
}

// Upsert implements RecordStore.
func (s *GormStore) Upsert(ctx context.Context, input UpsertInput) (Record, error) {
	appliedAt := input.AppliedAt.UTC().Unix()
	var stored Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(activeUserClause, input.UserID.String(), false).
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			recordID, idErr := s.idProvider.NewID()
			if idErr != nil {
				return fmt.Errorf("generate record id: %w", idErr)
			}
			stored = Record{
				ID:               recordID,
				UserID:           input.UserID.String(),
				Version:          1,
				CreatedAtSeconds: appliedAt,
			}
			applyInput(&stored, input, appliedAt)
			return tx.Create(&stored).Error
		case err != nil:
			return fmt.Errorf("select active record: %w", err)
		}

		stored = existing
		stored.Version = existing.Version + 1
		applyInput(&stored, input, appliedAt)
		return tx.Save(&stored).Error
	})
	if txErr != nil {
		s.logger.Error("cookie record upsert failed",
			zap.String("user_id", input.UserID.String()),
			zap.Error(txErr))
		return Record{}, txErr
	}
	return stored, nil
}

func applyInput(record *Record, input UpsertInput, appliedAt int64) {
	record.Ciphertext = input.Ciphertext
	record.SizeBytes = int64(len(input.Ciphertext))
	record.ItemCount = input.ItemCount
	record.Origin = input.Origin
	record.UpdatedAtSeconds = appliedAt
	record.ExpiresAtSeconds = input.ExpiresAt.UTC().Unix()
	record.Tombstoned = false
}

// GetByUser implements RecordStore.
func (s *GormStore) GetByUser(ctx context.Context, userID UserID) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where(activeUserClause, userID.String(), false).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// Tombstone implements RecordStore.
func (s *GormStore) Tombstone(ctx context.Context, userID UserID, at time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where(activeUserClause, userID.String(), false).
		Updates(map[string]any{
			"tombstoned":   true,
			"updated_at_s": at.UTC().Unix(),
		})
	return result.RowsAffected, result.Error
}

// FindExpired implements RecordStore.
func (s *GormStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	query := s.db.WithContext(ctx).
		Where("expires_at_s < ? AND tombstoned = ?", now.UTC().Unix(), false).
		Order("expires_at_s ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []Record
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// PurgeExpired implements RecordStore.
func (s *GormStore) PurgeExpired(ctx context.Context, now time.Time, tombstonedBefore time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("(expires_at_s < ? AND tombstoned = ?) OR (tombstoned = ? AND updated_at_s < ?)",
			now.UTC().Unix(), false, true, tombstonedBefore.UTC().Unix()).
		Delete(&Record{})
	return result.RowsAffected, result.Error
}

type aggregateRow struct {
	RecordCount int64
	TotalBytes  int64
	TotalItems  int64
}

// CountActive implements RecordStore.
func (s *GormStore) CountActive(ctx context.Context, now time.Time) (AggregateStats, error) {
	var row aggregateRow
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Select("COUNT(*) AS record_count, COALESCE(SUM(size_bytes), 0) AS total_bytes, COALESCE(SUM(item_count), 0) AS total_items").
		Where("tombstoned = ? AND expires_at_s > ?", false, now.UTC().Unix()).
		Scan(&row).Error
	if err != nil {
		return AggregateStats{}, err
	}
	return DeriveAggregate(row.RecordCount, row.TotalBytes, row.TotalItems), nil
}
