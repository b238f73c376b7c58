package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cookiesync/internal/cookies"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRecomputeRecordSizes   = "2026-10-01_recompute_cookie_record_sizes"
	migrationClearNegativeItemCount = "2026-10-02_clear_negative_item_counts"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRecomputeRecordSizes, apply: recomputeRecordSizes},
		{name: migrationClearNegativeItemCount, apply: clearNegativeItemCounts},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// size_bytes must equal the ciphertext length.
func recomputeRecordSizes(db *gorm.DB) error {
	return db.Model(&cookies.Record{}).
		Where("size_bytes <> length(ciphertext)").
		Update("size_bytes", gorm.Expr("length(ciphertext)")).Error
}

func clearNegativeItemCounts(db *gorm.DB) error {
	return db.Model(&cookies.Record{}).
		Where("item_count < 0").
		Update("item_count", 0).Error
}
