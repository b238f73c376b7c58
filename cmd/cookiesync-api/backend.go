package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cookiesync/internal/audit"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/config"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/cookies"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/database"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/pgstore"
	"go.uber.org/zap"
)

const migrationTimeout = time.Minute

// auditLog persists sync log rows and prunes old ones.
type auditLog interface {
	audit.Writer
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type backend struct {
	records  cookies.RecordStore
	auditLog auditLog
	close    func()
}

func openBackend(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (backend, error) {
	switch appConfig.DatabaseDriver {
	case config.DriverPostgres:
		return openPostgresBackend(ctx, appConfig, logger)
	default:
		return openSQLiteBackend(appConfig, logger)
	}
}

func openSQLiteBackend(appConfig config.AppConfig, logger *zap.Logger) (backend, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return backend{}, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return backend{}, err
	}

	records, err := cookies.NewGormStore(cookies.GormStoreConfig{Database: db, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		return backend{}, err
	}
	writer, err := audit.NewGormWriter(db)
	if err != nil {
		_ = sqlDB.Close()
		return backend{}, err
	}

	return backend{
		records:  records,
		auditLog: writer,
		close: func() {
			_ = sqlDB.Close()
		},
	}, nil
}

func openPostgresBackend(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (backend, error) {
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:      appConfig.DatabaseDSN,
		MaxConns: appConfig.DatabaseMaxConns,
	})
	if err != nil {
		return backend{}, err
	}

	migrateCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	if err := pgstore.Migrate(migrateCtx, pool); err != nil {
		pool.Close()
		return backend{}, fmt.Errorf("migrate postgres: %w", err)
	}
	logger.Info("postgres migrations applied")

	records, err := pgstore.NewStore(pool, cookies.NewUUIDProvider())
	if err != nil {
		pool.Close()
		return backend{}, err
	}
	writer, err := pgstore.NewSyncLogWriter(pool)
	if err != nil {
		pool.Close()
		return backend{}, err
	}

	return backend{
		records:  records,
		auditLog: writer,
		close:    pool.Close,
	}, nil
}
