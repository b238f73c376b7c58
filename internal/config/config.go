package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "COOKIESYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DriverSQLite
	defaultDatabasePath       = "cookiesync.db"
	defaultDatabaseMaxConns   = 10
	defaultCacheTTL           = 24 * time.Hour
	defaultCacheCapacity      = 1000
	defaultCacheMaxEntryBytes = 1 << 20
	defaultRecordTTL          = 30 * 24 * time.Hour
	defaultTombstoneRetention = 30 * 24 * time.Hour
	defaultSweepInterval      = time.Hour
	defaultSweepBatchSize     = 500
	defaultAuditBufferSize    = 256
	defaultAuditRetention     = 30 * 24 * time.Hour
	defaultAllowedOrigins     = "*"
	defaultLogLevel           = "info"
	defaultLogMaxSizeMB       = 100
	defaultLogMaxBackups      = 5
	defaultLogMaxAgeDays      = 30
)

const (
	// DriverSQLite stores records in a local SQLite file through GORM.
	DriverSQLite = "sqlite"
	// DriverPostgres stores records in PostgreSQL through pgx.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseDSN        string
	DatabaseMaxConns   int32
	EncryptionSecret   string
	CacheTTL           time.Duration
	CacheCapacity      int
	CacheMaxEntryBytes int64
	RecordTTL          time.Duration
	TombstoneRetention time.Duration
	SweepInterval      time.Duration
	SweepBatchSize     int
	AuditBufferSize    int
	AuditRetention     time.Duration
	AllowedOrigins     []string
	AdminSigningSecret string
	LogLevel           string
	LogFile            string
	LogMaxSizeMB       int
	LogMaxBackups      int
	LogMaxAgeDays      int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("database.max_conns", defaultDatabaseMaxConns)
	configViper.SetDefault("encryption.secret", "")
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("cache.capacity", defaultCacheCapacity)
	configViper.SetDefault("cache.max_entry_bytes", defaultCacheMaxEntryBytes)
	configViper.SetDefault("record.ttl", defaultRecordTTL)
	configViper.SetDefault("record.tombstone_retention", defaultTombstoneRetention)
	configViper.SetDefault("sweep.interval", defaultSweepInterval)
	configViper.SetDefault("sweep.batch_size", defaultSweepBatchSize)
	configViper.SetDefault("audit.buffer_size", defaultAuditBufferSize)
	configViper.SetDefault("audit.retention", defaultAuditRetention)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("admin.signing_secret", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		DatabaseMaxConns:   configViper.GetInt32("database.max_conns"),
		EncryptionSecret:   configViper.GetString("encryption.secret"),
		CacheTTL:           configViper.GetDuration("cache.ttl"),
		CacheCapacity:      configViper.GetInt("cache.capacity"),
		CacheMaxEntryBytes: configViper.GetInt64("cache.max_entry_bytes"),
		RecordTTL:          configViper.GetDuration("record.ttl"),
		TombstoneRetention: configViper.GetDuration("record.tombstone_retention"),
		SweepInterval:      configViper.GetDuration("sweep.interval"),
		SweepBatchSize:     configViper.GetInt("sweep.batch_size"),
		AuditBufferSize:    configViper.GetInt("audit.buffer_size"),
		AuditRetention:     configViper.GetDuration("audit.retention"),
		AllowedOrigins:     splitList(configViper.GetString("cors.allowed_origins")),
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		LogLevel:           configViper.GetString("log.level"),
		LogFile:            configViper.GetString("log.file"),
		LogMaxSizeMB:       configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:      configViper.GetInt("log.max_backups"),
		LogMaxAgeDays:      configViper.GetInt("log.max_age_days"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.EncryptionSecret) == "" {
		return fmt.Errorf("encryption.secret is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required when database.driver is %s", DriverPostgres)
		}
	default:
		return fmt.Errorf("database.driver must be %s or %s, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.RecordTTL <= 0 {
		return fmt.Errorf("record.ttl must be positive")
	}
	if c.CacheTTL > c.RecordTTL {
		return fmt.Errorf("cache.ttl must not exceed record.ttl")
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive")
	}
	if c.CacheMaxEntryBytes <= 0 {
		return fmt.Errorf("cache.max_entry_bytes must be positive")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep.interval must not be negative")
	}
	if c.AuditBufferSize <= 0 {
		return fmt.Errorf("audit.buffer_size must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
