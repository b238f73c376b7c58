package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cookiesync/internal/audit"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/auth"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/cache"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/codec"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/config"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/cookies"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/logging"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/server"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/sweeper"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cookiesync-api",
		Short: "Cookie sync backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newAdminTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Record store driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().String("encryption-secret", "", "Payload encryption secret (overrides env)")
	cmd.PersistentFlags().Duration("cache-ttl", defaults.GetDuration("cache.ttl"), "Cache entry lifetime")
	cmd.PersistentFlags().Int("cache-capacity", defaults.GetInt("cache.capacity"), "Maximum cached records")
	cmd.PersistentFlags().Int64("cache-max-entry-bytes", defaults.GetInt64("cache.max_entry_bytes"), "Largest sealed payload kept in the cache")
	cmd.PersistentFlags().Duration("record-ttl", defaults.GetDuration("record.ttl"), "Record lifetime after each upload")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("sweep.interval"), "Interval between cleanup sweeps (0 disables)")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated CORS origins")
	cmd.PersistentFlags().String("admin-signing-secret", "", "Signing secret for system endpoint tokens")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file path")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "encryption.secret", "encryption-secret")
	bindFlag(cmd, "cache.ttl", "cache-ttl")
	bindFlag(cmd, "cache.capacity", "cache-capacity")
	bindFlag(cmd, "cache.max_entry_bytes", "cache-max-entry-bytes")
	bindFlag(cmd, "record.ttl", "record-ttl")
	bindFlag(cmd, "sweep.interval", "sweep-interval")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "admin.signing_secret", "admin-signing-secret")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newAdminTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue a bearer token for the system endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(viper.GetString("admin.signing_secret")),
			})
			if err != nil {
				return fmt.Errorf("admin.signing_secret is required: %w", err)
			}
			token, expiresIn, err := issuer.IssueAdminToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Subject recorded in the token")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{
		Level:      appConfig.LogLevel,
		FilePath:   appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
		MaxAgeDays: appConfig.LogMaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	payloadCodec, err := codec.New(appConfig.EncryptionSecret)
	if err != nil {
		return err
	}

	storage, err := openBackend(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer storage.close()

	dispatcher, err := audit.NewDispatcher(audit.DispatcherConfig{
		Writer:     storage.auditLog,
		BufferSize: appConfig.AuditBufferSize,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	recordCache := cache.NewSizedLRU[cookies.Record](cache.Config{
		Capacity:      appConfig.CacheCapacity,
		MaxTTL:        appConfig.CacheTTL,
		MaxEntryBytes: appConfig.CacheMaxEntryBytes,
		KeyPrefix:     cache.DefaultKeyPrefix,
	}, func(record cookies.Record) int64 {
		return int64(len(record.Ciphertext))
	})

	cookieService, err := cookies.NewService(cookies.ServiceConfig{
		Store:              storage.records,
		Cache:              recordCache,
		Codec:              payloadCodec,
		Audit:              dispatcher,
		Clock:              time.Now,
		Logger:             logger,
		RecordTTL:          appConfig.RecordTTL,
		CacheTTL:           appConfig.CacheTTL,
		TombstoneRetention: appConfig.TombstoneRetention,
		SweepBatchSize:     appConfig.SweepBatchSize,
	})
	if err != nil {
		return err
	}

	maintenance, err := sweeper.New(sweeper.Config{
		Interval: appConfig.SweepInterval,
		Tasks:    maintenanceTasks(cookieService, storage.auditLog, appConfig.AuditRetention),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var authorizer server.AdminAuthorizer
	if appConfig.AdminSigningSecret != "" {
		validator, err := auth.NewAdminValidator(auth.AdminValidatorConfig{
			SigningSecret: []byte(appConfig.AdminSigningSecret),
		})
		if err != nil {
			return err
		}
		authorizer = validator
	} else {
		logger.Warn("admin signing secret not configured; system endpoints are unauthenticated")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		CookieService:   cookieService,
		Maintenance:     maintenance,
		AdminAuthorizer: authorizer,
		AllowedOrigins:  appConfig.AllowedOrigins,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !payloadCodec.SelfTest() {
		logger.Warn("codec self-test failed at startup")
	}
	go maintenance.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn("audit dispatcher did not drain", zap.Error(err), zap.Int64("dropped", dispatcher.Dropped()))
		}
		return shutdownErr
	case err := <-errCh:
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = dispatcher.Close(closeCtx)
		return err
	}
}

func maintenanceTasks(service *cookies.Service, auditLog auditLog, retention time.Duration) []sweeper.Task {
	return []sweeper.Task{
		{
			Name: "purge_cookie_records",
			Run: func(ctx context.Context) (int64, error) {
				result, err := service.PurgeExpired(ctx)
				return result.Purged, err
			},
		},
		{
			Name: "prune_sync_logs",
			Run: func(ctx context.Context) (int64, error) {
				return auditLog.Prune(ctx, time.Now().Add(-retention))
			},
		},
	}
}
