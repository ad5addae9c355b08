package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/auth"
	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/MarcoPoloResearchLab/inspecta/internal/config"
	"github.com/MarcoPoloResearchLab/inspecta/internal/database"
	"github.com/MarcoPoloResearchLab/inspecta/internal/drafts"
	"github.com/MarcoPoloResearchLab/inspecta/internal/inspections"
	"github.com/MarcoPoloResearchLab/inspecta/internal/live"
	"github.com/MarcoPoloResearchLab/inspecta/internal/logging"
	"github.com/MarcoPoloResearchLab/inspecta/internal/quota"
	"github.com/MarcoPoloResearchLab/inspecta/internal/realtime"
	"github.com/MarcoPoloResearchLab/inspecta/internal/server"
	"github.com/MarcoPoloResearchLab/inspecta/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inspecta-api",
		Short: "Inspecta food inspection draft service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("drafts-backend", defaults.GetString("drafts.backend"), "Draft store backend (memory, redis)")
	cmd.PersistentFlags().Bool("require-confirmation", defaults.GetBool("drafts.require_confirmation"), "Reject finalization of unconfirmed drafts")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the redis drafts backend")
	cmd.PersistentFlags().Int("default-meta", defaults.GetInt("quota.default_meta"), "Weekly inspection meta used until an administrator sets one")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "drafts.backend", "drafts-backend")
	bindFlag(cmd, "drafts.require_confirmation", "require-confirmation")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "quota.default_meta", "default-meta")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
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

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	if appConfig.DatabaseDriver == config.DatabaseDriverPostgres {
		return database.OpenPostgres(appConfig.DatabaseDSN, appConfig.DefaultMeta, logger)
	}
	return database.OpenSQLite(appConfig.DatabasePath, appConfig.DefaultMeta, logger)
}

// openDraftRepository returns the configured draft backend and a function releasing it.
func openDraftRepository(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (drafts.Repository, func(), error) {
	if appConfig.DraftsBackend != config.DraftsBackendRedis {
		return drafts.NewMemoryRepository(), func() {}, nil
	}
	repository, err := drafts.NewRedisRepository(appConfig.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx); err != nil {
		_ = repository.Close()
		return nil, nil, err
	}
	logger.Info("draft store backed by redis")
	return repository, func() {
		if err := repository.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	location, err := quota.LoadLocation(appConfig.Timezone)
	if err != nil {
		return err
	}

	draftRepository, closeDrafts, err := openDraftRepository(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDrafts()

	draftStore, err := drafts.NewStore(drafts.StoreConfig{
		Repository: draftRepository,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	catalogRepository, err := catalog.NewRepository(catalog.RepositoryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	inspectionRepository, err := inspections.NewRepository(db)
	if err != nil {
		return err
	}
	quotaService, err := quota.NewService(quota.ServiceConfig{
		Database:    db,
		DefaultMeta: appConfig.DefaultMeta,
		Location:    location,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	hub := realtime.NewHub(realtime.HubConfig{
		BufferSize: appConfig.RealtimeBufferSize,
		Clock:      time.Now,
		Logger:     logger,
	})

	liveService, err := live.NewService(live.ServiceConfig{
		Database:            db,
		Drafts:              draftStore,
		Catalog:             catalogRepository,
		Inspections:         inspectionRepository,
		Quota:               quotaService,
		Publisher:           hub,
		RequireConfirmation: appConfig.RequireConfirmation,
		Clock:               time.Now,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator:  sessionValidator,
		Actors:            directory,
		Live:              liveService,
		Hub:               hub,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("timezone", location.String()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
