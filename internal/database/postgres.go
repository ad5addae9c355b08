package database

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	postgresMaxOpenConns    = 25
	postgresMaxIdleConns    = 2
	postgresConnMaxLifetime = time.Hour
	postgresConnMaxIdleTime = 30 * time.Minute
)

// OpenPostgres connects to PostgreSQL for deployments running several API processes
// against one database, then performs schema migrations.
func OpenPostgres(dsn string, defaultMeta int, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(postgresMaxOpenConns)
	sqlDB.SetMaxIdleConns(postgresMaxIdleConns)
	sqlDB.SetConnMaxLifetime(postgresConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(postgresConnMaxIdleTime)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(db, defaultMeta, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", "postgres"))
	}

	return db, nil
}
