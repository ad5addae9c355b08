package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/MarcoPoloResearchLab/inspecta/internal/inspections"
	"github.com/MarcoPoloResearchLab/inspecta/internal/quota"
	"github.com/MarcoPoloResearchLab/inspecta/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationSeedDefaultMeta = "2026-03-01_seed_quota_default_meta"

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

// Migrate creates the schema and applies the named data migrations once each.
func Migrate(db *gorm.DB, defaultMeta int, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&catalog.Establishment{},
		&catalog.Item{},
		&inspections.Inspection{},
		&inspections.Item{},
		&quota.Ledger{},
		&quota.Setting{},
		&users.Identity{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, defaultMeta, logger)
}

func applyMigrations(db *gorm.DB, defaultMeta int, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedDefaultMeta, apply: seedDefaultMeta(defaultMeta)},
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

// seedDefaultMeta stores the configured default meta unless an administrator already
// set one.
func seedDefaultMeta(meta int) func(*gorm.DB) error {
	return func(db *gorm.DB) error {
		setting := quota.DefaultMetaSetting(meta)
		return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&setting).Error
	}
}
