// Package catalog reads establishment records and checklist item metadata. Both are
// maintained elsewhere; this package never writes them.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/inspecta/internal/scoring"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// RepositoryConfig describes the dependencies of the catalog repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Repository loads establishments and their scoring catalog.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository validates the configuration and returns a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("catalog: %w", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Repository{db: cfg.Database, logger: logger}, nil
}

// Establishment returns the establishment row or ErrEstablishmentNotFound.
func (r *Repository) Establishment(ctx context.Context, id EstablishmentID) (Establishment, error) {
	var establishment Establishment
	err := r.db.WithContext(ctx).Where("id = ?", id.Uint64()).Take(&establishment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Establishment{}, fmt.Errorf("%w: %s", ErrEstablishmentNotFound, id)
	}
	if err != nil {
		r.logger.Error("catalog establishment lookup failed", zap.String("establishment_id", id.String()), zap.Error(err))
		return Establishment{}, err
	}
	return establishment, nil
}

// ItemCatalog returns the scoring metadata of every item on the establishment's template.
func (r *Repository) ItemCatalog(ctx context.Context, id EstablishmentID) (scoring.Catalog, error) {
	establishment, err := r.Establishment(ctx, id)
	if err != nil {
		return nil, err
	}

	var items []Item
	if err := r.db.WithContext(ctx).
		Where("template_id = ?", establishment.TemplateID).
		Order("position ASC, id ASC").
		Find(&items).Error; err != nil {
		r.logger.Error("catalog item query failed",
			zap.String("establishment_id", id.String()),
			zap.Uint64("template_id", establishment.TemplateID),
			zap.Error(err))
		return nil, err
	}

	catalog := make(scoring.Catalog, len(items))
	for _, item := range items {
		catalog[item.ID] = scoring.ItemMetadata{
			ItemID:           item.ID,
			BaseMaxScore:     item.BaseMaxScore,
			AdjustmentFactor: item.AdjustmentFactor,
			RiskLevel:        scoring.ParseRiskLevel(item.RiskLevel),
		}
	}
	return catalog, nil
}

// LockEstablishment takes a row lock on the establishment inside tx. Writers that open or
// complete inspections lock it first so processes sharing one database serialize per
// establishment even before any inspection row exists.
func LockEstablishment(ctx context.Context, tx *gorm.DB, id EstablishmentID) error {
	var establishment Establishment
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		Where("id = ?", id.Uint64()).
		Take(&establishment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrEstablishmentNotFound, id)
	}
	return err
}
