// Package live coordinates the collaborative inspection workflow: draft edits, reviewer
// confirmation, hand-off between inspectors, finalization and the weekly quota gate.
// Every state change is published to the establishment's realtime room.
package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/MarcoPoloResearchLab/inspecta/internal/drafts"
	"github.com/MarcoPoloResearchLab/inspecta/internal/inspections"
	"github.com/MarcoPoloResearchLab/inspecta/internal/quota"
	"github.com/MarcoPoloResearchLab/inspecta/internal/scoring"
	"github.com/MarcoPoloResearchLab/inspecta/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// CatalogReader reads establishments and their item metadata.
type CatalogReader interface {
	Establishment(ctx context.Context, id catalog.EstablishmentID) (catalog.Establishment, error)
	ItemCatalog(ctx context.Context, id catalog.EstablishmentID) (scoring.Catalog, error)
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database    *gorm.DB
	Drafts      *drafts.Store
	Catalog     CatalogReader
	Inspections *inspections.Repository
	Quota       *quota.Service
	Publisher   Publisher
	// RequireConfirmation rejects finalization of drafts no reviewer confirmed.
	RequireConfirmation bool
	Clock               func() time.Time
	Logger              *zap.Logger
}

// Service implements the core operations exposed to the API layer.
type Service struct {
	db                  *gorm.DB
	drafts              *drafts.Store
	catalog             CatalogReader
	inspections         *inspections.Repository
	quota               *quota.Service
	publisher           Publisher
	requireConfirmation bool
	clock               func() time.Time
	logger              *zap.Logger
	locks               *keyedMutex
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	case cfg.Drafts == nil:
		return nil, newServiceError(opServiceNew, "missing_drafts", errMissingDrafts)
	case cfg.Catalog == nil:
		return nil, newServiceError(opServiceNew, "missing_catalog", errMissingCatalog)
	case cfg.Inspections == nil:
		return nil, newServiceError(opServiceNew, "missing_inspections", errMissingInspections)
	case cfg.Quota == nil:
		return nil, newServiceError(opServiceNew, "missing_quota", errMissingQuota)
	case cfg.Publisher == nil:
		return nil, newServiceError(opServiceNew, "missing_publisher", errMissingPublisher)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:                  cfg.Database,
		drafts:              cfg.Drafts,
		catalog:             cfg.Catalog,
		inspections:         cfg.Inspections,
		quota:               cfg.Quota,
		publisher:           cfg.Publisher,
		requireConfirmation: cfg.RequireConfirmation,
		clock:               clock,
		logger:              logger,
		locks:               newKeyedMutex(),
	}, nil
}

func (s *Service) authorize(operation string, actor users.Actor, capability users.Capability) error {
	if actor.ID == "" {
		return fmt.Errorf("%w: %s requires an authenticated actor", ErrForbidden, operation)
	}
	if !actor.Can(capability) {
		s.logger.Info("capability denied",
			zap.String("operation", operation),
			zap.String("actor_id", actor.ID),
			zap.String("role", string(actor.Role)),
			zap.String("capability", string(capability)),
		)
		return fmt.Errorf("%w: role %q cannot %s", ErrForbidden, actor.Role, capability)
	}
	return nil
}

// establishment verifies that the establishment exists.
func (s *Service) establishment(ctx context.Context, operation string, id catalog.EstablishmentID) (catalog.Establishment, error) {
	establishment, err := s.catalog.Establishment(ctx, id)
	if errors.Is(err, catalog.ErrEstablishmentNotFound) {
		return catalog.Establishment{}, fmt.Errorf("%w: establishment %s", ErrNotFound, id)
	}
	if err != nil {
		s.logError(operation, "establishment_lookup_failed", err, zap.String("establishment_id", id.String()))
		return catalog.Establishment{}, newServiceError(operation, "establishment_lookup_failed", err)
	}
	return establishment, nil
}

// lockEstablishment serializes inspection writers of one establishment across processes.
// Call it first inside the transaction.
func lockEstablishment(ctx context.Context, tx *gorm.DB, id catalog.EstablishmentID) error {
	err := catalog.LockEstablishment(ctx, tx, id)
	if errors.Is(err, catalog.ErrEstablishmentNotFound) {
		return fmt.Errorf("%w: establishment %s", ErrNotFound, id)
	}
	return err
}

func (s *Service) itemCatalog(ctx context.Context, operation string, id catalog.EstablishmentID) (scoring.Catalog, error) {
	items, err := s.catalog.ItemCatalog(ctx, id)
	if errors.Is(err, catalog.ErrEstablishmentNotFound) {
		return nil, fmt.Errorf("%w: establishment %s", ErrNotFound, id)
	}
	if err != nil {
		s.logError(operation, "catalog_lookup_failed", err, zap.String("establishment_id", id.String()))
		return nil, newServiceError(operation, "catalog_lookup_failed", err)
	}
	return items, nil
}

// passThrough reports errors that already carry their own classification.
func passThrough(err error) bool {
	var (
		validation *ValidationError
		exceeded   *quota.ExceededError
		confirmed  *drafts.AlreadyConfirmedError
		service    *ServiceError
		quotaError *quota.ServiceError
	)
	return errors.As(err, &validation) ||
		errors.As(err, &exceeded) ||
		errors.As(err, &confirmed) ||
		errors.As(err, &service) ||
		errors.As(err, &quotaError) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTerminalState) ||
		errors.Is(err, ErrForbidden)
}

func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	if passThrough(err) {
		return err
	}
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("live service error", attrs...)
}

func validateRatings(items drafts.Items) error {
	for key, entry := range items {
		if err := scoring.ValidateRating(entry.Rating); err != nil {
			return &ValidationError{
				Field:  fmt.Sprintf("items.%s.rating", key),
				Reason: fmt.Sprintf("%q is not a rating", string(entry.Rating)),
				Err:    err,
			}
		}
	}
	return nil
}
