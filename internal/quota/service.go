package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/inspections"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps an infrastructure failure with a dotted code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "quota.service.new"
	opGetOrCreate      = "quota.get_or_create"
	opRecordCompletion = "quota.record_completion"
	opUsage            = "quota.usage"
	opDefaultMeta      = "quota.default_meta"
	opSetDefaultMeta   = "quota.set_default_meta"
	opOverrideWeekMeta = "quota.override_week_meta"
	opWeeklyPlan       = "quota.weekly_plan"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database *gorm.DB
	// DefaultMeta is used until a default_meta setting is stored.
	DefaultMeta int
	Location    *time.Location
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service owns the quota ledger rows and the global default meta.
type Service struct {
	db          *gorm.DB
	defaultMeta int
	location    *time.Location
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.DefaultMeta < 0 {
		return nil, newServiceError(opServiceNew, "invalid_default_meta", fmt.Errorf("%w: %d", ErrInvalidMeta, cfg.DefaultMeta))
	}
	location := cfg.Location
	if location == nil {
		loaded, err := LoadLocation(DefaultTimezone)
		if err != nil {
			return nil, newServiceError(opServiceNew, "timezone_unavailable", err)
		}
		location = loaded
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
		db:          cfg.Database,
		defaultMeta: cfg.DefaultMeta,
		location:    location,
		clock:       clock,
		logger:      logger,
	}, nil
}

// WithTx returns a Service that runs its queries inside tx.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	copied := *s
	copied.db = tx
	return &copied
}

// Location is the civil timezone of business weeks.
func (s *Service) Location() *time.Location {
	return s.location
}

// Today is the current business date.
func (s *Service) Today() inspections.BusinessDate {
	return inspections.BusinessDateOf(s.clock(), s.location)
}

// CurrentWeek is the ISO week containing the current business date.
func (s *Service) CurrentWeek() Week {
	return WeekOf(s.clock(), s.location)
}

// DefaultMeta returns the stored global default, or the configured one when none is stored.
func (s *Service) DefaultMeta(ctx context.Context) (int, error) {
	var setting Setting
	err := s.db.WithContext(ctx).Where("name = ?", settingDefaultMeta).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.defaultMeta, nil
	}
	if err != nil {
		s.logError(opDefaultMeta, "setting_select_failed", err)
		return 0, newServiceError(opDefaultMeta, "setting_select_failed", err)
	}
	return setting.IntValue, nil
}

// GetOrCreate returns the ledger row of the week, creating it with the current default
// meta when absent. Existing rows are returned untouched.
func (s *Service) GetOrCreate(ctx context.Context, establishmentID uint64, week Week) (Ledger, error) {
	ledger, found, err := s.find(ctx, establishmentID, week)
	if err != nil {
		s.logError(opGetOrCreate, "ledger_select_failed", err, zap.Uint64("establishment_id", establishmentID))
		return Ledger{}, newServiceError(opGetOrCreate, "ledger_select_failed", err)
	}
	if found {
		return ledger, nil
	}

	meta, err := s.DefaultMeta(ctx)
	if err != nil {
		return Ledger{}, err
	}
	candidate := Ledger{
		EstablishmentID: establishmentID,
		ISOYear:         week.ISOYear,
		ISOWeek:         week.ISOWeek,
		Meta:            meta,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&candidate).Error; err != nil {
		s.logError(opGetOrCreate, "ledger_insert_failed", err, zap.Uint64("establishment_id", establishmentID))
		return Ledger{}, newServiceError(opGetOrCreate, "ledger_insert_failed", err)
	}

	// A concurrent creator may have won the insert; read back whichever row exists.
	ledger, found, err = s.find(ctx, establishmentID, week)
	if err != nil || !found {
		if err == nil {
			err = fmt.Errorf("ledger for establishment %d week %s missing after insert", establishmentID, week)
		}
		s.logError(opGetOrCreate, "ledger_reload_failed", err, zap.Uint64("establishment_id", establishmentID))
		return Ledger{}, newServiceError(opGetOrCreate, "ledger_reload_failed", err)
	}
	return ledger, nil
}

func (s *Service) find(ctx context.Context, establishmentID uint64, week Week) (Ledger, bool, error) {
	var ledger Ledger
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("establishment_id = ? AND iso_year = ? AND iso_week = ?", establishmentID, week.ISOYear, week.ISOWeek).
		Take(&ledger).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Ledger{}, false, nil
	}
	if err != nil {
		return Ledger{}, false, err
	}
	return ledger, true, nil
}

func (s *Service) countCompleted(ctx context.Context, establishmentID uint64, week Week) (int, error) {
	repository, err := inspections.NewRepository(s.db)
	if err != nil {
		return 0, err
	}
	count, err := repository.CountCompletedBetween(ctx, establishmentID, week.StartDate(), week.EndDate())
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// Usage reads the week's meta (creating the ledger row if needed) and counts the
// completada inspections whose business date falls in the week.
func (s *Service) Usage(ctx context.Context, establishmentID uint64, date inspections.BusinessDate) (Usage, error) {
	week := WeekOfDate(date, s.location)
	ledger, err := s.GetOrCreate(ctx, establishmentID, week)
	if err != nil {
		return Usage{}, err
	}
	realized, err := s.countCompleted(ctx, establishmentID, week)
	if err != nil {
		s.logError(opUsage, "count_failed", err, zap.Uint64("establishment_id", establishmentID))
		return Usage{}, newServiceError(opUsage, "count_failed", err)
	}
	return Usage{EstablishmentID: establishmentID, Week: week, Meta: ledger.Meta, Realized: realized}, nil
}

// WouldExceed reports whether starting another inspection on date would pass the meta.
func (s *Service) WouldExceed(ctx context.Context, establishmentID uint64, date inspections.BusinessDate) (bool, error) {
	usage, err := s.Usage(ctx, establishmentID, date)
	if err != nil {
		return false, err
	}
	return usage.Reached(), nil
}

// EnsureCapacity returns an *ExceededError when the week's meta is already reached.
func (s *Service) EnsureCapacity(ctx context.Context, establishmentID uint64, date inspections.BusinessDate) error {
	usage, err := s.Usage(ctx, establishmentID, date)
	if err != nil {
		return err
	}
	if usage.Reached() {
		return usage.exceeded()
	}
	return nil
}

// RecordCompletion refreshes the week's realized count after an inspection with the
// given business date was completed. Call it in the transaction that completed it.
func (s *Service) RecordCompletion(ctx context.Context, establishmentID uint64, date inspections.BusinessDate) (Ledger, error) {
	week := WeekOfDate(date, s.location)
	ledger, err := s.GetOrCreate(ctx, establishmentID, week)
	if err != nil {
		return Ledger{}, err
	}
	realized, err := s.countCompleted(ctx, establishmentID, week)
	if err != nil {
		s.logError(opRecordCompletion, "count_failed", err, zap.Uint64("establishment_id", establishmentID))
		return Ledger{}, newServiceError(opRecordCompletion, "count_failed", err)
	}
	if err := s.db.WithContext(ctx).
		Model(&Ledger{}).
		Where("id = ?", ledger.ID).
		Updates(map[string]any{"realized": realized, "updated_at": s.clock().UTC()}).Error; err != nil {
		s.logError(opRecordCompletion, "ledger_update_failed", err, zap.Uint64("establishment_id", establishmentID))
		return Ledger{}, newServiceError(opRecordCompletion, "ledger_update_failed", err)
	}
	ledger.Realized = realized
	return ledger, nil
}

// SetDefaultMeta stores a new global default. Rows created afterwards use it; when
// applyToCurrentWeek is set, existing rows of the current week are re-meta'd as well.
// Rows of past weeks never change. It returns the number of current-week rows updated.
func (s *Service) SetDefaultMeta(ctx context.Context, meta int, applyToCurrentWeek bool) (int64, error) {
	if meta < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidMeta, meta)
	}
	week := s.CurrentWeek()
	var updated int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		setting := Setting{Key: settingDefaultMeta, IntValue: meta, UpdatedAt: s.clock().UTC()}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"int_value", "updated_at"}),
		}).Create(&setting).Error; err != nil {
			s.logError(opSetDefaultMeta, "setting_upsert_failed", err)
			return newServiceError(opSetDefaultMeta, "setting_upsert_failed", err)
		}
		if !applyToCurrentWeek {
			return nil
		}
		result := tx.Model(&Ledger{}).
			Where("iso_year = ? AND iso_week = ?", week.ISOYear, week.ISOWeek).
			Updates(map[string]any{"meta": meta, "updated_at": s.clock().UTC()})
		if result.Error != nil {
			s.logError(opSetDefaultMeta, "ledger_update_failed", result.Error)
			return newServiceError(opSetDefaultMeta, "ledger_update_failed", result.Error)
		}
		updated = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("quota default meta changed",
		zap.Int("meta", meta),
		zap.Bool("apply_to_current_week", applyToCurrentWeek),
		zap.Int64("current_week_rows", updated),
	)
	return updated, nil
}

// OverrideWeekMeta re-metas the current week of one establishment.
func (s *Service) OverrideWeekMeta(ctx context.Context, establishmentID uint64, meta int) (Ledger, error) {
	if meta < 0 {
		return Ledger{}, fmt.Errorf("%w: %d", ErrInvalidMeta, meta)
	}
	var ledger Ledger
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := s.WithTx(tx)
		current, err := scoped.GetOrCreate(ctx, establishmentID, s.CurrentWeek())
		if err != nil {
			return err
		}
		if err := tx.Model(&Ledger{}).
			Where("id = ?", current.ID).
			Updates(map[string]any{"meta": meta, "updated_at": s.clock().UTC()}).Error; err != nil {
			s.logError(opOverrideWeekMeta, "ledger_update_failed", err, zap.Uint64("establishment_id", establishmentID))
			return newServiceError(opOverrideWeekMeta, "ledger_update_failed", err)
		}
		current.Meta = meta
		ledger = current
		return nil
	})
	if err != nil {
		return Ledger{}, err
	}
	return ledger, nil
}

// WeeklyPlan returns the plan view for the week weekOffset weeks from the current one.
// Past weeks are read without creating ledger rows.
func (s *Service) WeeklyPlan(ctx context.Context, establishmentID uint64, weekOffset int) (Plan, error) {
	current := s.CurrentWeek()
	week := current.Offset(weekOffset)

	var (
		meta        int
		provisional bool
	)
	if week.Before(current) {
		ledger, found, err := s.find(ctx, establishmentID, week)
		if err != nil {
			s.logError(opWeeklyPlan, "ledger_select_failed", err, zap.Uint64("establishment_id", establishmentID))
			return Plan{}, newServiceError(opWeeklyPlan, "ledger_select_failed", err)
		}
		if found {
			meta = ledger.Meta
		} else {
			defaultMeta, err := s.DefaultMeta(ctx)
			if err != nil {
				return Plan{}, err
			}
			meta, provisional = defaultMeta, true
		}
	} else {
		ledger, err := s.GetOrCreate(ctx, establishmentID, week)
		if err != nil {
			return Plan{}, err
		}
		meta = ledger.Meta
	}

	realized, err := s.countCompleted(ctx, establishmentID, week)
	if err != nil {
		s.logError(opWeeklyPlan, "count_failed", err, zap.Uint64("establishment_id", establishmentID))
		return Plan{}, newServiceError(opWeeklyPlan, "count_failed", err)
	}
	remaining := meta - realized
	if remaining < 0 {
		remaining = 0
	}
	return Plan{
		EstablishmentID: establishmentID,
		ISOWeek:         week.ISOWeek,
		ISOYear:         week.ISOYear,
		WeekStart:       week.StartDate(),
		WeekEnd:         week.EndDate(),
		Meta:            meta,
		Realized:        realized,
		Remaining:       remaining,
		Exceeded:        realized >= meta,
		IsCurrentWeek:   week.Same(current),
		Provisional:     provisional,
	}, nil
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
	s.logger.Error("quota service error", attrs...)
}
