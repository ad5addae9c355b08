package live

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/MarcoPoloResearchLab/inspecta/internal/quota"
	"github.com/MarcoPoloResearchLab/inspecta/internal/users"
	"go.uber.org/zap"
)

// GetWeeklyPlan returns the quota plan of the week weekOffset weeks from the current one.
func (s *Service) GetWeeklyPlan(ctx context.Context, actor users.Actor, id catalog.EstablishmentID, weekOffset int) (quota.Plan, error) {
	if err := s.authorize(opWeeklyPlan, actor, users.CapabilityView); err != nil {
		return quota.Plan{}, err
	}
	if _, err := s.establishment(ctx, opWeeklyPlan, id); err != nil {
		return quota.Plan{}, err
	}
	plan, err := s.quota.WeeklyPlan(ctx, id.Uint64(), weekOffset)
	if err != nil {
		return quota.Plan{}, s.fail(opWeeklyPlan, "plan_failed", err, zap.String("establishment_id", id.String()))
	}
	return plan, nil
}

// SetDefaultMeta changes the global weekly meta. It returns the number of current-week
// ledger rows re-meta'd, which is zero unless applyToCurrentWeek is set.
func (s *Service) SetDefaultMeta(ctx context.Context, actor users.Actor, meta int, applyToCurrentWeek bool) (int64, error) {
	if err := s.authorize(opSetDefaultMeta, actor, users.CapabilityConfigureQuota); err != nil {
		return 0, err
	}
	updated, err := s.quota.SetDefaultMeta(ctx, meta, applyToCurrentWeek)
	if errors.Is(err, quota.ErrInvalidMeta) {
		return 0, &ValidationError{Field: "meta", Reason: "meta must not be negative", Err: err}
	}
	if err != nil {
		return 0, s.fail(opSetDefaultMeta, "set_default_failed", err)
	}
	return updated, nil
}

// OverrideWeekMeta re-metas the current week of one establishment.
func (s *Service) OverrideWeekMeta(ctx context.Context, actor users.Actor, id catalog.EstablishmentID, meta int) (quota.Ledger, error) {
	if err := s.authorize(opOverrideWeekMeta, actor, users.CapabilityConfigureQuota); err != nil {
		return quota.Ledger{}, err
	}
	if _, err := s.establishment(ctx, opOverrideWeekMeta, id); err != nil {
		return quota.Ledger{}, err
	}
	ledger, err := s.quota.OverrideWeekMeta(ctx, id.Uint64(), meta)
	if errors.Is(err, quota.ErrInvalidMeta) {
		return quota.Ledger{}, &ValidationError{Field: "meta", Reason: "meta must not be negative", Err: err}
	}
	if err != nil {
		return quota.Ledger{}, s.fail(opOverrideWeekMeta, "override_failed", err, zap.String("establishment_id", id.String()))
	}
	return ledger, nil
}
