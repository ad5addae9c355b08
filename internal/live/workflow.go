package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/MarcoPoloResearchLab/inspecta/internal/drafts"
	"github.com/MarcoPoloResearchLab/inspecta/internal/inspections"
	"github.com/MarcoPoloResearchLab/inspecta/internal/quota"
	"github.com/MarcoPoloResearchLab/inspecta/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StartResult reports the in_proceso inspection of an establishment.
type StartResult struct {
	Inspection inspections.Inspection `json:"inspection"`
	// Created is false when an in_proceso inspection already existed.
	Created bool `json:"created"`
}

// StartInspection opens an in_proceso inspection for the business date, or returns the
// one already open. Opening a new inspection is refused with *quota.ExceededError once
// the week's meta is reached. An empty businessDate means today.
func (s *Service) StartInspection(ctx context.Context, actor users.Actor, id catalog.EstablishmentID, businessDate string) (StartResult, error) {
	if err := s.authorize(opStartInspection, actor, users.CapabilityEditDraft); err != nil {
		return StartResult{}, err
	}
	date := s.quota.Today()
	if businessDate != "" {
		parsed, err := inspections.NewBusinessDate(businessDate)
		if err != nil {
			return StartResult{}, &ValidationError{Field: "business_date", Reason: "expected YYYY-MM-DD", Err: err}
		}
		date = parsed
	}
	if _, err := s.establishment(ctx, opStartInspection, id); err != nil {
		return StartResult{}, err
	}

	unlock := s.locks.Lock(id.Uint64())
	defer unlock()

	inspection, created, err := s.openInspection(ctx, opStartInspection, actor, id, date)
	if err != nil {
		return StartResult{}, err
	}
	if !created {
		return StartResult{Inspection: inspection}, nil
	}

	snapshot, found, err := s.drafts.Get(ctx, id)
	if err != nil {
		return StartResult{}, s.fail(opStartInspection, "draft_load_failed", err, zap.String("establishment_id", id.String()))
	}
	if found && snapshot.InspectionID != inspection.ID {
		if _, err := s.drafts.Upsert(ctx, id, drafts.Patch{InspectionID: inspection.ID}, nil); err != nil {
			return StartResult{}, s.fail(opStartInspection, "draft_link_failed", err, zap.String("establishment_id", id.String()))
		}
	}

	s.publish(id.Uint64(), inspection.ID, EventInspectionStarted, DraftEvent{
		EstablishmentID: id.Uint64(),
		ActorID:         actor.ID,
		ActorName:       actor.DisplayName(),
		Inspection:      &inspection,
	})
	return StartResult{Inspection: inspection, Created: true}, nil
}

// openInspection returns the establishment's in_proceso row, creating one after the
// quota gate passes. Callers hold the establishment lock.
func (s *Service) openInspection(ctx context.Context, operation string, actor users.Actor, id catalog.EstablishmentID, date inspections.BusinessDate) (inspections.Inspection, bool, error) {
	var (
		inspection inspections.Inspection
		created    bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockEstablishment(ctx, tx, id); err != nil {
			return err
		}
		repository := s.inspections.WithTx(tx)
		active, found, err := repository.FindActive(ctx, id.Uint64())
		if err != nil {
			return err
		}
		if found {
			inspection = active
			return nil
		}
		if err := s.quota.WithTx(tx).EnsureCapacity(ctx, id.Uint64(), date); err != nil {
			return err
		}
		inspection, err = repository.CreateInProgress(ctx, inspections.NewInspection{
			EstablishmentID: id.Uint64(),
			InspectorID:     actor.ID,
			InspectorName:   actor.DisplayName(),
			BusinessDate:    date,
		})
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			s.logger.Info("inspection blocked by weekly meta",
				zap.String("establishment_id", id.String()),
				zap.Int("realized", exceeded.Realized),
				zap.Int("meta", exceeded.Meta),
			)
		}
		return inspections.Inspection{}, false, s.fail(operation, "open_inspection_failed", err, zap.String("establishment_id", id.String()))
	}
	return inspection, created, nil
}

// DraftEdit is one inspector edit.
type DraftEdit struct {
	Items        drafts.Items
	ReplaceItems bool
	Observations *string
}

// EditResult reports the draft after an edit.
type EditResult struct {
	Draft               drafts.Snapshot `json:"draft"`
	Changed             bool            `json:"changed"`
	ConfirmationCleared bool            `json:"confirmation_cleared"`
}

// EditDraft applies an inspector edit and broadcasts the new draft when it changed. The
// first edit of an establishment without a draft or an open inspection passes the quota
// gate and opens the inspection.
func (s *Service) EditDraft(ctx context.Context, actor users.Actor, id catalog.EstablishmentID, edit DraftEdit) (EditResult, error) {
	if err := s.authorize(opEditDraft, actor, users.CapabilityEditDraft); err != nil {
		return EditResult{}, err
	}
	if err := validateRatings(edit.Items); err != nil {
		return EditResult{}, err
	}
	itemCatalog, err := s.itemCatalog(ctx, opEditDraft, id)
	if err != nil {
		return EditResult{}, err
	}

	unlock := s.locks.Lock(id.Uint64())
	defer unlock()

	current, found, err := s.drafts.Get(ctx, id)
	if err != nil {
		return EditResult{}, s.fail(opEditDraft, "draft_load_failed", err, zap.String("establishment_id", id.String()))
	}
	if found && current.InspectionID != 0 {
		stale, err := s.staleLink(ctx, current.InspectionID)
		if err != nil {
			return EditResult{}, s.fail(opEditDraft, "inspection_load_failed", err, zap.String("establishment_id", id.String()))
		}
		if stale {
			s.logger.Warn("clearing draft linked to a closed inspection",
				zap.String("establishment_id", id.String()),
				zap.Uint64("inspection_id", current.InspectionID),
			)
			if err := s.drafts.Clear(ctx, id); err != nil {
				return EditResult{}, s.fail(opEditDraft, "draft_clear_failed", err, zap.String("establishment_id", id.String()))
			}
			current, found = drafts.Snapshot{}, false
		}
	}

	inspectionID := current.InspectionID
	var started *inspections.Inspection
	if !found || inspectionID == 0 {
		inspection, created, err := s.openInspection(ctx, opEditDraft, actor, id, s.quota.Today())
		if err != nil {
			return EditResult{}, err
		}
		inspectionID = inspection.ID
		if created {
			started = &inspection
		}
	}

	result, err := s.drafts.Upsert(ctx, id, drafts.Patch{
		Items:         edit.Items,
		ReplaceItems:  edit.ReplaceItems,
		Observations:  edit.Observations,
		InspectorID:   actor.ID,
		InspectorName: actor.DisplayName(),
		InspectionID:  inspectionID,
	}, itemCatalog)
	if err != nil {
		return EditResult{}, s.fail(opEditDraft, "draft_upsert_failed", err, zap.String("establishment_id", id.String()))
	}

	if started != nil {
		s.publish(id.Uint64(), started.ID, EventInspectionStarted, DraftEvent{
			EstablishmentID: id.Uint64(),
			ActorID:         actor.ID,
			ActorName:       actor.DisplayName(),
			Inspection:      started,
		})
	}
	if result.Changed {
		snapshot := result.Snapshot
		s.publish(id.Uint64(), snapshot.InspectionID, EventDraftUpdated, DraftEvent{
			EstablishmentID:     id.Uint64(),
			ActorID:             actor.ID,
			ActorName:           actor.DisplayName(),
			Draft:               &snapshot,
			Summary:             &snapshot.Summary,
			ConfirmationCleared: result.ConfirmationCleared,
		})
	}
	return EditResult{
		Draft:               result.Snapshot,
		Changed:             result.Changed,
		ConfirmationCleared: result.ConfirmationCleared,
	}, nil
}

// staleLink reports whether the linked inspection is gone or no longer in_proceso. Such
// a draft outlived a finalize or discard whose cleanup failed.
func (s *Service) staleLink(ctx context.Context, inspectionID uint64) (bool, error) {
	linked, err := s.inspections.FindByID(ctx, inspectionID)
	if errors.Is(err, inspections.ErrInspectionNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return linked.Status != inspections.StatusInProgress, nil
}

// GetDraft returns the establishment's draft; found is false when none exists.
func (s *Service) GetDraft(ctx context.Context, actor users.Actor, id catalog.EstablishmentID) (drafts.Snapshot, bool, error) {
	if err := s.authorize(opGetDraft, actor, users.CapabilityView); err != nil {
		return drafts.Snapshot{}, false, err
	}
	snapshot, found, err := s.drafts.Get(ctx, id)
	if err != nil {
		return drafts.Snapshot{}, false, s.fail(opGetDraft, "draft_load_failed", err, zap.String("establishment_id", id.String()))
	}
	return snapshot, found, nil
}

// ConfirmDraft records the reviewer's co-signature. Of two racing reviewers exactly one
// succeeds; the other receives *drafts.AlreadyConfirmedError naming the winner.
func (s *Service) ConfirmDraft(ctx context.Context, actor users.Actor, id catalog.EstablishmentID, signatureRef string) (drafts.Snapshot, error) {
	if err := s.authorize(opConfirmDraft, actor, users.CapabilityConfirmDraft); err != nil {
		return drafts.Snapshot{}, err
	}

	unlock := s.locks.Lock(id.Uint64())
	defer unlock()

	snapshot, err := s.drafts.Confirm(ctx, id, drafts.Confirmation{
		ConfirmerID:   actor.ID,
		ConfirmerName: actor.DisplayName(),
		ConfirmerRole: string(actor.Role),
		SignatureRef:  signatureRef,
	})
	if err != nil {
		var already *drafts.AlreadyConfirmedError
		switch {
		case errors.As(err, &already):
			s.logger.Info("draft already confirmed",
				zap.String("establishment_id", id.String()),
				zap.String("confirmer_id", already.ConfirmerID),
				zap.String("rejected_actor_id", actor.ID),
			)
			return drafts.Snapshot{}, err
		case errors.Is(err, drafts.ErrDraftNotFound):
			return drafts.Snapshot{}, fmt.Errorf("%w: no draft for establishment %s", ErrNotFound, id)
		case errors.Is(err, drafts.ErrInvalidConfirmation):
			return drafts.Snapshot{}, &ValidationError{Field: "confirmer", Reason: "confirmer is required", Err: err}
		}
		return drafts.Snapshot{}, s.fail(opConfirmDraft, "confirm_failed", err, zap.String("establishment_id", id.String()))
	}

	s.publish(id.Uint64(), snapshot.InspectionID, EventDraftConfirmed, DraftEvent{
		EstablishmentID: id.Uint64(),
		ActorID:         actor.ID,
		ActorName:       actor.DisplayName(),
		Draft:           &snapshot,
	})
	return snapshot, nil
}

// TakeOverResult reports a hand-off.
type TakeOverResult struct {
	Draft               *drafts.Snapshot        `json:"draft,omitempty"`
	Inspection          *inspections.Inspection `json:"inspection,omitempty"`
	PreviousInspectorID string                  `json:"previous_inspector_id"`
	Changed             bool                    `json:"changed"`
}

// TakeOver makes the actor the contributing inspector of the establishment's open draft
// and inspection row. Items, observations and any confirmation are kept.
func (s *Service) TakeOver(ctx context.Context, actor users.Actor, id catalog.EstablishmentID) (TakeOverResult, error) {
	if err := s.authorize(opTakeOver, actor, users.CapabilityTakeOver); err != nil {
		return TakeOverResult{}, err
	}

	unlock := s.locks.Lock(id.Uint64())
	defer unlock()

	fields := zap.String("establishment_id", id.String())
	snapshot, hasDraft, err := s.drafts.Get(ctx, id)
	if err != nil {
		return TakeOverResult{}, s.fail(opTakeOver, "draft_load_failed", err, fields)
	}

	var (
		active    inspections.Inspection
		hasActive bool
	)
	if hasDraft && snapshot.InspectionID != 0 {
		linked, err := s.inspections.FindByID(ctx, snapshot.InspectionID)
		switch {
		case errors.Is(err, inspections.ErrInspectionNotFound):
		case err != nil:
			return TakeOverResult{}, s.fail(opTakeOver, "inspection_load_failed", err, fields)
		case linked.Terminal():
			return TakeOverResult{}, fmt.Errorf("%w: inspection %d", ErrTerminalState, linked.ID)
		default:
			active, hasActive = linked, true
		}
	}
	if !hasActive {
		active, hasActive, err = s.inspections.FindActive(ctx, id.Uint64())
		if err != nil {
			return TakeOverResult{}, s.fail(opTakeOver, "inspection_load_failed", err, fields)
		}
	}
	if !hasDraft && !hasActive {
		latest, completed, err := s.inspections.LatestCompleted(ctx, id.Uint64())
		if err != nil {
			return TakeOverResult{}, s.fail(opTakeOver, "inspection_load_failed", err, fields)
		}
		if completed {
			return TakeOverResult{}, fmt.Errorf("%w: inspection %d of establishment %s", ErrTerminalState, latest.ID, id)
		}
		return TakeOverResult{}, fmt.Errorf("%w: no open draft for establishment %s", ErrNotFound, id)
	}

	previous := active.InspectorID
	if hasDraft && snapshot.ContributingInspectorID != "" {
		previous = snapshot.ContributingInspectorID
	}
	result := TakeOverResult{PreviousInspectorID: previous}
	if hasDraft {
		result.Draft = &snapshot
	}
	if hasActive {
		result.Inspection = &active
	}
	if previous == actor.ID {
		return result, nil
	}

	if hasActive {
		if err := s.inspections.ReassignInspector(ctx, active.ID, actor.ID, actor.DisplayName()); err != nil {
			if errors.Is(err, inspections.ErrAlreadyCompleted) {
				return TakeOverResult{}, fmt.Errorf("%w: %v", ErrTerminalState, err)
			}
			return TakeOverResult{}, s.fail(opTakeOver, "inspection_reassign_failed", err, fields)
		}
		active.InspectorID = actor.ID
		active.InspectorName = actor.DisplayName()
	}
	if hasDraft {
		reassigned, _, err := s.drafts.Reassign(ctx, id, actor.ID, actor.DisplayName())
		if err != nil {
			return TakeOverResult{}, s.fail(opTakeOver, "draft_reassign_failed", err, fields)
		}
		result.Draft = &reassigned
	}
	result.Changed = true

	var inspectionID uint64
	if hasActive {
		inspectionID = active.ID
	}
	s.logger.Info("draft handed off",
		fields,
		zap.String("previous_inspector_id", previous),
		zap.String("inspector_id", actor.ID),
	)
	s.publish(id.Uint64(), inspectionID, EventDraftHandoff, DraftEvent{
		EstablishmentID:     id.Uint64(),
		ActorID:             actor.ID,
		ActorName:           actor.DisplayName(),
		Draft:               result.Draft,
		Inspection:          result.Inspection,
		PreviousInspectorID: previous,
	})
	return result, nil
}

// DiscardDraft drops the establishment's draft and returns its open inspection to
// pending.
func (s *Service) DiscardDraft(ctx context.Context, actor users.Actor, id catalog.EstablishmentID) error {
	if err := s.authorize(opDiscardDraft, actor, users.CapabilityDiscardDraft); err != nil {
		return err
	}

	unlock := s.locks.Lock(id.Uint64())
	defer unlock()

	fields := zap.String("establishment_id", id.String())
	snapshot, hasDraft, err := s.drafts.Get(ctx, id)
	if err != nil {
		return s.fail(opDiscardDraft, "draft_load_failed", err, fields)
	}
	active, hasActive, err := s.inspections.FindActive(ctx, id.Uint64())
	if err != nil {
		return s.fail(opDiscardDraft, "inspection_load_failed", err, fields)
	}
	if !hasDraft && !hasActive {
		return fmt.Errorf("%w: no draft for establishment %s", ErrNotFound, id)
	}

	if hasActive {
		if err := s.inspections.ResetToPending(ctx, active.ID); err != nil {
			if errors.Is(err, inspections.ErrAlreadyCompleted) {
				return fmt.Errorf("%w: %v", ErrTerminalState, err)
			}
			return s.fail(opDiscardDraft, "inspection_reset_failed", err, fields)
		}
	}
	if hasDraft {
		if err := s.drafts.Clear(ctx, id); err != nil {
			return s.fail(opDiscardDraft, "draft_clear_failed", err, fields)
		}
	}

	inspectionID := snapshot.InspectionID
	if hasActive {
		inspectionID = active.ID
	}
	s.publish(id.Uint64(), inspectionID, EventDraftDiscarded, DraftEvent{
		EstablishmentID: id.Uint64(),
		ActorID:         actor.ID,
		ActorName:       actor.DisplayName(),
	})
	return nil
}
