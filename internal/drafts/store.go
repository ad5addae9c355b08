// Package drafts holds the live, not yet finalized scoring state of each
// establishment's inspection and enforces the reviewer confirmation gate on it.
package drafts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/MarcoPoloResearchLab/inspecta/internal/scoring"
	"go.uber.org/zap"
)

var (
	// ErrDraftNotFound indicates that the establishment has no draft.
	ErrDraftNotFound = errors.New("drafts: draft not found")
	// ErrInvalidConfirmation indicates a confirmation without a confirmer.
	ErrInvalidConfirmation = errors.New("drafts: invalid confirmation")

	errMissingRepository = errors.New("draft repository is required")
	noOpLogger           = zap.NewNop()
)

// AlreadyConfirmedError is returned when a reviewer tries to confirm a draft that has
// already been confirmed since its last edit.
type AlreadyConfirmedError struct {
	EstablishmentID catalog.EstablishmentID
	ConfirmerID     string
	ConfirmerName   string
	ConfirmerRole   string
	ConfirmedAt     time.Time
}

func (e *AlreadyConfirmedError) Error() string {
	name := e.ConfirmerName
	if name == "" {
		name = e.ConfirmerID
	}
	return fmt.Sprintf("drafts: draft for establishment %s already confirmed by %s at %s",
		e.EstablishmentID, name, e.ConfirmedAt.Format(time.RFC3339))
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Repository Repository
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store applies edits, confirmations and hand-offs to drafts kept in a Repository.
type Store struct {
	repository Repository
	clock      func() time.Time
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("drafts: %w", errMissingRepository)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{repository: cfg.Repository, clock: clock, logger: logger}, nil
}

// Patch describes one edit submitted by an inspector.
type Patch struct {
	// Items are merged into the stored items. An entry with neither rating nor note
	// removes the item.
	Items Items
	// ReplaceItems makes Items the complete item set instead of a merge.
	ReplaceItems bool
	// Observations replaces the observations when non-nil.
	Observations  *string
	InspectorID   string
	InspectorName string
	// InspectionID links the draft to its persisted inspection row when non-zero.
	InspectionID uint64
}

// UpsertResult reports the outcome of an edit.
type UpsertResult struct {
	Snapshot Snapshot
	// Changed is true when the draft was created or its items or observations changed.
	Changed bool
	// ConfirmationCleared is true when the edit invalidated a reviewer confirmation.
	ConfirmationCleared bool
}

// Get returns the establishment's draft.
func (s *Store) Get(ctx context.Context, id catalog.EstablishmentID) (Snapshot, bool, error) {
	snapshot, err := s.repository.Load(ctx, id)
	if err != nil {
		return Snapshot{}, false, err
	}
	if snapshot == nil {
		return Snapshot{}, false, nil
	}
	return *snapshot, true, nil
}

// Upsert merges the patch into the establishment's draft, creating it when absent.
// Submitting content equal to the stored content writes nothing and keeps any
// confirmation; a real change recomputes the summary and clears the confirmation.
func (s *Store) Upsert(ctx context.Context, id catalog.EstablishmentID, patch Patch, itemCatalog scoring.Catalog) (UpsertResult, error) {
	var outcome UpsertResult
	snapshot, written, err := s.repository.Mutate(ctx, id, func(current *Snapshot) (*Snapshot, error) {
		var next *Snapshot
		next, outcome = s.apply(id, current, patch, itemCatalog)
		return next, nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	if snapshot != nil {
		outcome.Snapshot = *snapshot
	}
	if !written {
		outcome.Changed = false
		outcome.ConfirmationCleared = false
	}
	return outcome, nil
}

// Preview returns what Upsert would store for the patch without writing anything.
// current is nil when the establishment has no draft.
func (s *Store) Preview(id catalog.EstablishmentID, current *Snapshot, patch Patch, itemCatalog scoring.Catalog) UpsertResult {
	next, outcome := s.apply(id, current, patch, itemCatalog)
	switch {
	case next != nil:
		outcome.Snapshot = *next
	case current != nil:
		outcome.Snapshot = current.Clone()
	}
	return outcome
}

// apply computes the snapshot following the patch. A nil snapshot means nothing changes.
func (s *Store) apply(id catalog.EstablishmentID, current *Snapshot, patch Patch, itemCatalog scoring.Catalog) (*Snapshot, UpsertResult) {
	incoming, blank := normalizeEntries(patch.Items)
	var observations *string
	if patch.Observations != nil {
		trimmed := strings.TrimSpace(*patch.Observations)
		observations = &trimmed
	}

	var outcome UpsertResult
	now := s.clock().UTC()

	var next Snapshot
	if current == nil {
		next = Snapshot{
			EstablishmentID: id,
			Items:           Items{},
			CreatedAt:       now,
		}
	} else {
		next = current.Clone()
	}

	merged := mergeContent(next.Content(), incoming, blank, patch.ReplaceItems, observations)
	contentChanged := current == nil || !merged.Equal(current.Content())
	linked := patch.InspectionID != 0 && next.InspectionID != patch.InspectionID
	adopted := next.ContributingInspectorID == "" && patch.InspectorID != ""
	if !contentChanged && !linked && !adopted {
		return nil, outcome
	}

	if linked {
		next.InspectionID = patch.InspectionID
	}
	if adopted {
		next.ContributingInspectorID = patch.InspectorID
		next.ContributingInspectorName = patch.InspectorName
	}
	if contentChanged {
		next.Items = merged.Items
		next.Observations = merged.Observations
		next.Summary = scoring.ComputeSummary(next.Items.Ratings(), itemCatalog)
		if next.ConfirmedByReviewer {
			next.clearConfirmation()
			outcome.ConfirmationCleared = true
		}
		outcome.Changed = true
	}
	next.Revision++
	next.UpdatedAt = now
	return &next, outcome
}

// Confirm records the reviewer confirmation. The check and the write happen in one
// repository mutation, so of two racing reviewers exactly one succeeds and the other
// receives an *AlreadyConfirmedError naming the winner.
func (s *Store) Confirm(ctx context.Context, id catalog.EstablishmentID, confirmation Confirmation) (Snapshot, error) {
	confirmation.ConfirmerID = strings.TrimSpace(confirmation.ConfirmerID)
	if confirmation.ConfirmerID == "" {
		return Snapshot{}, fmt.Errorf("%w: missing confirmer id", ErrInvalidConfirmation)
	}
	confirmation.SignatureRef = strings.TrimSpace(confirmation.SignatureRef)

	snapshot, _, err := s.repository.Mutate(ctx, id, func(current *Snapshot) (*Snapshot, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: establishment %s", ErrDraftNotFound, id)
		}
		if current.ConfirmedByReviewer && current.Confirmation != nil {
			return nil, &AlreadyConfirmedError{
				EstablishmentID: id,
				ConfirmerID:     current.Confirmation.ConfirmerID,
				ConfirmerName:   current.Confirmation.ConfirmerName,
				ConfirmerRole:   current.Confirmation.ConfirmerRole,
				ConfirmedAt:     current.Confirmation.ConfirmedAt,
			}
		}
		next := current.Clone()
		stamped := confirmation
		stamped.ConfirmedAt = s.clock().UTC()
		next.ConfirmedByReviewer = true
		next.Confirmation = &stamped
		next.Revision++
		next.UpdatedAt = stamped.ConfirmedAt
		return &next, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return *snapshot, nil
}

// Reassign points the draft at a new contributing inspector, keeping items,
// observations and confirmation untouched. It reports false when the inspector
// already owns the draft.
func (s *Store) Reassign(ctx context.Context, id catalog.EstablishmentID, inspectorID, inspectorName string) (Snapshot, bool, error) {
	inspectorID = strings.TrimSpace(inspectorID)
	snapshot, written, err := s.repository.Mutate(ctx, id, func(current *Snapshot) (*Snapshot, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: establishment %s", ErrDraftNotFound, id)
		}
		if current.ContributingInspectorID == inspectorID {
			return nil, nil
		}
		next := current.Clone()
		next.ContributingInspectorID = inspectorID
		next.ContributingInspectorName = inspectorName
		next.Revision++
		next.UpdatedAt = s.clock().UTC()
		return &next, nil
	})
	if err != nil {
		return Snapshot{}, false, err
	}
	return *snapshot, written, nil
}

// Clear deletes the establishment's draft.
func (s *Store) Clear(ctx context.Context, id catalog.EstablishmentID) error {
	if err := s.repository.Delete(ctx, id); err != nil {
		s.logger.Error("draft clear failed", zap.String("establishment_id", id.String()), zap.Error(err))
		return err
	}
	return nil
}

func mergeContent(base Content, incoming Items, blank []string, replace bool, observations *string) Content {
	merged := Content{Observations: base.Observations}
	if observations != nil {
		merged.Observations = *observations
	}
	if replace {
		merged.Items = incoming.clone()
		return merged
	}
	merged.Items = base.Items.clone()
	for _, key := range blank {
		delete(merged.Items, key)
	}
	for key, entry := range incoming {
		merged.Items[key] = entry
	}
	return merged
}
