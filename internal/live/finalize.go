package live

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/MarcoPoloResearchLab/inspecta/internal/drafts"
	"github.com/MarcoPoloResearchLab/inspecta/internal/inspections"
	"github.com/MarcoPoloResearchLab/inspecta/internal/quota"
	"github.com/MarcoPoloResearchLab/inspecta/internal/scoring"
	"github.com/MarcoPoloResearchLab/inspecta/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FinalizeInput carries the last ratings submitted with the finalize request. Both
// fields are optional; the stored draft is finalized as is when they are empty.
type FinalizeInput struct {
	Items        drafts.Items
	Observations *string
}

// FinalizationResult describes the completed inspection.
type FinalizationResult struct {
	Inspection inspections.Inspection `json:"inspection"`
	Items      []inspections.Item     `json:"items"`
	Summary    scoring.Summary        `json:"summary"`
	Ledger     quota.Ledger           `json:"ledger"`
}

// Finalize persists the draft as a completada inspection, refreshes the week's realized
// count, clears the draft and broadcasts draft_reset. The status change, the item rows
// and the ledger update commit together; the draft is cleared only after the commit.
func (s *Service) Finalize(ctx context.Context, actor users.Actor, id catalog.EstablishmentID, input FinalizeInput) (FinalizationResult, error) {
	if err := s.authorize(opFinalize, actor, users.CapabilityFinalize); err != nil {
		return FinalizationResult{}, err
	}
	if err := validateRatings(input.Items); err != nil {
		return FinalizationResult{}, err
	}
	itemCatalog, err := s.itemCatalog(ctx, opFinalize, id)
	if err != nil {
		return FinalizationResult{}, err
	}

	unlock := s.locks.Lock(id.Uint64())
	defer unlock()

	fields := zap.String("establishment_id", id.String())
	current, found, err := s.drafts.Get(ctx, id)
	if err != nil {
		return FinalizationResult{}, s.fail(opFinalize, "draft_load_failed", err, fields)
	}
	hasInput := len(input.Items) > 0 || input.Observations != nil
	if !found && !hasInput {
		return FinalizationResult{}, fmt.Errorf("%w: no draft for establishment %s", ErrNotFound, id)
	}

	// The submitted ratings are merged into a local copy; the stored draft changes only
	// after the inspection commits.
	snapshot := current
	if hasInput {
		var base *drafts.Snapshot
		if found {
			base = &current
		}
		snapshot = s.drafts.Preview(id, base, drafts.Patch{
			Items:         input.Items,
			Observations:  input.Observations,
			InspectorID:   actor.ID,
			InspectorName: actor.DisplayName(),
		}, itemCatalog).Snapshot
	}
	if err := validateRatings(snapshot.Items); err != nil {
		return FinalizationResult{}, err
	}

	summary := scoring.ComputeSummary(snapshot.Items.Ratings(), itemCatalog)
	if summary.ItemsRated == 0 {
		return FinalizationResult{}, &ValidationError{Field: "items", Reason: "at least one catalog item must be rated"}
	}
	if s.requireConfirmation && !snapshot.ConfirmedByReviewer {
		return FinalizationResult{}, &ValidationError{Field: "confirmation", Reason: "a reviewer must confirm the draft before it is finalized"}
	}

	completion := inspections.Completion{
		InspectorID:        actor.ID,
		InspectorName:      actor.DisplayName(),
		TotalScore:         summary.TotalScore,
		MaxPossible:        summary.MaxPossible,
		CompliancePct:      summary.CompliancePct,
		CriticalPointsLost: summary.CriticalPointsLost,
		Observations:       snapshot.Observations,
		Items:              completedItems(snapshot.Items, itemCatalog),
		CompletedAt:        s.clock().UTC(),
	}
	if snapshot.ConfirmedByReviewer && snapshot.Confirmation != nil {
		confirmedAt := snapshot.Confirmation.ConfirmedAt
		completion.ConfirmedByReviewer = true
		completion.ConfirmerID = snapshot.Confirmation.ConfirmerID
		completion.ConfirmerName = snapshot.Confirmation.ConfirmerName
		completion.ConfirmerRole = snapshot.Confirmation.ConfirmerRole
		completion.ConfirmationSignatureRef = snapshot.Confirmation.SignatureRef
		completion.ConfirmedAt = &confirmedAt
	}

	var result FinalizationResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockEstablishment(ctx, tx, id); err != nil {
			return err
		}
		repository := s.inspections.WithTx(tx)
		target, err := s.finalizationTarget(ctx, tx, repository, actor, id, snapshot.InspectionID)
		if err != nil {
			return err
		}
		completed, err := repository.Complete(ctx, target.ID, completion)
		if err != nil {
			if errors.Is(err, inspections.ErrAlreadyCompleted) {
				return fmt.Errorf("%w: %v", ErrTerminalState, err)
			}
			return err
		}
		ledger, err := s.quota.WithTx(tx).RecordCompletion(ctx, id.Uint64(), completed.BusinessDate)
		if err != nil {
			return err
		}
		items, err := repository.Items(ctx, completed.ID)
		if err != nil {
			return err
		}
		result = FinalizationResult{Inspection: completed, Items: items, Summary: summary, Ledger: ledger}
		return nil
	})
	if err != nil {
		return FinalizationResult{}, s.fail(opFinalize, "commit_failed", err, fields)
	}

	if found {
		if err := s.drafts.Clear(ctx, id); err != nil {
			s.logger.Warn("finalized draft not cleared",
				fields,
				zap.Uint64("inspection_id", result.Inspection.ID),
				zap.Error(err),
			)
		}
	}
	s.logger.Info("inspection finalized",
		fields,
		zap.Uint64("inspection_id", result.Inspection.ID),
		zap.Int("total_score", summary.TotalScore),
		zap.Int("realized", result.Ledger.Realized),
		zap.Int("meta", result.Ledger.Meta),
	)

	inspection := result.Inspection
	s.publish(id.Uint64(), inspection.ID, EventDraftReset, DraftEvent{
		EstablishmentID: id.Uint64(),
		ActorID:         actor.ID,
		ActorName:       actor.DisplayName(),
		Inspection:      &inspection,
		Summary:         &result.Summary,
	})
	return result, nil
}

// finalizationTarget picks the row to complete: the in_proceso row linked to the draft,
// else the establishment's in_proceso row, else a new row opened through the quota gate.
// A linked row that went back to pending no longer counts as open.
func (s *Service) finalizationTarget(ctx context.Context, tx *gorm.DB, repository *inspections.Repository, actor users.Actor, id catalog.EstablishmentID, linkedID uint64) (inspections.Inspection, error) {
	if linkedID != 0 {
		linked, err := repository.FindByID(ctx, linkedID)
		switch {
		case errors.Is(err, inspections.ErrInspectionNotFound):
		case err != nil:
			return inspections.Inspection{}, err
		case linked.Terminal():
			return inspections.Inspection{}, fmt.Errorf("%w: inspection %d", ErrTerminalState, linked.ID)
		case linked.Status == inspections.StatusInProgress:
			return linked, nil
		}
	}
	active, found, err := repository.FindActive(ctx, id.Uint64())
	if err != nil {
		return inspections.Inspection{}, err
	}
	if found {
		return active, nil
	}
	today := s.quota.Today()
	if err := s.quota.WithTx(tx).EnsureCapacity(ctx, id.Uint64(), today); err != nil {
		return inspections.Inspection{}, err
	}
	return repository.CreateInProgress(ctx, inspections.NewInspection{
		EstablishmentID: id.Uint64(),
		InspectorID:     actor.ID,
		InspectorName:   actor.DisplayName(),
		BusinessDate:    today,
	})
}

// completedItems converts draft entries into item rows. Only catalog items that carry a
// numeric rating or a not-applicable marker are kept.
func completedItems(items drafts.Items, itemCatalog scoring.Catalog) []inspections.Item {
	rows := make([]inspections.Item, 0, len(items))
	for key, entry := range items {
		itemID, ok := scoring.ParseItemKey(key)
		if !ok {
			continue
		}
		if _, known := itemCatalog[itemID]; !known {
			continue
		}
		row := inspections.Item{ItemID: itemID, Note: entry.Note}
		rating, state := scoring.ParseRating(entry.Rating)
		switch state {
		case scoring.RatingNumeric:
			value := rating
			row.Rating = &value
		case scoring.RatingNotApplicable:
		default:
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ItemID < rows[j].ItemID })
	return rows
}
