package inspections

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

// Repository reads and writes inspection rows. A Repository bound to a transaction via
// WithTx shares that transaction.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("inspections: %w", errMissingDatabase)
	}
	return &Repository{db: db}, nil
}

// WithTx returns a Repository that runs inside tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

// NewInspection describes an inspection to open.
type NewInspection struct {
	EstablishmentID uint64
	InspectorID     string
	InspectorName   string
	BusinessDate    BusinessDate
}

// CreateInProgress inserts an in_proceso row.
func (r *Repository) CreateInProgress(ctx context.Context, input NewInspection) (Inspection, error) {
	inspection := Inspection{
		Reference:       uuid.NewString(),
		EstablishmentID: input.EstablishmentID,
		Status:          StatusInProgress,
		BusinessDate:    input.BusinessDate,
		InspectorID:     strings.TrimSpace(input.InspectorID),
		InspectorName:   strings.TrimSpace(input.InspectorName),
	}
	if err := r.db.WithContext(ctx).Create(&inspection).Error; err != nil {
		return Inspection{}, err
	}
	return inspection, nil
}

// FindActive returns the newest in_proceso row of the establishment. The row is locked
// for update when the repository runs inside a transaction.
func (r *Repository) FindActive(ctx context.Context, establishmentID uint64) (Inspection, bool, error) {
	var inspection Inspection
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("establishment_id = ? AND status = ?", establishmentID, StatusInProgress).
		Order("id DESC").
		Take(&inspection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Inspection{}, false, nil
	}
	if err != nil {
		return Inspection{}, false, err
	}
	return inspection, true, nil
}

// FindByID loads one row.
func (r *Repository) FindByID(ctx context.Context, id uint64) (Inspection, error) {
	var inspection Inspection
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&inspection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Inspection{}, fmt.Errorf("%w: id %d", ErrInspectionNotFound, id)
	}
	if err != nil {
		return Inspection{}, err
	}
	return inspection, nil
}

// LatestCompleted returns the newest completada row of the establishment.
func (r *Repository) LatestCompleted(ctx context.Context, establishmentID uint64) (Inspection, bool, error) {
	var inspection Inspection
	err := r.db.WithContext(ctx).
		Where("establishment_id = ? AND status = ?", establishmentID, StatusCompleted).
		Order("completed_at DESC, id DESC").
		Take(&inspection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Inspection{}, false, nil
	}
	if err != nil {
		return Inspection{}, false, err
	}
	return inspection, true, nil
}

// ReassignInspector points a non-terminal row at a new inspector.
func (r *Repository) ReassignInspector(ctx context.Context, id uint64, inspectorID, inspectorName string) error {
	return r.updateOpen(ctx, id, map[string]any{
		"inspector_id":   strings.TrimSpace(inspectorID),
		"inspector_name": strings.TrimSpace(inspectorName),
	})
}

// ResetToPending returns an in_proceso row to pending.
func (r *Repository) ResetToPending(ctx context.Context, id uint64) error {
	return r.updateOpen(ctx, id, map[string]any{"status": StatusPending})
}

func (r *Repository) updateOpen(ctx context.Context, id uint64, values map[string]any) error {
	values["updated_at"] = time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&Inspection{}).
		Where("id = ? AND status <> ?", id, StatusCompleted).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.classifyMissing(ctx, id)
	}
	return nil
}

func (r *Repository) classifyMissing(ctx context.Context, id uint64) error {
	inspection, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if inspection.Terminal() {
		return fmt.Errorf("%w: id %d", ErrAlreadyCompleted, id)
	}
	return fmt.Errorf("inspections: inspection %d was not updated", id)
}

// Completion carries the final state written when an inspection is finalized.
type Completion struct {
	InspectorID        string
	InspectorName      string
	TotalScore         int
	MaxPossible        int
	CompliancePct      float64
	CriticalPointsLost int
	Observations       string

	ConfirmedByReviewer      bool
	ConfirmerID              string
	ConfirmerName            string
	ConfirmerRole            string
	ConfirmationSignatureRef string
	ConfirmedAt              *time.Time

	Items       []Item
	CompletedAt time.Time
}

// Complete marks the row completada, stores the scores and replaces its item rows. Run it
// inside a transaction so the status and the items commit together.
func (r *Repository) Complete(ctx context.Context, id uint64, completion Completion) (Inspection, error) {
	completedAt := completion.CompletedAt.UTC()
	if err := r.updateOpen(ctx, id, map[string]any{
		"status":                     StatusCompleted,
		"inspector_id":               strings.TrimSpace(completion.InspectorID),
		"inspector_name":             strings.TrimSpace(completion.InspectorName),
		"total_score":                completion.TotalScore,
		"max_possible":               completion.MaxPossible,
		"compliance_pct":             completion.CompliancePct,
		"critical_points_lost":       completion.CriticalPointsLost,
		"observations":               completion.Observations,
		"confirmed_by_reviewer":      completion.ConfirmedByReviewer,
		"confirmer_id":               completion.ConfirmerID,
		"confirmer_name":             completion.ConfirmerName,
		"confirmer_role":             completion.ConfirmerRole,
		"confirmation_signature_ref": completion.ConfirmationSignatureRef,
		"confirmed_at":               completion.ConfirmedAt,
		"completed_at":               completedAt,
	}); err != nil {
		return Inspection{}, err
	}

	db := r.db.WithContext(ctx)
	if err := db.Where("inspection_id = ?", id).Delete(&Item{}).Error; err != nil {
		return Inspection{}, err
	}
	if len(completion.Items) > 0 {
		rows := make([]Item, len(completion.Items))
		for index, item := range completion.Items {
			item.ID = 0
			item.InspectionID = id
			rows[index] = item
		}
		if err := db.Create(&rows).Error; err != nil {
			return Inspection{}, err
		}
	}
	return r.FindByID(ctx, id)
}

// Items lists the item rows of an inspection ordered by item id.
func (r *Repository) Items(ctx context.Context, inspectionID uint64) ([]Item, error) {
	var items []Item
	err := r.db.WithContext(ctx).
		Where("inspection_id = ?", inspectionID).
		Order("item_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// CountCompletedBetween counts completada rows of the establishment whose business date
// lies in [from, to].
func (r *Repository) CountCompletedBetween(ctx context.Context, establishmentID uint64, from, to BusinessDate) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Inspection{}).
		Where("establishment_id = ? AND status = ? AND business_date >= ? AND business_date <= ?",
			establishmentID, StatusCompleted, from, to).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
