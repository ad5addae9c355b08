// Package inspections persists inspection rows and their lifecycle status.
package inspections

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an inspection row.
type Status string

const (
	// StatusPending marks a scheduled inspection without an active draft.
	StatusPending Status = "pending"
	// StatusInProgress marks an inspection whose draft is being edited.
	StatusInProgress Status = "in_proceso"
	// StatusCompleted is terminal.
	StatusCompleted Status = "completada"
)

// DateLayout is the storage format of business dates. Lexical order equals date order.
const DateLayout = "2006-01-02"

var (
	// ErrInspectionNotFound indicates that no row matches.
	ErrInspectionNotFound = errors.New("inspections: inspection not found")
	// ErrAlreadyCompleted indicates an attempt to change a completada row.
	ErrAlreadyCompleted = errors.New("inspections: inspection already completed")
	// ErrInvalidBusinessDate indicates a business date that does not parse.
	ErrInvalidBusinessDate = errors.New("inspections: invalid business date")
)

// BusinessDate is a civil date in the inspection timezone.
type BusinessDate string

// NewBusinessDate validates a YYYY-MM-DD date.
func NewBusinessDate(raw string) (BusinessDate, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBusinessDate)
	}
	if _, err := time.Parse(DateLayout, trimmed); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidBusinessDate, raw)
	}
	return BusinessDate(trimmed), nil
}

// BusinessDateOf returns the civil date of t in loc.
func BusinessDateOf(t time.Time, loc *time.Location) BusinessDate {
	return BusinessDate(t.In(loc).Format(DateLayout))
}

// Time returns midnight of the date in loc.
func (d BusinessDate) Time(loc *time.Location) time.Time {
	parsed, err := time.ParseInLocation(DateLayout, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// String returns the YYYY-MM-DD form.
func (d BusinessDate) String() string {
	return string(d)
}

// Inspection is the durable record of one establishment visit.
type Inspection struct {
	ID                       uint64       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Reference                string       `gorm:"column:reference;size:36;uniqueIndex;not null" json:"reference"`
	EstablishmentID          uint64       `gorm:"column:establishment_id;not null;index:idx_inspections_establishment_status,priority:1;index:idx_inspections_establishment_date,priority:1" json:"establishment_id"`
	Status                   Status       `gorm:"column:status;size:32;not null;index:idx_inspections_establishment_status,priority:2" json:"status"`
	BusinessDate             BusinessDate `gorm:"column:business_date;size:10;not null;index:idx_inspections_establishment_date,priority:2" json:"business_date"`
	InspectorID              string       `gorm:"column:inspector_id;size:190;not null" json:"inspector_id"`
	InspectorName            string       `gorm:"column:inspector_name;size:190" json:"inspector_name,omitempty"`
	TotalScore               int          `gorm:"column:total_score;not null;default:0" json:"total_score"`
	MaxPossible              int          `gorm:"column:max_possible;not null;default:0" json:"max_possible"`
	CompliancePct            float64      `gorm:"column:compliance_pct;not null;default:0" json:"compliance_pct"`
	CriticalPointsLost       int          `gorm:"column:critical_points_lost;not null;default:0" json:"critical_points_lost"`
	Observations             string       `gorm:"column:observations;type:text" json:"observations"`
	ConfirmedByReviewer      bool         `gorm:"column:confirmed_by_reviewer;not null;default:false" json:"confirmed_by_reviewer"`
	ConfirmerID              string       `gorm:"column:confirmer_id;size:190" json:"confirmer_id,omitempty"`
	ConfirmerName            string       `gorm:"column:confirmer_name;size:190" json:"confirmer_name,omitempty"`
	ConfirmerRole            string       `gorm:"column:confirmer_role;size:32" json:"confirmer_role,omitempty"`
	ConfirmationSignatureRef string       `gorm:"column:confirmation_signature_ref;size:255" json:"confirmation_signature_ref,omitempty"`
	ConfirmedAt              *time.Time   `gorm:"column:confirmed_at" json:"confirmed_at,omitempty"`
	CompletedAt              *time.Time   `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt                time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt                time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

// TableName binds the model to the inspections table.
func (Inspection) TableName() string {
	return "inspections"
}

// Terminal reports whether the inspection can no longer change.
func (i Inspection) Terminal() bool {
	return i.Status == StatusCompleted
}

// Item is one rated checklist item of a completed inspection.
type Item struct {
	ID           uint64 `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	InspectionID uint64 `gorm:"column:inspection_id;not null;uniqueIndex:idx_inspection_items_item,priority:1" json:"inspection_id"`
	ItemID       uint64 `gorm:"column:item_id;not null;uniqueIndex:idx_inspection_items_item,priority:2" json:"item_id"`
	// Rating is nil for items marked not applicable.
	Rating *int   `gorm:"column:rating" json:"rating"`
	Note   string `gorm:"column:note;type:text" json:"note,omitempty"`
}

// TableName binds the model to the inspection_items table.
func (Item) TableName() string {
	return "inspection_items"
}
