// Package quota keeps the weekly inspection target per establishment and gates new
// inspections once the target is reached.
package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/inspections"
)

const settingDefaultMeta = "default_meta"

var (
	// ErrInvalidMeta indicates a negative meta.
	ErrInvalidMeta = errors.New("quota: invalid meta")
)

// Ledger is the target and completion count of one establishment in one ISO week.
// Meta is frozen when the row is created.
type Ledger struct {
	ID              uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	EstablishmentID uint64    `gorm:"column:establishment_id;not null;uniqueIndex:idx_quota_ledgers_week,priority:1" json:"establishment_id"`
	ISOYear         int       `gorm:"column:iso_year;not null;uniqueIndex:idx_quota_ledgers_week,priority:2" json:"iso_year"`
	ISOWeek         int       `gorm:"column:iso_week;not null;uniqueIndex:idx_quota_ledgers_week,priority:3" json:"iso_week"`
	Meta            int       `gorm:"column:meta;not null" json:"meta"`
	Realized        int       `gorm:"column:realized;not null;default:0" json:"realized"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName binds the model to the quota_ledgers table.
func (Ledger) TableName() string {
	return "quota_ledgers"
}

// Setting is a named integer parameter of the quota configuration.
type Setting struct {
	Key       string    `gorm:"column:name;primaryKey;size:64"`
	IntValue  int       `gorm:"column:int_value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName binds the model to the quota_settings table.
func (Setting) TableName() string {
	return "quota_settings"
}

// DefaultMetaSetting returns the settings row seeded at installation.
func DefaultMetaSetting(meta int) Setting {
	return Setting{Key: settingDefaultMeta, IntValue: meta, UpdatedAt: time.Now().UTC()}
}

// ExceededError rejects a new inspection because the week's meta is reached.
type ExceededError struct {
	EstablishmentID uint64
	WeekStart       inspections.BusinessDate
	WeekEnd         inspections.BusinessDate
	ISOWeek         int
	ISOYear         int
	Realized        int
	Meta            int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: establishment %d reached its meta for week %d/%d (%s to %s): %d of %d inspections completed",
		e.EstablishmentID, e.ISOWeek, e.ISOYear, e.WeekStart, e.WeekEnd, e.Realized, e.Meta)
}

// Usage is the meta and live completion count of one establishment week.
type Usage struct {
	EstablishmentID uint64
	Week            Week
	Meta            int
	Realized        int
}

// Reached reports whether no further inspection may be started.
func (u Usage) Reached() bool {
	return u.Realized >= u.Meta
}

func (u Usage) exceeded() *ExceededError {
	return &ExceededError{
		EstablishmentID: u.EstablishmentID,
		WeekStart:       u.Week.StartDate(),
		WeekEnd:         u.Week.EndDate(),
		ISOWeek:         u.Week.ISOWeek,
		ISOYear:         u.Week.ISOYear,
		Realized:        u.Realized,
		Meta:            u.Meta,
	}
}

// Plan is the weekly plan view of one establishment.
type Plan struct {
	EstablishmentID uint64                   `json:"establishment_id"`
	ISOWeek         int                      `json:"iso_week"`
	ISOYear         int                      `json:"iso_year"`
	WeekStart       inspections.BusinessDate `json:"week_start"`
	WeekEnd         inspections.BusinessDate `json:"week_end"`
	Meta            int                      `json:"meta"`
	Realized        int                      `json:"realized"`
	Remaining       int                      `json:"remaining"`
	Exceeded        bool                     `json:"exceeded"`
	IsCurrentWeek   bool                     `json:"is_current_week"`
	// Provisional is set for past weeks without a ledger row; Meta then shows the
	// current default.
	Provisional bool `json:"provisional"`
}
