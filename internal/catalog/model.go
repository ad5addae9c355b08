package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidEstablishmentID indicates that an establishment identifier is missing or malformed.
	ErrInvalidEstablishmentID = errors.New("catalog: invalid establishment id")
	// ErrEstablishmentNotFound indicates that no establishment row matches the identifier.
	ErrEstablishmentNotFound = errors.New("catalog: establishment not found")
)

// EstablishmentID represents a validated establishment identifier.
type EstablishmentID uint64

// NewEstablishmentID validates raw input and returns an EstablishmentID.
func NewEstablishmentID(rawInput string) (EstablishmentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidEstablishmentID)
	}
	value, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidEstablishmentID, trimmed)
	}
	if value == 0 {
		return 0, fmt.Errorf("%w: zero", ErrInvalidEstablishmentID)
	}
	return EstablishmentID(value), nil
}

// Uint64 exposes the raw identifier.
func (id EstablishmentID) Uint64() uint64 {
	return uint64(id)
}

// String returns the decimal form of the identifier.
func (id EstablishmentID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Establishment models an inspected food or beverage establishment.
type Establishment struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Name       string    `gorm:"column:name;size:255;not null"`
	Address    string    `gorm:"column:address;size:512"`
	TemplateID uint64    `gorm:"column:template_id;not null;index"`
	Active     bool      `gorm:"column:active;not null;default:true"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Establishment) TableName() string {
	return "establishments"
}

// Item is a checklist item of an inspection template.
type Item struct {
	ID               uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	TemplateID       uint64  `gorm:"column:template_id;not null;index:idx_template_items_template,priority:1"`
	Position         int     `gorm:"column:position;not null;default:0;index:idx_template_items_template,priority:2"`
	Description      string  `gorm:"column:description;type:text;not null"`
	BaseMaxScore     int     `gorm:"column:base_max_score;not null"`
	AdjustmentFactor float64 `gorm:"column:adjustment_factor;not null;default:1"`
	RiskLevel        string  `gorm:"column:risk_level;size:32;not null;default:'minor'"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "template_items"
}
