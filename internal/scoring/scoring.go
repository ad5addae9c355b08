// Package scoring computes inspection summaries from item ratings and catalog metadata.
package scoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// RiskLevel classifies catalog items by sanitary risk.
type RiskLevel string

const (
	// RiskCritical marks items whose shortfalls count as critical points lost.
	RiskCritical RiskLevel = "critical"
	// RiskMajor marks items with a major but non-critical risk.
	RiskMajor RiskLevel = "major"
	// RiskMinor marks low risk items.
	RiskMinor RiskLevel = "minor"
)

const compliancePrecision = 2

var (
	// ErrInvalidRating indicates a rating that is neither numeric nor a not-applicable marker.
	ErrInvalidRating = errors.New("scoring: invalid rating")

	oneHundred           = decimal.NewFromInt(100)
	notApplicableMarkers = map[string]struct{}{
		"n/a":       {},
		"na":        {},
		"no aplica": {},
		"no_aplica": {},
	}
	sentinelItemKeys = map[string]struct{}{
		"undefined": {},
		"null":      {},
		"nan":       {},
	}
)

// ParseRiskLevel normalizes stored risk labels, accepting the Spanish labels used by
// the municipal catalogs.
func ParseRiskLevel(raw string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "critico", "crítico", "alto":
		return RiskCritical
	case "major", "mayor", "medio":
		return RiskMajor
	default:
		return RiskMinor
	}
}

// ItemMetadata describes how a catalog item is scored.
type ItemMetadata struct {
	ItemID           uint64
	BaseMaxScore     int
	AdjustmentFactor float64
	RiskLevel        RiskLevel
}

// EffectiveMax returns the integer-truncated ceiling for the item. A non-positive
// factor is treated as unset.
func (m ItemMetadata) EffectiveMax() int {
	factor := m.AdjustmentFactor
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		factor = 1
	}
	return int(decimal.NewFromInt(int64(m.BaseMaxScore)).Mul(decimal.NewFromFloat(factor)).IntPart())
}

// Critical reports whether shortfalls on this item are critical points lost.
func (m ItemMetadata) Critical() bool {
	return m.RiskLevel == RiskCritical
}

// Catalog maps item identifiers to their scoring metadata.
type Catalog map[uint64]ItemMetadata

// RawRating is a rating exactly as entered on the form. JSON numbers, strings and null
// all decode into it.
type RawRating string

// UnmarshalJSON accepts numbers, strings and null.
func (r *RawRating) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*r = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*r = RawRating(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRating, string(trimmed))
	}
	*r = RawRating(number.String())
	return nil
}

// RatingState classifies a raw rating.
type RatingState int

const (
	// RatingUnrated means no value was entered.
	RatingUnrated RatingState = iota
	// RatingNumeric means the value parsed as a non-negative integer.
	RatingNumeric
	// RatingNotApplicable means the inspector marked the item as not applicable.
	RatingNotApplicable
	// RatingMalformed means the value could not be interpreted.
	RatingMalformed
)

// ParseRating interprets a raw rating.
func ParseRating(raw RawRating) (int, RatingState) {
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return 0, RatingUnrated
	}
	if _, ok := notApplicableMarkers[strings.ToLower(value)]; ok {
		return 0, RatingNotApplicable
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		if parsed < 0 {
			return 0, RatingMalformed
		}
		return parsed, RatingNumeric
	}
	parsedFloat, err := strconv.ParseFloat(value, 64)
	if err != nil || parsedFloat < 0 || parsedFloat != math.Trunc(parsedFloat) || parsedFloat > math.MaxInt32 {
		return 0, RatingMalformed
	}
	return int(parsedFloat), RatingNumeric
}

// ValidateRating returns ErrInvalidRating for malformed values.
func ValidateRating(raw RawRating) error {
	if _, state := ParseRating(raw); state == RatingMalformed {
		return fmt.Errorf("%w: %q", ErrInvalidRating, string(raw))
	}
	return nil
}

// ParseItemKey converts a form item key into a catalog identifier. Sentinel keys such
// as "undefined" and non-numeric keys are rejected.
func ParseItemKey(raw string) (uint64, bool) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return 0, false
	}
	if _, sentinel := sentinelItemKeys[strings.ToLower(key)]; sentinel {
		return 0, false
	}
	id, err := strconv.ParseUint(key, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// Summary aggregates the score of an inspection.
type Summary struct {
	TotalScore         int     `json:"total_score"`
	MaxPossible        int     `json:"max_possible"`
	CompliancePct      float64 `json:"compliance_pct"`
	CriticalPointsLost int     `json:"critical_points_lost"`
	ItemsRated         int     `json:"items_rated"`
	ItemsTotal         int     `json:"items_total"`
}

// ComputeSummary scores the rated items against the catalog. Keys that do not name a
// catalog item and ratings that are not numeric are skipped. Ratings count as entered;
// the adjustment factor only scales the ceiling they are judged against.
func ComputeSummary(ratings map[string]RawRating, catalog Catalog) Summary {
	summary := Summary{ItemsTotal: len(catalog)}
	for rawKey, rawRating := range ratings {
		itemID, ok := ParseItemKey(rawKey)
		if !ok {
			continue
		}
		metadata, ok := catalog[itemID]
		if !ok {
			continue
		}
		rating, state := ParseRating(rawRating)
		if state != RatingNumeric {
			continue
		}
		effectiveMax := metadata.EffectiveMax()
		summary.ItemsRated++
		summary.TotalScore += rating
		summary.MaxPossible += effectiveMax
		if metadata.Critical() && rating < effectiveMax {
			summary.CriticalPointsLost += effectiveMax - rating
		}
	}
	summary.CompliancePct = CompliancePercentage(summary.TotalScore, summary.MaxPossible)
	return summary
}

// CompliancePercentage returns total/max*100 rounded to two decimals, or zero when
// nothing is scorable.
func CompliancePercentage(total, maxPossible int) float64 {
	if maxPossible <= 0 {
		return 0
	}
	pct := decimal.NewFromInt(int64(total)).
		Mul(oneHundred).
		Div(decimal.NewFromInt(int64(maxPossible))).
		Round(compliancePrecision)
	return pct.InexactFloat64()
}
