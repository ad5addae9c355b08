package quota

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/MarcoPoloResearchLab/inspecta/internal/inspections"
)

// DefaultTimezone is the civil timezone in which business weeks are evaluated.
const DefaultTimezone = "America/Lima"

// LoadLocation resolves a timezone name. America/Lima falls back to a fixed UTC-5 zone
// when the zone database is unavailable; Peru observes no daylight saving time.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc, nil
	}
	if name == DefaultTimezone {
		return time.FixedZone(DefaultTimezone, -5*60*60), nil
	}
	return nil, fmt.Errorf("quota: load timezone %q: %w", name, err)
}

// Week is one ISO week, Monday through Sunday, in a civil timezone.
type Week struct {
	ISOYear int
	ISOWeek int
	// Start is Monday 00:00 in the week's timezone.
	Start time.Time
}

// WeekOf returns the ISO week containing t as seen in loc.
func WeekOf(t time.Time, loc *time.Location) Week {
	local := t.In(loc)
	year, week := local.ISOWeek()
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	daysSinceMonday := (int(midnight.Weekday()) + 6) % 7
	return Week{
		ISOYear: year,
		ISOWeek: week,
		Start:   midnight.AddDate(0, 0, -daysSinceMonday),
	}
}

// WeekOfDate returns the ISO week containing a business date.
func WeekOfDate(date inspections.BusinessDate, loc *time.Location) Week {
	return WeekOf(date.Time(loc), loc)
}

// End is Sunday 00:00 of the week.
func (w Week) End() time.Time {
	return w.Start.AddDate(0, 0, 6)
}

// StartDate is the Monday of the week.
func (w Week) StartDate() inspections.BusinessDate {
	return inspections.BusinessDate(w.Start.Format(inspections.DateLayout))
}

// EndDate is the Sunday of the week.
func (w Week) EndDate() inspections.BusinessDate {
	return inspections.BusinessDate(w.End().Format(inspections.DateLayout))
}

// Offset returns the week n weeks after w; negative n moves back.
func (w Week) Offset(n int) Week {
	return WeekOf(w.Start.AddDate(0, 0, 7*n), w.Start.Location())
}

// Before reports whether w precedes other.
func (w Week) Before(other Week) bool {
	if w.ISOYear != other.ISOYear {
		return w.ISOYear < other.ISOYear
	}
	return w.ISOWeek < other.ISOWeek
}

// Same reports whether both values name the same ISO week.
func (w Week) Same(other Week) bool {
	return w.ISOYear == other.ISOYear && w.ISOWeek == other.ISOWeek
}

func (w Week) String() string {
	return fmt.Sprintf("%d-W%02d", w.ISOYear, w.ISOWeek)
}
