package quota

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/inspections"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Wednesday 2026-03-04 12:00 in Lima, ISO week 10.
var testNow = time.Date(2026, 3, 4, 17, 0, 0, 0, time.UTC)

type quotaFixture struct {
	db          *gorm.DB
	service     *Service
	inspections *inspections.Repository
}

func newQuotaFixture(t *testing.T, defaultMeta int) quotaFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:quota_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Ledger{}, &Setting{}, &inspections.Inspection{}, &inspections.Item{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	location, err := LoadLocation(DefaultTimezone)
	if err != nil {
		t.Fatalf("failed to load timezone: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:    db,
		DefaultMeta: defaultMeta,
		Location:    location,
		Clock: func() time.Time {
			return testNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	repository, err := inspections.NewRepository(db)
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	return quotaFixture{db: db, service: service, inspections: repository}
}

func (f quotaFixture) seedInspection(t *testing.T, establishmentID uint64, date inspections.BusinessDate, completed bool) {
	t.Helper()
	ctx := context.Background()
	created, err := f.inspections.CreateInProgress(ctx, inspections.NewInspection{
		EstablishmentID: establishmentID,
		InspectorID:     "inspector-x",
		BusinessDate:    date,
	})
	if err != nil {
		t.Fatalf("failed to seed inspection: %v", err)
	}
	if !completed {
		return
	}
	if _, err := f.inspections.Complete(ctx, created.ID, inspections.Completion{InspectorID: "inspector-x", CompletedAt: testNow}); err != nil {
		t.Fatalf("failed to complete inspection: %v", err)
	}
}

func TestWeekOfUsesLimaCivilTime(t *testing.T) {
	location, err := LoadLocation(DefaultTimezone)
	if err != nil {
		t.Fatalf("failed to load timezone: %v", err)
	}

	// Sunday 23:30 in Lima is already Monday in UTC.
	sundayNight := time.Date(2026, 3, 9, 4, 30, 0, 0, time.UTC)
	week := WeekOf(sundayNight, location)
	if week.ISOWeek != 10 || week.ISOYear != 2026 {
		t.Fatalf("expected week 10/2026, got %s", week)
	}
	if week.StartDate() != "2026-03-02" || week.EndDate() != "2026-03-08" {
		t.Fatalf("unexpected bounds %s..%s", week.StartDate(), week.EndDate())
	}

	newYear := WeekOfDate("2027-01-01", location)
	if newYear.ISOYear != 2026 || newYear.ISOWeek != 53 || newYear.StartDate() != "2026-12-28" {
		t.Fatalf("expected 2026-W53 starting 2026-12-28, got %s starting %s", newYear, newYear.StartDate())
	}
	if next := newYear.Offset(1); next.ISOYear != 2027 || next.ISOWeek != 1 {
		t.Fatalf("expected 2027-W01 after 2026-W53, got %s", next)
	}
}

func TestEnsureCapacityRejectsWhenMetaReached(t *testing.T) {
	fixture := newQuotaFixture(t, 3)
	ctx := context.Background()
	for _, date := range []inspections.BusinessDate{"2026-03-02", "2026-03-03", "2026-03-04"} {
		fixture.seedInspection(t, 4, date, true)
	}
	fixture.seedInspection(t, 4, "2026-02-27", true)

	err := fixture.service.EnsureCapacity(ctx, 4, "2026-03-04")
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected exceeded error, got %v", err)
	}
	if exceeded.Realized != 3 || exceeded.Meta != 3 {
		t.Fatalf("unexpected counts %d/%d", exceeded.Realized, exceeded.Meta)
	}
	if exceeded.WeekStart != "2026-03-02" || exceeded.WeekEnd != "2026-03-08" || exceeded.ISOWeek != 10 {
		t.Fatalf("unexpected week bounds %#v", exceeded)
	}

	exceeds, err := fixture.service.WouldExceed(ctx, 4, "2026-03-09")
	if err != nil || exceeds {
		t.Fatalf("expected capacity in the following week, exceeds=%v err=%v", exceeds, err)
	}
}

func TestInProgressInspectionsDoNotCountAsRealized(t *testing.T) {
	fixture := newQuotaFixture(t, 3)
	ctx := context.Background()
	fixture.seedInspection(t, 4, "2026-03-02", true)
	fixture.seedInspection(t, 4, "2026-03-03", true)
	fixture.seedInspection(t, 4, "2026-03-03", false)
	fixture.seedInspection(t, 4, "2026-03-04", false)

	if err := fixture.service.EnsureCapacity(ctx, 4, "2026-03-04"); err != nil {
		t.Fatalf("expected open inspections to be ignored, got %v", err)
	}
	usage, err := fixture.service.Usage(ctx, 4, "2026-03-04")
	if err != nil {
		t.Fatalf("usage failed: %v", err)
	}
	if usage.Realized != 2 {
		t.Fatalf("expected realized 2, got %d", usage.Realized)
	}
}

func TestDefaultMetaChangesNeverTouchPastWeeks(t *testing.T) {
	fixture := newQuotaFixture(t, 3)
	ctx := context.Background()
	current := fixture.service.CurrentWeek()

	past, err := fixture.service.GetOrCreate(ctx, 4, current.Offset(-1))
	if err != nil {
		t.Fatalf("get or create past failed: %v", err)
	}
	if _, err := fixture.service.GetOrCreate(ctx, 4, current); err != nil {
		t.Fatalf("get or create current failed: %v", err)
	}

	updated, err := fixture.service.SetDefaultMeta(ctx, 5, true)
	if err != nil {
		t.Fatalf("set default meta failed: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected one current-week row to be re-meta'd, got %d", updated)
	}

	reloadedPast, err := fixture.service.GetOrCreate(ctx, 4, current.Offset(-1))
	if err != nil {
		t.Fatalf("reload past failed: %v", err)
	}
	if reloadedPast.Meta != past.Meta || reloadedPast.Meta != 3 {
		t.Fatalf("past week meta must stay frozen at 3, got %d", reloadedPast.Meta)
	}
	reloadedCurrent, _ := fixture.service.GetOrCreate(ctx, 4, current)
	if reloadedCurrent.Meta != 5 {
		t.Fatalf("expected current week meta 5, got %d", reloadedCurrent.Meta)
	}

	if _, err := fixture.service.SetDefaultMeta(ctx, 7, false); err != nil {
		t.Fatalf("set default meta failed: %v", err)
	}
	reloadedCurrent, _ = fixture.service.GetOrCreate(ctx, 4, current)
	if reloadedCurrent.Meta != 5 {
		t.Fatalf("current week must keep meta 5 without an explicit request, got %d", reloadedCurrent.Meta)
	}
	future, err := fixture.service.GetOrCreate(ctx, 4, current.Offset(2))
	if err != nil {
		t.Fatalf("get or create future failed: %v", err)
	}
	if future.Meta != 7 {
		t.Fatalf("expected future week to use the new default 7, got %d", future.Meta)
	}

	if _, err := fixture.service.SetDefaultMeta(ctx, -1, false); !errors.Is(err, ErrInvalidMeta) {
		t.Fatalf("expected invalid meta, got %v", err)
	}
}

func TestOverrideWeekMetaAffectsOnlyOneEstablishment(t *testing.T) {
	fixture := newQuotaFixture(t, 3)
	ctx := context.Background()
	current := fixture.service.CurrentWeek()
	if _, err := fixture.service.GetOrCreate(ctx, 5, current); err != nil {
		t.Fatalf("get or create failed: %v", err)
	}

	ledger, err := fixture.service.OverrideWeekMeta(ctx, 4, 1)
	if err != nil {
		t.Fatalf("override failed: %v", err)
	}
	if ledger.Meta != 1 || ledger.ISOWeek != current.ISOWeek {
		t.Fatalf("unexpected ledger %#v", ledger)
	}
	other, _ := fixture.service.GetOrCreate(ctx, 5, current)
	if other.Meta != 3 {
		t.Fatalf("expected other establishment to keep meta 3, got %d", other.Meta)
	}
}

func TestRecordCompletionRecountsRealized(t *testing.T) {
	fixture := newQuotaFixture(t, 3)
	ctx := context.Background()
	fixture.seedInspection(t, 4, "2026-03-02", true)
	fixture.seedInspection(t, 4, "2026-03-05", true)

	ledger, err := fixture.service.RecordCompletion(ctx, 4, "2026-03-05")
	if err != nil {
		t.Fatalf("record completion failed: %v", err)
	}
	if ledger.Realized != 2 {
		t.Fatalf("expected realized 2, got %d", ledger.Realized)
	}

	var stored Ledger
	if err := fixture.db.Where("id = ?", ledger.ID).Take(&stored).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Realized != 2 {
		t.Fatalf("expected stored realized 2, got %d", stored.Realized)
	}
}

func TestWeeklyPlanPastWeekIsProvisionalWithoutRow(t *testing.T) {
	fixture := newQuotaFixture(t, 3)
	ctx := context.Background()
	fixture.seedInspection(t, 4, "2026-02-24", true)

	plan, err := fixture.service.WeeklyPlan(ctx, 4, -1)
	if err != nil {
		t.Fatalf("weekly plan failed: %v", err)
	}
	if !plan.Provisional || plan.IsCurrentWeek || plan.Meta != 3 || plan.Realized != 1 || plan.Remaining != 2 {
		t.Fatalf("unexpected plan %#v", plan)
	}
	var count int64
	if err := fixture.db.Model(&Ledger{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("past week plan must not create ledger rows, found %d", count)
	}

	currentPlan, err := fixture.service.WeeklyPlan(ctx, 4, 0)
	if err != nil {
		t.Fatalf("weekly plan failed: %v", err)
	}
	if currentPlan.Provisional || !currentPlan.IsCurrentWeek || currentPlan.WeekStart != "2026-03-02" {
		t.Fatalf("unexpected current plan %#v", currentPlan)
	}
}
