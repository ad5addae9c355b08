package users

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newDirectory(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:users_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestResolveActorStripsProviderPrefix(t *testing.T) {
	service := newDirectory(t)
	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "rosa@example.com",
		UserDisplayName: "Rosa Quispe",
		UserRoles:       []string{"encargado"},
	}
	actor, err := service.ResolveActor(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if actor.ID != "12345" || actor.Name != "Rosa Quispe" || actor.Role != RoleEncargado {
		t.Fatalf("unexpected actor %#v", actor)
	}

	// second call should hit cache and not create a duplicate record.
	again, err := service.ResolveActor(claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if again != actor {
		t.Fatalf("expected stable actor, got %#v", again)
	}

	stored, found, err := service.Lookup("12345")
	if err != nil || !found {
		t.Fatalf("expected directory entry, found=%v err=%v", found, err)
	}
	if stored.Role != RoleEncargado {
		t.Fatalf("expected stored role encargado, got %s", stored.Role)
	}
}

func TestResolveActorUsesStoredRoleWhenSessionHasNone(t *testing.T) {
	service := newDirectory(t)
	if _, err := service.ResolveActor(auth.SessionClaims{UserID: "inspector-7", UserRoles: []string{"inspector"}}); err != nil {
		t.Fatalf("seed resolve failed: %v", err)
	}
	actor, err := service.ResolveActor(auth.SessionClaims{UserID: "inspector-7"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if actor.Role != RoleInspector || actor.Name != "inspector-7" {
		t.Fatalf("unexpected actor %#v", actor)
	}

	promoted, err := service.ResolveActor(auth.SessionClaims{UserID: "inspector-7", UserRoles: []string{"inspector", "jefe"}})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if promoted.Role != RoleJefe {
		t.Fatalf("expected session role to win, got %s", promoted.Role)
	}
}

func TestResolveActorRequiresRole(t *testing.T) {
	service := newDirectory(t)
	_, err := service.ResolveActor(auth.SessionClaims{UserID: "someone", UserRoles: []string{"viewer"}})
	if !errors.Is(err, ErrMissingRole) {
		t.Fatalf("expected missing role error, got %v", err)
	}
	if _, err := service.ResolveActor(auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	testCases := []struct {
		role       Role
		capability Capability
		allowed    bool
	}{
		{RoleInspector, CapabilityEditDraft, true},
		{RoleInspector, CapabilityTakeOver, true},
		{RoleInspector, CapabilityConfirmDraft, false},
		{RoleInspector, CapabilityConfigureQuota, false},
		{RoleEncargado, CapabilityConfirmDraft, true},
		{RoleEncargado, CapabilityEditDraft, false},
		{RoleJefe, CapabilityConfirmDraft, true},
		{RoleJefe, CapabilityFinalize, false},
		{RoleAdmin, CapabilityConfigureQuota, true},
		{RoleAdmin, CapabilityFinalize, true},
		{RoleAdmin, CapabilityTakeOver, false},
		{RoleAdmin, CapabilityConfirmDraft, false},
		{RoleJefe, CapabilityView, true},
		{Role(""), CapabilityView, false},
	}
	for _, testCase := range testCases {
		if got := Can(testCase.role, testCase.capability); got != testCase.allowed {
			t.Fatalf("Can(%q, %q) = %v, want %v", testCase.role, testCase.capability, got, testCase.allowed)
		}
	}
}

func TestReviewerRolesOnlyConfirm(t *testing.T) {
	for _, role := range []Role{RoleInspector, RoleEncargado, RoleJefe, RoleAdmin} {
		if Can(role, CapabilityConfirmDraft) != role.Reviewer() {
			t.Fatalf("confirm capability of %q disagrees with Reviewer()", role)
		}
		if role.Reviewer() && (Can(role, CapabilityTakeOver) || Can(role, CapabilityDiscardDraft)) {
			t.Fatalf("reviewer role %q must not hand off or discard drafts", role)
		}
	}
}

func TestPrimaryRole(t *testing.T) {
	if role := PrimaryRole([]string{" Inspector ", "ENCARGADO"}); role != RoleEncargado {
		t.Fatalf("expected encargado, got %q", role)
	}
	if role := PrimaryRole([]string{"viewer"}); role != "" {
		t.Fatalf("expected no role, got %q", role)
	}
}
