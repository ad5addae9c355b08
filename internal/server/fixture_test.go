package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/auth"
	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/MarcoPoloResearchLab/inspecta/internal/drafts"
	"github.com/MarcoPoloResearchLab/inspecta/internal/inspections"
	"github.com/MarcoPoloResearchLab/inspecta/internal/live"
	"github.com/MarcoPoloResearchLab/inspecta/internal/quota"
	"github.com/MarcoPoloResearchLab/inspecta/internal/realtime"
	"github.com/MarcoPoloResearchLab/inspecta/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
)

// Wednesday 2026-03-04 12:00 in Lima.
var testNow = time.Date(2026, 3, 4, 17, 0, 0, 0, time.UTC)

type apiFixture struct {
	handler       http.Handler
	hub           *realtime.Hub
	establishment uint64
}

func newAPIFixture(t *testing.T, defaultMeta int, logger *zap.Logger) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&catalog.Establishment{},
		&catalog.Item{},
		&inspections.Inspection{},
		&inspections.Item{},
		&quota.Ledger{},
		&quota.Setting{},
		&users.Identity{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	establishment := catalog.Establishment{Name: "Juguería San Martín", TemplateID: 1, Active: true}
	if err := db.Create(&establishment).Error; err != nil {
		t.Fatalf("failed to seed establishment: %v", err)
	}
	items := []catalog.Item{
		{ID: 1, TemplateID: 1, Position: 1, Description: "Refrigeración de frutas", BaseMaxScore: 4, AdjustmentFactor: 1, RiskLevel: "critico"},
		{ID: 2, TemplateID: 1, Position: 2, Description: "Lavado de manos", BaseMaxScore: 2, AdjustmentFactor: 1, RiskLevel: "menor"},
	}
	if err := db.Create(&items).Error; err != nil {
		t.Fatalf("failed to seed items: %v", err)
	}

	clock := func() time.Time { return testNow }
	catalogRepository, err := catalog.NewRepository(catalog.RepositoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct catalog: %v", err)
	}
	inspectionRepository, err := inspections.NewRepository(db)
	if err != nil {
		t.Fatalf("failed to construct inspections: %v", err)
	}
	quotaService, err := quota.NewService(quota.ServiceConfig{Database: db, DefaultMeta: defaultMeta, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct quota: %v", err)
	}
	store, err := drafts.NewStore(drafts.StoreConfig{Repository: drafts.NewMemoryRepository(), Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct draft store: %v", err)
	}
	hub := realtime.NewHub(realtime.HubConfig{Clock: clock})
	liveService, err := live.NewService(live.ServiceConfig{
		Database:    db,
		Drafts:      store,
		Catalog:     catalogRepository,
		Inspections: inspectionRepository,
		Quota:       quotaService,
		Publisher:   hub,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to construct live service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users: %v", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		Actors:            directory,
		Live:              liveService,
		Hub:               hub,
		HeartbeatInterval: time.Second,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return apiFixture{handler: handler, hub: hub, establishment: establishment.ID}
}

func signSession(t *testing.T, userID, displayName, role string, expiresAt time.Time) string {
	t.Helper()
	claims := auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: displayName,
		UserRoles:       []string{role},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}
	return signed
}

func sessionFor(t *testing.T, userID, displayName, role string) string {
	t.Helper()
	return signSession(t, userID, displayName, role, time.Now().Add(time.Hour))
}

func (f apiFixture) path(suffix string) string {
	return fmt.Sprintf("/establishments/%d%s", f.establishment, suffix)
}

func (f apiFixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}
