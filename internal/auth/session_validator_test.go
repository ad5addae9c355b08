package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "app_session"
	testSessionUserID        = "inspector-123"
	testSessionUserEmail     = "inspector@example.com"
)

func signTestToken(t *testing.T, claims SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) SessionClaims {
	return SessionClaims{
		UserID:    testSessionUserID,
		UserEmail: testSessionUserEmail,
		UserRoles: []string{"inspector"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	claims, err := validator.ValidateToken(signTestToken(t, validClaims(clockNow)))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
	if len(claims.UserRoles) != 1 || claims.UserRoles[0] != "inspector" {
		t.Fatalf("unexpected roles: %v", claims.UserRoles)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	claims := validClaims(clockNow)
	claims.IssuedAt = jwt.NewNumericDate(clockNow.Add(-2 * time.Hour))
	claims.NotBefore = nil
	claims.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))

	if _, err := validator.ValidateToken(signTestToken(t, claims)); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignIssuer(t *testing.T) {
	clockNow := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	claims := validClaims(clockNow)
	claims.Issuer = "someone-else"
	if _, err := validator.ValidateToken(signTestToken(t, claims)); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/establishments/1/draft", http.NoBody)
	request.AddCookie(&http.Cookie{
		Name:  testSessionCookieName,
		Value: signTestToken(t, validClaims(time.Now())),
	})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorValidateRequestUsesBearer(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/establishments/1/draft", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signTestToken(t, validClaims(time.Now())))
	if _, err := validator.ValidateRequest(request); err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	request.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for basic scheme, got %v", err)
	}

	empty := httptest.NewRequest(http.MethodGet, "/establishments/1/draft", http.NoBody)
	if _, err := validator.ValidateRequest(empty); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}
