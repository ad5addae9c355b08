package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/auth"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrMissingRole indicates that neither the session nor the directory names a role.
	ErrMissingRole = errors.New("users: role required")
)

// ServiceConfig describes the dependencies required for actor resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service keeps the actor directory and resolves session claims into actors.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveActor returns the actor behind the session claims, recording the identity on
// first sight. A role carried by the session wins over the stored one and is persisted.
func (s *Service) ResolveActor(claims auth.SessionClaims) (Actor, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Actor{}, ErrInvalidIdentity
	}
	claimedRole := PrimaryRole(claims.UserRoles)
	cacheKey := provider + ":" + subject

	if cached, ok := s.cache.Load(cacheKey); ok {
		if actor, ok := cached.(Actor); ok && (claimedRole == "" || claimedRole == actor.Role) {
			return actor, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			Role:        claimedRole,
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Actor{}, err
		}
	case err != nil:
		return Actor{}, err
	default:
		updates := map[string]interface{}{}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if claimedRole != "" && claimedRole != identity.Role {
			updates["user_role"] = claimedRole
			identity.Role = claimedRole
		}
		updates["last_seen_at"] = s.now()
		if err := s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			return Actor{}, err
		}
	}

	if !identity.Role.Valid() {
		return Actor{}, fmt.Errorf("%w: %s", ErrMissingRole, identity.UserID)
	}
	actor := Actor{
		ID:   identity.UserID,
		Name: firstNonEmpty(identity.DisplayName, identity.Email, identity.UserID),
		Role: identity.Role,
	}
	s.cache.Store(cacheKey, actor)
	return actor, nil
}

// Lookup returns the directory entry of a user id.
func (s *Service) Lookup(userID string) (Actor, bool, error) {
	var identity Identity
	err := s.db.Where("user_id = ?", normalize(userID)).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Actor{}, false, nil
	}
	if err != nil {
		return Actor{}, false, err
	}
	return Actor{
		ID:   identity.UserID,
		Name: firstNonEmpty(identity.DisplayName, identity.Email, identity.UserID),
		Role: identity.Role,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
