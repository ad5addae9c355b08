package drafts

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
)

// ErrContention indicates that an optimistic update kept losing races and gave up.
var ErrContention = errors.New("drafts: too much contention on draft")

// Mutation computes the next snapshot from the current one. current is nil when no
// draft exists. Returning a nil snapshot and a nil error leaves the entry untouched.
// A Mutation may run more than once and must not have side effects.
type Mutation func(current *Snapshot) (*Snapshot, error)

// Repository stores at most one snapshot per establishment. Implementations linearize
// Mutate calls per establishment so no reader ever observes a partially written snapshot.
type Repository interface {
	Load(ctx context.Context, id catalog.EstablishmentID) (*Snapshot, error)
	// Mutate applies the mutation atomically and returns the resulting snapshot (the
	// current one when nothing was written) and whether a write happened.
	Mutate(ctx context.Context, id catalog.EstablishmentID, mutation Mutation) (*Snapshot, bool, error)
	Delete(ctx context.Context, id catalog.EstablishmentID) error
	Close() error
}
