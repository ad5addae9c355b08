package drafts

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
)

type memoryEntry struct {
	mu       sync.Mutex
	snapshot *Snapshot
	removed  bool
}

// MemoryRepository keeps drafts in process memory behind one lock per establishment.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[catalog.EstablishmentID]*memoryEntry
}

// NewMemoryRepository constructs an empty in-process repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[catalog.EstablishmentID]*memoryEntry)}
}

// Load returns a copy of the stored snapshot or nil.
func (r *MemoryRepository) Load(_ context.Context, id catalog.EstablishmentID) (*Snapshot, error) {
	r.mu.Lock()
	entry := r.entries[id]
	r.mu.Unlock()
	if entry == nil {
		return nil, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed || entry.snapshot == nil {
		return nil, nil
	}
	copied := entry.snapshot.Clone()
	return &copied, nil
}

// Mutate runs the mutation while holding the establishment's lock.
func (r *MemoryRepository) Mutate(ctx context.Context, id catalog.EstablishmentID, mutation Mutation) (*Snapshot, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		entry := r.entryFor(id)
		entry.mu.Lock()
		if entry.removed {
			// Deleted while we were waiting; look the key up again.
			entry.mu.Unlock()
			continue
		}
		result, written, err := r.mutateLocked(id, entry, mutation)
		entry.mu.Unlock()
		return result, written, err
	}
}

func (r *MemoryRepository) mutateLocked(id catalog.EstablishmentID, entry *memoryEntry, mutation Mutation) (*Snapshot, bool, error) {
	var current *Snapshot
	if entry.snapshot != nil {
		copied := entry.snapshot.Clone()
		current = &copied
	}

	next, err := mutation(current)
	if err != nil {
		r.dropIfEmptyLocked(id, entry)
		return nil, false, err
	}
	if next == nil {
		r.dropIfEmptyLocked(id, entry)
		return current, false, nil
	}

	stored := next.Clone()
	entry.snapshot = &stored
	result := stored.Clone()
	return &result, true, nil
}

// dropIfEmptyLocked removes entries that were created for a mutation that wrote nothing.
func (r *MemoryRepository) dropIfEmptyLocked(id catalog.EstablishmentID, entry *memoryEntry) {
	if entry.snapshot != nil {
		return
	}
	entry.removed = true
	r.mu.Lock()
	if r.entries[id] == entry {
		delete(r.entries, id)
	}
	r.mu.Unlock()
}

// Delete removes the establishment's snapshot.
func (r *MemoryRepository) Delete(_ context.Context, id catalog.EstablishmentID) error {
	r.mu.Lock()
	entry := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	entry.removed = true
	entry.snapshot = nil
	entry.mu.Unlock()
	return nil
}

// Close drops every stored snapshot.
func (r *MemoryRepository) Close() error {
	r.mu.Lock()
	r.entries = make(map[catalog.EstablishmentID]*memoryEntry)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) entryFor(id catalog.EstablishmentID) *memoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		entry = &memoryEntry{}
		r.entries[id] = entry
	}
	return entry
}
