package deadline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/acadflow/model"
)

// Store persists deadline records.
type Store interface {
	// Get returns the deadline with the given ID or NOT_FOUND.
	Get(ctx context.Context, id string) (model.Deadline, error)

	// Put inserts a new deadline (empty ID) or replaces an existing one with
	// optimistic locking on Version. The stored record is returned.
	Put(ctx context.Context, d model.Deadline) (model.Deadline, error)

	// List returns all deadlines ordered by effective instant.
	List(ctx context.Context) ([]model.Deadline, error)
}

// MemoryStore is an in-memory Store for tests and single-instance use.
type MemoryStore struct {
	mu        sync.RWMutex
	deadlines map[string]model.Deadline
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory deadline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deadlines: make(map[string]model.Deadline),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a deadline by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Deadline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deadlines[id]
	if !ok {
		return model.Deadline{}, model.NewNotFoundError(fmt.Sprintf("deadline %q not found", id))
	}
	return d, nil
}

// Put validates and stores d.
func (s *MemoryStore) Put(_ context.Context, d model.Deadline) (model.Deadline, error) {
	if err := d.Validate(); err != nil {
		return model.Deadline{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if existing, ok := s.deadlines[d.ID]; ok {
		if existing.Version != d.Version {
			return model.Deadline{}, model.NewConflictError(
				fmt.Sprintf("deadline %q version conflict (expected %d, got %d)", d.ID, d.Version, existing.Version),
			)
		}
	} else {
		d.Version = 0
	}
	d.Version++
	d.UpdatedAt = s.now()
	s.deadlines[d.ID] = d
	return d, nil
}

// List returns all deadlines ordered by effective instant, undated last.
func (s *MemoryStore) List(_ context.Context) ([]model.Deadline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Deadline, 0, len(s.deadlines))
	for _, d := range s.deadlines {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		ei, oki := out[i].EffectiveAt()
		ej, okj := out[j].EffectiveAt()
		if oki != okj {
			return oki
		}
		if !ei.Equal(ej) {
			return ei.Before(ej)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
