// Package approval issues and redeems delegated approval tokens: single-use
// bearer credentials that let an approver without an account decide on one
// artifact. Only a SHA-256 hash of each token is persisted.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/acadflow/model"
)

// Transition is a compare-and-set request on a pending token.
type Transition struct {
	To        model.TokenStatus
	At        time.Time
	DecidedBy string
	Comment   string
}

// Store persists approval tokens.
type Store interface {
	// Create persists a new token. Returns CONFLICT if the hash is taken.
	Create(ctx context.Context, t model.ApprovalToken) error

	// GetByHash returns the token whose hash matches.
	GetByHash(ctx context.Context, hash string) (model.ApprovalToken, error)

	// Transition atomically moves the token from pending to tr.To, provided
	// it has not expired at tr.At. It returns TOKEN_ALREADY_USED when the
	// token is no longer pending and TOKEN_EXPIRED when it expired first.
	Transition(ctx context.Context, id string, tr Transition) (model.ApprovalToken, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]model.ApprovalToken
	byHash map[string]string
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]model.ApprovalToken),
		byHash: make(map[string]string),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, t model.ApprovalToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[t.TokenHash]; exists {
		return model.NewConflictError("approval token already exists")
	}
	if _, exists := s.byID[t.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("approval token %q already exists", t.ID))
	}
	s.byID[t.ID] = t
	s.byHash[t.TokenHash] = t.ID
	return nil
}

// GetByHash implements Store.
func (s *MemoryStore) GetByHash(_ context.Context, hash string) (model.ApprovalToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[hash]
	if !ok {
		return model.ApprovalToken{}, model.NewNotFoundError("approval token not found")
	}
	return s.byID[id], nil
}

// Transition implements Store.
func (s *MemoryStore) Transition(_ context.Context, id string, tr Transition) (model.ApprovalToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return model.ApprovalToken{}, model.NewNotFoundError(fmt.Sprintf("approval token %q not found", id))
	}
	if t.Status.Terminal() {
		return model.ApprovalToken{}, model.NewTokenAlreadyUsedError()
	}
	if t.Expired(tr.At) {
		return model.ApprovalToken{}, model.NewTokenExpiredError()
	}

	at := tr.At
	t.Status = tr.To
	t.DecidedAt = &at
	t.DecidedBy = tr.DecidedBy
	t.Comment = tr.Comment
	s.byID[id] = t
	return t, nil
}

// Len returns the number of stored tokens.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
