// Package mapping links deadlines to the workflow steps and document
// subtypes they govern, and resolves the governing deadline for a step.
package mapping

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/acadflow/model"
)

// Store persists deadline-to-workflow mappings. (workflowType, stepKey,
// documentSubtype) is unique.
type Store interface {
	// Put inserts a mapping (empty ID) or updates an existing one. A second
	// row for the same (type, step, subtype) returns CONFLICT.
	Put(ctx context.Context, m model.DeadlineWorkflowMapping) (model.DeadlineWorkflowMapping, error)

	// ForStep returns every mapping, active or not, for a workflow step.
	ForStep(ctx context.Context, wt model.WorkflowType, stepKey string) ([]model.DeadlineWorkflowMapping, error)

	// List returns all mappings.
	List(ctx context.Context) ([]model.DeadlineWorkflowMapping, error)
}

type identity struct {
	wt      model.WorkflowType
	step    string
	subtype string
}

func identityOf(m model.DeadlineWorkflowMapping) identity {
	return identity{m.WorkflowType, m.StepKey, m.DocumentSubtype}
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]model.DeadlineWorkflowMapping
	unique map[identity]string
}

// NewMemoryStore creates an empty in-memory mapping store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]model.DeadlineWorkflowMapping),
		unique: make(map[identity]string),
	}
}

// Put validates and stores m.
func (s *MemoryStore) Put(_ context.Context, m model.DeadlineWorkflowMapping) (model.DeadlineWorkflowMapping, error) {
	if err := m.Validate(); err != nil {
		return model.DeadlineWorkflowMapping{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if owner, taken := s.unique[identityOf(m)]; taken && owner != m.ID {
		return model.DeadlineWorkflowMapping{}, model.NewConflictError(
			fmt.Sprintf("a mapping for %s/%s subtype %q already exists", m.WorkflowType, m.StepKey, m.DocumentSubtype),
		)
	}
	if prev, ok := s.byID[m.ID]; ok {
		delete(s.unique, identityOf(prev))
		m.CreatedAt = prev.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	s.byID[m.ID] = m
	s.unique[identityOf(m)] = m.ID
	return m, nil
}

// ForStep returns mappings for a workflow step ordered by subtype.
func (s *MemoryStore) ForStep(_ context.Context, wt model.WorkflowType, stepKey string) ([]model.DeadlineWorkflowMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DeadlineWorkflowMapping
	for _, m := range s.byID {
		if m.WorkflowType == wt && m.StepKey == stepKey {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentSubtype < out[j].DocumentSubtype })
	return out, nil
}

// List returns all mappings ordered by workflow type, step and subtype.
func (s *MemoryStore) List(_ context.Context) ([]model.DeadlineWorkflowMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.DeadlineWorkflowMapping, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.WorkflowType != b.WorkflowType {
			return a.WorkflowType < b.WorkflowType
		}
		if a.StepKey != b.StepKey {
			return a.StepKey < b.StepKey
		}
		return a.DocumentSubtype < b.DocumentSubtype
	})
	return out, nil
}
