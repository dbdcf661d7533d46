package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/acadflow/model"
)

type activityKey struct {
	studentID string
	wt        model.WorkflowType
}

// MemoryActivityStore is an in-memory ActivityStore for tests and
// single-instance deployments.
type MemoryActivityStore struct {
	mu         sync.RWMutex
	activities map[activityKey]model.WorkflowActivity
	byID       map[string]activityKey
	events     map[string][]model.ActivityEvent // key: activity ID
	now        func() time.Time
}

// NewMemoryActivityStore creates a new in-memory activity store.
func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{
		activities: make(map[activityKey]model.WorkflowActivity),
		byID:       make(map[string]activityKey),
		events:     make(map[string][]model.ActivityEvent),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new activity.
func (s *MemoryActivityStore) Create(_ context.Context, a model.WorkflowActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activityKey{a.StudentID, a.WorkflowType}
	if _, exists := s.activities[key]; exists {
		return model.NewConflictError(
			fmt.Sprintf("student %q already has a %s activity", a.StudentID, a.WorkflowType),
		)
	}
	if _, exists := s.byID[a.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("activity %q already exists", a.ID))
	}

	s.activities[key] = cloneActivity(a)
	s.byID[a.ID] = key
	return nil
}

// Get retrieves the activity for a student and workflow type.
func (s *MemoryActivityStore) Get(_ context.Context, studentID string, wt model.WorkflowType) (model.WorkflowActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.activities[activityKey{studentID, wt}]
	if !exists {
		return model.WorkflowActivity{}, model.NewNotFoundError(
			fmt.Sprintf("no %s activity for student %q", wt, studentID),
		)
	}
	return cloneActivity(a), nil
}

// Update persists a changed activity with optimistic locking.
func (s *MemoryActivityStore) Update(_ context.Context, a model.WorkflowActivity) (model.WorkflowActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activityKey{a.StudentID, a.WorkflowType}
	existing, exists := s.activities[key]
	if !exists || existing.ID != a.ID {
		return model.WorkflowActivity{}, model.NewNotFoundError(
			fmt.Sprintf("activity %q not found", a.ID),
		)
	}

	if existing.Version != a.Version {
		return model.WorkflowActivity{}, model.NewConflictError(
			fmt.Sprintf("activity %q version conflict (expected %d, got %d)", a.ID, a.Version, existing.Version),
		)
	}

	a.Version++
	a.UpdatedAt = s.now()
	s.activities[key] = cloneActivity(a)
	return cloneActivity(a), nil
}

// AppendEvent adds an event to the activity's audit trail.
func (s *MemoryActivityStore) AppendEvent(_ context.Context, event model.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.Data = clonePayload(event.Data)
	s.events[event.ActivityID] = append(s.events[event.ActivityID], event)
	return nil
}

// GetEvents retrieves all events for an activity, ordered by timestamp.
// Events with equal timestamps keep their append order.
func (s *MemoryActivityStore) GetEvents(_ context.Context, activityID string) ([]model.ActivityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.byID[activityID]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("activity %q not found", activityID))
	}

	events := s.events[activityID]
	result := make([]model.ActivityEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// List returns activities matching the filters.
func (s *MemoryActivityStore) List(_ context.Context, filters ActivityFilters) ([]model.WorkflowActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowActivity
	for _, a := range s.activities {
		if filters.match(a) {
			result = append(result, cloneActivity(a))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowActivity{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Len returns the total number of activities.
func (s *MemoryActivityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activities)
}
