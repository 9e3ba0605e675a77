package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/rentalportal/model"
)

// MemoryEntityStore is an in-memory EntityRepository for tests and local
// development. Entities are copied on the way in and out.
type MemoryEntityStore struct {
	mu       sync.RWMutex
	entities map[string]model.Entity // key: entity ID
}

// NewMemoryEntityStore creates a new in-memory entity store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{entities: make(map[string]model.Entity)}
}

// Get retrieves an entity by ID.
func (s *MemoryEntityStore) Get(_ context.Context, id string) (model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entities[id]
	if !exists {
		return model.Entity{}, model.NewNotFoundError(fmt.Sprintf("entity %q not found", id))
	}
	return e.Clone(), nil
}

// Save inserts or updates an entity with optimistic locking.
func (s *MemoryEntityStore) Save(_ context.Context, e model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.entities[e.ID]
	switch {
	case e.Version == 0 && exists:
		return model.NewConflictError(fmt.Sprintf("entity %q already exists", e.ID))
	case e.Version != 0 && !exists:
		return model.NewNotFoundError(fmt.Sprintf("entity %q not found", e.ID))
	case e.Version != 0 && existing.Version != e.Version:
		return model.NewConflictError(
			fmt.Sprintf("entity %q version conflict (expected %d, got %d)", e.ID, e.Version, existing.Version),
		)
	}

	stored := e.Clone()
	stored.Version = e.Version + 1
	s.entities[e.ID] = stored
	return nil
}

// List returns entities matching filters, newest first.
func (s *MemoryEntityStore) List(_ context.Context, filters model.EntityFilters) ([]model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entity
	for _, e := range s.entities {
		if filters.Kind != "" && e.Kind != filters.Kind {
			continue
		}
		if filters.State != "" && e.State != filters.State {
			continue
		}
		result = append(result, e.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Entity{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Len returns the total number of entities. For testing.
func (s *MemoryEntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}
