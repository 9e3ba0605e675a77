package lifecycle

import (
	"context"

	"github.com/pitabwire/rentalportal/model"
)

// EntityRepository persists entities together with their timelines.
type EntityRepository interface {
	// Get retrieves an entity by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, id string) (model.Entity, error)

	// Save persists e with optimistic locking. An entity with Version 0 is
	// inserted and stored at version 1; any other entity must match the
	// stored version and is stored at Version+1. Returns CONFLICT on a
	// version mismatch or a duplicate insert.
	Save(ctx context.Context, e model.Entity) error

	// List returns entities matching filters, newest first.
	List(ctx context.Context, filters model.EntityFilters) ([]model.Entity, error)
}
