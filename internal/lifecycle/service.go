package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/rentalportal/internal/observability"
	"github.com/pitabwire/rentalportal/model"
)

// Service owns the load, transition and save cycle for entities. Each entity
// is exclusively owned by the mutation in flight on it: a second mutation
// arriving meanwhile fails with CONCURRENT_SUBMIT instead of interleaving.
type Service struct {
	machine *Machine
	repo    EntityRepository
	ids     IdGenerator
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewService creates a lifecycle service. logger and metrics may be nil.
func NewService(
	machine *Machine,
	repo EntityRepository,
	ids IdGenerator,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ids == nil {
		ids = UUIDGenerator{}
	}
	return &Service{
		machine:  machine,
		repo:     repo,
		ids:      ids,
		logger:   logger,
		metrics:  metrics,
		inflight: make(map[string]struct{}),
	}
}

// Machine returns the underlying state machine.
func (s *Service) Machine() *Machine {
	return s.machine
}

// Create mints a new entity of kind in its initial state and persists it.
func (s *Service) Create(ctx context.Context, kind model.EntityKind, attributes map[string]any) (e model.Entity, err error) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.Create",
		observability.AttrEntityKind.String(string(kind)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	e, err = s.machine.Create(kind, s.ids.NewID(kind), attributes)
	if err != nil {
		return model.Entity{}, err
	}
	if err := s.repo.Save(ctx, e); err != nil {
		return model.Entity{}, repositoryError("save entity", err)
	}
	e.Version = 1

	s.metrics.RecordEntityCreated(string(kind))
	observability.RequestLogger(ctx, s.logger).Info("entity created",
		zap.String("entity_id", e.ID),
		zap.String("kind", string(kind)),
		zap.String("state", string(e.State)),
	)
	return e, nil
}

// Get returns the entity with the given ID.
func (s *Service) Get(ctx context.Context, id string) (model.Entity, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Entity{}, repositoryError("load entity", err)
	}
	return e, nil
}

// List returns entities matching filters.
func (s *Service) List(ctx context.Context, filters model.EntityFilters) ([]model.Entity, error) {
	entities, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, repositoryError("list entities", err)
	}
	return entities, nil
}

// Actions returns the triggers the entity accepts right now.
func (s *Service) Actions(ctx context.Context, id string) ([]model.Trigger, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.machine.Available(e), nil
}

// Apply loads the entity, applies trigger and persists the result. The
// acting subject is taken from the request context.
func (s *Service) Apply(
	ctx context.Context,
	id string,
	trigger model.Trigger,
	note string,
	payload map[string]any,
) (out model.Entity, err error) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.Apply",
		observability.AttrEntityID.String(id),
		observability.AttrTrigger.String(string(trigger)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	release, err := s.acquire(id)
	if err != nil {
		return model.Entity{}, err
	}
	defer release()

	logger := observability.RequestLogger(ctx, s.logger)

	// 1. Load.
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Entity{}, repositoryError("load entity", err)
	}

	// 2. Transition.
	out, err = s.machine.Transition(e, trigger, model.ActorFrom(ctx), note, payload)
	if err != nil {
		s.metrics.RecordTransition(string(e.Kind), string(trigger), observability.ResultRejected)
		logger.Warn("transition rejected",
			zap.String("entity_id", id),
			zap.String("kind", string(e.Kind)),
			zap.String("state", string(e.State)),
			zap.String("trigger", string(trigger)),
		)
		return model.Entity{}, err
	}

	// 3. Persist.
	if err := s.repo.Save(ctx, out); err != nil {
		s.metrics.RecordTransition(string(e.Kind), string(trigger), observability.ResultError)
		return model.Entity{}, repositoryError("save entity", err)
	}
	out.Version++

	s.metrics.RecordTransition(string(e.Kind), string(trigger), observability.ResultOK)
	logger.Info("transition applied",
		zap.String("entity_id", id),
		zap.String("kind", string(e.Kind)),
		zap.String("from", string(e.State)),
		zap.String("to", string(out.State)),
		zap.String("trigger", string(trigger)),
	)
	return out, nil
}

// Comment appends a comment to the entity's trail without changing its
// state. It takes the same exclusive ownership as Apply.
func (s *Service) Comment(ctx context.Context, id, note string) (out model.Entity, err error) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.Comment",
		observability.AttrEntityID.String(id),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	release, err := s.acquire(id)
	if err != nil {
		return model.Entity{}, err
	}
	defer release()

	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Entity{}, repositoryError("load entity", err)
	}
	out, err = s.machine.Comment(e, model.ActorFrom(ctx), note)
	if err != nil {
		return model.Entity{}, err
	}
	if err := s.repo.Save(ctx, out); err != nil {
		return model.Entity{}, repositoryError("save entity", err)
	}
	out.Version++

	s.metrics.RecordComment(string(e.Kind))
	observability.RequestLogger(ctx, s.logger).Info("comment added",
		zap.String("entity_id", id),
		zap.String("kind", string(e.Kind)),
	)
	return out, nil
}

// acquire marks id as being mutated. The returned func releases the mark.
func (s *Service) acquire(id string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return nil, model.NewConcurrentSubmitError(
			fmt.Sprintf("entity %q has another update in progress", id),
		)
	}
	s.inflight[id] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	}, nil
}

// repositoryError keeps domain errors from the repository as they are and
// turns anything else into a retryable NETWORK_ERROR.
func repositoryError(op string, err error) error {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return err
	}
	return model.NewNetworkError(op, err)
}
