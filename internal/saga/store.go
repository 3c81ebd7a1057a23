package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSagaNotFound is returned when a saga id is unknown.
	ErrSagaNotFound = errors.New("saga not found")
	// ErrSagaAlreadyExists is returned on duplicate creation.
	ErrSagaAlreadyExists = errors.New("saga already exists")
	// ErrStateConflict is returned when the optimistic state check fails:
	// another worker advanced the saga.
	ErrStateConflict = errors.New("saga state conflict")
	// ErrSagaTerminal is returned on attempts to transition out of a
	// terminal state.
	ErrSagaTerminal = errors.New("saga is in a terminal state")
)

// Store is the durable home of saga records and their transition logs.
// Reads are consistent after a write for the same saga id; list queries
// are eventually consistent.
type Store interface {
	// CreateSaga atomically inserts a new saga record.
	CreateSaga(ctx context.Context, saga *Saga) error
	// UpdateSagaState conditionally moves the saga to a new state and
	// appends the transition in the same logical commit. The expected
	// state guards against concurrent writers.
	UpdateSagaState(ctx context.Context, sagaID string, expected, next State, transition *Transition) error
	// RecordStepResult upserts a step record within the saga.
	RecordStepResult(ctx context.Context, sagaID string, step *Step) error
	// ReadSaga returns a full snapshot: saga, steps and transitions.
	ReadSaga(ctx context.Context, sagaID string) (*Saga, error)
	// ListByState returns sagas currently in the given state.
	ListByState(ctx context.Context, state State, limit int) ([]*Saga, error)
	// ListByType returns sagas of the given type.
	ListByType(ctx context.Context, sagaType Type, limit int) ([]*Saga, error)
	// ListByDateRange returns sagas created within [from, to).
	ListByDateRange(ctx context.Context, from, to time.Time, limit int) ([]*Saga, error)
	// ReplayIncomplete returns the ids of every non-terminal saga.
	ReplayIncomplete(ctx context.Context) ([]string, error)
	// PurgeTerminal deletes terminal sagas completed before the cutoff
	// and returns how many were removed.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
}

// MemoryStore is the in-memory Store used by tests and single-process
// deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	sagas map[string]*Saga
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sagas: make(map[string]*Saga)}
}

func (s *MemoryStore) CreateSaga(ctx context.Context, saga *Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[saga.ID]; exists {
		return ErrSagaAlreadyExists
	}

	copied, err := deepCopy(saga)
	if err != nil {
		return err
	}
	s.sagas[saga.ID] = copied
	return nil
}

func (s *MemoryStore) UpdateSagaState(ctx context.Context, sagaID string, expected, next State, transition *Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saga, exists := s.sagas[sagaID]
	if !exists {
		return ErrSagaNotFound
	}
	if saga.CurrentState.IsTerminal() {
		return ErrSagaTerminal
	}
	if saga.CurrentState != expected {
		return fmt.Errorf("%w: expected %s, have %s", ErrStateConflict, expected, saga.CurrentState)
	}

	now := time.Now().UTC()
	saga.CurrentState = next
	saga.UpdatedAt = now
	if next.IsTerminal() {
		saga.CompletedAt = &now
	}
	if transition != nil {
		t := *transition
		if t.ID == 0 {
			t.ID = saga.NextTransitionID()
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		t.SagaID = sagaID
		t.FromState = expected
		t.ToState = next
		saga.Transitions = append(saga.Transitions, &t)
		if t.EventKind == KindFailure && t.Message != "" {
			saga.ErrorMessage = t.Message
		}
	}
	return nil
}

func (s *MemoryStore) RecordStepResult(ctx context.Context, sagaID string, step *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saga, exists := s.sagas[sagaID]
	if !exists {
		return ErrSagaNotFound
	}

	copied := *step
	saga.UpdatedAt = time.Now().UTC()
	for i, existing := range saga.Steps {
		if existing.Name == step.Name {
			saga.Steps[i] = &copied
			return nil
		}
	}
	saga.Steps = append(saga.Steps, &copied)
	return nil
}

func (s *MemoryStore) ReadSaga(ctx context.Context, sagaID string) (*Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saga, exists := s.sagas[sagaID]
	if !exists {
		return nil, ErrSagaNotFound
	}
	return deepCopy(saga)
}

func (s *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Saga
	for _, saga := range s.sagas {
		if saga.CurrentState != state {
			continue
		}
		copied, err := deepCopy(saga)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByType(ctx context.Context, sagaType Type, limit int) ([]*Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Saga
	for _, saga := range s.sagas {
		if saga.Type != sagaType {
			continue
		}
		copied, err := deepCopy(saga)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByDateRange(ctx context.Context, from, to time.Time, limit int) ([]*Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Saga
	for _, saga := range s.sagas {
		if saga.CreatedAt.Before(from) || !saga.CreatedAt.Before(to) {
			continue
		}
		copied, err := deepCopy(saga)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ReplayIncomplete(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, saga := range s.sagas {
		if !saga.CurrentState.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, saga := range s.sagas {
		if saga.CurrentState.IsTerminal() && saga.CompletedAt != nil && saga.CompletedAt.Before(before) {
			delete(s.sagas, id)
			purged++
		}
	}
	return purged, nil
}

// Count returns the number of stored sagas (for testing).
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sagas)
}

// deepCopy clones a saga through JSON so callers cannot mutate stored state.
func deepCopy(saga *Saga) (*Saga, error) {
	data, err := json.Marshal(saga)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal saga: %w", err)
	}
	var copied Saga
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga: %w", err)
	}
	return &copied, nil
}
