package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL. Steps and the transition
// log are embedded in the saga row as ordered JSONB arrays; the
// optimistic state check rides on the conditional UPDATE.
//
// Schema:
//
//	CREATE TABLE sagas (
//	    id             TEXT PRIMARY KEY,
//	    saga_type      TEXT NOT NULL,
//	    correlation_id TEXT NOT NULL,
//	    current_state  TEXT NOT NULL,
//	    payload        JSONB NOT NULL DEFAULT '{}',
//	    steps          JSONB NOT NULL DEFAULT '[]',
//	    transitions    JSONB NOT NULL DEFAULT '[]',
//	    error_message  TEXT,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    updated_at     TIMESTAMPTZ NOT NULL,
//	    completed_at   TIMESTAMPTZ
//	);
//	CREATE INDEX idx_sagas_current_state ON sagas (current_state);
//	CREATE INDEX idx_sagas_saga_type ON sagas (saga_type);
//	CREATE INDEX idx_sagas_created_at ON sagas (created_at);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed saga store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sagaColumns = `id, saga_type, correlation_id, current_state, payload,
	   steps, transitions, error_message, created_at, updated_at, completed_at`

func (s *PostgresStore) CreateSaga(ctx context.Context, saga *Saga) error {
	payloadJSON, err := json.Marshal(saga.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	stepsJSON, err := json.Marshal(saga.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	transitionsJSON, err := json.Marshal(saga.Transitions)
	if err != nil {
		return fmt.Errorf("failed to marshal transitions: %w", err)
	}

	query := `
		INSERT INTO sagas (
			id, saga_type, correlation_id, current_state, payload,
			steps, transitions, error_message, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`

	var errorMsg *string
	if saga.ErrorMessage != "" {
		errorMsg = &saga.ErrorMessage
	}

	result, err := s.pool.Exec(ctx, query,
		saga.ID,
		string(saga.Type),
		saga.CorrelationID,
		string(saga.CurrentState),
		payloadJSON,
		stepsJSON,
		transitionsJSON,
		errorMsg,
		saga.CreatedAt,
		saga.UpdatedAt,
		saga.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create saga: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSagaAlreadyExists
	}
	return nil
}

func (s *PostgresStore) UpdateSagaState(ctx context.Context, sagaID string, expected, next State, transition *Transition) error {
	// The caller holds the per-saga lock; the read here only assigns the
	// next transition id. The conditional UPDATE below is the backstop.
	var transitionCount int
	err := s.pool.QueryRow(ctx,
		`SELECT jsonb_array_length(transitions) FROM sagas WHERE id = $1`, sagaID,
	).Scan(&transitionCount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrSagaNotFound
		}
		return fmt.Errorf("failed to read transition count: %w", err)
	}

	now := time.Now().UTC()
	var transitionJSON []byte
	var errorMsg *string
	if transition != nil {
		t := *transition
		if t.ID == 0 {
			t.ID = int64(transitionCount) + 1
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		t.SagaID = sagaID
		t.FromState = expected
		t.ToState = next
		if transitionJSON, err = json.Marshal(&t); err != nil {
			return fmt.Errorf("failed to marshal transition: %w", err)
		}
		if t.EventKind == KindFailure && t.Message != "" {
			errorMsg = &t.Message
		}
	} else {
		transitionJSON = []byte("null")
	}

	query := `
		UPDATE sagas
		SET current_state = $3,
			updated_at = $4,
			completed_at = CASE WHEN $5 THEN $4 ELSE completed_at END,
			error_message = COALESCE($6, error_message),
			transitions = CASE WHEN $7::jsonb = 'null'::jsonb
				THEN transitions ELSE transitions || $7::jsonb END
		WHERE id = $1
		  AND current_state = $2
		  AND current_state NOT IN ('Completed', 'Failed', 'Compensated')
	`

	result, err := s.pool.Exec(ctx, query,
		sagaID, string(expected), string(next), now, next.IsTerminal(), errorMsg, transitionJSON)
	if err != nil {
		return fmt.Errorf("failed to update saga state: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	// Distinguish the three rejection causes.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT current_state FROM sagas WHERE id = $1`, sagaID).Scan(&current)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrSagaNotFound
		}
		return fmt.Errorf("failed to read saga state: %w", err)
	}
	if State(current).IsTerminal() {
		return ErrSagaTerminal
	}
	return fmt.Errorf("%w: expected %s, have %s", ErrStateConflict, expected, current)
}

func (s *PostgresStore) RecordStepResult(ctx context.Context, sagaID string, step *Step) error {
	// Whole-column rewrite of the steps array. Cheap at saga sizes of a
	// handful of steps and keeps the upsert logic in one place.
	var stepsJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT steps FROM sagas WHERE id = $1`, sagaID).Scan(&stepsJSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrSagaNotFound
		}
		return fmt.Errorf("failed to read steps: %w", err)
	}

	var steps []*Step
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &steps); err != nil {
			return fmt.Errorf("failed to unmarshal steps: %w", err)
		}
	}

	replaced := false
	for i, existing := range steps {
		if existing.Name == step.Name {
			steps[i] = step
			replaced = true
			break
		}
	}
	if !replaced {
		steps = append(steps, step)
	}

	updated, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	result, err := s.pool.Exec(ctx,
		`UPDATE sagas SET steps = $2, updated_at = $3 WHERE id = $1`,
		sagaID, updated, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record step result: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSagaNotFound
	}
	return nil
}

func (s *PostgresStore) ReadSaga(ctx context.Context, sagaID string) (*Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas WHERE id = $1`
	return s.scanSaga(s.pool.QueryRow(ctx, query, sagaID))
}

func (s *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas WHERE current_state = $1 ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, query, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas by state: %w", err)
	}
	defer rows.Close()

	return s.scanSagas(rows)
}

func (s *PostgresStore) ListByType(ctx context.Context, sagaType Type, limit int) ([]*Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas WHERE saga_type = $1 ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, query, string(sagaType))
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas by type: %w", err)
	}
	defer rows.Close()

	return s.scanSagas(rows)
}

func (s *PostgresStore) ListByDateRange(ctx context.Context, from, to time.Time, limit int) ([]*Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas by date range: %w", err)
	}
	defer rows.Close()

	return s.scanSagas(rows)
}

func (s *PostgresStore) ReplayIncomplete(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM sagas WHERE current_state NOT IN ('Completed', 'Failed', 'Compensated') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete sagas: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan saga id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incomplete sagas: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	result, err := s.pool.Exec(ctx,
		`DELETE FROM sagas
		 WHERE current_state IN ('Completed', 'Failed', 'Compensated')
		   AND completed_at IS NOT NULL AND completed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal sagas: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func (s *PostgresStore) scanSaga(row pgx.Row) (*Saga, error) {
	saga, err := scanSagaRow(row)
	if err == pgx.ErrNoRows {
		return nil, ErrSagaNotFound
	}
	return saga, err
}

func (s *PostgresStore) scanSagas(rows pgx.Rows) ([]*Saga, error) {
	var sagas []*Saga
	for rows.Next() {
		saga, err := scanSagaRow(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sagas: %w", err)
	}
	return sagas, nil
}

func scanSagaRow(row pgx.Row) (*Saga, error) {
	var saga Saga
	var typeStr, stateStr string
	var payloadJSON, stepsJSON, transitionsJSON []byte
	var errorMsg *string

	err := row.Scan(
		&saga.ID,
		&typeStr,
		&saga.CorrelationID,
		&stateStr,
		&payloadJSON,
		&stepsJSON,
		&transitionsJSON,
		&errorMsg,
		&saga.CreatedAt,
		&saga.UpdatedAt,
		&saga.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan saga: %w", err)
	}

	saga.Type = Type(typeStr)
	saga.CurrentState = State(stateStr)
	if errorMsg != nil {
		saga.ErrorMessage = *errorMsg
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &saga.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if saga.Payload == nil {
		saga.Payload = make(map[string]interface{})
	}

	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &saga.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
	}
	if saga.Steps == nil {
		saga.Steps = make([]*Step, 0)
	}

	if len(transitionsJSON) > 0 {
		if err := json.Unmarshal(transitionsJSON, &saga.Transitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transitions: %w", err)
		}
	}
	if saga.Transitions == nil {
		saga.Transitions = make([]*Transition, 0)
	}

	return &saga, nil
}
