package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// SaveBreakerState upserts the breaker snapshot for an action class
func (r *Repository) SaveBreakerState(ctx context.Context, s *CircuitBreakerState) error {
	query := `
		INSERT INTO circuit_breaker_states (action_class, state, failure_count, success_count, next_retry_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (action_class) DO UPDATE SET
			state = EXCLUDED.state,
			failure_count = EXCLUDED.failure_count,
			success_count = EXCLUDED.success_count,
			next_retry_at = EXCLUDED.next_retry_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		s.ActionClass, s.State, s.FailureCount, s.SuccessCount, s.NextRetryAt, s.UpdatedAt,
	)
	return err
}

// GetBreakerState returns the persisted snapshot for an action class, or nil
// when the breaker has never been saved.
func (r *Repository) GetBreakerState(ctx context.Context, actionClass string) (*CircuitBreakerState, error) {
	query := `
		SELECT action_class, state, failure_count, success_count, next_retry_at, updated_at
		FROM circuit_breaker_states
		WHERE action_class = $1
	`
	s := &CircuitBreakerState{}
	err := r.db.Pool.QueryRow(ctx, query, actionClass).Scan(
		&s.ActionClass, &s.State, &s.FailureCount, &s.SuccessCount, &s.NextRetryAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListBreakerStates returns all persisted breaker snapshots
func (r *Repository) ListBreakerStates(ctx context.Context) ([]*CircuitBreakerState, error) {
	query := `
		SELECT action_class, state, failure_count, success_count, next_retry_at, updated_at
		FROM circuit_breaker_states
		ORDER BY action_class
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*CircuitBreakerState
	for rows.Next() {
		s := &CircuitBreakerState{}
		err := rows.Scan(&s.ActionClass, &s.State, &s.FailureCount, &s.SuccessCount, &s.NextRetryAt, &s.UpdatedAt)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}
