package database

import (
	"context"
	"time"
)

// AppendExecutionLog inserts an audit record. The table is append-only; there
// are no update or delete methods on purpose.
func (r *Repository) AppendExecutionLog(ctx context.Context, e *ExecutionLog) error {
	query := `
		INSERT INTO execution_logs (id, action, symbol, side, quantity, price, outcome, reason,
		                            settings_snapshot, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		e.ID, e.Action, e.Symbol, e.Side, e.Quantity, e.Price, e.Outcome, e.Reason,
		e.SettingsSnapshot, e.StartedAt, e.CompletedAt,
	)
	return err
}

// GetRecentExecutionLogs returns the newest audit records
func (r *Repository) GetRecentExecutionLogs(ctx context.Context, limit int) ([]*ExecutionLog, error) {
	query := `
		SELECT id, action, symbol, side, quantity, price, outcome, reason,
		       settings_snapshot, started_at, completed_at
		FROM execution_logs
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ExecutionLog
	for rows.Next() {
		e := &ExecutionLog{}
		err := rows.Scan(
			&e.ID, &e.Action, &e.Symbol, &e.Side, &e.Quantity, &e.Price, &e.Outcome, &e.Reason,
			&e.SettingsSnapshot, &e.StartedAt, &e.CompletedAt,
		)
		if err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// CountExecutionOutcomes returns per-outcome counts since the given time,
// used for execution stats and circuit-breaker dashboards.
func (r *Repository) CountExecutionOutcomes(ctx context.Context, since time.Time) (map[string]int, error) {
	query := `
		SELECT outcome, COUNT(*)
		FROM execution_logs
		WHERE started_at >= $1
		GROUP BY outcome
	`
	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		counts[outcome] = count
	}
	return counts, rows.Err()
}

// GetLastTradeTime returns when the most recent executed trade for a symbol
// started, used to enforce the per-symbol trade spacing limit.
func (r *Repository) GetLastTradeTime(ctx context.Context, symbol string) (*time.Time, error) {
	query := `
		SELECT MAX(started_at)
		FROM execution_logs
		WHERE symbol = $1 AND outcome = 'EXECUTED'
	`
	var last *time.Time
	if err := r.db.Pool.QueryRow(ctx, query, symbol).Scan(&last); err != nil {
		return nil, err
	}
	return last, nil
}

// GetDailyRealizedLoss sums realized losses recorded since dayStart. Any
// executed log carrying a negative realized_pnl counts, whether the sell was
// monitor-driven (EXIT) or recommendation/approval-driven (EXECUTE).
func (r *Repository) GetDailyRealizedLoss(ctx context.Context, dayStart time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM((settings_snapshot->>'realized_pnl')::numeric), 0)
		FROM execution_logs
		WHERE outcome = 'EXECUTED' AND started_at >= $1
		  AND (settings_snapshot->>'realized_pnl')::numeric < 0
	`
	var loss float64
	if err := r.db.Pool.QueryRow(ctx, query, dayStart).Scan(&loss); err != nil {
		return 0, err
	}
	if loss < 0 {
		loss = -loss
	}
	return loss, nil
}
