package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetPosition retrieves the open position for a symbol, or nil when flat.
func (r *Repository) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	query := `
		SELECT symbol, quantity, avg_entry_price, original_entry_price, stop_loss, take_profit,
		       high_water_mark, partial_exits, protection_updated_at, opened_at, updated_at
		FROM positions
		WHERE symbol = $1
	`
	pos := &Position{}
	err := r.db.Pool.QueryRow(ctx, query, symbol).Scan(
		&pos.Symbol, &pos.Quantity, &pos.AvgEntryPrice, &pos.OriginalEntryPrice, &pos.StopLoss,
		&pos.TakeProfit, &pos.HighWaterMark, &pos.PartialExits, &pos.ProtectionUpdatedAt,
		&pos.OpenedAt, &pos.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// ListPositions returns all open positions
func (r *Repository) ListPositions(ctx context.Context) ([]*Position, error) {
	query := `
		SELECT symbol, quantity, avg_entry_price, original_entry_price, stop_loss, take_profit,
		       high_water_mark, partial_exits, protection_updated_at, opened_at, updated_at
		FROM positions
		ORDER BY symbol
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		pos := &Position{}
		err := rows.Scan(
			&pos.Symbol, &pos.Quantity, &pos.AvgEntryPrice, &pos.OriginalEntryPrice, &pos.StopLoss,
			&pos.TakeProfit, &pos.HighWaterMark, &pos.PartialExits, &pos.ProtectionUpdatedAt,
			&pos.OpenedAt, &pos.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// MutatePosition runs a serialized read-modify-write for one symbol. The row
// is locked for the duration of fn, so concurrent monitor and executor cycles
// touching the same symbol queue up rather than interleave. fn receives nil
// when the symbol is flat; returning nil removes the position (full exit),
// returning a position upserts it. Quantity must stay positive.
func (r *Repository) MutatePosition(ctx context.Context, symbol string, fn func(pos *Position) (*Position, error)) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT symbol, quantity, avg_entry_price, original_entry_price, stop_loss, take_profit,
		       high_water_mark, partial_exits, protection_updated_at, opened_at, updated_at
		FROM positions
		WHERE symbol = $1
		FOR UPDATE
	`
	existing := &Position{}
	err = tx.QueryRow(ctx, query, symbol).Scan(
		&existing.Symbol, &existing.Quantity, &existing.AvgEntryPrice, &existing.OriginalEntryPrice,
		&existing.StopLoss, &existing.TakeProfit, &existing.HighWaterMark, &existing.PartialExits,
		&existing.ProtectionUpdatedAt, &existing.OpenedAt, &existing.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		existing = nil
	} else if err != nil {
		return err
	}

	updated, err := fn(existing)
	if err != nil {
		return err
	}

	switch {
	case updated == nil && existing == nil:
		// Nothing to do
	case updated == nil:
		// Full exit removes the row rather than leaving a zero-quantity position
		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE symbol = $1`, symbol); err != nil {
			return err
		}
	default:
		if updated.Quantity <= 0 {
			return fmt.Errorf("position %s: quantity must stay positive, got %.8f", symbol, updated.Quantity)
		}
		upsert := `
			INSERT INTO positions (symbol, quantity, avg_entry_price, original_entry_price, stop_loss, take_profit,
			                       high_water_mark, partial_exits, protection_updated_at, opened_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (symbol) DO UPDATE SET
				quantity = EXCLUDED.quantity,
				avg_entry_price = EXCLUDED.avg_entry_price,
				stop_loss = EXCLUDED.stop_loss,
				take_profit = EXCLUDED.take_profit,
				high_water_mark = EXCLUDED.high_water_mark,
				partial_exits = EXCLUDED.partial_exits,
				protection_updated_at = EXCLUDED.protection_updated_at,
				updated_at = EXCLUDED.updated_at
		`
		_, err := tx.Exec(ctx, upsert,
			updated.Symbol, updated.Quantity, updated.AvgEntryPrice, updated.OriginalEntryPrice,
			updated.StopLoss, updated.TakeProfit, updated.HighWaterMark, updated.PartialExits,
			updated.ProtectionUpdatedAt, updated.OpenedAt, updated.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
