package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrApprovalNotFound is returned when no approval exists for the given ID.
var ErrApprovalNotFound = errors.New("trade approval not found")

const approvalColumns = `id, recommendation_id, symbol, side, quantity, price, stop_loss,
		       status, created_at, expires_at, resolved_at, reject_reason`

func scanApproval(row pgx.Row) (*TradeApproval, error) {
	a := &TradeApproval{}
	err := row.Scan(
		&a.ID, &a.RecommendationID, &a.Symbol, &a.Side, &a.Quantity, &a.Price, &a.StopLoss,
		&a.Status, &a.CreatedAt, &a.ExpiresAt, &a.ResolvedAt, &a.RejectReason,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateApproval inserts a pending trade approval
func (r *Repository) CreateApproval(ctx context.Context, a *TradeApproval) error {
	query := `
		INSERT INTO trade_approvals (id, recommendation_id, symbol, side, quantity, price, stop_loss,
		                             status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		a.ID, a.RecommendationID, a.Symbol, a.Side, a.Quantity, a.Price, a.StopLoss,
		a.Status, a.CreatedAt, a.ExpiresAt,
	)
	return err
}

// GetApproval retrieves an approval by ID
func (r *Repository) GetApproval(ctx context.Context, id string) (*TradeApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM trade_approvals WHERE id = $1`
	a, err := scanApproval(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	return a, err
}

// ListPendingApprovals returns approvals that are still actionable. Expiry is
// enforced by the expires_at filter, not by a background sweep.
func (r *Repository) ListPendingApprovals(ctx context.Context, now time.Time) ([]*TradeApproval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM trade_approvals
		WHERE status = 'PENDING' AND expires_at > $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*TradeApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// ResolveApproval performs the single allowed forward transition out of
// PENDING. It reports false when the approval was not pending anymore or had
// already passed its deadline, so a resolution can never be applied twice and
// never lands on an expired approval.
func (r *Repository) ResolveApproval(ctx context.Context, id string, status string, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE trade_approvals
		SET status = $2, resolved_at = $3, reject_reason = $4
		WHERE id = $1 AND status = 'PENDING' AND expires_at > $3
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, status, now, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkApprovalExpired records the expired status for a pending approval whose
// deadline has passed. Best effort: readers already treat it as expired.
func (r *Repository) MarkApprovalExpired(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE trade_approvals
		SET status = 'EXPIRED', resolved_at = $2
		WHERE id = $1 AND status = 'PENDING' AND expires_at <= $2
	`
	_, err := r.db.Pool.Exec(ctx, query, id, now)
	return err
}
