package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/events"
	"crypto-paper-trader/internal/risk"
)

// queueApproval parks a recommendation in the approval queue instead of
// executing it. The approval inherits the recommendation's terms and expires
// one hour after creation.
func (e *Executor) queueApproval(ctx context.Context, rec *database.Recommendation, quantity float64) (*Disposition, error) {
	now := e.now()
	approval := &database.TradeApproval{
		ID:               uuid.New(),
		RecommendationID: rec.ID,
		Symbol:           rec.Symbol,
		Side:             rec.Action,
		Quantity:         quantity,
		Price:            rec.EntryPrice,
		StopLoss:         rec.StopLoss,
		Status:           database.ApprovalPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(database.ApprovalTTL),
	}
	if err := e.store.CreateApproval(ctx, approval); err != nil {
		return nil, fmt.Errorf("queue approval for %s: %w", rec.Symbol, err)
	}

	e.logger.Info("trade queued for human approval",
		"symbol", rec.Symbol, "side", rec.Action, "approval_id", approval.ID.String())
	e.bus.Emit(events.EventApprovalCreated, map[string]interface{}{
		"approval_id": approval.ID.String(), "symbol": rec.Symbol, "side": rec.Action,
	})
	return &Disposition{Status: StatusQueued, Reason: approval.ID.String()}, nil
}

// ListPendingApprovals returns approvals that are still actionable. Expiry
// is enforced here by the read-time filter, not by a background sweep.
func (e *Executor) ListPendingApprovals(ctx context.Context) ([]*database.TradeApproval, error) {
	return e.store.ListPendingApprovals(ctx, e.now())
}

// Approve resolves a pending approval and executes the trade, re-validated
// against current conditions since the market may have moved since queueing.
// An expired approval is a no-op returning an expired status, never an error
// that mutates state.
func (e *Executor) Approve(ctx context.Context, id string, settings Settings, tc TradeContext) (*Disposition, error) {
	approval, err := e.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if approval.Status != database.ApprovalPending {
		return &Disposition{Status: StatusDiscarded,
			Reason: fmt.Sprintf("approval already %s", approval.Status)}, nil
	}
	if !approval.Actionable(now) {
		// Best-effort status flip for the dashboard; correctness comes from
		// the read-time filter, not from this write.
		_ = e.store.MarkApprovalExpired(ctx, id, now)
		return &Disposition{Status: StatusExpired, Reason: "approval expired"}, nil
	}

	resolved, err := e.store.ResolveApproval(ctx, id, database.ApprovalApproved, "", now)
	if err != nil {
		return nil, err
	}
	if !resolved {
		return &Disposition{Status: StatusExpired, Reason: errApprovalConflict.Error()}, nil
	}

	e.bus.Emit(events.EventApprovalResolved, map[string]interface{}{
		"approval_id": id, "status": database.ApprovalApproved,
	})

	trade := risk.Trade{
		Symbol:    approval.Symbol,
		Side:      approval.Side,
		Quantity:  approval.Quantity,
		Price:     approval.Price,
		StopLoss:  approval.StopLoss,
		Volume24h: tc.Volume24h,
	}
	return e.executeTrade(ctx, trade, nil, settings, tc)
}

// Reject resolves a pending approval with a reason. Expired approvals are a
// no-op, same as Approve.
func (e *Executor) Reject(ctx context.Context, id, reason string) (*Disposition, error) {
	approval, err := e.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if approval.Status != database.ApprovalPending {
		return &Disposition{Status: StatusDiscarded,
			Reason: fmt.Sprintf("approval already %s", approval.Status)}, nil
	}
	if !approval.Actionable(now) {
		_ = e.store.MarkApprovalExpired(ctx, id, now)
		return &Disposition{Status: StatusExpired, Reason: "approval expired"}, nil
	}

	resolved, err := e.store.ResolveApproval(ctx, id, database.ApprovalRejected, reason, now)
	if err != nil {
		return nil, err
	}
	if !resolved {
		return &Disposition{Status: StatusExpired, Reason: errApprovalConflict.Error()}, nil
	}

	e.logger.Info("approval rejected", "approval_id", id, "reason", reason)
	e.bus.Emit(events.EventApprovalResolved, map[string]interface{}{
		"approval_id": id, "status": database.ApprovalRejected, "reason": reason,
	})
	return &Disposition{Status: StatusDiscarded, Reason: "rejected"}, nil
}
