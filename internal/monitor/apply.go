package monitor

import (
	"context"
	"fmt"
	"time"

	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/logging"
)

// Trader executes exits. The executor implements this; the monitor never
// touches fills or audit logs itself. The settings snapshot travels with the
// exit so the audit trail records what the cycle was running with.
type Trader interface {
	ExitPosition(ctx context.Context, symbol string, quantity, price float64, reason string, newStopLoss *float64, settings Settings) error
}

// PositionStore applies serialized read-modify-writes to position rows.
type PositionStore interface {
	MutatePosition(ctx context.Context, symbol string, fn func(*database.Position) (*database.Position, error)) error
}

// Applier carries Evaluate's decisions into the world. Kept separate from
// Evaluate so the decision logic stays testable without a database.
type Applier struct {
	trader Trader
	store  PositionStore
	logger *logging.Logger
	now    func() time.Time
}

func NewApplier(trader Trader, store PositionStore, logger *logging.Logger) *Applier {
	return &Applier{
		trader: trader,
		store:  store,
		logger: logger.WithComponent("monitor"),
		now:    time.Now,
	}
}

// ApplyStats summarizes one apply pass.
type ApplyStats struct {
	FullExits    int `json:"full_exits"`
	PartialExits int `json:"partial_exits"`
	StopUpdates  int `json:"stop_updates"`
	Failures     int `json:"failures"`
}

// Apply executes each action in order. A failing symbol is logged and
// skipped; it never aborts the rest of the batch.
func (a *Applier) Apply(ctx context.Context, settings Settings, actions []Action) ApplyStats {
	var stats ApplyStats
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			a.logger.Warn("apply pass abandoned", "remaining", len(actions), "error", err.Error())
			break
		}

		var err error
		switch action.Kind {
		case ActionFullExit, ActionPartialExit:
			err = a.trader.ExitPosition(ctx, action.Symbol, action.Quantity, action.Price, action.Reason, action.NewStopLoss, settings)
		case ActionStopUpdate:
			err = a.applyStopUpdate(ctx, action)
		default:
			err = fmt.Errorf("unknown action kind %q", action.Kind)
		}

		if err != nil {
			stats.Failures++
			a.logger.Error("monitor action failed",
				"symbol", action.Symbol, "kind", action.Kind, "error", err.Error())
			continue
		}

		switch action.Kind {
		case ActionFullExit:
			stats.FullExits++
		case ActionPartialExit:
			stats.PartialExits++
		case ActionStopUpdate:
			stats.StopUpdates++
		}
		a.logger.Info("monitor action applied",
			"symbol", action.Symbol, "kind", action.Kind, "reason", action.Reason, "price", action.Price)
	}
	return stats
}

func (a *Applier) applyStopUpdate(ctx context.Context, action Action) error {
	return a.store.MutatePosition(ctx, action.Symbol, func(p *database.Position) (*database.Position, error) {
		if p == nil {
			return nil, fmt.Errorf("position %s no longer exists", action.Symbol)
		}
		if action.NewStopLoss != nil {
			if err := ValidateStopRaise(p.StopLoss, *action.NewStopLoss); err != nil {
				return nil, err
			}
			p.StopLoss = *action.NewStopLoss
			p.ProtectionUpdatedAt = a.now()
		}
		if action.NewHighWaterMark != nil && *action.NewHighWaterMark > p.HighWaterMark {
			p.HighWaterMark = *action.NewHighWaterMark
		}
		return p, nil
	})
}
