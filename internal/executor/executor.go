package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-paper-trader/internal/circuit"
	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/events"
	"crypto-paper-trader/internal/logging"
	"crypto-paper-trader/internal/monitor"
	"crypto-paper-trader/internal/risk"
)

// Disposition statuses returned to callers. Denied and blocked are
// deliberate outcomes, not system errors; callers use the distinction to
// decide whether to retry.
const (
	StatusExecuted  = "executed"
	StatusDiscarded = "discarded"
	StatusQueued    = "queued"
	StatusDenied    = "denied"
	StatusBlocked   = "blocked"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

// Sizing strategies
const (
	SizingEqualWeight        = "equal_weight"
	SizingConfidenceWeighted = "confidence_weighted"
)

// Settings is the immutable execution tuning snapshot for one cycle. Read
// once at the cycle boundary; never consulted live mid-cycle.
type Settings struct {
	AutoExecute          bool        `json:"auto_execute"`
	ConfidenceThreshold  float64     `json:"confidence_threshold"`
	RequireHumanApproval bool        `json:"require_human_approval"`
	SizingStrategy       string      `json:"sizing_strategy"`
	MaxPositionFraction  float64     `json:"max_position_fraction"`
	Limits               risk.Limits `json:"limits"`
}

// Disposition is the structured outcome of handling one recommendation or
// approval.
type Disposition struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Store is the persistence surface the executor needs. *database.Repository
// satisfies it.
type Store interface {
	MutatePosition(ctx context.Context, symbol string, fn func(pos *database.Position) (*database.Position, error)) error
	GetPosition(ctx context.Context, symbol string) (*database.Position, error)
	ListPositions(ctx context.Context) ([]*database.Position, error)
	AppendExecutionLog(ctx context.Context, e *database.ExecutionLog) error
	CreateApproval(ctx context.Context, a *database.TradeApproval) error
	GetApproval(ctx context.Context, id string) (*database.TradeApproval, error)
	ListPendingApprovals(ctx context.Context, now time.Time) ([]*database.TradeApproval, error)
	ResolveApproval(ctx context.Context, id string, status string, reason string, now time.Time) (bool, error)
	MarkApprovalExpired(ctx context.Context, id string, now time.Time) error
}

// Executor turns recommendations into paper fills, guarded by the risk
// validator and the execution circuit breaker, with a full audit trail.
type Executor struct {
	store    Store
	breakers *circuit.Registry
	bus      *events.Bus
	logger   *logging.Logger
	audit    zerolog.Logger
	now      func() time.Time
}

func New(store Store, breakers *circuit.Registry, bus *events.Bus, logger *logging.Logger, audit zerolog.Logger) *Executor {
	return &Executor{
		store:    store,
		breakers: breakers,
		bus:      bus,
		logger:   logger.WithComponent("executor"),
		audit:    audit.With().Str("component", "executor").Logger(),
		now:      time.Now,
	}
}

// TradeContext carries the market and portfolio state a trade is judged
// against, assembled by the caller at decision time.
type TradeContext struct {
	Portfolio risk.Portfolio
	Volume24h float64
}

// ProcessRecommendation runs the per-recommendation state machine:
// confidence gate, manual-only gate, approval queue, then validate and
// execute.
func (e *Executor) ProcessRecommendation(ctx context.Context, rec *database.Recommendation, settings Settings, tc TradeContext) (*Disposition, error) {
	if rec.Expired(e.now()) {
		return &Disposition{Status: StatusDiscarded, Reason: "recommendation expired"}, nil
	}

	if rec.Confidence < settings.ConfidenceThreshold {
		e.logger.Info("recommendation below confidence threshold",
			"symbol", rec.Symbol, "confidence", rec.Confidence, "threshold", settings.ConfidenceThreshold)
		return &Disposition{
			Status: StatusDiscarded,
			Reason: fmt.Sprintf("confidence %.1f below threshold %.1f", rec.Confidence, settings.ConfidenceThreshold),
		}, nil
	}

	if !settings.AutoExecute {
		e.logger.Info("auto-execute disabled, recommendation discarded",
			"symbol", rec.Symbol, "action", rec.Action)
		return &Disposition{Status: StatusDiscarded, Reason: "manual-only mode"}, nil
	}

	quantity, err := e.sizePosition(rec, settings, tc.Portfolio.TotalValue)
	if err != nil {
		return nil, err
	}

	if settings.RequireHumanApproval {
		return e.queueApproval(ctx, rec, quantity)
	}

	trade := risk.Trade{
		Symbol:    rec.Symbol,
		Side:      rec.Action,
		Quantity:  quantity,
		Price:     rec.EntryPrice,
		StopLoss:  rec.StopLoss,
		Volume24h: tc.Volume24h,
	}
	return e.executeTrade(ctx, trade, rec, settings, tc)
}

// sizePosition converts a recommendation into a quantity. Equal-weight uses
// the configured fraction outright; confidence-weighted scales it by the
// recommendation's confidence, clamped to the configured max.
func (e *Executor) sizePosition(rec *database.Recommendation, settings Settings, portfolioValue float64) (float64, error) {
	if rec.Action == database.SideSell {
		// Sells are sized by the held position, not the portfolio.
		return 0, nil
	}
	if portfolioValue <= 0 {
		return 0, fmt.Errorf("portfolio value %.2f, cannot size position", portfolioValue)
	}
	if rec.EntryPrice <= 0 {
		return 0, fmt.Errorf("entry price %.8f, cannot size position", rec.EntryPrice)
	}

	fraction := settings.MaxPositionFraction
	if settings.SizingStrategy == SizingConfidenceWeighted {
		fraction = settings.MaxPositionFraction * rec.Confidence / 100
		if fraction > settings.MaxPositionFraction {
			fraction = settings.MaxPositionFraction
		}
	}
	return portfolioValue * fraction / rec.EntryPrice, nil
}

// executeTrade consults the risk validator, then the circuit breaker, then
// applies the paper fill. Every path out of here leaves an audit record.
func (e *Executor) executeTrade(ctx context.Context, trade risk.Trade, rec *database.Recommendation, settings Settings, tc TradeContext) (*Disposition, error) {
	started := e.now()

	if trade.Side == database.SideSell {
		pos, err := e.store.GetPosition(ctx, trade.Symbol)
		if err != nil {
			return nil, fmt.Errorf("load position %s: %w", trade.Symbol, err)
		}
		if pos == nil {
			return &Disposition{Status: StatusDiscarded, Reason: "no open position to sell"}, nil
		}
		trade.Quantity = pos.Quantity
	}

	verdict := risk.Validate(trade, tc.Portfolio, settings.Limits, started)
	if !verdict.Allowed {
		reason := fmt.Sprintf("risk-denied: %s", joinReasons(verdict.Reasons))
		e.writeLog(ctx, trade, database.ActionExecute, database.OutcomeDenied, reason, settings, started, nil)
		e.bus.Emit(events.EventTradeDenied, map[string]interface{}{
			"symbol": trade.Symbol, "side": trade.Side, "reasons": verdict.Reasons,
		})
		return &Disposition{Status: StatusDenied, Reason: reason}, nil
	}

	breaker := e.breakers.Get(circuit.ClassExecution)
	if err := breaker.Allow(); err != nil {
		reason := fmt.Sprintf("system error: %s", err.Error())
		e.writeLog(ctx, trade, database.ActionExecute, database.OutcomeBlocked, reason, settings, started, nil)
		e.bus.Emit(events.EventTradeBlocked, map[string]interface{}{
			"symbol": trade.Symbol, "side": trade.Side, "error": err.Error(),
		})
		return &Disposition{Status: StatusBlocked, Reason: reason}, nil
	}

	realized, err := e.fill(ctx, trade, rec)
	if err != nil {
		breaker.RecordFailure()
		reason := fmt.Sprintf("system error: %s", err.Error())
		e.writeLog(ctx, trade, database.ActionExecute, database.OutcomeFailed, reason, settings, started, nil)
		return &Disposition{Status: StatusFailed, Reason: reason}, nil
	}
	breaker.RecordSuccess()

	e.writeLog(ctx, trade, database.ActionExecute, database.OutcomeExecuted, "", settings, started, realized)
	e.bus.Emit(events.EventTradeExecuted, map[string]interface{}{
		"symbol": trade.Symbol, "side": trade.Side, "quantity": trade.Quantity, "price": trade.Price,
	})
	return &Disposition{Status: StatusExecuted}, nil
}

// fill applies the paper trade to the position book. Buys recompute the
// average entry; sells shrink quantity only and delete the row on full exit.
// Runs inside the per-symbol serialized mutation, so concurrent cycles
// touching the same symbol cannot interleave.
func (e *Executor) fill(ctx context.Context, trade risk.Trade, rec *database.Recommendation) (*float64, error) {
	var realized *float64
	err := e.store.MutatePosition(ctx, trade.Symbol, func(pos *database.Position) (*database.Position, error) {
		now := e.now()
		switch trade.Side {
		case database.SideBuy:
			if pos == nil {
				p := &database.Position{
					Symbol:             trade.Symbol,
					Quantity:           trade.Quantity,
					AvgEntryPrice:      trade.Price,
					OriginalEntryPrice: trade.Price,
					HighWaterMark:      trade.Price,
					OpenedAt:           now,
					UpdatedAt:          now,
				}
				if trade.StopLoss != nil {
					p.StopLoss = *trade.StopLoss
				}
				if rec != nil && rec.TakeProfit1 != nil {
					p.TakeProfit = *rec.TakeProfit1
				}
				return p, nil
			}
			total := pos.Quantity + trade.Quantity
			pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Quantity + trade.Price*trade.Quantity) / total
			pos.Quantity = total
			if trade.Price > pos.HighWaterMark {
				pos.HighWaterMark = trade.Price
			}
			pos.UpdatedAt = now
			return pos, nil

		case database.SideSell:
			if pos == nil {
				return nil, fmt.Errorf("no open position in %s", trade.Symbol)
			}
			if trade.Quantity > pos.Quantity {
				return nil, fmt.Errorf("sell %.8f exceeds held %.8f", trade.Quantity, pos.Quantity)
			}
			pnl := (trade.Price - pos.AvgEntryPrice) * trade.Quantity
			realized = &pnl
			if trade.Quantity == pos.Quantity {
				return nil, nil // full exit removes the row
			}
			pos.Quantity -= trade.Quantity
			pos.UpdatedAt = now
			return pos, nil

		default:
			return nil, fmt.Errorf("unknown side %q", trade.Side)
		}
	})
	if err != nil {
		return nil, err
	}
	return realized, nil
}

// ExitPosition sells part or all of a position on the monitor's behalf,
// optionally raising the stop on what remains. Implements monitor.Trader.
// Exits are state-changing actions like any other fill, so they pass through
// the execution circuit breaker too.
func (e *Executor) ExitPosition(ctx context.Context, symbol string, quantity, price float64, reason string, newStopLoss *float64, settings monitor.Settings) error {
	started := e.now()
	trade := risk.Trade{Symbol: symbol, Side: database.SideSell, Quantity: quantity, Price: price}

	breaker := e.breakers.Get(circuit.ClassExecution)
	if err := breaker.Allow(); err != nil {
		e.writeLog(ctx, trade, database.ActionExit, database.OutcomeBlocked,
			fmt.Sprintf("system error: %s (%s)", err.Error(), reason), settings, started, nil)
		e.bus.Emit(events.EventTradeBlocked, map[string]interface{}{
			"symbol": symbol, "side": database.SideSell, "error": err.Error(),
		})
		return err
	}

	var realized *float64
	err := e.store.MutatePosition(ctx, symbol, func(pos *database.Position) (*database.Position, error) {
		if pos == nil {
			return nil, fmt.Errorf("no open position in %s", symbol)
		}
		if quantity > pos.Quantity {
			return nil, fmt.Errorf("exit %.8f exceeds held %.8f", quantity, pos.Quantity)
		}

		pnl := (price - pos.AvgEntryPrice) * quantity
		realized = &pnl

		if quantity == pos.Quantity {
			return nil, nil
		}

		// Partial exit: average cost basis stays put, only quantity shrinks.
		pos.Quantity -= quantity
		pos.PartialExits++
		if newStopLoss != nil && *newStopLoss > pos.StopLoss {
			pos.StopLoss = *newStopLoss
			pos.ProtectionUpdatedAt = e.now()
		}
		pos.UpdatedAt = e.now()
		return pos, nil
	})

	if err != nil {
		breaker.RecordFailure()
		e.writeLog(ctx, trade, database.ActionExit, database.OutcomeFailed,
			fmt.Sprintf("system error: %s (%s)", err.Error(), reason), settings, started, nil)
		return err
	}
	breaker.RecordSuccess()

	e.writeLog(ctx, trade, database.ActionExit, database.OutcomeExecuted, reason, settings, started, realized)
	e.bus.Emit(events.EventPositionExited, map[string]interface{}{
		"symbol": symbol, "quantity": quantity, "price": price, "reason": reason,
	})
	return nil
}

// writeLog appends the audit record for one attempt. The settings value is
// whichever per-cycle snapshot drove the attempt: executor settings for
// fills, monitor settings for exits. Audit is best-effort: a failed insert is
// logged loudly but never turns a completed trade into an error for the
// caller.
func (e *Executor) writeLog(ctx context.Context, trade risk.Trade, action, outcome, reason string, settings interface{}, started time.Time, realized *float64) {
	snapshot := map[string]interface{}{"settings": settings}
	if realized != nil {
		snapshot["realized_pnl"] = *realized
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		raw = nil
	}

	entry := &database.ExecutionLog{
		ID:               uuid.New(),
		Action:           action,
		Symbol:           trade.Symbol,
		Side:             trade.Side,
		Quantity:         trade.Quantity,
		Price:            trade.Price,
		Outcome:          outcome,
		Reason:           reason,
		SettingsSnapshot: raw,
		StartedAt:        started,
		CompletedAt:      e.now(),
	}

	ev := e.audit.Info().
		Str("action", action).
		Str("symbol", trade.Symbol).
		Str("side", trade.Side).
		Float64("quantity", trade.Quantity).
		Float64("price", trade.Price).
		Str("outcome", outcome)
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	if realized != nil {
		ev = ev.Float64("realized_pnl", *realized)
	}
	ev.Msg("execution attempt")

	if err := e.store.AppendExecutionLog(ctx, entry); err != nil {
		e.logger.Error("could not persist execution log",
			"symbol", trade.Symbol, "outcome", outcome, "error", err.Error())
	}
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "denied"
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

// errApprovalConflict marks a lost resolve race.
var errApprovalConflict = errors.New("approval already resolved or expired")
