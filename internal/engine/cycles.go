package engine

import (
	"context"
	"fmt"
	"time"

	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/events"
	"crypto-paper-trader/internal/executor"
	"crypto-paper-trader/internal/monitor"
)

// RunDiscoveryCycle is the scheduled discovery entry point: scan, consult
// the oracle on the top opportunities, and hand non-HOLD recommendations to
// the executor. The settings snapshot is taken once at entry.
func (e *Engine) RunDiscoveryCycle(ctx context.Context) error {
	id := cycleID()
	logger := e.logger.WithCycleID(id)
	settings := e.executionSettings()

	logger.Info("discovery cycle started", "profile", e.cfg.DiscoveryConfig.FilterProfile)

	batch, err := e.GenerateRecommendations(ctx,
		e.cfg.DiscoveryConfig.MaxBuyOracle, e.cfg.DiscoveryConfig.MaxSellOracle)
	if err != nil {
		return fmt.Errorf("generate recommendations: %w", err)
	}

	executed, handled := 0, 0
	all := append(append([]*database.Recommendation{}, batch.BuyRecommendations...),
		batch.SellRecommendations...)
	for _, rec := range all {
		if err := ctx.Err(); err != nil {
			logger.Warn("cycle deadline reached, remaining recommendations deferred",
				"handled", handled, "total", len(all))
			break
		}

		tc, err := e.tradeContext(ctx, rec.Symbol)
		if err != nil {
			logger.Error("could not assemble trade context", "symbol", rec.Symbol, "error", err.Error())
			continue
		}

		disposition, err := e.executor.ProcessRecommendation(ctx, rec, settings, tc)
		if err != nil {
			logger.Error("recommendation processing failed", "symbol", rec.Symbol, "error", err.Error())
			continue
		}
		handled++
		if disposition.Status == executor.StatusExecuted {
			executed++
		}
		logger.Info("recommendation handled",
			"symbol", rec.Symbol, "action", rec.Action,
			"status", disposition.Status, "reason", disposition.Reason)
	}

	logger.Info("discovery cycle completed",
		"recommendations", len(all), "executed", executed,
		"skipped_buy", batch.Skipped.Buy, "skipped_sell", batch.Skipped.Sell)
	e.bus.Emit(events.EventCycleCompleted, map[string]interface{}{
		"cycle": "discovery", "cycle_id": id, "recommendations": len(all), "executed": executed,
	})
	return nil
}

// RunMonitorCycle evaluates every open position against fresh prices and
// applies the resulting exits and stop updates.
func (e *Engine) RunMonitorCycle(ctx context.Context) error {
	id := cycleID()
	logger := e.logger.WithCycleID(id)
	settings := e.monitorSettings()

	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	symbols := make([]string, len(positions))
	for i, p := range positions {
		symbols[i] = p.Symbol
	}
	snapshots, err := e.market.GetSnapshots(ctx, symbols)
	if err != nil {
		return fmt.Errorf("fetch prices: %w", err)
	}
	prices := make(map[string]float64, len(snapshots))
	for sym, snap := range snapshots {
		prices[sym] = snap.Price
	}

	actions := monitor.Evaluate(settings, derefPositions(positions), prices)
	if len(actions) == 0 {
		logger.Info("monitor cycle completed, no actions", "positions", len(positions))
		return nil
	}

	stats := e.applier.Apply(ctx, settings, actions)
	logger.Info("monitor cycle completed",
		"positions", len(positions), "full_exits", stats.FullExits,
		"partial_exits", stats.PartialExits, "stop_updates", stats.StopUpdates,
		"failures", stats.Failures)
	e.bus.Emit(events.EventCycleCompleted, map[string]interface{}{
		"cycle": "monitor", "cycle_id": id,
		"actions": len(actions), "failures": stats.Failures,
	})
	return nil
}

// tradeContext assembles the market and portfolio state for judging one
// symbol's trade right now.
func (e *Engine) tradeContext(ctx context.Context, symbol string) (executor.TradeContext, error) {
	snapshots, err := e.market.GetSnapshots(ctx, []string{symbol})
	if err != nil {
		return executor.TradeContext{}, err
	}

	prices := make(map[string]float64)
	var volume float64
	if snap, ok := snapshots[symbol]; ok {
		prices[symbol] = snap.Price
		volume = snap.Volume24h
	}

	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return executor.TradeContext{}, err
	}
	e.fillMissingPrices(ctx, positions, prices)

	portfolio, err := e.snapshotPortfolio(ctx, prices)
	if err != nil {
		return executor.TradeContext{}, err
	}

	// The portfolio snapshot only carries trade times for held symbols. The
	// spacing limit also applies to a symbol that was just fully exited, so
	// the trade's own symbol gets a lookup of its own.
	if _, ok := portfolio.LastTradeAt[symbol]; !ok {
		if last, err := e.store.GetLastTradeTime(ctx, symbol); err == nil && last != nil {
			portfolio.LastTradeAt[symbol] = *last
		}
	}
	return executor.TradeContext{Portfolio: portfolio, Volume24h: volume}, nil
}

// Approve resolves a pending approval against current market conditions.
func (e *Engine) Approve(ctx context.Context, id string) (*executor.Disposition, error) {
	approval, err := e.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	tc, err := e.tradeContext(ctx, approval.Symbol)
	if err != nil {
		return nil, err
	}
	return e.executor.Approve(ctx, id, e.executionSettings(), tc)
}

// Reject resolves a pending approval with a reason.
func (e *Engine) Reject(ctx context.Context, id, reason string) (*executor.Disposition, error) {
	return e.executor.Reject(ctx, id, reason)
}

// ListPendingApprovals returns the approvals still actionable right now.
func (e *Engine) ListPendingApprovals(ctx context.Context) ([]*database.TradeApproval, error) {
	return e.executor.ListPendingApprovals(ctx)
}

// ExecutionStats summarizes the last 24 hours of execution outcomes.
type ExecutionStats struct {
	Since    time.Time                `json:"since"`
	Outcomes map[string]int           `json:"outcomes"`
	Recent   []*database.ExecutionLog `json:"recent"`
}

func (e *Engine) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	since := e.now().Add(-24 * time.Hour)
	outcomes, err := e.store.CountExecutionOutcomes(ctx, since)
	if err != nil {
		return nil, err
	}
	recent, err := e.store.GetRecentExecutionLogs(ctx, 20)
	if err != nil {
		return nil, err
	}
	return &ExecutionStats{Since: since, Outcomes: outcomes, Recent: recent}, nil
}

// MonitoringStats is the live view of the position book.
type MonitoringStats struct {
	OpenPositions int                  `json:"open_positions"`
	TotalValue    float64              `json:"total_value"`
	UnrealizedPnL float64              `json:"unrealized_pnl"`
	Positions     []*database.Position `json:"positions"`
}

func (e *Engine) GetMonitoringStats(ctx context.Context) (*MonitoringStats, error) {
	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}

	stats := &MonitoringStats{OpenPositions: len(positions), Positions: positions}
	if len(positions) == 0 {
		stats.TotalValue = e.baseCapital
		return stats, nil
	}

	symbols := make([]string, len(positions))
	for i, p := range positions {
		symbols[i] = p.Symbol
	}
	snapshots, err := e.market.GetSnapshots(ctx, symbols)
	if err != nil {
		return nil, err
	}

	for _, p := range positions {
		price := p.AvgEntryPrice
		if snap, ok := snapshots[p.Symbol]; ok {
			price = snap.Price
		}
		stats.UnrealizedPnL += (price - p.AvgEntryPrice) * p.Quantity
	}
	stats.TotalValue = e.baseCapital + stats.UnrealizedPnL
	return stats, nil
}

// ActiveRecommendations returns unexpired recommendations for the dashboard.
func (e *Engine) ActiveRecommendations(ctx context.Context) ([]*database.Recommendation, error) {
	return e.store.GetActiveRecommendations(ctx, e.now())
}

// LatestCandidates returns the newest scored discovery batch.
func (e *Engine) LatestCandidates(ctx context.Context, limit int) ([]*database.CoinCandidate, error) {
	return e.store.GetLatestCandidates(ctx, limit)
}
