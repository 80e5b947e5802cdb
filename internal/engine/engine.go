package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crypto-paper-trader/config"
	"crypto-paper-trader/internal/cache"
	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/events"
	"crypto-paper-trader/internal/executor"
	"crypto-paper-trader/internal/logging"
	"crypto-paper-trader/internal/market"
	"crypto-paper-trader/internal/monitor"
	"crypto-paper-trader/internal/opportunity"
	"crypto-paper-trader/internal/oracle"
	"crypto-paper-trader/internal/risk"
	"crypto-paper-trader/internal/scorer"
)

// Store is the persistence surface the engine needs beyond the executor's.
type Store interface {
	executor.Store
	SaveCandidates(ctx context.Context, candidates []*database.CoinCandidate) error
	GetLatestCandidates(ctx context.Context, limit int) ([]*database.CoinCandidate, error)
	CreateRecommendation(ctx context.Context, rec *database.Recommendation) error
	GetActiveRecommendations(ctx context.Context, now time.Time) ([]*database.Recommendation, error)
	GetRecentExecutionLogs(ctx context.Context, limit int) ([]*database.ExecutionLog, error)
	CountExecutionOutcomes(ctx context.Context, since time.Time) (map[string]int, error)
	GetLastTradeTime(ctx context.Context, symbol string) (*time.Time, error)
	GetDailyRealizedLoss(ctx context.Context, dayStart time.Time) (float64, error)
}

// Engine wires discovery, decision and monitoring into the two scheduled
// cycles and the operations the API layer exposes.
type Engine struct {
	cfg      *config.Config
	store    Store
	market   *market.Service
	scorer   *scorer.Scorer
	gate     *opportunity.Gate
	oracle   *oracle.Oracle
	executor *executor.Executor
	applier  *monitor.Applier
	cache    *cache.Service
	bus      *events.Bus
	logger   *logging.Logger
	now      func() time.Time

	// Paper account baseline; portfolio value = baseline + realized +
	// unrealized, all derived from persisted state.
	baseCapital float64
}

type Deps struct {
	Config      *config.Config
	Store       Store
	Market      *market.Service
	Scorer      *scorer.Scorer
	Gate        *opportunity.Gate
	Oracle      *oracle.Oracle
	Executor    *executor.Executor
	Applier     *monitor.Applier
	Cache       *cache.Service
	Bus         *events.Bus
	Logger      *logging.Logger
	BaseCapital float64
}

func New(d Deps) *Engine {
	if d.BaseCapital <= 0 {
		d.BaseCapital = 100_000
	}
	return &Engine{
		cfg:         d.Config,
		store:       d.Store,
		market:      d.Market,
		scorer:      d.Scorer,
		gate:        d.Gate,
		oracle:      d.Oracle,
		executor:    d.Executor,
		applier:     d.Applier,
		cache:       d.Cache,
		bus:         d.Bus,
		logger:      d.Logger.WithComponent("engine"),
		now:         time.Now,
		baseCapital: d.BaseCapital,
	}
}

// Opportunities is the combined scan result.
type Opportunities struct {
	BuyOpportunities  []opportunity.BuyOpportunity  `json:"buy_opportunities"`
	SellOpportunities []opportunity.SellOpportunity `json:"sell_opportunities"`
	ScannedAt         time.Time                     `json:"scanned_at"`
}

// FindOpportunities scans the configured universe and classifies buy and
// sell opportunities. Results are cached; forceRefresh bypasses the cache.
func (e *Engine) FindOpportunities(ctx context.Context, forceRefresh bool) (*Opportunities, error) {
	if !forceRefresh {
		var cached Opportunities
		if err := e.cache.GetJSON(ctx, cache.PrefixOpportunities, &cached); err == nil {
			return &cached, nil
		} else if !cache.IsMiss(err) {
			e.logger.Warn("opportunity cache read failed", "error", err.Error())
		}
	}

	snapshots, err := e.market.GetSnapshots(ctx, e.cfg.DiscoveryConfig.CoinUniverse)
	if err != nil {
		return nil, fmt.Errorf("fetch market snapshots: %w", err)
	}

	flat := make([]market.Snapshot, 0, len(snapshots))
	sentiments := make(map[string]float64, len(snapshots))
	for sym, snap := range snapshots {
		flat = append(flat, *snap)
		sentiments[sym] = e.market.GetSentiment(ctx, sym)
	}

	candidates := e.scorer.Score(flat, sentiments)
	if err := e.store.SaveCandidates(ctx, toCandidatePtrs(candidates)); err != nil {
		e.logger.Warn("could not persist candidates", "error", err.Error())
	}

	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	held := make(map[string]*database.Position, len(positions))
	prices := make(map[string]float64)
	for _, p := range positions {
		held[p.Symbol] = p
		if snap, ok := snapshots[p.Symbol]; ok {
			prices[p.Symbol] = snap.Price
		}
	}
	// Positions outside the scan universe still need a quote.
	e.fillMissingPrices(ctx, positions, prices)

	result := &Opportunities{
		BuyOpportunities:  e.gate.FindBuys(candidates, held),
		SellOpportunities: e.gate.FindSells(derefPositions(positions), prices),
		ScannedAt:         e.now(),
	}

	if err := e.cache.SetJSON(ctx, cache.PrefixOpportunities, result, e.cfg.DiscoveryConfig.CacheTTL); err != nil {
		e.logger.Warn("opportunity cache write failed", "error", err.Error())
	}

	e.bus.Emit(events.EventOpportunitiesFound, map[string]interface{}{
		"buys": len(result.BuyOpportunities), "sells": len(result.SellOpportunities),
	})
	return result, nil
}

// RecommendationBatch is the result of one oracle pass.
type RecommendationBatch struct {
	BuyRecommendations  []*database.Recommendation `json:"buy_recommendations"`
	SellRecommendations []*database.Recommendation `json:"sell_recommendations"`
	Skipped             SkippedCounts              `json:"skipped"`
}

// SkippedCounts reports opportunities not sent to the oracle (beyond top-K)
// or dropped by it (HOLD verdicts, invariant failures).
type SkippedCounts struct {
	Buy  int `json:"buy"`
	Sell int `json:"sell"`
}

// GenerateRecommendations sends the top-K buy and sell opportunities to the
// decision oracle and persists the non-HOLD verdicts. Per-symbol failures
// are counted as skipped, never abort the batch.
func (e *Engine) GenerateRecommendations(ctx context.Context, maxBuy, maxSell int) (*RecommendationBatch, error) {
	if maxBuy <= 0 {
		maxBuy = e.cfg.DiscoveryConfig.MaxBuyOracle
	}
	if maxSell <= 0 {
		maxSell = e.cfg.DiscoveryConfig.MaxSellOracle
	}

	opps, err := e.FindOpportunities(ctx, false)
	if err != nil {
		return nil, err
	}

	batch := &RecommendationBatch{}
	batch.Skipped.Buy = max(0, len(opps.BuyOpportunities)-maxBuy)
	batch.Skipped.Sell = max(0, len(opps.SellOpportunities)-maxSell)

	for _, buy := range topBuys(opps.BuyOpportunities, maxBuy) {
		rec, ok := e.adviseOne(ctx, buyPayload(buy, e.market.GetSentiment(ctx, buy.Candidate.Symbol)))
		if !ok {
			batch.Skipped.Buy++
			continue
		}
		batch.BuyRecommendations = append(batch.BuyRecommendations, rec)
	}

	for _, sell := range topSells(opps.SellOpportunities, maxSell) {
		rec, ok := e.adviseOne(ctx, sellPayload(sell, e.market.GetSentiment(ctx, sell.Symbol)))
		if !ok {
			batch.Skipped.Sell++
			continue
		}
		batch.SellRecommendations = append(batch.SellRecommendations, rec)
	}

	return batch, nil
}

// adviseOne runs one symbol through the oracle and persists the verdict.
// Returns false when the verdict is HOLD or anything on the path fails;
// failure is symbol-local by design.
func (e *Engine) adviseOne(ctx context.Context, payload oracle.Payload) (*database.Recommendation, bool) {
	verdict, err := e.oracle.Decide(ctx, payload)
	if err != nil {
		e.logger.Error("oracle decision failed", "symbol", payload.Symbol, "error", err.Error())
		return nil, false
	}
	if verdict.Action == oracle.ActionHold {
		e.logger.Info("oracle verdict is HOLD, discarded",
			"symbol", payload.Symbol, "confidence", verdict.Confidence)
		return nil, false
	}

	rec, err := e.oracle.BuildRecommendation(payload, verdict)
	if err != nil {
		e.logger.Error("verdict rejected", "symbol", payload.Symbol, "error", err.Error())
		return nil, false
	}
	if err := e.store.CreateRecommendation(ctx, rec); err != nil {
		e.logger.Error("could not persist recommendation", "symbol", payload.Symbol, "error", err.Error())
		return nil, false
	}

	e.bus.Emit(events.EventRecommendationCreated, map[string]interface{}{
		"id": rec.ID.String(), "symbol": rec.Symbol, "action": rec.Action, "confidence": rec.Confidence,
	})
	return rec, true
}

func toCandidatePtrs(candidates []database.CoinCandidate) []*database.CoinCandidate {
	out := make([]*database.CoinCandidate, len(candidates))
	for i := range candidates {
		out[i] = &candidates[i]
	}
	return out
}

func derefPositions(positions []*database.Position) []database.Position {
	out := make([]database.Position, len(positions))
	for i, p := range positions {
		out[i] = *p
	}
	return out
}

func topBuys(buys []opportunity.BuyOpportunity, k int) []opportunity.BuyOpportunity {
	if len(buys) > k {
		return buys[:k]
	}
	return buys
}

func topSells(sells []opportunity.SellOpportunity, k int) []opportunity.SellOpportunity {
	if len(sells) > k {
		return sells[:k]
	}
	return sells
}

func buyPayload(buy opportunity.BuyOpportunity, sentiment float64) oracle.Payload {
	c := buy.Candidate
	return oracle.Payload{
		Symbol:         c.Symbol,
		Intent:         database.SideBuy,
		Reason:         buy.Reason,
		Price:          c.Price,
		Volume24h:      c.Volume24h,
		Change24h:      c.Change24h,
		Change7d:       c.Change7d,
		Sentiment:      sentiment,
		VolumeScore:    c.VolumeScore,
		MomentumScore:  c.MomentumScore,
		CompositeScore: c.CompositeScore,
	}
}

func sellPayload(sell opportunity.SellOpportunity, sentiment float64) oracle.Payload {
	gain := sell.PercentGain
	return oracle.Payload{
		Symbol:         sell.Symbol,
		Intent:         database.SideSell,
		Reason:         sell.Risk,
		Price:          sell.CurrentPrice,
		Sentiment:      sentiment,
		HeldQuantity:   sell.Quantity,
		HeldEntryPrice: sell.EntryPrice,
		PercentGain:    &gain,
	}
}

// cycleID tags all log lines of one cycle for correlation.
func cycleID() string {
	return uuid.New().String()[:8]
}

// fillMissingPrices fetches quotes for held symbols absent from the scan.
func (e *Engine) fillMissingPrices(ctx context.Context, positions []*database.Position, prices map[string]float64) {
	var missing []string
	for _, p := range positions {
		if _, ok := prices[p.Symbol]; !ok {
			missing = append(missing, p.Symbol)
		}
	}
	if len(missing) == 0 {
		return
	}
	snaps, err := e.market.GetSnapshots(ctx, missing)
	if err != nil {
		e.logger.Warn("could not fetch quotes for held symbols", "error", err.Error())
		return
	}
	for sym, snap := range snaps {
		prices[sym] = snap.Price
	}
}

// snapshotPortfolio assembles the risk validator's view of the account.
func (e *Engine) snapshotPortfolio(ctx context.Context, prices map[string]float64) (risk.Portfolio, error) {
	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return risk.Portfolio{}, fmt.Errorf("list positions: %w", err)
	}

	now := e.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dailyLoss, err := e.store.GetDailyRealizedLoss(ctx, dayStart)
	if err != nil {
		return risk.Portfolio{}, fmt.Errorf("daily realized loss: %w", err)
	}

	total := e.baseCapital
	lastTrades := make(map[string]time.Time, len(positions))
	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok {
			price = p.AvgEntryPrice
		}
		total += (price - p.AvgEntryPrice) * p.Quantity

		if last, err := e.store.GetLastTradeTime(ctx, p.Symbol); err == nil && last != nil {
			lastTrades[p.Symbol] = *last
		}
	}

	return risk.Portfolio{
		TotalValue:        total,
		Positions:         derefPositions(positions),
		CurrentPrices:     prices,
		DailyRealizedLoss: dailyLoss,
		LastTradeAt:       lastTrades,
	}, nil
}

// executionSettings builds the per-cycle settings snapshot. Settings are
// read exactly once here, never mid-cycle.
func (e *Engine) executionSettings() executor.Settings {
	return executor.Settings{
		AutoExecute:          e.cfg.ExecutionConfig.AutoExecute,
		ConfidenceThreshold:  e.cfg.ExecutionConfig.ConfidenceThreshold,
		RequireHumanApproval: e.cfg.ExecutionConfig.RequireHumanApproval,
		SizingStrategy:       e.cfg.ExecutionConfig.SizingStrategy,
		MaxPositionFraction:  e.cfg.ExecutionConfig.MaxPositionFraction,
		Limits: risk.Limits{
			MaxPositionFraction:  e.cfg.RiskConfig.MaxPositionFraction,
			MaxAtRiskFraction:    e.cfg.RiskConfig.MaxAtRiskFraction,
			MaxOpenPositions:     e.cfg.RiskConfig.MaxOpenPositions,
			MinDailyVolume:       e.cfg.RiskConfig.MinDailyVolume,
			MaxDailyLossFraction: e.cfg.RiskConfig.MaxDailyLossFraction,
			MinTradeInterval:     e.cfg.RiskConfig.MinTradeInterval,
		},
	}
}

func (e *Engine) monitorSettings() monitor.Settings {
	return monitor.Settings{
		ExitStrategy:    e.cfg.MonitorConfig.ExitStrategy,
		TrailingPercent: e.cfg.MonitorConfig.TrailingPercent,
	}
}
