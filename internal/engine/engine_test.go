package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crypto-paper-trader/config"
	"crypto-paper-trader/internal/cache"
	"crypto-paper-trader/internal/circuit"
	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/events"
	"crypto-paper-trader/internal/executor"
	"crypto-paper-trader/internal/logging"
	"crypto-paper-trader/internal/market"
	"crypto-paper-trader/internal/monitor"
	"crypto-paper-trader/internal/opportunity"
	"crypto-paper-trader/internal/oracle"
	"crypto-paper-trader/internal/scorer"
)

type fakeFetcher struct {
	snapshots  map[string]*market.Snapshot
	sentiments map[string]float64
}

func (f *fakeFetcher) FetchSnapshot(_ context.Context, symbol string) (*market.Snapshot, error) {
	snap, ok := f.snapshots[symbol]
	if !ok {
		return nil, fmt.Errorf("no snapshot for %s", symbol)
	}
	cp := *snap
	return &cp, nil
}

func (f *fakeFetcher) FetchSentiment(_ context.Context, symbol string) (float64, error) {
	return f.sentiments[symbol], nil
}

// fakeStore is an in-memory engine.Store.
type fakeStore struct {
	positions  map[string]*database.Position
	approvals  map[string]*database.TradeApproval
	logs       []*database.ExecutionLog
	candidates []*database.CoinCandidate
	recs       []*database.Recommendation
	lastTrades map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		positions:  make(map[string]*database.Position),
		approvals:  make(map[string]*database.TradeApproval),
		lastTrades: make(map[string]time.Time),
	}
}

func (m *fakeStore) MutatePosition(_ context.Context, symbol string, fn func(*database.Position) (*database.Position, error)) error {
	var cur *database.Position
	if p, ok := m.positions[symbol]; ok {
		cp := *p
		cur = &cp
	}
	updated, err := fn(cur)
	if err != nil {
		return err
	}
	if updated == nil {
		delete(m.positions, symbol)
		return nil
	}
	m.positions[symbol] = updated
	return nil
}

func (m *fakeStore) GetPosition(_ context.Context, symbol string) (*database.Position, error) {
	p, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *fakeStore) ListPositions(_ context.Context) ([]*database.Position, error) {
	out := make([]*database.Position, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *fakeStore) AppendExecutionLog(_ context.Context, e *database.ExecutionLog) error {
	m.logs = append(m.logs, e)
	return nil
}

func (m *fakeStore) CreateApproval(_ context.Context, a *database.TradeApproval) error {
	cp := *a
	m.approvals[a.ID.String()] = &cp
	return nil
}

func (m *fakeStore) GetApproval(_ context.Context, id string) (*database.TradeApproval, error) {
	a, ok := m.approvals[id]
	if !ok {
		return nil, database.ErrApprovalNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *fakeStore) ListPendingApprovals(_ context.Context, now time.Time) ([]*database.TradeApproval, error) {
	var out []*database.TradeApproval
	for _, a := range m.approvals {
		if a.Status == database.ApprovalPending && now.Before(a.ExpiresAt) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *fakeStore) ResolveApproval(_ context.Context, id, status, reason string, now time.Time) (bool, error) {
	a, ok := m.approvals[id]
	if !ok || a.Status != database.ApprovalPending || !now.Before(a.ExpiresAt) {
		return false, nil
	}
	a.Status = status
	a.RejectReason = reason
	a.ResolvedAt = &now
	return true, nil
}

func (m *fakeStore) MarkApprovalExpired(_ context.Context, id string, now time.Time) error {
	if a, ok := m.approvals[id]; ok && a.Status == database.ApprovalPending {
		a.Status = database.ApprovalExpired
		a.ResolvedAt = &now
	}
	return nil
}

func (m *fakeStore) SaveCandidates(_ context.Context, candidates []*database.CoinCandidate) error {
	m.candidates = candidates
	return nil
}

func (m *fakeStore) GetLatestCandidates(_ context.Context, limit int) ([]*database.CoinCandidate, error) {
	if len(m.candidates) > limit {
		return m.candidates[:limit], nil
	}
	return m.candidates, nil
}

func (m *fakeStore) CreateRecommendation(_ context.Context, rec *database.Recommendation) error {
	cp := *rec
	m.recs = append(m.recs, &cp)
	return nil
}

func (m *fakeStore) GetActiveRecommendations(_ context.Context, now time.Time) ([]*database.Recommendation, error) {
	var out []*database.Recommendation
	for _, r := range m.recs {
		if !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *fakeStore) GetRecentExecutionLogs(_ context.Context, limit int) ([]*database.ExecutionLog, error) {
	if len(m.logs) > limit {
		return m.logs[len(m.logs)-limit:], nil
	}
	return m.logs, nil
}

func (m *fakeStore) CountExecutionOutcomes(_ context.Context, since time.Time) (map[string]int, error) {
	out := make(map[string]int)
	for _, l := range m.logs {
		if !l.CompletedAt.Before(since) {
			out[l.Outcome]++
		}
	}
	return out, nil
}

func (m *fakeStore) GetLastTradeTime(_ context.Context, symbol string) (*time.Time, error) {
	if t, ok := m.lastTrades[symbol]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *fakeStore) GetDailyRealizedLoss(_ context.Context, _ time.Time) (float64, error) {
	return 0, nil
}

type scriptedProvider struct {
	verdicts map[string]*oracle.Verdict
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Recommend(_ context.Context, p oracle.Payload, _ string) (*oracle.Verdict, error) {
	if v, ok := s.verdicts[p.Symbol]; ok {
		cp := *v
		return &cp, nil
	}
	return &oracle.Verdict{Action: oracle.ActionHold, Confidence: 50, Provider: "scripted"}, nil
}

// AAA scores as a breakout (volume and momentum both above 70), BBB as a
// dip (momentum below 40 with a composite above 65).
func testSnapshots() map[string]*market.Snapshot {
	return map[string]*market.Snapshot{
		"AAA": {
			Symbol: "AAA", Name: "AAA", Rank: 1,
			Price: 100, MarketCap: 1e9, Volume24h: 1e8,
			Change24h: 15, Change7d: 15, FetchedAt: time.Now(),
		},
		"BBB": {
			Symbol: "BBB", Name: "BBB", Rank: 2,
			Price: 50, MarketCap: 5e8, Volume24h: 5e7,
			Change24h: -10, Change7d: -10, FetchedAt: time.Now(),
		},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		DiscoveryConfig: config.DiscoveryConfig{
			CoinUniverse:  []string{"AAA", "BBB"},
			FilterProfile: "debug",
			MaxBuyOracle:  2,
			MaxSellOracle: 2,
			CacheTTL:      time.Minute,
		},
		ExecutionConfig: config.ExecutionConfig{
			AutoExecute:          true,
			ConfidenceThreshold:  70,
			RequireHumanApproval: false,
			SizingStrategy:       executor.SizingEqualWeight,
			MaxPositionFraction:  0.05,
		},
		RiskConfig: config.RiskConfig{
			MaxPositionFraction:  0.05,
			MaxAtRiskFraction:    0.15,
			MaxOpenPositions:     5,
			MinDailyVolume:       1_000_000,
			MaxDailyLossFraction: 0.03,
			MinTradeInterval:     time.Hour,
		},
		MonitorConfig: config.MonitorConfig{
			ExitStrategy:    monitor.StrategyFull,
			TrailingPercent: 0.05,
		},
	}
}

func newTestEngine(t *testing.T, store *fakeStore, verdicts map[string]*oracle.Verdict) *Engine {
	t.Helper()

	logger := logging.New(&logging.Config{Level: "error", JSONFormat: true})
	cacheSvc := cache.New(cache.Config{Enabled: false}, logger)
	bus := events.NewBus()

	fetcher := &fakeFetcher{
		snapshots:  testSnapshots(),
		sentiments: map[string]float64{"AAA": 0.2, "BBB": 0.2},
	}
	breakers := circuit.NewRegistry(circuit.RegistryConfig{
		FailureThreshold:  5,
		ResetCount:        2,
		ExecutionCooldown: 30 * time.Minute,
		DataFetchCooldown: time.Minute,
	}, nil, logger)

	marketSvc := market.NewService(fetcher, fetcher, cacheSvc,
		breakers.Get(circuit.ClassDataFetch), logger, market.DefaultServiceConfig())

	profile, err := scorer.ProfileByName("debug")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}

	exec := executor.New(store, breakers, bus, logger, zerolog.Nop())

	return New(Deps{
		Config: testConfig(),
		Store:  store,
		Market: marketSvc,
		Scorer: scorer.New(profile),
		Gate:   opportunity.NewGate(),
		Oracle: oracle.New(oracle.Config{Mode: oracle.ModeSingle, Profile: "moderate"},
			&scriptedProvider{verdicts: verdicts}, nil, oracle.NewHeuristicProvider(),
			breakers.Get(circuit.ClassAdvisory), logger),
		Executor: exec,
		Applier:  monitor.NewApplier(exec, store, logger),
		Cache:    cacheSvc,
		Bus:      bus,
		Logger:   logger,
	})
}

func stopAt(v float64) *float64 { return &v }

func TestFindOpportunitiesClassifiesUniverse(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(t, store, nil)

	opps, err := eng.FindOpportunities(context.Background(), true)
	if err != nil {
		t.Fatalf("FindOpportunities: %v", err)
	}

	if len(opps.BuyOpportunities) != 2 {
		t.Fatalf("expected 2 buy opportunities, got %d", len(opps.BuyOpportunities))
	}
	if opps.BuyOpportunities[0].Candidate.Symbol != "AAA" {
		t.Errorf("expected AAA first by composite, got %s", opps.BuyOpportunities[0].Candidate.Symbol)
	}
	if got := opps.BuyOpportunities[0].Reason; got != opportunity.ReasonBreakout {
		t.Errorf("AAA reason = %s, want %s", got, opportunity.ReasonBreakout)
	}
	if got := opps.BuyOpportunities[1].Reason; got != opportunity.ReasonDip {
		t.Errorf("BBB reason = %s, want %s", got, opportunity.ReasonDip)
	}
	if len(opps.SellOpportunities) != 0 {
		t.Errorf("expected no sell opportunities without positions, got %d", len(opps.SellOpportunities))
	}
	if opps.ScannedAt.IsZero() {
		t.Error("ScannedAt not stamped")
	}
	if len(store.candidates) != 2 {
		t.Errorf("expected 2 persisted candidates, got %d", len(store.candidates))
	}
}

func TestFindOpportunitiesExcludesHeldSymbols(t *testing.T) {
	store := newFakeStore()
	store.positions["AAA"] = &database.Position{
		Symbol: "AAA", Quantity: 10,
		AvgEntryPrice: 60, OriginalEntryPrice: 60,
		StopLoss: 55, TakeProfit: 200,
	}
	eng := newTestEngine(t, store, nil)

	opps, err := eng.FindOpportunities(context.Background(), true)
	if err != nil {
		t.Fatalf("FindOpportunities: %v", err)
	}

	for _, buy := range opps.BuyOpportunities {
		if buy.Candidate.Symbol == "AAA" {
			t.Error("held symbol AAA surfaced as a buy opportunity")
		}
	}
	// AAA is up 66.7% from entry at the quoted 100, comfortably a sell.
	if len(opps.SellOpportunities) != 1 || opps.SellOpportunities[0].Symbol != "AAA" {
		t.Fatalf("expected one AAA sell opportunity, got %+v", opps.SellOpportunities)
	}
	if got := opps.SellOpportunities[0].Urgency; got != opportunity.UrgencyHigh {
		t.Errorf("urgency = %s, want %s", got, opportunity.UrgencyHigh)
	}
}

func TestGenerateRecommendationsPersistsAndSkipsHolds(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(t, store, map[string]*oracle.Verdict{
		"AAA": {
			Action: oracle.ActionBuy, Confidence: 85,
			EntryPrice: 100, StopLoss: stopAt(95),
			TakeProfitLevels: []float64{110, 120},
			PositionFraction: 0.05, RiskLevel: "medium",
			Reasoning: "strong breakout", Provider: "scripted",
		},
		// BBB falls through to the scripted default HOLD.
	})

	batch, err := eng.GenerateRecommendations(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("GenerateRecommendations: %v", err)
	}

	if len(batch.BuyRecommendations) != 1 {
		t.Fatalf("expected 1 buy recommendation, got %d", len(batch.BuyRecommendations))
	}
	rec := batch.BuyRecommendations[0]
	if rec.Symbol != "AAA" || rec.Action != database.SideBuy {
		t.Errorf("unexpected recommendation %s %s", rec.Action, rec.Symbol)
	}
	if rec.StopLoss == nil || *rec.StopLoss != 95 {
		t.Errorf("stop-loss not carried through: %+v", rec.StopLoss)
	}
	if batch.Skipped.Buy != 1 {
		t.Errorf("Skipped.Buy = %d, want 1 (HOLD discarded)", batch.Skipped.Buy)
	}
	if len(store.recs) != 1 {
		t.Errorf("expected 1 persisted recommendation, got %d", len(store.recs))
	}
}

func TestGenerateRecommendationsHonorsTopK(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(t, store, nil)

	batch, err := eng.GenerateRecommendations(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("GenerateRecommendations: %v", err)
	}

	// One of two buys is beyond the oracle budget, and the consulted one is
	// discarded as HOLD.
	if batch.Skipped.Buy != 2 {
		t.Errorf("Skipped.Buy = %d, want 2", batch.Skipped.Buy)
	}
	if len(store.recs) != 0 {
		t.Errorf("expected no persisted recommendations, got %d", len(store.recs))
	}
}

func TestDiscoveryCycleAutoExecutes(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(t, store, map[string]*oracle.Verdict{
		"AAA": {
			Action: oracle.ActionBuy, Confidence: 90,
			EntryPrice: 100, StopLoss: stopAt(95),
			TakeProfitLevels: []float64{120},
			PositionFraction: 0.05, RiskLevel: "medium",
			Provider: "scripted",
		},
	})

	if err := eng.RunDiscoveryCycle(context.Background()); err != nil {
		t.Fatalf("RunDiscoveryCycle: %v", err)
	}

	pos, ok := store.positions["AAA"]
	if !ok {
		t.Fatal("expected an open AAA position after the cycle")
	}
	// Equal weight: 5% of the 100k paper account at entry 100.
	if pos.Quantity != 50 {
		t.Errorf("quantity = %.4f, want 50", pos.Quantity)
	}
	if pos.StopLoss != 95 {
		t.Errorf("stop-loss = %.4f, want 95", pos.StopLoss)
	}

	var executed bool
	for _, l := range store.logs {
		if l.Symbol == "AAA" && l.Outcome == database.OutcomeExecuted {
			executed = true
		}
	}
	if !executed {
		t.Error("no EXECUTED audit record written")
	}
}

func TestDiscoveryCycleEnforcesTradeSpacingAfterExit(t *testing.T) {
	store := newFakeStore()
	// AAA was fully exited half an hour ago, so the position book no longer
	// carries its trade time; the audit trail must still enforce the spacing.
	store.lastTrades["AAA"] = time.Now().Add(-30 * time.Minute)
	eng := newTestEngine(t, store, map[string]*oracle.Verdict{
		"AAA": {
			Action: oracle.ActionBuy, Confidence: 90,
			EntryPrice: 100, StopLoss: stopAt(95),
			PositionFraction: 0.05, RiskLevel: "medium",
			Provider: "scripted",
		},
	})

	if err := eng.RunDiscoveryCycle(context.Background()); err != nil {
		t.Fatalf("RunDiscoveryCycle: %v", err)
	}

	if _, ok := store.positions["AAA"]; ok {
		t.Fatal("re-entered AAA inside the minimum trade interval")
	}

	var denied bool
	for _, l := range store.logs {
		if l.Symbol == "AAA" && l.Outcome == database.OutcomeDenied &&
			strings.Contains(l.Reason, "minimum interval") {
			denied = true
		}
	}
	if !denied {
		t.Error("no denial citing the minimum trade interval was audited")
	}
}

func TestMonitorCycleExitsOnStopHit(t *testing.T) {
	store := newFakeStore()
	// Stop above the current quote of 100 forces a stop-loss exit.
	store.positions["AAA"] = &database.Position{
		Symbol: "AAA", Quantity: 10,
		AvgEntryPrice: 120, OriginalEntryPrice: 120,
		StopLoss: 110, TakeProfit: 200, HighWaterMark: 125,
	}
	eng := newTestEngine(t, store, nil)

	if err := eng.RunMonitorCycle(context.Background()); err != nil {
		t.Fatalf("RunMonitorCycle: %v", err)
	}

	if _, ok := store.positions["AAA"]; ok {
		t.Fatal("position should be closed after stop-loss hit")
	}

	var exited bool
	for _, l := range store.logs {
		if l.Action == database.ActionExit && l.Symbol == "AAA" && l.Outcome == database.OutcomeExecuted {
			exited = true
		}
	}
	if !exited {
		t.Error("no EXIT audit record written")
	}
}

func TestApprovalFlowThroughEngine(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(t, store, map[string]*oracle.Verdict{
		"AAA": {
			Action: oracle.ActionBuy, Confidence: 90,
			EntryPrice: 100, StopLoss: stopAt(95),
			PositionFraction: 0.05, RiskLevel: "medium",
			Provider: "scripted",
		},
	})
	eng.cfg.ExecutionConfig.RequireHumanApproval = true

	if err := eng.RunDiscoveryCycle(context.Background()); err != nil {
		t.Fatalf("RunDiscoveryCycle: %v", err)
	}

	if _, ok := store.positions["AAA"]; ok {
		t.Fatal("trade executed despite approval requirement")
	}

	pending, err := eng.ListPendingApprovals(context.Background())
	if err != nil {
		t.Fatalf("ListPendingApprovals: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}

	// Approve executes the queued trade against fresh market conditions.
	disposition, err := eng.Approve(context.Background(), pending[0].ID.String())
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if disposition.Status != executor.StatusExecuted {
		t.Fatalf("disposition = %s (%s), want %s", disposition.Status, disposition.Reason, executor.StatusExecuted)
	}
	if _, ok := store.positions["AAA"]; !ok {
		t.Error("approved trade did not open a position")
	}
}

func TestGetMonitoringStats(t *testing.T) {
	store := newFakeStore()
	store.positions["AAA"] = &database.Position{
		Symbol: "AAA", Quantity: 10,
		AvgEntryPrice: 90, OriginalEntryPrice: 90,
		StopLoss: 85, TakeProfit: 200,
	}
	eng := newTestEngine(t, store, nil)

	stats, err := eng.GetMonitoringStats(context.Background())
	if err != nil {
		t.Fatalf("GetMonitoringStats: %v", err)
	}
	if stats.OpenPositions != 1 {
		t.Errorf("open positions = %d, want 1", stats.OpenPositions)
	}
	// Quoted at 100 against a 90 entry on 10 units.
	if stats.UnrealizedPnL != 100 {
		t.Errorf("unrealized = %.2f, want 100", stats.UnrealizedPnL)
	}
	if stats.TotalValue != 100_100 {
		t.Errorf("total value = %.2f, want 100100", stats.TotalValue)
	}
}
