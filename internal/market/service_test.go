package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"crypto-paper-trader/internal/cache"
	"crypto-paper-trader/internal/circuit"
	"crypto-paper-trader/internal/logging"
)

type flakyFetcher struct {
	failuresLeft map[string]int
	calls        map[string]int
	sentiment    float64
	sentimentErr error
}

func newFlakyFetcher() *flakyFetcher {
	return &flakyFetcher{
		failuresLeft: make(map[string]int),
		calls:        make(map[string]int),
	}
}

func (f *flakyFetcher) FetchSnapshot(_ context.Context, symbol string) (*Snapshot, error) {
	f.calls[symbol]++
	if f.failuresLeft[symbol] > 0 {
		f.failuresLeft[symbol]--
		return nil, errors.New("upstream unavailable")
	}
	return &Snapshot{Symbol: symbol, Price: 100, Volume24h: 1e7, FetchedAt: time.Now()}, nil
}

func (f *flakyFetcher) FetchSentiment(_ context.Context, _ string) (float64, error) {
	return f.sentiment, f.sentimentErr
}

func newTestService(fetcher *flakyFetcher) *Service {
	logger := logging.New(&logging.Config{Level: "error", JSONFormat: true})
	cacheSvc := cache.New(cache.Config{Enabled: false}, logger)
	cfg := ServiceConfig{
		SnapshotTTL:   time.Minute,
		RetryAttempts: 3,
		CallTimeout:   time.Second,
	}
	return NewService(fetcher, fetcher, cacheSvc, nil, logger, cfg)
}

func TestGetSnapshotsRetriesTransientFailures(t *testing.T) {
	fetcher := newFlakyFetcher()
	fetcher.failuresLeft["BTC"] = 2
	svc := newTestService(fetcher)

	snaps, err := svc.GetSnapshots(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if _, ok := snaps["BTC"]; !ok {
		t.Fatal("BTC snapshot missing after retries")
	}
	if fetcher.calls["BTC"] != 3 {
		t.Errorf("calls = %d, want 3 (two failures then success)", fetcher.calls["BTC"])
	}
}

func TestGetSnapshotsSkipsPersistentlyFailingSymbol(t *testing.T) {
	fetcher := newFlakyFetcher()
	fetcher.failuresLeft["BAD"] = 100
	svc := newTestService(fetcher)

	snaps, err := svc.GetSnapshots(context.Background(), []string{"BAD", "ETH"})
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if _, ok := snaps["BAD"]; ok {
		t.Error("persistently failing symbol should be skipped, not returned")
	}
	if _, ok := snaps["ETH"]; !ok {
		t.Error("healthy symbol dropped alongside the failing one")
	}
}

func TestGetSentimentClampsAndDegradesToNeutral(t *testing.T) {
	fetcher := newFlakyFetcher()
	svc := newTestService(fetcher)
	ctx := context.Background()

	fetcher.sentiment = 3.5
	if got := svc.GetSentiment(ctx, "BTC"); got != 1 {
		t.Errorf("sentiment = %.2f, want clamp to 1", got)
	}

	fetcher.sentiment = -2
	if got := svc.GetSentiment(ctx, "ETH"); got != -1 {
		t.Errorf("sentiment = %.2f, want clamp to -1", got)
	}

	fetcher.sentimentErr = errors.New("provider down")
	if got := svc.GetSentiment(ctx, "SOL"); got != 0 {
		t.Errorf("sentiment = %.2f, want neutral 0 on failure", got)
	}
}

func TestGetSentimentWithoutProviderIsNeutral(t *testing.T) {
	logger := logging.New(&logging.Config{Level: "error", JSONFormat: true})
	cacheSvc := cache.New(cache.Config{Enabled: false}, logger)
	svc := NewService(newFlakyFetcher(), nil, cacheSvc, nil, logger, DefaultServiceConfig())

	if got := svc.GetSentiment(context.Background(), "BTC"); got != 0 {
		t.Errorf("sentiment = %.2f, want 0 without a provider", got)
	}
}

func TestOpenDataFetchBreakerSkipsUpstream(t *testing.T) {
	fetcher := newFlakyFetcher()
	fetcher.failuresLeft["BTC"] = 100
	logger := logging.New(&logging.Config{Level: "error", JSONFormat: true})
	cacheSvc := cache.New(cache.Config{Enabled: false}, logger)
	breaker := circuit.New(circuit.ClassDataFetch, circuit.Config{
		FailureThreshold: 2, ResetCount: 1, Cooldown: time.Hour,
	})
	cfg := ServiceConfig{SnapshotTTL: time.Minute, RetryAttempts: 0, CallTimeout: time.Second}
	svc := NewService(fetcher, fetcher, cacheSvc, breaker, logger, cfg)
	ctx := context.Background()

	// Two exhausted fetches trip the breaker.
	for i := 0; i < 2; i++ {
		if _, err := svc.GetSnapshots(ctx, []string{"BTC"}); err != nil {
			t.Fatalf("GetSnapshots: %v", err)
		}
	}
	if got := breaker.State(); got != circuit.StateOpen {
		t.Fatalf("breaker state = %s, want OPEN after repeated fetch failures", got)
	}

	before := fetcher.calls["BTC"]
	snaps, err := svc.GetSnapshots(ctx, []string{"BTC"})
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if _, ok := snaps["BTC"]; ok {
		t.Error("snapshot returned while the data-fetch breaker is open")
	}
	if fetcher.calls["BTC"] != before {
		t.Errorf("upstream called %d extra times behind an open breaker", fetcher.calls["BTC"]-before)
	}
}

func TestSimulatedFetcherIsDeterministic(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := NewSimulatedFetcher()
	a.now = func() time.Time { return fixed }
	b := NewSimulatedFetcher()
	b.now = func() time.Time { return fixed }

	s1, err := a.FetchSnapshot(ctx, "BTC")
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	s2, err := b.FetchSnapshot(ctx, "BTC")
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}

	if s1.Price != s2.Price || s1.Volume24h != s2.Volume24h || s1.Change24h != s2.Change24h {
		t.Errorf("simulated data not reproducible: %+v vs %+v", s1, s2)
	}
	if s1.Price <= 0 || s1.MarketCap <= 0 || s1.Volume24h <= 0 {
		t.Errorf("implausible snapshot %+v", s1)
	}
}
