package market

import (
	"context"
	"fmt"
	"time"

	"crypto-paper-trader/internal/cache"
	"crypto-paper-trader/internal/circuit"
	"crypto-paper-trader/internal/logging"

	"github.com/cenkalti/backoff/v4"
)

// ServiceConfig tunes the market data service
type ServiceConfig struct {
	SnapshotTTL   time.Duration // Redis TTL per snapshot
	RetryAttempts uint64        // Bounded attempts per external call
	CallTimeout   time.Duration // Timeout per external call
}

// DefaultServiceConfig returns default tuning
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SnapshotTTL:   5 * time.Minute,
		RetryAttempts: 3,
		CallTimeout:   10 * time.Second,
	}
}

// Service decorates raw fetchers with cache, retry-with-jitter, the
// data-fetch circuit breaker and per-symbol failure isolation. It implements
// SnapshotProvider and SentimentProvider for the cycles.
type Service struct {
	fetcher   SnapshotFetcher
	sentiment SentimentFetcher
	cache     *cache.Service
	breaker   *circuit.Breaker
	logger    *logging.Logger
	config    ServiceConfig
}

// NewService creates a market data service. breaker may be nil, in which case
// upstream calls are not circuit-protected.
func NewService(fetcher SnapshotFetcher, sentiment SentimentFetcher, cacheSvc *cache.Service, breaker *circuit.Breaker, logger *logging.Logger, cfg ServiceConfig) *Service {
	return &Service{
		fetcher:   fetcher,
		sentiment: sentiment,
		cache:     cacheSvc,
		breaker:   breaker,
		logger:    logger.WithComponent("market"),
		config:    cfg,
	}
}

// GetSnapshots fetches market snapshots for the given symbols. Each symbol is
// fetched independently: cache first, then the upstream provider with bounded
// exponential backoff. A symbol that keeps failing is skipped and logged, the
// rest of the batch proceeds.
func (s *Service) GetSnapshots(ctx context.Context, symbols []string) (map[string]*Snapshot, error) {
	snapshots := make(map[string]*Snapshot, len(symbols))
	var skipped int

	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return snapshots, ctx.Err()
		}

		snap, err := s.getSnapshot(ctx, symbol)
		if err != nil {
			skipped++
			s.logger.Warn("skipping symbol after failed snapshot fetch", "symbol", symbol, "error", err)
			continue
		}
		snapshots[symbol] = snap
	}

	if skipped > 0 {
		s.logger.Info("snapshot batch completed with skips", "requested", len(symbols), "skipped", skipped)
	}
	return snapshots, nil
}

func (s *Service) getSnapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	key := fmt.Sprintf(cache.PrefixSnapshot, symbol)

	var cached Snapshot
	if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	snap, err := s.fetchWithRetry(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetJSON(ctx, key, snap, s.config.SnapshotTTL); err != nil && !cache.IsMiss(err) {
		s.logger.Debug("snapshot cache write failed", "symbol", symbol, "error", err)
	}
	return snap, nil
}

// fetchWithRetry calls the raw fetcher with exponential backoff and jitter,
// bounded by RetryAttempts, each attempt under its own timeout. The whole
// retried call counts as one attempt against the data-fetch breaker: an open
// breaker rejects the symbol without touching the upstream.
func (s *Service) fetchWithRetry(ctx context.Context, symbol string) (*Snapshot, error) {
	if s.breaker != nil {
		if err := s.breaker.Allow(); err != nil {
			return nil, fmt.Errorf("fetch snapshot %s: %w", symbol, err)
		}
	}

	var snap *Snapshot
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()

		fetched, err := s.fetcher.FetchSnapshot(callCtx, symbol)
		if err != nil {
			return err
		}
		snap = fetched
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.config.RetryAttempts),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if s.breaker != nil {
			s.breaker.RecordFailure()
		}
		return nil, fmt.Errorf("fetch snapshot %s: %w", symbol, err)
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
	return snap, nil
}

// GetSentiment returns the sentiment score for a symbol, clamped to [-1, 1].
// Any provider failure degrades to neutral (0), never to a cycle failure.
func (s *Service) GetSentiment(ctx context.Context, symbol string) float64 {
	if s.sentiment == nil {
		return 0
	}

	key := fmt.Sprintf(cache.PrefixSentiment, symbol)
	var cached float64
	if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
		return clampSentiment(cached)
	}

	if s.breaker != nil {
		if err := s.breaker.Allow(); err != nil {
			return 0
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	score, err := s.sentiment.FetchSentiment(callCtx, symbol)
	if err != nil {
		if s.breaker != nil {
			s.breaker.RecordFailure()
		}
		s.logger.Debug("sentiment unavailable, treating as neutral", "symbol", symbol, "error", err)
		return 0
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
	score = clampSentiment(score)

	if err := s.cache.SetJSON(ctx, key, score, s.config.SnapshotTTL); err != nil && !cache.IsMiss(err) {
		s.logger.Debug("sentiment cache write failed", "symbol", symbol, "error", err)
	}
	return score
}

func clampSentiment(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
