package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"crypto-paper-trader/internal/circuit"
	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/logging"
)

// Verdict actions. HOLD is a valid verdict but is never persisted as a
// Recommendation; callers drop it.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// Dispatch modes
const (
	ModeSingle    = "single"
	ModeConsensus = "consensus"
)

// ErrAllProvidersFailed signals that every remote advisor errored and the
// local heuristic took over.
var ErrAllProvidersFailed = errors.New("all advisory providers failed")

// Payload is the assembled context handed to an advisory provider for one
// symbol. Indicator math happens upstream; the oracle only forwards it.
type Payload struct {
	Symbol         string   `json:"symbol"`
	Intent         string   `json:"intent"` // BUY or SELL, from the opportunity gate
	Reason         string   `json:"reason"`
	Price          float64  `json:"price"`
	MarketCap      float64  `json:"market_cap"`
	Volume24h      float64  `json:"volume_24h"`
	Change24h      float64  `json:"change_24h"`
	Change7d       float64  `json:"change_7d"`
	RSI            float64  `json:"rsi"`
	Sentiment      float64  `json:"sentiment"` // [-1, 1]
	VolumeScore    float64  `json:"volume_score"`
	MomentumScore  float64  `json:"momentum_score"`
	CompositeScore float64  `json:"composite_score"`
	HeldQuantity   float64  `json:"held_quantity,omitempty"`
	HeldEntryPrice float64  `json:"held_entry_price,omitempty"`
	PercentGain    *float64 `json:"percent_gain,omitempty"`
}

// Verdict is a provider's raw answer, before it is shaped into a
// Recommendation.
type Verdict struct {
	Action           string    `json:"action"`
	Confidence       float64   `json:"confidence"` // 0-100
	EntryPrice       float64   `json:"entry_price"`
	StopLoss         *float64  `json:"stop_loss"`
	TakeProfitLevels []float64 `json:"take_profit_levels"`
	PositionFraction float64   `json:"position_fraction"`
	RiskLevel        string    `json:"risk_level"`
	Reasoning        string    `json:"reasoning"`
	KeyFactors       []string  `json:"key_factors"`
	Provider         string    `json:"provider"`
}

// Provider is one advisory source.
type Provider interface {
	Name() string
	Recommend(ctx context.Context, payload Payload, profile string) (*Verdict, error)
}

// autoStopDistance is the fraction below entry used when a BUY verdict
// arrives without a stop and auto stop-loss is enabled. Matches the
// heuristic provider's own stop distance.
const autoStopDistance = 0.05

// Config tunes the oracle's dispatch and resilience behavior.
type Config struct {
	Mode          string
	Profile       string // Strategy profile forwarded to providers
	RetryAttempts uint64 // Retries per provider call beyond the first attempt
	AutoStopLoss  bool   // Derive a stop for BUY verdicts that lack one
}

// Oracle dispatches payloads to advisory providers according to the
// configured mode and shapes the result into a Recommendation.
type Oracle struct {
	config    Config
	primary   Provider
	secondary Provider
	fallback  Provider
	breaker   *circuit.Breaker
	logger    *logging.Logger
	now       func() time.Time
}

// New builds an Oracle. In single mode only primary is consulted; in
// consensus mode primary and secondary run concurrently. fallback is the
// local heuristic used when all remote providers fail. breaker guards the
// remote providers and may be nil; the local fallback is never gated.
func New(cfg Config, primary, secondary, fallback Provider, breaker *circuit.Breaker, logger *logging.Logger) *Oracle {
	return &Oracle{
		config:    cfg,
		primary:   primary,
		secondary: secondary,
		fallback:  fallback,
		breaker:   breaker,
		logger:    logger.WithComponent("oracle"),
		now:       time.Now,
	}
}

// Decide returns a verdict for the payload. Remote failure never propagates:
// if every provider errors the deterministic local heuristic answers instead,
// so a cycle degrades rather than aborts.
func (o *Oracle) Decide(ctx context.Context, payload Payload) (*Verdict, error) {
	verdict, err := o.dispatch(ctx, payload)
	if err != nil {
		if !errors.Is(err, ErrAllProvidersFailed) {
			return nil, err
		}
		o.logger.Warn("advisory providers unavailable, using local heuristic",
			"symbol", payload.Symbol, "error", err.Error())
		verdict, err = o.fallback.Recommend(ctx, payload, o.config.Profile)
		if err != nil {
			return nil, fmt.Errorf("heuristic fallback: %w", err)
		}
	}
	return verdict, nil
}

func (o *Oracle) dispatch(ctx context.Context, payload Payload) (*Verdict, error) {
	switch o.config.Mode {
	case ModeConsensus:
		return o.consensus(ctx, payload)
	default:
		v, err := o.consult(ctx, o.primary, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAllProvidersFailed, o.primary.Name(), err)
		}
		return v, nil
	}
}

// consult runs one provider call through the advisory breaker and retries
// transient failures with exponential backoff and jitter. The retried call
// counts once against the breaker, and an open breaker short-circuits
// without touching the provider.
func (o *Oracle) consult(ctx context.Context, p Provider, payload Payload) (*Verdict, error) {
	if o.breaker != nil {
		if err := o.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	var verdict *Verdict
	operation := func() error {
		v, err := p.Recommend(ctx, payload, o.config.Profile)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.config.RetryAttempts),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if o.breaker != nil {
			o.breaker.RecordFailure()
		}
		return nil, err
	}
	if o.breaker != nil {
		o.breaker.RecordSuccess()
	}
	return verdict, nil
}

type providerResult struct {
	verdict *Verdict
	err     error
	name    string
}

// consensus queries both providers concurrently. Same action: keep the
// higher-confidence verdict. Disagreement: HOLD at confidence 50 citing both
// inputs, never silently pick a side. One failure: use the survivor. Both
// fail: ErrAllProvidersFailed.
func (o *Oracle) consensus(ctx context.Context, payload Payload) (*Verdict, error) {
	results := make(chan providerResult, 2)
	for _, p := range []Provider{o.primary, o.secondary} {
		go func(p Provider) {
			v, err := o.consult(ctx, p, payload)
			results <- providerResult{verdict: v, err: err, name: p.Name()}
		}(p)
	}

	var ok []providerResult
	var failed []providerResult
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			o.logger.Warn("advisory provider failed", "provider", r.name,
				"symbol", payload.Symbol, "error", r.err.Error())
			failed = append(failed, r)
			continue
		}
		ok = append(ok, r)
	}

	switch len(ok) {
	case 0:
		return nil, fmt.Errorf("%w: %s: %v; %s: %v", ErrAllProvidersFailed,
			failed[0].name, failed[0].err, failed[1].name, failed[1].err)
	case 1:
		return ok[0].verdict, nil
	}

	a, b := ok[0].verdict, ok[1].verdict
	if a.Action == b.Action {
		if b.Confidence > a.Confidence {
			return b, nil
		}
		return a, nil
	}

	return &Verdict{
		Action:     ActionHold,
		Confidence: 50,
		EntryPrice: payload.Price,
		RiskLevel:  "medium",
		Reasoning: fmt.Sprintf("providers disagree: %s said %s (%.0f%%: %s); %s said %s (%.0f%%: %s)",
			a.Provider, a.Action, a.Confidence, a.Reasoning,
			b.Provider, b.Action, b.Confidence, b.Reasoning),
		Provider: fmt.Sprintf("consensus(%s,%s)", a.Provider, b.Provider),
	}, nil
}

// BuildRecommendation turns a non-HOLD verdict into a persistable
// Recommendation. A BUY verdict without a stop-loss gets one derived below
// entry when auto stop-loss is enabled, otherwise it is rejected; a stop at
// or above entry is always rejected rather than coerced. Callers must drop
// HOLD verdicts before calling.
func (o *Oracle) BuildRecommendation(payload Payload, v *Verdict) (*database.Recommendation, error) {
	if v.Action == ActionHold {
		return nil, errors.New("HOLD verdicts are not persisted")
	}
	if v.Action != ActionBuy && v.Action != ActionSell {
		return nil, fmt.Errorf("unknown verdict action %q", v.Action)
	}

	entry := v.EntryPrice
	if v.Action == ActionSell || entry <= 0 {
		// SELL recommendations price at current market, not at a model guess.
		entry = payload.Price
	}

	stop := v.StopLoss
	if v.Action == ActionBuy {
		if stop == nil && o.config.AutoStopLoss {
			derived := entry * (1 - autoStopDistance)
			stop = &derived
			o.logger.Info("derived stop-loss for BUY verdict without one",
				"symbol", payload.Symbol, "entry", entry, "stop", derived)
		}
		if stop == nil {
			return nil, fmt.Errorf("BUY recommendation for %s has no stop-loss", payload.Symbol)
		}
		if *stop >= entry {
			return nil, fmt.Errorf("BUY recommendation for %s has stop-loss %.4f >= entry %.4f",
				payload.Symbol, *stop, entry)
		}
	}

	var tp1, tp2 *float64
	if len(v.TakeProfitLevels) > 0 {
		tp1 = &v.TakeProfitLevels[0]
	}
	if len(v.TakeProfitLevels) > 1 {
		tp2 = &v.TakeProfitLevels[1]
	}

	now := o.now()
	return &database.Recommendation{
		ID:               uuid.New(),
		Symbol:           payload.Symbol,
		Action:           v.Action,
		Confidence:       v.Confidence,
		EntryPrice:       entry,
		StopLoss:         stop,
		TakeProfit1:      tp1,
		TakeProfit2:      tp2,
		PositionFraction: v.PositionFraction,
		RiskLevel:        v.RiskLevel,
		Reasoning:        strings.TrimSpace(v.Reasoning),
		Provenance:       v.Provider,
		CreatedAt:        now,
		ExpiresAt:        now.Add(database.RecommendationTTL),
	}, nil
}
