package oracle

import (
	"context"
	"fmt"
	"strings"
)

// HeuristicProvider is the deterministic local fallback used when every
// remote advisor is down. It counts bullish and bearish signals over RSI,
// sentiment and momentum; no network, no state.
type HeuristicProvider struct{}

func NewHeuristicProvider() *HeuristicProvider {
	return &HeuristicProvider{}
}

func (h *HeuristicProvider) Name() string { return "heuristic" }

func (h *HeuristicProvider) Recommend(_ context.Context, payload Payload, profile string) (*Verdict, error) {
	var bullish, bearish []string

	switch {
	case payload.RSI > 0 && payload.RSI < 30:
		bullish = append(bullish, fmt.Sprintf("RSI %.1f oversold", payload.RSI))
	case payload.RSI > 70:
		bearish = append(bearish, fmt.Sprintf("RSI %.1f overbought", payload.RSI))
	}

	switch {
	case payload.Sentiment > 0.3:
		bullish = append(bullish, fmt.Sprintf("sentiment %.2f positive", payload.Sentiment))
	case payload.Sentiment < -0.3:
		bearish = append(bearish, fmt.Sprintf("sentiment %.2f negative", payload.Sentiment))
	}

	switch {
	case payload.Change24h > 5:
		bullish = append(bullish, fmt.Sprintf("24h change +%.1f%%", payload.Change24h))
	case payload.Change24h < -5:
		bearish = append(bearish, fmt.Sprintf("24h change %.1f%%", payload.Change24h))
	}

	switch {
	case payload.Change7d > 10:
		bullish = append(bullish, fmt.Sprintf("7d change +%.1f%%", payload.Change7d))
	case payload.Change7d < -10:
		bearish = append(bearish, fmt.Sprintf("7d change %.1f%%", payload.Change7d))
	}

	// Margin of signals required to act. Aggressive acts on any lean,
	// conservative demands a clear majority.
	margin := 2
	switch profile {
	case "aggressive", "debug":
		margin = 1
	case "conservative":
		margin = 3
	}

	net := len(bullish) - len(bearish)
	action := ActionHold
	factors := append(append([]string{}, bullish...), bearish...)
	switch {
	case net >= margin:
		action = ActionBuy
	case -net >= margin:
		action = ActionSell
	}

	if action == ActionHold {
		return &Verdict{
			Action:     ActionHold,
			Confidence: 50,
			EntryPrice: payload.Price,
			RiskLevel:  "medium",
			Reasoning: fmt.Sprintf("rule-based: %d bullish vs %d bearish signals, below the %d-signal margin",
				len(bullish), len(bearish), margin),
			KeyFactors: factors,
			Provider:   h.Name(),
		}, nil
	}

	// Confidence scales with the signal margin but stays modest: a rule
	// counter should never outrank a real model's strong call.
	confidence := 55 + float64(abs(net))*5
	if confidence > 75 {
		confidence = 75
	}

	v := &Verdict{
		Action:           action,
		Confidence:       confidence,
		EntryPrice:       payload.Price,
		PositionFraction: 0.02,
		RiskLevel:        "medium",
		Reasoning: fmt.Sprintf("rule-based: %d bullish vs %d bearish signals (%s)",
			len(bullish), len(bearish), strings.Join(factors, "; ")),
		KeyFactors: factors,
		Provider:   h.Name(),
	}
	if action == ActionBuy {
		stop := payload.Price * 0.95
		v.StopLoss = &stop
		v.TakeProfitLevels = []float64{payload.Price * 1.10, payload.Price * 1.20}
	}
	return v, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
