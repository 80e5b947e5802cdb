package risk

import (
	"fmt"
	"time"

	"crypto-paper-trader/internal/database"
)

// Limits are the hard portfolio constraints a trade is checked against.
// Fractions are of total portfolio value.
type Limits struct {
	MaxPositionFraction  float64
	MaxAtRiskFraction    float64
	MaxOpenPositions     int
	MinDailyVolume       float64
	MaxDailyLossFraction float64
	MinTradeInterval     time.Duration
}

// DefaultLimits mirrors the shipped configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionFraction:  0.05,
		MaxAtRiskFraction:    0.15,
		MaxOpenPositions:     5,
		MinDailyVolume:       1_000_000,
		MaxDailyLossFraction: 0.03,
		MinTradeInterval:     time.Hour,
	}
}

// Trade is a proposed order, pre-execution.
type Trade struct {
	Symbol    string
	Side      string // BUY or SELL
	Quantity  float64
	Price     float64
	StopLoss  *float64
	Volume24h float64 // Symbol's 24h volume at proposal time
}

// Portfolio is the state snapshot the trade is validated against. The
// validator keeps nothing between calls; everything it needs arrives here.
type Portfolio struct {
	TotalValue        float64
	Positions         []database.Position
	CurrentPrices     map[string]float64
	DailyRealizedLoss float64              // Absolute loss realized today
	LastTradeAt       map[string]time.Time // Per-symbol most recent execution
}

// Result is an allow/deny decision with human-readable reasons. Warnings are
// non-blocking and only surfaced on manual-trade paths, where the caller must
// confirm explicitly to proceed.
type Result struct {
	Allowed  bool     `json:"allowed"`
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Result) deny(format string, args ...interface{}) {
	r.Allowed = false
	r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
}

func (r *Result) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks a proposed trade against the limits and portfolio. Pure:
// no side effects, no memory between calls.
func Validate(trade Trade, portfolio Portfolio, limits Limits, now time.Time) Result {
	result := Result{Allowed: true}

	if trade.Quantity <= 0 {
		result.deny("quantity must be positive, got %.8f", trade.Quantity)
	}
	if trade.Price <= 0 {
		result.deny("price must be positive, got %.8f", trade.Price)
	}

	if last, ok := portfolio.LastTradeAt[trade.Symbol]; ok {
		if since := now.Sub(last); since < limits.MinTradeInterval {
			result.deny("last %s trade was %s ago, minimum interval is %s",
				trade.Symbol, since.Round(time.Second), limits.MinTradeInterval)
		}
	}

	if portfolio.TotalValue > 0 && limits.MaxDailyLossFraction > 0 {
		lossCap := portfolio.TotalValue * limits.MaxDailyLossFraction
		if portfolio.DailyRealizedLoss >= lossCap {
			result.deny("daily realized loss %.2f has reached the cap %.2f", portfolio.DailyRealizedLoss, lossCap)
		}
	}

	switch trade.Side {
	case database.SideBuy:
		validateBuy(trade, portfolio, limits, &result)
	case database.SideSell:
		validateSell(trade, portfolio, &result)
	default:
		result.deny("unknown trade side %q", trade.Side)
	}

	return result
}

func validateBuy(trade Trade, portfolio Portfolio, limits Limits, result *Result) {
	// Non-negotiable: every BUY carries downside protection.
	if trade.StopLoss == nil {
		result.deny("BUY without stop-loss is not allowed")
	} else if *trade.StopLoss >= trade.Price {
		result.deny("stop-loss %.4f must be below entry price %.4f", *trade.StopLoss, trade.Price)
	}

	if trade.Volume24h < limits.MinDailyVolume {
		result.deny("24h volume %.0f below the %.0f floor", trade.Volume24h, limits.MinDailyVolume)
	}

	held := make(map[string]bool, len(portfolio.Positions))
	for _, p := range portfolio.Positions {
		held[p.Symbol] = true
	}
	if !held[trade.Symbol] && len(portfolio.Positions) >= limits.MaxOpenPositions {
		result.deny("already holding %d positions, maximum is %d", len(portfolio.Positions), limits.MaxOpenPositions)
	}

	if portfolio.TotalValue <= 0 {
		result.deny("portfolio value unknown, cannot size position")
		return
	}

	notional := trade.Quantity * trade.Price
	maxNotional := portfolio.TotalValue * limits.MaxPositionFraction
	if notional > maxNotional {
		result.deny("position size %.2f exceeds %.2f (%.0f%% of portfolio)",
			notional, maxNotional, limits.MaxPositionFraction*100)
	} else if notional > maxNotional*0.9 {
		result.warn("position size %.2f is within 10%% of the per-position cap", notional)
	}

	// At-risk exposure: distance to stop across open positions plus the new one.
	atRisk := proposedRisk(trade)
	for _, p := range portfolio.Positions {
		atRisk += positionRisk(p, portfolio.CurrentPrices)
	}
	maxAtRisk := portfolio.TotalValue * limits.MaxAtRiskFraction
	if atRisk > maxAtRisk {
		result.deny("total at-risk exposure %.2f exceeds %.2f (%.0f%% of portfolio)",
			atRisk, maxAtRisk, limits.MaxAtRiskFraction*100)
	}
}

func validateSell(trade Trade, portfolio Portfolio, result *Result) {
	for _, p := range portfolio.Positions {
		if p.Symbol != trade.Symbol {
			continue
		}
		if trade.Quantity > p.Quantity {
			result.deny("sell quantity %.8f exceeds held quantity %.8f", trade.Quantity, p.Quantity)
		}
		return
	}
	result.deny("no open position in %s to sell", trade.Symbol)
}

// proposedRisk is the loss if the new trade goes straight to its stop.
func proposedRisk(trade Trade) float64 {
	if trade.StopLoss == nil || *trade.StopLoss >= trade.Price {
		return trade.Quantity * trade.Price
	}
	return trade.Quantity * (trade.Price - *trade.StopLoss)
}

// positionRisk is the loss if an open position drops to its stop from the
// current price. A position without a stop risks its full current value.
func positionRisk(p database.Position, prices map[string]float64) float64 {
	price, ok := prices[p.Symbol]
	if !ok || price <= 0 {
		price = p.AvgEntryPrice
	}
	if p.StopLoss <= 0 || p.StopLoss >= price {
		return p.Quantity * price
	}
	return p.Quantity * (price - p.StopLoss)
}
