package risk

import (
	"strings"
	"testing"
	"time"

	"crypto-paper-trader/internal/database"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func floatPtr(v float64) *float64 { return &v }

// A buy that passes every limit against an empty portfolio.
func baseTrade() Trade {
	return Trade{
		Symbol:    "BTC",
		Side:      database.SideBuy,
		Quantity:  0.04, // notional 4000 = 4% of 100k
		Price:     100_000,
		StopLoss:  floatPtr(95_000),
		Volume24h: 5_000_000,
	}
}

func basePortfolio() Portfolio {
	return Portfolio{
		TotalValue:    100_000,
		CurrentPrices: map[string]float64{},
		LastTradeAt:   map[string]time.Time{},
	}
}

func denied(t *testing.T, result Result, fragment string) {
	t.Helper()
	if result.Allowed {
		t.Fatalf("expected denial containing %q, trade was allowed", fragment)
	}
	for _, r := range result.Reasons {
		if strings.Contains(r, fragment) {
			return
		}
	}
	t.Errorf("no denial reason contains %q, got %v", fragment, result.Reasons)
}

func TestValidBuyAllowed(t *testing.T) {
	result := Validate(baseTrade(), basePortfolio(), DefaultLimits(), now)
	if !result.Allowed {
		t.Fatalf("expected allowed, denied: %v", result.Reasons)
	}
	if len(result.Reasons) != 0 {
		t.Errorf("unexpected reasons on allowed trade: %v", result.Reasons)
	}
}

func TestBuyWithoutStopLossRejected(t *testing.T) {
	trade := baseTrade()
	trade.StopLoss = nil
	denied(t, Validate(trade, basePortfolio(), DefaultLimits(), now), "stop-loss")
}

func TestBuyWithStopAboveEntryRejected(t *testing.T) {
	trade := baseTrade()
	trade.StopLoss = floatPtr(110_000)
	denied(t, Validate(trade, basePortfolio(), DefaultLimits(), now), "below entry")
}

func TestPositionSizeCap(t *testing.T) {
	trade := baseTrade()
	trade.Quantity = 0.06 // notional 6000 > 5% of 100k
	denied(t, Validate(trade, basePortfolio(), DefaultLimits(), now), "exceeds")
}

func TestPositionSizeWarningNearCap(t *testing.T) {
	trade := baseTrade()
	trade.Quantity = 0.048 // notional 4800, above 90% of the 5000 cap
	result := Validate(trade, basePortfolio(), DefaultLimits(), now)
	if !result.Allowed {
		t.Fatalf("expected allowed, denied: %v", result.Reasons)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a near-cap warning")
	}
}

func TestMaxOpenPositions(t *testing.T) {
	portfolio := basePortfolio()
	for _, sym := range []string{"A", "B", "C", "D", "E"} {
		portfolio.Positions = append(portfolio.Positions, database.Position{
			Symbol: sym, Quantity: 0.001, AvgEntryPrice: 100, StopLoss: 95,
		})
	}
	denied(t, Validate(baseTrade(), portfolio, DefaultLimits(), now), "maximum is 5")
}

func TestAtRiskExposureCap(t *testing.T) {
	portfolio := basePortfolio()
	// Two positions each risking 7000 against a 15000 cap.
	for _, sym := range []string{"ETH", "SOL"} {
		portfolio.Positions = append(portfolio.Positions, database.Position{
			Symbol: sym, Quantity: 70, AvgEntryPrice: 1000, StopLoss: 900,
		})
		portfolio.CurrentPrices[sym] = 1000
	}
	// New trade risks 0.04 * 5000 = 200 -> total 14200, allowed.
	if result := Validate(baseTrade(), portfolio, DefaultLimits(), now); !result.Allowed {
		t.Fatalf("expected allowed at 14.2%% at-risk, denied: %v", result.Reasons)
	}
	// Widen the new trade's stop so its risk pushes past the cap.
	trade := baseTrade()
	trade.Quantity = 0.05
	trade.Price = 100_000
	trade.StopLoss = floatPtr(75_000) // risks 1250 -> total 15250
	denied(t, Validate(trade, portfolio, DefaultLimits(), now), "at-risk")
}

func TestVolumeFloor(t *testing.T) {
	trade := baseTrade()
	trade.Volume24h = 500_000
	denied(t, Validate(trade, basePortfolio(), DefaultLimits(), now), "volume")
}

func TestDailyLossCap(t *testing.T) {
	portfolio := basePortfolio()
	portfolio.DailyRealizedLoss = 3_000 // exactly 3% of 100k
	denied(t, Validate(baseTrade(), portfolio, DefaultLimits(), now), "daily realized loss")
}

func TestTradeSpacing(t *testing.T) {
	portfolio := basePortfolio()
	portfolio.LastTradeAt["BTC"] = now.Add(-30 * time.Minute)
	denied(t, Validate(baseTrade(), portfolio, DefaultLimits(), now), "minimum interval")

	// Other symbols are not affected.
	portfolio.LastTradeAt = map[string]time.Time{"ETH": now.Add(-30 * time.Minute)}
	if result := Validate(baseTrade(), portfolio, DefaultLimits(), now); !result.Allowed {
		t.Errorf("spacing on ETH should not block BTC: %v", result.Reasons)
	}

	// Exactly at the interval boundary is allowed again.
	portfolio.LastTradeAt = map[string]time.Time{"BTC": now.Add(-time.Hour)}
	if result := Validate(baseTrade(), portfolio, DefaultLimits(), now); !result.Allowed {
		t.Errorf("spacing at exactly 1h should allow: %v", result.Reasons)
	}
}

func TestSellValidation(t *testing.T) {
	portfolio := basePortfolio()
	portfolio.Positions = []database.Position{
		{Symbol: "BTC", Quantity: 0.5, AvgEntryPrice: 90_000, StopLoss: 85_000},
	}

	sell := Trade{Symbol: "BTC", Side: database.SideSell, Quantity: 0.5, Price: 100_000}
	if result := Validate(sell, portfolio, DefaultLimits(), now); !result.Allowed {
		t.Fatalf("full exit should be allowed: %v", result.Reasons)
	}

	sell.Quantity = 0.6
	denied(t, Validate(sell, portfolio, DefaultLimits(), now), "exceeds held")

	sell = Trade{Symbol: "ETH", Side: database.SideSell, Quantity: 1, Price: 1000}
	denied(t, Validate(sell, portfolio, DefaultLimits(), now), "no open position")
}

func TestDenialsAccumulate(t *testing.T) {
	trade := baseTrade()
	trade.StopLoss = nil
	trade.Volume24h = 0
	result := Validate(trade, basePortfolio(), DefaultLimits(), now)
	if result.Allowed {
		t.Fatal("expected denial")
	}
	if len(result.Reasons) < 2 {
		t.Errorf("expected both violations reported, got %v", result.Reasons)
	}
}
