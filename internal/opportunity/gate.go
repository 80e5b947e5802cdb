package opportunity

import (
	"math"
	"sort"

	"crypto-paper-trader/internal/database"
)

// Buy reasons
const (
	ReasonBreakout  = "breakout"
	ReasonDip       = "dip"
	ReasonDiscovery = "discovery"
)

// Sell risk classifications
const (
	RiskProfitTarget = "profit_target"
	RiskManagement   = "risk_management"
	RiskResistance   = "resistance"
)

// Urgency levels, ordered for sorting
const (
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
	UrgencyLow    = "low"
)

var urgencyRank = map[string]int{
	UrgencyHigh:   3,
	UrgencyMedium: 2,
	UrgencyLow:    1,
}

// BuyOpportunity is a scored candidate not currently held.
type BuyOpportunity struct {
	Candidate database.CoinCandidate `json:"candidate"`
	Reason    string                 `json:"reason"`
	Urgency   string                 `json:"urgency"`
}

// SellOpportunity is a held position whose unrealized move crossed a band.
type SellOpportunity struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	PercentGain  float64 `json:"percent_gain"`
	Risk         string  `json:"risk"`
	Urgency      string  `json:"urgency"`
}

// Gate splits scored candidates and held positions into actionable buy and
// sell opportunities. It holds no state; both methods are pure.
type Gate struct{}

func NewGate() *Gate {
	return &Gate{}
}

// FindBuys returns every candidate not currently held, classified and sorted
// by composite score descending.
func (g *Gate) FindBuys(candidates []database.CoinCandidate, held map[string]*database.Position) []BuyOpportunity {
	buys := make([]BuyOpportunity, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := held[c.Symbol]; ok {
			continue
		}
		reason, urgency := classifyBuy(c)
		buys = append(buys, BuyOpportunity{Candidate: c, Reason: reason, Urgency: urgency})
	}
	sort.SliceStable(buys, func(i, j int) bool {
		return buys[i].Candidate.CompositeScore > buys[j].Candidate.CompositeScore
	})
	return buys
}

// First match wins; the order below is the priority order.
func classifyBuy(c database.CoinCandidate) (reason, urgency string) {
	switch {
	case c.MomentumScore > 70 && c.VolumeScore > 70:
		return ReasonBreakout, UrgencyHigh
	case c.MomentumScore < 40 && c.CompositeScore > 65:
		return ReasonDip, UrgencyMedium
	case c.CompositeScore > 75:
		return ReasonDiscovery, UrgencyHigh
	default:
		return ReasonDiscovery, UrgencyMedium
	}
}

// FindSells evaluates each held position against its current price. Positions
// without a price quote are skipped. Results sort by urgency (high first),
// then by absolute percent gain descending.
func (g *Gate) FindSells(positions []database.Position, prices map[string]float64) []SellOpportunity {
	sells := make([]SellOpportunity, 0, len(positions))
	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok || p.AvgEntryPrice <= 0 {
			continue
		}
		gain := (price - p.AvgEntryPrice) / p.AvgEntryPrice * 100
		risk, urgency, surfaced := classifySell(gain)
		if !surfaced {
			continue
		}
		sells = append(sells, SellOpportunity{
			Symbol:       p.Symbol,
			Quantity:     p.Quantity,
			EntryPrice:   p.AvgEntryPrice,
			CurrentPrice: price,
			PercentGain:  gain,
			Risk:         risk,
			Urgency:      urgency,
		})
	}
	sort.SliceStable(sells, func(i, j int) bool {
		if urgencyRank[sells[i].Urgency] != urgencyRank[sells[j].Urgency] {
			return urgencyRank[sells[i].Urgency] > urgencyRank[sells[j].Urgency]
		}
		return math.Abs(sells[i].PercentGain) > math.Abs(sells[j].PercentGain)
	})
	return sells
}

// Band boundaries belong to the higher-urgency side: exactly +50% is already
// the high-urgency profit band, exactly -20% the high-urgency risk band.
func classifySell(gain float64) (risk, urgency string, surfaced bool) {
	switch {
	case gain >= 50:
		return RiskProfitTarget, UrgencyHigh, true
	case gain >= 25:
		return RiskProfitTarget, UrgencyMedium, true
	case gain <= -20:
		return RiskManagement, UrgencyHigh, true
	case gain <= -10:
		return RiskManagement, UrgencyMedium, true
	case gain >= 10:
		return RiskResistance, UrgencyLow, true
	default:
		return "", "", false
	}
}
