package scorer

import (
	"fmt"
	"math"
	"sort"
	"time"

	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/market"
)

// Composite score weights. Volume dominates because turnover relative to
// market cap is the strongest signal that a coin is actually tradeable.
const (
	volumeWeight    = 0.40
	momentumWeight  = 0.35
	sentimentWeight = 0.25
)

// FilterProfile bounds which snapshots are eligible and where the composite
// acceptance bar sits.
type FilterProfile struct {
	Name         string
	MinMarketCap float64
	MinVolume24h float64
	MinComposite float64
}

var profiles = map[string]FilterProfile{
	"conservative": {
		Name:         "conservative",
		MinMarketCap: 1_000_000_000,
		MinVolume24h: 50_000_000,
		MinComposite: 60,
	},
	"moderate": {
		Name:         "moderate",
		MinMarketCap: 100_000_000,
		MinVolume24h: 10_000_000,
		MinComposite: 50,
	},
	"aggressive": {
		Name:         "aggressive",
		MinMarketCap: 10_000_000,
		MinVolume24h: 1_000_000,
		MinComposite: 40,
	},
	// Loosened bars for controlled testing only. Never a default.
	"debug": {
		Name:         "debug",
		MinMarketCap: 0,
		MinVolume24h: 0,
		MinComposite: 0,
	},
}

// ProfileByName looks up a filter profile by its configured name.
func ProfileByName(name string) (FilterProfile, error) {
	p, ok := profiles[name]
	if !ok {
		return FilterProfile{}, fmt.Errorf("unknown filter profile %q", name)
	}
	return p, nil
}

// Scorer converts raw market snapshots into ranked coin candidates.
type Scorer struct {
	profile FilterProfile
	now     func() time.Time
}

func New(profile FilterProfile) *Scorer {
	return &Scorer{profile: profile, now: time.Now}
}

// Score filters and ranks the given snapshots. sentiments maps symbol to the
// externally supplied sentiment score in [-1, 1]; missing symbols score
// neutral. Results are sorted by composite score descending, ties broken by
// market-cap rank ascending.
func (s *Scorer) Score(snapshots []market.Snapshot, sentiments map[string]float64) []database.CoinCandidate {
	now := s.now()
	candidates := make([]database.CoinCandidate, 0, len(snapshots))

	for _, snap := range snapshots {
		if snap.MarketCap < s.profile.MinMarketCap || snap.Volume24h < s.profile.MinVolume24h {
			continue
		}

		volScore := VolumeScore(snap.Volume24h, snap.MarketCap)
		momScore := MomentumScore(snap.Change24h, snap.Change7d)
		sentScore := SentimentScore(sentiments[snap.Symbol])
		composite := volumeWeight*volScore + momentumWeight*momScore + sentimentWeight*sentScore

		if composite < s.profile.MinComposite {
			continue
		}

		candidates = append(candidates, database.CoinCandidate{
			Symbol:         snap.Symbol,
			Name:           snap.Name,
			MarketCapRank:  snap.Rank,
			Price:          snap.Price,
			Volume24h:      snap.Volume24h,
			Change24h:      snap.Change24h,
			Change7d:       snap.Change7d,
			VolumeScore:    volScore,
			MomentumScore:  momScore,
			SentimentScore: sentScore,
			CompositeScore: composite,
			DiscoveredAt:   now,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].CompositeScore != candidates[j].CompositeScore {
			return candidates[i].CompositeScore > candidates[j].CompositeScore
		}
		return candidates[i].MarketCapRank < candidates[j].MarketCapRank
	})

	return candidates
}

// VolumeScore normalizes the volume/market-cap turnover ratio to [0,100].
// A 10% daily turnover already saturates the score; anything beyond that
// signals churn rather than additional quality.
func VolumeScore(volume24h, marketCap float64) float64 {
	if marketCap <= 0 {
		return 0
	}
	ratio := volume24h / marketCap
	return clamp(ratio/0.10*100, 0, 100)
}

// MomentumScore blends 24h and 7d price change (0.6/0.4) and maps the
// result from [-30%, +30%] onto [0,100], so a flat coin scores 50.
func MomentumScore(change24h, change7d float64) float64 {
	blended := 0.6*change24h + 0.4*change7d
	return clamp((blended+30)/60*100, 0, 100)
}

// SentimentScore maps an external sentiment value in [-1,1] onto [0,100].
func SentimentScore(sentiment float64) float64 {
	return clamp((sentiment+1)/2*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
