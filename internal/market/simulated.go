package market

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// SimulatedFetcher produces deterministic pseudo-market data for paper
// trading and tests. Prices follow a slow sine drift seeded by the symbol so
// repeated runs are reproducible.
type SimulatedFetcher struct {
	mu    sync.Mutex
	now   func() time.Time
	ranks map[string]int
	next  int
}

// NewSimulatedFetcher creates a simulated market data source
func NewSimulatedFetcher() *SimulatedFetcher {
	return &SimulatedFetcher{
		now:   time.Now,
		ranks: make(map[string]int),
		next:  1,
	}
}

func symbolSeed(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return float64(h.Sum32()%10_000) + 1
}

// FetchSnapshot returns a synthetic snapshot for the symbol
func (f *SimulatedFetcher) FetchSnapshot(_ context.Context, symbol string) (*Snapshot, error) {
	f.mu.Lock()
	rank, ok := f.ranks[symbol]
	if !ok {
		rank = f.next
		f.ranks[symbol] = rank
		f.next++
	}
	now := f.now()
	f.mu.Unlock()

	seed := symbolSeed(symbol)
	phase := float64(now.Unix()/3600) / 24.0 * 2 * math.Pi

	price := seed * (1 + 0.05*math.Sin(phase+seed))
	marketCap := seed * 1e8
	volume := marketCap * (0.02 + 0.03*math.Abs(math.Sin(phase*2+seed)))
	change24h := 12 * math.Sin(phase+seed/3)
	change7d := 25 * math.Sin(phase/7+seed/5)

	return &Snapshot{
		Symbol:    symbol,
		Name:      symbol,
		Rank:      rank,
		Price:     price,
		MarketCap: marketCap,
		Volume24h: volume,
		Change24h: change24h,
		Change7d:  change7d,
		FetchedAt: now,
	}, nil
}

// FetchSentiment returns a synthetic sentiment score in [-1, 1]
func (f *SimulatedFetcher) FetchSentiment(_ context.Context, symbol string) (float64, error) {
	seed := symbolSeed(symbol)
	return math.Sin(seed), nil
}
