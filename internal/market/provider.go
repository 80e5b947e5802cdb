// Package market defines the boundary to external market-data collaborators:
// snapshot and sentiment providers, with retry and caching decorators. A
// failing symbol is skipped, never allowed to abort the batch.
package market

import (
	"context"
	"time"
)

// Snapshot is one symbol's market state at fetch time
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Rank      int       `json:"rank"`
	Price     float64   `json:"price"`
	MarketCap float64   `json:"market_cap"`
	Volume24h float64   `json:"volume_24h"`
	Change24h float64   `json:"change_24h"`
	Change7d  float64   `json:"change_7d"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SnapshotFetcher is the raw per-symbol client boundary. Implementations are
// external collaborators (exchange or aggregator clients).
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string) (*Snapshot, error)
}

// SentimentFetcher returns a sentiment score in [-1, 1] for a symbol
type SentimentFetcher interface {
	FetchSentiment(ctx context.Context, symbol string) (float64, error)
}

// SnapshotProvider is the batch contract consumed by the discovery and
// monitor cycles. Symbols that cannot be fetched are absent from the result.
type SnapshotProvider interface {
	GetSnapshots(ctx context.Context, symbols []string) (map[string]*Snapshot, error)
}

// SentimentProvider returns per-symbol sentiment; absence is neutral (0)
type SentimentProvider interface {
	GetSentiment(ctx context.Context, symbol string) float64
}
