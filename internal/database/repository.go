package database

import (
	"context"
	"time"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// COIN CANDIDATES
// ============================================================================

// SaveCandidates inserts a discovery cycle's candidate batch. Earlier batches
// are superseded, never mutated.
func (r *Repository) SaveCandidates(ctx context.Context, candidates []*CoinCandidate) error {
	query := `
		INSERT INTO coin_candidates (symbol, name, market_cap_rank, price, volume_24h, change_24h, change_7d,
		                             volume_score, momentum_score, sentiment_score, composite_score, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	for _, c := range candidates {
		err := r.db.Pool.QueryRow(
			ctx, query,
			c.Symbol, c.Name, c.MarketCapRank, c.Price, c.Volume24h, c.Change24h, c.Change7d,
			c.VolumeScore, c.MomentumScore, c.SentimentScore, c.CompositeScore, c.DiscoveredAt,
		).Scan(&c.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetLatestCandidates returns the most recently discovered candidates,
// best composite score first.
func (r *Repository) GetLatestCandidates(ctx context.Context, limit int) ([]*CoinCandidate, error) {
	query := `
		SELECT id, symbol, name, market_cap_rank, price, volume_24h, change_24h, change_7d,
		       volume_score, momentum_score, sentiment_score, composite_score, discovered_at
		FROM coin_candidates
		WHERE discovered_at = (SELECT MAX(discovered_at) FROM coin_candidates)
		ORDER BY composite_score DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*CoinCandidate
	for rows.Next() {
		c := &CoinCandidate{}
		err := rows.Scan(
			&c.ID, &c.Symbol, &c.Name, &c.MarketCapRank, &c.Price, &c.Volume24h, &c.Change24h, &c.Change7d,
			&c.VolumeScore, &c.MomentumScore, &c.SentimentScore, &c.CompositeScore, &c.DiscoveredAt,
		)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// ============================================================================
// RECOMMENDATIONS
// ============================================================================

// CreateRecommendation inserts a recommendation. Rows are read-only afterward.
func (r *Repository) CreateRecommendation(ctx context.Context, rec *Recommendation) error {
	query := `
		INSERT INTO recommendations (id, symbol, action, confidence, entry_price, stop_loss,
		                             take_profit_1, take_profit_2, position_fraction, risk_level,
		                             reasoning, provenance, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		rec.ID, rec.Symbol, rec.Action, rec.Confidence, rec.EntryPrice, rec.StopLoss,
		rec.TakeProfit1, rec.TakeProfit2, rec.PositionFraction, rec.RiskLevel,
		rec.Reasoning, rec.Provenance, rec.CreatedAt, rec.ExpiresAt,
	)
	return err
}

// GetRecommendation retrieves a recommendation by ID
func (r *Repository) GetRecommendation(ctx context.Context, id string) (*Recommendation, error) {
	query := `
		SELECT id, symbol, action, confidence, entry_price, stop_loss, take_profit_1, take_profit_2,
		       position_fraction, risk_level, reasoning, provenance, created_at, expires_at
		FROM recommendations
		WHERE id = $1
	`
	rec := &Recommendation{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.Symbol, &rec.Action, &rec.Confidence, &rec.EntryPrice, &rec.StopLoss,
		&rec.TakeProfit1, &rec.TakeProfit2, &rec.PositionFraction, &rec.RiskLevel,
		&rec.Reasoning, &rec.Provenance, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetActiveRecommendations returns recommendations that have not expired yet,
// newest first.
func (r *Repository) GetActiveRecommendations(ctx context.Context, now time.Time) ([]*Recommendation, error) {
	query := `
		SELECT id, symbol, action, confidence, entry_price, stop_loss, take_profit_1, take_profit_2,
		       position_fraction, risk_level, reasoning, provenance, created_at, expires_at
		FROM recommendations
		WHERE expires_at > $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Recommendation
	for rows.Next() {
		rec := &Recommendation{}
		err := rows.Scan(
			&rec.ID, &rec.Symbol, &rec.Action, &rec.Confidence, &rec.EntryPrice, &rec.StopLoss,
			&rec.TakeProfit1, &rec.TakeProfit2, &rec.PositionFraction, &rec.RiskLevel,
			&rec.Reasoning, &rec.Provenance, &rec.CreatedAt, &rec.ExpiresAt,
		)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
