package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		// Discovery candidates: append-only, one batch per cycle
		`CREATE TABLE IF NOT EXISTS coin_candidates (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			name VARCHAR(100) NOT NULL DEFAULT '',
			market_cap_rank INT NOT NULL DEFAULT 0,
			price DECIMAL(20, 8) NOT NULL,
			volume_24h DECIMAL(30, 8) NOT NULL,
			change_24h DECIMAL(10, 4) NOT NULL,
			change_7d DECIMAL(10, 4) NOT NULL,
			volume_score DECIMAL(6, 2) NOT NULL,
			momentum_score DECIMAL(6, 2) NOT NULL,
			sentiment_score DECIMAL(6, 2) NOT NULL,
			composite_score DECIMAL(6, 2) NOT NULL,
			discovered_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coin_candidates_symbol ON coin_candidates(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_coin_candidates_discovered ON coin_candidates(discovered_at DESC)`,

		// Advisory recommendations: read-only after insert, expire by time
		`CREATE TABLE IF NOT EXISTS recommendations (
			id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			action VARCHAR(4) NOT NULL,
			confidence DECIMAL(5, 2) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8),
			take_profit_1 DECIMAL(20, 8),
			take_profit_2 DECIMAL(20, 8),
			position_fraction DECIMAL(6, 4) NOT NULL DEFAULT 0,
			risk_level VARCHAR(20) NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			provenance VARCHAR(50) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT buy_requires_stop_loss CHECK (action <> 'BUY' OR stop_loss IS NOT NULL)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_symbol ON recommendations(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_expires ON recommendations(expires_at)`,

		// Approval queue: one forward transition out of PENDING
		`CREATE TABLE IF NOT EXISTS trade_approvals (
			id UUID PRIMARY KEY,
			recommendation_id UUID NOT NULL REFERENCES recommendations(id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8),
			status VARCHAR(10) NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			reject_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_approvals_status ON trade_approvals(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_approvals_expires ON trade_approvals(expires_at)`,

		// Open positions, keyed by symbol; removed entirely on full exit
		`CREATE TABLE IF NOT EXISTS positions (
			symbol VARCHAR(20) PRIMARY KEY,
			quantity DECIMAL(20, 8) NOT NULL CHECK (quantity > 0),
			avg_entry_price DECIMAL(20, 8) NOT NULL,
			original_entry_price DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8) NOT NULL,
			take_profit DECIMAL(20, 8) NOT NULL,
			high_water_mark DECIMAL(20, 8) NOT NULL,
			partial_exits INT NOT NULL DEFAULT 0,
			protection_updated_at TIMESTAMPTZ NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		// Append-only execution audit trail
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id UUID PRIMARY KEY,
			action VARCHAR(10) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL DEFAULT '',
			quantity DECIMAL(20, 8) NOT NULL DEFAULT 0,
			price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			outcome VARCHAR(10) NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			settings_snapshot JSONB,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_symbol ON execution_logs(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_outcome ON execution_logs(outcome)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_started ON execution_logs(started_at DESC)`,

		// Circuit breaker snapshots, one row per protected action class
		`CREATE TABLE IF NOT EXISTS circuit_breaker_states (
			action_class VARCHAR(50) PRIMARY KEY,
			state VARCHAR(10) NOT NULL,
			failure_count INT NOT NULL DEFAULT 0,
			success_count INT NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}
