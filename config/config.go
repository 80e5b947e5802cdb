package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseConfig       DatabaseConfig       `json:"database"`
	RedisConfig          RedisConfig          `json:"redis"`
	VaultConfig          VaultConfig          `json:"vault"`
	ServerConfig         ServerConfig         `json:"server"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	DiscoveryConfig      DiscoveryConfig      `json:"discovery"`
	OracleConfig         OracleConfig         `json:"oracle"`
	ExecutionConfig      ExecutionConfig      `json:"execution"`
	RiskConfig           RiskConfig           `json:"risk"`
	MonitorConfig        MonitorConfig        `json:"monitor"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for snapshot and opportunity caching
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration for advisory API keys
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
	AuditPath  string `json:"audit_path"`  // Execution audit trail output, "" = stdout
}

// DiscoveryConfig controls the coin discovery cycle
type DiscoveryConfig struct {
	Enabled       bool          `json:"enabled"`
	Interval      time.Duration `json:"interval"`        // Time between discovery cycles
	CycleDeadline time.Duration `json:"cycle_deadline"`  // Overall deadline per cycle
	CoinUniverse  []string      `json:"coin_universe"`   // Symbols to scan; empty = provider default set
	FilterProfile string        `json:"filter_profile"`  // conservative, moderate, aggressive, debug
	MaxBuyOracle  int           `json:"max_buy_oracle"`  // Top-K buy opportunities sent to the oracle
	MaxSellOracle int           `json:"max_sell_oracle"` // Top-K sell opportunities sent to the oracle
	SnapshotTTL   time.Duration `json:"snapshot_ttl"`    // Redis TTL for market snapshots
	CacheTTL      time.Duration `json:"cache_ttl"`       // Redis TTL for opportunity scan results
}

// OracleConfig controls the advisory providers
type OracleConfig struct {
	Mode            string        `json:"mode"`     // "single" or "consensus"
	Provider        string        `json:"provider"` // primary provider when mode=single: "anthropic" or "openai"
	AnthropicAPIKey string        `json:"anthropic_api_key"`
	AnthropicModel  string        `json:"anthropic_model"`
	OpenAIAPIKey    string        `json:"openai_api_key"`
	OpenAIModel     string        `json:"openai_model"`
	StrategyProfile string        `json:"strategy_profile"` // conservative, moderate, aggressive
	Timeout         time.Duration `json:"timeout"`
	MaxTokens       int           `json:"max_tokens"`
	Temperature     float64       `json:"temperature"`
	RetryAttempts   int           `json:"retry_attempts"`
}

// ExecutionConfig controls the auto-executor
type ExecutionConfig struct {
	AutoExecute          bool    `json:"auto_execute"`
	ConfidenceThreshold  float64 `json:"confidence_threshold"`   // 0-100
	RequireHumanApproval bool    `json:"require_human_approval"` // Route through approval queue
	SizingStrategy       string  `json:"sizing_strategy"`        // "equal_weight" or "confidence_weighted"
	MaxPositionFraction  float64 `json:"max_position_fraction"`  // Max fraction of portfolio per position
	AutoStopLoss         bool    `json:"auto_stop_loss"`         // Derive stop-loss when a recommendation lacks one
}

// RiskConfig holds the hard trade and portfolio limits
type RiskConfig struct {
	MaxPositionFraction  float64       `json:"max_position_fraction"` // Single position, fraction of portfolio
	MaxAtRiskFraction    float64       `json:"max_at_risk_fraction"`  // Sum of position risk, fraction of portfolio
	MaxOpenPositions     int           `json:"max_open_positions"`
	MinDailyVolume       float64       `json:"min_daily_volume"`        // 24h volume floor in quote currency
	MaxDailyLossFraction float64       `json:"max_daily_loss_fraction"` // Realized loss cap per day
	MinTradeInterval     time.Duration `json:"min_trade_interval"`      // Per-symbol spacing between trades
}

// MonitorConfig controls the position monitor loop
type MonitorConfig struct {
	Enabled         bool          `json:"enabled"`
	Interval        time.Duration `json:"interval"`
	CycleDeadline   time.Duration `json:"cycle_deadline"`
	ExitStrategy    string        `json:"exit_strategy"`    // full, partial, trailing
	TrailingPercent float64       `json:"trailing_percent"` // Fraction below high-water mark, e.g. 0.05
}

// CircuitBreakerConfig holds per-action-class breaker tuning
type CircuitBreakerConfig struct {
	FailureThreshold  int           `json:"failure_threshold"`
	ResetCount        int           `json:"reset_count"`
	ExecutionCooldown time.Duration `json:"execution_cooldown"`
	DataFetchCooldown time.Duration `json:"data_fetch_cooldown"`
}

func Load() (*Config, error) {
	// Base config from file, if present
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	// Environment overrides take precedence
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the trading loop cannot run with
func (c *Config) Validate() error {
	switch c.DiscoveryConfig.FilterProfile {
	case "conservative", "moderate", "aggressive", "debug":
	default:
		return fmt.Errorf("unknown filter profile %q", c.DiscoveryConfig.FilterProfile)
	}
	switch c.ExecutionConfig.SizingStrategy {
	case "equal_weight", "confidence_weighted":
	default:
		return fmt.Errorf("unknown sizing strategy %q", c.ExecutionConfig.SizingStrategy)
	}
	switch c.MonitorConfig.ExitStrategy {
	case "full", "partial", "trailing":
	default:
		return fmt.Errorf("unknown exit strategy %q", c.MonitorConfig.ExitStrategy)
	}
	if c.ExecutionConfig.ConfidenceThreshold < 0 || c.ExecutionConfig.ConfidenceThreshold > 100 {
		return fmt.Errorf("confidence threshold %.1f out of range [0,100]", c.ExecutionConfig.ConfidenceThreshold)
	}
	// A fraction, not a percent: 5 would put the stop below zero.
	if p := c.MonitorConfig.TrailingPercent; p <= 0 || p >= 1 {
		return fmt.Errorf("trailing percent %.4f out of range (0,1), expected a fraction like 0.05", p)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "trader")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "paper_trader")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "paper-trader/advisory-keys")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.AuditPath = getEnvOrDefault("LOG_AUDIT_PATH", cfg.LoggingConfig.AuditPath)

	// Discovery
	cfg.DiscoveryConfig.Enabled = getEnvOrDefault("DISCOVERY_ENABLED", "true") == "true"
	cfg.DiscoveryConfig.Interval = getEnvDurationOrDefault("DISCOVERY_INTERVAL", 4*time.Hour)
	cfg.DiscoveryConfig.CycleDeadline = getEnvDurationOrDefault("DISCOVERY_CYCLE_DEADLINE", 10*time.Minute)
	cfg.DiscoveryConfig.FilterProfile = getEnvOrDefault("DISCOVERY_FILTER_PROFILE", "moderate")
	cfg.DiscoveryConfig.MaxBuyOracle = getEnvIntOrDefault("DISCOVERY_MAX_BUY_ORACLE", 3)
	cfg.DiscoveryConfig.MaxSellOracle = getEnvIntOrDefault("DISCOVERY_MAX_SELL_ORACLE", 3)
	cfg.DiscoveryConfig.SnapshotTTL = getEnvDurationOrDefault("DISCOVERY_SNAPSHOT_TTL", 5*time.Minute)
	cfg.DiscoveryConfig.CacheTTL = getEnvDurationOrDefault("DISCOVERY_CACHE_TTL", 15*time.Minute)
	if universe := os.Getenv("DISCOVERY_COIN_UNIVERSE"); universe != "" {
		cfg.DiscoveryConfig.CoinUniverse = splitAndTrim(universe)
	}

	// Oracle
	cfg.OracleConfig.Mode = getEnvOrDefault("ORACLE_MODE", "single")
	cfg.OracleConfig.Provider = getEnvOrDefault("ORACLE_PROVIDER", "anthropic")
	cfg.OracleConfig.AnthropicAPIKey = getEnvOrDefault("ORACLE_ANTHROPIC_API_KEY", cfg.OracleConfig.AnthropicAPIKey)
	cfg.OracleConfig.AnthropicModel = getEnvOrDefault("ORACLE_ANTHROPIC_MODEL", "claude-sonnet-4-20250514")
	cfg.OracleConfig.OpenAIAPIKey = getEnvOrDefault("ORACLE_OPENAI_API_KEY", cfg.OracleConfig.OpenAIAPIKey)
	cfg.OracleConfig.OpenAIModel = getEnvOrDefault("ORACLE_OPENAI_MODEL", "gpt-4o-mini")
	cfg.OracleConfig.StrategyProfile = getEnvOrDefault("ORACLE_STRATEGY_PROFILE", "moderate")
	cfg.OracleConfig.Timeout = getEnvDurationOrDefault("ORACLE_TIMEOUT", 30*time.Second)
	cfg.OracleConfig.MaxTokens = getEnvIntOrDefault("ORACLE_MAX_TOKENS", 1024)
	cfg.OracleConfig.Temperature = getEnvFloatOrDefault("ORACLE_TEMPERATURE", 0.3)
	cfg.OracleConfig.RetryAttempts = getEnvIntOrDefault("ORACLE_RETRY_ATTEMPTS", 3)

	// Execution
	cfg.ExecutionConfig.AutoExecute = getEnvOrDefault("EXECUTION_AUTO_EXECUTE", "false") == "true"
	cfg.ExecutionConfig.ConfidenceThreshold = getEnvFloatOrDefault("EXECUTION_CONFIDENCE_THRESHOLD", 70.0)
	cfg.ExecutionConfig.RequireHumanApproval = getEnvOrDefault("EXECUTION_REQUIRE_APPROVAL", "true") == "true"
	cfg.ExecutionConfig.SizingStrategy = getEnvOrDefault("EXECUTION_SIZING_STRATEGY", "confidence_weighted")
	cfg.ExecutionConfig.MaxPositionFraction = getEnvFloatOrDefault("EXECUTION_MAX_POSITION_FRACTION", 0.05)
	cfg.ExecutionConfig.AutoStopLoss = getEnvOrDefault("EXECUTION_AUTO_STOP_LOSS", "true") == "true"

	// Risk
	cfg.RiskConfig.MaxPositionFraction = getEnvFloatOrDefault("RISK_MAX_POSITION_FRACTION", 0.05)
	cfg.RiskConfig.MaxAtRiskFraction = getEnvFloatOrDefault("RISK_MAX_AT_RISK_FRACTION", 0.15)
	cfg.RiskConfig.MaxOpenPositions = getEnvIntOrDefault("RISK_MAX_OPEN_POSITIONS", 5)
	cfg.RiskConfig.MinDailyVolume = getEnvFloatOrDefault("RISK_MIN_DAILY_VOLUME", 1_000_000)
	cfg.RiskConfig.MaxDailyLossFraction = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_FRACTION", 0.03)
	cfg.RiskConfig.MinTradeInterval = getEnvDurationOrDefault("RISK_MIN_TRADE_INTERVAL", time.Hour)

	// Monitor
	cfg.MonitorConfig.Enabled = getEnvOrDefault("MONITOR_ENABLED", "true") == "true"
	cfg.MonitorConfig.Interval = getEnvDurationOrDefault("MONITOR_INTERVAL", 5*time.Minute)
	cfg.MonitorConfig.CycleDeadline = getEnvDurationOrDefault("MONITOR_CYCLE_DEADLINE", 2*time.Minute)
	cfg.MonitorConfig.ExitStrategy = getEnvOrDefault("MONITOR_EXIT_STRATEGY", "partial")
	cfg.MonitorConfig.TrailingPercent = getEnvFloatOrDefault("MONITOR_TRAILING_PERCENT", 0.05)

	// Circuit breaker
	cfg.CircuitBreakerConfig.FailureThreshold = getEnvIntOrDefault("CIRCUIT_FAILURE_THRESHOLD", 5)
	cfg.CircuitBreakerConfig.ResetCount = getEnvIntOrDefault("CIRCUIT_RESET_COUNT", 2)
	cfg.CircuitBreakerConfig.ExecutionCooldown = getEnvDurationOrDefault("CIRCUIT_EXECUTION_COOLDOWN", 30*time.Minute)
	cfg.CircuitBreakerConfig.DataFetchCooldown = getEnvDurationOrDefault("CIRCUIT_DATA_FETCH_COOLDOWN", 60*time.Second)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trader",
			Password: "change_me",
			Database: "paper_trader",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		DiscoveryConfig: DiscoveryConfig{
			Enabled:       true,
			Interval:      4 * time.Hour,
			CycleDeadline: 10 * time.Minute,
			CoinUniverse:  []string{"BTC", "ETH", "SOL", "AVAX", "LINK"},
			FilterProfile: "moderate",
			MaxBuyOracle:  3,
			MaxSellOracle: 3,
			SnapshotTTL:   5 * time.Minute,
			CacheTTL:      15 * time.Minute,
		},
		OracleConfig: OracleConfig{
			Mode:            "single",
			Provider:        "anthropic",
			AnthropicModel:  "claude-sonnet-4-20250514",
			OpenAIModel:     "gpt-4o-mini",
			StrategyProfile: "moderate",
			Timeout:         30 * time.Second,
			MaxTokens:       1024,
			Temperature:     0.3,
			RetryAttempts:   3,
		},
		ExecutionConfig: ExecutionConfig{
			AutoExecute:          false,
			ConfidenceThreshold:  70.0,
			RequireHumanApproval: true,
			SizingStrategy:       "confidence_weighted",
			MaxPositionFraction:  0.05,
			AutoStopLoss:         true,
		},
		RiskConfig: RiskConfig{
			MaxPositionFraction:  0.05,
			MaxAtRiskFraction:    0.15,
			MaxOpenPositions:     5,
			MinDailyVolume:       1_000_000,
			MaxDailyLossFraction: 0.03,
			MinTradeInterval:     time.Hour,
		},
		MonitorConfig: MonitorConfig{
			Enabled:         true,
			Interval:        5 * time.Minute,
			CycleDeadline:   2 * time.Minute,
			ExitStrategy:    "partial",
			TrailingPercent: 0.05,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			FailureThreshold:  5,
			ResetCount:        2,
			ExecutionCooldown: 30 * time.Minute,
			DataFetchCooldown: 60 * time.Second,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
