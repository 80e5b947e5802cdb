package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"crypto-paper-trader/config"
	"crypto-paper-trader/internal/api"
	"crypto-paper-trader/internal/cache"
	"crypto-paper-trader/internal/circuit"
	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/engine"
	"crypto-paper-trader/internal/events"
	"crypto-paper-trader/internal/executor"
	"crypto-paper-trader/internal/logging"
	"crypto-paper-trader/internal/market"
	"crypto-paper-trader/internal/monitor"
	"crypto-paper-trader/internal/opportunity"
	"crypto-paper-trader/internal/oracle"
	"crypto-paper-trader/internal/scheduler"
	"crypto-paper-trader/internal/scorer"
	"crypto-paper-trader/internal/vault"
)

func main() {
	godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	ctx := context.Background()

	// Database
	db, err := database.NewDB(ctx, database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err.Error())
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal("Failed to run migrations", "error", err.Error())
	}
	repo := database.NewRepository(db)
	logger.Info("Database initialized")

	// Redis cache (degrades to pass-through when unavailable)
	cacheSvc := cache.New(cache.Config{
		Enabled:  cfg.RedisConfig.Enabled,
		Address:  cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
		PoolSize: cfg.RedisConfig.PoolSize,
	}, logger)
	defer cacheSvc.Close()

	// Event bus
	bus := events.NewBus()

	// Advisory API keys, preferring Vault over config when enabled
	anthropicKey := cfg.OracleConfig.AnthropicAPIKey
	openaiKey := cfg.OracleConfig.OpenAIAPIKey
	if vaultClient, err := vault.NewClient(cfg.VaultConfig); err != nil {
		logger.Warn("Vault unavailable, using configured keys", "error", err.Error())
	} else {
		anthropicKey = vaultClient.ResolveKey(ctx, "anthropic", anthropicKey)
		openaiKey = vaultClient.ResolveKey(ctx, "openai", openaiKey)
	}

	// Circuit breakers, persisted across restarts. Market data and advisory
	// calls run through their own classes with short cooldowns; executions
	// get the long one.
	breakers := circuit.NewRegistry(circuit.RegistryConfig{
		FailureThreshold:  cfg.CircuitBreakerConfig.FailureThreshold,
		ResetCount:        cfg.CircuitBreakerConfig.ResetCount,
		ExecutionCooldown: cfg.CircuitBreakerConfig.ExecutionCooldown,
		DataFetchCooldown: cfg.CircuitBreakerConfig.DataFetchCooldown,
	}, repo, logger)

	// Market data
	universe := cfg.DiscoveryConfig.CoinUniverse
	if len(universe) == 0 {
		universe = []string{"BTC", "ETH", "SOL", "AVAX", "LINK", "DOT", "ATOM", "NEAR"}
		cfg.DiscoveryConfig.CoinUniverse = universe
	}
	fetcher := market.NewSimulatedFetcher()
	marketCfg := market.DefaultServiceConfig()
	if cfg.DiscoveryConfig.SnapshotTTL > 0 {
		marketCfg.SnapshotTTL = cfg.DiscoveryConfig.SnapshotTTL
	}
	marketSvc := market.NewService(fetcher, fetcher, cacheSvc,
		breakers.Get(circuit.ClassDataFetch), logger, marketCfg)

	// Scoring and opportunity gate
	profile, err := scorer.ProfileByName(cfg.DiscoveryConfig.FilterProfile)
	if err != nil {
		logger.Fatal("Invalid filter profile", "error", err.Error())
	}
	coinScorer := scorer.New(profile)
	gate := opportunity.NewGate()

	// Decision oracle
	llmCfg := oracle.LLMConfig{
		MaxTokens:   cfg.OracleConfig.MaxTokens,
		Temperature: cfg.OracleConfig.Temperature,
		Timeout:     cfg.OracleConfig.Timeout,
	}
	anthropicCfg := llmCfg
	anthropicCfg.APIKey = anthropicKey
	anthropicCfg.Model = cfg.OracleConfig.AnthropicModel
	openaiCfg := llmCfg
	openaiCfg.APIKey = openaiKey
	openaiCfg.Model = cfg.OracleConfig.OpenAIModel

	var primary, secondary oracle.Provider
	switch cfg.OracleConfig.Mode {
	case oracle.ModeConsensus:
		primary = oracle.NewAnthropicProvider(anthropicCfg)
		secondary = oracle.NewOpenAIProvider(openaiCfg)
	default:
		if cfg.OracleConfig.Provider == "openai" {
			primary = oracle.NewOpenAIProvider(openaiCfg)
		} else {
			primary = oracle.NewAnthropicProvider(anthropicCfg)
		}
	}
	retryAttempts := cfg.OracleConfig.RetryAttempts
	if retryAttempts < 0 {
		retryAttempts = 0
	}
	decisionOracle := oracle.New(
		oracle.Config{
			Mode:          cfg.OracleConfig.Mode,
			Profile:       cfg.OracleConfig.StrategyProfile,
			RetryAttempts: uint64(retryAttempts),
			AutoStopLoss:  cfg.ExecutionConfig.AutoStopLoss,
		},
		primary, secondary,
		oracle.NewHeuristicProvider(),
		breakers.Get(circuit.ClassAdvisory),
		logger,
	)

	// Execution audit trail
	audit := zerolog.New(auditWriter(cfg.LoggingConfig.AuditPath, logger)).
		With().Timestamp().Logger()

	exec := executor.New(repo, breakers, bus, logger, audit)
	applier := monitor.NewApplier(exec, repo, logger)

	eng := engine.New(engine.Deps{
		Config:   cfg,
		Store:    repo,
		Market:   marketSvc,
		Scorer:   coinScorer,
		Gate:     gate,
		Oracle:   decisionOracle,
		Executor: exec,
		Applier:  applier,
		Cache:    cacheSvc,
		Bus:      bus,
		Logger:   logger,
	})

	// Scheduled cycles
	var discovery, positionMonitor *scheduler.Scheduler
	if cfg.DiscoveryConfig.Enabled {
		discovery = scheduler.New("discovery",
			cfg.DiscoveryConfig.Interval, cfg.DiscoveryConfig.CycleDeadline,
			eng.RunDiscoveryCycle, logger)
		discovery.Start(ctx)
		logger.Info("Discovery cycle scheduled", "interval", cfg.DiscoveryConfig.Interval.String())
	}
	if cfg.MonitorConfig.Enabled {
		positionMonitor = scheduler.New("monitor",
			cfg.MonitorConfig.Interval, cfg.MonitorConfig.CycleDeadline,
			eng.RunMonitorCycle, logger)
		positionMonitor.Start(ctx)
		logger.Info("Position monitor scheduled", "interval", cfg.MonitorConfig.Interval.String())
	}

	// HTTP API and WebSocket stream
	server := api.NewServer(cfg.ServerConfig, eng, repo, breakers, bus, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("HTTP server failed", "error", err.Error())
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")

	if discovery != nil {
		discovery.Stop()
	}
	if positionMonitor != nil {
		positionMonitor.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err.Error())
	}

	logger.Info("Shutdown complete")
}

// auditWriter opens the execution audit sink. The audit trail must not be
// lost silently, so a path that cannot be opened falls back to stdout with a
// warning.
func auditWriter(path string, logger *logging.Logger) io.Writer {
	if path == "" {
		return os.Stdout
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn("Failed to open audit log, falling back to stdout", "path", path, "error", err.Error())
		return os.Stdout
	}
	return f
}
