// Package cache provides Redis-based caching for market snapshots and
// opportunity scan results, with graceful degradation: when Redis is
// unavailable, operations return errors and callers fall back to the source.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"crypto-paper-trader/internal/logging"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for different cache types
const (
	PrefixSnapshot      = "market:snapshot:%s"  // per symbol
	PrefixOpportunities = "scan:opportunities"  // last gate output
	PrefixSentiment     = "market:sentiment:%s" // per symbol
)

// ErrDisabled is returned when the cache is configured off.
var ErrDisabled = errors.New("cache disabled")

// ErrUnhealthy is returned while Redis is marked unavailable.
var ErrUnhealthy = errors.New("cache unhealthy")

// Config holds Redis configuration
type Config struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// Service wraps the Redis client with health tracking. After maxFailures
// consecutive errors the service marks itself unhealthy and probes again
// only after the recovery backoff elapses.
type Service struct {
	client *redis.Client
	logger *logging.Logger

	mu           sync.RWMutex
	enabled      bool
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures     int
	recoveryBackoff time.Duration
}

// New creates a cache service and verifies connectivity. A failed initial
// connection returns the service in degraded mode rather than an error.
func New(cfg Config, logger *logging.Logger) *Service {
	s := &Service{
		logger:          logger.WithComponent("cache"),
		enabled:         cfg.Enabled,
		maxFailures:     3,
		recoveryBackoff: 5 * time.Second,
	}
	if !cfg.Enabled {
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("initial redis connection failed, starting degraded", "error", err)
		return s
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info("redis connected", "address", cfg.Address)
	return s
}

// IsHealthy returns whether Redis is currently usable
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled && s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.logger.Warn("redis marked unhealthy", "failures", s.failureCount)
		s.healthy = false
		s.lastCheck = time.Now()
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount = 0
	if !s.healthy {
		s.logger.Info("redis recovered")
	}
	s.healthy = true
}

// ready checks usability and, when unhealthy, decides whether to probe again.
func (s *Service) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return ErrDisabled
	}
	if s.healthy {
		return nil
	}
	if time.Since(s.lastCheck) < s.recoveryBackoff {
		return ErrUnhealthy
	}
	// Allow one probing call through
	s.lastCheck = time.Now()
	return nil
}

// GetJSON fetches a key and unmarshals it into dest. A cache miss is returned
// as redis.Nil.
func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	if err := s.ready(); err != nil {
		return err
	}

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		s.recordSuccess()
		return err
	}
	if err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()

	return json.Unmarshal([]byte(val), dest)
}

// SetJSON marshals value and stores it under key with the given TTL
func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := s.ready(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	return nil
}

// Delete removes a key
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	return nil
}

// IsMiss reports whether err is a plain cache miss. A disabled cache misses
// on every read: callers fall through to the source without logging.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil) || errors.Is(err, ErrDisabled)
}

// Close releases the Redis client
func (s *Service) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
