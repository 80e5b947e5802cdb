package circuit

import (
	"context"
	"sync"
	"time"

	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/logging"
)

// Store persists breaker snapshots across restarts.
type Store interface {
	SaveBreakerState(ctx context.Context, s *database.CircuitBreakerState) error
	GetBreakerState(ctx context.Context, actionClass string) (*database.CircuitBreakerState, error)
}

// Registry owns one breaker per action class, all sharing threshold and
// reset tuning but each with its own cooldown.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	store    Store
	logger   *logging.Logger

	threshold  int
	resetCount int
	cooldowns  map[string]time.Duration
}

// RegistryConfig tunes all breakers in a registry.
type RegistryConfig struct {
	FailureThreshold  int
	ResetCount        int
	ExecutionCooldown time.Duration
	DataFetchCooldown time.Duration
}

// NewRegistry creates a registry. store may be nil, in which case breaker
// state is process-local only.
func NewRegistry(cfg RegistryConfig, store Store, logger *logging.Logger) *Registry {
	if cfg.ExecutionCooldown <= 0 {
		cfg.ExecutionCooldown = 30 * time.Minute
	}
	if cfg.DataFetchCooldown <= 0 {
		cfg.DataFetchCooldown = 60 * time.Second
	}
	return &Registry{
		breakers:   make(map[string]*Breaker),
		store:      store,
		logger:     logger.WithComponent("circuit"),
		threshold:  cfg.FailureThreshold,
		resetCount: cfg.ResetCount,
		cooldowns: map[string]time.Duration{
			ClassExecution: cfg.ExecutionCooldown,
			ClassDataFetch: cfg.DataFetchCooldown,
			ClassAdvisory:  cfg.DataFetchCooldown,
		},
	}
}

// Get returns the breaker for an action class, creating and rehydrating it
// on first use.
func (r *Registry) Get(actionClass string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[actionClass]; ok {
		return b
	}

	cooldown, ok := r.cooldowns[actionClass]
	if !ok {
		cooldown = 60 * time.Second
	}
	b := New(actionClass, Config{
		FailureThreshold: r.threshold,
		ResetCount:       r.resetCount,
		Cooldown:         cooldown,
	})

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		saved, err := r.store.GetBreakerState(ctx, actionClass)
		cancel()
		if err != nil {
			r.logger.Warn("could not load persisted breaker state",
				"action_class", actionClass, "error", err.Error())
		} else if saved != nil {
			b.Restore(saved)
			r.logger.Info("restored breaker state",
				"action_class", actionClass, "state", saved.State)
		}

		b.OnChange(func(snapshot database.CircuitBreakerState) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.store.SaveBreakerState(ctx, &snapshot); err != nil {
				r.logger.Warn("could not persist breaker state",
					"action_class", actionClass, "error", err.Error())
			}
		})
	}

	r.breakers[actionClass] = b
	return b
}

// Snapshots returns the current view of every instantiated breaker.
func (r *Registry) Snapshots() []database.CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]database.CircuitBreakerState, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
