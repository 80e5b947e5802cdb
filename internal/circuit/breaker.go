package circuit

import (
	"fmt"
	"sync"
	"time"

	"crypto-paper-trader/internal/database"
)

// State is the breaker's lifecycle state
type State string

const (
	StateClosed   State = "CLOSED"    // Normal operation
	StateOpen     State = "OPEN"      // Blocking until cooldown passes
	StateHalfOpen State = "HALF_OPEN" // Probing recovery
)

// Action classes. Each class gets its own breaker instance with its own
// cooldown: a stuck execution venue should stay blocked far longer than a
// flaky market-data endpoint.
const (
	ClassExecution = "execution"
	ClassDataFetch = "data_fetch"
	ClassAdvisory  = "advisory"
)

// Config tunes one breaker instance. The breaker never inspects error types;
// callers choose behavior by choosing the instance.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures to trip
	ResetCount       int           `json:"reset_count"`       // Consecutive HALF_OPEN successes to close
	Cooldown         time.Duration `json:"cooldown"`
}

// DefaultConfig returns the standard tuning for short-lived outages
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetCount:       2,
		Cooldown:         60 * time.Second,
	}
}

// ErrOpen is returned by Allow while the breaker blocks calls.
type ErrOpen struct {
	ActionClass string
	RetryAt     time.Time
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open, retry at %s",
		e.ActionClass, e.RetryAt.Format(time.RFC3339))
}

// Breaker is a three-state circuit breaker for one action class. Counters
// are shared by every caller of the class and updated atomically.
type Breaker struct {
	actionClass string
	config      Config

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	nextRetryAt  time.Time
	now          func() time.Time
	onChange     func(snapshot database.CircuitBreakerState)
}

// New creates a closed breaker for an action class
func New(actionClass string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetCount <= 0 {
		config.ResetCount = 2
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	return &Breaker{
		actionClass: actionClass,
		config:      config,
		state:       StateClosed,
		now:         time.Now,
	}
}

// OnChange registers a callback fired (outside the lock) whenever the
// breaker's state or counters change, with the snapshot to persist.
func (b *Breaker) OnChange(fn func(snapshot database.CircuitBreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a call may proceed. While OPEN it returns ErrOpen
// until the cooldown deadline passes, at which point the first caller moves
// the breaker to HALF_OPEN and is let through as the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	if b.state == StateOpen {
		if b.now().Before(b.nextRetryAt) {
			err := &ErrOpen{ActionClass: b.actionClass, RetryAt: b.nextRetryAt}
			b.mu.Unlock()
			return err
		}
		b.state = StateHalfOpen
		b.successCount = 0
		notify := b.snapshotLocked()
		b.mu.Unlock()
		b.fire(notify)
		return nil
	}

	b.mu.Unlock()
	return nil
}

// RecordSuccess counts a successful protected call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.ResetCount {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.nextRetryAt = time.Time{}
		}
	case StateClosed:
		if b.failureCount == 0 {
			b.mu.Unlock()
			return
		}
		b.failureCount = 0
	default:
		b.mu.Unlock()
		return
	}

	notify := b.snapshotLocked()
	b.mu.Unlock()
	b.fire(notify)
}

// RecordFailure counts a failed protected call. The threshold applies to
// consecutive failures while CLOSED; any single failure while HALF_OPEN
// reopens immediately and restarts the cooldown clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	default:
		b.mu.Unlock()
		return
	}

	notify := b.snapshotLocked()
	b.mu.Unlock()
	b.fire(notify)
}

// trip requires b.mu held
func (b *Breaker) trip() {
	b.state = StateOpen
	b.successCount = 0
	b.nextRetryAt = b.now().Add(b.config.Cooldown)
}

// State returns the current lifecycle state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the persistable view of the breaker.
func (b *Breaker) Snapshot() database.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Restore rehydrates the breaker from a persisted snapshot, so an OPEN
// breaker stays open across a process restart.
func (b *Breaker) Restore(s *database.CircuitBreakerState) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch State(s.State) {
	case StateClosed, StateOpen, StateHalfOpen:
		b.state = State(s.State)
	default:
		return
	}
	b.failureCount = s.FailureCount
	b.successCount = s.SuccessCount
	if s.NextRetryAt != nil {
		b.nextRetryAt = *s.NextRetryAt
	}
}

func (b *Breaker) snapshotLocked() database.CircuitBreakerState {
	s := database.CircuitBreakerState{
		ActionClass:  b.actionClass,
		State:        string(b.state),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		UpdatedAt:    b.now(),
	}
	if !b.nextRetryAt.IsZero() {
		retry := b.nextRetryAt
		s.NextRetryAt = &retry
	}
	return s
}

func (b *Breaker) fire(snapshot database.CircuitBreakerState) {
	b.mu.Lock()
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}
