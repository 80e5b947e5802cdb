package circuit

import (
	"errors"
	"testing"
	"time"

	"crypto-paper-trader/internal/database"
)

func newTestBreaker(clock *fakeClock) *Breaker {
	b := New(ClassExecution, Config{
		FailureThreshold: 5,
		ResetCount:       2,
		Cooldown:         time.Minute,
	})
	b.now = clock.Now
	return b
}

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time { return c.current }

func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func TestBreakerTripsAtThreshold(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("tripped after %d failures, threshold is 5", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected OPEN after 5 consecutive failures")
	}

	var openErr *ErrOpen
	if err := b.Allow(); !errors.As(err, &openErr) {
		t.Fatalf("Allow while OPEN = %v, want ErrOpen", err)
	}
	if !openErr.RetryAt.Equal(clock.current.Add(time.Minute)) {
		t.Errorf("retry deadline = %v, want trip time + cooldown", openErr.RetryAt)
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatal("non-consecutive failures must not trip the breaker")
	}
}

func TestCooldownMovesToHalfOpen(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(59 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatal("expected ErrOpen before cooldown elapses")
	}

	clock.Advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe allowed after cooldown: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", b.State())
	}
}

func TestHalfOpenClosesAfterResetCount(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatal("one success must not close the breaker, resetCount is 2")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatal("expected CLOSED after 2 consecutive HALF_OPEN successes")
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker must allow: %v", err)
	}
}

func TestHalfOpenFailureReopensAndRestartsCooldown(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	b.RecordSuccess()

	reopenedAt := clock.current
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("single HALF_OPEN failure must reopen the breaker")
	}

	var openErr *ErrOpen
	if err := b.Allow(); !errors.As(err, &openErr) {
		t.Fatal("expected ErrOpen after reopen")
	}
	if !openErr.RetryAt.Equal(reopenedAt.Add(time.Minute)) {
		t.Errorf("cooldown clock not restarted: retry at %v, want %v",
			openErr.RetryAt, reopenedAt.Add(time.Minute))
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	snap := b.Snapshot()
	if snap.State != string(StateOpen) || snap.FailureCount != 5 || snap.NextRetryAt == nil {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	fresh := newTestBreaker(clock)
	fresh.Restore(&snap)
	if fresh.State() != StateOpen {
		t.Fatal("restored breaker should be OPEN")
	}
	if err := fresh.Allow(); err == nil {
		t.Fatal("restored OPEN breaker must still block within cooldown")
	}
}

func TestOnChangeFires(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock)

	var states []string
	b.OnChange(func(s database.CircuitBreakerState) {
		states = append(states, s.State)
	})

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if len(states) != 5 {
		t.Fatalf("expected 5 change notifications, got %d", len(states))
	}
	if states[4] != string(StateOpen) {
		t.Errorf("final notified state = %s, want OPEN", states[4])
	}
}
