package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// ErrExhausted marks errors returned when an operation kept failing until
// the retry budget ran out. Use errors.Is to detect it; the last operation
// error is available through errors.Unwrap.
var ErrExhausted = errors.New("retry budget exhausted")

// Config controls the backoff curve and budget of a Manager.
type Config struct {
	// InitialDelay is the wait before the second attempt (default: 200ms).
	InitialDelay time.Duration
	// MaxDelay caps the backoff curve (default: 5s).
	MaxDelay time.Duration
	// Factor is the backoff multiplier between attempts (default: 2.0).
	Factor float64
	// Jitter randomizes delays to avoid thundering herd.
	Jitter bool
	// MaxAttempts bounds the number of operation calls (0 = unbounded,
	// limited only by the invocation timeout).
	MaxAttempts int
	// DisableWait skips all sleeping. Intended for tests.
	DisableWait bool
}

// DefaultConfig returns the standard retry configuration.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Manager runs operations with retry and monotonically non-decreasing
// backoff. A Manager carries no per-operation state: the same instance can
// drive unrelated retryable operations (waiting for a just-created resource
// to become visible, resending a throttled batch) concurrently.
type Manager struct {
	cfg Config
}

// New creates a Manager, filling zero config values with defaults.
func New(cfg Config) *Manager {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Factor <= 1 {
		cfg.Factor = 2.0
	}
	return &Manager{cfg: cfg}
}

// exhaustedError wraps the last operation error once the budget runs out.
type exhaustedError struct {
	attempts int
	elapsed  time.Duration
	err      error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts in %v: %v", e.attempts, e.elapsed, e.err)
}

func (e *exhaustedError) Unwrap() error { return e.err }

func (e *exhaustedError) Is(target error) bool { return target == ErrExhausted }

// Invoke runs op until it succeeds, fails with a non-retryable error, or
// the budget runs out. The budget is both the configured attempt count and
// the timeout: whichever exhausts first stops the retrying, and the last
// error is surfaced wrapped in ErrExhausted. A non-retryable error is
// returned as-is after the attempt that produced it.
//
// Cancelling ctx stops the retrying between attempts; in-flight attempts
// are the operation's own responsibility.
func (m *Manager) Invoke(ctx context.Context, timeout time.Duration, op func() error, retryable func(error) bool) error {
	deadline := time.Now().Add(timeout)
	b := &backoff.Backoff{
		Min:    m.cfg.InitialDelay,
		Max:    m.cfg.MaxDelay,
		Factor: m.cfg.Factor,
		Jitter: m.cfg.Jitter,
	}

	start := time.Now()
	attempts := 0
	for {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if m.cfg.MaxAttempts > 0 && attempts >= m.cfg.MaxAttempts {
			return &exhaustedError{attempts: attempts, elapsed: time.Since(start), err: err}
		}

		delay := b.Duration()
		if m.cfg.DisableWait {
			delay = 0
		}
		if remaining := time.Until(deadline); remaining <= delay {
			return &exhaustedError{attempts: attempts, elapsed: time.Since(start), err: err}
		}
		if err := m.sleep(ctx, delay); err != nil {
			return &exhaustedError{attempts: attempts, elapsed: time.Since(start), err: err}
		}
	}
}

// sleep waits for d but wakes early on context cancellation.
func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
