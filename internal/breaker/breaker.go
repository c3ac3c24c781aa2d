// Package breaker implements the three-state circuit breaker that guards
// upstream provider calls. State is process-local and resets to closed on
// restart; every instance maintains its own counters behind a single mutex.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the current circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config controls the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures in closed state
	// that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before the next call
	// is allowed to probe the upstream.
	ResetTimeout time.Duration
	// HalfOpenMax is the trial budget: the number of probe calls allowed in
	// half-open state, and the number of consecutive successes required to
	// close the circuit again.
	HalfOpenMax int
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = d.HalfOpenMax
	}
	return c
}

// Breaker is one circuit protecting one upstream call path.
type Breaker struct {
	name   string
	config Config
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	trials       int
	lastFailure  time.Time
}

// Snapshot is a read-only copy of the breaker state for observability.
type Snapshot struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	Trials      int       `json:"trials"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// New creates a closed breaker with the given thresholds.
func New(name string, config Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		logger: logger.With("component", "breaker", "breaker", name),
		state:  StateClosed,
	}
}

// CanProceed reports whether a call may go through. It is side-effecting:
// in open state it performs the open -> half-open transition once the reset
// timeout has elapsed, and in half-open state it consumes one trial slot.
func (b *Breaker) CanProceed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) < b.config.ResetTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.trials = 1
		return true
	case StateHalfOpen:
		if b.trials >= b.config.HalfOpenMax {
			return false
		}
		b.trials++
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful call and may close a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.HalfOpenMax {
			b.transition(StateClosed)
			b.reset()
		}
	}
}

// RecordFailure notes a failed call. It opens the circuit from closed state
// once the failure threshold is reached and reopens it immediately from
// half-open state.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
			b.trials = 0
		}
	case StateHalfOpen:
		b.transition(StateOpen)
		b.trials = 0
	}
}

// ErrOpen is returned by Execute when the circuit rejects the call and no
// fallback is configured.
type ErrOpen struct {
	Name string
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

// Execute runs primary through the breaker. If the circuit rejects the call
// or primary fails, fallback is invoked (when non-nil) with the rejection or
// primary error. Primary results feed RecordSuccess/RecordFailure.
func (b *Breaker) Execute(ctx context.Context, primary func(context.Context) error, fallback func(context.Context, error) error) error {
	if !b.CanProceed() {
		rejection := &ErrOpen{Name: b.name}
		if fallback != nil {
			return fallback(ctx, rejection)
		}
		return rejection
	}

	err := primary(ctx)
	if err != nil {
		b.RecordFailure()
		if fallback != nil {
			return fallback(ctx, err)
		}
		return err
	}

	b.RecordSuccess()
	return nil
}

// Reset forces the breaker back to closed with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.reset()
}

// Snapshot returns a copy of the current state for observability endpoints.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		Trials:      b.trials,
		LastFailure: b.lastFailure,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// reset zeroes all counters. Caller holds the mutex.
func (b *Breaker) reset() {
	b.failures = 0
	b.successes = 0
	b.trials = 0
	b.lastFailure = time.Time{}
}

// transition logs state changes. Caller holds the mutex.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.logger.Info("circuit state change",
		"from", string(b.state),
		"to", string(to),
		"failures", b.failures,
	)
	b.state = to
}
