// Package circuitbreaker stops calling an email provider that keeps failing
// and probes it again after a cooldown.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the position of a breaker.
//
//	Closed -> Open:      Threshold consecutive failures
//	Open -> HalfOpen:    Cooldown elapsed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned instead of calling the provider while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a Breaker. Zero values take the defaults applied in New.
type Config struct {
	Name string

	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Probes is how many calls may run while half-open.
	Probes int

	// OnStateChange, when set, is called after every transition with the
	// breaker's lock held. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults used for the email provider.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		Threshold: 5,
		Cooldown:  30 * time.Second,
		Probes:    1,
	}
}

// Breaker tracks consecutive provider failures.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	failures    int
	lastFailure time.Time
	changedAt   time.Time
	inFlight    int

	counts Counts
}

// Counts are lifetime totals, for the status endpoint.
type Counts struct {
	Allowed   int64 `json:"allowed"`
	Rejected  int64 `json:"rejected"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// New creates a closed Breaker.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}

	return &Breaker{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		state:     StateClosed,
		changedAt: time.Now(),
	}
}

// Name returns the configured breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Allow reports whether a call may go through now. Every allowed call must
// be followed by Success or Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.Cooldown {
			b.counts.Rejected++
			return false
		}
		b.setState(StateHalfOpen)
		b.inFlight = 1
	case StateHalfOpen:
		if b.inFlight >= b.cfg.Probes {
			b.counts.Rejected++
			return false
		}
		b.inFlight++
	}

	b.counts.Allowed++
	return true
}

// Success records a call that worked. A successful probe closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Successes++
	b.failures = 0

	if b.state == StateHalfOpen {
		b.setState(StateClosed)
		b.logger.Info("circuit breaker closed, provider recovered",
			zap.String("breaker", b.cfg.Name),
		)
	}
}

// Failure records a call that failed.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Failures++
	b.failures++
	b.lastFailure = b.now()

	switch {
	case b.state == StateHalfOpen:
		b.setState(StateOpen)
		b.logger.Warn("circuit breaker reopened, probe failed",
			zap.String("breaker", b.cfg.Name),
		)
	case b.state == StateClosed && b.failures >= b.cfg.Threshold:
		b.setState(StateOpen)
		b.logger.Warn("circuit breaker opened",
			zap.String("breaker", b.cfg.Name),
			zap.Int("failures", b.failures),
			zap.Duration("cooldown", b.cfg.Cooldown),
		)
	}
}

// Do runs fn through the breaker.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.cfg.Name)
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Failures    int        `json:"consecutive_failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	ChangedAt   time.Time  `json:"changed_at"`
	Counts      Counts     `json:"counts"`
}

// Snapshot returns the breaker's current state and counts.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:      b.cfg.Name,
		State:     b.state.String(),
		Failures:  b.failures,
		ChangedAt: b.changedAt,
		Counts:    b.counts,
	}
	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		s.LastFailure = &last
	}
	return s
}

// Reset closes the breaker and forgets recent failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed)
	b.failures = 0
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	b.changedAt = b.now()
	b.inFlight = 0

	b.logger.Debug("circuit breaker state transition",
		zap.String("breaker", b.cfg.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

func (b *Breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("Breaker[%s] state=%s failures=%d/%d",
		b.cfg.Name, b.state, b.failures, b.cfg.Threshold)
}
