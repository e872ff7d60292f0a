// Package breaker implements a per-dependency circuit breaker. Every call
// into the catalog store and the result cache runs through one, so a dead
// dependency fails fast instead of stacking up blocked requests.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOpen is returned without attempting the wrapped call while the breaker
// holds a dependency in the Open state.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker's position in its lifecycle.
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

// Settings configures a Breaker. FailureThreshold is the number of
// consecutive failures that trips Closed -> Open; RecoveryTimeout is how
// long Open is held before a single half-open probe is admitted.
type Settings struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Counts is a snapshot of a breaker's failure bookkeeping.
type Counts struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure"`
}

// Breaker guards one dependency. All transitions happen under a single
// mutex so concurrent callers never observe a torn state.
type Breaker struct {
	name      string
	threshold int
	recovery  time.Duration
	logger    zerolog.Logger

	mu       sync.Mutex
	state    State
	failures int
	lastFail time.Time
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// New creates a Breaker in the Closed state.
func New(s Settings, logger zerolog.Logger) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		name:      s.Name,
		threshold: s.FailureThreshold,
		recovery:  s.RecoveryTimeout,
		logger:    logger.With().Str("breaker", s.Name).Logger(),
		state:     StateClosed,
		now:       time.Now,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Do runs op through the breaker. While Open it returns ErrOpen without
// invoking op. A context cancellation is the caller giving up, not the
// dependency failing, so it neither counts against the threshold nor
// consumes the half-open probe.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

// State returns the current state, promoting Open to HalfOpen if the
// recovery timeout has already elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.probing && b.now().Sub(b.openedAt) >= b.recovery {
		return StateHalfOpen
	}
	return b.state
}

// Counts returns a snapshot of the failure bookkeeping.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{ConsecutiveFailures: b.failures, LastFailure: b.lastFail}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.recovery {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.Info().Msg("breaker half-open, admitting probe")
		return nil
	case StateHalfOpen:
		// Exactly one in-flight probe; everyone else keeps failing fast.
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if b.state == StateHalfOpen {
			b.probing = false
		}
		return
	}

	if err == nil {
		switch b.state {
		case StateHalfOpen:
			b.logger.Info().Msg("probe succeeded, breaker closed")
			b.state = StateClosed
			b.failures = 0
			b.probing = false
		case StateClosed:
			b.failures = 0
		case StateOpen:
			// A success here was admitted before the breaker opened and
			// says nothing about the dependency now. Recovery goes
			// through the probe.
		}
		return
	}

	b.lastFail = b.now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
		b.logger.Warn().Err(err).Msg("probe failed, breaker reopened")
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.logger.Warn().Err(err).Int("failures", b.failures).Msg("failure threshold reached, breaker opened")
		}
	}
}
