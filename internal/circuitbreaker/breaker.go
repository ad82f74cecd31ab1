// Package circuitbreaker guards calls to the orchestrator's storage and HTTP
// collaborators. A breaker that has seen too many consecutive failures
// rejects calls outright until a cool-down has passed, then admits a few
// probes to decide whether to close again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without running the call while the breaker is open
	ErrOpen = errors.New("circuit breaker is open")
	// ErrProbeLimit is returned while the half-open probe slots are taken
	ErrProbeLimit = errors.New("circuit breaker probe limit reached")
)

// Settings tune one breaker. See SettingsFor for the defaults.
type Settings struct {
	FailureThreshold int           // consecutive failures that open a closed breaker
	OpenFor          time.Duration // time spent open before probing
	Probes           int           // concurrent calls admitted while half-open
	CloseAfter       int           // half-open successes needed to close
	ResetEvery       time.Duration // clears the closed-state failure streak; 0 never
}

// Stats are lifetime counters for one breaker
type Stats struct {
	Calls    uint64
	Failures uint64
	Rejected uint64
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	Name                string
	Service             string
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	RetryAt             time.Time
	Stats               Stats
}

// Listener observes state transitions. It runs with the breaker locked and
// must not call back into it.
type Listener func(name string, from, to State)

// Option customises a Breaker
type Option func(*Breaker)

// WithFailurePredicate decides which errors count against the breaker.
// Errors it rejects are treated as successful calls: the dependency answered.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateListener registers a transition listener
func WithStateListener(fn Listener) Option {
	return func(b *Breaker) { b.listeners = append(b.listeners, fn) }
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeFailure:
		return "failure"
	default:
		return "ignored"
	}
}

// Breaker guards one dependency
type Breaker struct {
	name      string
	service   string
	settings  Settings
	isFailure func(error) bool
	listeners []Listener
	now       func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	epoch     uint64 // bumped on every transition; stale results are dropped
	failures  int
	successes int
	inFlight  int
	openedAt  time.Time
	resetAt   time.Time
	stats     Stats
}

// New creates a closed breaker
func New(name, service string, settings Settings, logger *zap.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:     name,
		service:  service,
		settings: settings.normalized(),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.resetAt = b.nextReset(b.now())
	return b
}

// Name returns the breaker name used in metrics and logs
func (b *Breaker) Name() string { return b.name }

// Service returns the dependency label
func (b *Breaker) Service() string { return b.service }

// Execute runs fn unless the breaker rejects it. A context that is already
// done returns its error without touching the breaker, and a call that ends
// in context.Canceled is not held against the dependency. A panic in fn
// counts as a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	epoch, err := b.admit()
	if err != nil {
		callsTotal.WithLabelValues(b.name, b.service, "rejected").Inc()
		return err
	}

	result := outcomeFailure
	defer func() {
		b.settle(epoch, result)
		callsTotal.WithLabelValues(b.name, b.service, result.String()).Inc()
	}()

	err = fn()
	result = b.classify(err)
	return err
}

func (b *Breaker) classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, context.Canceled):
		return outcomeIgnored
	case b.isFailure != nil && !b.isFailure(err):
		return outcomeSuccess
	default:
		return outcomeFailure
	}
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.now())
	switch b.state {
	case StateOpen:
		b.stats.Rejected++
		return b.epoch, ErrOpen
	case StateHalfOpen:
		if b.inFlight >= b.settings.Probes {
			b.stats.Rejected++
			return b.epoch, ErrProbeLimit
		}
		b.inFlight++
	}
	b.stats.Calls++
	return b.epoch, nil
}

func (b *Breaker) settle(epoch uint64, result outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if result == outcomeFailure {
		b.stats.Failures++
	}
	now := b.now()
	b.advance(now)
	if epoch != b.epoch {
		return
	}

	switch b.state {
	case StateClosed:
		switch result {
		case outcomeSuccess:
			b.failures = 0
		case outcomeFailure:
			b.failures++
			if b.failures >= b.settings.FailureThreshold {
				b.transition(StateOpen, now)
			}
		}
	case StateHalfOpen:
		b.inFlight--
		switch result {
		case outcomeSuccess:
			b.successes++
			if b.successes >= b.settings.CloseAfter {
				b.transition(StateClosed, now)
			}
		case outcomeFailure:
			b.transition(StateOpen, now)
		}
	}
}

// advance applies the time-driven moves: open to half-open once OpenFor has
// passed, and the periodic reset of the closed failure streak.
func (b *Breaker) advance(now time.Time) {
	switch b.state {
	case StateOpen:
		if !now.Before(b.openedAt.Add(b.settings.OpenFor)) {
			b.transition(StateHalfOpen, now)
		}
	case StateClosed:
		if !b.resetAt.IsZero() && !now.Before(b.resetAt) {
			b.failures = 0
			b.resetAt = b.nextReset(now)
		}
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.epoch++
	b.failures, b.successes, b.inFlight = 0, 0, 0

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.openedAt = time.Time{}
		b.resetAt = b.nextReset(now)
	}

	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("service", b.service),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	for _, fn := range b.listeners {
		fn(b.name, from, to)
	}
}

func (b *Breaker) nextReset(now time.Time) time.Time {
	if b.settings.ResetEvery <= 0 {
		return time.Time{}
	}
	return now.Add(b.settings.ResetEvery)
}

// State returns the current state, applying any pending timed transition
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

// Snapshot returns the current state and counters
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())

	s := Snapshot{
		Name:                b.name,
		Service:             b.service,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Stats:               b.stats,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	if b.state == StateOpen {
		s.RetryAt = b.openedAt.Add(b.settings.OpenFor)
	}
	return s
}

func (b *Breaker) addListener(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}
