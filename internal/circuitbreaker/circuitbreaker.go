// v1
// internal/circuitbreaker/circuitbreaker.go
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned without calling the guarded operation while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config holds the breaker tunables.
type Config struct {
	MaxFailures  int           `validate:"gte=1"` // consecutive failures before opening
	ResetTimeout time.Duration `validate:"gt=0"`  // how long to stay open before a trial call
}

// Breaker guards one shared resource (database, transport, external API).
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.SugaredLogger

	mu          sync.Mutex
	state       State
	recentFails int
	openedAt    time.Time
	lastFailure time.Time

	probe    func(ctx context.Context) error
	onChange func(name string, from, to State)
	now      func() time.Time
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithProbe runs probe before the half-open trial call; a failing probe re-opens the breaker.
func WithProbe(probe func(ctx context.Context) error) Option {
	return func(b *Breaker) { b.probe = probe }
}

// WithStateListener is notified on every state transition.
func WithStateListener(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func New(name string, cfg Config, logger *zap.SugaredLogger, opts ...Option) *Breaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  Closed,
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.logger.Infow("breaker_created", "name", name, "state", b.state.String(), "maxFailures", cfg.MaxFailures, "resetTimeout", cfg.ResetTimeout.String())
	return b
}

// Name returns the guarded resource name.
func (b *Breaker) Name() string { return b.name }

// Execute runs op unless the breaker is open. After ResetTimeout exactly one
// caller is admitted as a half-open trial; others keep failing fast until it
// completes.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		since := b.now().Sub(b.openedAt)
		if since < b.cfg.ResetTimeout {
			b.mu.Unlock()
			b.logger.Debugw("breaker_fast_fail", "name", b.name, "since_open", since.String())
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.mu.Unlock()
		return b.trial(ctx, op)
	case HalfOpen:
		b.mu.Unlock()
		return ErrOpen
	}
	b.mu.Unlock()

	err := op(ctx)
	if err == nil {
		b.onSuccess()
		return nil
	}
	b.onFailure(err)
	return err
}

func (b *Breaker) trial(ctx context.Context, op func(ctx context.Context) error) error {
	b.logger.Infow("breaker_probe_start", "name", b.name)
	if b.probe != nil {
		if err := b.probe(ctx); err != nil {
			b.logger.Warnw("breaker_probe_failed", "name", b.name, "error", err.Error())
			b.reopen()
			return ErrOpen
		}
	}
	// A panicking trial must not leave the breaker stuck in HALF_OPEN.
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("breaker_halfopen_op_panicked", "name", b.name, "panic", r)
			b.reopen()
			panic(r)
		}
	}()
	if err := op(ctx); err != nil {
		b.logger.Warnw("breaker_halfopen_op_failed", "name", b.name, "error", err.Error())
		b.reopen()
		return err
	}
	b.mu.Lock()
	b.recentFails = 0
	b.transition(Closed)
	b.mu.Unlock()
	b.logger.Infow("breaker_closed_after_probe", "name", b.name)
	return nil
}

func (b *Breaker) reopen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails++
	b.lastFailure = b.now()
	b.openedAt = b.lastFailure
	b.transition(Open)
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails = 0
	if b.state != Closed {
		b.transition(Closed)
	}
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFails++
	b.lastFailure = b.now()
	b.logger.Warnw("operation_failure", "name", b.name, "failures", b.recentFails, "error", err.Error())
	if b.state == Closed && b.recentFails >= b.cfg.MaxFailures {
		b.openedAt = b.lastFailure
		b.transition(Open)
		b.logger.Errorw("breaker_opened", "name", b.name, "maxFailures", b.cfg.MaxFailures)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Infow("breaker_state_change", "name", b.name, "from", from.String(), "to", to.String())
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// State returns the current position. An open breaker past its timeout is
// still reported OPEN until the next call performs the trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recentFails
}

// Snapshot is a read-only view for status endpoints.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
	OpenedAt    time.Time `json:"openedAt,omitempty"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Name: b.name, State: b.state.String(), Failures: b.recentFails, LastFailure: b.lastFailure, OpenedAt: b.openedAt}
}
