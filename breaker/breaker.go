// Package breaker implements the per-peer circuit breaker that guards every
// replication and migration call.
//
// State machine:
//
//	Closed --(FailureThreshold consecutive failures)--> Open
//	Open --(cooldown elapsed, next call becomes the probe)--> HalfOpen
//	HalfOpen --(probe succeeds)--> Closed
//	HalfOpen --(probe fails)--> Open, cooldown multiplied (capped)
//
// While Open, calls fail fast with ErrPeerUnavailable and never reach the
// network. While HalfOpen exactly one probe is in flight; concurrent callers
// wait for its outcome instead of issuing their own.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/vecmesh/event"
)

// ErrPeerUnavailable is returned (wrapped in *PeerError) while a breaker
// rejects calls.
var ErrPeerUnavailable = errors.New("peer unavailable")

// PeerError carries the peer and breaker state of a rejected call.
type PeerError struct {
	Peer       string
	State      State
	RetryAfter time.Duration
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s unavailable: circuit %s, retry after %s", e.Peer, e.State, e.RetryAfter)
}

func (e *PeerError) Unwrap() error { return ErrPeerUnavailable }

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default 5.
	FailureThreshold int

	// Cooldown is the initial time the circuit stays open. Default 1s.
	Cooldown time.Duration

	// BackoffMultiplier scales the cooldown after a failed probe. Default 2.
	BackoffMultiplier float64

	// MaxCooldown caps the cooldown. Default 60s.
	MaxCooldown time.Duration

	// CallTimeout bounds each call. A call that exceeds it counts as a
	// failure. Zero disables the timeout.
	CallTimeout time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Cooldown:          time.Second,
		BackoffMultiplier: 2,
		MaxCooldown:       60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(d.MaxCooldown, c.Cooldown)
	}
	return c
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithObserver sets the observer that receives circuit events.
func WithObserver(o event.Observer) Option {
	return func(b *Breaker) { b.observer = o }
}

// WithStateChange registers a callback invoked (outside the breaker lock)
// after every transition.
func WithStateChange(fn func(peer string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker guards calls to one peer. It is safe for concurrent use.
type Breaker struct {
	peer     string
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	observer event.Observer
	onChange func(peer string, from, to State)

	mu       sync.Mutex
	state    State
	failures int
	cooldown time.Duration
	openedAt time.Time
	probe    chan struct{} // closed when the in-flight probe finishes
	stats    stats
}

// New creates a closed breaker for peer.
func New(peer string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		peer:     peer,
		cfg:      cfg,
		now:      time.Now,
		cooldown: cfg.Cooldown,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	b.stats.lastTransition = b.now()
	return b
}

// Peer returns the guarded peer id.
func (b *Breaker) Peer() string { return b.peer }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn through the breaker. fn receives a context bounded by
// CallTimeout. Cancellation of ctx by the caller is returned as is and not
// counted as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	for {
		b.mu.Lock()
		switch b.state {
		case Closed:
			b.mu.Unlock()
			return b.call(ctx, fn, false)

		case Open:
			elapsed := b.now().Sub(b.openedAt)
			if elapsed < b.cooldown {
				b.stats.rejected++
				retry := b.cooldown - elapsed
				b.mu.Unlock()
				return &PeerError{Peer: b.peer, State: Open, RetryAfter: retry}
			}
			b.probe = make(chan struct{})
			change := b.transitionLocked(HalfOpen)
			b.mu.Unlock()
			b.notify(change)
			return b.call(ctx, fn, true)

		case HalfOpen:
			wait := b.probe
			b.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (b *Breaker) call(ctx context.Context, fn func(context.Context) error, probe bool) error {
	if err := ctx.Err(); err != nil {
		if probe {
			b.abandonProbe()
		}
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	start := b.now()
	err := fn(callCtx)
	elapsed := b.now().Sub(start)

	switch {
	case ctx.Err() != nil:
		// Caller gave up; the peer's health is unknown.
		if probe {
			b.abandonProbe()
		}
		if err == nil {
			err = ctx.Err()
		}
		return err
	case err == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("peer %s: call timed out after %s: %w", b.peer, b.cfg.CallTimeout, context.DeadlineExceeded)
	}

	if err != nil {
		b.onFailure(probe, elapsed, errors.Is(err, context.DeadlineExceeded))
		return err
	}
	b.onSuccess(probe, elapsed)
	return nil
}

func (b *Breaker) onSuccess(probe bool, elapsed time.Duration) {
	b.mu.Lock()
	b.stats.recordSuccess(b.now(), elapsed)

	var change *transition
	switch {
	case probe && b.state == HalfOpen:
		b.failures = 0
		b.cooldown = b.cfg.Cooldown
		change = b.transitionLocked(Closed)
		b.releaseProbeLocked()
	case b.state == Closed:
		b.failures = 0
	}
	b.mu.Unlock()
	b.notify(change)
}

func (b *Breaker) onFailure(probe bool, elapsed time.Duration, timeout bool) {
	b.mu.Lock()
	now := b.now()
	b.stats.recordFailure(now, elapsed, timeout)

	var change *transition
	switch {
	case probe && b.state == HalfOpen:
		b.cooldown = min(time.Duration(float64(b.cooldown)*b.cfg.BackoffMultiplier), b.cfg.MaxCooldown)
		b.openedAt = now
		change = b.transitionLocked(Open)
		b.releaseProbeLocked()
	case b.state == Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			change = b.transitionLocked(Open)
		}
	}
	b.mu.Unlock()
	b.notify(change)
}

// abandonProbe reopens the circuit without extending the cooldown, so the
// next caller may probe immediately.
func (b *Breaker) abandonProbe() {
	b.mu.Lock()
	var change *transition
	if b.state == HalfOpen {
		change = b.transitionLocked(Open)
		b.releaseProbeLocked()
	}
	b.mu.Unlock()
	b.notify(change)
}

func (b *Breaker) releaseProbeLocked() {
	if b.probe != nil {
		close(b.probe)
		b.probe = nil
	}
}

type transition struct {
	from, to State
	failures int
	cooldown time.Duration
}

func (b *Breaker) transitionLocked(to State) *transition {
	from := b.state
	b.state = to
	now := b.now()
	b.stats.recordTransition(from, to, now)
	return &transition{from: from, to: to, failures: b.failures, cooldown: b.cooldown}
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}

	var kind event.Kind
	switch t.to {
	case Open:
		kind = event.KindCircuitOpened
		b.logger.Warn("circuit opened", "peer", b.peer, "from", t.from.String(), "consecutive_failures", t.failures, "cooldown", t.cooldown)
	case HalfOpen:
		kind = event.KindCircuitHalfOpen
		b.logger.Debug("circuit half-open", "peer", b.peer)
	case Closed:
		kind = event.KindCircuitClosed
		b.logger.Info("circuit closed", "peer", b.peer)
	}
	event.Emit(b.observer, event.Event{Kind: kind, Peer: b.peer, Count: t.failures})

	if b.onChange != nil {
		b.onChange(b.peer, t.from, t.to)
	}
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var change *transition
	b.failures = 0
	b.cooldown = b.cfg.Cooldown
	if b.state != Closed {
		change = b.transitionLocked(Closed)
		b.releaseProbeLocked()
	}
	b.mu.Unlock()
	b.notify(change)
}
