// Package breaker implements the circuit breaker used per-provider by C5,
// with a dual trip condition (consecutive failures, or a windowed error rate
// once a volume floor is met) and observable state transitions.
package breaker

import (
	"sync"
	"time"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
)

// State is one of the three circuit breaker states.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Event is emitted on every state transition.
type Event struct {
	Name      string
	From      State
	To        State
	At        time.Time
	RetryAfter time.Duration
}

// Listener receives breaker Events. Implementations must not block.
type Listener func(Event)

type sample struct {
	failure bool
}

// Breaker is a single named circuit breaker instance, one per embedding
// provider.
type Breaker struct {
	name string
	cfg  config.BreakerConfig

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
	window              []sample
	listeners           []Listener
}

// New constructs a Breaker named name.
func New(name string, cfg config.BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// OnEvent registers a listener for state-transition events.
func (b *Breaker) OnEvent(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// State returns the breaker's current state, resolving an elapsed
// reset_timeout into half_open as a side effect (matching spec semantics:
// the *next call* after reset_timeout is admitted).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

func (b *Breaker) currentStateLocked() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout.Value() {
		b.transitionLocked(StateHalfOpen, 0)
	}
	return b.state
}

// Allow reports whether a call should be admitted. It does not by itself
// record anything; the caller must follow up with RecordSuccess or
// RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked() != StateOpen
}

// Guard is a convenience wrapper: it checks Allow, runs fn if admitted, and
// records the outcome.
func (b *Breaker) Guard(fn func() error) error {
	if !b.Allow() {
		return errs.Wrap(errs.KindProvider, "circuit breaker open for "+b.name, errs.ErrCircuitOpen)
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.pushSample(false)

	switch b.state {
	case StateHalfOpen:
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed, 0)
		}
	case StateOpen:
		// Stray success after expiry; treat as half-open probe success.
		b.transitionLocked(StateHalfOpen, 0)
	}
}

// RecordFailure records a failed call that carries no retry-after.
func (b *Breaker) RecordFailure() {
	b.RecordFailureWithRetryAfter(0)
}

// RecordFailureWithRetryAfter records a failed call carrying a
// provider-signaled retry-after (e.g. from an HTTP 429), which is surfaced on
// the resulting open transition event.
func (b *Breaker) RecordFailureWithRetryAfter(retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.pushSample(true)

	if b.state == StateHalfOpen {
		b.transitionLocked(StateOpen, retryAfter)
		return
	}

	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.transitionLocked(StateOpen, retryAfter)
		return
	}

	if b.windowTrippedLocked() {
		b.transitionLocked(StateOpen, retryAfter)
	}
}

// pushSample appends to a fixed-size ring of the last window_size call
// outcomes, the rolling sample the error-rate trigger evaluates.
func (b *Breaker) pushSample(failure bool) {
	size := b.cfg.WindowSize
	if size <= 0 {
		size = 20
	}
	b.window = append(b.window, sample{failure: failure})
	if len(b.window) > size {
		b.window = b.window[len(b.window)-size:]
	}
}

func (b *Breaker) windowTrippedLocked() bool {
	total := len(b.window)
	if total < b.cfg.VolumeThreshold {
		return false
	}
	failures := 0
	for _, s := range b.window {
		if s.failure {
			failures++
		}
	}
	frac := float64(failures) / float64(total)
	return frac >= b.cfg.ErrorPctThreshold
}

func (b *Breaker) transitionLocked(to State, retryAfter time.Duration) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = time.Now()
		b.consecutiveSuccess = 0
	case StateHalfOpen:
		b.consecutiveSuccess = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.window = nil
	}
	evt := Event{Name: b.name, From: from, To: to, At: time.Now(), RetryAfter: retryAfter}
	for _, l := range b.listeners {
		l(evt)
	}
}
