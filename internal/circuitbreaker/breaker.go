// Package circuitbreaker provides a per-key circuit breaker. The relay
// keys it by upstream provider so a provider that keeps refusing
// connections fails fast instead of holding client sockets open for the
// full connect timeout.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

// State is the breaker state for one key.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected until the cooldown ends
	StateHalfOpen              // one trial in flight
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

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sokuji",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	// openedAt is when the circuit last opened; trialAt when the current
	// half-open trial was let through.
	openedAt time.Time
	trialAt  time.Time
}

// Breaker trips a key open after threshold consecutive failures and lets a
// single trial through once cooldown has passed. A trial that never
// reports back is replaced after another cooldown.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	counts       func(error) bool
	onTransition func(key string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now (for tests).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithFailureFilter decides which Execute errors count against the key.
// Errors it rejects leave the circuit as it was.
func WithFailureFilter(counts func(error) bool) Option {
	return func(b *Breaker) { b.counts = counts }
}

// New creates a breaker. Non-positive threshold or cooldown fall back to
// 5 failures and 30s.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		counts:    func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnTransition sets a callback run (in its own goroutine) on state changes.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn when key's circuit admits it and records the outcome.
// It returns ErrOpen without calling fn while the circuit is open.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess(key)
	case b.counts(err):
		b.RecordFailure(key)
	default:
		b.release(key)
	}
	return err
}

// Allow reports whether a call for key may proceed. An open circuit past
// its cooldown moves to half-open and admits the caller as the trial.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	now := b.now()
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.transition(c, key, StateHalfOpen)
		c.trialAt = now
		return true
	case StateHalfOpen:
		if now.Sub(c.trialAt) < b.cooldown {
			return false
		}
		c.trialAt = now
		return true
	default:
		return true
	}
}

// RecordSuccess clears the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	b.transition(c, key, StateClosed)
}

// RecordFailure counts a failure. A failed trial reopens the circuit; a
// closed circuit opens at the threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.transition(c, key, StateOpen)
	}
}

// release lets the next caller try immediately after an uncounted error.
func (b *Breaker) release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok && c.state == StateHalfOpen {
		c.trialAt = time.Time{}
	}
}

// State returns key's current state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Caller must hold b.mu.
func (b *Breaker) transition(c *circuit, key string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn := b.onTransition; fn != nil {
		go fn(key, from, to)
	}
}
