// Package circuitbreaker stops calling an upstream that keeps failing.
//
// Circuits are keyed by upstream name ("hermes", "blockscout") or by alert
// webhook URL. A circuit opens after a run of consecutive failures, rejects
// calls for a cooldown, then admits a single probe whose outcome decides
// whether it closes again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while a circuit rejects calls.
var ErrOpen = errors.New("circuitbreaker: circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half_open"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tokensentry",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state changes by upstream.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

// circuit is the state of one key. All fields are guarded by Breaker.mu.
type circuit struct {
	state    State
	failures int
	retryAt  time.Time
}

// Breaker tracks one circuit per key.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	circuits map[string]*circuit
	now      func() time.Time
	notify   func(key string, from, to State)
}

// New returns a Breaker that opens a circuit after threshold consecutive
// failures and keeps it open for cooldown. Non-positive values fall back to
// 5 failures and 30 seconds.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		circuits:  make(map[string]*circuit),
		now:       time.Now,
	}
}

// WithClock swaps the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition registers fn to be called, on its own goroutine, whenever a
// circuit changes state.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Allow reports whether a call to key may go ahead. Once the cooldown has
// passed an open circuit turns half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil || c.state == StateClosed {
		return true
	}
	if c.state == StateOpen && !b.now().Before(c.retryAt) {
		b.set(key, c, StateHalfOpen)
		return true
	}
	return false
}

// RecordSuccess clears the failure run for key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return
	}
	c.failures = 0
	b.set(key, c, StateClosed)
}

// RecordFailure extends the failure run for key. A failed probe reopens
// the circuit straight away.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.retryAt = b.now().Add(b.cooldown)
		b.set(key, c, StateOpen)
	}
}

// Execute calls fn when key is allowed and records its outcome.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// State returns the state of key. Keys never seen are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// Snapshot returns the state of every circuit that has seen a failure.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	out := make(map[string]State, len(b.circuits))
	for key, c := range b.circuits {
		out[key] = c.state
	}
	b.mu.Unlock()
	return out
}

// set moves c to state. Caller holds b.mu.
func (b *Breaker) set(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn := b.notify; fn != nil {
		go fn(key, from, to)
	}
}
