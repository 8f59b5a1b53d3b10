// Package circuitbreaker stops hammering an RPC endpoint that keeps refusing
// connections. Each endpoint key moves closed → open → half-open; while open,
// calls fail fast with ErrOpen and the settlement workers treat the record as
// RPC-unavailable for this pass.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the endpoint's circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls rejected until the cool-off elapses
	StateHalfOpen              // a single trial call is in flight
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
	Namespace: "xmrescrow",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by endpoint, from-state, and to-state.",
}, []string{"endpoint", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type endpoint struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per endpoint key.
type Breaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	threshold int
	coolOff   time.Duration
	now       func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// lets one trial call through once coolOff has passed.
func New(threshold int, coolOff time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolOff <= 0 {
		coolOff = 30 * time.Second
	}
	return &Breaker{
		endpoints: make(map[string]*endpoint),
		threshold: threshold,
		coolOff:   coolOff,
		now:       time.Now,
	}
}

// Do runs fn unless the circuit for key is open. isFailure decides which
// errors count against the endpoint; application-level RPC errors usually
// should not trip the breaker, only transport failures.
func (b *Breaker) Do(key string, isFailure func(error) bool, fn func() error) error {
	if !b.allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && isFailure(err) {
		b.recordFailure(key)
		return err
	}
	b.recordSuccess(key)
	return err
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.endpoints[key]; ok {
		return e.state
	}
	return StateClosed
}

func (b *Breaker) allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.endpoints[key]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) >= b.coolOff {
			b.transition(key, e, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) recordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.endpoints[key]
	if !ok {
		return
	}
	e.failures = 0
	b.transition(key, e, StateClosed)
}

func (b *Breaker) recordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.endpoints[key]
	if !ok {
		e = &endpoint{state: StateClosed}
		b.endpoints[key] = e
	}
	e.failures++

	switch {
	case e.state == StateHalfOpen:
		e.openedAt = b.now()
		b.transition(key, e, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		e.openedAt = b.now()
		b.transition(key, e, StateOpen)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(key string, e *endpoint, to State) {
	if e.state == to {
		return
	}
	transitionsTotal.WithLabelValues(key, e.state.String(), to.String()).Inc()
	e.state = to
}
