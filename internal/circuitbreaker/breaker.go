// Package circuitbreaker guards an external dependency with a
// closed / open / half-open circuit.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the circuit position.
type State int

const (
	StateClosed   State = iota // requests flow
	StateOpen                  // requests are rejected
	StateHalfOpen              // a single probe is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var (
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state (0 closed, 1 open, 2 half-open).",
	}, []string{"name"})

	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "transitions_total",
		Help:      "Circuit state transitions by name and destination state.",
	}, []string{"name", "to_state"})
)

func init() {
	prometheus.MustRegister(breakerState, breakerTransitions)
}

// Breaker protects a single dependency. It opens after threshold
// consecutive failures, rejects calls for the cooldown period, then lets
// one probe through; the probe's outcome decides between closing and
// reopening.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a closed breaker. The name labels its metrics.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed. An open circuit past its
// cooldown moves to half-open and admits the caller as the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.moveTo(StateHalfOpen)
		return true
	case StateHalfOpen:
		// Probe already in flight.
		return false
	}
	return true
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.moveTo(StateClosed)
	}
}

// RecordFailure counts a failure. It trips a closed circuit at the
// threshold and reopens a half-open one immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.openedAt = time.Now()
		b.moveTo(StateOpen)
	case StateClosed:
		if b.failures >= b.threshold {
			b.openedAt = time.Now()
			b.moveTo(StateOpen)
		}
	}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// moveTo must be called with b.mu held.
func (b *Breaker) moveTo(to State) {
	if b.state == to {
		return
	}
	b.state = to
	breakerState.WithLabelValues(b.name).Set(float64(to))
	breakerTransitions.WithLabelValues(b.name, to.String()).Inc()
}
