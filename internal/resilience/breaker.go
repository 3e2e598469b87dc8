// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package resilience provides the circuit breaker that guards remote calls
// from the appliance. A run of consecutive failures opens the breaker and
// callers short-circuit to their deferral path instead of burning a full
// timeout per attempt; after the reset window a probe decides between
// closing again and re-opening.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// State represents the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "panorec_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"breaker"})

	breakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panorec_breaker_trips_total",
		Help: "Circuit breaker trips by reason",
	}, []string{"breaker", "reason"})
)

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Breaker is a consecutive-failure circuit breaker. The zero value is not
// usable; construct with New.
type Breaker struct {
	mu           sync.Mutex
	name         string
	state        State
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	clock        clock

	// When set, panics in the executed function are counted as a failure
	// before re-panicking.
	recoverPanic bool
}

// Option configures a Breaker.
type Option func(*Breaker)

func WithClock(c clock) Option {
	return func(b *Breaker) { b.clock = c }
}

func WithPanicRecovery(enabled bool) Option {
	return func(b *Breaker) { b.recoverPanic = enabled }
}

// New creates a breaker that opens after threshold consecutive failures and
// probes again after resetTimeout.
func New(name string, threshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	b := &Breaker{
		name:         name,
		state:        StateClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        realClock{},
	}
	for _, opt := range opts {
		opt(b)
	}

	breakerState.WithLabelValues(b.name).Set(stateValue(b.state))
	return b
}

// Execute runs fn respecting the breaker state. While open it returns
// ErrOpen without invoking fn.
func (b *Breaker) Execute(fn func() error) (err error) {
	if !b.allow() {
		return ErrOpen
	}

	if b.recoverPanic {
		defer func() {
			if r := recover(); r != nil {
				b.recordFailure()
				panic(r)
			}
		}()
	}

	err = fn()
	if err != nil {
		b.recordFailure()
		return err
	}

	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) > b.resetTimeout {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default: // StateHalfOpen: probes pass through
		return true
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	if b.state == StateHalfOpen {
		breakerTrips.WithLabelValues(b.name, "probe_failed").Inc()
		b.transitionTo(StateOpen)
		return
	}
	if b.state == StateClosed && b.failures >= b.threshold {
		breakerTrips.WithLabelValues(b.name, "threshold_exceeded").Inc()
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}
}

// transitionTo handles state transitions and updates metrics.
// Caller must hold the lock.
func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	b.state = next
	if next == StateOpen {
		b.openedAt = b.clock.Now()
	}
	breakerState.WithLabelValues(b.name).Set(stateValue(next))
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
