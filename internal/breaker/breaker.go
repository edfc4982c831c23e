// Package breaker protects calls to flaky external dependencies with a
// closed/open/half-open circuit breaker shared by all callers of that dependency.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrOpen is returned without invoking the protected call while the circuit is open
// or while the half-open trial is in flight.
var ErrOpen = errors.New("circuit breaker open")

// State mirrors the breaker state
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Config holds breaker settings
type Config struct {
	Name string
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold uint32
	// Window clears the failure counts periodically while closed.
	Window time.Duration
	// Cooldown is how long the breaker stays open before a trial call.
	Cooldown time.Duration
}

// StateListener is notified on every transition
type StateListener func(name string, from, to State)

// Breaker wraps gobreaker with the failure policy used for provider calls
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
}

// New creates a breaker. listener may be nil.
func New(cfg Config, logger *zap.Logger, listener StateListener) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	b := &Breaker{name: cfg.Name, logger: logger}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Every error is a failure; a caller walking away is not the dependency's fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if listener != nil {
				listener(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs fn through the breaker. When the circuit rejects the call fn is
// not invoked and the returned error matches ErrOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	return err
}

// State returns the current state
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// ConsecutiveFailures returns the current consecutive failure count
func (b *Breaker) ConsecutiveFailures() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
