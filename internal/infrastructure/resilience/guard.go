package resilience

import (
	"context"
	"time"
)

// GuardConfig configures a ConnectionGuard.
type GuardConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	IsFailure        func(error) bool
	OnStateChange    func(name string, from, to State, failures int)
	Now              func() time.Time
}

// ConnectionGuard owns the one breaker shared by every remote call on the
// sync path, so all callers draw on the same failure budget. Construct one
// per process in the composition root and pass it by reference.
type ConnectionGuard struct {
	breaker *CircuitBreaker
}

// NewConnectionGuard creates a guard around a breaker named "remote".
func NewConnectionGuard(cfg GuardConfig) *ConnectionGuard {
	return &ConnectionGuard{
		breaker: NewCircuitBreaker(Settings{
			Name:             "remote",
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
			IsFailure:        cfg.IsFailure,
			OnStateChange:    cfg.OnStateChange,
			Now:              cfg.Now,
		}),
	}
}

// Do runs op through the shared breaker.
func (g *ConnectionGuard) Do(ctx context.Context, op func(context.Context) error) error {
	return g.breaker.Do(ctx, op)
}

// Breaker exposes the underlying breaker for status reporting.
func (g *ConnectionGuard) Breaker() *CircuitBreaker {
	return g.breaker
}

// Query runs op through the guard and returns its result.
func Query[T any](ctx context.Context, g *ConnectionGuard, op func(context.Context) (T, error)) (T, error) {
	return Execute(ctx, g.breaker, op)
}
