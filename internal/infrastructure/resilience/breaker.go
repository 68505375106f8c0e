// Package resilience provides the circuit breaker that guards calls to the
// remote endpoint.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
)

// State is a circuit breaker state.
type State int

const (
	// StateClosed indicates normal operation.
	StateClosed State = iota
	// StateOpen indicates the breaker is rejecting calls.
	StateOpen
	// StateHalfOpen indicates a single trial call is permitted.
	StateHalfOpen
)

// String returns the conventional upper-case name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Default breaker settings.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// ErrInterrupted marks an outcome that says nothing about the downstream
// service: the caller stopped waiting first. It counts neither as a failure
// nor as a success.
var ErrInterrupted = errors.New("call interrupted by caller")

// Interrupted wraps err so the breaker does not record it.
func Interrupted(err error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, err)
}

// Settings configures a CircuitBreaker.
type Settings struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration

	// IsFailure decides whether an operation error counts against the
	// breaker. Nil counts every non-nil error.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State, failures int)

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name            string
	State           State
	FailureCount    int
	LastFailureTime time.Time
}

// CircuitBreaker is a CLOSED/OPEN/HALF_OPEN state machine. It is safe for
// concurrent use.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	isFailure        func(error) bool
	onStateChange    func(name string, from, to State, failures int)
	now              func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	trialInFlight   bool
}

// NewCircuitBreaker creates a breaker in the CLOSED state. Zero settings fall
// back to the defaults.
func NewCircuitBreaker(s Settings) *CircuitBreaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	if s.IsFailure == nil {
		s.IsFailure = func(err error) bool { return err != nil }
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Name == "" {
		s.Name = "default"
	}

	return &CircuitBreaker{
		name:             s.Name,
		failureThreshold: s.FailureThreshold,
		resetTimeout:     s.ResetTimeout,
		isFailure:        s.IsFailure,
		onStateChange:    s.OnStateChange,
		now:              s.Now,
		state:            StateClosed,
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state. An OPEN breaker whose reset timeout has
// elapsed still reports OPEN until the next call moves it to HALF_OPEN.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the current state and counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Do runs op if the breaker admits it. A rejected call returns an error
// matching ErrCircuitOpen and op is not invoked. Otherwise op's error is
// returned unchanged.
func (cb *CircuitBreaker) Do(ctx context.Context, op func(context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	cb.record(trial, opErr)
	return opErr
}

// Execute is the generic form of Do.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Do(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// Reset forces the breaker back to CLOSED.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.trialInFlight = false
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed, 0)
	}
}

// admit decides whether a call may proceed. trial is true for the single
// HALF_OPEN call.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil

	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, cb.openError()
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		failures := cb.failureCount
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen, failures)
		return true, nil

	default: // StateHalfOpen
		if cb.trialInFlight {
			cb.mu.Unlock()
			return false, cb.openError()
		}
		cb.trialInFlight = true
		cb.mu.Unlock()
		return true, nil
	}
}

// record applies the outcome of an admitted call.
func (cb *CircuitBreaker) record(trial bool, opErr error) {
	if errors.Is(opErr, ErrInterrupted) {
		// A cut-off trial frees the slot; the next call becomes the trial.
		if trial {
			cb.mu.Lock()
			cb.trialInFlight = false
			cb.mu.Unlock()
		}
		return
	}
	failed := opErr != nil && cb.isFailure(opErr)

	cb.mu.Lock()
	from := cb.state

	if trial {
		cb.trialInFlight = false
	}

	switch {
	case !failed && from == StateHalfOpen && trial:
		cb.state = StateClosed
		cb.failureCount = 0

	case !failed && from == StateClosed:
		cb.failureCount = 0

	case failed && from == StateHalfOpen && trial:
		cb.state = StateOpen
		cb.failureCount++
		cb.lastFailureTime = cb.now()

	case failed && from == StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
			cb.lastFailureTime = cb.now()
		}
	}
	// Outcomes of calls admitted while CLOSED that land after a trip are
	// dropped; the state they observed no longer applies.

	to := cb.state
	failures := cb.failureCount
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to, failures)
	}
}

func (cb *CircuitBreaker) openError() error {
	return domainErrors.WithContext(
		domainErrors.NewError(domainErrors.CodeCircuitOpen, cb.name, domainErrors.ErrCircuitOpen),
		"breaker", cb.name,
	)
}

func (cb *CircuitBreaker) notify(from, to State, failures int) {
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to, failures)
	}
}
