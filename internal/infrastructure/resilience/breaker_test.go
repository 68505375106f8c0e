package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/testutil"
)

var errDownstream = errors.New("downstream 503")

func failing(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return errDownstream
	}
}

func succeeding(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return nil
	}
}

type transition struct {
	from, to State
}

func newTestBreaker(clock *testutil.FakeClock, log *[]transition) *CircuitBreaker {
	return NewCircuitBreaker(Settings{
		Name:             "test",
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		Now:              clock.Now,
		OnStateChange: func(_ string, from, to State, _ int) {
			if log != nil {
				*log = append(*log, transition{from, to})
			}
		},
	})
}

func TestCircuitBreaker_Trip(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(testutil.Epoch)
	var transitions []transition
	cb := newTestBreaker(clock, &transitions)

	var calls int32
	for i := 0; i < 4; i++ {
		err := cb.Do(ctx, failing(&calls))
		assert.ErrorIs(t, err, errDownstream, "real failures propagate unchanged")
		assert.Equal(t, StateClosed, cb.State())
	}

	err := cb.Do(ctx, failing(&calls))
	assert.ErrorIs(t, err, errDownstream)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, int32(5), calls)

	// within resetTimeout: fail fast, operation never invoked
	clock.Advance(29 * time.Second)
	err = cb.Do(ctx, succeeding(&calls))
	assert.ErrorIs(t, err, domainErrors.ErrCircuitOpen)
	assert.True(t, domainErrors.IsCircuitOpen(err))
	assert.NotErrorIs(t, err, errDownstream)
	assert.Equal(t, int32(5), calls)

	assert.Equal(t, []transition{{StateClosed, StateOpen}}, transitions)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(testutil.Epoch)
	cb := newTestBreaker(clock, nil)

	var calls int32
	for i := 0; i < 4; i++ {
		_ = cb.Do(ctx, failing(&calls))
	}
	require.NoError(t, cb.Do(ctx, succeeding(&calls)))
	assert.Equal(t, 0, cb.Snapshot().FailureCount)

	for i := 0; i < 4; i++ {
		_ = cb.Do(ctx, failing(&calls))
	}
	assert.Equal(t, StateClosed, cb.State(), "failures must be consecutive to trip")
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(testutil.Epoch)
	var transitions []transition
	cb := newTestBreaker(clock, &transitions)

	var calls int32
	for i := 0; i < 5; i++ {
		_ = cb.Do(ctx, failing(&calls))
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(30 * time.Second)

	var sawHalfOpen bool
	err := cb.Do(ctx, func(context.Context) error {
		sawHalfOpen = cb.State() == StateHalfOpen
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawHalfOpen, "trial call runs in HALF_OPEN")
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Snapshot().FailureCount)

	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(testutil.Epoch)
	cb := newTestBreaker(clock, nil)

	var calls int32
	for i := 0; i < 5; i++ {
		_ = cb.Do(ctx, failing(&calls))
	}

	clock.Advance(31 * time.Second)
	err := cb.Do(ctx, failing(&calls))
	assert.ErrorIs(t, err, errDownstream)
	assert.Equal(t, StateOpen, cb.State())

	snap := cb.Snapshot()
	assert.Equal(t, clock.Now(), snap.LastFailureTime, "lastFailureTime refreshed by the failed trial")

	// the cooldown restarts from the failed trial
	clock.Advance(10 * time.Second)
	err = cb.Do(ctx, succeeding(&calls))
	assert.ErrorIs(t, err, domainErrors.ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(testutil.Epoch)
	cb := newTestBreaker(clock, nil)

	var calls int32
	for i := 0; i < 5; i++ {
		_ = cb.Do(ctx, failing(&calls))
	}
	clock.Advance(30 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Do(ctx, succeeding(&calls))
	assert.ErrorIs(t, err, domainErrors.ErrCircuitOpen, "second caller rejected while trial in flight")

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IsFailurePredicate(t *testing.T) {
	ctx := context.Background()
	errConflict := errors.New("409")
	cb := NewCircuitBreaker(Settings{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errConflict) },
	})

	err := cb.Do(ctx, func(context.Context) error { return errConflict })
	assert.ErrorIs(t, err, errConflict)
	assert.Equal(t, StateClosed, cb.State(), "excluded errors do not count")
}

func TestCircuitBreaker_InterruptedCallsAreNotRecorded(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(testutil.Epoch)
	cb := newTestBreaker(clock, nil)

	var calls int32
	for i := 0; i < 4; i++ {
		_ = cb.Do(ctx, failing(&calls))
	}

	interrupted := func(context.Context) error {
		return Interrupted(context.Canceled)
	}
	for i := 0; i < 3; i++ {
		err := cb.Do(ctx, interrupted)
		assert.ErrorIs(t, err, ErrInterrupted)
		assert.ErrorIs(t, err, context.Canceled)
	}

	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 4, snap.FailureCount, "interruptions neither count nor reset")

	_ = cb.Do(ctx, failing(&calls))
	assert.Equal(t, StateOpen, cb.State())

	// an interrupted trial leaves the breaker HALF_OPEN for the next caller
	clock.Advance(30 * time.Second)
	_ = cb.Do(ctx, interrupted)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Do(ctx, succeeding(&calls)))
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(Settings{})

	v, err := Execute(ctx, cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Execute(ctx, cb, func(context.Context) (string, error) { return "", errDownstream })
	assert.ErrorIs(t, err, errDownstream)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(testutil.Epoch)
	cb := newTestBreaker(clock, nil)

	var calls int32
	for i := 0; i < 5; i++ {
		_ = cb.Do(ctx, failing(&calls))
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Do(ctx, succeeding(&calls)))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestConnectionGuard_SharedBudget(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(testutil.Epoch)
	guard := NewConnectionGuard(GuardConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second, Now: clock.Now})

	var calls int32
	// failures from different callers accumulate on one breaker
	for i := 0; i < 5; i++ {
		_, _ = Query(ctx, guard, func(ctx context.Context) (int, error) {
			return 0, failing(&calls)(ctx)
		})
	}

	err := guard.Do(ctx, succeeding(&calls))
	assert.ErrorIs(t, err, domainErrors.ErrCircuitOpen)
	assert.Equal(t, "remote", guard.Breaker().Name())
	assert.Equal(t, StateOpen, guard.Breaker().State())
}
