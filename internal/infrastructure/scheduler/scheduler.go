// Package scheduler wakes a worker periodically or on demand. Callers do not
// need to know whether a wake came from the fallback poll, a push signal or a
// retry coming due.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Reason says why the scheduler fired.
type Reason string

const (
	ReasonPoll  Reason = "poll"
	ReasonWake  Reason = "wake"
	ReasonRetry Reason = "retry"
)

// Scheduler coalesces wake requests into a single channel consumed by Run.
// Requests made while a callback is running are delivered once it returns.
type Scheduler struct {
	interval time.Duration
	wake     chan Reason

	mu         sync.Mutex
	retryTimer *time.Timer
	retryAt    time.Time
	stopped    bool
}

// New creates a scheduler. An interval of zero disables the fallback poll.
func New(interval time.Duration) *Scheduler {
	return &Scheduler{
		interval: interval,
		wake:     make(chan Reason, 1),
	}
}

// Interval returns the fallback poll period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Wake requests an immediate run. It never blocks; a request already pending
// absorbs this one.
func (s *Scheduler) Wake(reason Reason) {
	select {
	case s.wake <- reason:
	default:
	}
}

// WakeAt requests a run at t. Only the earliest outstanding request is kept;
// a later t than the one already armed is ignored.
func (s *Scheduler) WakeAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.retryTimer != nil && !s.retryAt.IsZero() && !t.Before(s.retryAt) {
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}

	s.retryAt = t
	s.retryTimer = time.AfterFunc(time.Until(t), func() {
		s.mu.Lock()
		s.retryAt = time.Time{}
		s.retryTimer = nil
		s.mu.Unlock()
		s.Wake(ReasonRetry)
	})
}

// NextRetry returns the armed retry time, or zero.
func (s *Scheduler) NextRetry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryAt
}

// Run calls fn for every wake until ctx is cancelled. fn runs on the calling
// goroutine, so invocations never overlap.
func (s *Scheduler) Run(ctx context.Context, fn func(context.Context, Reason)) {
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	defer s.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			fn(ctx, ReasonPoll)
		case reason := <-s.wake:
			fn(ctx, reason)
		}
	}
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.retryAt = time.Time{}
}
