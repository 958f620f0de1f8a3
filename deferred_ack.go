package messaging

import (
	"sync"
	"time"
)

// deferredAck pairs a due time with the thunk to run when it elapses.
type deferredAck struct {
	due   time.Time
	thunk func()
}

// deferredAckScheduler holds pending deferred acks and fires them with a
// single re-arming background worker, grounded on the
// modules/eventbus SchedulingBackgroundWorker pattern.
type deferredAckScheduler struct {
	mu      sync.Mutex
	entries []deferredAck
	logger  Logger

	timerMu sync.Mutex
	timer   *time.Timer
	nextDue time.Time
	armed   bool

	closed bool
}

func newDeferredAckScheduler(logger Logger) *deferredAckScheduler {
	if logger == nil {
		logger = noopLogger{}
	}
	return &deferredAckScheduler{logger: logger}
}

// scheduleAfter arms thunk to run after delay. A zero delay invokes
// thunk inline.
func (s *deferredAckScheduler) scheduleAfter(delay time.Duration, thunk func()) {
	if delay <= 0 {
		thunk()
		return
	}
	due := time.Now().Add(delay)
	s.mu.Lock()
	s.entries = append(s.entries, deferredAck{due: due, thunk: thunk})
	s.mu.Unlock()
	s.arm(delay)
}

// arm ensures the background worker will fire at or before now+delay,
// re-arming the timer only when the new deadline is sooner than any
// currently scheduled fire.
func (s *deferredAckScheduler) arm(delay time.Duration) {
	due := time.Now().Add(delay)

	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.closed {
		return
	}
	if s.armed && !due.Before(s.nextDue) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.nextDue = due
	s.armed = true
	s.timer = time.AfterFunc(delay, s.fire)
}

// fire snapshots every entry due now, removes them, and invokes their
// thunks outside the lock.
func (s *deferredAckScheduler) fire() {
	due := s.drainDue(time.Now())
	for _, e := range due {
		s.invoke(e)
	}

	s.timerMu.Lock()
	s.armed = false
	s.timerMu.Unlock()

	s.mu.Lock()
	remaining := len(s.entries)
	var soonest time.Time
	for _, e := range s.entries {
		if soonest.IsZero() || e.due.Before(soonest) {
			soonest = e.due
		}
	}
	s.mu.Unlock()

	if remaining > 0 {
		s.arm(time.Until(soonest))
	}
}

// drainDue atomically removes and returns every entry whose due time
// has elapsed.
func (s *deferredAckScheduler) drainDue(now time.Time) []deferredAck {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []deferredAck
	var remaining []deferredAck
	for _, e := range s.entries {
		if e.due.After(now) {
			remaining = append(remaining, e)
		} else {
			due = append(due, e)
		}
	}
	s.entries = remaining
	return due
}

func (s *deferredAckScheduler) invoke(e deferredAck) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("deferred ack thunk panicked", "recovered", r)
		}
	}()
	e.thunk()
}

// forceDrain executes every pending entry regardless of due time, then
// clears the list.
func (s *deferredAckScheduler) forceDrain() {
	s.mu.Lock()
	all := s.entries
	s.entries = nil
	s.mu.Unlock()

	for _, e := range all {
		s.invoke(e)
	}
}

// close stops the background timer and force-drains any remainder.
func (s *deferredAckScheduler) close() {
	s.timerMu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerMu.Unlock()
	s.forceDrain()
}
