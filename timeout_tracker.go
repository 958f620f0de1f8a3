package messaging

import (
	"sync"
	"time"
)

// timeoutEntry pairs an outstanding request handle with the callback to
// invoke if it expires before completing.
type timeoutEntry struct {
	handle    *RequestHandle
	onFailure func(error)
}

// requestTimeoutTracker tracks outstanding request handles with
// deadlines and fails them on timeout. It is guarded by a single lock
// plus its own re-arming background timer.
type requestTimeoutTracker struct {
	mu      sync.Mutex
	entries []timeoutEntry
	logger  Logger

	timerMu sync.Mutex
	timer   *time.Timer
	nextDue time.Time
	armed   bool
	closed  bool
}

func newRequestTimeoutTracker(logger Logger) *requestTimeoutTracker {
	if logger == nil {
		logger = noopLogger{}
	}
	return &requestTimeoutTracker{logger: logger}
}

// register tracks handle against a deadline of now+timeout, arming the
// worker for timeout.
func (t *requestTimeoutTracker) register(handle *RequestHandle, timeout time.Duration, onFailure func(error)) {
	handle.DueDate = time.Now().Add(timeout)

	t.mu.Lock()
	t.entries = append(t.entries, timeoutEntry{handle: handle, onFailure: onFailure})
	t.mu.Unlock()

	t.arm(timeout)
}

// tick schedules a near-immediate sweep.
func (t *requestTimeoutTracker) tick() {
	t.arm(time.Millisecond)
}

func (t *requestTimeoutTracker) arm(delay time.Duration) {
	due := time.Now().Add(delay)

	t.timerMu.Lock()
	defer t.timerMu.Unlock()

	if t.closed {
		return
	}
	if t.armed && !due.Before(t.nextDue) {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.nextDue = due
	t.armed = true
	t.timer = time.AfterFunc(delay, t.sweep)
}

// sweep snapshots entries whose due date has elapsed or that are
// already complete, disposes each handle, fails incomplete ones with a
// timeout error, and removes them.
func (t *requestTimeoutTracker) sweep() {
	now := time.Now()
	due := t.drainDue(now)
	for _, e := range due {
		t.resolveTimedOut(e)
	}

	t.timerMu.Lock()
	t.armed = false
	t.timerMu.Unlock()

	t.mu.Lock()
	remaining := len(t.entries)
	var soonest time.Time
	for _, e := range t.entries {
		if soonest.IsZero() || e.handle.DueDate.Before(soonest) {
			soonest = e.handle.DueDate
		}
	}
	t.mu.Unlock()

	if remaining > 0 {
		d := time.Until(soonest)
		if d < 0 {
			d = 0
		}
		t.arm(d)
	}
}

func (t *requestTimeoutTracker) drainDue(now time.Time) []timeoutEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []timeoutEntry
	var remaining []timeoutEntry
	for _, e := range t.entries {
		if !e.handle.DueDate.After(now) || e.handle.IsComplete() {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	t.entries = remaining
	return due
}

func (t *requestTimeoutTracker) resolveTimedOut(e timeoutEntry) {
	wasComplete := e.handle.IsComplete()
	_ = e.handle.Dispose()
	if !wasComplete && e.onFailure != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Warn("request timeout callback panicked", "recovered", r)
				}
			}()
			e.onFailure(ErrTimeout)
		}()
	}
}

// stopAll treats every outstanding entry as timed out.
func (t *requestTimeoutTracker) stopAll() {
	t.mu.Lock()
	all := t.entries
	t.entries = nil
	t.mu.Unlock()

	for _, e := range all {
		t.resolveTimedOut(e)
	}
}

func (t *requestTimeoutTracker) close() {
	t.timerMu.Lock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timerMu.Unlock()
	t.stopAll()
}
