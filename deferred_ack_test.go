package messaging

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeferredAckSchedulerFiresAfterDelay(t *testing.T) {
	s := newDeferredAckScheduler(nil)
	defer s.close()

	var fired int32
	s.scheduleAfter(20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestDeferredAckSchedulerZeroDelayRunsInline(t *testing.T) {
	s := newDeferredAckScheduler(nil)
	defer s.close()

	var fired int32
	s.scheduleAfter(0, func() { atomic.StoreInt32(&fired, 1) })
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestDeferredAckSchedulerCloseForceDrains(t *testing.T) {
	s := newDeferredAckScheduler(nil)

	var fired int32
	s.scheduleAfter(time.Hour, func() { atomic.StoreInt32(&fired, 1) })
	s.close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestDeferredAckSchedulerRecoversPanickingThunk(t *testing.T) {
	s := newDeferredAckScheduler(nil)
	defer s.close()

	done := make(chan struct{})
	s.scheduleAfter(10*time.Millisecond, func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking thunk should still run to completion")
	}
}
