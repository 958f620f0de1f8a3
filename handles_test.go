package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleRegistryDisposeAllRunsInInsertionOrder(t *testing.T) {
	r := newHandleRegistry()
	var order []int

	for i := 0; i < 3; i++ {
		i := i
		r.createHandle(func() { order = append(order, i) })
	}

	r.disposeAll()
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 0, r.len())
}

func TestHandleDisposeIsIdempotent(t *testing.T) {
	r := newHandleRegistry()
	calls := 0
	h := r.createHandle(func() { calls++ })

	assert.NoError(t, h.Dispose())
	assert.NoError(t, h.Dispose())
	assert.Equal(t, 1, calls)
}

func TestHandleRegistryDisposeAllSkipsAlreadyRemoved(t *testing.T) {
	r := newHandleRegistry()
	calls := 0
	h := r.createHandle(func() { calls++ })

	assert.NoError(t, h.Dispose())
	r.disposeAll()
	assert.Equal(t, 1, calls)
}
