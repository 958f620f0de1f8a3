package messaging

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

type plainEvent struct{ A int }

type namedEvent struct{ A int }

func (namedEvent) MessageContractName() string { return "custom.named.event" }

func TestResolveFallsBackToShortTypeName(t *testing.T) {
	r := NewTypeResolver()
	assert.Equal(t, "plainEvent", r.Resolve(plainEvent{}))
}

func TestResolveUsesContractNamer(t *testing.T) {
	r := NewTypeResolver()
	assert.Equal(t, "custom.named.event", r.Resolve(namedEvent{}))
}

func TestResolveIsMemoized(t *testing.T) {
	r := NewTypeResolver()
	first := r.Resolve(plainEvent{})
	second := r.ResolveType(reflect.TypeOf(plainEvent{}))
	assert.Equal(t, first, second)
}
