package messaging

import (
	"reflect"
	"sync"
)

// ContractNamer is implemented by application types that want to pin
// their own wire-type name instead of falling back to the Go type's
// short name.
type ContractNamer interface {
	MessageContractName() string
}

// TypeResolver is a thread-safe memoized map from application type to
// wire-type name. Entries are add-only for the engine's
// lifetime.
//
// The underlying map is a sync.Map rather than a mutex-guarded map:
// the add function must stay pure because concurrent callers may race
// and compute the same mapping twice; sync.Map's LoadOrStore gives that
// "last write is a no-op" semantics for free.
type TypeResolver struct {
	cache sync.Map // reflect.Type -> string
}

// NewTypeResolver constructs an empty resolver.
func NewTypeResolver() *TypeResolver {
	return &TypeResolver{}
}

// Resolve returns the wire-type name for v's type, computing and
// caching it on first use. v may be a zero value; only its type is
// inspected.
func (r *TypeResolver) Resolve(v any) string {
	t := reflect.TypeOf(v)
	return r.resolveType(t)
}

// ResolveType resolves directly from a reflect.Type, useful when the
// caller only has a Req/Resp type parameter and no instance.
func (r *TypeResolver) ResolveType(t reflect.Type) string {
	return r.resolveType(t)
}

func (r *TypeResolver) resolveType(t reflect.Type) string {
	if cached, ok := r.cache.Load(t); ok {
		return cached.(string) //nolint:forcetypeassert // only this type is ever stored
	}
	name := contractName(t)
	actual, _ := r.cache.LoadOrStore(t, name)
	return actual.(string) //nolint:forcetypeassert
}

// contractName computes the wire-type name the first time a type is
// seen: the declared contract name if a pointer to the type implements
// ContractNamer (the idiomatic receiver shape), otherwise its short
// (unqualified) name.
func contractName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if namer, ok := reflect.New(base).Interface().(ContractNamer); ok {
		if name := namer.MessageContractName(); name != "" {
			return name
		}
	}
	return base.Name()
}
