package sagaflow

import "maps"

// Context is the key-value state threaded through a saga run.
//
// Every step receives its own shallow copy, so a step may freely modify the
// map it is handed without affecting siblings or the authoritative context.
type Context map[string]any

// Clone returns a shallow copy of c. A nil context clones to an empty one.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	maps.Copy(out, c)
	return out
}

// Merge overlays each partial onto c in argument order and returns c.
// Colliding keys are resolved by the last partial that sets them.
// Nil partials are ignored.
func (c Context) Merge(partials ...Context) Context {
	for _, p := range partials {
		maps.Copy(c, p)
	}
	return c
}

// Get returns the value stored under key.
func (c Context) Get(key string) (any, bool) {
	v, ok := c[key]
	return v, ok
}

// Lookup returns the value stored under key if it has type V.
func Lookup[V any](c Context, key string) (V, bool) {
	var zero V
	raw, ok := c[key]
	if !ok {
		return zero, false
	}
	typed, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return typed, true
}
