package registry

import (
	"fmt"
	"maps"
	"sync"

	"github.com/roach88/multistore/internal/engine"
)

// Swapper is the part of the engine the reducer registry drives.
type Swapper interface {
	// SwapReducer installs a new root reducer atomically with respect to
	// in-flight reductions and queues the reshaping action.
	SwapReducer(engine.Reducer) error
	// Flush processes queued actions.
	Flush()
}

// Reducers is the reducer registry: static slices fixed at construction
// plus dynamically attached ones, combined with engine.Combine.
//
// Until Bind is called mutations only update the registry; Combined then
// reflects them when the engine is built.
type Reducers struct {
	keyed *Keyed[engine.Reducer]

	mu     sync.Mutex
	target Swapper
}

// NewReducers creates a registry over the static reducer map.
func NewReducers(static map[string]engine.Reducer) *Reducers {
	r := &Reducers{}
	r.keyed = NewKeyed("reducer", static, r.swap)
	return r
}

// Combined returns the combined reducer for the current entries.
func (r *Reducers) Combined() engine.Reducer {
	return engine.Combine(r.keyed.Entries())
}

// Bind attaches the registry to an engine. Later mutations swap the
// engine's root reducer.
func (r *Reducers) Bind(target Swapper) {
	r.mu.Lock()
	r.target = target
	r.mu.Unlock()
}

// Attach adds a dynamic reducer under key. The state gains the slice,
// initialized by the reducer, once queued actions are processed; when Attach
// is called outside a dispatch that happens before it returns.
func (r *Reducers) Attach(key string, reducer engine.Reducer) error {
	if reducer == nil {
		return fmt.Errorf("reducer %q: reducer must not be nil", key)
	}
	if err := r.keyed.Attach(key, reducer); err != nil {
		return err
	}
	r.flush()
	return nil
}

// Detach removes a dynamic reducer and its slice.
func (r *Reducers) Detach(key string) error {
	if err := r.keyed.Detach(key); err != nil {
		return err
	}
	r.flush()
	return nil
}

// Has reports whether key is registered.
func (r *Reducers) Has(key string) bool { return r.keyed.Has(key) }

// IsStatic reports whether key is a configured reducer.
func (r *Reducers) IsStatic(key string) bool { return r.keyed.IsStatic(key) }

// Keys returns all reducer keys, sorted.
func (r *Reducers) Keys() []string { return r.keyed.Keys() }

// StaticKeys returns the configured reducer keys, sorted.
func (r *Reducers) StaticKeys() []string { return r.keyed.StaticKeys() }

// DynamicKeys returns the attached reducer keys, sorted.
func (r *Reducers) DynamicKeys() []string { return r.keyed.DynamicKeys() }

func (r *Reducers) swap(static, dynamic map[string]engine.Reducer) error {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()
	if target == nil {
		return nil
	}
	all := make(map[string]engine.Reducer, len(static)+len(dynamic))
	maps.Copy(all, static)
	maps.Copy(all, dynamic)
	return target.SwapReducer(engine.Combine(all))
}

// flush runs outside the registry lock so listeners triggered by the
// reshaping action can attach or detach in turn.
func (r *Reducers) flush() {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()
	if target != nil {
		target.Flush()
	}
}
