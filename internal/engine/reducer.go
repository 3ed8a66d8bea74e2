package engine

import (
	"sort"

	"github.com/roach88/multistore/internal/ir"
)

// Reducer maps (current state, action) to the next state for one slice.
//
// A nil state means the slice is uninitialized; the reducer must return its
// initial value. Reducers must be pure, must not block, and must return
// their input unchanged when the action does not concern them.
type Reducer interface {
	Reduce(state ir.IRValue, action ir.Action) ir.IRValue
}

// ReducerFunc adapts a function to the Reducer interface.
type ReducerFunc func(state ir.IRValue, action ir.Action) ir.IRValue

// Reduce calls f(state, action).
func (f ReducerFunc) Reduce(state ir.IRValue, action ir.Action) ir.IRValue {
	return f(state, action)
}

// Combine builds a root reducer from independent slice reducers keyed by name.
//
// The resulting snapshot holds exactly the keys of reducers: keys of the
// previous snapshot that no longer have a reducer are dropped, new keys are
// initialized from a nil state. When every slice comes back Identical and
// the key set is unchanged, Combine returns the previous snapshot itself.
//
// The map is copied; later changes to it do not affect the reducer.
func Combine(reducers map[string]Reducer) Reducer {
	keys := make([]string, 0, len(reducers))
	byKey := make(map[string]Reducer, len(reducers))
	for k, r := range reducers {
		keys = append(keys, k)
		byKey[k] = r
	}
	sort.Strings(keys)

	return ReducerFunc(func(state ir.IRValue, action ir.Action) ir.IRValue {
		prev, _ := state.(ir.IRObject)
		changed := prev == nil || len(prev) != len(keys)

		next := make(ir.IRObject, len(keys))
		for _, k := range keys {
			var current ir.IRValue
			if prev != nil {
				current = prev[k]
			}
			reduced := byKey[k].Reduce(current, action)
			if reduced == nil {
				reduced = ir.IRNull{}
			}
			next[k] = reduced
			if current == nil || !ir.Identical(current, reduced) {
				changed = true
			}
		}

		if !changed {
			return prev
		}
		return next
	})
}
