// Package selector derives values from state snapshots.
//
// Selectors are plain functions over ir.IRObject. Path and Memoize cache on
// the identity of their input, which is cheap because snapshots are
// structurally shared: an unchanged slice is the same map as before.
package selector

import (
	"sync"

	"github.com/roach88/multistore/internal/ir"
)

// Selector derives a value from a snapshot. It must not modify the snapshot.
type Selector func(state ir.IRObject) ir.IRValue

// Path selects the value under a nested key path. A missing key, or a
// non-object on the way, yields IRNull. Path() selects the whole state.
//
// The result is memoized on the identity of the root snapshot.
func Path(path ...string) Selector {
	keys := append([]string(nil), path...)
	return Memoize(Identity, func(v ir.IRValue) ir.IRValue {
		got, ok := ir.Lookup(v, keys...)
		if !ok || got == nil {
			return ir.IRNull{}
		}
		return got
	})
}

// Identity returns the snapshot itself.
func Identity(state ir.IRObject) ir.IRValue {
	return state
}

// Memoize composes input with combine and recomputes combine only when
// input's result is not Identical to the previous one. Safe for concurrent
// use.
func Memoize(input Selector, combine func(ir.IRValue) ir.IRValue) Selector {
	var (
		mu      sync.Mutex
		primed  bool
		lastIn  ir.IRValue
		lastOut ir.IRValue
	)
	return func(state ir.IRObject) ir.IRValue {
		in := input(state)

		mu.Lock()
		defer mu.Unlock()
		if primed && ir.Identical(in, lastIn) {
			return lastOut
		}
		lastIn, lastOut, primed = in, combine(in), true
		return lastOut
	}
}

// Map applies fn to the result of sel.
func Map(sel Selector, fn func(ir.IRValue) ir.IRValue) Selector {
	return func(state ir.IRObject) ir.IRValue {
		return fn(sel(state))
	}
}

// Distinct wraps emit so that consecutive ir.Equal values are dropped. The
// first value is always passed through. Not safe for concurrent use.
func Distinct(emit func(ir.IRValue) bool) func(ir.IRValue) bool {
	var (
		primed bool
		last   ir.IRValue
	)
	return func(v ir.IRValue) bool {
		if primed && ir.Equal(last, v) {
			return true
		}
		primed, last = true, v
		return emit(v)
	}
}
