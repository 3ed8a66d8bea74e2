// Package kinds builds slice reducers and relay effects from compiled
// store definitions.
//
// Every kind prefixes its action types with the slice name, so two slices
// of the same kind never react to each other's actions:
//
//	counter  <key>/increment, <key>/decrement, <key>/add {by}, <key>/reset
//	value    <key>/set {value}, <key>/reset
//	list     <key>/push {item}, <key>/remove {index}, <key>/clear
//	ws       <key>/<sub>/request, <key>/<sub>/success {data},
//	         <key>/<sub>/failure {error}, <key>/<sub>/reset
//
// Reducers return their input unchanged for actions they do not handle.
package kinds

import (
	"errors"
	"fmt"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/persist"
)

// PersistDeps supplies what persisted slices need.
type PersistDeps struct {
	// Storage backs every persisted slice.
	Storage persist.Storage

	// Secret encrypts secure slices. Required when any slice is secure.
	Secret string
}

// ErrNoStorage is returned when a slice is persisted but no storage is
// configured.
var ErrNoStorage = errors.New("kinds: persisted slice needs a storage")

// Reducer returns the reducer for spec, without persistence.
func Reducer(spec ir.ReducerSpec) (engine.Reducer, error) {
	switch spec.Kind {
	case ir.KindCounter:
		return counter(spec), nil
	case ir.KindValue:
		return value(spec), nil
	case ir.KindList:
		return list(spec), nil
	case ir.KindWS:
		if len(spec.Substates) == 0 {
			return nil, fmt.Errorf("kinds: ws slice %q has no substates", spec.Name)
		}
		return ws(spec), nil
	}
	return nil, fmt.Errorf("kinds: slice %q has unknown kind %q", spec.Name, spec.Kind)
}

// Build returns the reducer for spec, wrapped in a persist.Reducer when
// spec.Persist is set.
func Build(spec ir.ReducerSpec, deps PersistDeps) (engine.Reducer, error) {
	r, err := Reducer(spec)
	if err != nil {
		return nil, err
	}
	p := spec.Persist
	if p == nil {
		return r, nil
	}
	if deps.Storage == nil {
		return nil, fmt.Errorf("slice %q: %w", spec.Name, ErrNoStorage)
	}
	reconcile, ok := persist.ReconcilerByName(p.Merge)
	if !ok {
		return nil, fmt.Errorf("kinds: slice %q has unknown merge %q", spec.Name, p.Merge)
	}
	key := p.Key
	if key == "" {
		key = spec.Name
	}
	cfg := persist.Config{Key: key, Storage: deps.Storage, Reconciler: reconcile}
	if p.Secure {
		if deps.Secret == "" {
			return nil, fmt.Errorf("kinds: slice %q is secure but no secret is configured", spec.Name)
		}
		return persist.NewSecureReducer(cfg, deps.Secret, r)
	}
	return persist.NewReducer(cfg, r)
}

// Reducers builds every spec, keyed by slice name.
func Reducers(specs []ir.ReducerSpec, deps PersistDeps) (map[string]engine.Reducer, error) {
	out := make(map[string]engine.Reducer, len(specs))
	for _, spec := range specs {
		r, err := Build(spec, deps)
		if err != nil {
			return nil, err
		}
		out[spec.Name] = r
	}
	return out, nil
}

func counter(spec ir.ReducerSpec) engine.Reducer {
	initial, _ := spec.Initial.(ir.IRInt)
	p := spec.Name + "/"
	return engine.ReducerFunc(func(state ir.IRValue, a ir.Action) ir.IRValue {
		n, ok := state.(ir.IRInt)
		if !ok {
			n, state = initial, initial
		}
		switch a.Type {
		case p + "increment":
			return n + 1
		case p + "decrement":
			return n - 1
		case p + "add":
			if by, ok := a.Field("by").(ir.IRInt); ok {
				return n + by
			}
		case p + "reset":
			return initial
		}
		return state
	})
}

func value(spec ir.ReducerSpec) engine.Reducer {
	var initial ir.IRValue = ir.IRNull{}
	if spec.Initial != nil {
		initial = spec.Initial
	}
	p := spec.Name + "/"
	return engine.ReducerFunc(func(state ir.IRValue, a ir.Action) ir.IRValue {
		if state == nil {
			state = initial
		}
		switch a.Type {
		case p + "set":
			return a.Field("value")
		case p + "reset":
			return initial
		}
		return state
	})
}

func list(spec ir.ReducerSpec) engine.Reducer {
	initial, _ := spec.Initial.(ir.IRArray)
	if initial == nil {
		initial = ir.IRArray{}
	}
	p := spec.Name + "/"
	return engine.ReducerFunc(func(state ir.IRValue, a ir.Action) ir.IRValue {
		items, ok := state.(ir.IRArray)
		if !ok {
			items, state = initial, initial
		}
		switch a.Type {
		case p + "push":
			next := make(ir.IRArray, len(items), len(items)+1)
			copy(next, items)
			return append(next, a.Field("item"))
		case p + "remove":
			i, ok := a.Field("index").(ir.IRInt)
			if !ok || i < 0 || int(i) >= len(items) {
				return state
			}
			next := make(ir.IRArray, 0, len(items)-1)
			next = append(next, items[:i]...)
			return append(next, items[i+1:]...)
		case p + "clear":
			if len(items) == 0 {
				return state
			}
			return ir.IRArray{}
		}
		return state
	})
}

// wsSubstate is the initial {data, loading, error} triple.
func wsSubstate() ir.IRObject {
	return ir.IRObject{"data": ir.IRNull{}, "loading": ir.IRBool(false), "error": ir.IRNull{}}
}

func ws(spec ir.ReducerSpec) engine.Reducer {
	initial := make(ir.IRObject, len(spec.Substates))
	for _, sub := range spec.Substates {
		initial[sub] = wsSubstate()
	}
	// Seeded substates from the declaration override data only.
	if seeds, ok := spec.Initial.(ir.IRObject); ok {
		for sub, data := range seeds {
			if _, declared := initial[sub]; declared {
				initial[sub] = wsSubstate().With("data", data)
			}
		}
	}

	type route struct {
		sub string
		op  string
	}
	routes := make(map[string]route, 4*len(spec.Substates))
	for _, sub := range spec.Substates {
		for _, op := range []string{"request", "success", "failure", "reset"} {
			routes[spec.Name+"/"+sub+"/"+op] = route{sub: sub, op: op}
		}
	}

	return engine.ReducerFunc(func(state ir.IRValue, a ir.Action) ir.IRValue {
		obj, ok := state.(ir.IRObject)
		if !ok {
			obj, state = initial, initial
		}
		rt, ok := routes[a.Type]
		if !ok {
			return state
		}
		cur, _ := obj[rt.sub].(ir.IRObject)
		if cur == nil {
			cur = wsSubstate()
		}
		var next ir.IRObject
		switch rt.op {
		case "request":
			next = cur.With("loading", ir.IRBool(true)).With("error", ir.IRNull{})
		case "success":
			next = ir.IRObject{"data": a.Field("data"), "loading": ir.IRBool(false), "error": ir.IRNull{}}
		case "failure":
			next = cur.With("loading", ir.IRBool(false)).With("error", a.Field("error"))
		case "reset":
			next = initial[rt.sub].(ir.IRObject)
		}
		return obj.With(rt.sub, next)
	})
}
