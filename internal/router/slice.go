// Package router keeps a navigator and the store's router slice in sync.
//
// The slice holds the current location as a string (null until the first
// navigation). Two actions write it:
//   - router/updateUrl is dispatched by the Service when navigation ends
//   - router/goToUrl is dispatched by application code to request
//     navigation
//
// The Service navigates whenever the slice differs from the navigator's
// location. Since a finished navigation writes the same location back, the
// equality check is what stops the loop.
package router

import (
	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

// DefaultKey is the conventional slice name.
const DefaultKey = "router"

// Router action types.
const (
	ActionUpdateURL = "router/updateUrl"
	ActionGoToURL   = "router/goToUrl"
)

// UpdateURL records a completed navigation.
func UpdateURL(url string) ir.Action {
	return ir.NewAction(ActionUpdateURL, ir.IRString(url))
}

// GoToURL requests navigation to url.
func GoToURL(url string) ir.Action {
	return ir.NewAction(ActionGoToURL, ir.IRString(url))
}

// Reducer returns the router slice reducer.
func Reducer() engine.Reducer {
	return engine.ReducerFunc(func(state ir.IRValue, action ir.Action) ir.IRValue {
		switch action.Type {
		case ActionUpdateURL, ActionGoToURL:
			if url, ok := action.Payload.(ir.IRString); ok {
				return url
			}
		}
		if state == nil {
			return ir.IRNull{}
		}
		return state
	})
}

// Binding is what a store needs to mount the router: the slice name, its
// reducer and the service that drives it.
type Binding struct {
	Key     string
	Reducer engine.Reducer
	Service *Service
}

// Configure builds a binding for nav under key. An empty key uses
// DefaultKey.
func Configure(key string, nav Navigator, opts ...ServiceOption) *Binding {
	if key == "" {
		key = DefaultKey
	}
	return &Binding{
		Key:     key,
		Reducer: Reducer(),
		Service: NewService(key, nav, opts...),
	}
}
