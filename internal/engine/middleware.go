package engine

import (
	"github.com/roach88/multistore/internal/ir"
)

// DispatchFunc is one step of the dispatch chain.
type DispatchFunc func(action ir.Action) error

// MiddlewareAPI is what a middleware sees of the engine.
//
// Dispatch from inside a middleware queues the action behind the one being
// processed; it never re-enters the chain.
type MiddlewareAPI interface {
	State() ir.IRObject
	Dispatch(action ir.Action) error
}

// Middleware intercepts every non-internal action. Calling next runs the
// rest of the chain and finally the reducer; code after next observes the
// new state. Not calling next drops the action.
type Middleware func(api MiddlewareAPI) func(next DispatchFunc) DispatchFunc

// middlewareAPI is the engine as middleware sees it. Its Dispatch runs on
// the drainer's goroutine, so it queues instead of waiting.
type middlewareAPI struct {
	e *Engine
}

func (a middlewareAPI) State() ir.IRObject {
	return a.e.State()
}

func (a middlewareAPI) Dispatch(action ir.Action) error {
	return a.e.Enqueue(action)
}

// compose chains middleware so that mws[0] is outermost.
func compose(api MiddlewareAPI, mws []Middleware, last DispatchFunc) DispatchFunc {
	next := last
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		next = mws[i](api)(next)
	}
	return next
}

// DefaultMiddlewareOptions toggles the base middleware.
type DefaultMiddlewareOptions struct {
	// ImmutableCheck hashes the previous snapshot before and after each
	// reduction and fails the dispatch if a reducer mutated it in place.
	ImmutableCheck bool
}

// DefaultMiddleware returns the base middleware. A nil opts enables every
// check.
func DefaultMiddleware(opts *DefaultMiddlewareOptions) []Middleware {
	if opts == nil {
		opts = &DefaultMiddlewareOptions{ImmutableCheck: true}
	}
	var mws []Middleware
	if opts.ImmutableCheck {
		mws = append(mws, immutableCheck)
	}
	return mws
}

func immutableCheck(api MiddlewareAPI) func(next DispatchFunc) DispatchFunc {
	return func(next DispatchFunc) DispatchFunc {
		return func(action ir.Action) error {
			prev := api.State()
			before, err := ir.StateHash(prev)
			if err != nil {
				return err
			}
			if err := next(action); err != nil {
				return err
			}
			after, err := ir.StateHash(prev)
			if err != nil {
				return err
			}
			if before != after {
				return NewStateMutatedError(action.Type, action.Seq)
			}
			return nil
		}
	}
}
