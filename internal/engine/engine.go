package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/multistore/internal/ir"
)

// Internal action types. They bypass middleware and are never journaled.
const (
	ActionInit    = ir.InternalPrefix + "INIT"
	ActionReplace = ir.InternalPrefix + "REPLACE"
)

// Listener is called after every committed action, on the drainer's
// goroutine. Listeners must not block; a listener that needs to do slow
// work hands the snapshot to its own goroutine.
type Listener func()

// Enhancer customizes an engine after construction and before the initial
// state is computed. Typical enhancers decorate the root reducer with
// WrapReducer or install listeners.
type Enhancer func(e *Engine)

// Snapshot is a state together with the version that produced it. Version
// increases by one on every commit that swapped in a new root.
type Snapshot struct {
	State   ir.IRObject
	Version uint64
}

// Engine is the dispatch engine.
//
// Thread-safety model:
//   - Dispatch, Enqueue, State, Subscribe, ReplaceReducer: safe from any goroutine
//   - Dispatch must not be called from a listener or middleware; use Enqueue
//   - Reducers, middleware and listeners run on the draining goroutine only
//
// INVARIANTS:
//   - At most one goroutine drains the queue at a time
//   - Actions commit in the order they were enqueued
//   - The snapshot is replaced, never modified
type Engine struct {
	mu         sync.RWMutex
	state      ir.IRObject
	version    uint64
	base       Reducer
	reducer    Reducer
	decorators []func(Reducer) Reducer
	subs       []*subscription
	nextSubID  uint64

	dispatch DispatchFunc
	queue    *Queue[pending]
	draining atomic.Bool

	clock  *Clock
	logger *slog.Logger

	preloaded   ir.IRObject
	middlewares []Middleware
	enhancers   []Enhancer
}

type pending struct {
	action   ir.Action
	internal bool
	result   chan error // buffered, size 1
}

type subscription struct {
	id     uint64
	fn     Listener
	active atomic.Bool
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithPreloadedState seeds slices before the INIT reduction. Keys without a
// reducer are dropped by Combine.
func WithPreloadedState(state ir.IRObject) Option {
	return func(e *Engine) {
		e.preloaded = state
	}
}

// WithMiddleware appends middleware; the first one given is outermost.
func WithMiddleware(mws ...Middleware) Option {
	return func(e *Engine) {
		e.middlewares = append(e.middlewares, mws...)
	}
}

// WithEnhancers appends enhancers, applied in order.
func WithEnhancers(enhancers ...Enhancer) Option {
	return func(e *Engine) {
		e.enhancers = append(e.enhancers, enhancers...)
	}
}

// WithClock sets the seq clock. Used by replay to resume numbering.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger for dispatch errors. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine around the root reducer and computes the initial
// state by reducing the INIT action.
func New(reducer Reducer, opts ...Option) (*Engine, error) {
	if reducer == nil {
		return nil, &EngineError{Code: ErrCodeNilReducer, Message: "root reducer is required"}
	}

	e := &Engine{
		base:   reducer,
		queue:  NewQueue[pending](),
		clock:  NewClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, enhance := range e.enhancers {
		enhance(e)
	}

	e.mu.Lock()
	e.reducer = e.decorate(e.base)
	if e.preloaded != nil {
		e.state = e.preloaded
	}
	e.mu.Unlock()

	e.dispatch = compose(middlewareAPI{e}, e.middlewares, e.commit)

	if err := e.submit(pending{action: ir.Act(ActionInit), internal: true, result: make(chan error, 1)}, true); err != nil {
		return nil, fmt.Errorf("initial reduction: %w", err)
	}
	return e, nil
}

// State returns the current snapshot. Callers must not modify it.
func (e *Engine) State() ir.IRObject {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Snapshot returns the current state with its version.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{State: e.state, Version: e.version}
}

// Clock exposes the seq clock (read-only use).
func (e *Engine) Clock() *Clock {
	return e.clock
}

// Dispatch submits an action and returns once it has been processed,
// listeners included. The returned error is the action's own middleware or
// reducer error.
//
// If the engine is idle the caller processes the action and everything
// queued behind it. Otherwise it waits for the goroutine that is already
// draining. Listeners and middleware run on that goroutine, so they must
// use Enqueue (or MiddlewareAPI.Dispatch) instead.
func (e *Engine) Dispatch(action ir.Action) error {
	action, err := checkAction(action)
	if err != nil {
		return err
	}
	return e.submit(pending{action: action, result: make(chan error, 1)}, true)
}

// Enqueue submits an action without waiting for another goroutine to
// process it. When the engine is idle it behaves like Dispatch; when a
// dispatch is in progress the action is queued behind it and Enqueue
// returns nil.
func (e *Engine) Enqueue(action ir.Action) error {
	action, err := checkAction(action)
	if err != nil {
		return err
	}
	return e.submit(pending{action: action, result: make(chan error, 1)}, false)
}

func checkAction(action ir.Action) (ir.Action, error) {
	if err := action.Validate(); err != nil {
		return action, &EngineError{Code: ErrCodeEmptyActionType, Message: err.Error()}
	}
	if action.IsInternal() {
		return action, &EngineError{
			Code:       ErrCodeReservedType,
			Message:    fmt.Sprintf("action types starting with %q are reserved", ir.InternalPrefix),
			ActionType: action.Type,
		}
	}
	action.Seq = 0
	return action, nil
}

// Subscribe registers a listener. The returned function unregisters it;
// the listener is skipped by every notification round that starts after
// the call. Safe to call more than once.
func (e *Engine) Subscribe(fn Listener) (unsubscribe func()) {
	e.mu.Lock()
	e.nextSubID++
	sub := &subscription{id: e.nextSubID, fn: fn}
	sub.active.Store(true)
	e.subs = append(e.subs, sub)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == sub.id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// ListenerCount returns the number of registered listeners.
func (e *Engine) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// ReplaceReducer swaps the root reducer and reduces an internal REPLACE
// action so the snapshot takes the new shape. The swap itself is atomic
// with respect to in-flight reductions.
func (e *Engine) ReplaceReducer(reducer Reducer) error {
	if err := e.swap(reducer); err != nil {
		return err
	}
	return e.submit(pending{action: ir.Act(ActionReplace), internal: true, result: make(chan error, 1)}, false)
}

// SwapReducer installs reducer and queues the REPLACE reduction without
// processing it. Callers holding their own locks swap first and Flush after
// releasing them, so listeners run by the drain may call back in.
func (e *Engine) SwapReducer(reducer Reducer) error {
	if err := e.swap(reducer); err != nil {
		return err
	}
	if !e.queue.Enqueue(pending{action: ir.Act(ActionReplace), internal: true}) {
		return NewClosedError(ActionReplace)
	}
	return nil
}

// Flush processes queued actions unless another goroutine is already doing
// so.
func (e *Engine) Flush() {
	e.drain()
}

func (e *Engine) swap(reducer Reducer) error {
	if reducer == nil {
		return &EngineError{Code: ErrCodeNilReducer, Message: "replacement reducer is required"}
	}
	if e.queue.Closed() {
		return NewClosedError(ActionReplace)
	}
	e.mu.Lock()
	e.base = reducer
	e.reducer = e.decorate(reducer)
	e.mu.Unlock()
	return nil
}

// WrapReducer adds a decorator applied to every root reducer, including
// future replacements. Intended for enhancers.
func (e *Engine) WrapReducer(decorator func(Reducer) Reducer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decorators = append(e.decorators, decorator)
	if e.base != nil {
		e.reducer = e.decorate(e.base)
	}
}

// Close rejects further dispatches. Actions already queued are still
// processed by the current drainer.
func (e *Engine) Close() {
	e.queue.Close()
}

// decorate applies decorators in registration order. Caller holds mu.
func (e *Engine) decorate(r Reducer) Reducer {
	for _, d := range e.decorators {
		r = d(r)
	}
	return r
}

// submit enqueues p and drains if no one else is draining. When another
// goroutine holds the drain flag, submit waits for p's result only if wait
// is set.
func (e *Engine) submit(p pending, wait bool) error {
	if !e.queue.Enqueue(p) {
		return NewClosedError(p.action.Type)
	}
	if e.drain() || wait {
		return <-p.result
	}
	return nil
}

// drain processes the queue until it is empty. Returns false if another
// goroutine holds the drain flag. After releasing the flag the queue is
// re-checked so an action enqueued during the release is never stranded.
func (e *Engine) drain() bool {
	drained := false
	for e.draining.CompareAndSwap(false, true) {
		drained = true
		func() {
			defer e.draining.Store(false)
			for {
				p, ok := e.queue.TryDequeue()
				if !ok {
					return
				}
				e.process(p)
			}
		}()
		if e.queue.Len() == 0 {
			break
		}
	}
	return drained
}

// process runs one queued action and reports its outcome.
func (e *Engine) process(p pending) {
	err := e.run(p)
	if err != nil {
		e.logger.Error("dispatch failed",
			"action", p.action.Type,
			"error", err,
		)
	}
	if p.result != nil {
		p.result <- err
	}
}

func (e *Engine) run(p pending) (err error) {
	action := p.action
	action.Seq = e.clock.Next()

	defer func() {
		if r := recover(); r != nil {
			err = &EngineError{
				Code:       ErrCodePanic,
				Message:    fmt.Sprintf("panic: %v", r),
				ActionType: action.Type,
				Seq:        action.Seq,
			}
		}
	}()

	if p.internal {
		return e.commit(action)
	}
	return e.dispatch(action)
}

// commit is the innermost DispatchFunc: reduce, swap, notify.
func (e *Engine) commit(action ir.Action) error {
	e.mu.RLock()
	reducer, prev := e.reducer, e.state
	e.mu.RUnlock()

	var input ir.IRValue
	if prev != nil {
		input = prev
	}
	reduced := reducer.Reduce(input, action)
	next, ok := reduced.(ir.IRObject)
	if !ok {
		return NewInvalidRootStateError(action.Type, action.Seq, reduced)
	}

	if !ir.Identical(prev, next) {
		e.mu.Lock()
		e.state = next
		e.version++
		e.mu.Unlock()
	}

	e.notify(action)
	return nil
}

// notify calls every active listener. Listeners are copied before the
// round so (un)subscribing from a listener is safe. A panicking listener is
// logged and the round continues.
func (e *Engine) notify(action ir.Action) {
	e.mu.RLock()
	subs := make([]*subscription, len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		e.callListener(sub, action)
	}
}

func (e *Engine) callListener(sub *subscription, action ir.Action) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked",
				"action", action.Type,
				"seq", action.Seq,
				"panic", r,
			)
		}
	}()
	sub.fn()
}
