package effects

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/selector"
)

// Task is a long-running cooperative routine. It reacts to committed
// actions through its TaskContext and issues further actions with Put.
// A task must return when ctx is done.
type Task func(ctx context.Context, tc *TaskContext) error

// TaskRunner runs one root task. Forked children share the root's
// lifetime: the first child to fail cancels the whole tree.
type TaskRunner struct {
	logger *slog.Logger

	mu      sync.Mutex
	api     engine.MiddlewareAPI
	takers  []*taker
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewTaskRunner creates an idle runner. Install Middleware before Run.
func NewTaskRunner(logger *slog.Logger) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRunner{logger: logger}
}

// Middleware feeds committed actions to waiting takers. It runs the rest of
// the chain first, so a task woken by an action observes the state that
// action produced.
func (r *TaskRunner) Middleware() engine.Middleware {
	return func(api engine.MiddlewareAPI) func(next engine.DispatchFunc) engine.DispatchFunc {
		r.mu.Lock()
		r.api = api
		r.mu.Unlock()

		return func(next engine.DispatchFunc) engine.DispatchFunc {
			return func(action ir.Action) error {
				if err := next(action); err != nil {
					return err
				}
				r.deliver(action)
				return nil
			}
		}
	}
}

// Run starts task once. A second call fails with ErrAlreadyRunning.
func (r *TaskRunner) Run(ctx context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyRunning
	}
	if r.api == nil {
		return ErrNotInstalled
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.group, ctx = errgroup.WithContext(ctx)
	tc := &TaskContext{runner: r, ctx: ctx}
	r.group.Go(func() error {
		return r.guard("root", task)(ctx, tc)
	})
	return nil
}

// Stop cancels every task and waits for them to return. The returned error
// is the first task failure other than cancellation.
func (r *TaskRunner) Stop() error {
	r.mu.Lock()
	cancel, group := r.cancel, r.group
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// guard logs task failures and converts panics into errors.
func (r *TaskRunner) guard(name string, task Task) Task {
	return func(ctx context.Context, tc *TaskContext) (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = &PanicError{Effect: name, Value: p}
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("task failed", "task", name, "error", err)
			}
		}()
		return task(ctx, tc)
	}
}

func (r *TaskRunner) deliver(action ir.Action) {
	r.mu.Lock()
	var matched []*taker
	kept := r.takers[:0]
	for _, t := range r.takers {
		if !t.matches(action.Type) {
			kept = append(kept, t)
			continue
		}
		matched = append(matched, t)
		if !t.once {
			kept = append(kept, t)
		}
	}
	clear(r.takers[len(kept):])
	r.takers = kept
	r.mu.Unlock()

	for _, t := range matched {
		t.send(action)
	}
}

func (r *TaskRunner) register(t *taker) {
	r.mu.Lock()
	r.takers = append(r.takers, t)
	r.mu.Unlock()
}

func (r *TaskRunner) unregister(t *taker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := slices.Index(r.takers, t); i >= 0 {
		r.takers = slices.Delete(r.takers, i, i+1)
	}
}

type taker struct {
	types []string
	once  bool
	ch    chan ir.Action           // once: buffered, size 1
	queue *engine.Queue[ir.Action] // persistent
}

func (t *taker) matches(actionType string) bool {
	return len(t.types) == 0 || slices.Contains(t.types, actionType)
}

func (t *taker) send(a ir.Action) {
	if t.once {
		t.ch <- a
		return
	}
	t.queue.Enqueue(a)
}

// TaskContext is a task's view of the store.
type TaskContext struct {
	runner *TaskRunner
	ctx    context.Context
}

// Take blocks until the next committed action whose type is one of types
// (any type when none are given).
func (tc *TaskContext) Take(ctx context.Context, types ...string) (ir.Action, error) {
	t := &taker{types: types, once: true, ch: make(chan ir.Action, 1)}
	tc.runner.register(t)
	select {
	case a := <-t.ch:
		return a, nil
	case <-ctx.Done():
		tc.runner.unregister(t)
		return ir.Action{}, ctx.Err()
	}
}

// Channel subscribes to every committed action matching types until Close.
// Unlike repeated Take calls it never misses an action between reads.
func (tc *TaskContext) Channel(types ...string) *ActionChannel {
	t := &taker{types: types, queue: engine.NewQueue[ir.Action]()}
	tc.runner.register(t)
	return &ActionChannel{runner: tc.runner, taker: t}
}

// Put dispatches an action. It does not wait for a dispatch already in
// progress on another goroutine.
func (tc *TaskContext) Put(action ir.Action) error {
	return tc.runner.api.Dispatch(action)
}

// State returns the current snapshot.
func (tc *TaskContext) State() ir.IRObject {
	return tc.runner.api.State()
}

// Select applies sel to the current snapshot.
func (tc *TaskContext) Select(sel selector.Selector) ir.IRValue {
	return sel(tc.runner.api.State())
}

// Fork starts task as a child of the root task.
func (tc *TaskContext) Fork(name string, task Task) {
	tc.runner.group.Go(func() error {
		return tc.runner.guard(name, task)(tc.ctx, tc)
	})
}

// Every forks handler for each committed action matching types, until ctx
// is done.
func (tc *TaskContext) Every(ctx context.Context, handler func(ctx context.Context, tc *TaskContext, a ir.Action) error, types ...string) error {
	ch := tc.Channel(types...)
	defer ch.Close()
	for {
		a, ok := ch.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		tc.Fork(a.Type, func(ctx context.Context, tc *TaskContext) error {
			return handler(ctx, tc, a)
		})
	}
}

// ActionChannel is a persistent, unbounded subscription to committed actions.
type ActionChannel struct {
	runner *TaskRunner
	taker  *taker
}

// Next blocks for the next action. ok is false once ctx is done or the
// channel is closed and drained.
func (c *ActionChannel) Next(ctx context.Context) (ir.Action, bool) {
	return c.taker.queue.Next(ctx)
}

// Close unsubscribes.
func (c *ActionChannel) Close() {
	c.runner.unregister(c.taker)
	c.taker.queue.Close()
}
