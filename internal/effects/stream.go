package effects

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

// StateSource gives epics read access to the current snapshot.
type StateSource interface {
	State() ir.IRObject
}

// Epic maps the stream of committed actions to a stream of actions to
// dispatch. An epic must stop sending once ctx is done. A nil output
// channel means the epic emits nothing.
//
// On Stop the input is closed and ctx cancelled together. On Replace the
// input is closed only after every action already committed for the epic
// has been delivered, and ctx is cancelled once the output closes or
// retireGrace later; output emitted until then is still dispatched.
type Epic func(ctx context.Context, actions <-chan ir.Action, state StateSource) <-chan ir.Action

// retireGrace bounds how long a replaced epic may keep emitting after it
// has received every action queued for it.
const retireGrace = 2 * time.Second

// StreamRunner runs one epic at a time and can swap it without being
// recreated. Actions reach the epic through an unbounded mailbox, so the
// dispatch loop never waits on an epic.
type StreamRunner struct {
	logger *slog.Logger

	mu       sync.Mutex
	api      engine.MiddlewareAPI
	parent   context.Context
	active   *pipeline
	retiring map[*pipeline]struct{}
	started  bool
	wg       sync.WaitGroup
}

type pipeline struct {
	cancel  context.CancelFunc
	mailbox *engine.Queue[ir.Action]
	drained chan struct{} // input closed
	emitted chan struct{} // output exhausted
}

// NewStreamRunner creates an idle runner. Install Middleware before Run.
func NewStreamRunner(logger *slog.Logger) *StreamRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamRunner{logger: logger, retiring: make(map[*pipeline]struct{})}
}

// Middleware forwards every committed action to the active epic.
func (r *StreamRunner) Middleware() engine.Middleware {
	return func(api engine.MiddlewareAPI) func(next engine.DispatchFunc) engine.DispatchFunc {
		r.mu.Lock()
		r.api = api
		r.mu.Unlock()

		return func(next engine.DispatchFunc) engine.DispatchFunc {
			return func(action ir.Action) error {
				if err := next(action); err != nil {
					return err
				}
				// Enqueue under mu so Replace cannot close the mailbox
				// between the lookup and the send.
				r.mu.Lock()
				if r.active != nil {
					r.active.mailbox.Enqueue(action)
				}
				r.mu.Unlock()
				return nil
			}
		}
	}
}

// Run starts epic. It may be called once; use Replace afterwards.
func (r *StreamRunner) Run(ctx context.Context, epic Epic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyRunning
	}
	if r.api == nil {
		return ErrNotInstalled
	}
	r.started = true
	r.parent = ctx
	r.active = r.start(epic)
	return nil
}

// Replace swaps the running epic. Every committed action reaches exactly
// one of the two: actions committed before the swap stay with the old epic,
// which drains them and keeps emitting until its output closes, and later
// actions go to the new epic only.
func (r *StreamRunner) Replace(epic Epic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ErrNotRunning
	}
	old := r.active
	r.active = r.start(epic)
	old.mailbox.Close()

	r.retiring[old] = struct{}{}
	r.wg.Add(1)
	go r.retire(old)
	return nil
}

// retire cancels p once its epic is done with the actions queued before
// the swap.
func (r *StreamRunner) retire(p *pipeline) {
	defer r.wg.Done()
	defer func() {
		p.cancel()
		r.mu.Lock()
		delete(r.retiring, p)
		r.mu.Unlock()
	}()

	<-p.drained
	timer := time.NewTimer(retireGrace)
	defer timer.Stop()
	select {
	case <-p.emitted:
	case <-timer.C:
		r.logger.Warn("replaced epic still running, cancelling", "grace", retireGrace)
	}
}

// Running reports whether an epic is installed.
func (r *StreamRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Stop cancels the active epic and any replaced epic still draining, then
// waits for the runner's goroutines.
func (r *StreamRunner) Stop() {
	r.mu.Lock()
	p := r.active
	r.active = nil
	for old := range r.retiring {
		old.cancel()
	}
	r.mu.Unlock()

	if p != nil {
		p.stop()
	}
	r.wg.Wait()
}

// start launches a pipeline. Caller holds mu.
func (r *StreamRunner) start(epic Epic) *pipeline {
	ctx, cancel := context.WithCancel(r.parent)
	p := &pipeline{
		cancel:  cancel,
		mailbox: engine.NewQueue[ir.Action](),
		drained: make(chan struct{}),
		emitted: make(chan struct{}),
	}

	in := make(chan ir.Action)
	out := r.invoke(ctx, epic, in)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer close(p.drained)
		pump(ctx, p.mailbox, in)
	}()
	go func() {
		defer r.wg.Done()
		defer close(p.emitted)
		r.emit(ctx, out)
	}()
	return p
}

func (r *StreamRunner) invoke(ctx context.Context, epic Epic, in <-chan ir.Action) (out <-chan ir.Action) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("epic panicked", "error", &PanicError{Effect: "stream", Value: p})
			out = nil
		}
	}()
	return epic(ctx, in, r.api)
}

// emit dispatches the epic's output until it closes or ctx is done.
func (r *StreamRunner) emit(ctx context.Context, out <-chan ir.Action) {
	if out == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-out:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if err := r.api.Dispatch(a); err != nil {
				r.logger.Error("epic dispatch failed", "action", a.Type, "error", err)
			}
		}
	}
}

func (p *pipeline) stop() {
	p.cancel()
	p.mailbox.Close()
}

// pump moves items from q to ch until ctx is done or q is closed and
// drained, then closes ch.
func pump(ctx context.Context, q *engine.Queue[ir.Action], ch chan<- ir.Action) {
	defer close(ch)
	for {
		a, ok := q.Next(ctx)
		if !ok {
			return
		}
		select {
		case ch <- a:
		case <-ctx.Done():
			return
		}
	}
}

// OfType filters in to actions whose type is one of types.
func OfType(ctx context.Context, in <-chan ir.Action, types ...string) <-chan ir.Action {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make(chan ir.Action)
	go func() {
		defer close(out)
		for a := range in {
			if !want[a.Type] {
				continue
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Map returns an epic that applies fn to every action of the given types
// and emits the results.
func Map(fn func(a ir.Action, state StateSource) []ir.Action, types ...string) Epic {
	return func(ctx context.Context, actions <-chan ir.Action, state StateSource) <-chan ir.Action {
		matching := OfType(ctx, actions, types...)
		out := make(chan ir.Action)
		go func() {
			defer close(out)
			for a := range matching {
				for _, next := range fn(a, state) {
					select {
					case out <- next:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out
	}
}

// Combine runs epics side by side: each receives every action through its
// own mailbox, and their outputs are merged.
func Combine(epics ...Epic) Epic {
	return func(ctx context.Context, actions <-chan ir.Action, state StateSource) <-chan ir.Action {
		mailboxes := make([]*engine.Queue[ir.Action], len(epics))
		outs := make([]<-chan ir.Action, 0, len(epics))
		for i, epic := range epics {
			mailboxes[i] = engine.NewQueue[ir.Action]()
			in := make(chan ir.Action)
			go pump(ctx, mailboxes[i], in)
			if epic != nil {
				outs = append(outs, epic(ctx, in, state))
			}
		}

		go func() {
			defer func() {
				for _, q := range mailboxes {
					q.Close()
				}
			}()
			for a := range actions {
				for _, q := range mailboxes {
					q.Enqueue(a)
				}
			}
		}()

		return merge(ctx, outs...)
	}
}

// CombineKeyed combines the epics of m in key order.
func CombineKeyed(m map[string]Epic) Epic {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	epics := make([]Epic, len(keys))
	for i, k := range keys {
		epics[i] = m[k]
	}
	return Combine(epics...)
}

func merge(ctx context.Context, outs ...<-chan ir.Action) <-chan ir.Action {
	merged := make(chan ir.Action)
	var wg sync.WaitGroup
	for _, out := range outs {
		if out == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range out {
				select {
				case merged <- a:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged
}
