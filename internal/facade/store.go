package facade

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"github.com/roach88/multistore/internal/devtools"
	"github.com/roach88/multistore/internal/effects"
	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/observe"
	"github.com/roach88/multistore/internal/persist"
	"github.com/roach88/multistore/internal/registry"
	"github.com/roach88/multistore/internal/router"
	"github.com/roach88/multistore/internal/selector"
)

// Store is the application-facing store.
//
// Thread-safety: every method is safe for concurrent use.
type Store struct {
	engine    *engine.Engine
	reducers  *registry.Reducers
	effects   *effects.Controller
	effectsOn bool
	persistor *persist.Persistor
	router    *router.Binding
	monitor   *devtools.Monitor
	metrics   *observe.Metrics

	session string
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// State returns the current snapshot. Callers must not modify it.
func (s *Store) State() ir.IRObject {
	return s.engine.State()
}

// StateStream yields the current snapshot, then every new snapshot as it
// is committed. A dispatch that leaves the root unchanged yields nothing.
//
// Each range subscribes anew; the subscription ends when the loop breaks,
// ctx is done or the store is closed. Snapshots are buffered without
// bound, so a slow consumer sees every one of them in order, including
// those committed before Close.
func (s *Store) StateStream(ctx context.Context) iter.Seq[ir.IRObject] {
	return func(yield func(ir.IRObject) bool) {
		mailbox := engine.NewQueue[engine.Snapshot]()
		var lastQueued uint64
		unsubscribe := s.engine.Subscribe(func() {
			snap := s.engine.Snapshot()
			if snap.Version == lastQueued {
				return
			}
			lastQueued = snap.Version
			mailbox.Enqueue(snap)
		})
		stopClose := context.AfterFunc(s.ctx, mailbox.Close)
		defer func() {
			stopClose()
			unsubscribe()
			mailbox.Close()
		}()

		current := s.engine.Snapshot()
		if ctx.Err() != nil || !yield(current.State) {
			return
		}
		seen := current.Version
		for {
			snap, ok := mailbox.Next(ctx)
			if !ok {
				return
			}
			if snap.Version <= seen {
				continue
			}
			seen = snap.Version
			if !yield(snap.State) {
				return
			}
		}
	}
}

// Select yields sel applied to every snapshot of StateStream, skipping
// values ir.Equal to the previous one.
func (s *Store) Select(ctx context.Context, sel selector.Selector) iter.Seq[ir.IRValue] {
	return func(yield func(ir.IRValue) bool) {
		emit := selector.Distinct(yield)
		for state := range s.StateStream(ctx) {
			if !emit(sel(state)) {
				return
			}
		}
	}
}

// SelectSync applies sel to the current snapshot.
func (s *Store) SelectSync(sel selector.Selector) ir.IRValue {
	return sel(s.engine.State())
}

// Dispatch submits action and returns once it has been processed. See
// engine.Engine.Dispatch. Listeners registered with Subscribe use Enqueue.
func (s *Store) Dispatch(action ir.Action) error {
	return s.engine.Dispatch(action)
}

// Enqueue submits action without waiting for a dispatch in progress. See
// engine.Engine.Enqueue.
func (s *Store) Enqueue(action ir.Action) error {
	return s.engine.Enqueue(action)
}

// Subscribe registers fn to run after every committed action.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	return s.engine.Subscribe(fn)
}

// AddReducer attaches a slice. Attaching a persist.Reducer while
// persistence is enabled also restores its stored value.
func (s *Store) AddReducer(key string, reducer engine.Reducer) error {
	if err := s.reducers.Attach(key, reducer); err != nil {
		return err
	}
	if pr, ok := reducer.(*persist.Reducer); ok && s.persistor != nil {
		s.persistor.Track(key, pr)
		if err := s.persistor.RehydrateKey(s.ctx, key); err != nil {
			s.logger.Warn("rehydrating attached slice failed", "slice", key, "error", err)
		}
	}
	s.observeShape()
	return nil
}

// RemoveReducer detaches a slice attached with AddReducer. Its stored
// value, if persisted, is kept.
func (s *Store) RemoveReducer(key string) error {
	if err := s.reducers.Detach(key); err != nil {
		return err
	}
	if s.persistor != nil {
		s.persistor.Untrack(key)
	}
	s.observeShape()
	return nil
}

// EnsureReducer attaches reducer unless key is already registered.
func (s *Store) EnsureReducer(key string, reducer engine.Reducer) error {
	return registry.IgnoreBenign(s.AddReducer(key, reducer))
}

// EnsureRemoved detaches key if it is attached.
func (s *Store) EnsureRemoved(key string) error {
	return registry.IgnoreBenign(s.RemoveReducer(key))
}

// Mount attaches reducer and returns a function that detaches it. The
// release function may be called more than once.
func (s *Store) Mount(key string, reducer engine.Reducer) (release func() error, err error) {
	if err := s.AddReducer(key, reducer); err != nil {
		return nil, err
	}
	return releaseOnce(func() error { return s.RemoveReducer(key) }), nil
}

// AddEffect attaches a stream epic under key.
func (s *Store) AddEffect(key string, epic effects.Epic) error {
	return s.effects.AttachEffect(key, epic)
}

// RemoveEffect detaches an epic attached with AddEffect.
func (s *Store) RemoveEffect(key string) error {
	return s.effects.DetachEffect(key)
}

// ReplaceEffects swaps the configured epics for epic. Attached epics keep
// running.
func (s *Store) ReplaceEffects(epic effects.Epic) error {
	return s.effects.Replace(epic)
}

// MountEffect attaches epic and returns a function that detaches it.
func (s *Store) MountEffect(key string, epic effects.Epic) (release func() error, err error) {
	if err := s.AddEffect(key, epic); err != nil {
		return nil, err
	}
	return releaseOnce(func() error { return s.RemoveEffect(key) }), nil
}

// ReducerKeys returns the mounted slice names, sorted.
func (s *Store) ReducerKeys() []string {
	return s.reducers.Keys()
}

// DynamicReducerKeys returns the slice names attached after initialization.
func (s *Store) DynamicReducerKeys() []string {
	return s.reducers.DynamicKeys()
}

// EffectKeys returns the configured and attached epic keys, sorted.
func (s *Store) EffectKeys() []string {
	return s.effects.EffectKeys()
}

// Session returns the token identifying this store instance.
func (s *Store) Session() string {
	return s.session
}

// Monitor returns the devtools monitor, or nil when devtools are off.
func (s *Store) Monitor() *devtools.Monitor {
	return s.monitor
}

// Flush writes changed persisted slices now. No-op without persistence.
func (s *Store) Flush(ctx context.Context) error {
	if s.persistor == nil {
		return nil
	}
	return s.persistor.Flush(ctx)
}

// Purge removes every persisted item. No-op without persistence.
func (s *Store) Purge(ctx context.Context) error {
	if s.persistor == nil {
		return nil
	}
	return s.persistor.Purge(ctx)
}

// Close stops the router service, the effect runners and persistence
// (with a final flush), then closes the engine. Later calls return the
// first call's result.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown(ctx)
	})
	return s.closeErr
}

func (s *Store) shutdown(ctx context.Context) error {
	var errs []error
	if s.router != nil {
		s.router.Service.Stop()
	}
	if s.effectsOn {
		if err := s.effects.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.persistor != nil {
		if err := s.persistor.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.engine != nil {
		s.engine.Close()
	}
	return errors.Join(errs...)
}

func (s *Store) observeShape() {
	if s.metrics != nil {
		s.metrics.ObserveState(s.engine.State())
	}
}

func releaseOnce(fn func() error) func() error {
	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() { err = fn() })
		return err
	}
}
