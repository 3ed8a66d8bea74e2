package facade

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/multistore/internal/effects"
	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/observe"
	"github.com/roach88/multistore/internal/persist"
	"github.com/roach88/multistore/internal/registry"
	"github.com/roach88/multistore/internal/router"
	"github.com/roach88/multistore/internal/selector"
	"github.com/roach88/multistore/internal/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// counter handles <name>/increment.
func counter(name string) engine.Reducer {
	return engine.ReducerFunc(func(state ir.IRValue, a ir.Action) ir.IRValue {
		n, _ := state.(ir.IRInt)
		switch {
		case a.Type == name+"/increment":
			return n + 1
		case state == nil:
			return n
		}
		return state
	})
}

// lastAction stores the type of the last non-internal action.
func lastAction() engine.Reducer {
	return engine.ReducerFunc(func(state ir.IRValue, a ir.Action) ir.IRValue {
		if a.IsInternal() {
			if state == nil {
				return ir.IRNull{}
			}
			return state
		}
		return ir.IRString(a.Type)
	})
}

func baseConfig() Config {
	return Config{
		Reducers: map[string]engine.Reducer{"counter": counter("counter")},
		Logger:   quietLogger(),
	}
}

func newStore(t *testing.T, cfg Config, opts ...Option) *Store {
	t.Helper()
	st, err := NewGuard().Initialize(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func stateKeys(st *Store) []string {
	return st.State().SortedKeys()
}

func TestEndToEnd(t *testing.T) {
	st := newStore(t, baseConfig())

	require.NoError(t, st.AddReducer("logger", lastAction()))
	require.NoError(t, st.Dispatch(ir.Act("counter/increment")))

	assert.Equal(t, ir.IRInt(1), st.SelectSync(selector.Path("counter")))
	assert.Equal(t, ir.IRString("counter/increment"), st.SelectSync(selector.Path("logger")))

	require.NoError(t, st.RemoveReducer("logger"))
	assert.Equal(t, []string{"counter"}, st.ReducerKeys())
	assert.Equal(t, []string{"counter"}, stateKeys(st))
	assert.Equal(t, ir.IRInt(1), st.SelectSync(selector.Path("counter")))
}

func TestInitialize_SingleInstance(t *testing.T) {
	g := NewGuard()
	first, err := g.Initialize(context.Background(), baseConfig())
	require.NoError(t, err)
	defer first.Close(context.Background())
	require.NoError(t, first.Dispatch(ir.Act("counter/increment")))
	before := first.State()

	second, err := g.Initialize(context.Background(), Config{
		Reducers: map[string]engine.Reducer{"other": counter("other")},
	})
	require.Error(t, err)
	assert.Nil(t, second)
	assert.True(t, registry.IsAlreadyInitialized(err))
	assert.ErrorIs(t, err, registry.ErrAlreadyInitialized)

	assert.Same(t, first, g.Store())
	assert.True(t, ir.Identical(before, first.State()), "existing store untouched")
}

func TestInitialize_ProcessGuard(t *testing.T) {
	require.Nil(t, Default())
	st, err := Initialize(context.Background(), baseConfig())
	require.NoError(t, err)
	defer st.Close(context.Background())

	assert.Same(t, st, Default())
	_, err = Initialize(context.Background(), baseConfig())
	assert.True(t, registry.IsAlreadyInitialized(err))
}

func TestInitialize_Validation(t *testing.T) {
	g := NewGuard()

	_, err := g.Initialize(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrNoReducers)

	_, err = g.Initialize(context.Background(), Config{Reducers: map[string]engine.Reducer{"x": nil}})
	assert.Error(t, err)

	cfg := baseConfig()
	cfg.LogLevel = "loud"
	_, err = g.Initialize(context.Background(), cfg)
	assert.Error(t, err)

	assert.Nil(t, g.Store(), "nothing published")
}

func TestInitialize_RouterKeyConflict(t *testing.T) {
	g := NewGuard()
	cfg := baseConfig()
	cfg.Reducers["router"] = counter("router")
	cfg.Router = router.Configure("router", router.NewHistory("/"))

	_, err := g.Initialize(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, registry.IsConflictingName(err))
	assert.Nil(t, g.Store())

	st, err := g.Initialize(context.Background(), baseConfig())
	require.NoError(t, err, "a failed initialization does not consume the guard")
	require.NoError(t, st.Close(context.Background()))
}

// failingStorage fails every read.
type failingStorage struct{ persist.MemoryStorage }

func (*failingStorage) GetItem(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func TestInitialize_FailureTearsDown(t *testing.T) {
	pr, err := persist.NewReducer(persist.Config{Key: "c", Storage: &failingStorage{}}, counter("counter"))
	require.NoError(t, err)

	g := NewGuard()
	_, err = g.Initialize(context.Background(), Config{
		Reducers:    map[string]engine.Reducer{"counter": pr},
		Effects:     &effects.Options{Streams: map[string]effects.Epic{}},
		Persistence: true,
		Logger:      quietLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Nil(t, g.Store())
	// goleak in TestMain verifies the stream runner was stopped.
}

func TestReducers_IdempotenceBoundary(t *testing.T) {
	st := newStore(t, baseConfig())

	require.NoError(t, st.AddReducer("k", counter("k")))
	assert.True(t, registry.IsDuplicateKey(st.AddReducer("k", counter("k"))))

	require.NoError(t, st.RemoveReducer("k"))
	assert.True(t, registry.IsUnknownKey(st.RemoveReducer("k")))

	require.NoError(t, st.AddReducer("k", counter("k")))
	assert.Equal(t, []string{"counter", "k"}, stateKeys(st))
}

func TestReducers_StaticKeyProtected(t *testing.T) {
	st := newStore(t, baseConfig())

	err := st.AddReducer("counter", lastAction())
	assert.True(t, registry.IsDuplicateKey(err))
	assert.True(t, registry.IsUnknownKey(st.RemoveReducer("counter")))
	assert.Equal(t, []string{"counter"}, stateKeys(st))

	require.NoError(t, st.Dispatch(ir.Act("counter/increment")))
	assert.Equal(t, ir.IRInt(1), st.SelectSync(selector.Path("counter")), "static reducer not shadowed")
}

func TestReducers_ShapeMatchesRegistry(t *testing.T) {
	st := newStore(t, baseConfig())

	steps := []struct {
		attach bool
		key    string
	}{
		{true, "a"}, {true, "b"}, {false, "a"}, {true, "c"}, {true, "a"},
		{false, "b"}, {false, "c"}, {false, "a"}, {true, "b"},
	}
	for i, step := range steps {
		if step.attach {
			require.NoError(t, st.AddReducer(step.key, counter(step.key)), "step %d", i)
		} else {
			require.NoError(t, st.RemoveReducer(step.key), "step %d", i)
		}
		assert.Equal(t, st.ReducerKeys(), stateKeys(st), "step %d", i)
	}
	assert.Equal(t, []string{"b"}, st.DynamicReducerKeys())
}

func TestEnsureAndMount(t *testing.T) {
	st := newStore(t, baseConfig())

	require.NoError(t, st.EnsureReducer("x", counter("x")))
	require.NoError(t, st.EnsureReducer("x", counter("x")))
	require.NoError(t, st.EnsureReducer("counter", counter("counter")))
	require.NoError(t, st.EnsureRemoved("x"))
	require.NoError(t, st.EnsureRemoved("x"))

	release, err := st.Mount("scoped", counter("scoped"))
	require.NoError(t, err)
	assert.Contains(t, stateKeys(st), "scoped")
	require.NoError(t, release())
	require.NoError(t, release(), "second release repeats the first result")
	assert.NotContains(t, stateKeys(st), "scoped")

	_, err = st.Mount("counter", counter("counter"))
	assert.True(t, registry.IsDuplicateKey(err))
}

func TestStateStream(t *testing.T) {
	st := newStore(t, baseConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	baseline := st.engine.ListenerCount()

	got := make(chan ir.IRObject, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for state := range st.StateStream(ctx) {
			got <- state
		}
	}()

	first := <-got
	assert.Equal(t, ir.IRInt(0), first["counter"])

	require.NoError(t, st.Dispatch(ir.Act("unrelated")))
	require.NoError(t, st.Dispatch(ir.Act("counter/increment")))

	second := <-got
	assert.Equal(t, ir.IRInt(1), second["counter"], "unchanged root yields nothing")

	cancel()
	<-done
	assert.Equal(t, baseline, st.engine.ListenerCount())
}

func TestStateStream_BreakUnsubscribes(t *testing.T) {
	st := newStore(t, baseConfig())
	baseline := st.engine.ListenerCount()

	n := 0
	for range st.StateStream(context.Background()) {
		n++
		assert.Equal(t, baseline+1, st.engine.ListenerCount())
		break
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, baseline, st.engine.ListenerCount())

	// Restartable: a second range subscribes again.
	for state := range st.StateStream(context.Background()) {
		assert.Equal(t, ir.IRInt(0), state["counter"])
		break
	}
}

func TestStateStream_EndsOnClose(t *testing.T) {
	st := newStore(t, baseConfig())

	got := make(chan ir.IRObject, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for state := range st.StateStream(context.Background()) {
			got <- state
		}
	}()
	<-got

	require.NoError(t, st.Dispatch(ir.Act("counter/increment")))
	require.NoError(t, st.Close(context.Background()))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("state stream still open after Close")
	}
	last := <-got
	assert.Equal(t, ir.IRInt(1), last["counter"], "snapshots committed before Close are delivered")

	n := 0
	for range st.StateStream(context.Background()) {
		n++
	}
	assert.Equal(t, 1, n, "a stream started after Close yields the final snapshot only")
}

func TestSelect_SuppressesEqualValues(t *testing.T) {
	cfg := baseConfig()
	cfg.Reducers["other"] = counter("other")
	st := newStore(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan ir.IRValue, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range st.Select(ctx, selector.Path("counter")) {
			got <- v
		}
	}()
	assert.Equal(t, ir.IRInt(0), <-got)

	require.NoError(t, st.Dispatch(ir.Act("other/increment")))
	require.NoError(t, st.Dispatch(ir.Act("other/increment")))
	require.NoError(t, st.Dispatch(ir.Act("counter/increment")))

	assert.Equal(t, ir.IRInt(1), <-got, "root changes that keep the selection equal emit nothing")

	cancel()
	<-done
}

func TestEffects_NotEnabled(t *testing.T) {
	st := newStore(t, baseConfig())
	epic := effects.Map(func(ir.Action, effects.StateSource) []ir.Action { return nil })

	for i := 0; i < 2; i++ {
		err := st.AddEffect("e", epic)
		assert.True(t, registry.IsEffectsNotEnabled(err))
		assert.Empty(t, st.EffectKeys())
	}
	assert.True(t, registry.IsEffectsNotEnabled(st.RemoveEffect("e")))
	assert.True(t, registry.IsEffectsNotEnabled(st.ReplaceEffects(epic)))
	_, err := st.MountEffect("e", epic)
	assert.True(t, registry.IsEffectsNotEnabled(err))
}

func TestEffects_AttachAndDetach(t *testing.T) {
	cfg := baseConfig()
	cfg.Reducers["last"] = lastAction()
	cfg.Effects = &effects.Options{Streams: map[string]effects.Epic{}}
	st := newStore(t, cfg)

	pong := effects.Map(func(ir.Action, effects.StateSource) []ir.Action {
		return []ir.Action{ir.Act("pong")}
	}, "ping")

	release, err := st.MountEffect("pinger", pong)
	require.NoError(t, err)
	assert.Equal(t, []string{"pinger"}, st.EffectKeys())
	assert.True(t, registry.IsDuplicateKey(st.AddEffect("pinger", pong)))

	require.NoError(t, st.Dispatch(ir.Act("ping")))
	require.Eventually(t, func() bool {
		return ir.Equal(st.SelectSync(selector.Path("last")), ir.IRString("pong"))
	}, waitFor, tick)

	require.NoError(t, release())
	assert.Empty(t, st.EffectKeys())
	assert.True(t, registry.IsUnknownKey(st.RemoveEffect("pinger")))
}

func TestEffects_AddAfterCloseFails(t *testing.T) {
	cfg := baseConfig()
	cfg.Effects = &effects.Options{Streams: map[string]effects.Epic{}}
	st := newStore(t, cfg)
	require.NoError(t, st.Close(context.Background()))

	epic := effects.Map(func(ir.Action, effects.StateSource) []ir.Action { return nil })
	assert.ErrorIs(t, st.AddEffect("late", epic), effects.ErrNotRunning)
	assert.Empty(t, st.EffectKeys())
}

func TestDispatch_ConcurrentWithEffectsReturnsAppliedState(t *testing.T) {
	cfg := baseConfig()
	cfg.Reducers["last"] = lastAction()
	cfg.Effects = &effects.Options{Streams: map[string]effects.Epic{
		"chatter": effects.Map(func(ir.Action, effects.StateSource) []ir.Action {
			return []ir.Action{ir.Act("chatter/echo")}
		}, "chatter/ping"),
	}}
	st := newStore(t, cfg)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = st.Dispatch(ir.Act("chatter/ping"))
			}
		}
	}()

	for i := 1; i <= 50; i++ {
		require.NoError(t, st.Dispatch(ir.Act("counter/increment")))
		require.Equal(t, ir.IRInt(i), st.SelectSync(selector.Path("counter")))
	}
	close(stop)
	wg.Wait()
}

func TestEffects_Task(t *testing.T) {
	cfg := baseConfig()
	cfg.Reducers["pong"] = counter("pong")
	cfg.Effects = &effects.Options{
		Task: func(ctx context.Context, tc *effects.TaskContext) error {
			return tc.Every(ctx, func(_ context.Context, tc *effects.TaskContext, _ ir.Action) error {
				return tc.Put(ir.Act("pong/increment"))
			}, "ping")
		},
	}
	st := newStore(t, cfg)

	// The task subscribes asynchronously; keep pinging until it answers.
	require.Eventually(t, func() bool {
		_ = st.Dispatch(ir.Act("ping"))
		n, _ := st.SelectSync(selector.Path("pong")).(ir.IRInt)
		return n > 0
	}, waitFor, tick)
}

func TestMiddlewareOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	tag := func(name string) engine.Middleware {
		return func(engine.MiddlewareAPI) func(engine.DispatchFunc) engine.DispatchFunc {
			return func(next engine.DispatchFunc) engine.DispatchFunc {
				return func(a ir.Action) error {
					mu.Lock()
					order = append(order, name)
					mu.Unlock()
					return next(a)
				}
			}
		}
	}

	var buf bytes.Buffer
	cfg := baseConfig()
	cfg.Middlewares = []engine.Middleware{tag("first"), tag("second")}
	cfg.LogLevel = "info"
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	st := newStore(t, cfg)

	require.NoError(t, st.Dispatch(ir.Act("counter/increment")))
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Contains(t, buf.String(), "action=counter/increment")
}

func TestRouter_EchoSuppression(t *testing.T) {
	nav := router.NewHistory("/")
	cfg := baseConfig()
	cfg.Router = router.Configure("", nav)
	st := newStore(t, cfg)

	assert.Equal(t, ir.IRString("/"), st.SelectSync(selector.Path(router.DefaultKey)))
	assert.Contains(t, st.ReducerKeys(), router.DefaultKey)
	assert.True(t, registry.IsDuplicateKey(st.AddReducer(router.DefaultKey, lastAction())))

	require.NoError(t, nav.NavigateByURL(context.Background(), "/a"))
	assert.Equal(t, ir.IRString("/a"), st.SelectSync(selector.Path(router.DefaultKey)))
	assert.Never(t, func() bool { return nav.Navigations() != 1 }, 50*time.Millisecond, tick,
		"the store echoing /a back does not navigate again")

	require.NoError(t, st.Dispatch(router.GoToURL("/b")))
	require.Eventually(t, func() bool { return nav.URL() == "/b" }, waitFor, tick)
	assert.Never(t, func() bool { return nav.Navigations() != 2 }, 50*time.Millisecond, tick,
		"goToUrl navigates exactly once")
	assert.Equal(t, ir.IRString("/b"), st.SelectSync(selector.Path(router.DefaultKey)))
}

func TestPersistence_SurvivesRestart(t *testing.T) {
	storage := persist.NewMemoryStorage()
	boot := func() *Store {
		pr, err := persist.NewSecureReducer(persist.Config{Key: "counter", Storage: storage}, "pw", counter("counter"))
		require.NoError(t, err)
		st, err := NewGuard().Initialize(context.Background(), Config{
			Reducers:    map[string]engine.Reducer{"counter": pr},
			Persistence: true,
			Logger:      quietLogger(),
		})
		require.NoError(t, err)
		return st
	}

	first := boot()
	require.NoError(t, first.Dispatch(ir.Act("counter/increment")))
	require.NoError(t, first.Dispatch(ir.Act("counter/increment")))
	require.NoError(t, first.Close(context.Background()))

	second := boot()
	defer second.Close(context.Background())
	assert.Equal(t, ir.IRInt(2), second.SelectSync(selector.Path("counter")))
}

func TestPersistence_AttachedSliceRehydrates(t *testing.T) {
	ctx := context.Background()
	storage := persist.NewMemoryStorage()
	require.NoError(t, storage.SetItem(ctx, "late", "7"))

	cfg := baseConfig()
	cfg.Persistence = true
	st := newStore(t, cfg)

	pr, err := persist.NewReducer(persist.Config{Key: "late", Storage: storage}, counter("late"))
	require.NoError(t, err)
	require.NoError(t, st.AddReducer("late", pr))
	assert.Equal(t, ir.IRInt(7), st.SelectSync(selector.Path("late")))

	require.NoError(t, st.Dispatch(ir.Act("late/increment")))
	require.NoError(t, st.Flush(ctx))
	v, _, _ := storage.GetItem(ctx, "late")
	assert.Equal(t, "8", v)

	require.NoError(t, st.Purge(ctx))
	_, ok, _ := storage.GetItem(ctx, "late")
	assert.False(t, ok)
}

func TestDevToolsAndJournal(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer db.Close()

	reg := prometheus.NewRegistry()
	cfg := baseConfig()
	cfg.DevTools = true
	st := newStore(t, cfg,
		WithJournal(db),
		WithSessionGenerator(engine.NewFixedGenerator("session-1")),
		WithMetrics(observe.NewMetrics(observe.WithRegistry(reg))),
	)
	assert.Equal(t, "session-1", st.Session())

	require.NoError(t, st.Dispatch(ir.Act("counter/increment")))

	require.NotNil(t, st.Monitor())
	entries := st.Monitor().Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, "counter/increment", entries[len(entries)-1].Type)

	journal, err := db.ReadActions(context.Background(), store.JournalFilter{Session: "session-1"})
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, "counter/increment", journal[0].Action.Type)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "multistore_actions_total")
}

func TestClose(t *testing.T) {
	st, err := NewGuard().Initialize(context.Background(), baseConfig())
	require.NoError(t, err)

	require.NoError(t, st.Close(context.Background()))
	require.NoError(t, st.Close(context.Background()))
	assert.True(t, engine.IsClosedError(st.Dispatch(ir.Act("counter/increment"))))
}
