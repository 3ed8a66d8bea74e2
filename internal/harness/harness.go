package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/multistore/internal/compiler"
	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/facade"
	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/kinds"
	"github.com/roach88/multistore/internal/persist"
	"github.com/roach88/multistore/internal/router"
	"github.com/roach88/multistore/internal/testutil"
	"github.com/roach88/multistore/internal/watch"
)

// Settling parameters: a step is done once the recorded trace has not
// grown for quietPolls consecutive polls.
const (
	pollInterval  = 5 * time.Millisecond
	quietPolls    = 5
	settleTimeout = 2 * time.Second
)

// harnessSecret encrypts secure slices. Scenarios never see ciphertext.
const harnessSecret = "multistore-harness"

// Harness runs one scenario against a fresh store.
type Harness struct {
	store    *facade.Store
	history  *router.History
	deps     kinds.PersistDeps
	recorder *recorder
	clock    *testutil.DeterministicClock
	modules  map[string]*ir.ModuleSpec
	logger   *slog.Logger
}

// Run executes a scenario and returns its result.
//
// Every run gets its own store with in-memory persistence, a fixed
// session and a fresh deterministic clock, so the same scenario always
// yields the same trace and state hash. The returned error reports
// problems with the scenario itself (unreadable definition, store that
// fails to start); failed steps and assertions land in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	data, err := os.ReadFile(scenario.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	def, err := compiler.CompileStoreSource(scenario.Definition, data)
	if err != nil {
		return nil, fmt.Errorf("failed to compile definition: %w", err)
	}

	h := &Harness{
		deps:     kinds.PersistDeps{Storage: persist.NewMemoryStorage(), Secret: harnessSecret},
		recorder: &recorder{},
		clock:    testutil.NewDeterministicClock(),
		modules:  map[string]*ir.ModuleSpec{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	var nav router.Navigator
	if def.Router != nil {
		initial := def.Router.Initial
		if initial == "" {
			initial = "/"
		}
		h.history = router.NewHistory(initial)
		nav = h.history
	}
	cfg, err := facade.FromDefinition(def, h.deps, nav, h.logger)
	if err != nil {
		return nil, err
	}
	cfg.Middlewares = append(cfg.Middlewares, h.recorder.middleware)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.store, err = facade.NewGuard().Initialize(ctx, cfg,
		facade.WithSessionGenerator(testutil.NewFixedSession(scenario.Session)))
	if err != nil {
		return nil, fmt.Errorf("failed to start store: %w", err)
	}
	defer h.store.Close(context.Background())

	// Actions dispatched while starting (the router's initial location)
	// are not part of the trace.
	if err := h.settle(); err != nil {
		return nil, err
	}
	h.recorder.reset()

	result := NewResult()
	for i, step := range scenario.Setup {
		if err := h.execute(ctx, PhaseSetup, i, step, result); err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, PhaseFlow, i, step, result); err != nil {
			result.AddError(fmt.Sprintf("flow[%d]: %v", i, err))
		}
	}

	result.State = h.store.State()
	result.StateHash, err = ir.StateHash(result.State)
	if err != nil {
		return nil, fmt.Errorf("failed to hash final state: %w", err)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// execute runs one step, waits for its effects and appends what was
// committed to the trace. Step failures are returned; mismatched
// expectations are recorded on result.
func (h *Harness) execute(ctx context.Context, phase string, i int, step Step, result *Result) error {
	mark := h.recorder.len()
	stepErr := h.perform(ctx, step)
	if err := h.settle(); err != nil {
		return err
	}
	result.Trace = append(result.Trace, h.window(mark, phase, i, step)...)

	where := fmt.Sprintf("%s[%d]", phase, i)
	switch exp := step.Expect; {
	case exp != nil && exp.Error != "":
		if stepErr == nil {
			result.AddError(fmt.Sprintf("%s: expected error containing %q, step succeeded", where, exp.Error))
		} else if !strings.Contains(stepErr.Error(), exp.Error) {
			result.AddError(fmt.Sprintf("%s: expected error containing %q, got %q", where, exp.Error, stepErr))
		}
	case stepErr != nil:
		return stepErr
	}

	if step.Expect != nil {
		for _, path := range sortedKeys(step.Expect.State) {
			if msg := checkState(h.store.State(), path, step.Expect.State[path]); msg != "" {
				result.AddError(where + ": " + msg)
			}
		}
	}
	return nil
}

func (h *Harness) perform(ctx context.Context, step Step) error {
	switch {
	case step.Dispatch != "":
		payload, err := ir.FromGo(step.Payload)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		action := ir.Act(step.Dispatch)
		if step.Payload != nil {
			action = ir.NewAction(step.Dispatch, payload)
		}
		return h.store.Dispatch(action)

	case step.Attach != "":
		data, err := os.ReadFile(step.Attach)
		if err != nil {
			return err
		}
		mod, err := watch.Compile(filepath.Base(step.Attach), data)
		if err != nil {
			return err
		}
		if _, ok := h.modules[mod.Name]; ok {
			return fmt.Errorf("module %q is already attached", mod.Name)
		}
		if err := h.store.AttachModule(mod, h.deps); err != nil {
			return err
		}
		h.modules[mod.Name] = mod
		return nil

	case step.Detach != "":
		mod, ok := h.modules[step.Detach]
		if !ok {
			return fmt.Errorf("module %q is not attached", step.Detach)
		}
		delete(h.modules, step.Detach)
		return h.store.DetachModule(mod)

	case step.Navigate != "":
		if h.history == nil {
			return fmt.Errorf("navigate: store declares no router")
		}
		return h.history.NavigateByURL(ctx, step.Navigate)
	}
	return fmt.Errorf("empty step")
}

// settle waits until no new action has been committed for a while.
func (h *Harness) settle() error {
	deadline := time.Now().Add(settleTimeout)
	last, quiet := h.recorder.len(), 0
	for quiet < quietPolls {
		if time.Now().After(deadline) {
			return fmt.Errorf("store did not settle within %s", settleTimeout)
		}
		time.Sleep(pollInterval)
		n := h.recorder.len()
		if n == last {
			quiet++
			continue
		}
		last, quiet = n, 0
	}
	return nil
}

// window turns the actions committed since mark into trace events. A
// dispatch or navigate step's own action comes first; everything else was
// produced by effects and is ordered canonically, because independent
// effects commit in no fixed order.
func (h *Harness) window(mark int, phase string, i int, step Step) []TraceEvent {
	actions := h.recorder.since(mark)
	own := 0
	if (step.Dispatch != "" || step.Navigate != "") && len(actions) > 0 {
		own = 1
	}
	derived := actions[own:]
	slices.SortStableFunc(derived, func(a, b ir.Action) int {
		if c := strings.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return bytes.Compare(canonical(a.PayloadOrNull()), canonical(b.PayloadOrNull()))
	})

	events := make([]TraceEvent, len(actions))
	for j, a := range actions {
		events[j] = TraceEvent{
			N:       h.clock.Next(),
			Phase:   phase,
			Step:    i,
			Type:    a.Type,
			Payload: a.Payload,
			Derived: j >= own,
			Seq:     a.Seq,
		}
	}
	return events
}

func canonical(v ir.IRValue) []byte {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil
	}
	return b
}

// recorder is a middleware that keeps every action the reducers accepted.
type recorder struct {
	mu      sync.Mutex
	actions []ir.Action
}

func (r *recorder) middleware(api engine.MiddlewareAPI) func(engine.DispatchFunc) engine.DispatchFunc {
	return func(next engine.DispatchFunc) engine.DispatchFunc {
		return func(action ir.Action) error {
			if err := next(action); err != nil {
				return err
			}
			r.mu.Lock()
			r.actions = append(r.actions, action)
			r.mu.Unlock()
			return nil
		}
	}
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

func (r *recorder) since(mark int) []ir.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.actions[mark:])
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = nil
}
