package effects

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/registry"
)

// Options selects the effect runners of a store.
type Options struct {
	// Task is the task entry point, run once at start.
	Task Task

	// Streams are the configured epics. A non-nil map, even an empty one,
	// enables the stream runner and with it dynamic effects. Its keys are
	// reserved: they cannot be attached or detached later.
	Streams map[string]Epic
}

// Controller owns at most one task runner and one stream runner per store,
// plus the registry of dynamically attached epics.
//
// The epic fed to the stream runner is always
// Combine(base, attached epics in key order), where base starts as
// CombineKeyed(Streams) and can be swapped with Replace.
type Controller struct {
	logger *slog.Logger

	task    Task
	taskRun *TaskRunner
	stream  *StreamRunner
	effects *registry.Keyed[Epic]

	mu   sync.Mutex // guards base
	base Epic

	startMu sync.Mutex
	started bool
	stopped atomic.Bool
}

// NewController creates the runners selected by opts. A nil opts creates
// none.
func NewController(opts *Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{logger: logger}
	if opts == nil {
		return c
	}
	if opts.Task != nil {
		c.task = opts.Task
		c.taskRun = NewTaskRunner(logger)
	}
	if opts.Streams != nil {
		c.stream = NewStreamRunner(logger)
		c.base = CombineKeyed(opts.Streams)
		c.effects = registry.NewKeyed("effect", maps.Clone(opts.Streams), c.recompose)
	}
	return c
}

// Middlewares returns the runner middleware: task first, then stream.
func (c *Controller) Middlewares() []engine.Middleware {
	var mws []engine.Middleware
	if c.taskRun != nil {
		mws = append(mws, c.taskRun.Middleware())
	}
	if c.stream != nil {
		mws = append(mws, c.stream.Middleware())
	}
	return mws
}

// TaskMiddleware returns the task runner middleware, or nil.
func (c *Controller) TaskMiddleware() engine.Middleware {
	if c.taskRun == nil {
		return nil
	}
	return c.taskRun.Middleware()
}

// StreamMiddleware returns the stream runner middleware, or nil.
func (c *Controller) StreamMiddleware() engine.Middleware {
	if c.stream == nil {
		return nil
	}
	return c.stream.Middleware()
}

// StreamsEnabled reports whether a stream runner exists.
func (c *Controller) StreamsEnabled() bool {
	return c.stream != nil
}

// StartIfConfigured starts the configured runners. The stream runner starts
// first so that actions put by the task's first steps reach the epics.
func (c *Controller) StartIfConfigured(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return ErrAlreadyRunning
	}

	if c.stream != nil {
		if err := c.stream.Run(ctx, c.compose(c.effects.Dynamic())); err != nil {
			return err
		}
	}
	if c.taskRun != nil {
		if err := c.taskRun.Run(ctx, c.task); err != nil {
			if c.stream != nil {
				c.stream.Stop()
			}
			return err
		}
	}
	c.started = true
	return nil
}

// Replace swaps the base epic, keeping attached epics. Fails with an
// effects-not-enabled error when no stream runner exists.
func (c *Controller) Replace(epic Epic) error {
	if c.stream == nil {
		return registry.NewEffectsNotEnabledError("")
	}
	if c.stopped.Load() {
		return ErrNotRunning
	}
	c.mu.Lock()
	c.base = epic
	c.mu.Unlock()
	return c.effects.Recompose()
}

// AttachEffect adds a dynamic epic under key. Before StartIfConfigured the
// epic is only registered; after Stop it is rejected with ErrNotRunning.
func (c *Controller) AttachEffect(key string, epic Epic) error {
	if c.stream == nil {
		return registry.NewEffectsNotEnabledError(key)
	}
	return c.effects.Attach(key, epic)
}

// DetachEffect removes a dynamic epic.
func (c *Controller) DetachEffect(key string) error {
	if c.stream == nil {
		return registry.NewEffectsNotEnabledError(key)
	}
	return c.effects.Detach(key)
}

// EffectKeys returns the configured and attached epic keys, sorted.
func (c *Controller) EffectKeys() []string {
	if c.effects == nil {
		return nil
	}
	return c.effects.Keys()
}

// Stop stops both runners concurrently and waits for them. Later effect
// changes fail with ErrNotRunning.
func (c *Controller) Stop(ctx context.Context) error {
	c.stopped.Store(true)
	g, _ := errgroup.WithContext(ctx)
	if c.taskRun != nil {
		g.Go(c.taskRun.Stop)
	}
	if c.stream != nil {
		g.Go(func() error {
			c.stream.Stop()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) recompose(_, dynamic map[string]Epic) error {
	if !c.stream.Running() {
		if c.stopped.Load() {
			return ErrNotRunning
		}
		return nil
	}
	return c.stream.Replace(c.compose(dynamic))
}

func (c *Controller) compose(dynamic map[string]Epic) Epic {
	c.mu.Lock()
	base := c.base
	c.mu.Unlock()
	if len(dynamic) == 0 {
		return base
	}
	return Combine(base, CombineKeyed(dynamic))
}
