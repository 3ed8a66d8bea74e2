package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/multistore/internal/devtools"
	"github.com/roach88/multistore/internal/effects"
	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/observe"
	"github.com/roach88/multistore/internal/persist"
	"github.com/roach88/multistore/internal/registry"
	"github.com/roach88/multistore/internal/store"
)

// ErrNoReducers is returned when Config.Reducers is nil.
var ErrNoReducers = errors.New("facade: config has no reducer map")

// Guard publishes at most one Store.
type Guard struct {
	mu    sync.Mutex
	store *Store
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{}
}

var defaultGuard = NewGuard()

// Initialize builds the process-wide store. See Guard.Initialize.
func Initialize(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	return defaultGuard.Initialize(ctx, cfg, opts...)
}

// Default returns the process-wide store, or nil before Initialize.
func Default() *Store {
	return defaultGuard.Store()
}

// Store returns the published store, or nil.
func (g *Guard) Store() *Store {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store
}

// Initialize builds a store from cfg and publishes it.
//
// ctx bounds the store's background work (effects, persistence, router);
// cancelling it stops them, as does Store.Close.
//
// Any failure tears down what was started; the guard stays empty and
// Initialize may be called again.
func (g *Guard) Initialize(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.store != nil {
		return nil, registry.NewAlreadyInitializedError()
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	o := options{sessions: engine.UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&o)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s, err := build(ctx, cfg, o, logger)
	if err != nil {
		return nil, err
	}
	g.store = s
	return s, nil
}

func validate(cfg Config) error {
	if cfg.Reducers == nil {
		return ErrNoReducers
	}
	for key, r := range cfg.Reducers {
		if key == "" {
			return fmt.Errorf("facade: reducer names must not be empty")
		}
		if r == nil {
			return fmt.Errorf("facade: reducer %q is nil", key)
		}
	}
	if b := cfg.Router; b != nil {
		if b.Key == "" || b.Reducer == nil || b.Service == nil {
			return errors.New("facade: router binding needs a key, a reducer and a service")
		}
		if _, taken := cfg.Reducers[b.Key]; taken {
			return registry.NewConflictingNameError("router", b.Key)
		}
	}
	if cfg.LogLevel != "" {
		if _, err := observe.ParseLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("facade: %w", err)
		}
	}
	return nil
}

// build constructs and starts a store. On failure everything started so
// far is stopped.
func build(ctx context.Context, cfg Config, o options, logger *slog.Logger) (_ *Store, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	s := &Store{
		session: o.sessions.Generate(),
		logger:  logger,
		cancel:  cancel,
		ctx:     runCtx,
		metrics: o.metrics,
	}
	defer func() {
		if err != nil {
			s.shutdown(context.WithoutCancel(ctx))
		}
	}()

	s.effects = effects.NewController(cfg.Effects, logger)
	s.reducers = registry.NewReducers(cfg.Reducers)

	mws := engine.DefaultMiddleware(cfg.DefaultMiddleware)
	mws = append(mws, cfg.Middlewares...)
	mws = append(mws, s.effects.TaskMiddleware(), s.effects.StreamMiddleware())
	if cfg.LogLevel != "" {
		level, _ := observe.ParseLevel(cfg.LogLevel)
		mws = append(mws, observe.Logger(logger, level))
	}
	if o.metrics != nil {
		mws = append(mws, o.metrics.Middleware())
	}
	if o.tracingOn {
		mws = append(mws, observe.Tracing(o.tracing...))
	}
	if o.journal != nil {
		mws = append(mws, store.JournalMiddleware(o.journal, s.session, logger))
	}

	enhancers := append([]engine.Enhancer(nil), cfg.Enhancers...)
	if cfg.DevTools || o.monitor != nil {
		s.monitor = o.monitor
		if s.monitor == nil {
			s.monitor = devtools.NewMonitor(devtools.DefaultCapacity)
		}
		enhancers = append(enhancers, s.monitor.Enhancer())
	}

	engineOpts := []engine.Option{
		engine.WithMiddleware(mws...),
		engine.WithEnhancers(enhancers...),
		engine.WithLogger(logger),
	}
	if cfg.PreloadedState != nil {
		engineOpts = append(engineOpts, engine.WithPreloadedState(cfg.PreloadedState))
	}
	s.engine, err = engine.New(s.reducers.Combined(), append(engineOpts, o.engineOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("facade: build engine: %w", err)
	}
	s.reducers.Bind(s.engine)

	if err = s.effects.StartIfConfigured(runCtx); err != nil {
		return nil, fmt.Errorf("facade: start effects: %w", err)
	}
	s.effectsOn = true

	if cfg.Persistence {
		s.persistor = persist.NewPersistor(s.engine, logger)
		for key, r := range cfg.Reducers {
			if pr, ok := r.(*persist.Reducer); ok {
				s.persistor.Track(key, pr)
			}
		}
		if err = s.persistor.Start(runCtx); err != nil {
			return nil, fmt.Errorf("facade: start persistence: %w", err)
		}
	}

	if b := cfg.Router; b != nil {
		if err = s.reducers.Attach(b.Key, b.Reducer); err != nil {
			return nil, fmt.Errorf("facade: mount router: %w", err)
		}
		s.router = b
		if err = b.Service.Init(runCtx, s); err != nil {
			return nil, fmt.Errorf("facade: start router: %w", err)
		}
	}

	s.observeShape()
	return s, nil
}
