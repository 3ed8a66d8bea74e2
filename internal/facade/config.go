package facade

import (
	"log/slog"

	"github.com/roach88/multistore/internal/devtools"
	"github.com/roach88/multistore/internal/effects"
	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/observe"
	"github.com/roach88/multistore/internal/router"
	"github.com/roach88/multistore/internal/store"
)

// Config describes a store. It is read once by Initialize.
type Config struct {
	// Reducers are the static slices. Required; may be empty but not nil.
	Reducers map[string]engine.Reducer

	// Middlewares run after the base middleware, in order.
	Middlewares []engine.Middleware

	// DevTools installs a devtools.Monitor.
	DevTools bool

	// PreloadedState seeds slices before the initial reduction.
	PreloadedState ir.IRObject

	// Enhancers are applied to the engine in order.
	Enhancers []engine.Enhancer

	// DefaultMiddleware toggles the base checks. Nil enables all of them.
	DefaultMiddleware *engine.DefaultMiddlewareOptions

	// Effects selects the effect runners. Nil runs none.
	Effects *effects.Options

	// Persistence tracks every persist.Reducer slice: static ones are
	// rehydrated at start, attached ones when they are attached.
	Persistence bool

	// Router mounts the router slice and starts its service.
	Router *router.Binding

	// LogLevel enables the diagnostic-log middleware at debug, info, warn
	// or error. Empty disables it.
	LogLevel string

	// Logger is used by every component. Default: slog.Default().
	Logger *slog.Logger
}

// Option configures Initialize beyond Config.
type Option func(*options)

type options struct {
	sessions   engine.SessionGenerator
	journal    *store.Store
	metrics    *observe.Metrics
	tracing    []observe.TracingOption
	tracingOn  bool
	monitor    *devtools.Monitor
	engineOpts []engine.Option
}

// WithJournal appends every committed action to st under the store's
// session.
func WithJournal(st *store.Store) Option {
	return func(o *options) {
		o.journal = st
	}
}

// WithSessionGenerator sets how the session token is produced. Default:
// engine.UUIDv7Generator.
func WithSessionGenerator(g engine.SessionGenerator) Option {
	return func(o *options) {
		o.sessions = g
	}
}

// WithMetrics records dispatch metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracing wraps every dispatch in a span.
func WithTracing(opts ...observe.TracingOption) Option {
	return func(o *options) {
		o.tracingOn = true
		o.tracing = append(o.tracing, opts...)
	}
}

// WithMonitor uses m as the devtools monitor instead of creating one. It
// implies Config.DevTools.
func WithMonitor(m *devtools.Monitor) Option {
	return func(o *options) {
		o.monitor = m
	}
}

// WithEngineOptions passes extra options to engine.New, e.g. a clock.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}
