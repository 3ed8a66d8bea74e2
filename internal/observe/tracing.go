package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

const defaultTracerName = "multistore"

// TracingConfig configures the tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "multistore").
	TracerName string

	// Provider supplies the tracer. Default: the global provider.
	Provider trace.TracerProvider

	// Context is the parent of every span. Default: context.Background().
	Context context.Context

	// Attributes are added to every span, e.g. the session ID.
	Attributes []attribute.KeyValue
}

// TracingOption configures Tracing.
type TracingOption func(*TracingConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(c *TracingConfig) {
		c.Provider = tp
	}
}

// WithParentContext sets the context spans are started from.
func WithParentContext(ctx context.Context) TracingOption {
	return func(c *TracingConfig) {
		c.Context = ctx
	}
}

// WithAttributes adds attributes to every span.
func WithAttributes(attrs ...attribute.KeyValue) TracingOption {
	return func(c *TracingConfig) {
		c.Attributes = append(c.Attributes, attrs...)
	}
}

// Tracing returns middleware that wraps every dispatch in a span named
// after the action type. Failed dispatches record the error and set the
// span status.
//
// The tracer comes from the global provider unless one is given. Configure
// it in main() before initializing the store.
func Tracing(opts ...TracingOption) engine.Middleware {
	cfg := TracingConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Provider == nil {
		cfg.Provider = otel.GetTracerProvider()
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	tracer := cfg.Provider.Tracer(cfg.TracerName)

	return func(api engine.MiddlewareAPI) func(next engine.DispatchFunc) engine.DispatchFunc {
		return func(next engine.DispatchFunc) engine.DispatchFunc {
			return func(action ir.Action) error {
				attrs := append([]attribute.KeyValue{
					attribute.String("multistore.action_type", action.Type),
					attribute.Int64("multistore.seq", action.Seq),
				}, cfg.Attributes...)

				_, span := tracer.Start(cfg.Context, "dispatch "+action.Type,
					trace.WithSpanKind(trace.SpanKindInternal),
					trace.WithAttributes(attrs...),
				)
				defer span.End()

				prev := api.State()
				if err := next(action); err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
					return err
				}
				span.SetAttributes(attribute.StringSlice("multistore.changed", ChangedKeys(prev, api.State())))
				span.SetStatus(codes.Ok, "")
				return nil
			}
		}
	}
}
