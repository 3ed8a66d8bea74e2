package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

var errRejected = errors.New("rejected")

func counter() engine.Reducer {
	return engine.ReducerFunc(func(state ir.IRValue, a ir.Action) ir.IRValue {
		n, _ := state.(ir.IRInt)
		switch {
		case a.Type == "counter/increment":
			return n + 1
		case state == nil:
			return n
		}
		return state
	})
}

// reject fails every "bad" action before it reaches the reducer.
func reject(api engine.MiddlewareAPI) func(next engine.DispatchFunc) engine.DispatchFunc {
	return func(next engine.DispatchFunc) engine.DispatchFunc {
		return func(a ir.Action) error {
			if a.Type == "bad" {
				return errRejected
			}
			return next(a)
		}
	}
}

func newEngine(t *testing.T, mws ...engine.Middleware) *engine.Engine {
	t.Helper()
	e, err := engine.New(
		engine.Combine(map[string]engine.Reducer{"counter": counter(), "other": counter()}),
		engine.WithMiddleware(append(mws, reject)...),
		engine.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestChangedKeys(t *testing.T) {
	shared := ir.IRObject{"x": ir.IRInt(1)}
	prev := ir.IRObject{"a": shared, "b": ir.IRInt(1), "gone": ir.IRInt(1)}
	next := ir.IRObject{"a": shared, "b": ir.IRInt(2), "new": ir.IRInt(1)}

	assert.Equal(t, []string{"b", "gone", "new"}, ChangedKeys(prev, next))
	assert.Nil(t, ChangedKeys(prev, prev))
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	e := newEngine(t, Logger(logger, slog.LevelInfo))

	require.NoError(t, e.Dispatch(ir.Act("counter/increment")))
	out := buf.String()
	assert.Contains(t, out, "action=counter/increment")
	assert.Contains(t, out, "changed=[counter]")
	assert.Contains(t, out, "seq=")

	buf.Reset()
	require.ErrorIs(t, e.Dispatch(ir.Act("bad")), errRejected)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "action failed")
}

func TestLogger_BelowThresholdIsSilent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	e := newEngine(t, Logger(logger, slog.LevelDebug))

	require.NoError(t, e.Dispatch(ir.Act("counter/increment")))
	assert.Empty(t, buf.String())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg), WithConstLabels(prometheus.Labels{"store": "test"}))
	e := newEngine(t, m.Middleware())

	require.NoError(t, e.Dispatch(ir.Act("counter/increment")))
	require.NoError(t, e.Dispatch(ir.Act("counter/increment")))
	require.Error(t, e.Dispatch(ir.Act("bad")))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.actionsTotal.WithLabelValues("counter/increment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actionErrors.WithLabelValues("bad", "OTHER")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.slices))

	m.ObserveState(ir.IRObject{"only": ir.IRInt(0)})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.slices))

	n, err := testutil.GatherAndCount(reg, "multistore_action_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per action type")
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "ENGINE_CLOSED", errorCode(engine.NewClosedError("x")))
	assert.Equal(t, "OTHER", errorCode(errRejected))
}

// recorder is a TracerProvider that keeps every span it starts.
type recorder struct {
	embedded.TracerProvider
	mu    sync.Mutex
	spans []*recSpan
}

func (r *recorder) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return &recTracer{r: r}
}

type recTracer struct {
	embedded.Tracer
	r *recorder
}

func (t *recTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	s := &recSpan{name: name, attrs: cfg.Attributes()}
	t.r.mu.Lock()
	t.r.spans = append(t.r.spans, s)
	t.r.mu.Unlock()
	return trace.ContextWithSpan(ctx, s), s
}

type recSpan struct {
	noop.Span
	name   string
	attrs  []attribute.KeyValue
	status codes.Code
	errs   []error
	ended  bool
}

func (s *recSpan) End(...trace.SpanEndOption)                   { s.ended = true }
func (s *recSpan) SetStatus(c codes.Code, _ string)             { s.status = c }
func (s *recSpan) RecordError(err error, _ ...trace.EventOption) { s.errs = append(s.errs, err) }
func (s *recSpan) SetAttributes(kv ...attribute.KeyValue)       { s.attrs = append(s.attrs, kv...) }

func (s *recSpan) attr(key string) (attribute.Value, bool) {
	for _, kv := range s.attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracing(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, Tracing(
		WithTracerProvider(rec),
		WithAttributes(attribute.String("multistore.session", "s1")),
	))

	require.NoError(t, e.Dispatch(ir.Act("counter/increment")))
	require.Error(t, e.Dispatch(ir.Act("bad")))

	require.Len(t, rec.spans, 2)
	ok := rec.spans[0]
	assert.Equal(t, "dispatch counter/increment", ok.name)
	assert.True(t, ok.ended)
	assert.Equal(t, codes.Ok, ok.status)
	v, found := ok.attr("multistore.session")
	require.True(t, found)
	assert.Equal(t, "s1", v.AsString())
	v, found = ok.attr("multistore.changed")
	require.True(t, found)
	assert.Equal(t, []string{"counter"}, v.AsStringSlice())

	failed := rec.spans[1]
	assert.Equal(t, codes.Error, failed.status)
	assert.Equal(t, []error{errRejected}, failed.errs)
	assert.True(t, failed.ended)
}

func TestTracing_GlobalProviderDefault(t *testing.T) {
	e := newEngine(t, Tracing())
	require.NoError(t, e.Dispatch(ir.Act("counter/increment")))
	assert.Equal(t, ir.IRInt(1), e.State()["counter"])
}
