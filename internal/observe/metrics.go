package observe

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "multistore").
	Namespace string

	// ConstLabels are added to every metric, e.g. the store name.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for dispatch duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is where the metrics are registered.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics holds the store's Prometheus collectors.
//
// Metrics collected:
//   - multistore_actions_total: counter of committed actions by type
//   - multistore_action_duration_seconds: histogram of dispatch duration by type
//   - multistore_action_errors_total: counter of failed dispatches by type and code
//   - multistore_state_slices: gauge of top-level slices in the snapshot
type Metrics struct {
	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	actionErrors   *prometheus.CounterVec
	slices         prometheus.Gauge
}

// NewMetrics registers the collectors. Registering twice on the same
// registry panics, as with promauto.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := MetricsConfig{
		Namespace: "multistore",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		actionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "actions_total",
			Help:        "Total number of committed actions",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type"}),

		actionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "action_duration_seconds",
			Help:        "Time spent in middleware and reducers per action",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"type"}),

		actionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "action_errors_total",
			Help:        "Total number of failed dispatches",
			ConstLabels: cfg.ConstLabels,
		}, []string{"type", "code"}),

		slices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "state_slices",
			Help:        "Number of top-level slices in the current snapshot",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

// Middleware records every dispatch.
func (m *Metrics) Middleware() engine.Middleware {
	return func(api engine.MiddlewareAPI) func(next engine.DispatchFunc) engine.DispatchFunc {
		return func(next engine.DispatchFunc) engine.DispatchFunc {
			return func(action ir.Action) error {
				start := time.Now()
				err := next(action)
				m.actionDuration.WithLabelValues(action.Type).Observe(time.Since(start).Seconds())
				if err != nil {
					m.actionErrors.WithLabelValues(action.Type, errorCode(err)).Inc()
					return err
				}
				m.actionsTotal.WithLabelValues(action.Type).Inc()
				m.slices.Set(float64(len(api.State())))
				return nil
			}
		}
	}
}

// ObserveState updates the slice gauge. Stores call it after reshaping,
// since REPLACE does not pass through middleware.
func (m *Metrics) ObserveState(state ir.IRObject) {
	m.slices.Set(float64(len(state)))
}

func errorCode(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return string(ee.Code)
	}
	return "OTHER"
}
