// Package observe provides the diagnostic middleware of a store: action
// logging, Prometheus metrics and OpenTelemetry tracing.
//
// Every middleware here calls next first and inspects the committed state
// afterwards, so a record always describes a finished reduction.
package observe

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

// ParseLevel maps a log_level setting to a slog level. Accepted values are
// debug, info, warn and error, case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", s)
}

// Logger returns middleware that logs every action at level. Failed
// dispatches are logged at error level regardless of level.
//
// Each record carries the action type, its seq, the time spent in the rest
// of the chain and the top-level keys whose slice changed.
func Logger(logger *slog.Logger, level slog.Level) engine.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(api engine.MiddlewareAPI) func(next engine.DispatchFunc) engine.DispatchFunc {
		return func(next engine.DispatchFunc) engine.DispatchFunc {
			return func(action ir.Action) error {
				ctx := context.Background()
				if !logger.Enabled(ctx, level) {
					return next(action)
				}

				prev := api.State()
				start := time.Now()
				err := next(action)
				elapsed := time.Since(start)

				if err != nil {
					logger.Error("action failed",
						"action", action.Type,
						"seq", action.Seq,
						"duration", elapsed,
						"error", err,
					)
					return err
				}
				logger.Log(ctx, level, "action",
					"action", action.Type,
					"seq", action.Seq,
					"duration", elapsed,
					"changed", ChangedKeys(prev, api.State()),
				)
				return nil
			}
		}
	}
}

// ChangedKeys returns the sorted top-level keys whose values are not
// Identical between prev and next, including added and removed keys.
func ChangedKeys(prev, next ir.IRObject) []string {
	if ir.Identical(prev, next) {
		return nil
	}
	seen := make(map[string]bool, len(next))
	var out []string
	for _, k := range next.SortedKeys() {
		seen[k] = true
		if old, ok := prev[k]; !ok || !ir.Identical(old, next[k]) {
			out = append(out, k)
		}
	}
	for k := range prev {
		if !seen[k] {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}
