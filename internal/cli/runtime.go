package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/multistore/internal/config"
	"github.com/roach88/multistore/internal/devtools"
	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/facade"
	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/kinds"
	"github.com/roach88/multistore/internal/observe"
	"github.com/roach88/multistore/internal/persist"
	"github.com/roach88/multistore/internal/store"
)

// backend is the storage a CLI store runs against: the SQLite journal (nil
// when no database is configured) and the persisted-slice storage.
type backend struct {
	journal *store.Store
	deps    kinds.PersistDeps
}

func openBackend(s config.Settings) (*backend, error) {
	b := &backend{deps: kinds.PersistDeps{Secret: os.Getenv(s.SecretEnv)}}
	if s.DB != "" {
		st, err := store.Open(s.DB)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		b.journal = st
	}

	switch s.Storage {
	case config.StorageSQLite:
		if b.journal == nil {
			return nil, fmt.Errorf("sqlite storage needs a database (--db)")
		}
		b.deps.Storage = b.journal
	case config.StorageS3:
		client := persist.NewS3Client(persist.S3Options{
			Region:          s.S3.Region,
			Endpoint:        s.S3.Endpoint,
			AccessKeyID:     s.S3.AccessKey,
			SecretAccessKey: s.S3.SecretKey,
			PathStyle:       s.S3.PathStyle,
		})
		b.deps.Storage = persist.NewS3Storage(client, s.S3.Bucket, s.S3.Prefix)
	default:
		b.deps.Storage = persist.NewMemoryStorage()
	}
	return b, nil
}

func (b *backend) Close() error {
	if b.journal == nil {
		return nil
	}
	return b.journal.Close()
}

// resumeSession picks the session a one-shot command continues: the
// explicit one, else the latest in the journal, else a new one.
func (b *backend) resumeSession(ctx context.Context, explicit string) (string, error) {
	if explicit != "" || b.journal == nil {
		return explicit, nil
	}
	return b.journal.LatestSession(ctx)
}

// instance is a started store plus what was built around it.
type instance struct {
	store    *facade.Store
	monitor  *devtools.Monitor
	registry *prometheus.Registry
}

// startOptions are the per-command knobs of startStore.
type startOptions struct {
	session string // empty generates a UUIDv7 session
	monitor bool
	journal bool
	// replay drops relay effects: the journal already holds the actions
	// they derived.
	replay bool
}

// startStore builds a store from def against b. Journaled sessions resume
// their seq numbering so replays keep commit order.
func startStore(ctx context.Context, def *ir.StoreDefinition, b *backend, s config.Settings, so startOptions, logger *slog.Logger) (*instance, error) {
	cfg, err := facade.FromDefinition(def, b.deps, nil, logger)
	if err != nil {
		return nil, err
	}
	if so.replay {
		cfg.Effects = nil
	}

	inst := &instance{}
	var opts []facade.Option
	if so.session != "" {
		opts = append(opts, facade.WithSessionGenerator(engine.NewFixedGenerator(so.session)))
	}
	if so.journal && b.journal != nil {
		opts = append(opts, facade.WithJournal(b.journal))
		if so.session != "" {
			last, err := b.journal.LastSeq(ctx, so.session)
			if err != nil {
				return nil, fmt.Errorf("read journal: %w", err)
			}
			opts = append(opts, facade.WithEngineOptions(engine.WithClock(engine.NewClockAt(last))))
		}
	}
	if s.Metrics && !so.replay {
		inst.registry = prometheus.NewRegistry()
		opts = append(opts, facade.WithMetrics(observe.NewMetrics(observe.WithRegistry(inst.registry))))
	}
	if s.Tracing && !so.replay {
		opts = append(opts, facade.WithTracing(observe.WithTracerName("multistore/cli")))
	}
	if so.monitor {
		inst.monitor = devtools.NewMonitor(devtools.DefaultCapacity)
		opts = append(opts, facade.WithMonitor(inst.monitor))
	}

	inst.store, err = facade.NewGuard().Initialize(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// settle waits until the store has not changed for quiet, so relay
// effects triggered by a one-shot dispatch land before the state is read.
func settle(ctx context.Context, st *facade.Store, quiet, limit time.Duration) {
	changed := make(chan struct{}, 1)
	unsubscribe := st.Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	for {
		select {
		case <-changed:
		case <-time.After(quiet):
			return
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// newLogger builds the process logger: settings.LogLevel wins, then
// --verbose selects debug.
func newLogger(s config.Settings, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if s.LogLevel != "" {
		if l, err := observe.ParseLevel(s.LogLevel); err == nil {
			level = l
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
