package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/multistore/internal/compiler"
	"github.com/roach88/multistore/internal/config"
	"github.com/roach88/multistore/internal/devtools"
	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/watch"
)

// shutdownTimeout bounds the final persistence flush on exit.
const shutdownTimeout = 5 * time.Second

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Start a store and keep it running",
		Long: `Start a store from a CUE definition and keep it running until
interrupted.

Committed actions are journaled to the SQLite database. With --devtools the
store serves its state, action log and metrics over HTTP, and with --watch
feature modules are attached and detached as files in the directory change.

Settings come from flags, MULTISTORE_* environment variables and
multistore.yaml, in that order of precedence.

Example:
  multistore run --db ./shop.db ./store.cue
  multistore run --devtools :7070 --watch ./modules ./store.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStore(rootOpts, args[0], cmd)
		},
	}

	f := cmd.Flags()
	addBackendFlags(f)
	f.String("devtools", "", "serve devtools on this address (e.g. :7070)")
	f.String("watch", "", "attach feature modules from this directory")
	f.String("log-level", "", "log level (debug|info|warn|error)")
	f.Bool("metrics", true, "collect Prometheus metrics")
	f.Bool("tracing", false, "emit an OpenTelemetry span per dispatch")
	return cmd
}

// addBackendFlags registers the settings shared by every command that
// opens a store.
func addBackendFlags(f *pflag.FlagSet) {
	d := config.Defaults()
	f.String("db", d.DB, "path to SQLite database")
	f.String("session", "", "journal session (default: new session)")
	f.String("storage", d.Storage, "storage for persisted slices (sqlite|s3|memory)")
	f.String("secret-env", d.SecretEnv, "environment variable holding the encryption secret")
	f.String("s3-bucket", "", "bucket for s3 storage")
	f.String("s3-prefix", d.S3.Prefix, "key prefix for s3 storage")
	f.String("s3-endpoint", "", "endpoint override for s3 storage")
}

// loadSettings reads settings for cmd, reporting failures as command
// errors.
func loadSettings(opts *RootOptions, cmd *cobra.Command) (config.Settings, error) {
	s, err := config.Load(opts.Config, cmd.Flags())
	if err != nil {
		formatter := newFormatter(opts, cmd)
		_ = formatter.Error(ErrCodeSettings, err.Error(), nil)
		return config.Settings{}, WrapExitError(ExitCommandError, "failed to load settings", err)
	}
	return s, nil
}

// loadValidDefinition loads path and refuses definitions with validation
// errors.
func loadValidDefinition(formatter *OutputFormatter, path string) (*ir.StoreDefinition, error) {
	loaded, err := LoadDefinition(path)
	if err != nil {
		return nil, outputLoadError(formatter, err)
	}
	def := loaded.Definition
	if verrs := compiler.Validate(def); len(verrs) > 0 {
		_ = formatter.Error(verrs[0].Code, verrs[0].Message, verrs)
		return nil, WrapExitError(ExitCommandError, "invalid definition", compiler.Join(verrs))
	}
	return def, nil
}

func runStore(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	settings, err := loadSettings(opts, cmd)
	if err != nil {
		return err
	}
	logger := newLogger(settings, opts.Verbose)

	def, err := loadValidDefinition(formatter, path)
	if err != nil {
		return err
	}
	for _, w := range compiler.AnalyzeCycles(def.Effects) {
		logger.Warn("effect cycle", "path", w.Path, "message", w.Message)
	}

	b, err := openBackend(settings)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := startStore(ctx, def, b, settings, startOptions{
		session: settings.Session,
		monitor: settings.DevTools != "",
		journal: true,
	}, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start store", err)
	}
	st := inst.store
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	if settings.Watch != "" {
		mods := watch.NewModules(settings.Watch, st,
			watch.WithLogger(logger),
			watch.WithPersistDeps(b.deps),
		)
		if err := mods.Start(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to watch modules", err)
		}
		defer mods.Stop()
	}

	logger.Info("store started",
		"store", def.Name,
		"session", st.Session(),
		"reducers", len(st.ReducerKeys()),
		"db", settings.DB,
	)
	fmt.Fprintf(formatter.Writer, "Store %q started (session %s).\n", def.Name, st.Session())
	fmt.Fprintln(formatter.Writer, "Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	if settings.DevTools != "" {
		var srvOpts []devtools.ServerOption
		srvOpts = append(srvOpts, devtools.WithServerLogger(logger))
		if inst.registry != nil {
			srvOpts = append(srvOpts, devtools.WithGatherer(inst.registry))
		}
		srv := devtools.NewServer(st, inst.monitor, srvOpts...)
		g.Go(func() error {
			err := srv.ListenAndServe(gctx, settings.DevTools)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "devtools server failed", err)
	}
	logger.Info("store stopped", "session", st.Session())
	return nil
}
