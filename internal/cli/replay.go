package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/multistore/internal/config"
	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/kinds"
	"github.com/roach88/multistore/internal/persist"
	"github.com/roach88/multistore/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Session  string // empty replays the latest session
	All      bool
}

// ReplaySessionResult holds the replay result for a single session.
type ReplaySessionResult struct {
	Session       string      `json:"session"`
	Actions       int         `json:"actions"`
	LastSeq       int64       `json:"last_seq"`
	StateHash     string      `json:"state_hash"`
	State         ir.IRObject `json:"state,omitempty"`
	Deterministic bool        `json:"deterministic"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Store            string                `json:"store"`
	Sessions         []ReplaySessionResult `json:"sessions"`
	TotalSessions    int                   `json:"total_sessions"`
	AllDeterministic bool                  `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <definition>",
		Short: "Rebuild state from the journal and verify determinism",
		Long: `Rebuild a session's state from the journal and verify that doing so
is deterministic.

Each session is replayed twice into a fresh store with relay effects
disabled (the journal already holds the actions they derived) and
in-memory storage. The two state hashes must match.

Exit codes:
  0 - All sessions replay deterministically
  1 - Replays disagree
  2 - Command error (database not found, broken definition, etc.)

Examples:
  multistore replay --db ./shop.db ./store.cue
  multistore replay --db ./shop.db --session 0192... ./store.cue
  multistore replay --db ./shop.db --all --format json ./store.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "replay this session (default: latest)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "replay every journaled session")
	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	def, err := loadValidDefinition(formatter, path)
	if err != nil {
		return err
	}

	st, err := openJournal(formatter, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	var sessions []string
	switch {
	case opts.Session != "":
		sessions = []string{opts.Session}
	case opts.All:
		sessions, err = st.Sessions(ctx)
	default:
		var latest string
		latest, err = st.LatestSession(ctx)
		if latest != "" {
			sessions = []string{latest}
		}
	}
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list sessions", err)
	}

	result := ReplayResult{
		Store:            def.Name,
		Sessions:         make([]ReplaySessionResult, 0, len(sessions)),
		TotalSessions:    len(sessions),
		AllDeterministic: true,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Verbose {
		logger = slog.New(slog.NewTextHandler(formatter.GetErrWriter(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	for _, session := range sessions {
		sr, err := verifySession(ctx, st, def, session, logger)
		if err != nil {
			_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay session %s", session), err)
		}
		if !opts.Verbose {
			sr.State = nil
		}
		result.Sessions = append(result.Sessions, sr)
		if !sr.Deterministic {
			result.AllDeterministic = false
		}
	}

	if formatter.JSON() {
		return outputReplayJSON(formatter, result)
	}
	return outputReplayText(formatter, result, opts.Verbose)
}

// openJournal opens an existing journal database read for replay or trace.
func openJournal(formatter *OutputFormatter, path string) (*store.Store, error) {
	st, err := store.Open(path)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// verifySession replays session twice and compares the resulting hashes.
func verifySession(ctx context.Context, st *store.Store, def *ir.StoreDefinition, session string, logger *slog.Logger) (ReplaySessionResult, error) {
	first, res, err := replayOnce(ctx, st, def, session, logger)
	if err != nil {
		return ReplaySessionResult{}, fmt.Errorf("first replay failed: %w", err)
	}
	second, _, err := replayOnce(ctx, st, def, session, logger)
	if err != nil {
		return ReplaySessionResult{}, fmt.Errorf("second replay failed: %w", err)
	}

	h1, err := ir.StateHash(first)
	if err != nil {
		return ReplaySessionResult{}, err
	}
	h2, err := ir.StateHash(second)
	if err != nil {
		return ReplaySessionResult{}, err
	}
	return ReplaySessionResult{
		Session:       session,
		Actions:       res.Dispatched,
		LastSeq:       res.LastSeq,
		StateHash:     h1,
		State:         first,
		Deterministic: h1 == h2,
	}, nil
}

// replayOnce rebuilds session in a fresh, unjournaled store.
func replayOnce(ctx context.Context, st *store.Store, def *ir.StoreDefinition, session string, logger *slog.Logger) (ir.IRObject, store.ReplayResult, error) {
	b := &backend{deps: kinds.PersistDeps{Storage: persist.NewMemoryStorage()}}
	s := config.Defaults()
	inst, err := startStore(ctx, def, b, s, startOptions{session: session, replay: true}, logger)
	if err != nil {
		return nil, store.ReplayResult{}, err
	}
	res, err := st.Replay(ctx, session, inst.store.Dispatch)
	state := inst.store.State()
	if cerr := inst.store.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return state, res, err
}

func outputReplayJSON(formatter *OutputFormatter, result ReplayResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if !result.AllDeterministic {
		response.Status = "error"
		response.Error = &CLIError{Code: "E_DETERMINISM", Message: "determinism verification failed"}
	}
	if err := formatter.Encode(response); err != nil {
		return err
	}
	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

func outputReplayText(formatter *OutputFormatter, result ReplayResult, verbose bool) error {
	w := formatter.Writer

	if result.TotalSessions == 0 {
		fmt.Fprintln(w, "No sessions found in database.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: store %q, %d session(s)\n", result.Store, result.TotalSessions)
	fmt.Fprintln(w)

	for _, s := range result.Sessions {
		status := "✓"
		if !s.Deterministic {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Session: %s\n", status, s.Session)
		fmt.Fprintf(w, "  Actions: %d (last seq %d)\n", s.Actions, s.LastSeq)
		fmt.Fprintf(w, "  State hash: %s\n", s.StateHash)
		if verbose && s.State != nil {
			text, err := ir.MarshalCanonical(s.State)
			if err == nil {
				fmt.Fprintf(w, "  State: %s\n", text)
			}
		}
		if !s.Deterministic {
			fmt.Fprintln(w, "  Warning: Non-deterministic replay detected!")
		}
		fmt.Fprintln(w)
	}

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All sessions verified deterministic")
		return nil
	}
	fmt.Fprintln(w, "✗ Determinism verification failed")
	return NewExitError(ExitFailure, "determinism verification failed")
}
