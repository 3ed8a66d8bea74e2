package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Session  string
	Type     string // optional - filter to one action type
	Limit    int
}

// TraceEvent is one journaled action in the timeline.
type TraceEvent struct {
	Seq     int64      `json:"seq"`
	ID      string     `json:"id"`
	Type    string     `json:"type"`
	Payload ir.IRValue `json:"payload,omitempty"`
}

// TypeCount is the number of journaled actions of one type.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Session  string       `json:"session"`
	Timeline []TraceEvent `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalActions int         `json:"total_actions"`
	FirstSeq     int64       `json:"first_seq"`
	LastSeq      int64       `json:"last_seq"`
	ByType       []TypeCount `json:"by_type"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the journaled actions of a session",
		Long: `Show the committed actions of a journaled session in seq order.

The output includes:
- Timeline: every committed action with its seq and payload
- Stats: action counts per type and the seq range

Examples:
  multistore trace --db ./shop.db
  multistore trace --db ./shop.db --session 0192... --type cart/push
  multistore trace --db ./shop.db --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session to trace (default: latest)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter to one action type")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "show at most this many actions (0 = all)")
	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Limit < 0 {
		_ = formatter.Error(ErrCodeGeneric, "limit must be non-negative", nil)
		return NewExitError(ExitCommandError, "limit must be non-negative")
	}

	st, err := openJournal(formatter, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	session := opts.Session
	if session == "" {
		session, err = st.LatestSession(ctx)
		if err != nil {
			_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to list sessions", err)
		}
	}

	result := TraceResult{Session: session, Timeline: []TraceEvent{}, Stats: TraceStats{ByType: []TypeCount{}}}
	if session != "" {
		entries, err := st.ReadActions(ctx, store.JournalFilter{Session: session, Type: opts.Type, Limit: opts.Limit})
		if err != nil {
			_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read journal", err)
		}
		result.Timeline = buildTimeline(entries)
		result.Stats = buildStats(result.Timeline)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	outputTraceText(formatter, result, opts.Verbose)
	return nil
}

func buildTimeline(entries []store.JournalEntry) []TraceEvent {
	timeline := make([]TraceEvent, 0, len(entries))
	for _, e := range entries {
		timeline = append(timeline, TraceEvent{
			Seq:     e.Action.Seq,
			ID:      e.ID,
			Type:    e.Action.Type,
			Payload: e.Action.Payload,
		})
	}
	return timeline
}

func buildStats(timeline []TraceEvent) TraceStats {
	stats := TraceStats{TotalActions: len(timeline), ByType: []TypeCount{}}
	if len(timeline) == 0 {
		return stats
	}
	stats.FirstSeq = timeline[0].Seq
	stats.LastSeq = timeline[len(timeline)-1].Seq

	counts := make(map[string]int)
	for _, ev := range timeline {
		counts[ev.Type]++
	}
	for t, n := range counts {
		stats.ByType = append(stats.ByType, TypeCount{Type: t, Count: n})
	}
	sort.Slice(stats.ByType, func(i, j int) bool {
		if stats.ByType[i].Count != stats.ByType[j].Count {
			return stats.ByType[i].Count > stats.ByType[j].Count
		}
		return stats.ByType[i].Type < stats.ByType[j].Type
	})
	return stats
}

func outputTraceText(formatter *OutputFormatter, result TraceResult, verbose bool) {
	w := formatter.Writer
	if result.Session == "" {
		fmt.Fprintln(w, "No sessions found in database.")
		return
	}
	if len(result.Timeline) == 0 {
		fmt.Fprintf(w, "No actions found for session: %s\n", result.Session)
		return
	}

	fmt.Fprintf(w, "Session: %s\n", result.Session)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Timeline:")
	for _, ev := range result.Timeline {
		payload := "null"
		if ev.Payload != nil {
			if b, err := ir.MarshalCanonical(ev.Payload); err == nil {
				payload = string(b)
			}
		}
		fmt.Fprintf(w, "  [%d] %s %s\n", ev.Seq, ev.Type, payload)
		if verbose {
			fmt.Fprintf(w, "       id: %s\n", ev.ID)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Stats: %d action(s), seq %d..%d\n", result.Stats.TotalActions, result.Stats.FirstSeq, result.Stats.LastSeq)
	for _, tc := range result.Stats.ByType {
		fmt.Fprintf(w, "  %-24s %d\n", tc.Type, tc.Count)
	}
}
