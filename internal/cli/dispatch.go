package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/multistore/internal/ir"
)

// Settling bounds for one-shot dispatch.
const (
	dispatchQuiet = 50 * time.Millisecond
	dispatchLimit = 5 * time.Second
)

// DispatchResult is the outcome of a one-shot dispatch.
type DispatchResult struct {
	Session string      `json:"session"`
	Action  ir.Action   `json:"action"`
	State   ir.IRObject `json:"state"`
	Hash    string      `json:"state_hash"`
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	var actionJSON string

	cmd := &cobra.Command{
		Use:   "dispatch <definition>",
		Short: "Dispatch one action and print the resulting state",
		Long: `Start the store, dispatch a single action, wait for relay effects
to settle and print the resulting state.

The action is journaled. Without --session the latest journaled session is
continued, so repeated dispatches build up one session that replay and
trace can read back.

Example:
  multistore dispatch --action '{"type":"clicks/increment"}' ./store.cue
  multistore dispatch --action '{"type":"cart/push","payload":{"item":"A1"}}' ./store.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(rootOpts, args[0], actionJSON, cmd)
		},
	}

	addBackendFlags(cmd.Flags())
	cmd.Flags().StringVar(&actionJSON, "action", "", `action as JSON, e.g. {"type":"clicks/increment"} (required)`)
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func runDispatch(opts *RootOptions, path, actionJSON string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	var action ir.Action
	if err := json.Unmarshal([]byte(actionJSON), &action); err != nil {
		_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("invalid action: %v", err), nil)
		return WrapExitError(ExitCommandError, "invalid action", err)
	}
	if action.Type == "" {
		_ = formatter.Error(ErrCodeGeneric, "action type is required", nil)
		return NewExitError(ExitCommandError, "action type is required")
	}

	settings, err := loadSettings(opts, cmd)
	if err != nil {
		return err
	}
	logger := newLogger(settings, opts.Verbose)

	def, err := loadValidDefinition(formatter, path)
	if err != nil {
		return err
	}

	b, err := openBackend(settings)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	defer b.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	session, err := b.resumeSession(ctx, settings.Session)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	inst, err := startStore(ctx, def, b, settings, startOptions{session: session, journal: true}, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start store", err)
	}
	st := inst.store

	dispatchErr := st.Dispatch(action)
	if dispatchErr == nil {
		settle(ctx, st, dispatchQuiet, dispatchLimit)
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := st.Close(closeCtx); err != nil {
		logger.Error("error closing store", "error", err)
	}
	if dispatchErr != nil {
		_ = formatter.Error(ErrCodeGeneric, dispatchErr.Error(), nil)
		return WrapExitError(ExitFailure, "dispatch failed", dispatchErr)
	}

	state := st.State()
	hash, err := ir.StateHash(state)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to hash state", err)
	}
	result := DispatchResult{Session: st.Session(), Action: action, State: state, Hash: hash}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	text, err := ir.MarshalCanonical(state)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to encode state", err)
	}
	fmt.Fprintf(formatter.Writer, "Dispatched %s (session %s)\n", action.Type, result.Session)
	fmt.Fprintf(formatter.Writer, "State: %s\n", text)
	fmt.Fprintf(formatter.Writer, "Hash:  %s\n", hash)
	return nil
}
