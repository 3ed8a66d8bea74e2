package store

import (
	"context"
	"fmt"

	"github.com/roach88/multistore/internal/ir"
)

// ReplayResult summarizes a replay.
type ReplayResult struct {
	Session    string
	Dispatched int
	LastSeq    int64 // seq of the last journaled action, as originally stamped
}

// Replay re-dispatches every journaled action of session in seq order.
//
// dispatch receives the action with Seq cleared; the receiving engine
// stamps its own. Replay stops at the first dispatch error.
func (s *Store) Replay(ctx context.Context, session string, dispatch func(ir.Action) error) (ReplayResult, error) {
	res := ReplayResult{Session: session}

	entries, err := s.ReadActions(ctx, JournalFilter{Session: session})
	if err != nil {
		return res, fmt.Errorf("replay %s: %w", session, err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		action := e.Action
		res.LastSeq = action.Seq
		action.Seq = 0
		if err := dispatch(action); err != nil {
			return res, fmt.Errorf("replay %s: action %s (seq=%d): %w", session, e.Action.Type, e.Action.Seq, err)
		}
		res.Dispatched++
	}
	return res, nil
}

// LatestSession returns the most recently started journaled session, or ""
// when the journal is empty.
func (s *Store) LatestSession(ctx context.Context) (string, error) {
	sessions, err := s.Sessions(ctx)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", nil
	}
	return sessions[len(sessions)-1], nil
}
