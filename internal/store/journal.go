package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

// JournalEntry is one committed action as recorded in the journal.
type JournalEntry struct {
	ID      string
	Session string
	Action  ir.Action
}

// JournalFilter narrows ReadActions. Zero fields match everything.
type JournalFilter struct {
	Session string
	Type    string
	Limit   int
}

// AppendAction records a committed action for session.
// Uses ON CONFLICT DO NOTHING for idempotency: the ID is content-addressed
// and (session, seq) is unique, so a retried append is silently ignored.
func (s *Store) AppendAction(ctx context.Context, session string, action ir.Action) error {
	if action.IsInternal() {
		return fmt.Errorf("append action: internal action %q is never journaled", action.Type)
	}
	id, err := ir.ActionID(session, action)
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	payload, err := marshalPayload(action.Payload)
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (id, session, seq, type, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, id, session, action.Seq, action.Type, payload)
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

// ReadActions returns journal entries ordered by seq ASC, id ASC.
func (s *Store) ReadActions(ctx context.Context, filter JournalFilter) ([]JournalEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Session != "" {
		where = append(where, "session = ?")
		args = append(args, filter.Session)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}

	query := `SELECT id, session, seq, type, payload FROM actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC, id COLLATE BINARY ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read actions: %w", err)
	}
	defer rows.Close()

	entries := []JournalEntry{}
	for rows.Next() {
		var (
			e       JournalEntry
			payload string
		)
		if err := rows.Scan(&e.ID, &e.Session, &e.Action.Seq, &e.Action.Type, &payload); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if e.Action.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, fmt.Errorf("action %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return entries, nil
}

// Sessions lists journaled sessions in order of their first action.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session FROM actions
		GROUP BY session
		ORDER BY MIN(rowid) ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []string{}
	for rows.Next() {
		var session string
		if err := rows.Scan(&session); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// LastSeq returns the highest journaled seq for session, or 0.
func (s *Store) LastSeq(ctx context.Context, session string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM actions WHERE session = ?
	`, session).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// JournalMiddleware appends every committed action to st under session.
// It runs after the rest of the chain, so only actions that reduced
// successfully are recorded. Append failures are logged; the dispatch
// itself has already committed.
func JournalMiddleware(st *Store, session string, logger *slog.Logger) engine.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(api engine.MiddlewareAPI) func(next engine.DispatchFunc) engine.DispatchFunc {
		return func(next engine.DispatchFunc) engine.DispatchFunc {
			return func(action ir.Action) error {
				if err := next(action); err != nil {
					return err
				}
				if err := st.AppendAction(context.Background(), session, action); err != nil {
					logger.Error("journal append failed",
						"action", action.Type,
						"seq", action.Seq,
						"error", err,
					)
				}
				return nil
			}
		}
	}
}
