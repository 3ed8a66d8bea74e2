package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"kv", "actions"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
}

func TestOpen_MigratesVersionZeroDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("creating v0 schema failed: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
	var name string
	err = s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_actions_type'",
	).Scan(&name)
	if err != nil {
		t.Errorf("idx_actions_type missing after migration: %v", err)
	}
}

func TestKV_SetGetRemove(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetItem(ctx, "persist:auth"); err != nil || ok {
		t.Fatalf("GetItem(absent) = ok=%v err=%v, want ok=false", ok, err)
	}

	if err := s.SetItem(ctx, "persist:auth", `{"token":"a"}`); err != nil {
		t.Fatalf("SetItem() failed: %v", err)
	}
	if err := s.SetItem(ctx, "persist:auth", `{"token":"b"}`); err != nil {
		t.Fatalf("SetItem() overwrite failed: %v", err)
	}

	got, ok, err := s.GetItem(ctx, "persist:auth")
	if err != nil || !ok {
		t.Fatalf("GetItem() = ok=%v err=%v", ok, err)
	}
	if got != `{"token":"b"}` {
		t.Errorf("GetItem() = %q, want overwritten value", got)
	}

	keys, err := s.ItemKeys(ctx)
	if err != nil {
		t.Fatalf("ItemKeys() failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "persist:auth" {
		t.Errorf("ItemKeys() = %v", keys)
	}

	if err := s.RemoveItem(ctx, "persist:auth"); err != nil {
		t.Fatalf("RemoveItem() failed: %v", err)
	}
	if err := s.RemoveItem(ctx, "persist:auth"); err != nil {
		t.Fatalf("RemoveItem(absent) failed: %v", err)
	}
	if _, ok, _ := s.GetItem(ctx, "persist:auth"); ok {
		t.Error("item still present after RemoveItem")
	}
}

func TestJournal_AppendIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := ir.Action{Type: "counter/add", Payload: ir.IRObject{"by": ir.IRInt(2)}, Seq: 2}
	for i := 0; i < 3; i++ {
		if err := s.AppendAction(ctx, "s1", a); err != nil {
			t.Fatalf("AppendAction() failed: %v", err)
		}
	}

	entries, err := s.ReadActions(ctx, JournalFilter{Session: "s1"})
	if err != nil {
		t.Fatalf("ReadActions() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if !ir.Equal(entries[0].Action.Payload, a.Payload) || entries[0].Action.Seq != 2 {
		t.Errorf("entry = %+v", entries[0].Action)
	}
}

func TestJournal_RejectsInternalActions(t *testing.T) {
	s := createTestStore(t)
	if err := s.AppendAction(context.Background(), "s1", ir.Action{Type: engine.ActionInit, Seq: 1}); err == nil {
		t.Error("expected internal action to be rejected")
	}
}

func TestJournal_OrderAndFilters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	write := func(session, typ string, seq int64) {
		t.Helper()
		if err := s.AppendAction(ctx, session, ir.Action{Type: typ, Seq: seq}); err != nil {
			t.Fatalf("AppendAction() failed: %v", err)
		}
	}
	write("s1", "b", 3)
	write("s1", "a", 2)
	write("s2", "a", 2)
	write("s1", "a", 4)

	entries, err := s.ReadActions(ctx, JournalFilter{Session: "s1"})
	if err != nil {
		t.Fatalf("ReadActions() failed: %v", err)
	}
	var seqs []int64
	for _, e := range entries {
		seqs = append(seqs, e.Action.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 2 || seqs[1] != 3 || seqs[2] != 4 {
		t.Errorf("seqs = %v, want [2 3 4]", seqs)
	}

	typed, err := s.ReadActions(ctx, JournalFilter{Type: "a"})
	if err != nil {
		t.Fatalf("ReadActions(type) failed: %v", err)
	}
	if len(typed) != 3 {
		t.Errorf("got %d entries of type a, want 3", len(typed))
	}

	limited, err := s.ReadActions(ctx, JournalFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ReadActions(limit) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d entries, want 2", len(limited))
	}

	sessions, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0] != "s1" || sessions[1] != "s2" {
		t.Errorf("sessions = %v", sessions)
	}

	latest, err := s.LatestSession(ctx)
	if err != nil || latest != "s2" {
		t.Errorf("LatestSession() = %q, %v", latest, err)
	}

	last, err := s.LastSeq(ctx, "s1")
	if err != nil || last != 4 {
		t.Errorf("LastSeq() = %d, %v", last, err)
	}
}

func TestJournalMiddleware_ReplayRebuildsState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	counter := engine.ReducerFunc(func(state ir.IRValue, a ir.Action) ir.IRValue {
		n, _ := state.(ir.IRInt)
		switch a.Type {
		case "counter/add":
			by, _ := a.Field("by").(ir.IRInt)
			return n + by
		}
		if state == nil {
			return n
		}
		return state
	})
	root := engine.Combine(map[string]engine.Reducer{"counter": counter})

	live, err := engine.New(root, engine.WithMiddleware(JournalMiddleware(s, "s1", nil)))
	if err != nil {
		t.Fatalf("engine.New() failed: %v", err)
	}
	for _, by := range []int64{1, 2, 3} {
		if err := live.Dispatch(ir.NewAction("counter/add", ir.IRObject{"by": ir.IRInt(by)})); err != nil {
			t.Fatalf("Dispatch() failed: %v", err)
		}
	}
	live.Close()

	replayed, err := engine.New(root)
	if err != nil {
		t.Fatalf("engine.New() failed: %v", err)
	}
	defer replayed.Close()

	res, err := s.Replay(ctx, "s1", replayed.Dispatch)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	if res.Dispatched != 3 || res.LastSeq != 4 {
		t.Errorf("Replay() = %+v, want 3 dispatched, last seq 4", res)
	}

	wantHash, _ := ir.StateHash(live.State())
	gotHash, _ := ir.StateHash(replayed.State())
	if wantHash != gotHash {
		t.Errorf("replayed state %v != live state %v", replayed.State(), live.State())
	}
}

func TestReplay_StopsAtFirstError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for i, typ := range []string{"a", "b", "c"} {
		if err := s.AppendAction(ctx, "s1", ir.Action{Type: typ, Seq: int64(i + 1)}); err != nil {
			t.Fatalf("AppendAction() failed: %v", err)
		}
	}

	boom := errors.New("boom")
	res, err := s.Replay(ctx, "s1", func(a ir.Action) error {
		if a.Seq != 0 {
			t.Errorf("replayed action keeps seq %d", a.Seq)
		}
		if a.Type == "b" {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Replay() err = %v, want boom", err)
	}
	if res.Dispatched != 1 {
		t.Errorf("dispatched %d, want 1", res.Dispatched)
	}
}
