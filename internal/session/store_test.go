package session

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wemp/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("second run should be a no-op: %v", err)
	}
	v, err := GetSchemaVersion(db)
	if err != nil || v != schemaVersion {
		t.Fatalf("expected schema version %d, got %d (%v)", schemaVersion, v, err)
	}

	for _, table := range []string{"sessions", "messages", "last_routes", "schema_version"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestRunMigrations_ColumnAlreadyPresent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// A database where v1 ran and the model column was added by hand.
	if _, err := db.Exec(migrations[0].SQL); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`ALTER TABLE messages ADD COLUMN model TEXT DEFAULT ''`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE schema_version (version INTEGER PRIMARY KEY, description TEXT, applied_at DATETIME DEFAULT CURRENT_TIMESTAMP);
		INSERT INTO schema_version (version, description) VALUES (1, 'base')`); err != nil {
		t.Fatal(err)
	}

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	if v, _ := GetSchemaVersion(db); v != schemaVersion {
		t.Fatalf("expected version %d after upgrade, got %d", schemaVersion, v)
	}
}

func TestSQLiteStore_History(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "wemp:main:acct:o1"

	for i, content := range []string{"one", "two", "three"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.AddMessage(ctx, key, domain.MessageRecord{Role: role, Content: content, Model: "gpt-4o-mini"}); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}
	if err := s.AddMessage(ctx, "wemp:main:acct:other", domain.MessageRecord{Role: "user", Content: "x"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetMessages(ctx, key, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("expected last two messages oldest first, got %+v", msgs)
	}
	if msgs[1].Model != "gpt-4o-mini" {
		t.Errorf("model not persisted: %q", msgs[1].Model)
	}

	if err := s.ClearSession(ctx, key); err != nil {
		t.Fatal(err)
	}
	msgs, _ = s.GetMessages(ctx, key, 10)
	if len(msgs) != 0 {
		t.Fatalf("expected empty history after clear, got %d", len(msgs))
	}
	other, _ := s.GetMessages(ctx, "wemp:main:acct:other", 10)
	if len(other) != 1 {
		t.Fatal("clearing one session must not touch another")
	}
}

func TestSQLiteStore_RecordInboundAndRoutes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	meta := domain.SessionMeta{SessionKey: "wemp:main:acct:o1", AgentID: "main", AccountID: "acct", OpenID: "o1", Body: "hi", At: first}
	if err := s.RecordInbound(ctx, meta); err != nil {
		t.Fatal(err)
	}
	meta.At = first.Add(time.Minute)
	meta.Body = "again"
	if err := s.RecordInbound(ctx, meta); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMessage(ctx, meta.SessionKey, domain.MessageRecord{Role: "user", Content: "again"}); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions(ctx, "acct", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].MessageCount != 1 || !sessions[0].LastInboundAt.Equal(meta.At) {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if all, _ := s.ListSessions(ctx, "", 10); len(all) != 1 {
		t.Fatalf("expected 1 session across accounts, got %d", len(all))
	}
	if none, _ := s.ListSessions(ctx, "other", 10); len(none) != 0 {
		t.Fatalf("expected no sessions for other account, got %d", len(none))
	}

	if _, ok, err := s.LastRoute(ctx, "wemp:acct:o1"); err != nil || ok {
		t.Fatalf("expected no route yet, ok=%v err=%v", ok, err)
	}
	target := domain.RouteTarget{Channel: "wemp", AccountID: "acct", To: "o1"}
	if err := s.UpdateLastRoute(ctx, "wemp:acct:o1", target); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LastRoute(ctx, "wemp:acct:o1")
	if err != nil || !ok || got != target {
		t.Fatalf("unexpected route %+v ok=%v err=%v", got, ok, err)
	}
}
