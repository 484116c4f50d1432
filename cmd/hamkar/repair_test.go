package main

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/hamkar/internal/db"
	"github.com/4xmen/hamkar/pkg/config"
)

// createChatDB builds a migrated database with two sessions. Session 1 has
// two messages but its summary still points at the first one. Session 2 has
// no messages but claims a latest message.
func createChatDB(t *testing.T, now time.Time) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "hamkar.db")
	database, err := db.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	defer database.Close()

	conn := database.GetConn()
	old := now.Add(-48 * time.Hour)
	stmts := []struct {
		query string
		args  []any
	}{
		{"INSERT INTO chat_sessions (id, user_low, user_high, created_at) VALUES (1, 1, 2, ?)", []any{old}},
		{"INSERT INTO chat_sessions (id, user_low, user_high, created_at, last_message_id) VALUES (2, 1, 3, ?, 99)", []any{old}},
		{"INSERT INTO messages (id, session_id, sender_id, content, created_at) VALUES (1, 1, 1, 'salam', ?)", []any{old}},
		{"INSERT INTO messages (id, session_id, sender_id, content, created_at) VALUES (2, 1, 2, 'hello there', ?)", []any{now.Add(-time.Hour)}},
		{"INSERT INTO attachments (message_id, position, file_name, original_name, mime_type, file_size) VALUES (2, 0, 'kept.pdf', 'cv.pdf', 'application/pdf', 2048)", nil},
		{"INSERT INTO message_reads (message_id, user_id, read_at) VALUES (1, 2, ?)", []any{now}},
		{"INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth) VALUES (1, 'https://push.example/a', 'k', 'a')", nil},
		{"INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, revoked_at) VALUES (2, 'https://push.example/b', 'k', 'a', ?)", []any{now}},
		{"UPDATE chat_sessions SET last_activity = ?, last_message_id = 1, last_message_content = 'salam', last_message_sender = 1, last_message_at = ? WHERE id = 1", []any{old, old}},
	}
	for _, s := range stmts {
		if _, err := conn.Exec(s.query, s.args...); err != nil {
			t.Fatalf("failed to seed %q: %v", s.query, err)
		}
	}

	return dbPath
}

func TestParseRepairArgs(t *testing.T) {
	cfg := &config.Config{DatabasePath: "default.db", FileStoragePath: "uploads"}

	opts, err := parseRepairArgs(cfg, []string{"--dry-run", "--database", "other.db", "--storage", "files"})
	if err != nil {
		t.Fatalf("parseRepairArgs returned error: %v", err)
	}
	if !opts.DryRun || opts.DatabasePath != "other.db" || opts.FileStoragePath != "files" {
		t.Fatalf("unexpected options: %+v", opts)
	}

	bad := [][]string{
		{"--database"},
		{"--database", " "},
		{"--storage"},
		{"--force"},
	}
	for _, args := range bad {
		if _, err := parseRepairArgs(cfg, args); err == nil {
			t.Fatalf("parseRepairArgs(%v) expected error", args)
		}
	}
}

func TestRunRepairRejectsUnknownTarget(t *testing.T) {
	cfg := &config.Config{DatabasePath: "x.db"}
	var out bytes.Buffer

	if err := runRepair(cfg, &out, nil); err == nil {
		t.Fatalf("expected error for missing target")
	}
	if err := runRepair(cfg, &out, []string{"everything"}); err == nil {
		t.Fatalf("expected error for unknown target")
	}
}

func TestSessionSummaryRepairDryRunLeavesDataUntouched(t *testing.T) {
	dbPath := createChatDB(t, time.Now().UTC())

	var out bytes.Buffer
	if err := runSessionSummaryRepair(&out, repairOptions{DatabasePath: dbPath, DryRun: true}); err != nil {
		t.Fatalf("dry-run failed: %v", err)
	}
	if !strings.Contains(out.String(), "Would repair 2 of 2 session summaries") {
		t.Fatalf("unexpected dry-run output: %s", out.String())
	}

	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer dbConn.Close()

	var lastID int64
	if err := dbConn.QueryRow("SELECT last_message_id FROM chat_sessions WHERE id = 1").Scan(&lastID); err != nil {
		t.Fatalf("failed to read summary: %v", err)
	}
	if lastID != 1 {
		t.Fatalf("dry-run changed last_message_id to %d", lastID)
	}
}

func TestSessionSummaryRepair(t *testing.T) {
	dbPath := createChatDB(t, time.Now().UTC())

	var out bytes.Buffer
	if err := runSessionSummaryRepair(&out, repairOptions{DatabasePath: dbPath}); err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if !strings.Contains(out.String(), "Repaired 2 of 2 session summaries") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer dbConn.Close()

	var lastID, sender sql.NullInt64
	var content sql.NullString
	var activity sql.NullTime
	err = dbConn.QueryRow(`
		SELECT last_message_id, last_message_content, last_message_sender, last_activity
		FROM chat_sessions WHERE id = 1
	`).Scan(&lastID, &content, &sender, &activity)
	if err != nil {
		t.Fatalf("failed to read summary: %v", err)
	}
	if lastID.Int64 != 2 || content.String != "hello there" || sender.Int64 != 2 || !activity.Valid {
		t.Fatalf("summary not repaired: id=%v content=%v sender=%v activity=%v", lastID, content, sender, activity)
	}

	if err := dbConn.QueryRow("SELECT last_message_id FROM chat_sessions WHERE id = 2").Scan(&lastID); err != nil {
		t.Fatalf("failed to read summary: %v", err)
	}
	if lastID.Valid {
		t.Fatalf("expected empty session summary to be cleared, got %d", lastID.Int64)
	}

	out.Reset()
	if err := runSessionSummaryRepair(&out, repairOptions{DatabasePath: dbPath}); err != nil {
		t.Fatalf("second repair failed: %v", err)
	}
	if !strings.Contains(out.String(), "Repaired 0 of 2 session summaries") {
		t.Fatalf("repair is not idempotent: %s", out.String())
	}
}

func TestSessionSummaryRepairMissingDatabase(t *testing.T) {
	var out bytes.Buffer
	err := runSessionSummaryRepair(&out, repairOptions{DatabasePath: filepath.Join(t.TempDir(), "missing.db")})
	if err == nil {
		t.Fatalf("expected error for missing database")
	}
}

func TestOrphanFileRepair(t *testing.T) {
	dbPath := createChatDB(t, time.Now().UTC())
	storageDir := t.TempDir()

	for _, name := range []string{"kept.pdf", "orphan.png"} {
		if err := os.WriteFile(filepath.Join(storageDir, name), []byte("data"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	opts := repairOptions{DatabasePath: dbPath, FileStoragePath: storageDir, DryRun: true}

	var out bytes.Buffer
	if err := runOrphanFileRepair(&out, opts); err != nil {
		t.Fatalf("dry-run failed: %v", err)
	}
	if !strings.Contains(out.String(), "Would remove 1 orphan files") || !strings.Contains(out.String(), "orphan.png") {
		t.Fatalf("unexpected dry-run output: %s", out.String())
	}
	if _, err := os.Stat(filepath.Join(storageDir, "orphan.png")); err != nil {
		t.Fatalf("dry-run removed a file: %v", err)
	}

	opts.DryRun = false
	out.Reset()
	if err := runOrphanFileRepair(&out, opts); err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(storageDir, "orphan.png")); !os.IsNotExist(err) {
		t.Fatalf("expected orphan.png to be removed, stat err: %v", err)
	}
	if _, err := os.Stat(filepath.Join(storageDir, "kept.pdf")); err != nil {
		t.Fatalf("referenced file was removed: %v", err)
	}
}
