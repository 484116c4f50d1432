package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/hamkar/internal/models"
	"github.com/4xmen/hamkar/internal/storage"
	"github.com/4xmen/hamkar/pkg/config"
)

type repairOptions struct {
	DatabasePath    string
	FileStoragePath string
	DryRun          bool
}

// sessionSummary is the denormalized latest-message snapshot kept on
// chat_sessions.
type sessionSummary struct {
	SessionID int64
	MessageID sql.NullInt64
	Content   sql.NullString
	SenderID  sql.NullInt64
	At        sql.NullTime
}

type sqliteQueryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func runRepair(cfg *config.Config, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing repair target (supported: session-summaries, orphan-files)")
	}

	opts, err := parseRepairArgs(cfg, args[1:])
	if err != nil {
		return err
	}

	switch args[0] {
	case "session-summaries":
		return runSessionSummaryRepair(out, opts)
	case "orphan-files":
		return runOrphanFileRepair(out, opts)
	default:
		return fmt.Errorf("unknown repair target: %s", args[0])
	}
}

func parseRepairArgs(cfg *config.Config, args []string) (repairOptions, error) {
	opts := repairOptions{
		DatabasePath:    cfg.DatabasePath,
		FileStoragePath: cfg.FileStoragePath,
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		case "--storage":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--storage requires a path")
			}
			opts.FileStoragePath = args[i]
		default:
			return opts, fmt.Errorf("unknown repair flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

func openExistingDatabase(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to access database path: %w", err)
	}

	dbConn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := dbConn.Ping(); err != nil {
		dbConn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return dbConn, nil
}

// runSessionSummaryRepair recomputes each session's latest-message snapshot
// from the messages table. Snapshots only drift when a Touch failed after the
// message itself was committed.
func runSessionSummaryRepair(out io.Writer, opts repairOptions) error {
	dbConn, err := openExistingDatabase(opts.DatabasePath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	// A single connection keeps BEGIN and COMMIT on the same session.
	dbConn.SetMaxOpenConns(1)

	if _, err := dbConn.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to start repair transaction: %w", err)
	}
	inTx := true
	defer func() {
		if inTx {
			_, _ = dbConn.Exec("ROLLBACK")
		}
	}()

	stored, err := loadStoredSummaries(dbConn)
	if err != nil {
		return err
	}
	latest, err := loadLatestMessages(dbConn)
	if err != nil {
		return err
	}

	stale := make([]sessionSummary, 0)
	for _, current := range stored {
		want, ok := latest[current.SessionID]
		if !ok {
			want = sessionSummary{SessionID: current.SessionID}
		}
		if current.MessageID != want.MessageID {
			stale = append(stale, want)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].SessionID < stale[j].SessionID })

	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", opts.DatabasePath)
		fmt.Fprintf(out, "Would repair %d of %d session summaries.\n", len(stale), len(stored))
		if _, err := dbConn.Exec("ROLLBACK"); err != nil {
			return fmt.Errorf("failed to finish dry-run rollback: %w", err)
		}
		inTx = false
		return nil
	}

	if err := writeSummaries(dbConn, stale); err != nil {
		return err
	}

	if _, err := dbConn.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit repair: %w", err)
	}
	inTx = false

	fmt.Fprintf(out, "Repair completed. Database: %s\n", opts.DatabasePath)
	fmt.Fprintf(out, "Repaired %d of %d session summaries.\n", len(stale), len(stored))
	return nil
}

func loadStoredSummaries(q sqliteQueryer) ([]sessionSummary, error) {
	rows, err := q.Query("SELECT id, last_message_id FROM chat_sessions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	defer rows.Close()

	summaries := make([]sessionSummary, 0)
	for rows.Next() {
		var s sessionSummary
		if err := rows.Scan(&s.SessionID, &s.MessageID); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while reading sessions: %w", err)
	}
	return summaries, nil
}

func loadLatestMessages(q sqliteQueryer) (map[int64]sessionSummary, error) {
	rows, err := q.Query(`
		SELECT m.session_id, m.id, m.content, m.sender_id, m.created_at
		FROM messages m
		WHERE m.id = (SELECT MAX(id) FROM messages WHERE session_id = m.session_id)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest messages: %w", err)
	}
	defer rows.Close()

	latest := make(map[int64]sessionSummary)
	for rows.Next() {
		var s sessionSummary
		var content string
		var at time.Time
		if err := rows.Scan(&s.SessionID, &s.MessageID, &content, &s.SenderID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan latest message: %w", err)
		}
		s.Content = sql.NullString{String: models.Preview(content), Valid: true}
		s.At = sql.NullTime{Time: at, Valid: true}
		latest[s.SessionID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while reading latest messages: %w", err)
	}
	return latest, nil
}

func writeSummaries(dbConn *sql.DB, summaries []sessionSummary) error {
	stmt, err := dbConn.Prepare(`
		UPDATE chat_sessions
		SET last_activity = ?, last_message_id = ?, last_message_content = ?,
			last_message_sender = ?, last_message_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare repair statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range summaries {
		if _, err := stmt.Exec(s.At, s.MessageID, s.Content, s.SenderID, s.At, s.SessionID); err != nil {
			return fmt.Errorf("failed to repair session %d: %w", s.SessionID, err)
		}
	}
	return nil
}

// runOrphanFileRepair removes stored blobs that no attachment row refers to.
func runOrphanFileRepair(out io.Writer, opts repairOptions) error {
	if strings.TrimSpace(opts.FileStoragePath) == "" {
		return fmt.Errorf("storage path cannot be empty")
	}

	dbConn, err := openExistingDatabase(opts.DatabasePath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	referenced, err := loadAttachmentNames(dbConn)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(opts.FileStoragePath)
	if err != nil {
		return fmt.Errorf("failed to read storage dir: %w", err)
	}

	orphans := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, ok := referenced[entry.Name()]; !ok {
			orphans = append(orphans, entry.Name())
		}
	}

	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Storage: %s\n", opts.FileStoragePath)
		fmt.Fprintf(out, "Would remove %d orphan files.\n", len(orphans))
		for _, name := range orphans {
			fmt.Fprintf(out, "  %s\n", name)
		}
		return nil
	}

	store, err := storage.NewDiskStore(opts.FileStoragePath, 0)
	if err != nil {
		return err
	}
	for _, name := range orphans {
		if err := store.Remove(name); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	fmt.Fprintf(out, "Repair completed. Storage: %s\n", opts.FileStoragePath)
	fmt.Fprintf(out, "Removed %d orphan files.\n", len(orphans))
	return nil
}

func loadAttachmentNames(q sqliteQueryer) (map[string]struct{}, error) {
	rows, err := q.Query("SELECT file_name FROM attachments")
	if err != nil {
		return nil, fmt.Errorf("failed to read attachments: %w", err)
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		names[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while reading attachments: %w", err)
	}
	return names, nil
}
