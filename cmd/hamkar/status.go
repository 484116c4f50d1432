package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/hamkar/pkg/config"
)

type appStatus struct {
	GeneratedAt     time.Time    `json:"generated_at"`
	Environment     string       `json:"environment"`
	Port            string       `json:"port"`
	DatabasePath    string       `json:"database_path"`
	FileStoragePath string       `json:"file_storage_path"`
	DBMetricsReady  bool         `json:"metrics_ready"`
	Chat            chatStats    `json:"metrics"`
	Storage         storageStats `json:"storage"`
	DBWarning       string       `json:"database_warning,omitempty"`
	StorageWarnings []string     `json:"storage_warnings,omitempty"`
}

type chatStats struct {
	Sessions          int64  `json:"sessions"`
	ActiveSessions    int64  `json:"active_sessions"`
	Messages          int64  `json:"messages"`
	UnreadMessages    int64  `json:"unread_messages"`
	ReadReceipts      int64  `json:"read_receipts"`
	Attachments       int64  `json:"attachments"`
	AttachmentBytes   int64  `json:"attachment_bytes"`
	PushSubscriptions int64  `json:"push_subscriptions"`
	MessagesLast24h   int64  `json:"messages_last_24h"`
	LatestMessageAt   string `json:"latest_message_at,omitempty"`
}

type storageStats struct {
	DBSize          int64 `json:"db_file_bytes"`
	DBWALSize       int64 `json:"db_wal_bytes"`
	DBSHMSize       int64 `json:"db_shm_bytes"`
	UploadDirSize   int64 `json:"upload_dir_bytes"`
	UploadFileCount int64 `json:"upload_file_count"`
}

func (s storageStats) footprint() int64 {
	return s.DBSize + s.DBWALSize + s.DBSHMSize
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	opts := statusOptions{}
	for _, arg := range args {
		switch arg {
		case "--json", "-j":
			opts.JSON = true
		default:
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(cfg, time.Now())
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(cfg *config.Config, now time.Time) appStatus {
	status := appStatus{
		GeneratedAt:     now,
		Environment:     cfg.Environment,
		Port:            cfg.Port,
		DatabasePath:    cfg.DatabasePath,
		FileStoragePath: cfg.FileStoragePath,
	}

	if size, err := fileSize(cfg.DatabasePath); err == nil {
		status.Storage.DBSize = size
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("database file: %v", err))
	}

	if size, err := fileSize(cfg.DatabasePath + "-wal"); err == nil {
		status.Storage.DBWALSize = size
	}

	if size, err := fileSize(cfg.DatabasePath + "-shm"); err == nil {
		status.Storage.DBSHMSize = size
	}

	if bytes, files, err := dirUsage(cfg.FileStoragePath); err == nil {
		status.Storage.UploadDirSize = bytes
		status.Storage.UploadFileCount = files
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("upload dir: %v", err))
	}

	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	dbConn, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	metrics := []struct {
		dest  *int64
		query string
		args  []any
	}{
		{&status.Chat.Sessions, "SELECT COUNT(*) FROM chat_sessions", nil},
		{&status.Chat.ActiveSessions, "SELECT COUNT(*) FROM chat_sessions WHERE last_message_id IS NOT NULL", nil},
		{&status.Chat.Messages, "SELECT COUNT(*) FROM messages", nil},
		// Sessions have two participants, so a message is unread until it
		// has any receipt.
		{&status.Chat.UnreadMessages, `SELECT COUNT(*) FROM messages m
			WHERE NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id)`, nil},
		{&status.Chat.Attachments, "SELECT COUNT(*) FROM attachments", nil},
		{&status.Chat.AttachmentBytes, "SELECT COALESCE(SUM(file_size), 0) FROM attachments", nil},
		{&status.Chat.ReadReceipts, "SELECT COUNT(*) FROM message_reads", nil},
		{&status.Chat.PushSubscriptions, "SELECT COUNT(*) FROM push_subscriptions WHERE revoked_at IS NULL", nil},
		{&status.Chat.MessagesLast24h, "SELECT COUNT(*) FROM messages WHERE created_at >= ?", []any{now.UTC().Add(-24 * time.Hour)}},
	}
	for _, m := range metrics {
		if err := dbConn.QueryRow(m.query, m.args...).Scan(m.dest); err != nil {
			status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
			return status
		}
	}

	var latest sql.NullTime
	if err := dbConn.QueryRow("SELECT created_at FROM messages ORDER BY id DESC LIMIT 1").Scan(&latest); err != nil && err != sql.ErrNoRows {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}
	if latest.Valid {
		status.Chat.LatestMessageAt = latest.Time.UTC().Format(time.RFC3339)
	}

	status.DBMetricsReady = true
	return status
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func dirUsage(root string) (int64, int64, error) {
	var totalBytes int64
	var totalFiles int64

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		totalBytes += info.Size()
		totalFiles++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return totalBytes, totalFiles, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTimestamp(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

func printStatus(out io.Writer, status appStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 1, ' ', 0)
	row := func(label string, value any) {
		fmt.Fprintf(w, "  %s\t: %v\n", label, value)
	}

	fmt.Fprintln(w, "Hamkar Chat Status")
	row("Generated at", status.GeneratedAt.Format(time.RFC3339))
	row("Environment", status.Environment)
	row("Port", status.Port)
	row("Database", status.DatabasePath)
	row("Uploads dir", status.FileStoragePath)
	fmt.Fprintln(w)

	chat := status.Chat
	fmt.Fprintln(w, "Chat")
	if status.DBMetricsReady {
		row("Sessions", fmt.Sprintf("%d (%d with messages)", chat.Sessions, chat.ActiveSessions))
		row("Messages", chat.Messages)
		row("Unread messages", chat.UnreadMessages)
		row("Read receipts", chat.ReadReceipts)
		row("Attachments", fmt.Sprintf("%d (%s)", chat.Attachments, formatBytes(chat.AttachmentBytes)))
		row("Push subscriptions", chat.PushSubscriptions)
		row("Messages last 24h", chat.MessagesLast24h)
		row("Latest message at", formatTimestamp(chat.LatestMessageAt))
	} else {
		row("Database metrics", "n/a")
	}
	fmt.Fprintln(w)

	st := status.Storage
	fmt.Fprintln(w, "Storage")
	row("DB file", formatBytes(st.DBSize))
	row("DB WAL file", formatBytes(st.DBWALSize))
	row("DB SHM file", formatBytes(st.DBSHMSize))
	row("DB footprint", formatBytes(st.footprint()))
	row("Upload files", st.UploadFileCount)
	row("Upload size", formatBytes(st.UploadDirSize))
	w.Flush()

	if status.DBMetricsReady && st.UploadFileCount != chat.Attachments {
		fmt.Fprintf(out, "\nNote: %d files on disk for %d attachment records, see `hamkar repair orphan-files --dry-run`.\n",
			st.UploadFileCount, chat.Attachments)
	}

	warnings := status.StorageWarnings
	if status.DBWarning != "" {
		warnings = append([]string{status.DBWarning}, warnings...)
	}
	if len(warnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range warnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(status)
}
