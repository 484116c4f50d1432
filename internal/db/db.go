package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL lets pagination reads run while a send is writing.
	// cache_size is negative KB (64MB).
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	conn.SetMaxOpenConns(25)
	if path == ":memory:" {
		// each connection would see its own empty database
		conn.SetMaxOpenConns(1)
	}
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_low INTEGER NOT NULL,
		user_high INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_activity TIMESTAMP,
		last_message_id INTEGER,
		last_message_content TEXT,
		last_message_sender INTEGER,
		last_message_at TIMESTAMP,
		CHECK (user_low < user_high),
		UNIQUE (user_low, user_high)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		sender_id INTEGER NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		is_edited INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id)
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		file_name TEXT UNIQUE NOT NULL,
		original_name TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		FOREIGN KEY (message_id) REFERENCES messages(id)
	);

	CREATE TABLE IF NOT EXISTS message_reads (
		message_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		read_at TIMESTAMP NOT NULL,
		PRIMARY KEY (message_id, user_id),
		FOREIGN KEY (message_id) REFERENCES messages(id)
	);

	CREATE TABLE IF NOT EXISTS push_subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		endpoint TEXT UNIQUE NOT NULL,
		p256dh TEXT NOT NULL,
		auth TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		revoked_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user_high ON chat_sessions(user_high);
	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON attachments(message_id);
	CREATE INDEX IF NOT EXISTS idx_message_reads_user_id ON message_reads(user_id);
	CREATE INDEX IF NOT EXISTS idx_push_subscriptions_user_id ON push_subscriptions(user_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// dsn applies per-connection settings through the driver so every pooled
// connection gets them, not only the one the PRAGMAs below run on.
// Transactions start with BEGIN IMMEDIATE to avoid lock upgrade deadlocks.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_txlock=immediate"
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) GetConn() *sql.DB {
	return db.conn
}
