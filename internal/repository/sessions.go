package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/4xmen/hamkar/internal/models"
	apperrors "github.com/4xmen/hamkar/pkg/errors"
)

// SessionRegistry maps an unordered pair of users to a single chat session.
type SessionRegistry struct {
	db *sql.DB
}

func NewSessionRegistry(db *sql.DB) *SessionRegistry {
	return &SessionRegistry{db: db}
}

const sessionColumns = `
	id, user_low, user_high, created_at, last_activity,
	last_message_id, last_message_content, last_message_sender, last_message_at`

// GetOrCreate returns the session for {userA, userB}, creating it on first
// use. Uniqueness comes from the UNIQUE(user_low, user_high) index, so two
// concurrent callers always end up with the same row.
func (r *SessionRegistry) GetOrCreate(ctx context.Context, userA, userB int) (*models.ChatSession, error) {
	if userA <= 0 || userB <= 0 {
		return nil, apperrors.ErrInvalidUserID
	}
	if userA == userB {
		return nil, apperrors.ErrSelfSession
	}

	low, high := models.NormalizePair(userA, userB)

	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_sessions (user_low, user_high, created_at)
		VALUES (?, ?, ?)
	`, low, high, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM chat_sessions WHERE user_low = ? AND user_high = ?
	`, low, high)
	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

func (r *SessionRegistry) Get(ctx context.Context, sessionID int) (*models.ChatSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM chat_sessions WHERE id = ?
	`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

// Touch records msg as the session's latest activity. Callers invoke it only
// after msg has been persisted.
func (r *SessionRegistry) Touch(ctx context.Context, sessionID int, msg *models.Message) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET last_activity = ?, last_message_id = ?, last_message_content = ?,
			last_message_sender = ?, last_message_at = ?
		WHERE id = ?
	`, msg.CreatedAt, msg.ID, models.Preview(msg.Content), msg.SenderID, msg.CreatedAt, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrSessionNotFound
	}
	return nil
}

// ListForUser returns the user's sessions, most recently active first.
// Sessions without messages sort after active ones, newest first.
func (r *SessionRegistry) ListForUser(ctx context.Context, userID int) ([]*models.ChatSession, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE user_low = ? OR user_high = ?
		ORDER BY last_activity IS NULL, last_activity DESC, created_at DESC, id DESC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.ChatSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.ChatSession, error) {
	var (
		s             models.ChatSession
		lastActivity  sql.NullTime
		lastID        sql.NullInt64
		lastContent   sql.NullString
		lastSender    sql.NullInt64
		lastCreatedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.Participants[0], &s.Participants[1], &s.CreatedAt, &lastActivity,
		&lastID, &lastContent, &lastSender, &lastCreatedAt)
	if err != nil {
		return nil, err
	}

	if lastActivity.Valid {
		t := lastActivity.Time
		s.LastActivity = &t
	}
	if lastID.Valid {
		s.LastMessage = &models.LastMessage{
			ID:        int(lastID.Int64),
			Content:   lastContent.String,
			SenderID:  int(lastSender.Int64),
			CreatedAt: lastCreatedAt.Time,
		}
	}
	return &s, nil
}
