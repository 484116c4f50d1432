package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/4xmen/hamkar/internal/models"
	"github.com/4xmen/hamkar/internal/storage"
	apperrors "github.com/4xmen/hamkar/pkg/errors"
)

const defaultMimeType = "application/octet-stream"

// PendingFile is an upload that has not been written to the store yet.
type PendingFile struct {
	OriginalName string
	MimeType     string
	DeclaredSize int64
	Data         io.Reader
}

type Page struct {
	Messages []*models.Message `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

// ReadResult lists the messages that gained a receipt in one MarkRead call.
type ReadResult struct {
	MessageIDs []int     `json:"message_ids"`
	ReaderID   int       `json:"reader_id"`
	ReadAt     time.Time `json:"read_at"`
}

type Limits struct {
	MaxAttachments int
	MaxFileSize    int64
	MaxPageSize    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxAttachments: models.MaxAttachments,
		MaxFileSize:    models.MaxAttachmentSize,
		MaxPageSize:    models.DefaultPageSize,
	}
}

// MessageRepository is the append-only message log of every session.
type MessageRepository struct {
	db       *sql.DB
	store    storage.Store
	limits   Limits
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

func NewMessageRepository(db *sql.DB, store storage.Store, limits Limits, log *zap.Logger) *MessageRepository {
	return &MessageRepository{
		db:       db,
		store:    store,
		limits:   limits,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
		now:      time.Now,
	}
}

// CheckFiles applies the count and declared-size limits without touching
// storage.
func (r *MessageRepository) CheckFiles(content string, files []PendingFile) error {
	if strings.TrimSpace(content) == "" && len(files) == 0 {
		return apperrors.ErrEmptyMessage
	}
	if len(files) > r.limits.MaxAttachments {
		return apperrors.ErrTooManyFiles
	}
	for _, f := range files {
		if f.DeclaredSize > r.limits.MaxFileSize {
			return apperrors.ErrFileTooLarge
		}
	}
	return nil
}

// Append stores the files, then the message row and its attachment rows in
// one transaction. A message row never references a blob that failed to
// write; blobs already written are removed when a later step fails.
func (r *MessageRepository) Append(ctx context.Context, sessionID, senderID int, content string, files []PendingFile) (*models.Message, error) {
	if err := r.CheckFiles(content, files); err != nil {
		return nil, err
	}
	if err := r.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}

	attachments, err := r.StoreFiles(ctx, content, files)
	if err != nil {
		return nil, err
	}
	return r.Insert(ctx, sessionID, senderID, content, attachments)
}

// StoreFiles writes every file through the store and returns the attachment
// records for Insert. On failure nothing stays on disk.
func (r *MessageRepository) StoreFiles(ctx context.Context, content string, files []PendingFile) ([]models.Attachment, error) {
	if err := r.CheckFiles(content, files); err != nil {
		return nil, err
	}

	attachments := make([]models.Attachment, 0, len(files))
	for _, f := range files {
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = defaultMimeType
		}
		stored, err := r.store.Put(ctx, f.Data, mimeType)
		if err != nil {
			r.Discard(attachments)
			if errors.Is(err, apperrors.ErrFileTooLarge) {
				return nil, err
			}
			return nil, apperrors.ErrStorageFailure(err)
		}
		attachments = append(attachments, models.Attachment{
			FileName:     stored.FileName,
			OriginalName: f.OriginalName,
			MimeType:     mimeType,
			FileSize:     stored.FileSize,
		})
	}
	return attachments, nil
}

// Insert persists a message whose attachments were already written by
// StoreFiles. It owns those blobs: any failure removes them.
func (r *MessageRepository) Insert(ctx context.Context, sessionID, senderID int, content string, attachments []models.Attachment) (*models.Message, error) {
	if err := r.sessionExists(ctx, sessionID); err != nil {
		r.Discard(attachments)
		return nil, err
	}

	msg := &models.Message{
		SessionID:   sessionID,
		SenderID:    senderID,
		Content:     content,
		CreatedAt:   r.now().UTC(),
		Attachments: attachments,
		ReadBy:      []models.ReadReceipt{},
	}
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}
	if err := r.validate.StructCtx(ctx, msg); err != nil {
		r.Discard(attachments)
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid message", err)
	}

	if err := r.insert(ctx, msg); err != nil {
		r.Discard(attachments)
		return nil, apperrors.ErrPersistFailure(err)
	}
	return msg, nil
}

func (r *MessageRepository) sessionExists(ctx context.Context, sessionID int) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM chat_sessions WHERE id = ?)", sessionID).Scan(&exists)
	if err != nil {
		return apperrors.ErrPersistFailure(err)
	}
	if !exists {
		return apperrors.ErrSessionNotFound
	}
	return nil
}

func (r *MessageRepository) insert(ctx context.Context, msg *models.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?)
	`, msg.SessionID, msg.SenderID, msg.Content, msg.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for i, a := range msg.Attachments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (message_id, position, file_name, original_name, mime_type, file_size)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, i, a.FileName, a.OriginalName, a.MimeType, a.FileSize)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	msg.ID = int(id)
	return nil
}

// Discard removes blobs that will never be referenced by a message row.
func (r *MessageRepository) Discard(attachments []models.Attachment) {
	for _, a := range attachments {
		if err := r.store.Remove(a.FileName); err != nil {
			r.log.Warn("failed to remove orphaned attachment", zap.String("file_name", a.FileName), zap.Error(err))
		}
	}
}

// ListPage pages backwards from the newest message: page 1 holds the most
// recent pageSize messages. Each page is returned oldest first.
func (r *MessageRepository) ListPage(ctx context.Context, sessionID, page, pageSize int) (*Page, error) {
	if page < 1 {
		return nil, apperrors.ErrInvalidPage
	}
	if pageSize <= 0 || pageSize > r.limits.MaxPageSize {
		pageSize = r.limits.MaxPageSize
	}
	// Pages whose offset does not fit in an int lie past any stored history.
	if page-1 > (math.MaxInt-1)/pageSize {
		return &Page{Messages: []*models.Message{}, HasMore: false}, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, sender_id, content, is_edited, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, sessionID, pageSize+1, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		m := &models.Message{Attachments: []models.Attachment{}, ReadBy: []models.ReadReceipt{}}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Content, &m.IsEdited, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	hasMore := len(messages) > pageSize
	if hasMore {
		messages = messages[:pageSize]
	}

	// Reverse to get oldest first
	for i := len(messages)/2 - 1; i >= 0; i-- {
		opp := len(messages) - 1 - i
		messages[i], messages[opp] = messages[opp], messages[i]
	}

	if err := r.loadDetails(ctx, messages); err != nil {
		return nil, err
	}

	return &Page{Messages: messages, HasMore: hasMore}, nil
}

func (r *MessageRepository) loadDetails(ctx context.Context, messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	byID := make(map[int]*models.Message, len(messages))
	args := make([]any, 0, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
		args = append(args, m.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")

	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, file_name, original_name, mime_type, file_size
		FROM attachments
		WHERE message_id IN (`+placeholders+`)
		ORDER BY message_id, position
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to fetch attachments: %w", err)
	}
	for rows.Next() {
		var messageID int
		var a models.Attachment
		if err := rows.Scan(&messageID, &a.FileName, &a.OriginalName, &a.MimeType, &a.FileSize); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		byID[messageID].Attachments = append(byID[messageID].Attachments, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to fetch attachments: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT message_id, user_id, read_at
		FROM message_reads
		WHERE message_id IN (`+placeholders+`)
		ORDER BY message_id, read_at
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to fetch read receipts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var messageID int
		var rr models.ReadReceipt
		if err := rows.Scan(&messageID, &rr.UserID, &rr.ReadAt); err != nil {
			return fmt.Errorf("failed to scan read receipt: %w", err)
		}
		byID[messageID].ReadBy = append(byID[messageID].ReadBy, rr)
	}
	return rows.Err()
}

// MarkRead adds a receipt for readerID on every listed message of the
// session that readerID did not send. Messages from other sessions, the
// reader's own messages and already-read messages are skipped silently.
func (r *MessageRepository) MarkRead(ctx context.Context, sessionID int, messageIDs []int, readerID int) (*ReadResult, error) {
	result := &ReadResult{MessageIDs: []int{}, ReaderID: readerID, ReadAt: r.now().UTC()}
	if len(messageIDs) == 0 {
		return result, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
		SELECT id, ?, ? FROM messages
		WHERE id = ? AND session_id = ? AND sender_id != ?
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare read receipt: %w", err)
	}
	defer stmt.Close()

	seen := make(map[int]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		res, err := stmt.ExecContext(ctx, readerID, result.ReadAt, id, sessionID, readerID)
		if err != nil {
			return nil, fmt.Errorf("failed to mark message %d read: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.MessageIDs = append(result.MessageIDs, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit read receipts: %w", err)
	}
	return result, nil
}

// GetAttachment resolves a stored file name to its record and owning session.
func (r *MessageRepository) GetAttachment(ctx context.Context, fileName string) (*models.Attachment, int, error) {
	var a models.Attachment
	var sessionID int
	err := r.db.QueryRowContext(ctx, `
		SELECT a.file_name, a.original_name, a.mime_type, a.file_size, m.session_id
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE a.file_name = ?
	`, fileName).Scan(&a.FileName, &a.OriginalName, &a.MimeType, &a.FileSize, &sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, apperrors.ErrAttachmentNotFound
		}
		return nil, 0, fmt.Errorf("failed to fetch attachment: %w", err)
	}
	return &a, sessionID, nil
}

// OpenAttachment streams a stored file back by name.
func (r *MessageRepository) OpenAttachment(fileName string) (io.ReadCloser, error) {
	return r.store.Open(fileName)
}
