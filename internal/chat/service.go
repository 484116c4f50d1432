package chat

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/4xmen/hamkar/internal/models"
	"github.com/4xmen/hamkar/internal/repository"
	apperrors "github.com/4xmen/hamkar/pkg/errors"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/4xmen/hamkar/internal/chat Broadcaster,Notifier

// Identity is the authenticated caller. The user directory lives outside
// this service; ids are trusted as issued by the token service.
type Identity struct {
	UserID int
	Role   string
}

// Broadcaster fans events out to the clients joined to a session.
// Publish calls must not block on slow clients.
type Broadcaster interface {
	PublishNewMessage(sessionID int, msg *models.Message)
	PublishRead(sessionID int, result *repository.ReadResult)
	IsUserOnline(userID int) bool
}

// Notifier reaches users that have no live connection.
type Notifier interface {
	SendNewMessageNotification(recipientID, senderID int, preview string)
}

type Service struct {
	sessions    *repository.SessionRegistry
	messages    *repository.MessageRepository
	broadcaster Broadcaster
	notifier    Notifier
	locks       *keyedMutex
	log         *zap.Logger
}

func NewService(sessions *repository.SessionRegistry, messages *repository.MessageRepository, broadcaster Broadcaster, log *zap.Logger) *Service {
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	return &Service{
		sessions:    sessions,
		messages:    messages,
		broadcaster: broadcaster,
		locks:       newKeyedMutex(),
		log:         log,
	}
}

// SetNotifier enables offline notifications. A nil notifier disables them.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) GetOrCreateSession(ctx context.Context, id Identity, otherUserID int) (*models.ChatSession, error) {
	return s.sessions.GetOrCreate(ctx, id.UserID, otherUserID)
}

func (s *Service) ListSessions(ctx context.Context, id Identity) ([]*models.ChatSession, error) {
	return s.sessions.ListForUser(ctx, id.UserID)
}

// IsParticipant reports whether userID belongs to sessionID. Unknown
// sessions yield false without an error.
func (s *Service) IsParticipant(ctx context.Context, sessionID, userID int) (bool, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	return session.Participant(userID), nil
}

func (s *Service) authorize(ctx context.Context, id Identity, sessionID int) (*models.ChatSession, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Participant(id.UserID) {
		return nil, apperrors.ErrNotParticipant
	}
	return session, nil
}

// Send persists a message and delivers it to the session's joined clients.
// Attachment blobs are written before the session lock is taken. Row insert,
// touch and enqueue happen under it so every client observes new_message
// events in persistence order.
func (s *Service) Send(ctx context.Context, id Identity, sessionID int, content string, files []repository.PendingFile) (*models.Message, error) {
	session, err := s.authorize(ctx, id, sessionID)
	if err != nil {
		return nil, err
	}

	attachments, err := s.messages.StoreFiles(ctx, content, files)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(sessionID)
	msg, err := s.messages.Insert(ctx, sessionID, id.UserID, content, attachments)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := s.sessions.Touch(ctx, sessionID, msg); err != nil {
		s.log.Error("failed to update session activity",
			zap.Int("session_id", sessionID), zap.Int("message_id", msg.ID), zap.Error(err))
	}
	s.broadcaster.PublishNewMessage(sessionID, msg)
	unlock()

	s.log.Debug("message sent",
		zap.Int("session_id", sessionID),
		zap.Int("message_id", msg.ID),
		zap.Int("attachments", len(msg.Attachments)))

	recipient := session.Other(id.UserID)
	if s.notifier != nil && !s.broadcaster.IsUserOnline(recipient) {
		s.notifier.SendNewMessageNotification(recipient, id.UserID, models.Preview(msg.Content))
	}
	return msg, nil
}

// FetchPage returns one page of history and marks the caller's unread
// messages on it as read. The returned page already carries the new receipts.
func (s *Service) FetchPage(ctx context.Context, id Identity, sessionID, page, pageSize int) (*repository.Page, error) {
	if _, err := s.authorize(ctx, id, sessionID); err != nil {
		return nil, err
	}

	p, err := s.messages.ListPage(ctx, sessionID, page, pageSize)
	if err != nil {
		return nil, err
	}

	unread := models.UnreadIDs(p.Messages, id.UserID)
	if len(unread) == 0 {
		return p, nil
	}

	res, err := s.messages.MarkRead(ctx, sessionID, unread, id.UserID)
	if err != nil {
		s.log.Warn("failed to mark fetched messages read",
			zap.Int("session_id", sessionID), zap.Int("user_id", id.UserID), zap.Error(err))
		return p, nil
	}
	if len(res.MessageIDs) == 0 {
		return p, nil
	}

	marked := make(map[int]struct{}, len(res.MessageIDs))
	for _, mid := range res.MessageIDs {
		marked[mid] = struct{}{}
	}
	for _, m := range p.Messages {
		if _, ok := marked[m.ID]; ok {
			m.ReadBy = append(m.ReadBy, models.ReadReceipt{UserID: id.UserID, ReadAt: res.ReadAt})
		}
	}

	s.broadcaster.PublishRead(sessionID, res)
	return p, nil
}

// MarkRead records receipts for messageIDs and broadcasts the ones that
// were newly read.
func (s *Service) MarkRead(ctx context.Context, id Identity, sessionID int, messageIDs []int) (*repository.ReadResult, error) {
	if _, err := s.authorize(ctx, id, sessionID); err != nil {
		return nil, err
	}
	for _, mid := range messageIDs {
		if mid <= 0 {
			return nil, apperrors.ErrInvalidMessageID
		}
	}

	res, err := s.messages.MarkRead(ctx, sessionID, messageIDs, id.UserID)
	if err != nil {
		return nil, err
	}
	if len(res.MessageIDs) > 0 {
		s.broadcaster.PublishRead(sessionID, res)
	}
	return res, nil
}

// OpenAttachment returns the attachment record and its bytes when the
// caller participates in the session that owns it.
func (s *Service) OpenAttachment(ctx context.Context, id Identity, fileName string) (*models.Attachment, io.ReadCloser, error) {
	a, sessionID, err := s.messages.GetAttachment(ctx, fileName)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.authorize(ctx, id, sessionID); err != nil {
		return nil, nil, err
	}
	rc, err := s.messages.OpenAttachment(fileName)
	if err != nil {
		return nil, nil, err
	}
	return a, rc, nil
}

type nopBroadcaster struct{}

func (nopBroadcaster) PublishNewMessage(int, *models.Message)  {}
func (nopBroadcaster) PublishRead(int, *repository.ReadResult) {}
func (nopBroadcaster) IsUserOnline(int) bool                   { return false }
