package models

import "time"

const (
	MaxAttachments    = 5
	MaxAttachmentSize = 10 << 20 // 10MiB
	DefaultPageSize   = 50
	PreviewLength     = 100
)

type ChatSession struct {
	ID           int          `json:"id"`
	Participants [2]int       `json:"participants"` // ascending
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity *time.Time   `json:"last_activity,omitempty"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
}

// LastMessage is the denormalized snapshot of a session's newest message.
type LastMessage struct {
	ID        int       `json:"id"`
	Content   string    `json:"content"`
	SenderID  int       `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID          int           `json:"id" validate:"gte=0"`
	SessionID   int           `json:"session_id" validate:"required,gt=0"`
	SenderID    int           `json:"sender_id" validate:"required,gt=0"`
	Content     string        `json:"content"`
	CreatedAt   time.Time     `json:"created_at" validate:"required"`
	Attachments []Attachment  `json:"attachments" validate:"dive"`
	ReadBy      []ReadReceipt `json:"read_by"`
	IsEdited    bool          `json:"is_edited"`
}

type Attachment struct {
	FileName     string `json:"file_name" validate:"required,max=255"`
	OriginalName string `json:"original_name" validate:"max=255"`
	MimeType     string `json:"mime_type" validate:"required,max=127"`
	FileSize     int64  `json:"file_size" validate:"gte=0"`
}

type ReadReceipt struct {
	UserID int       `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Participant reports whether userID is one of the two session members.
func (s *ChatSession) Participant(userID int) bool {
	return s.Participants[0] == userID || s.Participants[1] == userID
}

// Other returns the member that is not userID.
func (s *ChatSession) Other(userID int) int {
	if s.Participants[0] == userID {
		return s.Participants[1]
	}
	return s.Participants[0]
}

// NormalizePair orders two user ids so that a pair has one stored form.
func NormalizePair(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}

// IsReadBy reports whether userID has a read receipt on m.
func (m *Message) IsReadBy(userID int) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// UnreadIDs lists the messages userID has neither sent nor read.
func UnreadIDs(messages []*Message, userID int) []int {
	ids := []int{}
	for _, m := range messages {
		if m.SenderID != userID && !m.IsReadBy(userID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Preview truncates content for the session snapshot and push payloads.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewLength {
		return content
	}
	return string(runes[:PreviewLength])
}
