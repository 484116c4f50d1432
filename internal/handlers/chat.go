package handlers

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/4xmen/hamkar/internal/chat"
	"github.com/4xmen/hamkar/internal/repository"
	apperrors "github.com/4xmen/hamkar/pkg/errors"
)

// formOverhead is the allowance for non-file multipart parts.
const formOverhead = 1 << 20

type ChatHandler struct {
	svc            *chat.Service
	log            *zap.Logger
	maxUploadSize  int64
	maxAttachments int
	pageSize       int
}

func NewChatHandler(svc *chat.Service, log *zap.Logger, maxUploadSize int64, maxAttachments, pageSize int) *ChatHandler {
	return &ChatHandler{
		svc:            svc,
		log:            log,
		maxUploadSize:  maxUploadSize,
		maxAttachments: maxAttachments,
		pageSize:       pageSize,
	}
}

func sessionIDParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		abortWithError(c, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

type createSessionRequest struct {
	ParticipantID int `json:"participant_id" binding:"required"`
}

// CreateSession returns the caller's session with participant_id, creating
// it on first contact.
func (h *ChatHandler) CreateSession(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	session, err := h.svc.GetOrCreateSession(c.Request.Context(), id, req.ParticipantID)
	if err != nil {
		respondError(c, h.log, err, "failed to create session")
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	sessions, err := h.svc.ListSessions(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err, "failed to fetch sessions")
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetMessages serves one page of history, newest page first.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		respondError(c, h.log, apperrors.ErrInvalidPage, "failed to fetch messages")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(h.pageSize)))
	if err != nil || pageSize <= 0 {
		pageSize = h.pageSize
	}

	result, err := h.svc.FetchPage(c.Request.Context(), id, sessionID, page, pageSize)
	if err != nil {
		respondError(c, h.log, err, "failed to fetch messages")
		return
	}

	c.JSON(http.StatusOK, result)
}

// SendMessage accepts multipart/form-data with a "content" field and up to
// maxAttachments "files" parts.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(h.maxAttachments+1)*h.maxUploadSize+formOverhead)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, h.log, apperrors.ErrFileTooLarge, "failed to send message")
			return
		}
		abortWithError(c, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer form.RemoveAll()

	var content string
	if values := form.Value["content"]; len(values) > 0 {
		content = values[0]
	}

	headers := form.File["files"]
	if len(headers) > h.maxAttachments {
		respondError(c, h.log, apperrors.ErrTooManyFiles, "failed to send message")
		return
	}

	files, closeAll, err := openParts(headers)
	defer closeAll()
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid multipart form")
		return
	}

	msg, err := h.svc.Send(c.Request.Context(), id, sessionID, content, files)
	if err != nil {
		respondError(c, h.log, err, "failed to send message")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func openParts(headers []*multipart.FileHeader) ([]repository.PendingFile, func(), error) {
	var opened []io.Closer
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	files := make([]repository.PendingFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, err
		}
		opened = append(opened, f)
		files = append(files, repository.PendingFile{
			OriginalName: filepath.Base(fh.Filename),
			MimeType:     fh.Header.Get("Content-Type"),
			DeclaredSize: fh.Size,
			Data:         f,
		})
	}
	return files, closeAll, nil
}

type markReadRequest struct {
	MessageIDs []int `json:"message_ids" binding:"required"`
}

func (h *ChatHandler) MarkRead(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	result, err := h.svc.MarkRead(c.Request.Context(), id, sessionID, req.MessageIDs)
	if err != nil {
		respondError(c, h.log, err, "failed to update message")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message_ids": result.MessageIDs})
}

// GetAttachment streams an attachment to a participant of its session.
func (h *ChatHandler) GetAttachment(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	a, rc, err := h.svc.OpenAttachment(c.Request.Context(), id, c.Param("fileName"))
	if err != nil {
		respondError(c, h.log, err, "failed to fetch attachment")
		return
	}
	defer rc.Close()

	name := a.OriginalName
	if name == "" {
		name = a.FileName
	}
	c.DataFromReader(http.StatusOK, a.FileSize, a.MimeType, rc, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": name}),
		"Cache-Control":       "private, max-age=3600",
	})
}
