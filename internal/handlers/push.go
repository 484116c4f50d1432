package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/4xmen/hamkar/internal/push"
	apperrors "github.com/4xmen/hamkar/pkg/errors"
)

// PushHandler manages Web Push subscriptions. A nil notifier means push is
// not configured.
type PushHandler struct {
	notifier *push.Notifier
	log      *zap.Logger
}

func NewPushHandler(notifier *push.Notifier, log *zap.Logger) *PushHandler {
	return &PushHandler{notifier: notifier, log: log}
}

func (h *PushHandler) enabled(c *gin.Context) bool {
	if h.notifier == nil {
		abortWithError(c, http.StatusServiceUnavailable, "push notifications disabled")
		return false
	}
	return true
}

func (h *PushHandler) VAPIDKey(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.notifier.VAPIDPublicKey()})
}

func (h *PushHandler) Subscribe(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok || !h.enabled(c) {
		return
	}

	var sub push.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.notifier.Save(c.Request.Context(), id.UserID, sub); err != nil {
		respondError(c, h.log, apperrors.Internal("failed to save subscription", err), "failed to save subscription")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (h *PushHandler) Unsubscribe(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok || !h.enabled(c) {
		return
	}

	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.notifier.Delete(c.Request.Context(), id.UserID, req.Endpoint); err != nil {
		respondError(c, h.log, apperrors.Internal("failed to delete subscription", err), "failed to delete subscription")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}
