package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/4xmen/hamkar/pkg/errors"
	"github.com/4xmen/hamkar/pkg/i18n"
)

// localize translates msg when the client asked for Persian.
func localize(c *gin.Context, msg string) string {
	if i18n.Prefers(c.GetHeader("Accept-Language")) {
		return i18n.Translate(msg)
	}
	return msg
}

func abortWithError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": localize(c, msg)})
}

func statusOf(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodePermissionDenied:
		return http.StatusForbidden
	case apperrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperrors.CodeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error. Internal errors are logged and
// answered with fallback so causes never leak to clients.
func respondError(c *gin.Context, log *zap.Logger, err error, fallback string) {
	status := statusOf(apperrors.CodeOf(err))
	msg := apperrors.MessageOf(err)
	if status == http.StatusInternalServerError {
		log.Error(fallback,
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		msg = fallback
	}
	c.Error(err)
	abortWithError(c, status, msg)
}
