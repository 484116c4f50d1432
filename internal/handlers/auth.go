package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/hamkar/internal/auth"
	"github.com/4xmen/hamkar/internal/chat"
)

type AuthHandler struct {
	authSvc *auth.Service
}

func NewAuthHandler(authSvc *auth.Service) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

// AuthMiddleware validates JWT token
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Try to get token from Authorization header first
		token := ""
		if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
			token = strings.TrimSpace(bearer)
		}

		// If not in header, try query parameter (for WebSocket)
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			abortWithError(c, http.StatusUnauthorized, "missing authorization token")
			return
		}

		claims, err := h.authSvc.ValidateToken(token)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "invalid token")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// identity reads the caller set by AuthMiddleware.
func identity(c *gin.Context) (chat.Identity, bool) {
	userID, ok := c.Get("user_id")
	if !ok {
		return chat.Identity{}, false
	}
	id, ok := userID.(int)
	if !ok {
		return chat.Identity{}, false
	}
	role := c.GetString("role")
	return chat.Identity{UserID: id, Role: role}, true
}

func requireIdentity(c *gin.Context) (chat.Identity, bool) {
	id, ok := identity(c)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, "unauthorized")
	}
	return id, ok
}
