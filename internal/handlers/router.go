package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Auth        *AuthHandler
	Chat        *ChatHandler
	Push        *PushHandler
	WebSocket   gin.HandlerFunc
	SendLimiter *limiter.Limiter
	Origins     []string
	// MaxMultipartMemory is how much of a multipart body is kept in memory
	// before spilling to temp files.
	MaxMultipartMemory int64
	Log                *zap.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(ServerErrorLogger(cfg.Log))
	router.Use(AccessLog(cfg.Log))
	router.Use(PanicRecovery(cfg.Log))
	router.Use(CORS(cfg.Origins))
	if cfg.MaxMultipartMemory > 0 {
		router.MaxMultipartMemory = cfg.MaxMultipartMemory
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(cfg.Auth.AuthMiddleware())
	{
		sendMessage := []gin.HandlerFunc{cfg.Chat.SendMessage}
		if cfg.SendLimiter != nil {
			sendMessage = append([]gin.HandlerFunc{RateLimit(cfg.SendLimiter, UserKey, cfg.Log)}, sendMessage...)
		}

		api.POST("/sessions", cfg.Chat.CreateSession)
		api.GET("/sessions", cfg.Chat.ListSessions)
		api.GET("/sessions/:id/messages", cfg.Chat.GetMessages)
		api.POST("/sessions/:id/messages", sendMessage...)
		api.POST("/sessions/:id/read", cfg.Chat.MarkRead)
		api.GET("/attachments/:fileName", cfg.Chat.GetAttachment)

		api.GET("/push/vapid-key", cfg.Push.VAPIDKey)
		api.POST("/push/subscriptions", cfg.Push.Subscribe)
		api.DELETE("/push/subscriptions", cfg.Push.Unsubscribe)

		if cfg.WebSocket != nil {
			api.GET("/ws", cfg.WebSocket)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "not found")
	})

	return router
}
