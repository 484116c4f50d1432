package handlers

import (
	"bytes"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
)

// RateLimit rejects requests once key has used up its rate.
func RateLimit(l *limiter.Limiter, key func(*gin.Context) string, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := l.Get(c.Request.Context(), key(c))
		if err != nil {
			log.Error("rate limiter failed", zap.Error(err))
			abortWithError(c, http.StatusInternalServerError, "rate limiter error")
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(limiterContext.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(limiterContext.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(limiterContext.Reset, 10))

		if limiterContext.Reached {
			abortWithError(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		c.Next()
	}
}

// UserKey keys rate limits by authenticated user, falling back to client IP.
func UserKey(c *gin.Context) string {
	if id, ok := identity(c); ok {
		return "user:" + strconv.Itoa(id.UserID)
	}
	return "ip:" + c.ClientIP()
}

// AccessLog writes one structured line per request.
func AccessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("duration", time.Since(start)),
			zap.Int("size", c.Writer.Size()))
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// ServerErrorLogger records the response body of every 5xx answer.
func ServerErrorLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("server error",
				zap.Int("status", c.Writer.Status()),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()),
				zap.Duration("duration", time.Since(start).Truncate(time.Millisecond)),
				zap.String("errors", c.Errors.ByType(gin.ErrorTypeAny).String()),
				zap.String("response", strings.TrimSpace(blw.body.String())))
		}
	}
}

func PanicRecovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic recovered",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Any("error", recovered),
			zap.ByteString("stack", debug.Stack()))
		abortWithError(c, http.StatusInternalServerError, "internal server error")
	})
}

// CORS allows the listed origins; "*" allows any.
func CORS(origins []string) gin.HandlerFunc {
	anyOrigin := slices.Contains(origins, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (anyOrigin || slices.Contains(origins, origin)) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept-Language")
			c.Writer.Header().Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
