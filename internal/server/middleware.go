package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// CORSMiddleware answers preflights and opens the relay to browser
// clients.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, anthropic-version, anthropic-beta")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// APIKeyAuthMiddleware guards /v1 when a key is configured. The key
// arrives as a Bearer token or the X-API-Key header.
func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := cfg.APIKey
		if apiKey == "" {
			c.Next()
			return
		}

		var provided string
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		} else if key := c.GetHeader("X-API-Key"); key != "" {
			provided = key
		}

		if provided != apiKey {
			utils.Warn("[API] Unauthorized request from %s", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "Invalid or missing API key",
				},
			})
			return
		}
		c.Next()
	}
}

// RequestLoggingMiddleware logs one line per request, leveled by
// status. Chatty client housekeeping paths only log in debug mode.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start).Milliseconds()
		const line = "[%s] %s %d (%dms)"

		if path == "/api/event_logging/batch" ||
			strings.HasPrefix(path, "/v1/messages/count_tokens") ||
			strings.HasPrefix(path, "/.well-known/") {
			if utils.IsDebug() {
				utils.Debug(line, c.Request.Method, path, status, elapsed)
			}
			return
		}

		switch {
		case status >= 500:
			utils.Error(line, c.Request.Method, path, status, elapsed)
		case status >= 400:
			utils.Warn(line, c.Request.Method, path, status, elapsed)
		default:
			utils.Info(line, c.Request.Method, path, status, elapsed)
		}
	}
}

// SilentHandlerMiddleware swallows client telemetry endpoints with an
// empty OK so they never reach the dispatch path.
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost {
			switch c.Request.URL.Path {
			case "/api/event_logging/batch", "/":
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

// BodyLimitMiddleware caps request bodies at the configured limit.
func BodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	}
}
