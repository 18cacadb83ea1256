package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/codelane/antigravity-relay/internal/config"
)

func middlewareEngine(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(mw)
	engine.Any("/probe", func(c *gin.Context) {
		c.String(http.StatusOK, "reached")
	})
	return engine
}

func TestCORSMiddlewareHeaders(t *testing.T) {
	engine := middlewareEngine(CORSMiddleware())

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "anthropic-version")
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	engine := middlewareEngine(CORSMiddleware())

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/probe", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestAPIKeyAuthDisabledWhenUnconfigured(t *testing.T) {
	cfg := config.DefaultConfig()
	engine := middlewareEngine(APIKeyAuthMiddleware(cfg))

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuthRejectsBadKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.APIKey = "secret"
	engine := middlewareEngine(APIKeyAuthMiddleware(cfg))

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication_error")

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyAuthAcceptsBearerAndHeader(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.APIKey = "secret"
	engine := middlewareEngine(APIKeyAuthMiddleware(cfg))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer secret")
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("X-API-Key", "secret")
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSilentHandlerSwallowsTelemetry(t *testing.T) {
	engine := middlewareEngine(SilentHandlerMiddleware())
	engine.POST("/api/event_logging/batch", func(c *gin.Context) {
		c.String(http.StatusTeapot, "should not run")
	})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/event_logging/batch", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)

	// GETs pass through untouched.
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, "reached", w.Body.String())
}
