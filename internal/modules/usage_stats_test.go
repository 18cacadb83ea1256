package modules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageStatsNoRedisIsInert(t *testing.T) {
	stats := NewUsageStats(nil)
	stats.Initialize()
	defer stats.Shutdown()

	// Tracking without a backing store never errors or blocks.
	stats.Track("claude-sonnet-4-5")
	stats.Track("unknown-model")

	history, err := stats.GetHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUsageStatsLifecycleIdempotent(t *testing.T) {
	stats := NewUsageStats(nil)
	stats.Initialize()
	stats.Initialize()
	stats.Shutdown()
	stats.Shutdown()
}

func TestUsageStatsHistoryEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stats := NewUsageStats(nil)

	engine := gin.New()
	stats.SetupRoutes(engine.Group("/api"))

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats/history", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "{}", w.Body.String())
}

func TestSortedHours(t *testing.T) {
	history := map[string]interface{}{
		"2026-08-26T10:00:00.000Z": nil,
		"2026-08-25T23:00:00.000Z": nil,
		"2026-08-26T09:00:00.000Z": nil,
	}
	assert.Equal(t, []string{
		"2026-08-25T23:00:00.000Z",
		"2026-08-26T09:00:00.000Z",
		"2026-08-26T10:00:00.000Z",
	}, SortedHours(history))
}
