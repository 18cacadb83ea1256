// Package modules holds optional server features that ride alongside
// the relay core.
package modules

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/redis"
)

// retentionDays is how much hourly history is kept in Redis.
const retentionDays = 30

// UsageStats counts requests per hour, family and model. Without Redis
// it degrades to a no-op so the relay never depends on it.
type UsageStats struct {
	store *redis.StatsStore

	mu          sync.Mutex
	initialized bool
	stop        chan struct{}
}

// NewUsageStats wraps the optional Redis client. A nil client disables
// tracking.
func NewUsageStats(client *redis.Client) *UsageStats {
	var store *redis.StatsStore
	if client != nil {
		store = redis.NewStatsStore(client)
	}
	return &UsageStats{store: store, stop: make(chan struct{})}
}

// Initialize starts the hourly pruner.
func (u *UsageStats) Initialize() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.initialized {
		return
	}
	go u.prune()
	u.initialized = true
	utils.Info("[UsageStats] Module initialized")
}

// Shutdown stops the pruner.
func (u *UsageStats) Shutdown() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.initialized {
		return
	}
	close(u.stop)
	u.initialized = false
}

func (u *UsageStats) prune() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-u.stop:
			return
		case <-ticker.C:
			if u.store == nil {
				continue
			}
			pruned, err := u.store.PruneOldStats(context.Background(), retentionDays)
			if err != nil {
				utils.Warn("[UsageStats] Prune failed: %v", err)
			} else if pruned > 0 {
				utils.Debug("[UsageStats] Pruned %d old entries", pruned)
			}
		}
	}
}

// Track counts one request against the current hour.
func (u *UsageStats) Track(modelID string) {
	if u.store == nil {
		return
	}
	family := string(config.GetModelFamily(modelID))
	if family == string(config.ModelFamilyUnknown) {
		family = "other"
	}
	if err := u.store.RecordRequest(context.Background(), family, redis.GetModelShortName(modelID)); err != nil {
		utils.Debug("[UsageStats] Failed to record request: %v", err)
	}
}

// GetHistory returns the hourly ledger keyed by ISO hour:
// {"2026-01-01T00:00:00.000Z": {"_total": 10, "claude": {"_subtotal": 5, "opus-4.5": 5}}}
func (u *UsageStats) GetHistory(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	if u.store == nil {
		return result, nil
	}

	history, err := u.store.GetHistory(ctx, retentionDays)
	if err != nil {
		return nil, err
	}

	for hourKey, stats := range history {
		t, err := time.Parse("2006-01-02T15", hourKey)
		if err != nil {
			continue
		}
		hourData := map[string]interface{}{"_total": stats.Total}
		for family, fam := range stats.Families {
			familyData := map[string]interface{}{"_subtotal": fam.Subtotal}
			for model, count := range fam.Models {
				familyData[model] = count
			}
			hourData[family] = familyData
		}
		result[t.Format("2006-01-02T15:04:05.000Z")] = hourData
	}
	return result, nil
}

// SortedHours returns the history's hour keys in chronological order.
func SortedHours(history map[string]interface{}) []string {
	keys := make([]string, 0, len(history))
	for k := range history {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetupRoutes mounts the stats endpoints on a router group.
func (u *UsageStats) SetupRoutes(router *gin.RouterGroup) {
	router.GET("/stats/history", u.handleGetHistory)
}

func (u *UsageStats) handleGetHistory(c *gin.Context) {
	history, err := u.GetHistory(c.Request.Context())
	if err != nil {
		utils.Error("[UsageStats] Failed to get history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, history)
}
