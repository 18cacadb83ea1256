package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/cloudcode"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// HealthHandler serves GET /health.
type HealthHandler struct {
	manager *account.Manager
	client  *cloudcode.Client
}

// NewHealthHandler builds the handler.
func NewHealthHandler(manager *account.Manager, client *cloudcode.Client) *HealthHandler {
	return &HealthHandler{manager: manager, client: client}
}

// Health reports pool counts plus per-account rate-limit and quota
// detail. Quota lookups hit the upstream, so this endpoint is for
// operators, not liveness probes.
func (h *HealthHandler) Health(c *gin.Context) {
	start := time.Now()
	ctx := c.Request.Context()

	status := h.manager.Status()

	type accountDetail struct {
		Email                      string                 `json:"email"`
		Status                     string                 `json:"status"`
		Error                      string                 `json:"error,omitempty"`
		LastUsed                   string                 `json:"lastUsed,omitempty"`
		ModelRateLimits            map[string]interface{} `json:"modelRateLimits,omitempty"`
		RateLimitCooldownRemaining int64                  `json:"rateLimitCooldownRemaining"`
		Models                     map[string]interface{} `json:"models,omitempty"`
	}

	accounts := h.manager.Accounts()
	details := make([]accountDetail, 0, len(accounts))

	for _, acc := range accounts {
		detail := accountDetail{
			Email:           acc.Email,
			ModelRateLimits: make(map[string]interface{}),
			Models:          make(map[string]interface{}),
		}
		if acc.LastUsed > 0 {
			detail.LastUsed = time.UnixMilli(acc.LastUsed).Format(time.RFC3339)
		}

		now := utils.NowMs()
		var soonestReset int64
		rateLimited := false
		for modelID, limit := range acc.ModelRateLimits {
			if limit.IsRateLimited && limit.ResetTime > now {
				rateLimited = true
				if soonestReset == 0 || limit.ResetTime < soonestReset {
					soonestReset = limit.ResetTime
				}
			}
			detail.ModelRateLimits[modelID] = gin.H{
				"isRateLimited": limit.IsRateLimited,
				"resetTime":     limit.ResetTime,
			}
		}
		if soonestReset > 0 {
			detail.RateLimitCooldownRemaining = soonestReset - now
		}

		if acc.IsInvalid {
			detail.Status = "invalid"
			detail.Error = acc.InvalidReason
			details = append(details, detail)
			continue
		}

		token, err := h.manager.GetToken(ctx, acc)
		if err != nil {
			detail.Status = "error"
			detail.Error = err.Error()
			details = append(details, detail)
			continue
		}

		projectID := ""
		if acc.Subscription != nil {
			projectID = acc.Subscription.ProjectID
		}
		quotas, err := h.client.GetModelQuotas(ctx, token, projectID)
		if err != nil {
			detail.Status = "error"
			detail.Error = err.Error()
			details = append(details, detail)
			continue
		}

		for modelID, info := range quotas {
			remaining := "N/A"
			var fraction float64
			if info.RemainingFraction != nil && *info.RemainingFraction >= 0 {
				fraction = *info.RemainingFraction
				remaining = utils.FormatPercent(fraction)
			}
			detail.Models[modelID] = gin.H{
				"remaining":         remaining,
				"remainingFraction": fraction,
				"resetTime":         info.ResetTime,
			}
		}

		if rateLimited {
			detail.Status = "rate-limited"
		} else {
			detail.Status = "ok"
		}
		details = append(details, detail)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"latencyMs": time.Since(start).Milliseconds(),
		"strategy":  status.Strategy,
		"summary": fmt.Sprintf("%d/%d accounts available",
			status.Available, status.Total),
		"counts": gin.H{
			"total":       status.Total,
			"available":   status.Available,
			"rateLimited": status.RateLimited,
			"invalid":     status.Invalid,
		},
		"accounts": details,
	})
}
