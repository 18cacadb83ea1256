package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/cloudcode"
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/modules"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// AccountsHandler serves GET /account-limits.
type AccountsHandler struct {
	manager *account.Manager
	client  *cloudcode.Client
	cfg     *config.Config
	stats   *modules.UsageStats
}

// NewAccountsHandler builds the handler. stats may be nil.
func NewAccountsHandler(manager *account.Manager, client *cloudcode.Client, cfg *config.Config, stats *modules.UsageStats) *AccountsHandler {
	return &AccountsHandler{manager: manager, client: client, cfg: cfg, stats: stats}
}

// accountLimitResult is one account's live quota snapshot.
type accountLimitResult struct {
	Email        string                         `json:"email"`
	Status       string                         `json:"status"`
	Error        string                         `json:"error,omitempty"`
	Subscription *storage.SubscriptionInfo      `json:"subscription,omitempty"`
	Models       map[string]*storage.ModelQuota `json:"models"`
}

// AccountLimits fetches fresh subscription and quota figures for every
// account, refreshing the pool's cached copies along the way.
// ?format=table renders ASCII; ?includeHistory=true appends the hourly
// usage ledger.
func (h *AccountsHandler) AccountLimits(c *gin.Context) {
	ctx := c.Request.Context()
	accounts := h.manager.Accounts()

	results := make([]*accountLimitResult, 0, len(accounts))
	for _, acc := range accounts {
		result := &accountLimitResult{
			Email:  acc.Email,
			Models: make(map[string]*storage.ModelQuota),
		}

		if acc.IsInvalid {
			result.Status = "invalid"
			result.Error = acc.InvalidReason
			results = append(results, result)
			continue
		}

		token, err := h.manager.GetToken(ctx, acc)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			results = append(results, result)
			continue
		}

		subscription, err := h.client.GetSubscriptionTier(ctx, token)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			result.Subscription = acc.Subscription
			results = append(results, result)
			continue
		}
		result.Subscription = subscription

		quotas, err := h.client.GetModelQuotas(ctx, token, subscription.ProjectID)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			results = append(results, result)
			continue
		}
		result.Status = "ok"
		result.Models = quotas

		h.manager.UpdateAccountSubscription(acc.Email, subscription)
		h.manager.UpdateAccountQuota(acc.Email, quotas)
		results = append(results, result)
	}

	modelIDSet := make(map[string]bool)
	for _, result := range results {
		for modelID := range result.Models {
			modelIDSet[modelID] = true
		}
	}
	sortedModels := make([]string, 0, len(modelIDSet))
	for modelID := range modelIDSet {
		sortedModels = append(sortedModels, modelID)
	}
	sort.Strings(sortedModels)

	if c.Query("format") == "table" {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.String(http.StatusOK, h.buildTable(results, sortedModels))
		return
	}

	status := h.manager.Status()
	accountsData := make([]gin.H, 0, len(results))
	for _, result := range results {
		var meta *account.AccountStatus
		for _, s := range status.Accounts {
			if s.Email == result.Email {
				meta = s
				break
			}
		}

		entry := gin.H{
			"email":        result.Email,
			"status":       result.Status,
			"subscription": result.Subscription,
		}
		if result.Error != "" {
			entry["error"] = result.Error
		}
		if meta != nil {
			entry["source"] = meta.Source
			entry["enabled"] = meta.Enabled
			entry["projectId"] = meta.ProjectID
			entry["isInvalid"] = meta.IsInvalid
			entry["invalidReason"] = meta.InvalidReason
			entry["lastUsed"] = meta.LastUsed
			entry["modelRateLimits"] = meta.ModelRateLimits
			if meta.Health != nil {
				entry["health"] = meta.Health
			}
		}

		limits := make(gin.H, len(sortedModels))
		for _, modelID := range sortedModels {
			quota := result.Models[modelID]
			if quota == nil {
				limits[modelID] = nil
				continue
			}
			remaining := "N/A"
			var fraction float64
			if quota.RemainingFraction != nil {
				fraction = *quota.RemainingFraction
				remaining = utils.FormatPercent(fraction)
			}
			limits[modelID] = gin.H{
				"remaining":         remaining,
				"remainingFraction": fraction,
				"resetTime":         quota.ResetTime,
			}
		}
		entry["limits"] = limits
		accountsData = append(accountsData, entry)
	}

	response := gin.H{
		"timestamp":            time.Now().Format(time.RFC3339),
		"totalAccounts":        len(accounts),
		"models":               sortedModels,
		"modelConfig":          h.cfg.ModelMapping,
		"globalQuotaThreshold": h.cfg.GlobalQuotaThreshold,
		"strategy":             status.Strategy,
		"accounts":             accountsData,
	}

	if c.Query("includeHistory") == "true" && h.stats != nil {
		history, err := h.stats.GetHistory(ctx)
		if err != nil {
			utils.Warn("[API] Failed to load usage history: %v", err)
		} else {
			response["history"] = history
		}
	}

	c.JSON(http.StatusOK, response)
}

// buildTable renders the quota grid as plain text for terminal use.
func (h *AccountsHandler) buildTable(results []*accountLimitResult, sortedModels []string) string {
	var sb strings.Builder

	status := h.manager.Status()
	sb.WriteString(fmt.Sprintf("Account Limits (%s)\n", time.Now().Format(time.RFC1123)))
	sb.WriteString(fmt.Sprintf("Accounts: %d total, %d available, %d rate-limited, %d invalid\n\n",
		status.Total, status.Available, status.RateLimited, status.Invalid))

	modelColWidth := 28
	for _, m := range sortedModels {
		if len(m)+2 > modelColWidth {
			modelColWidth = len(m) + 2
		}
	}
	const accountColWidth = 28

	sb.WriteString(fmt.Sprintf("%-*s", modelColWidth, "Model"))
	for _, result := range results {
		sb.WriteString(fmt.Sprintf("%-*s", accountColWidth, shortEmail(result.Email, accountColWidth-2)))
	}
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("-", modelColWidth+len(results)*accountColWidth) + "\n")

	for _, modelID := range sortedModels {
		sb.WriteString(fmt.Sprintf("%-*s", modelColWidth, modelID))
		for _, result := range results {
			sb.WriteString(fmt.Sprintf("%-*s", accountColWidth, quotaCell(result, modelID)))
		}
		sb.WriteString("\n")
	}

	for _, result := range results {
		if result.Error != "" {
			sb.WriteString(fmt.Sprintf("\n%s: %s", shortEmail(result.Email, 40), result.Error))
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

func quotaCell(result *accountLimitResult, modelID string) string {
	if result.Status != "ok" {
		return "[" + result.Status + "]"
	}
	quota := result.Models[modelID]
	if quota == nil {
		return "-"
	}
	if quota.RemainingFraction == nil || *quota.RemainingFraction <= 0 {
		if quota.ResetTime != "" {
			if waitMs := msUntil(quota.ResetTime); waitMs > 0 {
				return fmt.Sprintf("0%% (wait %s)", utils.FormatDuration(waitMs))
			}
			return "0% (resetting...)"
		}
		return "0% (exhausted)"
	}
	return fmt.Sprintf("%d%%", int(*quota.RemainingFraction*100))
}

func shortEmail(email string, max int) string {
	if idx := strings.Index(email, "@"); idx > 0 {
		email = email[:idx]
	}
	return utils.TruncateString(email, max)
}

func msUntil(resetTime string) int64 {
	t, err := time.Parse(time.RFC3339, resetTime)
	if err != nil {
		return 0
	}
	return t.UnixMilli() - utils.NowMs()
}
