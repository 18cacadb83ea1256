package cloudcode

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/decoder"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// modelCache holds the set of model ids the upstream advertises, used to
// reject unknown models before dispatch.
var modelCache = struct {
	sync.RWMutex
	validModels map[string]bool
	lastFetched time.Time
}{validModels: make(map[string]bool)}

// ModelInfo is one entry of the fetchAvailableModels reply.
type ModelInfo struct {
	DisplayName string          `json:"displayName,omitempty"`
	QuotaInfo   *ModelQuotaInfo `json:"quotaInfo,omitempty"`
}

// ModelQuotaInfo is the upstream quota snapshot for one model.
type ModelQuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         string   `json:"resetTime,omitempty"`
}

// FetchModelsResponse is the fetchAvailableModels reply body.
type FetchModelsResponse struct {
	Models map[string]*ModelInfo `json:"models,omitempty"`
}

type loadCodeAssistRequest struct {
	Metadata *loadCodeAssistMetadata `json:"metadata,omitempty"`
}

type loadCodeAssistMetadata struct {
	IDEType     string `json:"ideType,omitempty"`
	Platform    string `json:"platform,omitempty"`
	PluginType  string `json:"pluginType,omitempty"`
	DuetProject string `json:"duetProject,omitempty"`
}

type loadCodeAssistResponse struct {
	PaidTier                *tierInfo   `json:"paidTier,omitempty"`
	CurrentTier             *tierInfo   `json:"currentTier,omitempty"`
	AllowedTiers            []*tierInfo `json:"allowedTiers,omitempty"`
	CloudAICompanionProject interface{} `json:"cloudaicompanionProject,omitempty"`
}

type tierInfo struct {
	ID        string `json:"id,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

func isSupportedModel(modelID string) bool {
	family := config.GetModelFamily(modelID)
	return family == config.ModelFamilyClaude || family == config.ModelFamilyGemini
}

// ListModels returns the upstream's Claude and Gemini models in the
// Messages API list shape, warming the validation cache as a side
// effect.
func ListModels(ctx context.Context, token string) (*anthropic.ModelsResponse, error) {
	data, err := FetchAvailableModels(ctx, token, "")
	if err != nil {
		return nil, err
	}
	if data == nil || data.Models == nil {
		return &anthropic.ModelsResponse{Object: "list", Data: []anthropic.Model{}}, nil
	}

	now := time.Now().Unix()
	models := make([]anthropic.Model, 0, len(data.Models))
	for modelID, info := range data.Models {
		if !isSupportedModel(modelID) {
			continue
		}
		description := modelID
		if info != nil && info.DisplayName != "" {
			description = info.DisplayName
		}
		models = append(models, anthropic.Model{
			ID:          modelID,
			Object:      "model",
			Created:     now,
			OwnedBy:     "anthropic",
			Description: description,
		})
	}

	modelCache.Lock()
	modelCache.validModels = make(map[string]bool, len(models))
	for _, m := range models {
		modelCache.validModels[m.ID] = true
	}
	modelCache.lastFetched = time.Now()
	modelCache.Unlock()

	return &anthropic.ModelsResponse{Object: "list", Data: models}, nil
}

// FetchAvailableModels calls fetchAvailableModels with endpoint
// fallback. A project id in the body yields per-project quota figures.
func FetchAvailableModels(ctx context.Context, token, projectID string) (*FetchModelsResponse, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range config.CloudCodeHeaders() {
		headers[k] = v
	}

	body := map[string]string{}
	if projectID != "" {
		body["project"] = projectID
	}
	bodyBytes, _ := sonic.Marshal(body)

	client := &http.Client{Timeout: 30 * time.Second}
	for _, endpoint := range config.GetConfig().GetEndpoints() {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v1internal:fetchAvailableModels", bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels failed at %s: %v", endpoint, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			utils.Warn("[CloudCode] fetchAvailableModels error at %s: %d", endpoint, resp.StatusCode)
			continue
		}

		var data FetchModelsResponse
		err = decoder.NewStreamDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels decode error at %s: %v", endpoint, err)
			continue
		}
		return &data, nil
	}

	return nil, fmt.Errorf("failed to fetch available models from all endpoints")
}

// GetModelQuotas converts the upstream quota snapshot into account
// ledger form. A missing remainingFraction with a reset time present
// means the quota is exhausted.
func GetModelQuotas(ctx context.Context, token, projectID string) (map[string]*storage.ModelQuota, error) {
	data, err := FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		return nil, err
	}

	quotas := make(map[string]*storage.ModelQuota)
	if data == nil || data.Models == nil {
		return quotas, nil
	}

	for modelID, info := range data.Models {
		if !isSupportedModel(modelID) || info == nil || info.QuotaInfo == nil {
			continue
		}
		quota := &storage.ModelQuota{ResetTime: info.QuotaInfo.ResetTime}
		if info.QuotaInfo.RemainingFraction != nil {
			quota.RemainingFraction = info.QuotaInfo.RemainingFraction
		} else if info.QuotaInfo.ResetTime != "" {
			quota.RemainingFraction = utils.Ptr(0.0)
		}
		quotas[modelID] = quota
	}
	return quotas, nil
}

// ParseTierID normalizes an upstream tier id to free/pro/ultra.
func ParseTierID(tierID string) string {
	if tierID == "" {
		return "unknown"
	}
	lower := strings.ToLower(tierID)
	switch {
	case strings.Contains(lower, "ultra"):
		return "ultra"
	case lower == "standard-tier":
		// standard-tier is the paid, project-based Code Assist plan.
		return "pro"
	case strings.Contains(lower, "pro"), strings.Contains(lower, "premium"):
		return "pro"
	case strings.Contains(lower, "free"):
		return "free"
	default:
		return "unknown"
	}
}

// GetSubscriptionTier resolves an account's subscription via
// loadCodeAssist: paidTier wins over currentTier, which wins over the
// default allowed tier. All-endpoint failure degrades to free.
func GetSubscriptionTier(ctx context.Context, token string) (*storage.SubscriptionInfo, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range config.CloudCodeHeaders() {
		headers[k] = v
	}

	bodyBytes, _ := sonic.Marshal(&loadCodeAssistRequest{
		Metadata: &loadCodeAssistMetadata{
			IDEType:     "IDE_UNSPECIFIED",
			Platform:    "PLATFORM_UNSPECIFIED",
			PluginType:  "GEMINI",
			DuetProject: config.DefaultProjectID,
		},
	})

	client := &http.Client{Timeout: 30 * time.Second}
	for _, endpoint := range config.LoadCodeAssistEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v1internal:loadCodeAssist", bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			utils.Warn("[CloudCode] loadCodeAssist failed at %s: %v", endpoint, err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			utils.Warn("[CloudCode] loadCodeAssist error at %s: %d", endpoint, resp.StatusCode)
			continue
		}

		var data loadCodeAssistResponse
		err = decoder.NewStreamDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			utils.Warn("[CloudCode] loadCodeAssist decode error at %s: %v", endpoint, err)
			continue
		}

		var projectID string
		switch v := data.CloudAICompanionProject.(type) {
		case string:
			projectID = v
		case map[string]interface{}:
			if id, ok := v["id"].(string); ok {
				projectID = id
			}
		}

		tier := "unknown"
		if data.PaidTier != nil && data.PaidTier.ID != "" {
			tier = ParseTierID(data.PaidTier.ID)
		}
		if tier == "unknown" && data.CurrentTier != nil && data.CurrentTier.ID != "" {
			tier = ParseTierID(data.CurrentTier.ID)
		}
		if tier == "unknown" && len(data.AllowedTiers) > 0 {
			chosen := data.AllowedTiers[0]
			for _, t := range data.AllowedTiers {
				if t != nil && t.IsDefault {
					chosen = t
					break
				}
			}
			if chosen != nil && chosen.ID != "" {
				tier = ParseTierID(chosen.ID)
			}
		}

		utils.Debug("[CloudCode] Subscription detected: %s, project: %s", tier, projectID)
		return &storage.SubscriptionInfo{Tier: tier, ProjectID: projectID, CheckedAt: utils.NowMs()}, nil
	}

	utils.Warn("[CloudCode] Failed to detect subscription tier from all endpoints, defaulting to free")
	return &storage.SubscriptionInfo{Tier: "free", CheckedAt: utils.NowMs()}, nil
}

// PopulateModelCache refreshes the validation cache when stale.
func PopulateModelCache(ctx context.Context, token, projectID string) error {
	modelCache.RLock()
	fresh := len(modelCache.validModels) > 0 &&
		time.Since(modelCache.lastFetched) < time.Duration(config.ModelValidationCacheTTLMs)*time.Millisecond
	modelCache.RUnlock()
	if fresh {
		return nil
	}

	data, err := FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		utils.Warn("[CloudCode] Failed to populate model cache: %v", err)
		return err
	}
	if data == nil || data.Models == nil {
		return nil
	}

	modelCache.Lock()
	modelCache.validModels = make(map[string]bool, len(data.Models))
	for modelID := range data.Models {
		if isSupportedModel(modelID) {
			modelCache.validModels[modelID] = true
		}
	}
	modelCache.lastFetched = time.Now()
	utils.Debug("[CloudCode] Model cache populated with %d models", len(modelCache.validModels))
	modelCache.Unlock()
	return nil
}

// IsValidModel checks a model id against the validation cache. An empty
// cache fails open and lets the upstream decide.
func IsValidModel(ctx context.Context, modelID, token, projectID string) bool {
	_ = PopulateModelCache(ctx, token, projectID)

	modelCache.RLock()
	defer modelCache.RUnlock()
	if len(modelCache.validModels) > 0 {
		return modelCache.validModels[modelID]
	}
	return true
}
