package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// ProjectInfo is what project discovery yields for an account. ProjectID
// is the user's own Cloud Code project; ManagedProjectID is one
// provisioned by onboarding when the account had none.
type ProjectInfo struct {
	ProjectID        string
	ManagedProjectID string
	Tier             string
}

func clientMetadataBody() map[string]string {
	return map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
}

// postCodeAssist POSTs a v1internal method at one endpoint and decodes
// the JSON response.
func postCodeAssist(ctx context.Context, endpoint, method, accessToken string, body interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:"+method, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.CloudCodeHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%s returned %d: %s", method, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

// LoadCodeAssist calls v1internal:loadCodeAssist, trying each endpoint
// in order.
func LoadCodeAssist(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	var lastErr error
	for _, endpoint := range config.LoadCodeAssistEndpoints {
		data, err := postCodeAssist(ctx, endpoint, "loadCodeAssist", accessToken, map[string]interface{}{
			"metadata": clientMetadataBody(),
		})
		if err != nil {
			utils.Warn("[Project] loadCodeAssist failed at %s: %v", endpoint, err)
			lastErr = err
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("loadCodeAssist failed at all endpoints: %w", lastErr)
}

// projectFromResponse handles both shapes the API uses for
// cloudaicompanionProject: a bare id string or an object with an id.
func projectFromResponse(data map[string]interface{}) string {
	switch p := data["cloudaicompanionProject"].(type) {
	case string:
		return p
	case map[string]interface{}:
		if id, ok := p["id"].(string); ok {
			return id
		}
	}
	return ""
}

// tierFromResponse returns the raw tier id, preferring paidTier, then
// currentTier, then the default entry of allowedTiers.
func tierFromResponse(data map[string]interface{}) string {
	for _, key := range []string{"paidTier", "currentTier"} {
		if tier, ok := data[key].(map[string]interface{}); ok {
			if id, ok := tier["id"].(string); ok && id != "" {
				return id
			}
		}
	}
	return defaultTierID(data)
}

// defaultTierID picks the default entry from allowedTiers, falling back
// to the first.
func defaultTierID(data map[string]interface{}) string {
	allowed, ok := data["allowedTiers"].([]interface{})
	if !ok || len(allowed) == 0 {
		return ""
	}

	for _, entry := range allowed {
		tier, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, _ := tier["isDefault"].(bool); isDefault {
			if id, ok := tier["id"].(string); ok {
				return id
			}
		}
	}

	if first, ok := allowed[0].(map[string]interface{}); ok {
		if id, ok := first["id"].(string); ok {
			return id
		}
	}
	return ""
}

// DiscoverProject resolves the Cloud Code project for an access token,
// onboarding the account when it has none. Callers that still end up
// without a project fall back to config.DefaultProjectID at dispatch.
func DiscoverProject(ctx context.Context, accessToken string) (*ProjectInfo, error) {
	data, err := LoadCodeAssist(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	info := &ProjectInfo{Tier: tierFromResponse(data)}
	if projectID := projectFromResponse(data); projectID != "" {
		info.ProjectID = projectID
		return info, nil
	}

	tierID := defaultTierID(data)
	if tierID == "" {
		tierID = "free-tier"
	}
	utils.Info("[Project] No project assigned, onboarding with tier %s", tierID)

	managed, err := OnboardUser(ctx, accessToken, tierID, "", 10, 5000)
	if err != nil {
		utils.Warn("[Project] Onboarding failed: %v", err)
		return info, nil
	}
	utils.Success("[Project] Onboarded, managed project: %s", managed)
	info.ManagedProjectID = managed
	return info, nil
}

// DiscoverProjectID is the single-value form used by the credentials
// layer: the managed project counts when no user project exists.
func DiscoverProjectID(ctx context.Context, accessToken string) (string, error) {
	info, err := DiscoverProject(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if info.ProjectID != "" {
		return info.ProjectID, nil
	}
	return info.ManagedProjectID, nil
}

// OnboardUser provisions a managed project for an account. tierID is the
// raw API value ("free-tier", "standard-tier", "g1-pro-tier"); projectID
// is only required for non-free tiers. The operation is long-running, so
// the result is polled up to maxAttempts with delayMs between polls.
func OnboardUser(ctx context.Context, accessToken, tierID, projectID string, maxAttempts int, delayMs int64) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if delayMs <= 0 {
		delayMs = 5000
	}

	metadata := clientMetadataBody()
	if projectID != "" {
		metadata["duetProject"] = projectID
	}

	// cloudaicompanionProject must stay out of the body: auto-provisioned
	// tiers reject it with a 400.
	requestBody := map[string]interface{}{
		"tierId":   tierID,
		"metadata": metadata,
	}

	utils.Debug("[Project] onboardUser tierId=%s projectID=%s", tierID, projectID)

	for _, endpoint := range config.OnboardUserEndpoints {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			result, err := postCodeAssist(ctx, endpoint, "onboardUser", accessToken, requestBody)
			if err != nil {
				utils.Warn("[Project] onboardUser failed at %s: %v", endpoint, err)
				break
			}

			if done, _ := result["done"].(bool); done {
				if response, ok := result["response"].(map[string]interface{}); ok {
					if id := projectFromResponse(response); id != "" {
						return id, nil
					}
				}
				if projectID != "" {
					return projectID, nil
				}
			}

			if attempt < maxAttempts-1 {
				utils.Debug("[Project] onboardUser pending, retrying in %dms", delayMs)
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(time.Duration(delayMs) * time.Millisecond):
				}
			}
		}
	}

	return "", fmt.Errorf("onboarding did not complete for tier %s", tierID)
}
