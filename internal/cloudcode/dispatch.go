// Package cloudcode dispatches translated requests to the Cloud Code
// API: account failover, endpoint fallback, rate-limit backoff, and the
// streaming/unary response paths.
package cloudcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/config"
	relayerrors "github.com/codelane/antigravity-relay/internal/errors"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// upstreamTimeout bounds one upstream call. Long generations stream for
// minutes, so this is generous.
const upstreamTimeout = 10 * time.Minute

// dispatcher runs the shared retry machinery: pick an account, walk the
// endpoint fallback list, classify failures, back off or switch, and
// hand a 200 response to the mode-specific consumer.
type dispatcher struct {
	manager *account.Manager
	client  *http.Client
	cfg     *config.Config
}

func newDispatcher(manager *account.Manager, cfg *config.Config) *dispatcher {
	return &dispatcher{
		manager: manager,
		client:  &http.Client{Timeout: upstreamTimeout},
		cfg:     cfg,
	}
}

// attemptContext carries everything needed to (re)issue one upstream
// call, so the streaming path can refetch after an empty stream.
type attemptContext struct {
	account *storage.Account
	url     string
	headers map[string]string
	payload []byte
}

func (a *attemptContext) newRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(a.payload))
	if err != nil {
		return nil, err
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// consumeFunc processes one successful upstream response. Returning nil
// ends the dispatch; returning an error feeds it back into the failover
// classification.
type consumeFunc func(ctx context.Context, resp *http.Response, att *attemptContext) error

// dispatch runs the full retry loop for one request. streaming selects
// the SSE endpoint unconditionally; the unary path still streams for
// thinking models because the JSON endpoint drops thinking blocks.
func (d *dispatcher) dispatch(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled, streaming bool, consume consumeFunc) error {
	model := req.Model

	maxAttempts := config.MaxRetries
	if n := d.manager.Count() + 1; n > maxAttempts {
		maxAttempts = n
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		d.manager.ClearExpiredLimits()

		if d.manager.AvailableCount(model) == 0 {
			retry, err := d.handleExhaustedPool(ctx, req, fallbackEnabled, streaming, consume)
			if err != nil || !retry {
				return err
			}
			// Waiting for a reset is not a failed attempt.
			attempt--
			continue
		}

		result, err := d.manager.SelectAccount(ctx, model)
		if err != nil {
			return err
		}

		if result.Account == nil && result.WaitMs > 0 {
			utils.Info("[CloudCode] Waiting %s for account...", utils.FormatDuration(result.WaitMs))
			if err := utils.Sleep(ctx, result.WaitMs+500); err != nil {
				return err
			}
			attempt--
			continue
		}
		if result.Account != nil && result.WaitMs > 0 {
			utils.Debug("[CloudCode] Throttling request %dms before dispatch", result.WaitMs)
			if err := utils.Sleep(ctx, result.WaitMs); err != nil {
				return err
			}
		}
		if result.Account == nil {
			utils.Warn("[CloudCode] No account selected for %s (attempt %d/%d)", model, attempt+1, maxAttempts)
			continue
		}
		acc := result.Account

		token, err := d.manager.GetToken(ctx, acc)
		if err != nil {
			utils.Warn("[CloudCode] Failed to get token for %s: %v", acc.DisplayName(), err)
			continue
		}
		projectID, err := d.manager.GetProject(ctx, acc, token)
		if err != nil {
			projectID = config.DefaultProjectID
		}

		payload, err := BuildCloudCodeRequest(req, projectID)
		if err != nil {
			return err
		}
		payloadBytes, err := sonic.Marshal(payload)
		if err != nil {
			return err
		}

		lastError := d.tryEndpoints(ctx, acc, token, model, payloadBytes, streaming, consume)
		if lastError == nil {
			return nil
		}
		if done, err := d.classifyAccountFailure(ctx, acc, model, lastError); done {
			return err
		}
	}

	if fallbackEnabled {
		if fallbackModel, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[CloudCode] All retries exhausted for %s, falling back to %s", model, fallbackModel)
			fallbackRequest := *req
			fallbackRequest.Model = fallbackModel
			return d.dispatch(ctx, &fallbackRequest, false, streaming, consume)
		}
	}

	return relayerrors.NewMaxRetriesError("", maxAttempts)
}

// handleExhaustedPool decides what to do when no account can serve the
// model: wait for the shortest reset, fall back to the substitute model,
// or fail. Returns retry=true when the caller should loop again.
func (d *dispatcher) handleExhaustedPool(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled, streaming bool, consume consumeFunc) (retry bool, err error) {
	model := req.Model

	if !d.manager.IsAllRateLimited(model) {
		return false, relayerrors.NewNoAccountsError("", false)
	}

	minWaitMs := d.manager.MinWaitTimeMs(model)
	if minWaitMs > config.MaxWaitBeforeErrorMs {
		if fallbackEnabled {
			if fallbackModel, ok := config.GetFallbackModel(model); ok {
				utils.Warn("[CloudCode] All accounts exhausted for %s (%s wait), falling back to %s",
					model, utils.FormatDuration(minWaitMs), fallbackModel)
				fallbackRequest := *req
				fallbackRequest.Model = fallbackModel
				return false, d.dispatch(ctx, &fallbackRequest, false, streaming, consume)
			}
		}
		resetAt := time.Now().Add(time.Duration(minWaitMs) * time.Millisecond).Format(time.RFC3339)
		return false, relayerrors.NewRateLimitError(
			fmt.Sprintf("RESOURCE_EXHAUSTED: Rate limited on %s. Quota will reset after %s. Next available: %s",
				model, utils.FormatDuration(minWaitMs), resetAt),
			utils.Ptr(minWaitMs), "")
	}

	utils.Warn("[CloudCode] All %d account(s) rate-limited, waiting %s...",
		d.manager.Count(), utils.FormatDuration(minWaitMs))
	if err := utils.Sleep(ctx, minWaitMs+500); err != nil {
		return false, err
	}
	d.manager.ClearExpiredLimits()
	return true, nil
}

// tryEndpoints walks the endpoint fallback list for one account. A nil
// return means consume finished; a non-nil return is the last failure
// for the caller to classify.
func (d *dispatcher) tryEndpoints(ctx context.Context, acc *storage.Account, token, model string, payloadBytes []byte, streaming bool, consume consumeFunc) error {
	useSSE := streaming || config.IsThinkingModel(model)

	path := "/v1internal:generateContent"
	accept := ""
	if useSSE {
		path = "/v1internal:streamGenerateContent?alt=sse"
		accept = "text/event-stream"
	}

	var lastError error
	capacityRetries := 0

	endpoints := d.cfg.GetEndpoints()
	for i := 0; i < len(endpoints); i++ {
		att := &attemptContext{
			account: acc,
			url:     endpoints[i] + path,
			headers: BuildHeaders(token, model, accept),
			payload: payloadBytes,
		}

		httpReq, err := att.newRequest(ctx)
		if err != nil {
			return err
		}

		resp, err := d.client.Do(httpReq)
		if err != nil {
			if utils.IsNetworkError(err) {
				utils.Warn("[CloudCode] Network error at %s: %v", endpoints[i], err)
				lastError = relayerrors.NewNetworkError(err.Error())
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			errorText := string(body)
			utils.Warn("[CloudCode] Error at %s: %d - %.200s", endpoints[i], resp.StatusCode, errorText)

			outcome, err := d.handleErrorStatus(ctx, acc, model, resp, errorText, &capacityRetries)
			switch outcome {
			case outcomeRetrySameEndpoint:
				i--
				continue
			case outcomeNextEndpoint:
				lastError = err
				continue
			case outcomeSwitchAccount:
				return err
			case outcomeFatal:
				return err
			}
		}

		err = consume(ctx, resp, att)
		if err == nil {
			ClearRateLimitState(acc.Email, model)
			d.manager.NotifySuccess(acc.Email, model)
			return nil
		}
		lastError = err
		break
	}

	if lastError == nil {
		lastError = relayerrors.NewNetworkError("all endpoints failed")
	}
	return lastError
}

type errorOutcome int

const (
	outcomeRetrySameEndpoint errorOutcome = iota
	outcomeNextEndpoint
	outcomeSwitchAccount
	outcomeFatal
)

// handleErrorStatus maps one upstream error status to a retry decision,
// applying the per-status backoff and ledger updates.
func (d *dispatcher) handleErrorStatus(ctx context.Context, acc *storage.Account, model string, resp *http.Response, errorText string, capacityRetries *int) (errorOutcome, error) {
	switch resp.StatusCode {
	case 401, 403:
		if IsPermanentAuthFailure(errorText) {
			utils.Error("[CloudCode] Permanent auth failure for %s: %.100s", acc.DisplayName(), errorText)
			d.manager.MarkInvalid(acc.Email, "Token revoked - re-authentication required")
			return outcomeSwitchAccount, relayerrors.NewAuthError(
				"AUTH_INVALID_PERMANENT: "+errorText, acc.Email, "token_revoked")
		}
		// Stale token or a revoked project grant: drop this account's
		// cached credentials so its next turn starts from a fresh token.
		d.manager.ClearTokenCache(acc.Email)
		d.manager.ClearProjectCache(acc.Email)
		return outcomeSwitchAccount, relayerrors.NewAuthError(
			fmt.Sprintf("Auth error %d: %s", resp.StatusCode, errorText), acc.Email, "")

	case 429:
		return d.handleRateLimit(ctx, acc, model, resp, errorText, capacityRetries)

	case 400:
		utils.Error("[CloudCode] Invalid request (400): %.200s", errorText)
		return outcomeFatal, relayerrors.NewApiError(errorText, 400, "invalid_request_error")

	case 503, 529:
		if IsModelCapacityExhausted(errorText) && *capacityRetries < d.cfg.MaxCapacityRetries {
			waitMs := capacityTier(*capacityRetries)
			*capacityRetries++
			utils.Info("[CloudCode] %d model capacity exhausted, retry %d/%d after %s...",
				resp.StatusCode, *capacityRetries, d.cfg.MaxCapacityRetries, utils.FormatDuration(waitMs))
			if err := utils.Sleep(ctx, waitMs); err != nil {
				return outcomeFatal, err
			}
			return outcomeRetrySameEndpoint, nil
		}
		fallthrough

	default:
		err := relayerrors.NewApiError(fmt.Sprintf("API error %d: %s", resp.StatusCode, errorText),
			resp.StatusCode, "api_error")
		if resp.StatusCode >= 500 {
			utils.Warn("[CloudCode] %d error, waiting 1s before next endpoint...", resp.StatusCode)
			if serr := utils.Sleep(ctx, 1000); serr != nil {
				return outcomeFatal, serr
			}
		}
		return outcomeNextEndpoint, err
	}
}

// handleRateLimit implements the 429 decision tree: capacity retries on
// the same endpoint, short-reset quick waits, dedup-window account
// switches, and the quick-retry versus switch-after-delay split.
func (d *dispatcher) handleRateLimit(ctx context.Context, acc *storage.Account, model string, resp *http.Response, errorText string, capacityRetries *int) (errorOutcome, error) {
	resetMs := ParseResetTime(resp.Header, errorText)

	if IsModelCapacityExhausted(errorText) {
		if *capacityRetries < d.cfg.MaxCapacityRetries {
			waitMs := resetMs
			if waitMs <= 0 {
				waitMs = capacityTier(*capacityRetries)
			}
			*capacityRetries++
			utils.Info("[CloudCode] Model capacity exhausted, retry %d/%d after %s...",
				*capacityRetries, d.cfg.MaxCapacityRetries, utils.FormatDuration(waitMs))
			if err := utils.Sleep(ctx, waitMs); err != nil {
				return outcomeFatal, err
			}
			return outcomeRetrySameEndpoint, nil
		}
		utils.Warn("[CloudCode] Max capacity retries (%d) exceeded, switching account", d.cfg.MaxCapacityRetries)
	}

	backoff := GetRateLimitBackoff(acc.Email, model, resetMs)

	if backoff.IsDuplicate {
		smartMs := CalculateSmartBackoff(errorText, resetMs, 0)
		utils.Info("[CloudCode] Recent rate limit on %s (attempt %d), switching account...",
			acc.DisplayName(), backoff.Attempt)
		d.manager.MarkRateLimited(acc.Email, model, smartMs)
		return outcomeSwitchAccount, relayerrors.NewRateLimitError(
			"RATE_LIMITED_DEDUP: "+errorText, utils.Ptr(smartMs), acc.Email)
	}

	smartMs := CalculateSmartBackoff(errorText, resetMs, 0)

	switch {
	case backoff.Attempt == 1 && smartMs <= d.cfg.DefaultCooldownMs:
		d.manager.MarkRateLimited(acc.Email, model, backoff.DelayMs)
		utils.Info("[CloudCode] First rate limit on %s, quick retry after %s...",
			acc.DisplayName(), utils.FormatDuration(backoff.DelayMs))
		if err := utils.Sleep(ctx, backoff.DelayMs); err != nil {
			return outcomeFatal, err
		}
		return outcomeRetrySameEndpoint, nil

	case smartMs > d.cfg.DefaultCooldownMs:
		utils.Info("[CloudCode] Quota exhausted for %s (%s), switching account after %s...",
			acc.DisplayName(), utils.FormatDuration(smartMs), utils.FormatDuration(config.SwitchAccountDelayMs))
		if err := utils.Sleep(ctx, config.SwitchAccountDelayMs); err != nil {
			return outcomeFatal, err
		}
		d.manager.MarkRateLimited(acc.Email, model, smartMs)
		return outcomeSwitchAccount, relayerrors.NewRateLimitError(
			"QUOTA_EXHAUSTED: "+errorText, utils.Ptr(smartMs), acc.Email)

	default:
		d.manager.MarkRateLimited(acc.Email, model, backoff.DelayMs)
		utils.Info("[CloudCode] Rate limit on %s (attempt %d), waiting %s...",
			acc.DisplayName(), backoff.Attempt, utils.FormatDuration(backoff.DelayMs))
		if err := utils.Sleep(ctx, backoff.DelayMs); err != nil {
			return outcomeFatal, err
		}
		return outcomeRetrySameEndpoint, nil
	}
}

func capacityTier(retries int) int64 {
	if retries > len(config.CapacityBackoffTiersMs)-1 {
		retries = len(config.CapacityBackoffTiersMs) - 1
	}
	return config.CapacityBackoffTiersMs[retries]
}

// classifyAccountFailure decides whether the account's failure ends the
// request or just moves on to the next account. done=true carries the
// error to return.
func (d *dispatcher) classifyAccountFailure(ctx context.Context, acc *storage.Account, model string, lastError error) (done bool, err error) {
	switch {
	case relayerrors.IsRateLimitError(lastError):
		d.manager.NotifyRateLimit(acc.Email, model)
		utils.Info("[CloudCode] Account %s rate-limited, trying next...", acc.DisplayName())
		return false, nil
	case relayerrors.IsAuthError(lastError):
		// A rejected account is not otherwise marked, so the sticky
		// cursor has to be moved off it explicitly.
		d.manager.AdvanceAccount(acc.Email)
		utils.Warn("[CloudCode] Account %s has invalid credentials, trying next...", acc.DisplayName())
		return false, nil
	case isServerError(lastError):
		d.manager.NotifyFailure(acc.Email, model)
		utils.Warn("[CloudCode] Account %s failed with server error, trying next...", acc.DisplayName())
		return false, nil
	case utils.IsNetworkError(lastError):
		d.manager.NotifyFailure(acc.Email, model)
		utils.Warn("[CloudCode] Network error for %s, trying next account... (%v)", acc.DisplayName(), lastError)
		if serr := utils.Sleep(ctx, 1000); serr != nil {
			return true, serr
		}
		return false, nil
	default:
		return true, lastError
	}
}

func isServerError(err error) bool {
	var api *relayerrors.ApiError
	if errors.As(err, &api) {
		return api.StatusCode >= 500
	}
	return false
}
