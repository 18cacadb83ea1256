// Package handlers holds the HTTP handlers for the relay endpoints.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/cloudcode"
	"github.com/codelane/antigravity-relay/internal/config"
	relayerrors "github.com/codelane/antigravity-relay/internal/errors"
	"github.com/codelane/antigravity-relay/internal/modules"
	"github.com/codelane/antigravity-relay/internal/server/sse"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// MessagesHandler serves POST /v1/messages in both modes.
type MessagesHandler struct {
	manager         *account.Manager
	client          *cloudcode.Client
	cfg             *config.Config
	stats           *modules.UsageStats
	fallbackEnabled bool
}

// NewMessagesHandler builds the handler. stats may be nil.
func NewMessagesHandler(manager *account.Manager, client *cloudcode.Client, cfg *config.Config, stats *modules.UsageStats, fallbackEnabled bool) *MessagesHandler {
	return &MessagesHandler{
		manager:         manager,
		client:          client,
		cfg:             cfg,
		stats:           stats,
		fallbackEnabled: fallbackEnabled,
	}
}

// Messages handles POST /v1/messages.
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}

	if req.Model == "" {
		req.Model = "claude-sonnet-4-5"
	}
	if h.cfg.ModelMapping != nil {
		if mapped, ok := h.cfg.ModelMapping[req.Model]; ok && mapped != "" {
			utils.Info("[API] Mapping model %s -> %s", req.Model, mapped)
			req.Model = mapped
		}
	}

	if len(req.Messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "messages is required and must be an array")
		return
	}

	// Some clients probe with a bare "count" message; answer without
	// spending an upstream call.
	if len(req.Messages) == 1 && len(req.Messages[0].Content) == 1 {
		if block := req.Messages[0].Content[0]; block.Type == "text" && block.Text == "count" {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
	}

	if !h.validateModel(c, &req) {
		return
	}

	// Every account blocked for this model usually means stale ledger
	// entries after a restart or clock jump. Reset and let the upstream
	// re-issue real limits.
	if h.manager.IsAllRateLimited(req.Model) {
		utils.Warn("[API] All accounts rate-limited for %s, resetting state for optimistic retry", req.Model)
		h.manager.ResetAllRateLimits()
	}

	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	utils.Info("[API] Request for model: %s, stream: %t", req.Model, req.Stream)
	if h.stats != nil {
		h.stats.Track(req.Model)
	}

	if req.Stream {
		h.streaming(c, &req)
	} else {
		h.nonStreaming(c, &req)
	}
}

// validateModel rejects models the upstream does not advertise. When no
// account or token is at hand the check is skipped and the upstream
// decides.
func (h *MessagesHandler) validateModel(c *gin.Context, req *anthropic.MessagesRequest) bool {
	ctx := c.Request.Context()

	result, err := h.manager.SelectAccount(ctx, "")
	if err != nil || result.Account == nil {
		return true
	}
	token, err := h.manager.GetToken(ctx, result.Account)
	if err != nil {
		return true
	}

	projectID := ""
	if result.Account.Subscription != nil {
		projectID = result.Account.Subscription.ProjectID
	}
	if !h.client.IsValidModel(ctx, req.Model, token, projectID) {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"Invalid model: "+req.Model+". Use /v1/models to see available models.")
		return false
	}
	return true
}

// streaming pulls the first event before committing to SSE headers, so
// a dispatch failure still becomes a proper JSON error response.
func (h *MessagesHandler) streaming(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()
	events, errs := h.client.SendMessageStream(ctx, req, h.fallbackEnabled)

	var firstEvent *anthropic.SSEEvent
	var firstErr error
	select {
	case event, ok := <-events:
		if !ok {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = relayerrors.NewEmptyResponseError("No response received")
			}
			if firstErr == nil {
				firstErr = relayerrors.NewEmptyResponseError("No response received")
			}
		} else {
			firstEvent = event
		}
	case err := <-errs:
		firstErr = err
	case <-ctx.Done():
		return
	}

	if firstErr != nil {
		utils.Error("[API] Initial stream error: %v", firstErr)
		errorType, status, message := h.translateError(firstErr)
		h.sendError(c, status, errorType, message)
		return
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}
	c.Status(http.StatusOK)
	writer.SetHeaders()
	writer.Flush()

	if firstEvent != nil {
		if err := writer.WriteEvent(string(firstEvent.Type), firstEvent); err != nil {
			utils.Error("[API] Error writing first SSE event: %v", err)
			return
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteEvent(string(event.Type), event); err != nil {
				utils.Error("[API] Error writing SSE event: %v", err)
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Mid-stream error: %v", err)
				errorType, _, message := h.translateError(err)
				_ = writer.WriteError(errorType, message)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *MessagesHandler) nonStreaming(c *gin.Context, req *anthropic.MessagesRequest) {
	response, err := h.client.SendMessage(c.Request.Context(), req, h.fallbackEnabled)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		errorType, status, message := h.translateError(err)
		if errorType == "authentication_error" {
			// Stale tokens are the usual cause; drop the caches so the
			// client's retry goes out with fresh credentials.
			h.manager.ClearTokenCache("")
			h.manager.ClearProjectCache("")
			message = "Token was expired and has been refreshed. Please retry your request."
		}
		h.sendError(c, status, errorType, message)
		return
	}
	c.JSON(http.StatusOK, response)
}

// translateError maps dispatch errors onto Messages API error shapes.
func (h *MessagesHandler) translateError(err error) (errorType string, status int, message string) {
	status = relayerrors.HTTPStatusFromError(err)
	message = err.Error()
	errorType = "api_error"

	var (
		rl *relayerrors.RateLimitError
		ae *relayerrors.AuthError
		na *relayerrors.NoAccountsError
		ap *relayerrors.ApiError
		ce *relayerrors.CapacityExhaustedError
	)
	switch {
	case errors.As(err, &rl):
		errorType = "rate_limit_error"
		message = "Capacity exhausted. Please wait for your quota to reset."
		if rl.ResetMs != nil && *rl.ResetMs > 0 {
			message = "Capacity exhausted. Quota will reset after " + utils.FormatDuration(*rl.ResetMs) + "."
		}
	case errors.As(err, &ae):
		errorType = "authentication_error"
		message = "Authentication failed. Re-run account enrolment for " + utils.MaskEmail(ae.AccountEmail) + "."
	case errors.As(err, &na):
		errorType = "overloaded_error"
		if na.AllRateLimited {
			message = "All accounts are rate-limited. Please wait for a quota reset."
		} else {
			message = "No accounts configured. Enroll an account first."
		}
	case errors.As(err, &ce):
		errorType = "overloaded_error"
		message = "The model is at capacity. Please retry shortly."
	case errors.As(err, &ap):
		if ap.ErrorType != "" {
			errorType = ap.ErrorType
		}
		if strings.Contains(ap.Message, "INVALID_ARGUMENT") {
			errorType = "invalid_request_error"
		}
	case relayerrors.IsEmptyResponseError(err):
		message = "Upstream returned an empty response after retries. Please retry."
	case utils.IsNetworkError(err):
		message = "Unable to reach the upstream API. Check connectivity and retry."
	}
	return errorType, status, message
}

func (h *MessagesHandler) sendError(c *gin.Context, status int, errorType, message string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errorType,
			"message": message,
		},
	})
}

// CountTokens handles POST /v1/messages/count_tokens, which the relay
// does not implement.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "not_implemented",
			"message": "Token counting is not implemented. Configure your client to skip token counting.",
		},
	})
}

// RefreshTokenHandler serves POST /refresh-token.
type RefreshTokenHandler struct {
	manager *account.Manager
}

// NewRefreshTokenHandler builds the handler.
func NewRefreshTokenHandler(manager *account.Manager) *RefreshTokenHandler {
	return &RefreshTokenHandler{manager: manager}
}

// RefreshToken drops the token and project caches so the next dispatch
// refreshes from scratch.
func (h *RefreshTokenHandler) RefreshToken(c *gin.Context) {
	h.manager.ClearTokenCache("")
	h.manager.ClearProjectCache("")
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Token caches cleared and refreshed",
	})
}
