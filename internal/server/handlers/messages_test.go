package handlers

import (
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/codelane/antigravity-relay/internal/config"
	relayerrors "github.com/codelane/antigravity-relay/internal/errors"
)

func newTranslateHandler() *MessagesHandler {
	return NewMessagesHandler(nil, nil, config.DefaultConfig(), nil, false)
}

func TestTranslateErrorRateLimit(t *testing.T) {
	h := newTranslateHandler()
	resetMs := int64(30_000)

	errorType, status, message := h.translateError(relayerrors.NewRateLimitError("limited", &resetMs, "a@x.com"))
	assert.Equal(t, "rate_limit_error", errorType)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, message, "30s")

	// Without a reset hint the message stays generic.
	errorType, _, message = h.translateError(relayerrors.NewRateLimitError("limited", nil, ""))
	assert.Equal(t, "rate_limit_error", errorType)
	assert.Contains(t, message, "wait for your quota")
}

func TestTranslateErrorAuth(t *testing.T) {
	h := newTranslateHandler()

	errorType, status, message := h.translateError(relayerrors.NewAuthError("dead", "user@example.com", "invalid_grant"))
	assert.Equal(t, "authentication_error", errorType)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, message, "Authentication failed")
	// The raw address never leaks into client-facing errors.
	assert.NotContains(t, message, "user@example.com")
}

func TestTranslateErrorNoAccounts(t *testing.T) {
	h := newTranslateHandler()

	errorType, status, message := h.translateError(relayerrors.NewNoAccountsError("", true))
	assert.Equal(t, "overloaded_error", errorType)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, message, "rate-limited")

	errorType, status, message = h.translateError(relayerrors.NewNoAccountsError("", false))
	assert.Equal(t, "overloaded_error", errorType)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, message, "No accounts configured")
}

func TestTranslateErrorCapacity(t *testing.T) {
	h := newTranslateHandler()

	errorType, status, message := h.translateError(relayerrors.NewCapacityExhaustedError("", nil))
	assert.Equal(t, "overloaded_error", errorType)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, message, "at capacity")
}

func TestTranslateErrorApiError(t *testing.T) {
	h := newTranslateHandler()

	errorType, status, _ := h.translateError(relayerrors.NewApiError("boom", 502, "overloaded_error"))
	assert.Equal(t, "overloaded_error", errorType)
	assert.Equal(t, http.StatusBadGateway, status)

	errorType, status, _ = h.translateError(relayerrors.NewApiError("INVALID_ARGUMENT: bad schema", 400, ""))
	assert.Equal(t, "invalid_request_error", errorType)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTranslateErrorFallbacks(t *testing.T) {
	h := newTranslateHandler()

	errorType, status, message := h.translateError(relayerrors.NewEmptyResponseError(""))
	assert.Equal(t, "api_error", errorType)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, message, "empty response")

	errorType, status, message = h.translateError(stderrors.New("something odd"))
	assert.Equal(t, "api_error", errorType)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "something odd", message)
}

func TestCountTokensNotImplemented(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTranslateHandler()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", nil)

	h.CountTokens(c)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Contains(t, w.Body.String(), "not_implemented")
}
