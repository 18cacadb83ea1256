// Package errors defines the typed failures the relay reports and the
// mapping from those failures to HTTP statuses.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RelayError is the base type carried by every relay failure. Code is a
// stable machine-readable identifier; Retryable tells the dispatch loop
// whether trying another account or endpoint can help.
type RelayError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *RelayError) Error() string {
	return e.Message
}

// ToJSON flattens the error for diagnostics payloads.
func (e *RelayError) ToJSON() map[string]interface{} {
	out := map[string]interface{}{
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		out[k] = v
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (e *RelayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

func newBase(message, code string, retryable bool, metadata map[string]interface{}) *RelayError {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &RelayError{Message: message, Code: code, Retryable: retryable, Metadata: metadata}
}

// RateLimitError reports an upstream 429. ResetMs is the parsed wait hint
// when the upstream provided one.
type RateLimitError struct {
	*RelayError
	ResetMs      *int64 `json:"resetMs,omitempty"`
	AccountEmail string `json:"accountEmail,omitempty"`
}

// NewRateLimitError builds a RateLimitError.
func NewRateLimitError(message string, resetMs *int64, accountEmail string) *RateLimitError {
	md := map[string]interface{}{}
	if resetMs != nil {
		md["resetMs"] = *resetMs
	}
	if accountEmail != "" {
		md["accountEmail"] = accountEmail
	}
	return &RateLimitError{
		RelayError:   newBase(message, "RATE_LIMITED", true, md),
		ResetMs:      resetMs,
		AccountEmail: accountEmail,
	}
}

// AuthError reports credentials the upstream no longer accepts.
type AuthError struct {
	*RelayError
	AccountEmail string `json:"accountEmail,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewAuthError builds an AuthError.
func NewAuthError(message, accountEmail, reason string) *AuthError {
	md := map[string]interface{}{}
	if accountEmail != "" {
		md["accountEmail"] = accountEmail
	}
	if reason != "" {
		md["reason"] = reason
	}
	return &AuthError{
		RelayError:   newBase(message, "AUTH_INVALID", false, md),
		AccountEmail: accountEmail,
		Reason:       reason,
	}
}

// NoAccountsError reports an empty or fully rate-limited pool. It is
// retryable only when every account is rate-limited, since limits expire.
type NoAccountsError struct {
	*RelayError
	AllRateLimited bool `json:"allRateLimited"`
}

// NewNoAccountsError builds a NoAccountsError.
func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	if message == "" {
		message = "No accounts available"
	}
	return &NoAccountsError{
		RelayError: newBase(message, "NO_ACCOUNTS", allRateLimited, map[string]interface{}{
			"allRateLimited": allRateLimited,
		}),
		AllRateLimited: allRateLimited,
	}
}

// MaxRetriesError reports that the dispatch loop ran out of attempts.
type MaxRetriesError struct {
	*RelayError
	Attempts int `json:"attempts"`
}

// NewMaxRetriesError builds a MaxRetriesError.
func NewMaxRetriesError(message string, attempts int) *MaxRetriesError {
	if message == "" {
		message = "Max retries exceeded"
	}
	return &MaxRetriesError{
		RelayError: newBase(message, "MAX_RETRIES", false, map[string]interface{}{
			"attempts": attempts,
		}),
		Attempts: attempts,
	}
}

// ApiError carries a non-retried upstream HTTP failure back to the client.
type ApiError struct {
	*RelayError
	StatusCode int    `json:"statusCode"`
	ErrorType  string `json:"errorType"`
}

// NewApiError builds an ApiError. Only 5xx responses are retryable.
func NewApiError(message string, statusCode int, errorType string) *ApiError {
	if errorType == "" {
		errorType = "api_error"
	}
	return &ApiError{
		RelayError: newBase(message, strings.ToUpper(errorType), statusCode >= 500, map[string]interface{}{
			"statusCode": statusCode,
			"errorType":  errorType,
		}),
		StatusCode: statusCode,
		ErrorType:  errorType,
	}
}

// NetworkError reports a transport-level failure reaching the upstream.
type NetworkError struct {
	*RelayError
}

// NewNetworkError builds a NetworkError.
func NewNetworkError(message string) *NetworkError {
	if message == "" {
		message = "Network error"
	}
	return &NetworkError{
		RelayError: newBase(message, "NETWORK_ERROR", true, nil),
	}
}

// EmptyResponseError reports an upstream stream that ended without parts.
type EmptyResponseError struct {
	*RelayError
}

// NewEmptyResponseError builds an EmptyResponseError.
func NewEmptyResponseError(message string) *EmptyResponseError {
	if message == "" {
		message = "No content received from API"
	}
	return &EmptyResponseError{
		RelayError: newBase(message, "EMPTY_RESPONSE", true, nil),
	}
}

// CapacityExhaustedError reports a 503/529 model-capacity rejection.
type CapacityExhaustedError struct {
	*RelayError
	RetryAfterMs *int64 `json:"retryAfterMs,omitempty"`
}

// NewCapacityExhaustedError builds a CapacityExhaustedError.
func NewCapacityExhaustedError(message string, retryAfterMs *int64) *CapacityExhaustedError {
	if message == "" {
		message = "Model capacity exhausted"
	}
	md := map[string]interface{}{}
	if retryAfterMs != nil {
		md["retryAfterMs"] = *retryAfterMs
	}
	return &CapacityExhaustedError{
		RelayError:   newBase(message, "CAPACITY_EXHAUSTED", true, md),
		RetryAfterMs: retryAfterMs,
	}
}

// IsRateLimitError matches typed rate-limit errors and upstream messages
// that look like one.
func IsRateLimitError(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota_exhausted") ||
		strings.Contains(msg, "rate limit")
}

// IsAuthError matches typed auth errors and upstream messages that imply
// dead credentials.
func IsAuthError(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "auth_invalid") ||
		strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "token refresh failed")
}

// IsEmptyResponseError matches empty-response failures.
func IsEmptyResponseError(err error) bool {
	var ee *EmptyResponseError
	return errors.As(err, &ee)
}

// IsCapacityExhaustedError matches capacity rejections by type or by the
// upstream's known wording.
func IsCapacityExhaustedError(err error) bool {
	var ce *CapacityExhaustedError
	if errors.As(err, &ce) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "model_capacity_exhausted") ||
		strings.Contains(msg, "capacity_exhausted") ||
		strings.Contains(msg, "model is currently overloaded") ||
		strings.Contains(msg, "service temporarily unavailable")
}

// IsNoAccountsError matches pool-exhaustion failures.
func IsNoAccountsError(err error) bool {
	var na *NoAccountsError
	return errors.As(err, &na)
}

// HTTPStatusFromError maps a relay failure to the status returned to the
// client.
func HTTPStatusFromError(err error) int {
	var (
		rl *RateLimitError
		ae *AuthError
		na *NoAccountsError
		mr *MaxRetriesError
		ap *ApiError
		ne *NetworkError
		ee *EmptyResponseError
		ce *CapacityExhaustedError
	)
	switch {
	case errors.As(err, &rl):
		return 429
	case errors.As(err, &ae):
		return 401
	case errors.As(err, &na):
		if na.AllRateLimited {
			return 429
		}
		return 503
	case errors.As(err, &mr):
		return 503
	case errors.As(err, &ap):
		return ap.StatusCode
	case errors.As(err, &ne):
		return 502
	case errors.As(err, &ee):
		return 502
	case errors.As(err, &ce):
		return 503
	default:
		return 500
	}
}

// WithContext prefixes err with context, preserving the typed chain.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
