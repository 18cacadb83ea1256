package cloudcode

import (
	"math"
	"sync"
	"time"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// rateLimitState counts consecutive 429s per account+model so repeated
// rejections escalate the backoff instead of hammering in a loop.
type rateLimitState struct {
	consecutive int
	lastAt      time.Time
}

var rateLimitStates = struct {
	sync.Mutex
	m map[string]*rateLimitState
}{m: make(map[string]*rateLimitState)}

// BackoffResult is the outcome of GetRateLimitBackoff.
type BackoffResult struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

func dedupKey(email, model string) string {
	return email + ":" + model
}

// GetRateLimitBackoff records a 429 for the account+model pair and
// returns the exponential backoff to apply. Hits inside the dedup window
// are flagged as duplicates and do not advance the attempt counter; the
// counter resets after a quiet period.
func GetRateLimitBackoff(email, model string, serverRetryAfterMs int64) *BackoffResult {
	now := time.Now()
	key := dedupKey(email, model)

	rateLimitStates.Lock()
	defer rateLimitStates.Unlock()

	previous := rateLimitStates.m[key]

	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitDedupWindowMs {
		utils.Debug("[CloudCode] 429 on %s:%s inside dedup window (attempt %d)",
			email, model, previous.consecutive)
		return &BackoffResult{
			Attempt:     previous.consecutive,
			DelayMs:     backoffDelay(serverRetryAfterMs, previous.consecutive),
			IsDuplicate: true,
		}
	}

	attempt := 1
	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitStateResetMs {
		attempt = previous.consecutive + 1
	}
	rateLimitStates.m[key] = &rateLimitState{consecutive: attempt, lastAt: now}

	delay := backoffDelay(serverRetryAfterMs, attempt)
	utils.Debug("[CloudCode] 429 backoff for %s:%s: attempt=%d delay=%dms", email, model, attempt, delay)
	return &BackoffResult{Attempt: attempt, DelayMs: delay}
}

// backoffDelay doubles the base per prior attempt, capped at a minute.
// The server's retry hint, when present, replaces the base.
func backoffDelay(serverRetryAfterMs int64, attempt int) int64 {
	base := serverRetryAfterMs
	if base <= 0 {
		base = config.FirstRetryDelayMs
	}
	scaled := int64(math.Min(float64(base)*math.Pow(2, float64(attempt-1)), 60000))
	if scaled < base {
		return base
	}
	return scaled
}

// ClearRateLimitState forgets the 429 history for an account+model after
// a successful request.
func ClearRateLimitState(email, model string) {
	rateLimitStates.Lock()
	delete(rateLimitStates.m, dedupKey(email, model))
	rateLimitStates.Unlock()
}

// IsPermanentAuthFailure reports whether the error text signals dead
// credentials that re-authentication alone can fix.
func IsPermanentAuthFailure(errorText string) bool {
	return utils.ContainsAny(errorText,
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"token_revoked",
		"invalid_client",
		"credentials are invalid")
}

// IsModelCapacityExhausted reports whether a 429 is the model running
// out of serving capacity rather than this account's quota.
func IsModelCapacityExhausted(errorText string) bool {
	return utils.ContainsAny(errorText,
		"model_capacity_exhausted",
		"capacity_exhausted",
		"model is currently overloaded",
		"service temporarily unavailable")
}

// CalculateSmartBackoff picks a cooldown from the failure class when the
// server gave no reset hint. A server-provided reset wins, floored so a
// sub-second hint cannot produce a tight loop.
func CalculateSmartBackoff(errorText string, serverResetMs int64, consecutiveFailures int) int64 {
	if serverResetMs > 0 {
		if serverResetMs < config.MinBackoffMs {
			return config.MinBackoffMs
		}
		return serverResetMs
	}

	switch ParseRateLimitReason(errorText, 0) {
	case ReasonQuotaExhausted:
		tier := consecutiveFailures
		if tier > len(config.QuotaExhaustedBackoffTiersMs)-1 {
			tier = len(config.QuotaExhaustedBackoffTiersMs) - 1
		}
		return config.QuotaExhaustedBackoffTiersMs[tier]
	case ReasonRateLimitExceeded:
		return config.BackoffByErrorType["RATE_LIMIT_EXCEEDED"]
	case ReasonCapacityExhausted:
		return config.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"] + utils.JitterMs(config.CapacityJitterMaxMs)
	case ReasonServerError:
		return config.BackoffByErrorType["SERVER_ERROR"]
	default:
		return config.BackoffByErrorType["UNKNOWN"]
	}
}

// StartRateLimitStateCleanup evicts stale 429 history once a minute so
// the map does not grow with every account+model ever throttled.
func StartRateLimitStateCleanup() {
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			cutoff := time.Now().Add(-time.Duration(config.RateLimitStateResetMs) * time.Millisecond)
			rateLimitStates.Lock()
			for key, state := range rateLimitStates.m {
				if state.lastAt.Before(cutoff) {
					delete(rateLimitStates.m, key)
				}
			}
			rateLimitStates.Unlock()
		}
	}()
}
