package cloudcode

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codelane/antigravity-relay/internal/utils"
)

// RateLimitReason classifies an upstream rejection for backoff purposes.
type RateLimitReason string

const (
	ReasonRateLimitExceeded RateLimitReason = "RATE_LIMIT_EXCEEDED"
	ReasonQuotaExhausted    RateLimitReason = "QUOTA_EXHAUSTED"
	ReasonCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError       RateLimitReason = "SERVER_ERROR"
	ReasonUnknown           RateLimitReason = "UNKNOWN"
)

var (
	quotaDelayRe     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)?`)
	quotaTimestampRe = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRe   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMsRe        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRe  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRe       = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoTimestampRe   = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// A parsed reset under a second races network latency, so it is
// stretched to two seconds. Waits of a second or more pass through.
const (
	shortResetMs     = 1000
	minParsedResetMs = 2000
)

// ParseResetTime extracts a rate-limit wait in milliseconds from the
// response headers or, failing that, from the error body. Returns -1
// when no unambiguous wait is present.
func ParseResetTime(headers http.Header, errorText string) int64 {
	resetMs := parseResetFromHeaders(headers)

	if resetMs <= 0 && errorText != "" {
		resetMs = parseResetFromBody(errorText)
	}

	if resetMs <= 0 {
		return -1
	}
	if resetMs < shortResetMs {
		utils.Debug("[CloudCode] Short reset (%dms), stretching to %dms", resetMs, int64(minParsedResetMs))
		return minParsedResetMs
	}
	return resetMs
}

func parseResetFromHeaders(headers http.Header) int64 {
	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		// A non-positive value is no hint at all.
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			utils.Debug("[CloudCode] Retry-After header: %ds", seconds)
			return int64(seconds) * 1000
		}
		if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			if ms := time.Until(t).Milliseconds(); ms > 0 {
				return ms
			}
		}
	}

	// x-ratelimit-reset carries a unix timestamp in seconds.
	if reset := headers.Get("x-ratelimit-reset"); reset != "" {
		if ts, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if ms := ts*1000 - utils.NowMs(); ms > 0 {
				return ms
			}
		}
	}

	if resetAfter := headers.Get("x-ratelimit-reset-after"); resetAfter != "" {
		if seconds, err := strconv.Atoi(resetAfter); err == nil && seconds > 0 {
			return int64(seconds) * 1000
		}
	}

	return -1
}

// parseResetFromBody tries the known body phrasings in order of
// specificity. The first pattern that matches decides; a match that
// yields a non-positive wait means the hint was ambiguous and the
// caller should treat it as absent.
func parseResetFromBody(msg string) int64 {
	// quotaResetDelay: "754.43ms", "1.5s", or a bare number of seconds.
	if m := quotaDelayRe.FindStringSubmatch(msg); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		if strings.EqualFold(m[2], "ms") {
			return int64(value)
		}
		return int64(value * 1000)
	}

	if m := quotaTimestampRe.FindStringSubmatch(msg); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			return time.Until(t).Milliseconds()
		}
	}

	// retryDelay / retry-after-ms, seconds form before millisecond form.
	if m := retrySecondsRe.FindStringSubmatch(msg); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		return int64(value * 1000)
	}
	if m := retryMsRe.FindStringSubmatch(msg); m != nil {
		ms, _ := strconv.ParseInt(m[1], 10, 64)
		return ms
	}

	// "retry after 60 seconds"
	if m := retryAfterSecRe.FindStringSubmatch(msg); m != nil {
		seconds, _ := strconv.ParseInt(m[1], 10, 64)
		return seconds * 1000
	}

	// Go-style durations: "1h23m45s", "23m45s", "45s".
	if m := durationRe.FindStringSubmatch(msg); m != nil {
		switch {
		case m[1] != "":
			h, _ := strconv.Atoi(m[1])
			min, _ := strconv.Atoi(m[2])
			s, _ := strconv.Atoi(m[3])
			return int64(h*3600+min*60+s) * 1000
		case m[4] != "":
			min, _ := strconv.Atoi(m[4])
			s, _ := strconv.Atoi(m[5])
			return int64(min*60+s) * 1000
		default:
			s, _ := strconv.Atoi(m[6])
			return int64(s) * 1000
		}
	}

	if m := isoTimestampRe.FindStringSubmatch(msg); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			return time.Until(t).Milliseconds()
		}
	}

	return -1
}

// ParseRateLimitReason classifies a rejection. The status code wins over
// body text: 503/529 always mean capacity, 500 always means a server
// fault.
func ParseRateLimitReason(errorText string, status int) RateLimitReason {
	if status == 529 || status == 503 {
		return ReasonCapacityExhausted
	}
	if status == 500 {
		return ReasonServerError
	}

	lower := strings.ToLower(errorText)

	switch {
	case strings.Contains(lower, "quota_exhausted"),
		strings.Contains(lower, "quotaresetdelay"),
		strings.Contains(lower, "quotaresettimestamp"),
		strings.Contains(lower, "resource_exhausted"),
		strings.Contains(lower, "daily limit"),
		strings.Contains(lower, "quota exceeded"):
		return ReasonQuotaExhausted

	case strings.Contains(lower, "model_capacity_exhausted"),
		strings.Contains(lower, "capacity_exhausted"),
		strings.Contains(lower, "model is currently overloaded"),
		strings.Contains(lower, "service temporarily unavailable"):
		return ReasonCapacityExhausted

	case strings.Contains(lower, "rate_limit_exceeded"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "throttl"):
		return ReasonRateLimitExceeded

	case strings.Contains(lower, "internal server error"),
		strings.Contains(lower, "server error"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "502"),
		strings.Contains(lower, "504"):
		return ReasonServerError
	}

	return ReasonUnknown
}
