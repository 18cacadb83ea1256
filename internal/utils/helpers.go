package utils

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// NowMs returns the current time as epoch milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Sleep waits for the given number of milliseconds or until the context is
// cancelled, returning the context error in the latter case.
func Sleep(ctx context.Context, ms int64) error {
	if ms <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FormatDuration renders a millisecond duration as "1h23m45s", "5m30s" or
// "45s" for log lines and status payloads.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	totalSec := (ms + 999) / 1000
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	s := totalSec % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

var networkErrorMarkers = []string{
	"network",
	"econnrefused",
	"econnreset",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"i/o timeout",
	"unexpected eof",
	"fetch failed",
}

// IsNetworkError reports whether an error message looks like a transport
// failure rather than an upstream application error.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range networkErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// JitterMs returns a uniformly random value in [0, maxMs]. Used to spread
// retries so accounts do not hammer the upstream in lockstep.
func JitterMs(maxMs int64) int64 {
	if maxMs <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxMs+1))
	if err != nil {
		return maxMs / 2
	}
	return n.Int64()
}

// RandomHex returns n random bytes hex-encoded (2n characters).
func RandomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(buf)
}

// MaskEmail hides the local part of an address, keeping the first rune:
// "jane@example.com" becomes "j***@example.com".
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return email
	}
	return email[:1] + "***" + email[at:]
}

// TruncateString shortens s to max runes, appending "..." when truncated.
func TruncateString(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// FormatPercent renders a 0..1 fraction as "42.0%".
func FormatPercent(fraction float64) string {
	return fmt.Sprintf("%.1f%%", fraction*100)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Clamp bounds v to [lo, hi].
func Clamp[T int | int64 | float64](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CoalesceString returns the first non-empty string.
func CoalesceString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ContainsAny reports whether s contains any of the needles,
// case-insensitively.
func ContainsAny(s string, needles ...string) bool {
	lower := strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// HomeDir returns the user home directory, falling back to the working
// directory when it cannot be determined.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// EnsureDir creates dir (and parents) if it does not exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ExpandHome substitutes a leading "~" with the user home directory.
func ExpandHome(path string) string {
	if path == "~" {
		return HomeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(HomeDir(), path[2:])
	}
	return path
}
