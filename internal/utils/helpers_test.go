package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(0))
	assert.Equal(t, "0s", FormatDuration(-500))
	assert.Equal(t, "1s", FormatDuration(1))
	assert.Equal(t, "45s", FormatDuration(45_000))
	assert.Equal(t, "5m30s", FormatDuration(330_000))
	assert.Equal(t, "1h23m45s", FormatDuration(5_025_000))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "j***@example.com", MaskEmail("jane@example.com"))
	assert.Equal(t, "not-an-email", MaskEmail("not-an-email"))
	assert.Equal(t, "@leading", MaskEmail("@leading"))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "hello", TruncateString("hello", 10))
	assert.Equal(t, "hel...", TruncateString("hello", 3))
	assert.Equal(t, "", TruncateString("hello", 0))
}

func TestFormatPercent(t *testing.T) {
	assert.Equal(t, "42.0%", FormatPercent(0.42))
	assert.Equal(t, "100.0%", FormatPercent(1))
	assert.Equal(t, "7.5%", FormatPercent(0.075))
}

func TestIsNetworkError(t *testing.T) {
	assert.True(t, IsNetworkError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsNetworkError(errors.New("context deadline exceeded: i/o timeout")))
	assert.False(t, IsNetworkError(errors.New("invalid_grant")))
	assert.False(t, IsNetworkError(nil))
}

func TestContainsAny(t *testing.T) {
	assert.True(t, ContainsAny("Token Has Been Expired", "expired"))
	assert.True(t, ContainsAny("abc", "x", "b"))
	assert.False(t, ContainsAny("abc", "x", "y"))
}

func TestCoalesceString(t *testing.T) {
	assert.Equal(t, "b", CoalesceString("", "b", "c"))
	assert.Equal(t, "", CoalesceString("", ""))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(10, 0, 5))
	assert.Equal(t, 0, Clamp(-3, 0, 5))
	assert.Equal(t, 3, Clamp(3, 0, 5))
	assert.Equal(t, 1.5, Clamp(1.5, 0.0, 2.0))
}

func TestJitterMs(t *testing.T) {
	assert.Zero(t, JitterMs(0))
	for i := 0; i < 50; i++ {
		v := JitterMs(100)
		assert.GreaterOrEqual(t, v, int64(0))
		assert.LessOrEqual(t, v, int64(100))
	}
}

func TestSleepCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, 10_000)
	assert.ErrorIs(t, err, context.Canceled)

	// Non-positive waits return immediately even with a dead context.
	assert.NoError(t, Sleep(ctx, 0))
}

func TestSleepCompletes(t *testing.T) {
	start := time.Now()
	assert.NoError(t, Sleep(context.Background(), 10))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRandomHexLength(t *testing.T) {
	assert.Len(t, RandomHex(16), 32)
	assert.NotEqual(t, RandomHex(16), RandomHex(16))
}

func TestExpandHome(t *testing.T) {
	assert.Equal(t, HomeDir(), ExpandHome("~"))
	assert.Equal(t, "/tmp/x", ExpandHome("/tmp/x"))
	assert.NotContains(t, ExpandHome("~/x"), "~")
}
