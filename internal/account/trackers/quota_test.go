package trackers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
)

func quotaAccount(fraction float64, fetchedAt int64) *storage.Account {
	return &storage.Account{
		Email:   "a@x.com",
		Enabled: true,
		Quota: &storage.QuotaInfo{
			Models: map[string]*storage.ModelQuota{
				"gemini-3-pro": {RemainingFraction: &fraction},
			},
			FetchedAt: fetchedAt,
		},
	}
}

func TestQuotaFraction(t *testing.T) {
	q := NewQuota(config.QuotaConfig{})
	acc := quotaAccount(0.42, time.Now().UnixMilli())

	assert.InDelta(t, 0.42, q.Fraction(acc, "gemini-3-pro"), 0.001)
	assert.Equal(t, float64(-1), q.Fraction(acc, "gemini-3-flash"))
	assert.Equal(t, float64(-1), q.Fraction(&storage.Account{}, "gemini-3-pro"))
	assert.Equal(t, float64(-1), q.Fraction(nil, "gemini-3-pro"))
}

func TestQuotaFreshness(t *testing.T) {
	q := NewQuota(config.QuotaConfig{})

	fresh := quotaAccount(0.5, time.Now().UnixMilli())
	assert.True(t, q.IsFresh(fresh))

	stale := quotaAccount(0.5, time.Now().Add(-10*time.Minute).UnixMilli())
	assert.False(t, q.IsFresh(stale))

	assert.False(t, q.IsFresh(&storage.Account{}))
}

func TestQuotaCritical(t *testing.T) {
	q := NewQuota(config.QuotaConfig{})
	now := time.Now().UnixMilli()

	assert.True(t, q.IsCritical(quotaAccount(0.03, now), "gemini-3-pro", nil))
	assert.False(t, q.IsCritical(quotaAccount(0.08, now), "gemini-3-pro", nil))

	// A stale snapshot never excludes an account.
	stale := quotaAccount(0.03, time.Now().Add(-10*time.Minute).UnixMilli())
	assert.False(t, q.IsCritical(stale, "gemini-3-pro", nil))

	// Unknown quota never excludes either.
	assert.False(t, q.IsCritical(&storage.Account{}, "gemini-3-pro", nil))
}

func TestQuotaCriticalThresholdOverride(t *testing.T) {
	q := NewQuota(config.QuotaConfig{})
	now := time.Now().UnixMilli()
	override := 0.20

	assert.True(t, q.IsCritical(quotaAccount(0.15, now), "gemini-3-pro", &override))
	assert.False(t, q.IsCritical(quotaAccount(0.15, now), "gemini-3-pro", nil))
}

func TestQuotaLow(t *testing.T) {
	q := NewQuota(config.QuotaConfig{})
	now := time.Now().UnixMilli()

	assert.True(t, q.IsLow(quotaAccount(0.08, now), "gemini-3-pro"))
	assert.False(t, q.IsLow(quotaAccount(0.03, now), "gemini-3-pro"))
	assert.False(t, q.IsLow(quotaAccount(0.50, now), "gemini-3-pro"))
}

func TestQuotaScore(t *testing.T) {
	q := NewQuota(config.QuotaConfig{})
	now := time.Now().UnixMilli()

	assert.InDelta(t, 75, q.Score(quotaAccount(0.75, now), "gemini-3-pro"), 0.01)

	// Unknown quota gets the neutral score.
	assert.InDelta(t, 50, q.Score(&storage.Account{}, "gemini-3-pro"), 0.01)

	// Stale snapshots are discounted.
	stale := quotaAccount(0.75, time.Now().Add(-10*time.Minute).UnixMilli())
	assert.InDelta(t, 67.5, q.Score(stale, "gemini-3-pro"), 0.01)
}
