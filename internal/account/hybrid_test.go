package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
)

func newTestHybrid() *hybridStrategy {
	return newHybridStrategy(config.AccountSelectionConfig{})
}

func withQuota(acc *storage.Account, modelID string, fraction float64) *storage.Account {
	if acc.Quota == nil {
		acc.Quota = &storage.QuotaInfo{
			Models:    map[string]*storage.ModelQuota{},
			FetchedAt: time.Now().UnixMilli(),
		}
	}
	acc.Quota.Models[modelID] = &storage.ModelQuota{RemainingFraction: &fraction}
	return acc
}

func TestHybridPicksHighestQuota(t *testing.T) {
	s := newTestHybrid()
	pool := testPool("low@x.com", "high@x.com")
	withQuota(pool[0], "gemini-3-pro", 0.20)
	withQuota(pool[1], "gemini-3-pro", 0.90)

	sel := s.Select(pool, 0, "gemini-3-pro", nil)
	require.NotNil(t, sel.Account)
	assert.Equal(t, "high@x.com", sel.Account.Email)
	assert.Equal(t, 1, sel.Index)
}

func TestHybridSkipsUnhealthyAccounts(t *testing.T) {
	s := newTestHybrid()
	pool := testPool("sick@x.com", "ok@x.com")
	withQuota(pool[0], "gemini-3-pro", 0.95)
	withQuota(pool[1], "gemini-3-pro", 0.30)

	// Two failures drop the score to 30, below the usability floor.
	s.OnFailure("sick@x.com", "gemini-3-pro")
	s.OnFailure("sick@x.com", "gemini-3-pro")

	sel := s.Select(pool, 0, "gemini-3-pro", nil)
	require.NotNil(t, sel.Account)
	assert.Equal(t, "ok@x.com", sel.Account.Email)
}

func TestHybridSkipsCriticalQuota(t *testing.T) {
	s := newTestHybrid()
	pool := testPool("drained@x.com", "ok@x.com")
	withQuota(pool[0], "gemini-3-pro", 0.01)
	withQuota(pool[1], "gemini-3-pro", 0.30)

	sel := s.Select(pool, 0, "gemini-3-pro", nil)
	require.NotNil(t, sel.Account)
	assert.Equal(t, "ok@x.com", sel.Account.Email)
}

func TestHybridFallsBackToRotationWhenAllGated(t *testing.T) {
	s := newTestHybrid()
	pool := testPool("a@x.com", "b@x.com")
	for _, acc := range pool {
		s.OnFailure(acc.Email, "gemini-3-pro")
		s.OnFailure(acc.Email, "gemini-3-pro")
	}

	// Health-gated everywhere, but the ledger still shows both usable:
	// rotation must keep serving rather than starving the dispatcher.
	sel := s.Select(pool, 0, "gemini-3-pro", nil)
	assert.NotNil(t, sel.Account)
}

func TestHybridReturnsEmptyWhenPoolBlocked(t *testing.T) {
	s := newTestHybrid()
	pool := testPool("a@x.com")
	markRateLimited(pool[0], "gemini-3-pro", 3_600_000, 0)

	sel := s.Select(pool, 0, "gemini-3-pro", nil)
	assert.Nil(t, sel.Account)
}

func TestHybridConsumesTokensOnPick(t *testing.T) {
	s := newTestHybrid()
	pool := testPool("a@x.com")

	before := s.tokens.Tokens("a@x.com")
	sel := s.Select(pool, 0, "gemini-3-pro", nil)
	require.NotNil(t, sel.Account)
	assert.Less(t, s.tokens.Tokens("a@x.com"), before)
}

func TestHybridThrottleWhenBucketEmpty(t *testing.T) {
	sel := config.AccountSelectionConfig{
		TokenBucket: &config.TokenBucketConfig{MaxTokens: 1, TokensPerMinute: 6, InitialTokens: 1},
	}
	s := newHybridStrategy(sel)
	pool := testPool("a@x.com")

	first := s.Select(pool, 0, "gemini-3-pro", nil)
	require.NotNil(t, first.Account)
	assert.Zero(t, first.WaitMs)

	second := s.Select(pool, 0, "gemini-3-pro", nil)
	require.NotNil(t, second.Account)
	assert.Greater(t, second.WaitMs, int64(0))
}

func TestHybridAccountQuotaThresholdOverride(t *testing.T) {
	s := newTestHybrid()
	threshold := 0.50
	pool := testPool("strict@x.com", "ok@x.com")
	withQuota(pool[0], "gemini-3-pro", 0.40)
	pool[0].QuotaThreshold = &threshold
	withQuota(pool[1], "gemini-3-pro", 0.40)

	sel := s.Select(pool, 0, "gemini-3-pro", nil)
	require.NotNil(t, sel.Account)
	assert.Equal(t, "ok@x.com", sel.Account.Email)
}

func TestHybridHealthSnapshot(t *testing.T) {
	s := newTestHybrid()
	s.OnFailure("a@x.com", "gemini-3-pro")

	score, tokens, fails := s.healthSnapshot("a@x.com")
	assert.InDelta(t, 50, score, 0.5)
	assert.InDelta(t, 50, tokens, 0.1)
	assert.Equal(t, 1, fails)
}

func TestNewStrategyNames(t *testing.T) {
	sel := config.AccountSelectionConfig{}
	assert.Equal(t, "sticky", newStrategy("sticky", sel).Name())
	assert.Equal(t, "round-robin", newStrategy("round-robin", sel).Name())
	assert.Equal(t, "hybrid", newStrategy("hybrid", sel).Name())
	assert.Equal(t, "sticky", newStrategy("bogus", sel).Name())
}
