package account

import (
	"github.com/codelane/antigravity-relay/internal/account/trackers"
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// hybridStrategy scores every usable account on health, pacing tokens,
// remaining quota and recency, and picks the highest. Accounts below
// the health floor or at critical quota sit out until they recover.
type hybridStrategy struct {
	health  *trackers.Health
	tokens  *trackers.TokenBucket
	quota   *trackers.Quota
	weights config.WeightsConfig
}

func newHybridStrategy(sel config.AccountSelectionConfig) *hybridStrategy {
	var healthCfg config.HealthScoreConfig
	if sel.HealthScore != nil {
		healthCfg = *sel.HealthScore
	}
	var bucketCfg config.TokenBucketConfig
	if sel.TokenBucket != nil {
		bucketCfg = *sel.TokenBucket
	}
	var quotaCfg config.QuotaConfig
	if sel.Quota != nil {
		quotaCfg = *sel.Quota
	}
	weights := config.WeightsConfig{Health: 2, Tokens: 5, Quota: 3, Lru: 0.1}
	if sel.Weights != nil {
		weights = *sel.Weights
	}
	return &hybridStrategy{
		health:  trackers.NewHealth(healthCfg),
		tokens:  trackers.NewTokenBucket(bucketCfg),
		quota:   trackers.NewQuota(quotaCfg),
		weights: weights,
	}
}

func (s *hybridStrategy) Name() string { return "hybrid" }

// score combines the weighted tracker terms. Token balance is
// normalized to 0..100 like the other terms; the LRU term favors the
// account idle longest, in minutes.
func (s *hybridStrategy) score(acc *storage.Account, modelID string) float64 {
	tokenScore := s.tokens.Tokens(acc.Email) / s.tokens.MaxTokens() * 100
	if tokenScore < 0 {
		tokenScore = 0
	}
	idleMinutes := float64(utils.NowMs()-acc.LastUsed) / 60_000
	if acc.LastUsed == 0 {
		idleMinutes = 0
	}

	return s.weights.Health*s.health.Score(acc.Email) +
		s.weights.Tokens*tokenScore +
		s.weights.Quota*s.quota.Score(acc, modelID) +
		s.weights.Lru*idleMinutes
}

func (s *hybridStrategy) Select(pool []*storage.Account, currentIndex int, modelID string, onSave func()) Selection {
	var best *storage.Account
	bestIdx := currentIndex
	bestScore := 0.0

	for idx, acc := range pool {
		if !acc.UsableFor(modelID) {
			continue
		}
		if !s.health.IsUsable(acc.Email) {
			continue
		}
		if s.quota.IsCritical(acc, modelID, acc.QuotaThreshold) {
			continue
		}
		if score := s.score(acc, modelID); best == nil || score > bestScore {
			best, bestIdx, bestScore = acc, idx, score
		}
	}

	// Tracker gates can bench the whole pool while the ledger still
	// shows accounts as available. Fall back to plain rotation so the
	// dispatcher never spins on an empty pick.
	if best == nil {
		acc, idx := pickNext(pool, currentIndex, onSave, modelID)
		if acc != nil {
			utils.Debug("[Hybrid] All accounts gated, falling back to rotation: %s", acc.DisplayName())
			s.tokens.Consume(acc.Email)
			return Selection{Account: acc, Index: idx, WaitMs: s.tokens.WaitMs(acc.Email)}
		}
		return Selection{Index: currentIndex}
	}

	best.LastUsed = utils.NowMs()
	if onSave != nil {
		onSave()
	}
	s.tokens.Consume(best.Email)
	waitMs := s.tokens.WaitMs(best.Email)
	utils.Debug("[Hybrid] Selected %s (score %.1f, throttle %dms)", best.DisplayName(), bestScore, waitMs)
	return Selection{Account: best, Index: bestIdx, WaitMs: waitMs}
}

func (s *hybridStrategy) OnSuccess(email, modelID string) {
	s.health.RecordSuccess(email)
}

func (s *hybridStrategy) OnRateLimit(email, modelID string) {
	s.health.RecordRateLimit(email)
}

func (s *hybridStrategy) OnFailure(email, modelID string) {
	s.health.RecordFailure(email)
}

// healthSnapshot exposes tracker internals for the status endpoint.
func (s *hybridStrategy) healthSnapshot(email string) (score, tokens float64, fails int) {
	return s.health.Score(email), s.tokens.Tokens(email), s.health.ConsecutiveFailures(email)
}
