package trackers

import (
	"time"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
)

// Quota scores accounts by the remaining-quota fractions fetched from
// the upstream. It is stateless: the snapshot lives on the account.
type Quota struct {
	cfg config.QuotaConfig
}

// NewQuota builds a tracker, filling zero config fields with the
// defaults from DefaultConfig.
func NewQuota(cfg config.QuotaConfig) *Quota {
	if cfg.LowThreshold == 0 {
		cfg.LowThreshold = 0.10
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = 0.05
	}
	if cfg.StaleMs == 0 {
		cfg.StaleMs = 300_000
	}
	if cfg.UnknownScore == 0 {
		cfg.UnknownScore = 50
	}
	return &Quota{cfg: cfg}
}

// Fraction returns the remaining quota fraction (0..1) for the model,
// or -1 when no snapshot covers it.
func (t *Quota) Fraction(acc *storage.Account, modelID string) float64 {
	if acc == nil || acc.Quota == nil || acc.Quota.Models == nil {
		return -1
	}
	mq := acc.Quota.Models[modelID]
	if mq == nil || mq.RemainingFraction == nil {
		return -1
	}
	return *mq.RemainingFraction
}

// IsFresh reports whether the account's quota snapshot is recent enough
// to trust for exclusion decisions.
func (t *Quota) IsFresh(acc *storage.Account) bool {
	if acc == nil || acc.Quota == nil || acc.Quota.FetchedAt == 0 {
		return false
	}
	age := time.Since(time.UnixMilli(acc.Quota.FetchedAt))
	return age < time.Duration(t.cfg.StaleMs)*time.Millisecond
}

// IsCritical reports whether the account's fresh quota for the model is
// at or below the critical threshold. The account's own threshold
// override wins when set.
func (t *Quota) IsCritical(acc *storage.Account, modelID string, thresholdOverride *float64) bool {
	fraction := t.Fraction(acc, modelID)
	if fraction < 0 || !t.IsFresh(acc) {
		return false
	}
	threshold := t.cfg.CriticalThreshold
	if thresholdOverride != nil && *thresholdOverride > 0 {
		threshold = *thresholdOverride
	}
	return fraction <= threshold
}

// IsLow reports whether quota is low but not yet critical.
func (t *Quota) IsLow(acc *storage.Account, modelID string) bool {
	fraction := t.Fraction(acc, modelID)
	if fraction < 0 {
		return false
	}
	return fraction <= t.cfg.LowThreshold && fraction > t.cfg.CriticalThreshold
}

// Score maps the fraction to 0..100. Unknown quota gets the neutral
// middle score; stale snapshots are discounted slightly.
func (t *Quota) Score(acc *storage.Account, modelID string) float64 {
	fraction := t.Fraction(acc, modelID)
	if fraction < 0 {
		return t.cfg.UnknownScore
	}
	score := fraction * 100
	if !t.IsFresh(acc) {
		score *= 0.9
	}
	return score
}
