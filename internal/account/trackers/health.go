// Package trackers holds the per-account state the hybrid strategy
// scores with: health, pacing tokens and remaining quota.
package trackers

import (
	"sync"
	"time"

	"github.com/codelane/antigravity-relay/internal/config"
)

// healthRecord is one account's score with the timestamp passive
// recovery is computed from.
type healthRecord struct {
	score       float64
	lastUpdated time.Time
	consecutive int
}

// Health tracks a 0..MaxScore score per account. Successes nudge it up,
// rate limits and failures knock it down, and idle time recovers it at
// RecoveryPerHour so a bad streak does not bench an account forever.
type Health struct {
	mu      sync.RWMutex
	records map[string]*healthRecord
	cfg     config.HealthScoreConfig
}

// NewHealth builds a tracker, filling zero config fields with the
// defaults from DefaultConfig.
func NewHealth(cfg config.HealthScoreConfig) *Health {
	if cfg.Initial == 0 {
		cfg.Initial = 70
	}
	if cfg.SuccessReward == 0 {
		cfg.SuccessReward = 1
	}
	if cfg.RateLimitPenalty == 0 {
		cfg.RateLimitPenalty = -10
	}
	if cfg.FailurePenalty == 0 {
		cfg.FailurePenalty = -20
	}
	if cfg.RecoveryPerHour == 0 {
		cfg.RecoveryPerHour = 2
	}
	if cfg.MinUsable == 0 {
		cfg.MinUsable = 50
	}
	if cfg.MaxScore == 0 {
		cfg.MaxScore = 100
	}
	return &Health{records: make(map[string]*healthRecord), cfg: cfg}
}

// Score returns the account's current score with passive recovery
// applied. Unknown accounts start at the initial score.
func (t *Health) Score(email string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scoreLocked(email)
}

func (t *Health) scoreLocked(email string) float64 {
	record, ok := t.records[email]
	if !ok {
		return t.cfg.Initial
	}
	recovered := record.score + time.Since(record.lastUpdated).Hours()*t.cfg.RecoveryPerHour
	if recovered > t.cfg.MaxScore {
		return t.cfg.MaxScore
	}
	return recovered
}

func (t *Health) adjust(email string, delta float64, resetStreak bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	score := t.scoreLocked(email) + delta
	if score > t.cfg.MaxScore {
		score = t.cfg.MaxScore
	}
	if score < 0 {
		score = 0
	}

	consecutive := 0
	if !resetStreak {
		if record, ok := t.records[email]; ok {
			consecutive = record.consecutive
		}
		consecutive++
	}
	t.records[email] = &healthRecord{score: score, lastUpdated: time.Now(), consecutive: consecutive}
}

// RecordSuccess rewards the account and clears its failure streak.
func (t *Health) RecordSuccess(email string) {
	t.adjust(email, t.cfg.SuccessReward, true)
}

// RecordRateLimit applies the rate-limit penalty.
func (t *Health) RecordRateLimit(email string) {
	t.adjust(email, t.cfg.RateLimitPenalty, false)
}

// RecordFailure applies the failure penalty.
func (t *Health) RecordFailure(email string) {
	t.adjust(email, t.cfg.FailurePenalty, false)
}

// IsUsable reports whether the score clears the usability floor.
func (t *Health) IsUsable(email string) bool {
	return t.Score(email) >= t.cfg.MinUsable
}

// ConsecutiveFailures returns the account's current failure streak.
func (t *Health) ConsecutiveFailures(email string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if record, ok := t.records[email]; ok {
		return record.consecutive
	}
	return 0
}

// Reset puts the account back at the initial score.
func (t *Health) Reset(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[email] = &healthRecord{score: t.cfg.Initial, lastUpdated: time.Now()}
}

// Clear drops all tracked records.
func (t *Health) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*healthRecord)
}
