package trackers

import (
	"sync"
	"time"

	"github.com/codelane/antigravity-relay/internal/config"
)

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucket paces how often each account is handed a request. Every
// selection consumes one token; tokens refill continuously at
// TokensPerMinute up to MaxTokens.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*bucketState
	cfg     config.TokenBucketConfig
}

// NewTokenBucket builds a tracker, filling zero config fields with the
// defaults from DefaultConfig.
func NewTokenBucket(cfg config.TokenBucketConfig) *TokenBucket {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 50
	}
	if cfg.TokensPerMinute == 0 {
		cfg.TokensPerMinute = 6
	}
	if cfg.InitialTokens == 0 {
		cfg.InitialTokens = cfg.MaxTokens
	}
	return &TokenBucket{buckets: make(map[string]*bucketState), cfg: cfg}
}

func (t *TokenBucket) bucketLocked(email string) *bucketState {
	b, ok := t.buckets[email]
	if !ok {
		b = &bucketState{tokens: t.cfg.InitialTokens, lastRefill: time.Now()}
		t.buckets[email] = b
		return b
	}
	refill := time.Since(b.lastRefill).Minutes() * t.cfg.TokensPerMinute
	if refill > 0 {
		b.tokens += refill
		if b.tokens > t.cfg.MaxTokens {
			b.tokens = t.cfg.MaxTokens
		}
		b.lastRefill = time.Now()
	}
	return b
}

// Tokens returns the account's current token balance.
func (t *TokenBucket) Tokens(email string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucketLocked(email).tokens
}

// Consume takes one token from the account's bucket. The balance may go
// negative; WaitMs reports how long until it is whole again.
func (t *TokenBucket) Consume(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bucketLocked(email).tokens--
}

// WaitMs returns how long the account should be throttled before its
// next request, zero when a token is available now.
func (t *TokenBucket) WaitMs(email string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketLocked(email)
	if b.tokens >= 1 {
		return 0
	}
	deficit := 1 - b.tokens
	return int64(deficit / t.cfg.TokensPerMinute * 60_000)
}

// MaxTokens returns the bucket capacity, for score normalization.
func (t *TokenBucket) MaxTokens() float64 {
	return t.cfg.MaxTokens
}

// Clear drops all tracked buckets.
func (t *TokenBucket) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = make(map[string]*bucketState)
}
