package account

import (
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// Ledger operations over the in-memory pool. These are plain functions;
// the Manager wraps them with its mutex and queues persistence.

// markRateLimited records a per-model block on the account. A
// non-positive resetMs falls back to defaultCooldownMs.
func markRateLimited(acc *storage.Account, modelID string, resetMs, defaultCooldownMs int64) {
	if defaultCooldownMs <= 0 {
		defaultCooldownMs = config.DefaultCooldownMs
	}
	wait := resetMs
	if wait <= 0 {
		wait = defaultCooldownMs
	}

	if acc.ModelRateLimits == nil {
		acc.ModelRateLimits = make(map[string]*storage.RateLimitInfo)
	}
	acc.ModelRateLimits[modelID] = &storage.RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     utils.NowMs() + wait,
		ActualResetMs: resetMs,
	}
}

// markInvalid flags the account so selection skips it until the mark is
// cleared by a successful token refresh or a pool reload.
func markInvalid(acc *storage.Account, reason string) {
	acc.IsInvalid = true
	acc.InvalidReason = reason
	acc.InvalidAt = utils.NowMs()
}

func clearInvalid(acc *storage.Account) {
	acc.IsInvalid = false
	acc.InvalidReason = ""
	acc.InvalidAt = 0
}

// blockedFor reports whether the account is rate-limited for the model.
// An empty modelID asks about any model: one live ledger entry blocks.
func blockedFor(acc *storage.Account, modelID string) bool {
	if modelID == "" {
		for model := range acc.ModelRateLimits {
			if acc.RateLimitedFor(model) {
				return true
			}
		}
		return false
	}
	return acc.RateLimitedFor(modelID)
}

// isAllRateLimited reports whether every enabled, valid account is
// blocked for the model. Invalid and disabled accounts do not count as
// available, so an empty or fully-invalid pool reads as all-blocked.
func isAllRateLimited(pool []*storage.Account, modelID string) bool {
	for _, acc := range pool {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if !blockedFor(acc, modelID) {
			return false
		}
	}
	return true
}

// clearExpiredLimits drops ledger entries whose reset time has passed
// and returns how many were removed.
func clearExpiredLimits(pool []*storage.Account) int {
	now := utils.NowMs()
	cleared := 0
	for _, acc := range pool {
		for model, info := range acc.ModelRateLimits {
			if info != nil && info.ResetTime > now {
				continue
			}
			delete(acc.ModelRateLimits, model)
			cleared++
		}
	}
	return cleared
}

// minWaitTimeMs returns the smallest remaining wait across accounts
// blocked for the model, or 0 when some account can serve it already.
func minWaitTimeMs(pool []*storage.Account, modelID string) int64 {
	now := utils.NowMs()
	var min int64 = -1

	for _, acc := range pool {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		info := acc.RateLimitFor(modelID)
		if info == nil || !info.IsRateLimited {
			return 0
		}
		wait := info.ResetTime - now
		if wait <= 0 {
			return 0
		}
		if min < 0 || wait < min {
			min = wait
		}
	}

	if min < 0 {
		return 0
	}
	return min
}

// availableAccounts returns the enabled, valid accounts not blocked for
// the model. An empty modelID requires no active block on any model.
func availableAccounts(pool []*storage.Account, modelID string) []*storage.Account {
	result := make([]*storage.Account, 0, len(pool))
	for _, acc := range pool {
		if !acc.Enabled || acc.IsInvalid || acc.CoolingDown() {
			continue
		}
		if blockedFor(acc, modelID) {
			continue
		}
		result = append(result, acc)
	}
	return result
}

// invalidAccounts returns the accounts carrying an invalid mark.
func invalidAccounts(pool []*storage.Account) []*storage.Account {
	result := make([]*storage.Account, 0)
	for _, acc := range pool {
		if acc.IsInvalid {
			result = append(result, acc)
		}
	}
	return result
}

// resetAllRateLimits wipes the ledger on every account.
func resetAllRateLimits(pool []*storage.Account) {
	for _, acc := range pool {
		acc.ModelRateLimits = nil
	}
}
