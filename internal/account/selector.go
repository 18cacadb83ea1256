package account

import (
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// Pure selection over the ordered pool. The Manager holds its lock while
// calling these and passes a callback that queues persistence whenever
// lastUsed moves.

// waitDecision is the outcome of shouldWaitForCurrentAccount.
type waitDecision struct {
	ShouldWait bool
	WaitMs     int64
	Account    *storage.Account
}

// stickyResult is the outcome of pickStickyAccount. Account nil with
// WaitMs > 0 asks the caller to sleep and retry; nil with WaitMs 0 means
// nothing can serve the model.
type stickyResult struct {
	Account *storage.Account
	Index   int
	WaitMs  int64
}

func clampIndex(idx, n int) int {
	if idx < 0 || idx >= n {
		return 0
	}
	return idx
}

// pickNext walks round-robin from the slot after currentIndex, skipping
// rate-limited, invalid and disabled accounts. The chosen account gets
// its lastUsed stamped and onSave fires; when the whole pool is blocked
// it returns nil and leaves the cursor where it was.
func pickNext(pool []*storage.Account, currentIndex int, onSave func(), modelID string) (*storage.Account, int) {
	n := len(pool)
	if n == 0 {
		return nil, currentIndex
	}
	currentIndex = clampIndex(currentIndex, n)

	for i := 1; i <= n; i++ {
		idx := (currentIndex + i) % n
		acc := pool[idx]
		if !acc.UsableFor(modelID) {
			continue
		}
		acc.LastUsed = utils.NowMs()
		if onSave != nil {
			onSave()
		}
		utils.Info("[Selector] Using account: %s (%d/%d)", acc.DisplayName(), idx+1, n)
		return acc, idx
	}

	return nil, currentIndex
}

// currentStickyAccount returns the cursor account when it can serve the
// model, refreshing its lastUsed, else nil.
func currentStickyAccount(pool []*storage.Account, currentIndex int, onSave func(), modelID string) *storage.Account {
	n := len(pool)
	if n == 0 {
		return nil
	}
	acc := pool[clampIndex(currentIndex, n)]
	if !acc.UsableFor(modelID) {
		return nil
	}
	acc.LastUsed = utils.NowMs()
	if onSave != nil {
		onSave()
	}
	return acc
}

// shouldWaitForCurrentAccount reports whether the cursor account's block
// on the model clears soon enough to be worth waiting for rather than
// abandoning the session's cache affinity.
func shouldWaitForCurrentAccount(pool []*storage.Account, currentIndex int, modelID string) waitDecision {
	n := len(pool)
	if n == 0 {
		return waitDecision{}
	}
	acc := pool[clampIndex(currentIndex, n)]
	if acc.IsInvalid || !acc.Enabled {
		return waitDecision{}
	}

	var waitMs int64
	if modelID != "" {
		if info := acc.RateLimitFor(modelID); info != nil && info.IsRateLimited {
			waitMs = info.ResetTime - utils.NowMs()
		}
	}

	if waitMs > 0 && waitMs <= config.MaxWaitBeforeErrorMs {
		return waitDecision{ShouldWait: true, WaitMs: waitMs, Account: acc}
	}
	return waitDecision{}
}

// pickStickyAccount keeps the cursor account while it works, fails over
// when another account is free, and asks the caller to wait when the
// cursor account's limit clears within the acceptable window.
func pickStickyAccount(pool []*storage.Account, currentIndex int, onSave func(), modelID string) stickyResult {
	n := len(pool)
	if n == 0 {
		return stickyResult{Index: currentIndex}
	}
	currentIndex = clampIndex(currentIndex, n)

	if acc := currentStickyAccount(pool, currentIndex, onSave, modelID); acc != nil {
		return stickyResult{Account: acc, Index: currentIndex}
	}

	if len(availableAccounts(pool, modelID)) > 0 {
		if acc, idx := pickNext(pool, currentIndex, onSave, modelID); acc != nil {
			utils.Info("[Selector] Sticky account unavailable, failing over to %s", acc.DisplayName())
			return stickyResult{Account: acc, Index: idx}
		}
	}

	if decision := shouldWaitForCurrentAccount(pool, currentIndex, modelID); decision.ShouldWait {
		utils.Info("[Selector] Waiting %s for sticky account %s",
			utils.FormatDuration(decision.WaitMs), decision.Account.DisplayName())
		return stickyResult{Index: currentIndex, WaitMs: decision.WaitMs}
	}

	acc, idx := pickNext(pool, currentIndex, onSave, modelID)
	return stickyResult{Account: acc, Index: idx}
}
