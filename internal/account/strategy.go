package account

import (
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
)

// Selection is a strategy's pick. Account nil with WaitMs > 0 asks the
// dispatcher to sleep and try again; Account non-nil with WaitMs > 0 is
// a pre-dispatch throttle on that account.
type Selection struct {
	Account *storage.Account
	Index   int
	WaitMs  int64
}

// Strategy picks the next account for a request. The Manager holds its
// lock across Select, so implementations may touch the pool freely; the
// On* notifications arrive lock-free after dispatch.
type Strategy interface {
	Name() string
	Select(pool []*storage.Account, currentIndex int, modelID string, onSave func()) Selection
	OnSuccess(email, modelID string)
	OnRateLimit(email, modelID string)
	OnFailure(email, modelID string)
}

// newStrategy builds the named strategy, defaulting unknown names to
// sticky so a typo in the config never disables the pool.
func newStrategy(name string, sel config.AccountSelectionConfig) Strategy {
	switch name {
	case "round-robin":
		return &roundRobinStrategy{}
	case "hybrid":
		return newHybridStrategy(sel)
	default:
		return &stickyStrategy{}
	}
}

// StrategyLabel returns the display name for a strategy.
func StrategyLabel(name string) string {
	if label, ok := config.StrategyLabels[name]; ok {
		return label
	}
	return name
}

// stickyStrategy pins requests to the cursor account until it stops
// serving them, preserving prompt-cache affinity across requests.
type stickyStrategy struct{}

func (s *stickyStrategy) Name() string { return "sticky" }

func (s *stickyStrategy) Select(pool []*storage.Account, currentIndex int, modelID string, onSave func()) Selection {
	result := pickStickyAccount(pool, currentIndex, onSave, modelID)
	return Selection{Account: result.Account, Index: result.Index, WaitMs: result.WaitMs}
}

func (s *stickyStrategy) OnSuccess(email, modelID string)   {}
func (s *stickyStrategy) OnRateLimit(email, modelID string) {}
func (s *stickyStrategy) OnFailure(email, modelID string)   {}

// roundRobinStrategy spreads requests evenly by always advancing to the
// next usable account.
type roundRobinStrategy struct{}

func (s *roundRobinStrategy) Name() string { return "round-robin" }

func (s *roundRobinStrategy) Select(pool []*storage.Account, currentIndex int, modelID string, onSave func()) Selection {
	acc, idx := pickNext(pool, currentIndex, onSave, modelID)
	return Selection{Account: acc, Index: idx}
}

func (s *roundRobinStrategy) OnSuccess(email, modelID string)   {}
func (s *roundRobinStrategy) OnRateLimit(email, modelID string) {}
func (s *roundRobinStrategy) OnFailure(email, modelID string)   {}
