// Package storage persists the account pool as a JSON file and defines
// the account records the rest of the relay operates on.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codelane/antigravity-relay/internal/utils"
)

// Account sources.
const (
	SourceOAuth    = "oauth"
	SourceDatabase = "database"
	SourceManual   = "manual"
)

// RateLimitInfo is one model's entry in an account's rate-limit ledger.
// ResetTime is epoch ms; zero means no reset is known.
type RateLimitInfo struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ResetTime     int64 `json:"resetTime,omitempty"`
	// ActualResetMs preserves the server-provided wait when one was
	// parsed, for diagnostics.
	ActualResetMs int64 `json:"actualResetMs,omitempty"`
}

// SubscriptionInfo caches the tier discovered for an account.
type SubscriptionInfo struct {
	Tier      string `json:"tier,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	CheckedAt int64  `json:"checkedAt,omitempty"`
}

// ModelQuota is the remaining-quota snapshot for one model.
type ModelQuota struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         string   `json:"resetTime,omitempty"`
}

// QuotaInfo is an account's last fetched quota snapshot.
type QuotaInfo struct {
	Models    map[string]*ModelQuota `json:"models,omitempty"`
	FetchedAt int64                  `json:"fetchedAt,omitempty"`
}

// Account is one pool entry. RefreshToken is a secret; the file is written
// owner-only.
type Account struct {
	Email            string `json:"email"`
	Source           string `json:"source"`
	Enabled          bool   `json:"enabled"`
	RefreshToken     string `json:"refreshToken,omitempty"`
	APIKey           string `json:"apiKey,omitempty"`
	ProjectID        string `json:"projectId,omitempty"`
	ManagedProjectID string `json:"managedProjectId,omitempty"`

	AddedAt  int64 `json:"addedAt,omitempty"`
	LastUsed int64 `json:"lastUsed,omitempty"`

	ModelRateLimits map[string]*RateLimitInfo `json:"modelRateLimits,omitempty"`

	IsInvalid     bool   `json:"isInvalid,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
	InvalidAt     int64  `json:"invalidAt,omitempty"`

	Subscription         *SubscriptionInfo  `json:"subscription,omitempty"`
	Quota                *QuotaInfo         `json:"quota,omitempty"`
	QuotaThreshold       *float64           `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64 `json:"modelQuotaThresholds,omitempty"`

	// Process-local backoff, never persisted.
	CoolingDownUntil int64  `json:"-"`
	CooldownReason   string `json:"-"`
}

// DisplayName is the masked email used in log lines.
func (a *Account) DisplayName() string {
	return utils.MaskEmail(a.Email)
}

// RateLimitFor returns the ledger entry for a model, or nil.
func (a *Account) RateLimitFor(modelID string) *RateLimitInfo {
	if a.ModelRateLimits == nil {
		return nil
	}
	return a.ModelRateLimits[modelID]
}

// CoolingDown reports whether a process-local backoff is active. An
// expired backoff is cleared on the way out.
func (a *Account) CoolingDown() bool {
	if a.CoolingDownUntil == 0 {
		return false
	}
	if utils.NowMs() >= a.CoolingDownUntil {
		a.CoolingDownUntil = 0
		a.CooldownReason = ""
		return false
	}
	return true
}

// RateLimitedFor reports whether the ledger blocks a model right now.
// Entries whose reset has passed no longer block.
func (a *Account) RateLimitedFor(modelID string) bool {
	info := a.RateLimitFor(modelID)
	if info == nil || !info.IsRateLimited {
		return false
	}
	return info.ResetTime > utils.NowMs()
}

// UsableFor reports whether the account can serve a request for the
// given model. An empty modelID skips the per-model ledger check.
func (a *Account) UsableFor(modelID string) bool {
	if a == nil || a.IsInvalid || !a.Enabled {
		return false
	}
	if a.CoolingDown() {
		return false
	}
	if modelID != "" && a.RateLimitedFor(modelID) {
		return false
	}
	return true
}

// Clone returns a deep copy. The write-behind saver marshals snapshots
// while the manager keeps mutating the live pool, so shared pointers
// must not cross that boundary.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	dup := *a
	if a.ModelRateLimits != nil {
		dup.ModelRateLimits = make(map[string]*RateLimitInfo, len(a.ModelRateLimits))
		for model, info := range a.ModelRateLimits {
			if info == nil {
				continue
			}
			infoCopy := *info
			dup.ModelRateLimits[model] = &infoCopy
		}
	}
	if a.Subscription != nil {
		sub := *a.Subscription
		dup.Subscription = &sub
	}
	if a.Quota != nil {
		quota := &QuotaInfo{FetchedAt: a.Quota.FetchedAt}
		if a.Quota.Models != nil {
			quota.Models = make(map[string]*ModelQuota, len(a.Quota.Models))
			for model, mq := range a.Quota.Models {
				if mq == nil {
					continue
				}
				mqCopy := *mq
				if mq.RemainingFraction != nil {
					frac := *mq.RemainingFraction
					mqCopy.RemainingFraction = &frac
				}
				quota.Models[model] = &mqCopy
			}
		}
		dup.Quota = quota
	}
	if a.QuotaThreshold != nil {
		threshold := *a.QuotaThreshold
		dup.QuotaThreshold = &threshold
	}
	if a.ModelQuotaThresholds != nil {
		dup.ModelQuotaThresholds = make(map[string]float64, len(a.ModelQuotaThresholds))
		for model, threshold := range a.ModelQuotaThresholds {
			dup.ModelQuotaThresholds[model] = threshold
		}
	}
	return &dup
}

// Settings are pool-wide knobs persisted alongside the accounts.
type Settings struct {
	DefaultCooldownMs int64 `json:"defaultCooldownMs,omitempty"`
	MaxRetries        int   `json:"maxRetries,omitempty"`
}

// FileState is the on-disk shape: the ordered pool, its settings and the
// sticky cursor.
type FileState struct {
	Accounts    []*Account `json:"accounts"`
	Settings    *Settings  `json:"settings,omitempty"`
	ActiveIndex int        `json:"activeIndex"`
}

// Clone deep-copies the whole state for handing to QueueSave.
func (s *FileState) Clone() *FileState {
	if s == nil {
		return nil
	}
	dup := &FileState{ActiveIndex: s.ActiveIndex}
	if s.Settings != nil {
		settings := *s.Settings
		dup.Settings = &settings
	}
	dup.Accounts = make([]*Account, 0, len(s.Accounts))
	for _, acc := range s.Accounts {
		dup.Accounts = append(dup.Accounts, acc.Clone())
	}
	return dup
}

// Store reads and writes the account file. Saves are write-behind:
// QueueSave coalesces bursts into one disk write.
type Store struct {
	path string

	mu      sync.Mutex
	pending *FileState
	timer   *time.Timer
}

// saveDelay coalesces rapid QueueSave calls.
const saveDelay = 500 * time.Millisecond

// NewStore returns a store for the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the account file. A missing file yields an empty pool.
// Invalid marks are cleared on load so restarts retry accounts that
// failed in a previous run.
func (s *Store) Load() (*FileState, error) {
	state := &FileState{Accounts: []*Account{}}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if state.Accounts == nil {
		state.Accounts = []*Account{}
	}

	for _, account := range state.Accounts {
		account.IsInvalid = false
		account.InvalidReason = ""
		account.InvalidAt = 0
		if account.Source == "" {
			account.Source = SourceOAuth
		}
	}

	if state.ActiveIndex < 0 || state.ActiveIndex >= len(state.Accounts) {
		state.ActiveIndex = 0
	}

	return state, nil
}

// Save writes the state atomically: temp file in the same directory, then
// rename. The file is owner-only since it holds refresh tokens.
func (s *Store) Save(state *FileState) error {
	dir := filepath.Dir(s.path)
	if err := utils.EnsureDir(dir); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write accounts file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod accounts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close accounts file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace accounts file: %w", err)
	}
	return nil
}

// QueueSave schedules an asynchronous save of the given snapshot. Later
// snapshots replace earlier unsaved ones.
func (s *Store) QueueSave(state *FileState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = state
	if s.timer == nil {
		s.timer = time.AfterFunc(saveDelay, s.flushPending)
	}
}

func (s *Store) flushPending() {
	s.mu.Lock()
	state := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if state == nil {
		return
	}
	if err := s.Save(state); err != nil {
		utils.Error("Failed to save accounts: %v", err)
	}
}

// Flush writes any queued snapshot immediately. Used on shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	state := s.pending
	s.pending = nil
	s.mu.Unlock()

	if state != nil {
		if err := s.Save(state); err != nil {
			utils.Error("Failed to save accounts: %v", err)
		}
	}
}
