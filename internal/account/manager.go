// Package account manages the Google account pool: persistence,
// selection strategies, per-model rate-limit ledgers and credential
// caching.
package account

import (
	"context"
	"sync"

	"github.com/codelane/antigravity-relay/internal/auth"
	"github.com/codelane/antigravity-relay/internal/config"
	relayerrors "github.com/codelane/antigravity-relay/internal/errors"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// SelectResult is what the dispatcher gets back from SelectAccount.
// Account nil with WaitMs > 0 means sleep and retry.
type SelectResult struct {
	Account *storage.Account
	Index   int
	WaitMs  int64
}

// Manager owns the in-memory pool and its on-disk mirror. All pool
// mutations run under the mutex and queue a write-behind save.
type Manager struct {
	mu sync.RWMutex

	store    *storage.Store
	accounts []*storage.Account
	settings *storage.Settings

	currentIndex int
	initialized  bool

	credentials *Credentials

	strategy     Strategy
	strategyName string

	cfg *config.Config
}

// NewManager builds a manager over the account file. Call Initialize
// before selecting.
func NewManager(store *storage.Store, cfg *config.Config) *Manager {
	return &Manager{
		store:        store,
		accounts:     make([]*storage.Account, 0),
		credentials:  NewCredentials(),
		strategyName: config.DefaultSelectionStrategy,
		cfg:          cfg,
	}
}

// Initialize loads the pool from disk and builds the selection
// strategy. Strategy precedence: override > config file > default.
// A second call is a no-op; use Reload to pick up file changes.
func (m *Manager) Initialize(strategyOverride string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked(strategyOverride)
}

func (m *Manager) initLocked(strategyOverride string) error {
	if m.initialized {
		return nil
	}

	state, err := m.store.Load()
	if err != nil {
		return err
	}
	m.accounts = state.Accounts
	m.settings = state.Settings
	m.currentIndex = state.ActiveIndex

	// With no enrolled accounts, a local Antigravity desktop login can
	// still serve requests. The synthetic entry is never persisted.
	if len(m.accounts) == 0 && auth.DatabaseAccessible("") {
		if status, err := auth.ReadAuthStatus(""); err == nil && status.APIKey != "" {
			email := utils.CoalesceString(status.Email, "desktop-login")
			utils.Info("[AccountManager] No accounts configured, using desktop login: %s", utils.MaskEmail(email))
			m.accounts = append(m.accounts, &storage.Account{
				Email:   email,
				Source:  storage.SourceDatabase,
				Enabled: true,
				AddedAt: utils.NowMs(),
			})
		}
	}

	if strategyOverride != "" {
		m.strategyName = strategyOverride
	} else if s := m.cfg.GetStrategy(); s != "" {
		m.strategyName = s
	}
	m.strategy = newStrategy(m.strategyName, m.cfg.AccountSelection)
	utils.Info("[AccountManager] %d account(s) loaded, using %s", len(m.accounts), StrategyLabel(m.strategyName))

	clearExpiredLimits(m.accounts)
	m.initialized = true
	return nil
}

// Reload re-reads the account file, dropping in-memory state.
func (m *Manager) Reload() error {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	m.credentials.ClearTokenCache("")
	return m.Initialize("")
}

// Count returns the pool size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// AvailableCount returns how many accounts can serve the model now.
func (m *Manager) AvailableCount(modelID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(availableAccounts(m.accounts, modelID))
}

// Accounts returns a snapshot of the pool.
func (m *Manager) Accounts() []*storage.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*storage.Account, len(m.accounts))
	copy(result, m.accounts)
	return result
}

// InvalidAccounts returns the accounts carrying an invalid mark.
func (m *Manager) InvalidAccounts() []*storage.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return invalidAccounts(m.accounts)
}

// SelectAccount picks an account for the model via the active strategy
// and advances the sticky cursor.
func (m *Manager) SelectAccount(ctx context.Context, modelID string) (*SelectResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		if err := m.initLocked(""); err != nil {
			return nil, err
		}
	}
	if len(m.accounts) == 0 {
		return nil, relayerrors.NewNoAccountsError("No accounts configured", false)
	}

	clearExpiredLimits(m.accounts)

	sel := m.strategy.Select(m.accounts, m.currentIndex, modelID, m.queueSaveLocked)
	if sel.Account != nil {
		m.currentIndex = sel.Index
	}
	return &SelectResult{Account: sel.Account, Index: sel.Index, WaitMs: sel.WaitMs}, nil
}

// IsAllRateLimited reports whether every usable account is blocked for
// the model.
func (m *Manager) IsAllRateLimited(modelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return isAllRateLimited(m.accounts, modelID)
}

// MinWaitTimeMs returns the shortest wait until some account can serve
// the model, zero when one already can.
func (m *Manager) MinWaitTimeMs(modelID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return minWaitTimeMs(m.accounts, modelID)
}

// ClearExpiredLimits drops ledger entries whose reset has passed.
func (m *Manager) ClearExpiredLimits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := clearExpiredLimits(m.accounts)
	if cleared > 0 {
		m.queueSaveLocked()
	}
	return cleared
}

// MarkRateLimited records a per-model block on the account.
func (m *Manager) MarkRateLimited(email, modelID string, resetMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc := m.findLocked(email); acc != nil {
		markRateLimited(acc, modelID, resetMs, m.cfg.DefaultCooldownMs)
		m.queueSaveLocked()
	}
}

// MarkInvalid flags the account so selection skips it until a token
// refresh succeeds or the pool reloads.
func (m *Manager) MarkInvalid(email, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc := m.findLocked(email); acc != nil {
		markInvalid(acc, reason)
		m.queueSaveLocked()
	}
}

// AdvanceAccount moves the selection cursor off the account so the next
// pick starts at its successor. No-op when the account is not current.
func (m *Manager) AdvanceAccount(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.accounts) == 0 {
		return
	}
	if m.currentIndex < len(m.accounts) && m.accounts[m.currentIndex].Email == email {
		m.currentIndex = (m.currentIndex + 1) % len(m.accounts)
	}
}

// ResetAllRateLimits wipes every account's ledger. Used by the server
// as an optimistic reset when the whole pool reads as blocked.
func (m *Manager) ResetAllRateLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	resetAllRateLimits(m.accounts)
	m.queueSaveLocked()
}

// NotifySuccess feeds a successful request into the strategy trackers.
func (m *Manager) NotifySuccess(email, modelID string) {
	if m.strategy != nil {
		m.strategy.OnSuccess(email, modelID)
	}
}

// NotifyRateLimit feeds a rate limit into the strategy trackers.
func (m *Manager) NotifyRateLimit(email, modelID string) {
	if m.strategy != nil {
		m.strategy.OnRateLimit(email, modelID)
	}
}

// NotifyFailure feeds a failure into the strategy trackers.
func (m *Manager) NotifyFailure(email, modelID string) {
	if m.strategy != nil {
		m.strategy.OnFailure(email, modelID)
	}
}

// GetToken returns an access token for the account. A permanent
// credential failure marks the account invalid; a success clears any
// stale invalid mark.
func (m *Manager) GetToken(ctx context.Context, acc *storage.Account) (string, error) {
	token, err := m.credentials.GetAccessToken(ctx, acc)
	if err != nil {
		if isCredentialFailure(err) {
			m.MarkInvalid(acc.Email, err.Error())
		}
		return "", err
	}

	if acc.IsInvalid {
		m.mu.Lock()
		if live := m.findLocked(acc.Email); live != nil {
			clearInvalid(live)
			m.queueSaveLocked()
		}
		m.mu.Unlock()
	}
	return token, nil
}

// GetProject resolves the Cloud Code project id for the account.
func (m *Manager) GetProject(ctx context.Context, acc *storage.Account, token string) (string, error) {
	return m.credentials.GetProject(ctx, acc, token)
}

// ClearTokenCache drops cached tokens, all of them when email is empty.
func (m *Manager) ClearTokenCache(email string) {
	m.credentials.ClearTokenCache(email)
}

// ClearProjectCache drops cached project ids.
func (m *Manager) ClearProjectCache(email string) {
	m.credentials.ClearProjectCache(email)
}

// GetAccountByEmail returns the pool entry for an email.
func (m *Manager) GetAccountByEmail(email string) (*storage.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc := m.findLocked(email); acc != nil {
		return acc, nil
	}
	return nil, relayerrors.NewNoAccountsError("Account "+email+" not found", false)
}

// SetAccountEnabled enables or disables one account.
func (m *Manager) SetAccountEnabled(email string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.findLocked(email)
	if acc == nil {
		return relayerrors.NewNoAccountsError("Account "+email+" not found", false)
	}
	acc.Enabled = enabled
	m.queueSaveLocked()
	return nil
}

// RemoveAccount drops an account from the pool.
func (m *Manager) RemoveAccount(email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, acc := range m.accounts {
		if acc.Email == email {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			if m.currentIndex >= len(m.accounts) {
				m.currentIndex = 0
			}
			m.queueSaveLocked()
			return nil
		}
	}
	return relayerrors.NewNoAccountsError("Account "+email+" not found", false)
}

// AddOrUpdateAccount enrolls a new account or replaces an existing one
// by email, enforcing the pool cap for new entries.
func (m *Manager) AddOrUpdateAccount(acc *storage.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.accounts {
		if existing.Email == acc.Email {
			m.accounts[i] = acc
			m.credentials.ClearTokenCache(acc.Email)
			m.queueSaveLocked()
			utils.Info("[AccountManager] Account %s updated", acc.DisplayName())
			return nil
		}
	}

	maxAccounts := m.cfg.MaxAccounts
	if maxAccounts <= 0 {
		maxAccounts = config.MaxAccounts
	}
	if len(m.accounts) >= maxAccounts {
		return relayerrors.NewNoAccountsError("Maximum accounts reached", false)
	}

	m.accounts = append(m.accounts, acc)
	m.queueSaveLocked()
	utils.Info("[AccountManager] Account %s added", acc.DisplayName())
	return nil
}

// UpdateAccountSubscription caches a freshly detected subscription tier.
func (m *Manager) UpdateAccountSubscription(email string, sub *storage.SubscriptionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc := m.findLocked(email); acc != nil {
		acc.Subscription = sub
		m.queueSaveLocked()
	}
}

// UpdateAccountQuota replaces the account's quota snapshot.
func (m *Manager) UpdateAccountQuota(email string, quotas map[string]*storage.ModelQuota) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc := m.findLocked(email); acc != nil {
		acc.Quota = &storage.QuotaInfo{Models: quotas, FetchedAt: utils.NowMs()}
		m.queueSaveLocked()
	}
}

// StrategyName returns the active strategy's name.
func (m *Manager) StrategyName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategyName
}

// Flush forces any queued save to disk. Call on shutdown.
func (m *Manager) Flush() {
	m.store.Flush()
}

func (m *Manager) findLocked(email string) *storage.Account {
	for _, acc := range m.accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// queueSaveLocked snapshots the pool for the write-behind saver.
// Callers hold the write lock.
func (m *Manager) queueSaveLocked() {
	state := &storage.FileState{
		Accounts:    m.accounts,
		Settings:    m.settings,
		ActiveIndex: m.currentIndex,
	}
	m.store.QueueSave(state.Clone())
}

// isCredentialFailure reports whether a token error means the stored
// credentials are dead rather than a transient upstream problem.
func isCredentialFailure(err error) bool {
	if err == nil {
		return false
	}
	return utils.ContainsAny(err.Error(),
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"invalid_client",
		"no refresh token",
	)
}

// Status is the account pool summary served by the status endpoints.
type Status struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	RateLimited int              `json:"rateLimited"`
	Invalid     int              `json:"invalid"`
	Strategy    string           `json:"strategy"`
	Accounts    []*AccountStatus `json:"accounts"`
}

// AccountStatus is one pool entry in the status payload, secrets
// omitted.
type AccountStatus struct {
	Email           string                            `json:"email"`
	Source          string                            `json:"source"`
	Enabled         bool                              `json:"enabled"`
	ProjectID       string                            `json:"projectId,omitempty"`
	IsInvalid       bool                              `json:"isInvalid,omitempty"`
	InvalidReason   string                            `json:"invalidReason,omitempty"`
	LastUsed        int64                             `json:"lastUsed,omitempty"`
	Subscription    *storage.SubscriptionInfo         `json:"subscription,omitempty"`
	ModelRateLimits map[string]*storage.RateLimitInfo `json:"modelRateLimits,omitempty"`
	Health          *AccountHealth                    `json:"health,omitempty"`
}

// AccountHealth carries hybrid tracker figures when that strategy is
// active.
type AccountHealth struct {
	Score            float64 `json:"score"`
	TokensAvailable  float64 `json:"tokensAvailable"`
	ConsecutiveFails int     `json:"consecutiveFails"`
}

// Status summarizes the pool for the status endpoints.
func (m *Manager) Status() *Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := &Status{
		Total:    len(m.accounts),
		Strategy: m.strategyName,
		Accounts: make([]*AccountStatus, 0, len(m.accounts)),
	}
	hybrid, _ := m.strategy.(*hybridStrategy)

	for _, acc := range m.accounts {
		entry := &AccountStatus{
			Email:           acc.Email,
			Source:          acc.Source,
			Enabled:         acc.Enabled,
			ProjectID:       acc.ProjectID,
			IsInvalid:       acc.IsInvalid,
			InvalidReason:   acc.InvalidReason,
			LastUsed:        acc.LastUsed,
			Subscription:    acc.Subscription,
			ModelRateLimits: acc.ModelRateLimits,
		}
		if hybrid != nil {
			score, tokens, fails := hybrid.healthSnapshot(acc.Email)
			entry.Health = &AccountHealth{Score: score, TokensAvailable: tokens, ConsecutiveFails: fails}
		}

		switch {
		case acc.IsInvalid || !acc.Enabled:
			status.Invalid++
		case blockedFor(acc, ""):
			status.RateLimited++
		default:
			status.Available++
		}
		status.Accounts = append(status.Accounts, entry)
	}
	return status
}
