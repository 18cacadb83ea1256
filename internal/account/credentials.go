package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codelane/antigravity-relay/internal/auth"
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// tokenSafetyMargin is how long before the upstream expiry a cached
// access token stops being served.
const tokenSafetyMargin = 60 * time.Second

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Credentials caches access tokens and discovered project ids per
// account email. Refreshes are singleflight-guarded so a burst of
// concurrent requests on one account performs a single upstream call.
type Credentials struct {
	mu       sync.RWMutex
	tokens   map[string]cachedToken
	projects map[string]string

	flight singleflight.Group
}

// NewCredentials returns an empty credentials cache.
func NewCredentials() *Credentials {
	return &Credentials{
		tokens:   make(map[string]cachedToken),
		projects: make(map[string]string),
	}
}

// GetAccessToken returns a usable access token for the account,
// refreshing when the cache is empty or near expiry.
func (c *Credentials) GetAccessToken(ctx context.Context, acc *storage.Account) (string, error) {
	if acc == nil {
		return "", errors.New("account is nil")
	}

	if token, ok := c.cachedAccessToken(acc.Email); ok {
		return token, nil
	}

	result, err, _ := c.flight.Do("token:"+acc.Email, func() (interface{}, error) {
		// The flight winner may have filled the cache while we queued.
		if token, ok := c.cachedAccessToken(acc.Email); ok {
			return token, nil
		}

		token, expiresAt, err := c.freshToken(ctx, acc)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.tokens[acc.Email] = cachedToken{token: token, expiresAt: expiresAt}
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Credentials) cachedAccessToken(email string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.tokens[email]
	if !ok || !time.Now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.token, true
}

// freshToken obtains a token according to the account source.
func (c *Credentials) freshToken(ctx context.Context, acc *storage.Account) (string, time.Time, error) {
	switch acc.Source {
	case storage.SourceOAuth:
		if acc.RefreshToken == "" {
			return "", time.Time{}, fmt.Errorf("no refresh token for account %s", acc.Email)
		}
		utils.Debug("[Credentials] Refreshing access token for %s", acc.DisplayName())
		result, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			utils.Error("[Credentials] Token refresh failed for %s: %v", acc.DisplayName(), err)
			return "", time.Time{}, err
		}
		utils.Success("[Credentials] Refreshed access token for %s", acc.DisplayName())
		return result.AccessToken, boundTokenExpiry(result.Expiry), nil

	case storage.SourceManual:
		if acc.APIKey == "" {
			return "", time.Time{}, fmt.Errorf("no API key on manual account %s", acc.Email)
		}
		return acc.APIKey, time.Now().Add(defaultTokenTTL()), nil

	case storage.SourceDatabase:
		status, err := auth.ReadAuthStatus("")
		if err != nil {
			return "", time.Time{}, fmt.Errorf("database token extraction failed: %w", err)
		}
		return status.APIKey, time.Now().Add(defaultTokenTTL()), nil

	default:
		return "", time.Time{}, fmt.Errorf("unknown account source: %q", acc.Source)
	}
}

func defaultTokenTTL() time.Duration {
	return time.Duration(config.TokenRefreshIntervalMs) * time.Millisecond
}

// boundTokenExpiry keeps the cache expiry strictly inside the
// upstream's, with a margin so a token is never served on its last
// breath. Tokens without an upstream expiry get the refresh interval.
func boundTokenExpiry(upstream time.Time) time.Time {
	capped := time.Now().Add(defaultTokenTTL())
	if upstream.IsZero() {
		return capped
	}
	if bounded := upstream.Add(-tokenSafetyMargin); bounded.Before(capped) {
		return bounded
	}
	return capped
}

// GetProject resolves the Cloud Code project for an account: explicit
// fields first, then the composite refresh token, then cached or live
// discovery, falling back to the shared default project.
func (c *Credentials) GetProject(ctx context.Context, acc *storage.Account, accessToken string) (string, error) {
	if acc == nil {
		return "", errors.New("account is nil")
	}
	if acc.ProjectID != "" {
		return acc.ProjectID, nil
	}
	if acc.ManagedProjectID != "" {
		return acc.ManagedProjectID, nil
	}
	if acc.RefreshToken != "" {
		parts := auth.ParseRefreshParts(acc.RefreshToken)
		if parts.ProjectID != "" {
			return parts.ProjectID, nil
		}
		if parts.ManagedProjectID != "" {
			return parts.ManagedProjectID, nil
		}
	}

	if project, ok := c.cachedProject(acc.Email); ok {
		return project, nil
	}

	result, err, _ := c.flight.Do("project:"+acc.Email, func() (interface{}, error) {
		if project, ok := c.cachedProject(acc.Email); ok {
			return project, nil
		}

		project, err := auth.DiscoverProjectID(ctx, accessToken)
		if err != nil {
			// Discovery failures are not fatal: the shared project
			// serves most accounts. Left uncached so a later call can
			// still discover the real one.
			utils.Warn("[Credentials] Project discovery failed for %s: %v", acc.DisplayName(), err)
			return config.DefaultProjectID, nil
		}
		if project == "" {
			project = config.DefaultProjectID
		}

		c.mu.Lock()
		c.projects[acc.Email] = project
		c.mu.Unlock()
		return project, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Credentials) cachedProject(email string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	project, ok := c.projects[email]
	return project, ok && project != ""
}

// ClearTokenCache drops one account's cached token, or every token when
// email is empty.
func (c *Credentials) ClearTokenCache(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if email == "" {
		c.tokens = make(map[string]cachedToken)
		return
	}
	delete(c.tokens, email)
}

// ClearProjectCache drops one account's cached project id, or all of
// them when email is empty.
func (c *Credentials) ClearProjectCache(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if email == "" {
		c.projects = make(map[string]string)
		return
	}
	delete(c.projects, email)
}
