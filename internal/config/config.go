package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codelane/antigravity-relay/internal/utils"
)

// HealthScoreConfig tunes the hybrid strategy's health tracker.
type HealthScoreConfig struct {
	Initial          float64 `json:"initial"`
	SuccessReward    float64 `json:"successReward"`
	RateLimitPenalty float64 `json:"rateLimitPenalty"`
	FailurePenalty   float64 `json:"failurePenalty"`
	RecoveryPerHour  float64 `json:"recoveryPerHour"`
	MinUsable        float64 `json:"minUsable"`
	MaxScore         float64 `json:"maxScore"`
}

// TokenBucketConfig tunes the hybrid strategy's pacing bucket.
type TokenBucketConfig struct {
	MaxTokens       float64 `json:"maxTokens"`
	TokensPerMinute float64 `json:"tokensPerMinute"`
	InitialTokens   float64 `json:"initialTokens"`
}

// QuotaConfig tunes how remaining-quota fractions influence selection.
type QuotaConfig struct {
	LowThreshold      float64 `json:"lowThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`
	StaleMs           int64   `json:"staleMs"`
	UnknownScore      float64 `json:"unknownScore"`
}

// WeightsConfig weights the hybrid strategy's scoring terms.
type WeightsConfig struct {
	Health float64 `json:"health"`
	Tokens float64 `json:"tokens"`
	Quota  float64 `json:"quota"`
	Lru    float64 `json:"lru"`
}

// AccountSelectionConfig selects and tunes the account strategy.
type AccountSelectionConfig struct {
	Strategy    string             `json:"strategy"`
	HealthScore *HealthScoreConfig `json:"healthScore,omitempty"`
	TokenBucket *TokenBucketConfig `json:"tokenBucket,omitempty"`
	Quota       *QuotaConfig       `json:"quota,omitempty"`
	Weights     *WeightsConfig     `json:"weights,omitempty"`
}

// Config is the runtime configuration. Zero-value fields fall back to
// DefaultConfig values during load.
type Config struct {
	mu sync.RWMutex

	APIKey string `json:"apiKey"`

	Debug   bool `json:"debug"`
	DevMode bool `json:"devMode"`

	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`

	MaxAccounts          int     `json:"maxAccounts"`
	GlobalQuotaThreshold float64 `json:"globalQuotaThreshold"`

	RateLimitDedupWindowMs int64 `json:"rateLimitDedupWindowMs"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64 `json:"extendedCooldownMs"`
	MaxCapacityRetries     int   `json:"maxCapacityRetries"`

	// ModelMapping aliases inbound model names before dispatch.
	ModelMapping map[string]string `json:"modelMapping"`

	AccountSelection AccountSelectionConfig `json:"accountSelection"`

	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	Port int    `json:"port"`
	Host string `json:"host"`

	FallbackEnabled bool `json:"fallbackEnabled"`

	// Endpoints overrides the Cloud Code endpoint fallback list. Empty
	// means the built-in order.
	Endpoints []string `json:"endpoints,omitempty"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:             MaxRetries,
		RetryBaseMs:            1000,
		RetryMaxMs:             30000,
		DefaultCooldownMs:      DefaultCooldownMs,
		MaxWaitBeforeErrorMs:   MaxWaitBeforeErrorMs,
		MaxAccounts:            MaxAccounts,
		GlobalQuotaThreshold:   0,
		RateLimitDedupWindowMs: RateLimitDedupWindowMs,
		MaxConsecutiveFailures: MaxConsecutiveFailures,
		ExtendedCooldownMs:     ExtendedCooldownMs,
		MaxCapacityRetries:     MaxCapacityRetries,
		ModelMapping:           make(map[string]string),
		AccountSelection: AccountSelectionConfig{
			Strategy: DefaultSelectionStrategy,
			HealthScore: &HealthScoreConfig{
				Initial:          70,
				SuccessReward:    1,
				RateLimitPenalty: -10,
				FailurePenalty:   -20,
				RecoveryPerHour:  2,
				MinUsable:        50,
				MaxScore:         100,
			},
			TokenBucket: &TokenBucketConfig{
				MaxTokens:       50,
				TokensPerMinute: 6,
				InitialTokens:   50,
			},
			Quota: &QuotaConfig{
				LowThreshold:      0.10,
				CriticalThreshold: 0.05,
				StaleMs:           300000,
			},
			Weights: &WeightsConfig{
				Health: 2,
				Tokens: 5,
				Quota:  3,
				Lru:    0.1,
			},
		},
		RedisAddr: "localhost:6379",
		Port:      DefaultPort,
		Host:      "0.0.0.0",
	}
}

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the process-wide configuration, loading it on first
// use.
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		globalConfig.Load()
	})
	return globalConfig
}

// Load reads the config file (user config dir, then ./config.json) and
// applies environment overrides.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := utils.EnsureDir(ConfigDir); err != nil {
		utils.Warn("Failed to create config directory: %v", err)
	}

	if utils.FileExists(RuntimeConfigPath) {
		if err := c.loadFromFile(RuntimeConfigPath); err != nil {
			utils.Warn("Failed to load config from %s: %v", RuntimeConfigPath, err)
		}
	} else if local := filepath.Join(".", "config.json"); utils.FileExists(local) {
		if err := c.loadFromFile(local); err != nil {
			utils.Warn("Failed to load local config: %v", err)
		}
	}

	c.loadFromEnv()

	if c.Debug && !c.DevMode {
		c.DevMode = true
	}
	utils.SetDebug(c.Debug || c.DevMode)

	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Decode over a fresh default so absent fields keep their defaults.
	loaded := DefaultConfig()
	if err := json.Unmarshal(data, loaded); err != nil {
		return err
	}
	c.copyFrom(loaded)
	return nil
}

func (c *Config) copyFrom(src *Config) {
	c.APIKey = src.APIKey
	c.Debug = src.Debug
	c.DevMode = src.DevMode
	c.MaxRetries = src.MaxRetries
	c.RetryBaseMs = src.RetryBaseMs
	c.RetryMaxMs = src.RetryMaxMs
	c.DefaultCooldownMs = src.DefaultCooldownMs
	c.MaxWaitBeforeErrorMs = src.MaxWaitBeforeErrorMs
	c.MaxAccounts = src.MaxAccounts
	c.GlobalQuotaThreshold = src.GlobalQuotaThreshold
	c.RateLimitDedupWindowMs = src.RateLimitDedupWindowMs
	c.MaxConsecutiveFailures = src.MaxConsecutiveFailures
	c.ExtendedCooldownMs = src.ExtendedCooldownMs
	c.MaxCapacityRetries = src.MaxCapacityRetries
	c.ModelMapping = src.ModelMapping
	c.AccountSelection = src.AccountSelection
	c.RedisAddr = src.RedisAddr
	c.RedisPassword = src.RedisPassword
	c.RedisDB = src.RedisDB
	c.Port = src.Port
	c.Host = src.Host
	c.FallbackEnabled = src.FallbackEnabled
	c.Endpoints = src.Endpoints
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
}

// Save writes the configuration to the config file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := utils.EnsureDir(ConfigDir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(RuntimeConfigPath, data, 0o644)
}

// Watch reloads the configuration when the config file changes on disk.
// It returns a stop function.
func (c *Config) Watch() (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(ConfigDir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var mu sync.Mutex
		var timer *time.Timer
		scheduleReload := func() {
			mu.Lock()
			defer mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, func() {
				if err := c.Load(); err != nil {
					utils.Warn("Config reload failed: %v", err)
					return
				}
				utils.Info("Config reloaded from %s", RuntimeConfigPath)
			})
		}
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != RuntimeConfigPath {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				utils.Warn("Config watcher error: %v", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// GetPublic returns the configuration with secrets redacted.
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"apiKey":                 redact(c.APIKey),
		"debug":                  c.Debug,
		"devMode":                c.DevMode,
		"maxRetries":             c.MaxRetries,
		"retryBaseMs":            c.RetryBaseMs,
		"retryMaxMs":             c.RetryMaxMs,
		"defaultCooldownMs":      c.DefaultCooldownMs,
		"maxWaitBeforeErrorMs":   c.MaxWaitBeforeErrorMs,
		"maxAccounts":            c.MaxAccounts,
		"globalQuotaThreshold":   c.GlobalQuotaThreshold,
		"rateLimitDedupWindowMs": c.RateLimitDedupWindowMs,
		"maxConsecutiveFailures": c.MaxConsecutiveFailures,
		"extendedCooldownMs":     c.ExtendedCooldownMs,
		"maxCapacityRetries":     c.MaxCapacityRetries,
		"modelMapping":           c.ModelMapping,
		"accountSelection":       c.AccountSelection,
		"redisAddr":              c.RedisAddr,
		"redisPassword":          redact(c.RedisPassword),
		"redisDB":                c.RedisDB,
		"port":                   c.Port,
		"host":                   c.Host,
		"fallbackEnabled":        c.FallbackEnabled,
		"endpoints":              c.Endpoints,
	}
}

// GetStrategy returns the configured selection strategy.
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccountSelection.Strategy
}

// SetStrategy overrides the selection strategy.
func (c *Config) SetStrategy(strategy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AccountSelection.Strategy = strategy
}

// GetEndpoints returns the Cloud Code endpoint fallback order.
func (c *Config) GetEndpoints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Endpoints) > 0 {
		return c.Endpoints
	}
	return EndpointFallbacks
}

// SetEndpoints overrides the Cloud Code endpoints.
func (c *Config) SetEndpoints(endpoints []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Endpoints = endpoints
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
