// Package config holds the relay's wire constants and its runtime
// configuration (defaults, config file, environment overrides).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version is the relay version reported in the banner and health payload.
const Version = "0.1.0"

// Cloud Code endpoints, in dispatch fallback order.
const (
	EndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	EndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// EndpointFallbacks is the order generateContent attempts endpoints.
var EndpointFallbacks = []string{EndpointDaily, EndpointProd}

// LoadCodeAssistEndpoints puts prod first: loadCodeAssist resolves
// unprovisioned accounts more reliably there.
var LoadCodeAssistEndpoints = []string{EndpointProd, EndpointDaily}

// OnboardUserEndpoints mirrors the generateContent fallback order.
var OnboardUserEndpoints = EndpointFallbacks

// DefaultProjectID is used when project discovery yields nothing.
const DefaultProjectID = "rising-fact-p41fc"

// Client identity enums accepted by the Cloud Code API.
const (
	IdeTypeUnspecified = 0
	IdeTypeAntigravity = 6

	PlatformUnspecified = 0
	PlatformWindows     = 1
	PlatformLinux       = 2
	PlatformMacOS       = 3

	PluginTypeGemini = 2
)

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnspecified
	}
}

func platformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

func clientMetadata() string {
	data, _ := json.Marshal(map[string]int{
		"ideType":    IdeTypeAntigravity,
		"platform":   platformEnum(),
		"pluginType": PluginTypeGemini,
	})
	return string(data)
}

// CloudCodeHeaders returns the fixed identity headers every upstream
// request carries.
func CloudCodeHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        platformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   clientMetadata(),
	}
}

// InterleavedThinkingBeta is attached when dispatching to Claude thinking
// models.
const InterleavedThinkingBeta = "interleaved-thinking-2025-05-14"

// Timing and size limits.
const (
	TokenRefreshIntervalMs       = 5 * 60 * 1000
	RequestBodyLimit       int64 = 50 * 1024 * 1024
	DefaultPort                  = 8080
)

// File locations under the user config directory.
var (
	ConfigDir         = filepath.Join(homeDir(), ".config", "antigravity-relay")
	AccountConfigPath = filepath.Join(ConfigDir, "accounts.json")
	RuntimeConfigPath = filepath.Join(ConfigDir, "config.json")
	AntigravityDBPath = antigravityDBPath()
)

// Rate-limit and retry tuning.
const (
	DefaultCooldownMs       = 10 * 1000
	MaxRetries              = 5
	MaxEmptyResponseRetries = 2
	MaxAccounts             = 10
	MaxWaitBeforeErrorMs    = 120000
	RateLimitDedupWindowMs  = 2000
	RateLimitStateResetMs   = 120000
	FirstRetryDelayMs       = 1000
	SwitchAccountDelayMs    = 5000
	MaxConsecutiveFailures  = 3
	ExtendedCooldownMs      = 60000
	MaxCapacityRetries      = 5
	MinBackoffMs            = 2000
	CapacityJitterMaxMs     = 10000
)

// CapacityBackoffTiersMs backs off progressively on repeated capacity
// rejections from the same account.
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// QuotaExhaustedBackoffTiersMs escalates from one minute to two hours as
// QUOTA_EXHAUSTED repeats.
var QuotaExhaustedBackoffTiersMs = []int64{60000, 300000, 1800000, 7200000}

// BackoffByErrorType supplies a cooldown when the upstream gave no reset
// hint.
var BackoffByErrorType = map[string]int64{
	"RATE_LIMIT_EXCEEDED":      30000,
	"MODEL_CAPACITY_EXHAUSTED": 15000,
	"SERVER_ERROR":             20000,
	"UNKNOWN":                  60000,
}

// Thinking signature constants.
const (
	MinSignatureLength        = 50
	GeminiSkipSignature       = "skip_thought_signature_validator"
	SignatureCacheTTLMs       = 2 * 60 * 60 * 1000
	ModelValidationCacheTTLMs = 5 * 60 * 1000
)

// GeminiMaxOutputTokens caps maxOutputTokens for Gemini models.
const GeminiMaxOutputTokens = 16384

// GeminiDefaultThinkingBudget applies when a Gemini thinking request does
// not specify one.
const GeminiDefaultThinkingBudget = 16000

// ToolNameMaxLength is the upstream's limit on function declaration names.
const ToolNameMaxLength = 64

// Account selection strategies.
var SelectionStrategies = []string{"sticky", "round-robin", "hybrid"}

// DefaultSelectionStrategy keeps requests pinned to one account until it
// stops serving them.
const DefaultSelectionStrategy = "sticky"

// StrategyLabels are display names for the CLI and health payload.
var StrategyLabels = map[string]string{
	"sticky":      "Sticky (Cache Optimized)",
	"round-robin": "Round Robin (Load Balanced)",
	"hybrid":      "Hybrid (Smart Distribution)",
}

// OAuthSettings describes the Google OAuth client used for account
// enrolment.
type OAuthSettings struct {
	ClientID              string
	ClientSecret          string
	AuthURL               string
	TokenURL              string
	UserInfoURL           string
	CallbackPort          int
	CallbackFallbackPorts []int
	Scopes                []string
}

// OAuth is the Google OAuth client configuration.
var OAuth = OAuthSettings{
	ClientID:              "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret:          "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",
	AuthURL:               "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:              "https://oauth2.googleapis.com/token",
	UserInfoURL:           "https://www.googleapis.com/oauth2/v1/userinfo",
	CallbackPort:          oauthCallbackPort(),
	CallbackFallbackPorts: []int{51122, 51123, 51124, 51125, 51126},
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

// OAuthRedirectURI is the local callback the OAuth flow listens on.
func OAuthRedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", OAuth.CallbackPort)
}

// AntigravitySystemInstruction is the identity preamble the upstream
// expects at the head of systemInstruction.
const AntigravitySystemInstruction = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**`

// ModelFallbackMap names the cross-family substitute used when every
// account has exhausted a model.
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-5-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-5-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// TestModels are the per-family defaults used by account verification.
var TestModels = map[string]string{
	"claude": "claude-sonnet-4-5-thinking",
	"gemini": "gemini-3-flash",
}

// ModelFamily identifies which provider family a model belongs to.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily classifies a model name by substring.
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel reports whether a model emits thinking output. Claude
// models need "thinking" in the name; Gemini models from generation 3 on
// always think.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") {
		return strings.Contains(lower, "thinking")
	}

	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersionRe.FindStringSubmatch(lower); len(m) >= 2 {
			if version, err := strconv.Atoi(m[1]); err == nil && version >= 3 {
				return true
			}
		}
	}

	return false
}

// GetFallbackModel looks up the cross-family substitute for a model.
func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func antigravityDBPath() string {
	home := homeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}

func oauthCallbackPort() int {
	if portStr := os.Getenv("OAUTH_CALLBACK_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			return port
		}
	}
	return 51121
}
