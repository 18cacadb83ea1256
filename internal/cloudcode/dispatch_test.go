package cloudcode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

const unaryBody = `{"candidates":[{"content":{"role":"model","parts":[{"text":"hello from upstream"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":4}}`

// dispatchManager builds a pool of manual-source accounts so token and
// project resolution never leave the process.
func dispatchManager(t *testing.T, cfg *config.Config, emails ...string) *account.Manager {
	t.Helper()

	store := storage.NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	pool := make([]*storage.Account, 0, len(emails))
	for i, email := range emails {
		pool = append(pool, &storage.Account{
			Email:     email,
			Source:    storage.SourceManual,
			Enabled:   true,
			APIKey:    fmt.Sprintf("token-%d", i),
			ProjectID: "proj-test",
			AddedAt:   utils.NowMs(),
		})
	}
	require.NoError(t, store.Save(&storage.FileState{Accounts: pool}))

	m := account.NewManager(store, cfg)
	require.NoError(t, m.Initialize(""))
	return m
}

func textRequest(model string) *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     model,
		MaxTokens: 100,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.ContentBlocks{{Type: "text", Text: "hi"}}},
		},
	}
}

func TestSendMessageUnaryPath(t *testing.T) {
	var gotPath, gotAccept, gotAuth string
	var payload map[string]json.RawMessage

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, unaryBody)
	}))
	defer upstream.Close()

	cfg := config.DefaultConfig()
	cfg.SetEndpoints([]string{upstream.URL})
	manager := dispatchManager(t, cfg, "unary@dispatch.test")

	resp, err := NewClient(manager, cfg).SendMessage(context.Background(), textRequest("claude-sonnet-4-5"), false)
	require.NoError(t, err)

	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hello from upstream", resp.Content[0].Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 4, resp.Usage.OutputTokens)

	assert.Equal(t, "/v1internal:generateContent", gotPath)
	// The unary JSON path sends no Accept header.
	assert.Empty(t, gotAccept)
	assert.Equal(t, "Bearer token-0", gotAuth)

	// Wire payload carries exactly these five keys.
	assert.Len(t, payload, 5)
	assert.JSONEq(t, `"proj-test"`, string(payload["project"]))
	assert.JSONEq(t, `"claude-sonnet-4-5"`, string(payload["model"]))
	assert.JSONEq(t, `"antigravity"`, string(payload["userAgent"]))
	assert.Contains(t, string(payload["requestId"]), "agent-")
	assert.NotEmpty(t, payload["request"])
}

func TestSendMessageFallsBackToSecondEndpoint(t *testing.T) {
	var badHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream unavailable")
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, unaryBody)
	}))
	defer good.Close()

	cfg := config.DefaultConfig()
	cfg.SetEndpoints([]string{bad.URL, good.URL})
	manager := dispatchManager(t, cfg, "failover@dispatch.test")

	resp, err := NewClient(manager, cfg).SendMessage(context.Background(), textRequest("claude-sonnet-4-5"), false)
	require.NoError(t, err)
	assert.Equal(t, "hello from upstream", resp.Content[0].Text)
	assert.Equal(t, int32(1), badHits.Load())
}

func TestSendMessageAdvancesPastRevokedAccount(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer token-0" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		io.WriteString(w, unaryBody)
	}))
	defer upstream.Close()

	cfg := config.DefaultConfig()
	cfg.SetEndpoints([]string{upstream.URL})
	manager := dispatchManager(t, cfg, "revoked@dispatch.test", "healthy@dispatch.test")

	resp, err := NewClient(manager, cfg).SendMessage(context.Background(), textRequest("claude-sonnet-4-5"), false)
	require.NoError(t, err)
	assert.Equal(t, "hello from upstream", resp.Content[0].Text)

	// The revoked account is out of the pool for good.
	assert.Equal(t, 1, manager.AvailableCount(""))
}

func TestSendMessageFailsOverOnAuthRejection(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"permission denied", http.StatusForbidden, "PERMISSION_DENIED: caller lacks cloudcode access"},
		{"stale token", http.StatusUnauthorized, "UNAUTHENTICATED: access token stale"},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") == "Bearer token-0" {
					w.WriteHeader(tc.status)
					io.WriteString(w, tc.body)
					return
				}
				io.WriteString(w, unaryBody)
			}))
			defer upstream.Close()

			cfg := config.DefaultConfig()
			cfg.SetEndpoints([]string{upstream.URL})
			manager := dispatchManager(t, cfg,
				fmt.Sprintf("denied-%d@dispatch.test", i),
				fmt.Sprintf("backup-%d@dispatch.test", i))

			resp, err := NewClient(manager, cfg).SendMessage(context.Background(), textRequest("claude-sonnet-4-5"), false)
			require.NoError(t, err)
			assert.Equal(t, "hello from upstream", resp.Content[0].Text)

			// A transient rejection skips the account's turn without
			// marking it invalid.
			assert.Equal(t, 2, manager.AvailableCount(""))
		})
	}
}

func TestSendMessageSwitchesAccountOnRepeatedRateLimit(t *testing.T) {
	const model = "claude-sonnet-4-5"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer token-0" {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, "Quota exceeded for quota metric")
			return
		}
		io.WriteString(w, unaryBody)
	}))
	defer upstream.Close()

	cfg := config.DefaultConfig()
	cfg.SetEndpoints([]string{upstream.URL})
	manager := dispatchManager(t, cfg, "limited@dispatch.test", "spare@dispatch.test")

	// A 429 moments ago puts the upcoming one inside the dedup window, so
	// the dispatcher switches accounts instead of waiting out a retry.
	GetRateLimitBackoff("limited@dispatch.test", model, 0)
	t.Cleanup(func() { ClearRateLimitState("limited@dispatch.test", model) })

	resp, err := NewClient(manager, cfg).SendMessage(context.Background(), textRequest(model), false)
	require.NoError(t, err)
	assert.Equal(t, "hello from upstream", resp.Content[0].Text)

	assert.Equal(t, 1, manager.AvailableCount(model))
	assert.Equal(t, 2, manager.AvailableCount("gemini-3-flash"))
}

func TestSendMessageStreamEndToEnd(t *testing.T) {
	var gotPath, gotAccept, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"candidates":[{"content":{"parts":[{"text":"streamed"}]},"finishReason":"STOP"}]}`+"\n\n")
	}))
	defer upstream.Close()

	cfg := config.DefaultConfig()
	cfg.SetEndpoints([]string{upstream.URL})
	manager := dispatchManager(t, cfg, "stream@dispatch.test")

	events, errs := NewClient(manager, cfg).SendMessageStream(context.Background(), textRequest("claude-sonnet-4-5"), false)

	var collected []*anthropic.SSEEvent
	for event := range events {
		collected = append(collected, event)
	}
	require.NoError(t, <-errs)

	assert.Equal(t, "/v1internal:streamGenerateContent", gotPath)
	assert.Equal(t, "alt=sse", gotQuery)
	assert.Equal(t, "text/event-stream", gotAccept)

	require.Len(t, collected, 6)
	assert.Equal(t, anthropic.SSEEventMessageStart, collected[0].Type)
	assert.Equal(t, "text_delta", collected[2].Delta.Type)
	assert.Equal(t, "streamed", collected[2].Delta.Text)
	assert.Equal(t, "end_turn", collected[4].Delta.StopReason)
	assert.Equal(t, anthropic.SSEEventMessageStop, collected[5].Type)
}

func TestSendMessageStreamEmptyUpstreamFallback(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		// 200 with no data lines at all.
	}))
	defer upstream.Close()

	cfg := config.DefaultConfig()
	cfg.SetEndpoints([]string{upstream.URL})
	manager := dispatchManager(t, cfg, "empty@dispatch.test")

	events, errs := NewClient(manager, cfg).SendMessageStream(context.Background(), textRequest("claude-sonnet-4-5"), false)

	var text strings.Builder
	var last anthropic.SSEEventType
	for event := range events {
		last = event.Type
		if event.Delta != nil && event.Delta.Type == "text_delta" {
			text.WriteString(event.Delta.Text)
		}
	}
	require.NoError(t, <-errs)

	// Initial attempt plus the bounded in-place retries, then the
	// synthetic fallback message closes the stream cleanly.
	assert.Equal(t, int32(1+config.MaxEmptyResponseRetries), hits.Load())
	assert.Contains(t, text.String(), "No response after retries")
	assert.Equal(t, anthropic.SSEEventMessageStop, last)
}
