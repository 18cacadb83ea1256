// Package format converts between the Anthropic Messages API and the
// Google generative-language shapes the Cloud Code endpoint speaks.
package format

import (
	"context"
	"sync"
	"time"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/pkg/redis"
)

// SignatureCache remembers Gemini thoughtSignatures. Gemini requires the
// signature to be echoed on later turns, but Anthropic clients strip
// fields they do not know, so the relay re-attaches them from here.
//
// Two key spaces share one TTL: tool-use id -> signature, and thinking
// signature -> model family. With Redis configured entries are written
// through to it; otherwise they live in process-local maps.
type SignatureCache struct {
	mu       sync.Mutex
	store    *redis.SignatureStore
	tools    map[string]*toolEntry
	thinking map[string]*familyEntry
}

type toolEntry struct {
	signature string
	storedAt  time.Time
}

type familyEntry struct {
	family   string
	storedAt time.Time
}

// NewSignatureCache builds a cache. store may be nil for memory-only
// operation.
func NewSignatureCache(store *redis.SignatureStore) *SignatureCache {
	return &SignatureCache{
		store:    store,
		tools:    make(map[string]*toolEntry),
		thinking: make(map[string]*familyEntry),
	}
}

func cacheTTL() time.Duration {
	return time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
}

// CacheSignature stores a tool-use signature. Empty ids or signatures are
// ignored.
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	if c.store != nil {
		_ = c.store.SetToolSignature(context.Background(), toolUseID, signature)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[toolUseID] = &toolEntry{signature: signature, storedAt: time.Now()}
}

// GetCachedSignature returns the signature for a tool-use id, or "".
// Expired memory entries are purged on read.
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	if c.store != nil {
		signature, err := c.store.GetToolSignature(context.Background(), toolUseID)
		if err != nil {
			return ""
		}
		return signature
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.tools[toolUseID]
	if !ok {
		return ""
	}
	if time.Since(entry.storedAt) > cacheTTL() {
		delete(c.tools, toolUseID)
		return ""
	}
	return entry.signature
}

// CacheThinkingSignature tags a thinking signature with the family that
// produced it. Short signatures are placeholders and are not cached.
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}

	if c.store != nil {
		_ = c.store.SetThinkingFamily(context.Background(), signature, modelFamily)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.thinking[signature] = &familyEntry{family: modelFamily, storedAt: time.Now()}
}

// GetCachedSignatureFamily returns the family recorded for a thinking
// signature, or "".
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}

	if c.store != nil {
		family, err := c.store.GetThinkingFamily(context.Background(), signature)
		if err != nil {
			return ""
		}
		return family
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.thinking[signature]
	if !ok {
		return ""
	}
	if time.Since(entry.storedAt) > cacheTTL() {
		delete(c.thinking, signature)
		return ""
	}
	return entry.family
}

// Sweep drops expired memory entries and returns how many were removed.
// Redis entries expire on their own.
func (c *SignatureCache) Sweep() int {
	if c.store != nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := cacheTTL()
	removed := 0
	for id, entry := range c.tools {
		if time.Since(entry.storedAt) > ttl {
			delete(c.tools, id)
			removed++
		}
	}
	for sig, entry := range c.thinking {
		if time.Since(entry.storedAt) > ttl {
			delete(c.thinking, sig)
			removed++
		}
	}
	return removed
}

// Size reports how many tool and thinking entries are cached.
func (c *SignatureCache) Size() (tools int, thinking int) {
	if c.store != nil {
		t, th, err := c.store.Counts(context.Background())
		if err != nil {
			return 0, 0
		}
		return t, th
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tools), len(c.thinking)
}

// Clear empties the cache. Used by the test-support endpoint.
func (c *SignatureCache) Clear() {
	if c.store != nil {
		_ = c.store.Clear(context.Background())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = make(map[string]*toolEntry)
	c.thinking = make(map[string]*familyEntry)
}

var (
	globalSignatureCache *SignatureCache
	signatureCacheOnce   sync.Once
)

// InitGlobalSignatureCache installs the shared cache. Safe to call once
// at startup; later calls are ignored.
func InitGlobalSignatureCache(store *redis.SignatureStore) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(store)
	})
}

// GetGlobalSignatureCache returns the shared cache, creating a
// memory-only one when startup never installed it.
func GetGlobalSignatureCache() *SignatureCache {
	if globalSignatureCache == nil {
		globalSignatureCache = NewSignatureCache(nil)
	}
	return globalSignatureCache
}
