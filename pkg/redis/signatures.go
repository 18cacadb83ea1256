package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SignatureTTL bounds how long cached thought signatures stay valid.
const SignatureTTL = 2 * time.Hour

// SignatureStore persists thought signatures so they survive restarts and
// can be shared between relay instances.
type SignatureStore struct {
	client *Client
}

// NewSignatureStore wraps a client.
func NewSignatureStore(client *Client) *SignatureStore {
	return &SignatureStore{client: client}
}

// GetToolSignature returns the cached signature for a tool-use id, or ""
// when none is stored.
func (s *SignatureStore) GetToolSignature(ctx context.Context, toolUseID string) (string, error) {
	sig, err := s.client.GetString(ctx, PrefixSignatureTool+toolUseID)
	if err != nil {
		if IsNil(err) {
			return "", nil
		}
		return "", err
	}
	return sig, nil
}

// SetToolSignature caches a signature for a tool-use id.
func (s *SignatureStore) SetToolSignature(ctx context.Context, toolUseID, signature string) error {
	return s.client.SetString(ctx, PrefixSignatureTool+toolUseID, signature, SignatureTTL)
}

// GetThinkingFamily returns the model family recorded for a thinking
// signature, or "" when unknown.
func (s *SignatureStore) GetThinkingFamily(ctx context.Context, signature string) (string, error) {
	data, err := s.client.HGetAll(ctx, PrefixSignatureThinking+hashSignature(signature))
	if err != nil {
		return "", err
	}
	return data["modelFamily"], nil
}

// SetThinkingFamily records which family produced a thinking signature.
// Signatures are keyed by hash since they can be kilobytes long.
func (s *SignatureStore) SetThinkingFamily(ctx context.Context, signature, modelFamily string) error {
	key := PrefixSignatureThinking + hashSignature(signature)
	err := s.client.HSet(ctx, key, map[string]interface{}{
		"modelFamily": modelFamily,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return s.client.Expire(ctx, key, SignatureTTL)
}

// Counts reports how many signatures of each kind are cached.
func (s *SignatureStore) Counts(ctx context.Context) (tool int, thinking int, err error) {
	toolKeys, err := s.client.ScanAll(ctx, PrefixSignatureTool+"*")
	if err != nil {
		return 0, 0, err
	}
	thinkingKeys, err := s.client.ScanAll(ctx, PrefixSignatureThinking+"*")
	if err != nil {
		return 0, 0, err
	}
	return len(toolKeys), len(thinkingKeys), nil
}

// Clear removes every cached signature.
func (s *SignatureStore) Clear(ctx context.Context) error {
	toolKeys, err := s.client.ScanAll(ctx, PrefixSignatureTool+"*")
	if err != nil {
		return err
	}
	if err := s.client.Delete(ctx, toolKeys...); err != nil {
		return err
	}
	thinkingKeys, err := s.client.ScanAll(ctx, PrefixSignatureThinking+"*")
	if err != nil {
		return err
	}
	return s.client.Delete(ctx, thinkingKeys...)
}

func hashSignature(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}
