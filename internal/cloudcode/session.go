package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// DeriveSessionID hashes the first user message so every turn of a
// conversation reuses one session id. Upstream prompt caching is scoped
// to the session, so a stable id keeps the cache warm across turns.
func DeriveSessionID(request *anthropic.MessagesRequest) string {
	for _, msg := range request.Messages {
		if msg.Role != "user" {
			continue
		}
		if text := joinedText(msg); text != "" {
			sum := sha256.Sum256([]byte(text))
			return hex.EncodeToString(sum[:16])
		}
		break
	}
	return uuid.New().String()
}

func joinedText(msg anthropic.Message) string {
	var result string
	for _, block := range msg.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		if result != "" {
			result += "\n"
		}
		result += block.Text
	}
	return result
}
