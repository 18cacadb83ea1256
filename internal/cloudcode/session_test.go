package cloudcode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

func requestWithUserText(text string) *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.ContentBlocks{{Type: "text", Text: text}}},
		},
	}
}

func TestDeriveSessionIDStableAcrossTurns(t *testing.T) {
	first := requestWithUserText("hello world")

	// A later turn keeps the same opening user message.
	second := requestWithUserText("hello world")
	second.Messages = append(second.Messages,
		anthropic.Message{Role: "assistant", Content: anthropic.ContentBlocks{{Type: "text", Text: "hi"}}},
		anthropic.Message{Role: "user", Content: anthropic.ContentBlocks{{Type: "text", Text: "and now?"}}},
	)

	assert.Equal(t, DeriveSessionID(first), DeriveSessionID(second))
	assert.Len(t, DeriveSessionID(first), 32)
}

func TestDeriveSessionIDDiffersPerConversation(t *testing.T) {
	a := DeriveSessionID(requestWithUserText("conversation one"))
	b := DeriveSessionID(requestWithUserText("conversation two"))
	assert.NotEqual(t, a, b)
}

func TestDeriveSessionIDJoinsTextBlocks(t *testing.T) {
	multi := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.ContentBlocks{
				{Type: "text", Text: "part one"},
				{Type: "text", Text: "part two"},
			}},
		},
	}
	joined := requestWithUserText("part one\npart two")
	assert.Equal(t, DeriveSessionID(joined), DeriveSessionID(multi))
}

func TestDeriveSessionIDSkipsAssistantTurns(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "assistant", Content: anthropic.ContentBlocks{{Type: "text", Text: "preamble"}}},
			{Role: "user", Content: anthropic.ContentBlocks{{Type: "text", Text: "question"}}},
		},
	}
	assert.Equal(t, DeriveSessionID(requestWithUserText("question")), DeriveSessionID(req))
}

func TestDeriveSessionIDRandomWhenNoUserText(t *testing.T) {
	// A first user message with no text (e.g. image only) cannot anchor a
	// session; each request gets a fresh id.
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.ContentBlocks{{Type: "image"}}},
		},
	}
	assert.NotEqual(t, DeriveSessionID(req), DeriveSessionID(req))
}
