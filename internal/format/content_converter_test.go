package format

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

const geminiSignature = "gemini-sig-0000000000000000000000000000000000000000000000"

func TestConvertRole(t *testing.T) {
	assert.Equal(t, "model", ConvertRole("assistant"))
	assert.Equal(t, "user", ConvertRole("user"))
	assert.Equal(t, "user", ConvertRole("system"))
}

func TestConvertContentDropsWhitespaceText(t *testing.T) {
	parts := ConvertContentToParts(anthropic.ContentBlocks{
		{Type: "text", Text: "   \n\t"},
		{Type: "text", Text: "real"},
	}, config.ModelFamilyClaude)

	require.Len(t, parts, 1)
	assert.Equal(t, "real", parts[0].Text)
}

func TestConvertToolUseForClaude(t *testing.T) {
	parts := ConvertContentToParts(anthropic.ContentBlocks{
		{Type: "tool_use", ID: "toolu_1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)},
	}, config.ModelFamilyClaude)

	require.Len(t, parts, 1)
	call := parts[0].FunctionCall
	require.NotNil(t, call)
	assert.Equal(t, "search", call.Name)
	assert.Equal(t, "toolu_1", call.ID)
	assert.Equal(t, map[string]interface{}{"q": "go"}, call.Args)
	assert.Empty(t, parts[0].ThoughtSignature)
}

func TestConvertToolUseForGeminiGetsSkipSentinel(t *testing.T) {
	parts := ConvertContentToParts(anthropic.ContentBlocks{
		{Type: "tool_use", ID: "toolu_unseen", Name: "search"},
	}, config.ModelFamilyGemini)

	require.Len(t, parts, 1)
	// No signature anywhere, so the validator skip sentinel goes out.
	assert.Equal(t, config.GeminiSkipSignature, parts[0].ThoughtSignature)
	// Gemini declarations never carry the tool id.
	assert.Empty(t, parts[0].FunctionCall.ID)
}

func TestConvertToolUseForGeminiRestoresCachedSignature(t *testing.T) {
	GetGlobalSignatureCache().CacheSignature("toolu_cached", geminiSignature)

	parts := ConvertContentToParts(anthropic.ContentBlocks{
		{Type: "tool_use", ID: "toolu_cached", Name: "search"},
	}, config.ModelFamilyGemini)

	require.Len(t, parts, 1)
	assert.Equal(t, geminiSignature, parts[0].ThoughtSignature)
}

func TestConvertToolResult(t *testing.T) {
	parts := ConvertContentToParts(anthropic.ContentBlocks{
		{Type: "tool_result", ToolUseID: "toolu_9", Content: anthropic.ContentBlocks{
			{Type: "text", Text: "line one"},
			{Type: "text", Text: "line two"},
			{Type: "image", Source: &anthropic.ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
		}},
	}, config.ModelFamilyClaude)

	require.Len(t, parts, 2)
	fr := parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "toolu_9", fr.Name)
	assert.Equal(t, "toolu_9", fr.ID)
	assert.Equal(t, "line one\nline two", fr.Response["result"])

	// The embedded image rides along as its own part.
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
}

func TestConvertToolResultWithoutID(t *testing.T) {
	parts := ConvertContentToParts(anthropic.ContentBlocks{
		{Type: "tool_result", Content: anthropic.ContentBlocks{{Type: "text", Text: "ok"}}},
	}, config.ModelFamilyGemini)

	require.Len(t, parts, 1)
	assert.Equal(t, "unknown", parts[0].FunctionResponse.Name)
	assert.Empty(t, parts[0].FunctionResponse.ID)
}

func TestConvertThinkingRequiresSignature(t *testing.T) {
	parts := ConvertContentToParts(anthropic.ContentBlocks{
		{Type: "thinking", Thinking: "short sig", Signature: "tiny"},
		{Type: "thinking", Thinking: "kept", Signature: geminiSignature},
	}, config.ModelFamilyClaude)

	require.Len(t, parts, 1)
	assert.True(t, parts[0].Thought)
	assert.Equal(t, "kept", parts[0].Text)
	assert.Equal(t, geminiSignature, parts[0].ThoughtSignature)
}

func TestConvertThinkingGeminiDropsForeignSignatures(t *testing.T) {
	claudeSig := "claude-sig-0000000000000000000000000000000000000000000000"
	GetGlobalSignatureCache().CacheThinkingSignature(claudeSig, string(config.ModelFamilyClaude))

	parts := ConvertContentToParts(anthropic.ContentBlocks{
		{Type: "thinking", Thinking: "claude origin", Signature: claudeSig},
	}, config.ModelFamilyGemini)
	assert.Empty(t, parts)

	geminiSig := "gemini-born-000000000000000000000000000000000000000000000"
	GetGlobalSignatureCache().CacheThinkingSignature(geminiSig, string(config.ModelFamilyGemini))

	parts = ConvertContentToParts(anthropic.ContentBlocks{
		{Type: "thinking", Thinking: "gemini origin", Signature: geminiSig},
	}, config.ModelFamilyGemini)
	require.Len(t, parts, 1)
	assert.Equal(t, "gemini origin", parts[0].Text)
}

func TestConvertMediaSources(t *testing.T) {
	parts := ConvertContentToParts(anthropic.ContentBlocks{
		{Type: "image", Source: &anthropic.ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
		{Type: "image", Source: &anthropic.ImageSource{Type: "url", URL: "https://example.com/a.png"}},
		{Type: "document", Source: &anthropic.ImageSource{Type: "url", URL: "https://example.com/a.pdf"}},
		{Type: "image"}, // no source at all
	}, config.ModelFamilyClaude)

	require.Len(t, parts, 3)
	assert.Equal(t, "image/png", parts[0].InlineData.MimeType)

	assert.Equal(t, "https://example.com/a.png", parts[1].FileData.FileURI)
	assert.Equal(t, "image/jpeg", parts[1].FileData.MimeType)

	assert.Equal(t, "application/pdf", parts[2].FileData.MimeType)
}

func TestConvertSkipsRedactedThinking(t *testing.T) {
	parts := ConvertContentToParts(anthropic.ContentBlocks{
		{Type: "redacted_thinking", Data: "opaque"},
		{Type: "mystery_block"},
	}, config.ModelFamilyClaude)
	assert.Empty(t, parts)
}

func TestGooglePartZeroValueMarshalsAsEmptyText(t *testing.T) {
	encoded, err := json.Marshal(GooglePart{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":""}`, string(encoded))
}
