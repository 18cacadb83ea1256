package format

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

func simpleRequest(model string) *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     model,
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.ContentBlocks{{Type: "text", Text: "hello"}}},
			{Role: "assistant", Content: anthropic.ContentBlocks{{Type: "text", Text: "hi"}}},
			{Role: "user", Content: anthropic.ContentBlocks{{Type: "text", Text: "more"}}},
		},
	}
}

func TestConvertRequestRolesAndGeneration(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5")
	temp := 0.7
	req.Temperature = &temp
	req.StopSequences = []string{"END"}

	out := ConvertAnthropicToGoogle(req)

	require.Len(t, out.Contents, 3)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "model", out.Contents[1].Role)
	assert.Equal(t, "user", out.Contents[2].Role)

	assert.Equal(t, 1024, out.GenerationConfig.MaxOutputTokens)
	assert.Equal(t, 0.7, *out.GenerationConfig.Temperature)
	assert.Equal(t, []string{"END"}, out.GenerationConfig.StopSequences)
	assert.Nil(t, out.GenerationConfig.ThinkingConfig)
}

func TestConvertRequestSystemString(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5")
	req.System = json.RawMessage(`"be helpful"`)

	out := ConvertAnthropicToGoogle(req)
	require.NotNil(t, out.SystemInstruction)
	require.Len(t, out.SystemInstruction.Parts, 1)
	assert.Equal(t, "be helpful", out.SystemInstruction.Parts[0].Text)
}

func TestConvertRequestSystemBlocks(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5")
	req.System = json.RawMessage(`[{"type":"text","text":"one"},{"type":"text","text":"two"}]`)

	out := ConvertAnthropicToGoogle(req)
	require.NotNil(t, out.SystemInstruction)
	require.Len(t, out.SystemInstruction.Parts, 2)
	assert.Equal(t, "two", out.SystemInstruction.Parts[1].Text)
}

func TestConvertRequestInterleavedThinkingHint(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5-thinking")
	req.System = json.RawMessage(`"base prompt"`)
	req.Tools = []anthropic.Tool{{Name: "search", InputSchema: json.RawMessage(`{"type":"object"}`)}}

	out := ConvertAnthropicToGoogle(req)
	require.NotNil(t, out.SystemInstruction)
	text := out.SystemInstruction.Parts[len(out.SystemInstruction.Parts)-1].Text
	assert.True(t, strings.HasSuffix(text, InterleavedThinkingHint))
	assert.True(t, strings.HasPrefix(text, "base prompt"))

	// Without tools the hint stays out.
	noTools := simpleRequest("claude-sonnet-4-5-thinking")
	noTools.System = json.RawMessage(`"base prompt"`)
	out = ConvertAnthropicToGoogle(noTools)
	assert.Equal(t, "base prompt", out.SystemInstruction.Parts[0].Text)
}

func TestConvertRequestClaudeThinkingBudget(t *testing.T) {
	req := simpleRequest("claude-opus-4-5-thinking")
	req.MaxTokens = 4000
	req.Thinking = &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 8000}

	out := ConvertAnthropicToGoogle(req)
	tc := out.GenerationConfig.ThinkingConfig
	require.NotNil(t, tc)
	assert.True(t, tc.IncludeThoughts)
	assert.Equal(t, 8000, tc.ThinkingBudget)
	assert.False(t, tc.IncludeThoughtsGemini)

	// max_tokens must clear the thinking budget.
	assert.Equal(t, 8000+8192, out.GenerationConfig.MaxOutputTokens)
}

func TestConvertRequestGeminiThinkingDefaults(t *testing.T) {
	req := simpleRequest("gemini-3-pro-high")

	out := ConvertAnthropicToGoogle(req)
	tc := out.GenerationConfig.ThinkingConfig
	require.NotNil(t, tc)
	assert.True(t, tc.IncludeThoughtsGemini)
	assert.Equal(t, config.GeminiDefaultThinkingBudget, tc.ThinkingBudgetGemini)
	assert.False(t, tc.IncludeThoughts)
}

func TestConvertRequestGeminiOutputCap(t *testing.T) {
	req := simpleRequest("gemini-3-flash")
	req.MaxTokens = 64000

	out := ConvertAnthropicToGoogle(req)
	assert.Equal(t, config.GeminiMaxOutputTokens, out.GenerationConfig.MaxOutputTokens)
}

func TestConvertRequestToolsForClaude(t *testing.T) {
	req := simpleRequest("claude-sonnet-4-5")
	req.Tools = []anthropic.Tool{
		{Name: "search", Description: "find things", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`)},
	}

	out := ConvertAnthropicToGoogle(req)
	require.Len(t, out.Tools, 1)
	decls := out.Tools[0].FunctionDeclarations
	require.Len(t, decls, 1)
	assert.Equal(t, "search", decls[0].Name)
	assert.Equal(t, "find things", decls[0].Description)
	assert.Contains(t, decls[0].Parameters["properties"], "q")

	require.NotNil(t, out.ToolConfig)
	assert.Equal(t, "VALIDATED", out.ToolConfig.FunctionCallingConfig.Mode)
}

func TestConvertRequestToolsForGemini(t *testing.T) {
	req := simpleRequest("gemini-3-flash")
	req.Tools = []anthropic.Tool{
		{Name: "lookup", InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string","minLength":3}}}`)},
	}

	out := ConvertAnthropicToGoogle(req)
	decls := out.Tools[0].FunctionDeclarations
	require.Len(t, decls, 1)

	// Gemini schemas go through constraint lifting, not the Claude allow-list.
	id := decls[0].Parameters["properties"].(map[string]interface{})["id"].(map[string]interface{})
	assert.NotContains(t, id, "minLength")
	assert.Contains(t, id["description"], "minLength: 3")

	// Gemini requests never pin the calling mode.
	assert.Nil(t, out.ToolConfig)
}

func TestConvertToolNameEnvelopesAndCleaning(t *testing.T) {
	fn := convertTool(anthropic.Tool{
		Function: &anthropic.ToolFunction{Name: "repo.search", Description: "nested"},
	}, 0, config.ModelFamilyClaude)
	assert.Equal(t, "repo_search", fn.Name)
	assert.Equal(t, "nested", fn.Description)

	custom := convertTool(anthropic.Tool{
		Custom: &anthropic.ToolFunction{Name: "my tool!"},
	}, 0, config.ModelFamilyClaude)
	assert.Equal(t, "my_tool_", custom.Name)

	anonymous := convertTool(anthropic.Tool{}, 3, config.ModelFamilyClaude)
	assert.Equal(t, "tool-3", anonymous.Name)

	long := convertTool(anthropic.Tool{Name: strings.Repeat("a", 100)}, 0, config.ModelFamilyClaude)
	assert.Len(t, long.Name, config.ToolNameMaxLength)
}

func TestConvertToolEmptySchemaGetsPlaceholder(t *testing.T) {
	fn := convertTool(anthropic.Tool{Name: "bare"}, 0, config.ModelFamilyClaude)

	assert.Equal(t, "object", fn.Parameters["type"])
	props := fn.Parameters["properties"].(map[string]interface{})
	assert.Contains(t, props, "reason")
}

func TestConvertRequestEmptyMessageGetsPlaceholderPart(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "claude-sonnet-4-5",
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.ContentBlocks{{Type: "text", Text: "   "}}},
		},
	}

	out := ConvertAnthropicToGoogle(req)
	require.Len(t, out.Contents, 1)
	require.Len(t, out.Contents[0].Parts, 1)
	assert.Equal(t, GooglePart{}, out.Contents[0].Parts[0])
}
