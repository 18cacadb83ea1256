package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwrapEnvelope(t *testing.T) {
	flat := &GoogleResponse{
		Candidates:    []Candidate{{FinishReason: "STOP"}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 3},
	}
	candidates, usage := flat.Unwrap()
	require.Len(t, candidates, 1)
	assert.Equal(t, 3, usage.PromptTokenCount)

	wrapped := &GoogleResponse{Response: &GoogleResponseBody{
		Candidates:    []Candidate{{FinishReason: "MAX_TOKENS"}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 9},
	}}
	candidates, usage = wrapped.Unwrap()
	assert.Equal(t, "MAX_TOKENS", candidates[0].FinishReason)
	assert.Equal(t, 9, usage.PromptTokenCount)

	var nilResp *GoogleResponse
	candidates, usage = nilResp.Unwrap()
	assert.Nil(t, candidates)
	assert.Nil(t, usage)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "end_turn", MapStopReason("STOP", false))
	// STOP wins even when tool calls were emitted.
	assert.Equal(t, "end_turn", MapStopReason("STOP", true))
	assert.Equal(t, "max_tokens", MapStopReason("MAX_TOKENS", false))
	assert.Equal(t, "tool_use", MapStopReason("TOOL_USE", false))
	assert.Equal(t, "tool_use", MapStopReason("SOMETHING_ELSE", true))
	assert.Equal(t, "end_turn", MapStopReason("", false))
}

func TestUsageFromMetadata(t *testing.T) {
	usage := UsageFromMetadata(&UsageMetadata{
		PromptTokenCount:        100,
		CandidatesTokenCount:    40,
		CachedContentTokenCount: 25,
	})

	// input_tokens excludes the cached share.
	assert.Equal(t, 75, usage.InputTokens)
	assert.Equal(t, 40, usage.OutputTokens)
	assert.Equal(t, 25, usage.CacheReadInputTokens)

	empty := UsageFromMetadata(nil)
	require.NotNil(t, empty)
	assert.Zero(t, empty.InputTokens)
}

func TestConvertGoogleToAnthropic(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &GoogleContent{Parts: []GooglePart{
				{Thought: true, Text: "reasoning", ThoughtSignature: validSignature},
				{Text: "the answer"},
				{FunctionCall: &FunctionCall{Name: "search", Args: map[string]interface{}{"q": "go"}, ID: "call_9"}},
			}},
			FinishReason: "TOOL_USE",
		}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
	}

	out := ConvertGoogleToAnthropic(resp, "claude-sonnet-4-5-thinking")

	assert.Equal(t, "claude-sonnet-4-5-thinking", out.Model)
	assert.Equal(t, "assistant", out.Role)
	assert.Equal(t, "tool_use", out.StopReason)
	assert.Regexp(t, `^msg_[0-9a-f]{24}$`, out.ID)

	require.Len(t, out.Content, 3)
	assert.Equal(t, "thinking", out.Content[0].Type)
	assert.Equal(t, "reasoning", out.Content[0].Thinking)
	assert.Equal(t, validSignature, out.Content[0].Signature)

	assert.Equal(t, "the answer", out.Content[1].Text)

	tool := out.Content[2]
	assert.Equal(t, "call_9", tool.ID)
	assert.JSONEq(t, `{"q":"go"}`, string(tool.Input))

	assert.Equal(t, 10, out.Usage.InputTokens)
	assert.Equal(t, 5, out.Usage.OutputTokens)
}

func TestConvertGoogleToAnthropicGeneratesToolID(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &GoogleContent{Parts: []GooglePart{
				{FunctionCall: &FunctionCall{Name: "search"}},
			}},
		}},
	}

	out := ConvertGoogleToAnthropic(resp, "gemini-3-flash")
	require.Len(t, out.Content, 1)
	assert.NotEmpty(t, out.Content[0].ID)
	assert.JSONEq(t, `{}`, string(out.Content[0].Input))
	// No finishReason and a tool call present resolves to tool_use.
	assert.Equal(t, "tool_use", out.StopReason)
}

func TestConvertGoogleToAnthropicEmptyCandidates(t *testing.T) {
	out := ConvertGoogleToAnthropic(&GoogleResponse{}, "gemini-3-flash")

	require.Len(t, out.Content, 1)
	assert.Equal(t, "text", out.Content[0].Type)
	assert.Equal(t, "", out.Content[0].Text)
	assert.Equal(t, "end_turn", out.StopReason)
	require.NotNil(t, out.Usage)
}
