package cloudcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseStream(chunks ...string) *strings.Reader {
	var b strings.Builder
	for _, chunk := range chunks {
		b.WriteString("data: ")
		b.WriteString(chunk)
		b.WriteString("\n\n")
	}
	return strings.NewReader(b.String())
}

const testSignature = "sig-00000000000000000000000000000000000000000000000000"

func TestParseThinkingSSECoalescesThinking(t *testing.T) {
	stream := sseStream(
		`{"candidates":[{"content":{"parts":[{"thought":true,"text":"step one, "}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"thought":true,"text":"step two","thoughtSignature":"`+testSignature+`"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"the answer"}]}}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":7}}`,
	)

	resp, err := ParseThinkingSSEResponse(stream, "gemini-3-pro-high")
	require.NoError(t, err)

	require.Len(t, resp.Content, 2)
	assert.Equal(t, "thinking", resp.Content[0].Type)
	assert.Equal(t, "step one, step two", resp.Content[0].Thinking)
	assert.Equal(t, testSignature, resp.Content[0].Signature)
	assert.Equal(t, "text", resp.Content[1].Type)
	assert.Equal(t, "the answer", resp.Content[1].Text)

	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 7, resp.Usage.OutputTokens)
}

func TestParseThinkingSSEToolCallFlushesPendingText(t *testing.T) {
	stream := sseStream(
		`{"candidates":[{"content":{"parts":[{"thought":true,"text":"deciding"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"I'll check the file."}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"read_file","args":{"path":"main.go"},"id":"call_1"},"thoughtSignature":"`+testSignature+`"}]}}]}`,
	)

	resp, err := ParseThinkingSSEResponse(stream, "claude-sonnet-4-5-thinking")
	require.NoError(t, err)

	require.Len(t, resp.Content, 3)
	assert.Equal(t, "thinking", resp.Content[0].Type)
	assert.Equal(t, "text", resp.Content[1].Type)

	tool := resp.Content[2]
	assert.Equal(t, "tool_use", tool.Type)
	assert.Equal(t, "read_file", tool.Name)
	assert.Equal(t, "call_1", tool.ID)
	assert.JSONEq(t, `{"path":"main.go"}`, string(tool.Input))
	assert.Equal(t, testSignature, tool.ThoughtSignature)
}

func TestParseThinkingSSECapturesFinishReason(t *testing.T) {
	stream := sseStream(
		`{"candidates":[{"content":{"parts":[{"text":"truncat"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"ed"}]},"finishReason":"MAX_TOKENS"}]}`,
	)

	resp, err := ParseThinkingSSEResponse(stream, "gemini-3-flash")
	require.NoError(t, err)

	require.Len(t, resp.Content, 1)
	assert.Equal(t, "truncated", resp.Content[0].Text)
	assert.Equal(t, "max_tokens", resp.StopReason)
}

func TestParseThinkingSSEUnwrapsResponseEnvelope(t *testing.T) {
	stream := sseStream(
		`{"response":{"candidates":[{"content":{"parts":[{"text":"wrapped"}]}}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"cachedContentTokenCount":3}}}`,
	)

	resp, err := ParseThinkingSSEResponse(stream, "gemini-3-flash")
	require.NoError(t, err)

	require.Len(t, resp.Content, 1)
	assert.Equal(t, "wrapped", resp.Content[0].Text)
	assert.Equal(t, 2, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.CacheReadInputTokens)
	assert.Equal(t, 2, resp.Usage.OutputTokens)
}

func TestParseThinkingSSESkipsNoise(t *testing.T) {
	raw := strings.Join([]string{
		": keep-alive comment",
		"event: message",
		"data: not json at all",
		`data: {"candidates":[{"content":{"parts":[{"text":"survives"}]}}]}`,
		"data:",
		"",
	}, "\n")

	resp, err := ParseThinkingSSEResponse(strings.NewReader(raw), "gemini-3-flash")
	require.NoError(t, err)

	require.Len(t, resp.Content, 1)
	assert.Equal(t, "survives", resp.Content[0].Text)
}

func TestParseThinkingSSEEmptyStream(t *testing.T) {
	resp, err := ParseThinkingSSEResponse(strings.NewReader(""), "gemini-3-flash")
	require.NoError(t, err)

	// An empty stream still yields a well-formed response.
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "", resp.Content[0].Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 0, resp.Usage.InputTokens)
}
