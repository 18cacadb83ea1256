package format

import (
	"encoding/json"

	"github.com/bytedance/sonic"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// GoogleResponse is a generateContent reply. Cloud Code wraps the payload
// in a response envelope; the direct API returns the flat shape. Both are
// accepted.
type GoogleResponse struct {
	Response      *GoogleResponseBody `json:"response,omitempty"`
	Candidates    []Candidate         `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata      `json:"usageMetadata,omitempty"`
}

// GoogleResponseBody is the wrapped payload.
type GoogleResponseBody struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is one generation candidate.
type Candidate struct {
	Content      *GoogleContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
}

// UsageMetadata reports Google token counts. promptTokenCount includes the
// cached share.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// Unwrap resolves the envelope and returns candidates and usage regardless
// of which shape arrived.
func (r *GoogleResponse) Unwrap() ([]Candidate, *UsageMetadata) {
	if r == nil {
		return nil, nil
	}
	if r.Response != nil {
		return r.Response.Candidates, r.Response.UsageMetadata
	}
	return r.Candidates, r.UsageMetadata
}

// MapStopReason translates a Google finishReason. STOP wins even when tool
// calls were emitted; an unrecognised reason falls back on whether any
// tool_use block exists.
func MapStopReason(finishReason string, hasToolCalls bool) string {
	switch finishReason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "TOOL_USE":
		return "tool_use"
	}
	if hasToolCalls {
		return "tool_use"
	}
	return "end_turn"
}

// UsageFromMetadata converts Google counts into Anthropic accounting.
// input_tokens excludes the cached share, which is reported separately.
func UsageFromMetadata(meta *UsageMetadata) *anthropic.Usage {
	usage := &anthropic.Usage{}
	if meta != nil {
		usage.InputTokens = meta.PromptTokenCount - meta.CachedContentTokenCount
		usage.OutputTokens = meta.CandidatesTokenCount
		usage.CacheReadInputTokens = meta.CachedContentTokenCount
	}
	return usage
}

// ConvertGoogleToAnthropic translates a complete Google response into an
// Anthropic Messages response for the requested model.
func ConvertGoogleToAnthropic(resp *GoogleResponse, model string) *anthropic.MessagesResponse {
	candidates, usageMetadata := resp.Unwrap()

	var first Candidate
	if len(candidates) > 0 {
		first = candidates[0]
	}
	var parts []GooglePart
	if first.Content != nil {
		parts = first.Content.Parts
	}

	cache := GetGlobalSignatureCache()
	family := config.GetModelFamily(model)

	content := make([]anthropic.ContentBlock, 0, len(parts))
	hasToolCalls := false

	for _, part := range parts {
		switch {
		case part.Thought && part.Text != "":
			signature := part.ThoughtSignature
			if len(signature) >= config.MinSignatureLength {
				cache.CacheThinkingSignature(signature, string(family))
			}
			content = append(content, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: signature,
			})

		case part.FunctionCall != nil:
			toolID := part.FunctionCall.ID
			if toolID == "" {
				toolID = anthropic.GenerateToolUseID()
			}

			input := json.RawMessage("{}")
			if part.FunctionCall.Args != nil {
				if encoded, err := sonic.Marshal(part.FunctionCall.Args); err == nil {
					input = encoded
				}
			}

			block := anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    toolID,
				Name:  part.FunctionCall.Name,
				Input: input,
			}
			// Clients may strip thoughtSignature when echoing the history
			// back, so it is cached against the tool id as well.
			if len(part.ThoughtSignature) >= config.MinSignatureLength {
				block.ThoughtSignature = part.ThoughtSignature
				cache.CacheSignature(toolID, part.ThoughtSignature)
			}

			content = append(content, block)
			hasToolCalls = true

		case part.Text != "":
			content = append(content, anthropic.ContentBlock{Type: "text", Text: part.Text})
		}
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	return anthropic.NewMessagesResponse(
		anthropic.GenerateMessageID(),
		model,
		content,
		MapStopReason(first.FinishReason, hasToolCalls),
		UsageFromMetadata(usageMetadata),
	)
}
