// Package anthropic defines the Messages API wire types the relay accepts
// and produces.
package anthropic

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
)

// Message is one conversation turn.
type Message struct {
	Role    string        `json:"role"`
	Content ContentBlocks `json:"content"`
}

// ContentBlocks is a message body. The API accepts either a bare string or
// an array of blocks; a bare string decodes as a single text block.
type ContentBlocks []ContentBlock

// UnmarshalJSON implements the string-or-array content encoding.
func (c *ContentBlocks) UnmarshalJSON(data []byte) error {
	data = trimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*c = nil
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ContentBlocks{{Type: "text", Text: s}}
		return nil
	case '{':
		var block ContentBlock
		if err := json.Unmarshal(data, &block); err != nil {
			return err
		}
		*c = ContentBlocks{block}
		return nil
	default:
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		*c = ContentBlocks(blocks)
		return nil
	}
}

func trimSpace(data []byte) []byte {
	start := 0
	for start < len(data) {
		switch data[start] {
		case ' ', '\t', '\n', '\r':
			start++
		default:
			return data[start:]
		}
	}
	return data[start:]
}

// ContentBlock is one unit of message content. Which fields are meaningful
// depends on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// redacted_thinking
	Data string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content   ContentBlocks `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`

	// Gemini thought signature echoed through tool_use blocks
	ThoughtSignature string `json:"thoughtSignature,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// stripped before dispatch
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// MarshalJSON emits exactly the fields each block type defines, so that
// required-but-empty fields (an empty text, a {} tool input) survive.
func (cb ContentBlock) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"type": cb.Type}
	switch cb.Type {
	case "text":
		out["text"] = cb.Text
	case "thinking":
		out["thinking"] = cb.Thinking
		if cb.Signature != "" {
			out["signature"] = cb.Signature
		}
	case "redacted_thinking":
		out["data"] = cb.Data
	case "tool_use":
		out["id"] = cb.ID
		out["name"] = cb.Name
		input := cb.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		out["input"] = input
		if cb.ThoughtSignature != "" {
			out["thoughtSignature"] = cb.ThoughtSignature
		}
	case "tool_result":
		out["tool_use_id"] = cb.ToolUseID
		out["content"] = cb.Content
		if cb.IsError {
			out["is_error"] = true
		}
	case "image":
		out["source"] = cb.Source
	default:
		type raw ContentBlock
		return json.Marshal(raw(cb))
	}
	return json.Marshal(out)
}

// ImageSource locates image bytes, inline base64 or by URL.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// CacheControl is accepted on inbound blocks and discarded.
type CacheControl struct {
	Type string `json:"type"`
}

// Tool declares a callable function. Some clients wrap the declaration in a
// function or custom envelope instead of using the top-level fields.
type Tool struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Function    *ToolFunction   `json:"function,omitempty"`
	Custom      *ToolFunction   `json:"custom,omitempty"`
}

// ToolFunction is the nested declaration used by OpenAI-style tool shapes.
type ToolFunction struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice expresses the caller's tool preference.
type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

// ThinkingConfig enables extended thinking.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Metadata carries caller tracking fields.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// MessagesRequest is the POST /v1/messages body. System is kept raw
// because it may be a string or an array of text blocks.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	System        json.RawMessage `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

// SystemPromptText flattens a system prompt to plain text: a string as-is,
// an array of text blocks joined with newlines.
func SystemPromptText(system json.RawMessage) string {
	data := trimSpace(system)
	if len(data) == 0 || string(data) == "null" {
		return ""
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return s
		}
		return ""
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return ""
	}
	text := ""
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += b.Text
		}
	}
	return text
}

// MessagesResponse is the non-streaming POST /v1/messages reply.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// Usage reports token accounting. Cache fields are always emitted; clients
// do arithmetic on them.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// SSEEventType names a streaming event.
type SSEEventType string

const (
	SSEEventMessageStart      SSEEventType = "message_start"
	SSEEventContentBlockStart SSEEventType = "content_block_start"
	SSEEventContentBlockDelta SSEEventType = "content_block_delta"
	SSEEventContentBlockStop  SSEEventType = "content_block_stop"
	SSEEventMessageDelta      SSEEventType = "message_delta"
	SSEEventMessageStop       SSEEventType = "message_stop"
	SSEEventPing              SSEEventType = "ping"
	SSEEventError             SSEEventType = "error"
)

// SSEEvent is one streaming event. Index is a pointer so that block index
// zero still serializes.
type SSEEvent struct {
	Type         SSEEventType      `json:"type"`
	Message      *MessagesResponse `json:"message,omitempty"`
	Index        *int              `json:"index,omitempty"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Delta        *ContentDelta     `json:"delta,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
	Error        *SSEError         `json:"error,omitempty"`
}

// ContentDelta is the delta payload of content_block_delta and
// message_delta events.
type ContentDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// SSEError is the payload of an error event.
type SSEError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Model is one entry in the GET /v1/models reply.
type Model struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Description string `json:"description,omitempty"`
}

// ModelsResponse is the GET /v1/models reply.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorResponse is the error body shape every endpoint returns.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error class and message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds an ErrorResponse.
func NewErrorResponse(errorType, message string) *ErrorResponse {
	return &ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: errorType, Message: message},
	}
}

// NewMessagesResponse builds an assistant message response.
func NewMessagesResponse(id, model string, content []ContentBlock, stopReason string, usage *Usage) *MessagesResponse {
	return &MessagesResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: stopReason,
		Usage:      usage,
	}
}

// GenerateMessageID returns a fresh "msg_"-prefixed identifier.
func GenerateMessageID() string {
	return "msg_" + randomHex(24)
}

// GenerateToolUseID returns a fresh "toolu_"-prefixed identifier.
func GenerateToolUseID() string {
	return "toolu_" + randomHex(24)
}

func randomHex(length int) string {
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		for i := range buf {
			buf[i] = byte(i)
		}
	}
	return hex.EncodeToString(buf)[:length]
}

// CloneContentBlock deep-copies a block.
func CloneContentBlock(cb ContentBlock) ContentBlock {
	clone := cb
	if cb.Input != nil {
		clone.Input = make(json.RawMessage, len(cb.Input))
		copy(clone.Input, cb.Input)
	}
	if cb.Content != nil {
		clone.Content = make(ContentBlocks, len(cb.Content))
		for i, inner := range cb.Content {
			clone.Content[i] = CloneContentBlock(inner)
		}
	}
	if cb.Source != nil {
		src := *cb.Source
		clone.Source = &src
	}
	if cb.CacheControl != nil {
		cc := *cb.CacheControl
		clone.CacheControl = &cc
	}
	return clone
}

// CloneMessage deep-copies a message.
func CloneMessage(msg Message) Message {
	clone := msg
	clone.Content = make(ContentBlocks, len(msg.Content))
	for i, cb := range msg.Content {
		clone.Content[i] = CloneContentBlock(cb)
	}
	return clone
}
