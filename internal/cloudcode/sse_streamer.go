package cloudcode

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/codelane/antigravity-relay/internal/config"
	relayerrors "github.com/codelane/antigravity-relay/internal/errors"
	"github.com/codelane/antigravity-relay/internal/format"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// scanBufferSize bounds one upstream SSE line. Tool arguments arrive as
// a single data line, so this has to hold the largest expected payload.
const scanBufferSize = 1024 * 1024

// sseStreamState tracks the translation of one upstream stream into the
// Anthropic event grammar: which block is open, the pending thinking
// signature, and the running usage counters.
type sseStreamState struct {
	events chan *anthropic.SSEEvent

	model  string
	family config.ModelFamily

	messageID    string
	emittedStart bool

	blockIndex int
	blockType  string // "", "thinking", "text", "tool_use", "image"
	signature  string

	inputTokens  int
	outputTokens int
	cacheRead    int

	finishReason string
	hasToolCalls bool
}

// StreamSSEResponse reads an upstream SSE body and emits Anthropic
// streaming events on the returned channel. A stream that ends without
// any content parts reports an EmptyResponseError instead of events.
func StreamSSEResponse(reader io.Reader, originalModel string) (<-chan *anthropic.SSEEvent, <-chan error) {
	events := make(chan *anthropic.SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		state := &sseStreamState{
			events:    events,
			model:     originalModel,
			family:    config.GetModelFamily(originalModel),
			messageID: anthropic.GenerateMessageID(),
		}

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			var chunk format.GoogleResponse
			if err := sonic.Unmarshal([]byte(payload), &chunk); err != nil {
				utils.Warn("[CloudCode] SSE chunk parse error: %v", err)
				continue
			}
			state.consume(&chunk)
		}

		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}

		if !state.emittedStart {
			utils.Warn("[CloudCode] Stream ended without content parts")
			errs <- relayerrors.NewEmptyResponseError("No content parts received from API")
			return
		}

		state.finish()
	}()

	return events, errs
}

// consume folds one upstream chunk into the stream state.
func (s *sseStreamState) consume(chunk *format.GoogleResponse) {
	candidates, usage := chunk.Unwrap()

	// Usage arrives cumulatively; keep the maximum seen.
	if usage != nil {
		s.inputTokens = maxInt(s.inputTokens, usage.PromptTokenCount)
		s.outputTokens = maxInt(s.outputTokens, usage.CandidatesTokenCount)
		s.cacheRead = maxInt(s.cacheRead, usage.CachedContentTokenCount)
	}

	if len(candidates) == 0 {
		return
	}
	first := candidates[0]
	if first.FinishReason != "" {
		s.finishReason = first.FinishReason
	}
	if first.Content == nil {
		return
	}

	parts := first.Content.Parts
	if !s.emittedStart && len(parts) > 0 {
		s.emitStart()
	}

	for _, part := range parts {
		switch {
		case part.Thought:
			s.emitThinking(part)
		case part.Text != "":
			s.emitText(part.Text)
		case part.FunctionCall != nil:
			s.emitToolUse(part)
		case part.InlineData != nil:
			s.emitImage(part)
		}
	}
}

func (s *sseStreamState) emitStart() {
	s.emittedStart = true
	s.events <- &anthropic.SSEEvent{
		Type: anthropic.SSEEventMessageStart,
		Message: &anthropic.MessagesResponse{
			ID:      s.messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   s.model,
			Usage: &anthropic.Usage{
				InputTokens:          s.inputTokens - s.cacheRead,
				CacheReadInputTokens: s.cacheRead,
			},
		},
	}
}

func (s *sseStreamState) emitThinking(part format.GooglePart) {
	if s.blockType != "thinking" {
		s.closeBlock()
		s.blockType = "thinking"
		s.signature = ""
		s.events <- &anthropic.SSEEvent{
			Type:         anthropic.SSEEventContentBlockStart,
			Index:        utils.Ptr(s.blockIndex),
			ContentBlock: &anthropic.ContentBlock{Type: "thinking"},
		}
	}

	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		s.signature = part.ThoughtSignature
		format.GetGlobalSignatureCache().CacheThinkingSignature(part.ThoughtSignature, string(s.family))
	}

	s.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: utils.Ptr(s.blockIndex),
		Delta: &anthropic.ContentDelta{Type: "thinking_delta", Thinking: part.Text},
	}
}

func (s *sseStreamState) emitText(text string) {
	if s.blockType != "text" {
		// Whitespace between structural parts is noise; inside an open
		// text block it is a legitimate delta and passes through below.
		if strings.TrimSpace(text) == "" {
			return
		}
		s.closeBlock()
		s.blockType = "text"
		s.events <- &anthropic.SSEEvent{
			Type:         anthropic.SSEEventContentBlockStart,
			Index:        utils.Ptr(s.blockIndex),
			ContentBlock: &anthropic.ContentBlock{Type: "text"},
		}
	}

	s.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: utils.Ptr(s.blockIndex),
		Delta: &anthropic.ContentDelta{Type: "text_delta", Text: text},
	}
}

func (s *sseStreamState) emitToolUse(part format.GooglePart) {
	s.closeBlock()
	s.blockType = "tool_use"
	s.hasToolCalls = true

	toolID := part.FunctionCall.ID
	if toolID == "" {
		toolID = anthropic.GenerateToolUseID()
	}

	block := &anthropic.ContentBlock{
		Type: "tool_use",
		ID:   toolID,
		Name: part.FunctionCall.Name,
	}
	// Clients may drop thoughtSignature when they echo the block back,
	// so it is cached against the tool id too.
	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		block.ThoughtSignature = part.ThoughtSignature
		format.GetGlobalSignatureCache().CacheSignature(toolID, part.ThoughtSignature)
	}

	s.events <- &anthropic.SSEEvent{
		Type:         anthropic.SSEEventContentBlockStart,
		Index:        utils.Ptr(s.blockIndex),
		ContentBlock: block,
	}

	args := json.RawMessage("{}")
	if part.FunctionCall.Args != nil {
		if encoded, err := sonic.Marshal(part.FunctionCall.Args); err == nil {
			args = encoded
		}
	}
	s.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: utils.Ptr(s.blockIndex),
		Delta: &anthropic.ContentDelta{Type: "input_json_delta", PartialJSON: string(args)},
	}
}

func (s *sseStreamState) emitImage(part format.GooglePart) {
	s.closeBlock()

	s.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockStart,
		Index: utils.Ptr(s.blockIndex),
		ContentBlock: &anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: part.InlineData.MimeType,
				Data:      part.InlineData.Data,
			},
		},
	}
	s.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockStop,
		Index: utils.Ptr(s.blockIndex),
	}
	s.blockIndex++
	s.blockType = ""
}

// closeBlock flushes the pending thinking signature and stops the open
// block, advancing the index.
func (s *sseStreamState) closeBlock() {
	if s.blockType == "" {
		return
	}
	s.flushSignature()
	s.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockStop,
		Index: utils.Ptr(s.blockIndex),
	}
	s.blockIndex++
	s.blockType = ""
}

// flushSignature emits the signature_delta that must precede leaving a
// thinking block.
func (s *sseStreamState) flushSignature() {
	if s.blockType != "thinking" || s.signature == "" {
		return
	}
	s.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: utils.Ptr(s.blockIndex),
		Delta: &anthropic.ContentDelta{Type: "signature_delta", Signature: s.signature},
	}
	s.signature = ""
}

// finish closes the open block and emits the trailing message_delta and
// message_stop pair.
func (s *sseStreamState) finish() {
	s.closeBlock()

	s.events <- &anthropic.SSEEvent{
		Type:  anthropic.SSEEventMessageDelta,
		Delta: &anthropic.ContentDelta{StopReason: format.MapStopReason(s.finishReason, s.hasToolCalls)},
		Usage: &anthropic.Usage{
			OutputTokens:         s.outputTokens,
			CacheReadInputTokens: s.cacheRead,
		},
	}
	s.events <- &anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
