package cloudcode

import (
	"bufio"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/codelane/antigravity-relay/internal/format"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// ParseThinkingSSEResponse collects a whole upstream SSE stream into one
// Anthropic response. Thinking models only stream, so the unary code
// path reads them this way: consecutive thinking and text fragments are
// coalesced into single parts, tool calls and images flush in arrival
// order, and the assembled candidate goes through the normal response
// conversion.
func ParseThinkingSSEResponse(reader io.Reader, originalModel string) (*anthropic.MessagesResponse, error) {
	var (
		thinkingText      string
		thinkingSignature string
		text              string
		parts             []format.GooglePart
		usage             *format.UsageMetadata
	)
	finishReason := "STOP"

	flushThinking := func() {
		if thinkingText == "" {
			return
		}
		parts = append(parts, format.GooglePart{
			Thought:          true,
			Text:             thinkingText,
			ThoughtSignature: thinkingSignature,
		})
		thinkingText = ""
		thinkingSignature = ""
	}
	flushText := func() {
		if text == "" {
			return
		}
		parts = append(parts, format.GooglePart{Text: text})
		text = ""
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
			utils.Debug("[CloudCode] SSE parse warning: %v, raw: %.100s", err, payload)
			continue
		}

		candidates, chunkUsage := chunk.Unwrap()
		if chunkUsage != nil {
			usage = chunkUsage
		}
		if len(candidates) == 0 {
			continue
		}

		first := candidates[0]
		if first.FinishReason != "" {
			finishReason = first.FinishReason
		}
		if first.Content == nil {
			continue
		}

		for _, part := range first.Content.Parts {
			switch {
			case part.Thought:
				flushText()
				thinkingText += part.Text
				if part.ThoughtSignature != "" {
					thinkingSignature = part.ThoughtSignature
				}
			case part.FunctionCall != nil:
				flushThinking()
				flushText()
				parts = append(parts, format.GooglePart{
					FunctionCall:     part.FunctionCall,
					ThoughtSignature: part.ThoughtSignature,
				})
			case part.Text != "":
				flushThinking()
				text += part.Text
			case part.InlineData != nil:
				flushThinking()
				flushText()
				parts = append(parts, format.GooglePart{InlineData: part.InlineData})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	flushThinking()
	flushText()

	utils.Debug("[CloudCode] Collected SSE response: %d parts, finishReason=%s", len(parts), finishReason)

	assembled := &format.GoogleResponse{
		Candidates: []format.Candidate{{
			Content:      &format.GoogleContent{Parts: parts},
			FinishReason: finishReason,
		}},
		UsageMetadata: usage,
	}
	return format.ConvertGoogleToAnthropic(assembled, originalModel), nil
}
