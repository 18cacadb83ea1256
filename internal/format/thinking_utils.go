package format

import (
	"fmt"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// CleanCacheControl strips cache_control from every block. The Cloud Code
// API rejects requests that carry it ("Extra inputs are not permitted").
func CleanCacheControl(messages []anthropic.Message) []anthropic.Message {
	if len(messages) == 0 {
		return messages
	}

	removed := 0
	cleaned := make([]anthropic.Message, 0, len(messages))

	for _, message := range messages {
		if len(message.Content) == 0 {
			cleaned = append(cleaned, message)
			continue
		}
		content := make(anthropic.ContentBlocks, 0, len(message.Content))
		for _, block := range message.Content {
			if block.CacheControl != nil {
				block.CacheControl = nil
				removed++
			}
			content = append(content, block)
		}
		cleaned = append(cleaned, anthropic.Message{Role: message.Role, Content: content})
	}

	if removed > 0 {
		utils.Debug("[Thinking] removed cache_control from %d block(s)", removed)
	}
	return cleaned
}

func isThinkingBlock(block anthropic.ContentBlock) bool {
	return block.Type == "thinking" || block.Type == "redacted_thinking" || block.Thinking != ""
}

// thinkingSignature returns whichever signature field a thinking block
// carries. Histories that passed through a Gemini turn store it in
// thoughtSignature instead of signature.
func thinkingSignature(block anthropic.ContentBlock) string {
	if block.Signature != "" {
		return block.Signature
	}
	return block.ThoughtSignature
}

func hasValidThinkingSignature(block anthropic.ContentBlock) bool {
	return len(thinkingSignature(block)) >= config.MinSignatureLength
}

// HasGeminiHistory reports whether any assistant tool_use carries a
// thoughtSignature, which marks the history as Gemini-produced.
func HasGeminiHistory(messages []anthropic.Message) bool {
	for _, msg := range messages {
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.ThoughtSignature != "" {
				return true
			}
		}
	}
	return false
}

// HasUnsignedThinkingBlocks reports whether any assistant turn contains
// thinking that would be dropped for lacking a usable signature.
func HasUnsignedThinkingBlocks(messages []anthropic.Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" && msg.Role != "model" {
			continue
		}
		for _, block := range msg.Content {
			if isThinkingBlock(block) && !hasValidThinkingSignature(block) {
				return true
			}
		}
	}
	return false
}

func sanitizedThinkingBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	switch block.Type {
	case "thinking":
		return anthropic.ContentBlock{Type: "thinking", Thinking: block.Thinking, Signature: block.Signature}
	case "redacted_thinking":
		return anthropic.ContentBlock{Type: "redacted_thinking", Data: block.Data}
	}
	return block
}

func sanitizedToolUseBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	if block.Type != "tool_use" {
		return block
	}
	return anthropic.ContentBlock{
		Type:             "tool_use",
		ID:               block.ID,
		Name:             block.Name,
		Input:            block.Input,
		ThoughtSignature: block.ThoughtSignature,
	}
}

// RestoreThinkingSignatures drops thinking blocks whose signature is too
// short to be real and sanitises the kept ones down to their wire fields.
func RestoreThinkingSignatures(content anthropic.ContentBlocks) anthropic.ContentBlocks {
	if len(content) == 0 {
		return content
	}

	filtered := make(anthropic.ContentBlocks, 0, len(content))
	for _, block := range content {
		if block.Type != "thinking" {
			filtered = append(filtered, block)
			continue
		}
		if len(block.Signature) >= config.MinSignatureLength {
			filtered = append(filtered, sanitizedThinkingBlock(block))
		}
	}

	if dropped := len(content) - len(filtered); dropped > 0 {
		utils.Debug("[Thinking] dropped %d unsigned thinking block(s)", dropped)
	}
	return filtered
}

// RemoveTrailingThinkingBlocks trims unsigned thinking blocks off the tail
// of a content array, stopping at the first signed or non-thinking block.
func RemoveTrailingThinkingBlocks(content anthropic.ContentBlocks) anthropic.ContentBlocks {
	end := len(content)
	for i := len(content) - 1; i >= 0; i-- {
		if !isThinkingBlock(content[i]) {
			break
		}
		if hasValidThinkingSignature(content[i]) {
			break
		}
		end = i
	}
	if end < len(content) {
		utils.Debug("[Thinking] removed %d trailing unsigned thinking block(s)", len(content)-end)
		return content[:end]
	}
	return content
}

// ReorderAssistantContent arranges assistant content as thinking, then text
// and other blocks, then tool_use. Thinking must lead the turn when thinking
// is enabled, and tool_use must sit last so tool_results can follow.
func ReorderAssistantContent(content anthropic.ContentBlocks) anthropic.ContentBlocks {
	if len(content) == 0 {
		return content
	}

	var thinking, middle, toolUse anthropic.ContentBlocks
	droppedEmpty := 0

	for _, block := range content {
		switch block.Type {
		case "":
			// Null entries in the content array.
		case "thinking", "redacted_thinking":
			thinking = append(thinking, sanitizedThinkingBlock(block))
		case "tool_use":
			toolUse = append(toolUse, sanitizedToolUseBlock(block))
		case "text":
			if block.Text != "" {
				middle = append(middle, anthropic.ContentBlock{Type: "text", Text: block.Text})
			} else {
				droppedEmpty++
			}
		default:
			middle = append(middle, block)
		}
	}

	if droppedEmpty > 0 {
		utils.Debug("[Thinking] dropped %d empty text block(s)", droppedEmpty)
	}

	reordered := make(anthropic.ContentBlocks, 0, len(thinking)+len(middle)+len(toolUse))
	reordered = append(reordered, thinking...)
	reordered = append(reordered, middle...)
	reordered = append(reordered, toolUse...)
	return reordered
}

// FilterUnsignedThinkingBlocks removes Google thought parts that lack a
// usable thoughtSignature from already-converted contents.
func FilterUnsignedThinkingBlocks(contents []GoogleContent) []GoogleContent {
	result := make([]GoogleContent, 0, len(contents))
	for _, content := range contents {
		parts := make([]GooglePart, 0, len(content.Parts))
		for _, part := range content.Parts {
			if part.Thought && len(part.ThoughtSignature) < config.MinSignatureLength {
				utils.Debug("[Thinking] dropping unsigned thought part")
				continue
			}
			parts = append(parts, part)
		}
		result = append(result, GoogleContent{Role: content.Role, Parts: parts})
	}
	return result
}

// conversationState summarises the tail of a conversation for recovery
// decisions. toolResultCount counts tool_results after the last assistant
// turn.
type conversationState struct {
	InToolLoop       bool
	InterruptedTool  bool
	TurnHasThinking  bool
	ToolResultCount  int
	LastAssistantIdx int
}

func analyzeConversationState(messages []anthropic.Message) conversationState {
	state := conversationState{LastAssistantIdx: -1}
	if len(messages) == 0 {
		return state
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" || messages[i].Role == "model" {
			state.LastAssistantIdx = i
			break
		}
	}
	if state.LastAssistantIdx == -1 {
		return state
	}

	lastAssistant := messages[state.LastAssistantIdx]
	hasToolUse := messageHasToolUse(lastAssistant)
	state.TurnHasThinking = messageHasValidThinking(lastAssistant)

	plainUserAfter := false
	for i := state.LastAssistantIdx + 1; i < len(messages); i++ {
		if messageHasToolResult(messages[i]) {
			state.ToolResultCount++
		}
		if isPlainUserMessage(messages[i]) {
			plainUserAfter = true
		}
	}

	state.InToolLoop = hasToolUse && state.ToolResultCount > 0
	state.InterruptedTool = hasToolUse && state.ToolResultCount == 0 && plainUserAfter

	return state
}

func messageHasValidThinking(message anthropic.Message) bool {
	for _, block := range message.Content {
		if isThinkingBlock(block) && hasValidThinkingSignature(block) {
			return true
		}
	}
	return false
}

func messageHasToolUse(message anthropic.Message) bool {
	for _, block := range message.Content {
		if block.Type == "tool_use" {
			return true
		}
	}
	return false
}

func messageHasToolResult(message anthropic.Message) bool {
	for _, block := range message.Content {
		if block.Type == "tool_result" {
			return true
		}
	}
	return false
}

func isPlainUserMessage(message anthropic.Message) bool {
	if message.Role != "user" {
		return false
	}
	return !messageHasToolResult(message)
}

// NeedsThinkingRecovery reports whether the conversation tail is a tool
// loop or interrupted tool whose assistant turn lost its thinking.
func NeedsThinkingRecovery(messages []anthropic.Message) bool {
	state := analyzeConversationState(messages)
	if !state.InToolLoop && !state.InterruptedTool {
		return false
	}
	return !state.TurnHasThinking
}

// stripIncompatibleThinking removes thinking blocks that cannot survive the
// destination family. Unsigned thinking always goes; for Gemini targets,
// signatures whose cached producer is not Gemini go too. A message emptied
// by stripping gets a placeholder, Claude rejects empty text parts.
func stripIncompatibleThinking(messages []anthropic.Message, family config.ModelFamily) []anthropic.Message {
	stripped := 0
	cache := GetGlobalSignatureCache()

	result := make([]anthropic.Message, 0, len(messages))
	for _, msg := range messages {
		if len(msg.Content) == 0 {
			result = append(result, msg)
			continue
		}

		filtered := make(anthropic.ContentBlocks, 0, len(msg.Content))
		for _, block := range msg.Content {
			if !isThinkingBlock(block) {
				filtered = append(filtered, block)
				continue
			}
			if !hasValidThinkingSignature(block) {
				stripped++
				continue
			}
			if family == config.ModelFamilyGemini {
				producedBy := cache.GetCachedSignatureFamily(thinkingSignature(block))
				if producedBy != string(config.ModelFamilyGemini) {
					stripped++
					continue
				}
			}
			filtered = append(filtered, block)
		}

		if len(filtered) == 0 {
			filtered = anthropic.ContentBlocks{{Type: "text", Text: "."}}
		}
		result = append(result, anthropic.Message{Role: msg.Role, Content: filtered})
	}

	if stripped > 0 {
		utils.Debug("[Thinking] stripped %d invalid or incompatible thinking block(s)", stripped)
	}
	return result
}

// CloseToolLoopForThinking repairs a conversation whose open tool loop lost
// its thinking blocks by closing the loop with synthetic turns, letting the
// model start fresh instead of tripping signature validation.
func CloseToolLoopForThinking(messages []anthropic.Message, family config.ModelFamily) []anthropic.Message {
	state := analyzeConversationState(messages)
	if !state.InToolLoop && !state.InterruptedTool {
		return messages
	}

	modified := stripIncompatibleThinking(messages, family)

	if state.InterruptedTool {
		// Acknowledge the abandoned tool call before the user's new message.
		insertIdx := state.LastAssistantIdx + 1
		synthetic := anthropic.Message{
			Role:    "assistant",
			Content: anthropic.ContentBlocks{{Type: "text", Text: "Tool use was interrupted."}},
		}
		withSynthetic := make([]anthropic.Message, 0, len(modified)+1)
		withSynthetic = append(withSynthetic, modified[:insertIdx]...)
		withSynthetic = append(withSynthetic, synthetic)
		withSynthetic = append(withSynthetic, modified[insertIdx:]...)
		utils.Debug("[Thinking] recovery applied for interrupted tool")
		return withSynthetic
	}

	text := "Tool execution completed"
	if state.ToolResultCount > 1 {
		text = fmt.Sprintf("%d tool executions completed", state.ToolResultCount)
	}
	modified = append(modified, anthropic.Message{
		Role:    "assistant",
		Content: anthropic.ContentBlocks{{Type: "text", Text: text}},
	})
	modified = append(modified, anthropic.Message{
		Role:    "user",
		Content: anthropic.ContentBlocks{{Type: "text", Text: "Continue."}},
	})
	utils.Debug("[Thinking] recovery applied for tool loop")
	return modified
}
