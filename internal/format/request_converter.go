package format

import (
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// InterleavedThinkingHint is appended to the system instruction for Claude
// thinking models that carry tools.
const InterleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."

// GoogleRequest is the generative-language request body sent to Cloud Code.
type GoogleRequest struct {
	Contents          []GoogleContent   `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *GoogleContent    `json:"systemInstruction,omitempty"`
	Tools             []GoogleTool      `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
}

// GenerationConfig carries the sampling knobs.
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig enables thought output. Claude models read the snake_case
// fields, Gemini models the camelCase ones.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"include_thoughts,omitempty"`
	ThinkingBudget  int  `json:"thinking_budget,omitempty"`

	IncludeThoughtsGemini bool `json:"includeThoughts,omitempty"`
	ThinkingBudgetGemini  int  `json:"thinkingBudget,omitempty"`
}

// GoogleTool wraps the function declarations.
type GoogleTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes one callable tool.
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolConfig carries the function calling mode.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// ConvertAnthropicToGoogle assembles the Google request for one Messages
// call: system instruction, repaired and converted message history,
// generation and thinking config, and per-family sanitised tools.
func ConvertAnthropicToGoogle(req *anthropic.MessagesRequest) *GoogleRequest {
	messages := CleanCacheControl(req.Messages)

	family := config.GetModelFamily(req.Model)
	isClaude := family == config.ModelFamilyClaude
	isGemini := family == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(req.Model)

	out := &GoogleRequest{
		Contents:         make([]GoogleContent, 0, len(messages)),
		GenerationConfig: &GenerationConfig{},
	}

	out.SystemInstruction = buildSystemInstruction(req.System)

	if isClaude && isThinking && len(req.Tools) > 0 {
		appendSystemHint(out, InterleavedThinkingHint)
	}

	if HasUnsignedThinkingBlocks(messages) {
		utils.Debug("[Request] history contains unsigned thinking blocks")
	}

	// Repair a broken tool loop before converting: Gemini destinations when
	// the last turn lost its thinking, Claude destinations whenever the
	// history crossed over from a Gemini producer.
	processed := messages
	switch {
	case isGemini && NeedsThinkingRecovery(messages):
		utils.Debug("[Request] applying thinking recovery for Gemini destination")
		processed = CloseToolLoopForThinking(messages, config.ModelFamilyGemini)
	case isClaude && HasGeminiHistory(messages):
		utils.Debug("[Request] applying thinking recovery for Claude destination")
		processed = CloseToolLoopForThinking(messages, config.ModelFamilyClaude)
	}

	lastAssistant := -1
	for i := len(processed) - 1; i >= 0; i-- {
		if processed[i].Role == "assistant" || processed[i].Role == "model" {
			lastAssistant = i
			break
		}
	}

	for i, msg := range processed {
		content := msg.Content
		if (msg.Role == "assistant" || msg.Role == "model") && len(content) > 0 {
			content = RestoreThinkingSignatures(content)
			if i == lastAssistant {
				content = RemoveTrailingThinkingBlocks(content)
			}
			content = ReorderAssistantContent(content)
		}

		parts := ConvertContentToParts(content, family)
		if len(parts) == 0 {
			// The API requires at least one part per content entry.
			utils.Debug("[Request] all parts filtered from a message, inserting placeholder")
			parts = append(parts, GooglePart{})
		}

		out.Contents = append(out.Contents, GoogleContent{Role: ConvertRole(msg.Role), Parts: parts})
	}

	if isClaude {
		out.Contents = FilterUnsignedThinkingBlocks(out.Contents)
	}

	gen := out.GenerationConfig
	if req.MaxTokens > 0 {
		gen.MaxOutputTokens = req.MaxTokens
	}
	gen.Temperature = req.Temperature
	gen.TopP = req.TopP
	gen.TopK = req.TopK
	if len(req.StopSequences) > 0 {
		gen.StopSequences = req.StopSequences
	}

	if isThinking {
		gen.ThinkingConfig = buildThinkingConfig(req, family, gen)
	}

	if len(req.Tools) > 0 {
		declarations := make([]FunctionDeclaration, 0, len(req.Tools))
		for idx, tool := range req.Tools {
			declarations = append(declarations, convertTool(tool, idx, family))
		}
		out.Tools = []GoogleTool{{FunctionDeclarations: declarations}}

		if isClaude {
			out.ToolConfig = &ToolConfig{
				FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"},
			}
		}
	}

	if isGemini && gen.MaxOutputTokens > config.GeminiMaxOutputTokens {
		utils.Debug("[Request] capping Gemini maxOutputTokens from %d to %d",
			gen.MaxOutputTokens, config.GeminiMaxOutputTokens)
		gen.MaxOutputTokens = config.GeminiMaxOutputTokens
	}

	return out
}

// buildSystemInstruction accepts the system field as either a bare string
// or an array of text blocks.
func buildSystemInstruction(system []byte) *GoogleContent {
	if len(system) == 0 {
		return nil
	}

	var parts []GooglePart

	var text string
	if err := sonic.Unmarshal(system, &text); err == nil {
		if text != "" {
			parts = append(parts, GooglePart{Text: text})
		}
	} else {
		var blocks anthropic.ContentBlocks
		if err := sonic.Unmarshal(system, &blocks); err != nil {
			utils.Warn("[Request] unparseable system prompt, ignoring: %v", err)
			return nil
		}
		for _, block := range blocks {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}
		}
	}

	if len(parts) == 0 {
		return nil
	}
	return &GoogleContent{Parts: parts}
}

// appendSystemHint folds a hint into the tail of the system instruction,
// creating one when absent.
func appendSystemHint(out *GoogleRequest, hint string) {
	if out.SystemInstruction == nil || len(out.SystemInstruction.Parts) == 0 {
		out.SystemInstruction = &GoogleContent{Parts: []GooglePart{{Text: hint}}}
		return
	}
	last := &out.SystemInstruction.Parts[len(out.SystemInstruction.Parts)-1]
	if last.Text != "" {
		last.Text = last.Text + "\n\n" + hint
	} else {
		out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, GooglePart{Text: hint})
	}
}

func buildThinkingConfig(req *anthropic.MessagesRequest, family config.ModelFamily, gen *GenerationConfig) *ThinkingConfig {
	budget := 0
	if req.Thinking != nil {
		budget = req.Thinking.BudgetTokens
	}

	switch family {
	case config.ModelFamilyClaude:
		tc := &ThinkingConfig{IncludeThoughts: true}
		if budget > 0 {
			tc.ThinkingBudget = budget
			// The API rejects max_tokens <= thinking_budget; leave room for
			// the visible answer.
			if gen.MaxOutputTokens > 0 && gen.MaxOutputTokens <= budget {
				adjusted := budget + 8192
				utils.Warn("[Request] max_tokens %d <= thinking_budget %d, raising to %d",
					gen.MaxOutputTokens, budget, adjusted)
				gen.MaxOutputTokens = adjusted
			}
			utils.Debug("[Request] Claude thinking enabled, budget %d", budget)
		} else {
			utils.Debug("[Request] Claude thinking enabled, no budget specified")
		}
		return tc

	case config.ModelFamilyGemini:
		if budget <= 0 {
			budget = config.GeminiDefaultThinkingBudget
		}
		utils.Debug("[Request] Gemini thinking enabled, budget %d", budget)
		return &ThinkingConfig{IncludeThoughtsGemini: true, ThinkingBudgetGemini: budget}
	}
	return nil
}

// convertTool builds one function declaration, resolving the name through
// the tool's possible envelopes and sanitising the schema for the
// destination family.
func convertTool(tool anthropic.Tool, idx int, family config.ModelFamily) FunctionDeclaration {
	name := tool.Name
	if name == "" && tool.Function != nil {
		name = tool.Function.Name
	}
	if name == "" && tool.Custom != nil {
		name = tool.Custom.Name
	}
	if name == "" {
		name = "tool-" + strconv.Itoa(idx)
	}

	description := tool.Description
	if description == "" && tool.Function != nil {
		description = tool.Function.Description
	}
	if description == "" && tool.Custom != nil {
		description = tool.Custom.Description
	}

	raw := tool.InputSchema
	if len(raw) == 0 && tool.Function != nil {
		raw = tool.Function.Parameters
		if len(raw) == 0 {
			raw = tool.Function.InputSchema
		}
	}
	if len(raw) == 0 && tool.Custom != nil {
		raw = tool.Custom.InputSchema
	}

	schema := map[string]interface{}{"type": "object"}
	if len(raw) > 0 {
		var decoded map[string]interface{}
		if err := sonic.Unmarshal(raw, &decoded); err != nil {
			utils.Warn("[Request] unparseable input_schema for tool %s: %v", name, err)
		} else if decoded != nil {
			schema = decoded
		}
	}

	var parameters map[string]interface{}
	if family == config.ModelFamilyGemini {
		parameters = CleanSchema(schema)
	} else {
		parameters = SanitizeSchema(schema)
	}

	return FunctionDeclaration{
		Name:        cleanToolName(name),
		Description: description,
		Parameters:  parameters,
	}
}

// cleanToolName restricts a tool name to the charset the API accepts and
// truncates it to the length limit.
func cleanToolName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if len(cleaned) > config.ToolNameMaxLength {
		cleaned = cleaned[:config.ToolNameMaxLength]
	}
	return cleaned
}
