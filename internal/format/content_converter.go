package format

import (
	"strings"

	"github.com/bytedance/sonic"

	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/anthropic"
)

// GooglePart is one part of a Google generative-language content entry.
type GooglePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall is the Google wire form of a tool invocation.
type FunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// FunctionResponse is the Google wire form of a tool result.
type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
	ID       string                 `json:"id,omitempty"`
}

// InlineData carries base64 payloads such as images.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData references external content by URI.
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// GoogleContent is one role-tagged entry in a Google request. The role is
// omitted on system instructions.
type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

// MarshalJSON keeps placeholder parts representable: a zero part encodes as
// an explicit empty text, since a bare {} is not a valid Google part.
func (p GooglePart) MarshalJSON() ([]byte, error) {
	if p == (GooglePart{}) {
		return []byte(`{"text":""}`), nil
	}
	type alias GooglePart
	return sonic.Marshal(alias(p))
}

// ConvertRole maps an Anthropic role onto Google's two-role scheme.
func ConvertRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// ConvertContentToParts translates one message's content blocks into Google
// parts for the given destination family. Blocks that cannot be represented
// safely for that family are dropped.
func ConvertContentToParts(content anthropic.ContentBlocks, family config.ModelFamily) []GooglePart {
	isClaude := family == config.ModelFamilyClaude
	isGemini := family == config.ModelFamilyGemini

	parts := make([]GooglePart, 0, len(content))
	cache := GetGlobalSignatureCache()

	for _, block := range content {
		switch block.Type {
		case "text":
			// Whitespace-only text causes upstream API errors.
			if strings.TrimSpace(block.Text) != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image":
			if part, ok := mediaPart(block.Source, "image/jpeg"); ok {
				parts = append(parts, part)
			}

		case "document":
			if part, ok := mediaPart(block.Source, "application/pdf"); ok {
				parts = append(parts, part)
			}

		case "tool_use":
			call := &FunctionCall{Name: block.Name, Args: decodeArgs(block.Input)}
			if isClaude && block.ID != "" {
				call.ID = block.ID
			}

			part := GooglePart{FunctionCall: call}
			if isGemini {
				// Priority: block signature, then cache, then skip sentinel.
				signature := block.ThoughtSignature
				if signature == "" && block.ID != "" {
					signature = cache.GetCachedSignature(block.ID)
					if signature != "" {
						utils.Debug("[Content] restored cached signature for %s", block.ID)
					}
				}
				if signature == "" {
					signature = config.GeminiSkipSignature
				}
				part.ThoughtSignature = signature
			}
			parts = append(parts, part)

		case "tool_result":
			response, images := toolResultResponse(block.Content)

			name := block.ToolUseID
			if name == "" {
				name = "unknown"
			}
			fr := &FunctionResponse{Name: name, Response: response}
			if isClaude && block.ToolUseID != "" {
				fr.ID = block.ToolUseID
			}

			parts = append(parts, GooglePart{FunctionResponse: fr})
			parts = append(parts, images...)

		case "thinking":
			if len(block.Signature) < config.MinSignatureLength {
				continue
			}
			if isGemini {
				// Gemini re-validates signatures server side. Claude-origin
				// or unknown-origin signatures would be rejected, so they
				// are dropped rather than forwarded.
				producedBy := cache.GetCachedSignatureFamily(block.Signature)
				if producedBy != string(config.ModelFamilyGemini) {
					utils.Debug("[Content] dropping thinking block with %q signature origin", producedBy)
					continue
				}
			}
			parts = append(parts, GooglePart{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})
		}
		// redacted_thinking and unknown block types are never forwarded.
	}

	return parts
}

// mediaPart builds an inlineData or fileData part from an Anthropic source.
func mediaPart(source *anthropic.ImageSource, defaultMime string) (GooglePart, bool) {
	if source == nil {
		return GooglePart{}, false
	}
	switch source.Type {
	case "base64":
		return GooglePart{InlineData: &InlineData{
			MimeType: source.MediaType,
			Data:     source.Data,
		}}, true
	case "url":
		mimeType := source.MediaType
		if mimeType == "" {
			mimeType = defaultMime
		}
		return GooglePart{FileData: &FileData{
			MimeType: mimeType,
			FileURI:  source.URL,
		}}, true
	}
	return GooglePart{}, false
}

// toolResultResponse flattens tool_result content into the response map and
// returns any embedded images as standalone inline-data parts.
func toolResultResponse(content anthropic.ContentBlocks) (map[string]interface{}, []GooglePart) {
	response := make(map[string]interface{})
	var texts []string
	var images []GooglePart

	for _, item := range content {
		switch item.Type {
		case "text":
			texts = append(texts, item.Text)
		case "image":
			if item.Source != nil && item.Source.Type == "base64" {
				images = append(images, GooglePart{InlineData: &InlineData{
					MimeType: item.Source.MediaType,
					Data:     item.Source.Data,
				}})
			}
		}
	}

	switch {
	case len(texts) > 0:
		response["result"] = strings.Join(texts, "\n")
	case len(images) > 0:
		response["result"] = "Image attached"
	case len(content) > 0:
		response["result"] = ""
	}

	return response, images
}

func decodeArgs(input []byte) map[string]interface{} {
	if len(input) == 0 {
		return nil
	}
	var args map[string]interface{}
	if err := sonic.Unmarshal(input, &args); err != nil {
		return nil
	}
	return args
}
