package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentBlocksAcceptStringForm(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg))

	require.Len(t, msg.Content, 1)
	assert.Equal(t, "text", msg.Content[0].Type)
	assert.Equal(t, "hello", msg.Content[0].Text)
}

func TestContentBlocksAcceptArrayAndObjectForms(t *testing.T) {
	var blocks ContentBlocks
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`), &blocks))
	assert.Len(t, blocks, 2)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"text","text":"solo"}`), &blocks))
	require.Len(t, blocks, 1)
	assert.Equal(t, "solo", blocks[0].Text)

	require.NoError(t, json.Unmarshal([]byte(`  null`), &blocks))
	assert.Nil(t, blocks)
}

func TestContentBlockMarshalKeepsRequiredEmptyFields(t *testing.T) {
	// An empty text block must keep its text field.
	encoded, err := json.Marshal(ContentBlock{Type: "text"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":""}`, string(encoded))

	// A tool_use without input gets an explicit empty object.
	encoded, err = json.Marshal(ContentBlock{Type: "tool_use", ID: "toolu_1", Name: "search"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_use","id":"toolu_1","name":"search","input":{}}`, string(encoded))
}

func TestContentBlockMarshalOmitsForeignFields(t *testing.T) {
	block := ContentBlock{Type: "text", Text: "hi", ID: "leftover", Thinking: "leftover"}
	encoded, err := json.Marshal(block)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":"hi"}`, string(encoded))
}

func TestContentBlockMarshalThinking(t *testing.T) {
	encoded, err := json.Marshal(ContentBlock{Type: "thinking", Thinking: "because", Signature: "sig"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"thinking","thinking":"because","signature":"sig"}`, string(encoded))

	// No signature field at all when unsigned.
	encoded, err = json.Marshal(ContentBlock{Type: "thinking", Thinking: "because"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"thinking","thinking":"because"}`, string(encoded))
}

func TestContentBlockMarshalToolResult(t *testing.T) {
	block := ContentBlock{
		Type:      "tool_result",
		ToolUseID: "toolu_1",
		Content:   ContentBlocks{{Type: "text", Text: "ok"}},
	}
	encoded, err := json.Marshal(block)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"ok"}]}`, string(encoded))
}

func TestSystemPromptText(t *testing.T) {
	assert.Equal(t, "be brief", SystemPromptText(json.RawMessage(`"be brief"`)))
	assert.Equal(t, "one\ntwo", SystemPromptText(json.RawMessage(`[{"type":"text","text":"one"},{"type":"text","text":"two"}]`)))
	assert.Equal(t, "", SystemPromptText(nil))
	assert.Equal(t, "", SystemPromptText(json.RawMessage(`null`)))
	assert.Equal(t, "", SystemPromptText(json.RawMessage(`{broken`)))
}

func TestGeneratedIDs(t *testing.T) {
	assert.Regexp(t, `^msg_[0-9a-f]{24}$`, GenerateMessageID())
	assert.Regexp(t, `^toolu_[0-9a-f]{24}$`, GenerateToolUseID())
	assert.NotEqual(t, GenerateMessageID(), GenerateMessageID())
}

func TestCloneMessageIsDeep(t *testing.T) {
	original := Message{Role: "assistant", Content: ContentBlocks{
		{Type: "tool_use", ID: "toolu_1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)},
		{Type: "tool_result", ToolUseID: "toolu_1", Content: ContentBlocks{{Type: "text", Text: "inner"}}},
		{Type: "image", Source: &ImageSource{Type: "base64", Data: "aGk="}},
	}}

	clone := CloneMessage(original)
	clone.Content[0].Input[2] = 'X'
	clone.Content[1].Content[0].Text = "changed"
	clone.Content[2].Source.Data = "changed"

	assert.Equal(t, json.RawMessage(`{"q":"go"}`), original.Content[0].Input)
	assert.Equal(t, "inner", original.Content[1].Content[0].Text)
	assert.Equal(t, "aGk=", original.Content[2].Source.Data)
}
