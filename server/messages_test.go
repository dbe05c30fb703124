package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagesUnmarshal(t *testing.T) {
	var ms Messages
	err := json.Unmarshal([]byte(`[
		{"role": "system", "content": "sys"},
		{"role": "user", "content": "question"},
		{"role": "assistant", "content": "calling"},
		{"role": "tool", "name": "search", "tool_call_id": "c1", "content": "result"}
	]`), &ms)
	require.NoError(t, err)
	require.Len(t, ms, 4)

	assert.Equal(t, SystemMessage{Content: "sys"}, ms[0])
	assert.Equal(t, RoleUser, ms[1].Role())
	assert.Equal(t, ToolMessage{Name: "search", ToolCallID: "c1", Content: "result"}, ms[3])

	err = json.Unmarshal([]byte(`[{"role": "narrator", "content": "x"}]`), &ms)
	assert.ErrorContains(t, err, "unknown role")
}

func TestFlattenMessages(t *testing.T) {
	prompt, err := FlattenMessages([]Message{
		SystemMessage{Content: "sys"},
		UserMessage{Content: "hi"},
		ToolMessage{Name: "calc", Content: "4"},
	})
	require.NoError(t, err)
	assert.Equal(t, "<|system|>\nsys\n<|user|>\nhi\n<|tool name=calc|>\n4\n<|assistant|>\n", prompt)

	_, err = FlattenMessages(nil)
	assert.Error(t, err)

	_, err = FlattenMessages([]Message{UserMessage{Content: "hi"}, SystemMessage{Content: "late"}})
	assert.ErrorContains(t, err, "system message must come first")
}
