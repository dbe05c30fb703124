package server

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the author of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one chat turn. The concrete types are SystemMessage,
// UserMessage, AssistantMessage and ToolMessage.
type Message interface {
	Role() Role
	render(sb *strings.Builder)
}

type SystemMessage struct{ Content string }

type UserMessage struct{ Content string }

type AssistantMessage struct{ Content string }

// ToolMessage carries a tool result back to the model
type ToolMessage struct {
	Name       string
	ToolCallID string
	Content    string
}

func (SystemMessage) Role() Role    { return RoleSystem }
func (UserMessage) Role() Role      { return RoleUser }
func (AssistantMessage) Role() Role { return RoleAssistant }
func (ToolMessage) Role() Role      { return RoleTool }

func (m SystemMessage) render(sb *strings.Builder)    { turn(sb, RoleSystem, m.Content) }
func (m UserMessage) render(sb *strings.Builder)      { turn(sb, RoleUser, m.Content) }
func (m AssistantMessage) render(sb *strings.Builder) { turn(sb, RoleAssistant, m.Content) }

func (m ToolMessage) render(sb *strings.Builder) {
	header := string(RoleTool)
	if m.Name != "" {
		header += " name=" + m.Name
	}
	if m.ToolCallID != "" {
		header += " id=" + m.ToolCallID
	}
	fmt.Fprintf(sb, "<|%s|>\n%s\n", header, m.Content)
}

func turn(sb *strings.Builder, role Role, content string) {
	fmt.Fprintf(sb, "<|%s|>\n%s\n", role, content)
}

// wireMessage is the JSON form of a Message
type wireMessage struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Messages decodes a JSON array of chat turns into their typed variants
type Messages []Message

func (ms *Messages) UnmarshalJSON(b []byte) error {
	var wire []wireMessage
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}

	out := make(Messages, 0, len(wire))
	for i, w := range wire {
		switch w.Role {
		case RoleSystem:
			out = append(out, SystemMessage{Content: w.Content})
		case RoleUser:
			out = append(out, UserMessage{Content: w.Content})
		case RoleAssistant:
			out = append(out, AssistantMessage{Content: w.Content})
		case RoleTool:
			out = append(out, ToolMessage{Name: w.Name, ToolCallID: w.ToolCallID, Content: w.Content})
		default:
			return fmt.Errorf("message %d: unknown role %q", i, w.Role)
		}
	}
	*ms = out
	return nil
}

// FlattenMessages renders chat turns into a single prompt that ends with an
// open assistant turn.
func FlattenMessages(messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("messages must not be empty")
	}
	for i, m := range messages {
		if _, ok := m.(SystemMessage); ok && i > 0 {
			return "", fmt.Errorf("message %d: system message must come first", i)
		}
	}

	var sb strings.Builder
	for _, m := range messages {
		m.render(&sb)
	}
	fmt.Fprintf(&sb, "<|%s|>\n", RoleAssistant)
	return sb.String(), nil
}
