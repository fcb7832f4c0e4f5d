package chat

import "strings"

// Role is the speaker of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole maps a wire role onto a Role. Unknown roles are treated as user.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSystem:
		return RoleSystem
	case RoleAssistant:
		return RoleAssistant
	default:
		return RoleUser
	}
}

// Message is one chat turn. Treat values as immutable once built.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func NewMessage(role Role, content string) Message { return Message{Role: role, Content: content} }
func SystemMessage(content string) Message         { return NewMessage(RoleSystem, content) }
func UserMessage(content string) Message           { return NewMessage(RoleUser, content) }
func AssistantMessage(content string) Message      { return NewMessage(RoleAssistant, content) }
