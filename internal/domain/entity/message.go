package entity

import (
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one entry in a session's append-only conversation log.
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Signal     *Signal        `json:"signal,omitempty"`
	TokenCount int            `json:"token_count"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// IsToolResult reports whether the message carries a tool execution result.
func (m Message) IsToolResult() bool {
	return m.Role == RoleTool && m.ToolCallID != ""
}

// Session is the unit of conversation ownership. Messages are append-only;
// the owning session task is the sole writer (reads from other goroutines go
// through the session registry).
type Session struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Messages   []Message `json:"messages"`
	TokenUsage int       `json:"token_usage"`
	Workspace  string    `json:"workspace"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
}

// Append adds a message and accumulates its token count.
func (s *Session) Append(m Message) {
	s.Messages = append(s.Messages, m)
	s.TokenUsage += m.TokenCount
}

// LastN returns up to n most recent messages, newest last.
func (s *Session) LastN(n int) []Message {
	if n <= 0 || len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}
