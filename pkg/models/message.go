// Package models provides domain records shared across the control plane.
package models

import (
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single entry in a session transcript.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Session is a conversation thread owned by an agent. Delegation inboxes and
// operator notices are ordinary sessions addressed by Key.
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Key       string         `json:"key"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Summary returns the message content trimmed to max runes, with a trailing
// ellipsis when truncated. Whitespace runs are collapsed first so multi-line
// transcripts summarize to a single line.
func (m Message) Summary(max int) string {
	text := strings.Join(strings.Fields(m.Content), " ")
	if max <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
