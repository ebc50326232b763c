// Package model defines the conversation types shared across assistchat packages.
// It has no dependencies on other assistchat packages.
package model

import "github.com/google/uuid"

// Role identifies who authored a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FallbackReply is the assistant Turn shown when a submission fails.
const FallbackReply = "Something went wrong. Try again."

// Turn is one message in a conversation log.
type Turn struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewTurn builds a Turn with a fresh random id.
func NewTurn(role Role, content string) Turn {
	return Turn{ID: uuid.NewString(), Role: role, Content: content}
}

// LastUserTurn returns the most recently appended user Turn in log.
func LastUserTurn(log []Turn) (Turn, bool) {
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Role == RoleUser {
			return log[i], true
		}
	}
	return Turn{}, false
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
