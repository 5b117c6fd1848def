package models

import "time"

// Role tags who authored a message in the conversation log.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation log. Content never changes after append.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// WelcomeMessage seeds every new conversation log.
const WelcomeMessage = "How may I assist you today?"

// SeedMessage returns the assistant greeting every log starts with.
func SeedMessage() Message {
	return Message{Role: RoleAssistant, Content: WelcomeMessage}
}

// TurnRecord is one row of the turn transcript kept for operators.
type TurnRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt"`
	Raw       string    `json:"raw"`
	Reply     string    `json:"reply"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	CreatedAt time.Time `json:"created_at"`
}
