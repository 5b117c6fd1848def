// Package prompt turns a conversation into a single instruction payload and
// isolates SQL statements from raw model output.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"llamachat/internal/models"
)

// Mode selects the framing of the instruction payload.
type Mode string

const (
	ModeChat Mode = "chat"
	ModeSQL  Mode = "sql"
)

// Cue tokens mark where the model continues generating.
const (
	ChatCue = "Assistant:"
	SQLCue  = "SQL Query:"
)

const chatInstruction = "You are a helpful assistant. You do not respond as 'User' or pretend to be 'User'. " +
	"You only respond once as 'Assistant'."

const sqlInstruction = "You are a SQL generator. Translate the user's request into exactly one SQL statement " +
	"for the database schema below. Respond with the SQL statement only, without explanation or prose."

var ErrEmptyUtterance = errors.New("utterance cannot be empty")

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeChat:
		return ModeChat, nil
	case ModeSQL:
		return ModeSQL, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// BuildPrompt flattens history and the new utterance into one payload.
// history is the log as it was before utterance was submitted; sql mode ignores it.
func BuildPrompt(history []models.Message, utterance string, mode Mode, schema string) (string, error) {
	if strings.TrimSpace(utterance) == "" {
		return "", ErrEmptyUtterance
	}
	var b strings.Builder
	switch mode {
	case ModeChat:
		b.WriteString(chatInstruction)
		b.WriteString("\n\n")
		for _, msg := range history {
			if msg.Role == models.RoleUser {
				fmt.Fprintf(&b, "User: %s\n\n", msg.Content)
			} else {
				fmt.Fprintf(&b, "Assistant: %s\n\n", msg.Content)
			}
		}
		fmt.Fprintf(&b, "User: %s\n\n%s ", utterance, ChatCue)
	case ModeSQL:
		b.WriteString(sqlInstruction)
		b.WriteString("\n\nSchema:\n")
		b.WriteString(schema)
		fmt.Fprintf(&b, "\n\nRequest: %s\n\n%s ", utterance, SQLCue)
	default:
		return "", fmt.Errorf("unknown mode %q", mode)
	}
	return b.String(), nil
}
