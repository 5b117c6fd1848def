// Package conversation holds the per-session message log.
package conversation

import (
	"sync"

	"llamachat/internal/models"
)

// Log is an ordered, append-only list of messages that is never empty.
// It always starts with the seed message and Reset truncates back to it.
type Log struct {
	mu       sync.RWMutex
	seed     models.Message
	messages []models.Message
}

// NewLog creates a log holding only seed.
func NewLog(seed models.Message) *Log {
	return &Log{
		seed:     seed,
		messages: []models.Message{seed},
	}
}

// NewDefaultLog creates a log seeded with the assistant welcome message.
func NewDefaultLog() *Log {
	return NewLog(models.SeedMessage())
}

// Append adds msg at the end of the log.
func (l *Log) Append(msg models.Message) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()
}

// Reset replaces the log with the one-element seed.
func (l *Log) Reset() {
	l.mu.Lock()
	l.messages = []models.Message{l.seed}
	l.mu.Unlock()
}

// Restore replaces the content with msgs, e.g. when reloading a mirrored session.
// An empty slice is ignored so the log never becomes empty.
func (l *Log) Restore(msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}
	cloned := make([]models.Message, len(msgs))
	copy(cloned, msgs)
	l.mu.Lock()
	l.messages = cloned
	l.mu.Unlock()
}

// Messages returns a snapshot copy in insertion order.
func (l *Log) Messages() []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len reports the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Last returns the most recent message.
func (l *Log) Last() models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.messages[len(l.messages)-1]
}
