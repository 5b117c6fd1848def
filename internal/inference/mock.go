package inference

import (
	"context"
	"strings"
	"sync"
)

// Mock is an offline invoker. With no Reply set it answers deterministically:
// a short SQL statement for SQL prompts, an echo otherwise.
type Mock struct {
	Reply string
	// Err fails the call before any output.
	Err error
	// StreamErr fails the stream after the first fragment.
	StreamErr error
	// Single returns a complete value instead of word fragments.
	Single bool

	mu    sync.Mutex
	calls []Input
}

// NewMock returns a mock invoker with default behavior.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Invoke(ctx context.Context, modelID string, in Input) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, in)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &UnexpectedError{Err: err}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	reply := m.Reply
	if reply == "" {
		reply = defaultMockReply(in.Prompt)
	}
	if m.Single {
		return Complete(reply), nil
	}
	words := strings.SplitAfter(reply, " ")
	streamErr := m.StreamErr
	return Chunked(func(yield func(string, error) bool) {
		for i, w := range words {
			if i == 1 && streamErr != nil {
				yield("", streamErr)
				return
			}
			if !yield(w, nil) {
				return
			}
		}
	}), nil
}

// Calls returns the inputs received so far.
func (m *Mock) Calls() []Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Input, len(m.calls))
	copy(out, m.calls)
	return out
}

func defaultMockReply(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if strings.HasSuffix(trimmed, "SQL Query:") {
		return "Here is the query:\nSELECT 1;\nLet me know if you need more."
	}
	request := trimmed
	if idx := strings.LastIndex(request, "User: "); idx >= 0 {
		request = request[idx+len("User: "):]
	}
	request = strings.TrimSpace(strings.TrimSuffix(request, "Assistant:"))
	return "You said: " + request
}
