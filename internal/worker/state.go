package worker

import (
	"context"
	"sync"
	"time"

	"llamachat/internal/conversation"
	"llamachat/internal/models"
	"llamachat/internal/pipeline"
)

const queueLen = 4

type turnTask struct {
	ctx       context.Context
	utterance string
	params    models.GenerationParams
	onChunk   func(string)
	resultCh  chan workerReturn
}

type workerReturn struct {
	result *pipeline.Result
	err    error
}

// sessionState is everything one session owns. The log is mutated only by
// the session goroutine; metadata is guarded by mu.
type sessionState struct {
	mu       sync.RWMutex
	session  models.Session
	token    string
	lastUsed time.Time

	log *conversation.Log

	// pipeline built for the credential in pipeKey; only touched by the session goroutine
	pipe    *pipeline.Pipeline
	pipeKey string

	taskCh   chan turnTask
	resetCh  chan chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newSessionState(se models.Session, token string, log *conversation.Log) *sessionState {
	if log == nil {
		log = conversation.NewDefaultLog()
	}
	return &sessionState{
		session:  se,
		token:    token,
		lastUsed: time.Now(),
		log:      log,
		taskCh:   make(chan turnTask, queueLen),
		resetCh:  make(chan chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

func (s *sessionState) snapshot() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

func (s *sessionState) credential() (se models.Session, token string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.token
}

func (s *sessionState) setCredential(token string, enabled bool) models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.session.Enabled = enabled
	s.session.UpdatedAt = time.Now().UTC()
	return s.session
}

func (s *sessionState) setParams(params models.GenerationParams) models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Params = params
	s.session.UpdatedAt = time.Now().UTC()
	return s.session
}

func (s *sessionState) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *sessionState) idleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastUsed)
}

func (s *sessionState) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *sessionState) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
