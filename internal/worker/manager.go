// Package worker owns live sessions and runs each session's turns one at a
// time on its own goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"llamachat/internal/config"
	"llamachat/internal/conversation"
	"llamachat/internal/credential"
	"llamachat/internal/inference"
	"llamachat/internal/models"
	"llamachat/internal/pipeline"
	"llamachat/internal/prompt"
	"llamachat/internal/redis"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrCredentialRequired = errors.New("credentials required")
	ErrTurnInFlight       = errors.New("turn queue full")
	ErrInvalidRequest     = errors.New("invalid session request")
)

// InvokerFactory builds the backend for one session credential.
type InvokerFactory func(ctx context.Context, provider string, provCfg config.ProviderConfig, model, token string) (inference.Invoker, error)

// Options wire the manager. Config is required; everything else is optional.
type Options struct {
	Config   *config.Config
	Schema   string
	Recorder pipeline.Recorder
	Metrics  *pipeline.Metrics
	Redis    *redis.Client
	Cipher   *credential.Cipher
	Logger   *zap.Logger
	Factory  InvokerFactory
}

// SessionRequest describes a new session. Empty fields take config defaults.
type SessionRequest struct {
	Mode     string
	Provider string
	Model    string
	Token    string
	Params   *models.GenerationParams
}

// TurnRequest submits one utterance to a session.
type TurnRequest struct {
	Context   context.Context
	SessionID string
	Utterance string
	OnChunk   func(string)
}

type Manager struct {
	cfg        *config.Config
	schema     string
	recorder   pipeline.Recorder
	metrics    *pipeline.Metrics
	factory    InvokerFactory
	logger     *zap.Logger
	cache      *stateRedis
	instanceID string

	mu       sync.Mutex
	sessions map[string]*sessionState

	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New("config required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := opts.Factory
	if factory == nil {
		factory = inference.New
	}
	m := &Manager{
		cfg:        opts.Config,
		schema:     opts.Schema,
		recorder:   opts.Recorder,
		metrics:    opts.Metrics,
		factory:    factory,
		logger:     logger,
		cache:      newStateCache(opts.Redis, opts.Cipher, opts.Config.SessionTTL(), logger),
		instanceID: uuid.NewString(),
		sessions:   make(map[string]*sessionState),
		stopCh:     make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if err := m.cache.startListener(ctx, m.handleInvalidation); err != nil {
		cancel()
		return nil, fmt.Errorf("session invalidation listener: %w", err)
	}
	if ttl := opts.Config.SessionTTL(); ttl > 0 {
		go m.purgeLoop(ttl)
	}
	return m, nil
}

// ValidCredential applies the provider's token rule.
func (m *Manager) ValidCredential(provider, token string) bool {
	return credential.RuleFor(m.cfg.Provider(provider)).Valid(token)
}

// CreateSession registers a new session seeded with the welcome message.
// A session whose token fails the gate is created disabled.
func (m *Manager) CreateSession(ctx context.Context, req SessionRequest) (*models.Session, error) {
	modeName := req.Mode
	if modeName == "" {
		modeName = m.cfg.BasicConfig.Mode
	}
	mode, err := prompt.ParseMode(modeName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if mode == prompt.ModeSQL && strings.TrimSpace(m.schema) == "" {
		return nil, fmt.Errorf("%w: sql mode requires a schema", ErrInvalidRequest)
	}
	provider := req.Provider
	if provider == "" {
		provider = m.cfg.BasicConfig.Provider
	}
	if !inference.Supported(provider) {
		return nil, fmt.Errorf("%w: invalid provider %q", ErrInvalidRequest, provider)
	}
	fallbackModel := m.cfg.BasicConfig.Model
	if provider != m.cfg.BasicConfig.Provider {
		fallbackModel = ""
	}
	model := inference.ResolveModel(req.Model, m.cfg.Provider(provider), fallbackModel)
	if model == "" {
		return nil, fmt.Errorf("%w: model required for provider %s", ErrInvalidRequest, provider)
	}
	params := m.defaultParams()
	if req.Params != nil {
		params = *req.Params
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := time.Now().UTC()
	se := models.Session{
		ID:        uuid.NewString(),
		Mode:      string(mode),
		Provider:  provider,
		Model:     model,
		Params:    params,
		Enabled:   m.ValidCredential(provider, req.Token),
		CreatedAt: now,
		UpdatedAt: now,
	}
	state := newSessionState(se, req.Token, nil)

	m.mu.Lock()
	m.sessions[se.ID] = state
	m.mu.Unlock()
	go m.runSession(state)

	m.cache.storeSession(se, req.Token, state.log.Messages())
	m.logger.Info("session created",
		zap.String("session_id", se.ID),
		zap.String("mode", se.Mode),
		zap.String("provider", se.Provider),
		zap.String("model", se.Model),
		zap.Bool("enabled", se.Enabled),
	)
	return &se, nil
}

// Get returns the session metadata.
func (m *Manager) Get(id string) (*models.Session, error) {
	state, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	se := state.snapshot()
	return &se, nil
}

// Messages returns a snapshot of the session log.
func (m *Manager) Messages(id string) ([]models.Message, error) {
	state, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return state.log.Messages(), nil
}

// Submit queues one turn and waits for it. Turns of one session never overlap.
func (m *Manager) Submit(req TurnRequest) (*pipeline.Result, error) {
	state, err := m.lookup(req.SessionID)
	if err != nil {
		return nil, err
	}
	se := state.snapshot()
	if !se.Enabled {
		return nil, ErrCredentialRequired
	}
	if strings.TrimSpace(req.Utterance) == "" {
		return nil, prompt.ErrEmptyUtterance
	}
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}

	resultCh := make(chan workerReturn, 1)
	task := turnTask{
		ctx:       ctx,
		utterance: req.Utterance,
		params:    se.Params,
		onChunk:   req.OnChunk,
		resultCh:  resultCh,
	}
	select {
	case state.taskCh <- task:
	default:
		return nil, ErrTurnInFlight
	}

	select {
	case ret := <-resultCh:
		return ret.result, ret.err
	case <-state.stopCh:
		return nil, ErrSessionNotFound
	}
}

// Reset truncates the log back to the seed once any running turn finished.
func (m *Manager) Reset(id string) error {
	state, err := m.lookup(id)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	select {
	case state.resetCh <- done:
	case <-state.stopCh:
		return ErrSessionNotFound
	}
	<-done

	se, token := state.credential()
	m.cache.storeSession(se, token, state.log.Messages())
	m.cache.publishInvalidation(invalidateMessage{SessionID: id, Scope: scopeReset, Origin: m.instanceID})
	m.logger.Info("session reset", zap.String("session_id", id))
	return nil
}

// SetCredential replaces the session token and reports whether it passes the gate.
func (m *Manager) SetCredential(id, token string) (bool, error) {
	state, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	current := state.snapshot()
	enabled := m.ValidCredential(current.Provider, token)
	se := state.setCredential(token, enabled)
	m.mirror(state, se)
	if !enabled {
		m.logger.Warn("session credential rejected", zap.String("session_id", id), zap.String("provider", se.Provider))
	}
	return enabled, nil
}

// SetParams replaces the generation parameters used by later turns.
func (m *Manager) SetParams(id string, params models.GenerationParams) (models.GenerationParams, error) {
	if err := params.Validate(); err != nil {
		return models.GenerationParams{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	state, err := m.lookup(id)
	if err != nil {
		return models.GenerationParams{}, err
	}
	se := state.setParams(params)
	m.mirror(state, se)
	return se.Params, nil
}

// Delete ends a session here and on every instance sharing the mirror.
func (m *Manager) Delete(id string) error {
	state, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.dropLocal(id, state)
	m.cache.invalidateSession(id)
	m.cache.publishInvalidation(invalidateMessage{SessionID: id, Scope: scopeDelete, Origin: m.instanceID})
	m.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// Stop ends every session goroutine and background loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Lock()
		for id, state := range m.sessions {
			state.stop()
			delete(m.sessions, id)
		}
		m.mu.Unlock()
	})
}

func (m *Manager) defaultParams() models.GenerationParams {
	g := m.cfg.Generation
	if g == (config.GenerationConfig{}) {
		return models.DefaultParams()
	}
	return models.GenerationParams{
		Temperature:       g.Temperature,
		TopP:              g.TopP,
		MaxLength:         g.MaxLength,
		RepetitionPenalty: g.RepetitionPenalty,
	}
}

// lookup finds a live session, reloading it from the mirror when another
// instance created it.
func (m *Manager) lookup(id string) (*sessionState, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	m.mu.Lock()
	state, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		state.touch(time.Now())
		m.cache.refresh(id)
		return state, nil
	}

	se, token, history, found := m.cache.loadSession(id)
	if !found {
		return nil, ErrSessionNotFound
	}
	// the gate is re-applied so a token that could not be unsealed disables the session
	se.Enabled = m.ValidCredential(se.Provider, token)
	log := conversation.NewDefaultLog()
	log.Restore(history)
	loaded := newSessionState(se, token, log)

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	select {
	case <-m.stopCh:
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	default:
	}
	m.sessions[id] = loaded
	m.mu.Unlock()
	go m.runSession(loaded)
	m.logger.Debug("session loaded from mirror", zap.String("session_id", id))
	return loaded, nil
}

func (m *Manager) dropLocal(id string, state *sessionState) {
	m.mu.Lock()
	if current, ok := m.sessions[id]; ok && (state == nil || current == state) {
		delete(m.sessions, id)
		state = current
	}
	m.mu.Unlock()
	if state != nil {
		state.stop()
	}
}

func (m *Manager) mirror(state *sessionState, se models.Session) {
	_, token := state.credential()
	m.cache.storeSession(se, token, state.log.Messages())
	m.cache.publishInvalidation(invalidateMessage{SessionID: se.ID, Scope: scopeSession, Origin: m.instanceID})
}

func (m *Manager) handleInvalidation(msg invalidateMessage) {
	if msg.Origin == m.instanceID || msg.SessionID == "" {
		return
	}
	// the next access reloads from the mirror, or fails once it is deleted
	m.dropLocal(msg.SessionID, nil)
	m.logger.Debug("session invalidated by peer",
		zap.String("session_id", msg.SessionID),
		zap.String("scope", msg.Scope),
	)
}

func (m *Manager) runSession(state *sessionState) {
	for {
		select {
		case <-state.stopCh:
			return
		case <-m.stopCh:
			return
		case task := <-state.taskCh:
			m.handleTurn(state, task)
		case done := <-state.resetCh:
			state.log.Reset()
			close(done)
		}
	}
}

func (m *Manager) handleTurn(state *sessionState, task turnTask) {
	se, token := state.credential()
	pipe, err := m.ensurePipeline(task.ctx, state, se, token)
	if err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}
	res, err := pipe.Run(task.ctx, pipeline.Turn{
		SessionID: se.ID,
		Log:       state.log,
		Utterance: task.utterance,
		Params:    task.params,
		OnChunk:   task.onChunk,
	})
	state.touch(time.Now())
	if err == nil {
		m.cache.storeHistory(se.ID, state.log.Messages())
		m.cache.publishInvalidation(invalidateMessage{SessionID: se.ID, Scope: scopeSession, Origin: m.instanceID})
	}
	task.resultCh <- workerReturn{result: res, err: err}
}

// ensurePipeline rebuilds the backend when provider, model or token changed.
func (m *Manager) ensurePipeline(ctx context.Context, state *sessionState, se models.Session, token string) (*pipeline.Pipeline, error) {
	key := se.Provider + "\x00" + se.Model + "\x00" + token
	if state.pipe != nil && state.pipeKey == key {
		return state.pipe, nil
	}
	inv, err := m.factory(ctx, se.Provider, m.cfg.Provider(se.Provider), se.Model, token)
	if err != nil {
		return nil, fmt.Errorf("build %s backend: %w", se.Provider, err)
	}
	pipe, err := pipeline.New(pipeline.Options{
		Invoker:  inv,
		Mode:     prompt.Mode(se.Mode),
		Schema:   m.schema,
		Provider: se.Provider,
		Model:    se.Model,
		Recorder: m.recorder,
		Metrics:  m.metrics,
		Logger:   m.logger,
	})
	if err != nil {
		return nil, err
	}
	state.pipe = pipe
	state.pipeKey = key
	return pipe, nil
}

func (m *Manager) purgeLoop(ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.purgeIdle(now, ttl)
		}
	}
}

// purgeIdle drops in-memory sessions unused for ttl. Mirrored copies expire on their own.
func (m *Manager) purgeIdle(now time.Time, ttl time.Duration) int {
	var idle []*sessionState
	m.mu.Lock()
	for id, state := range m.sessions {
		if state.idleSince(now) >= ttl {
			delete(m.sessions, id)
			idle = append(idle, state)
		}
	}
	m.mu.Unlock()
	for _, state := range idle {
		state.stop()
		m.logger.Info("idle session purged", zap.String("session_id", state.snapshot().ID))
	}
	return len(idle)
}
