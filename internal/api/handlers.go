package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"llamachat/internal/config"
	"llamachat/internal/models"
	"llamachat/internal/pipeline"
	"llamachat/internal/prompt"
	"llamachat/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionManager is the part of worker.Manager the handlers use.
type SessionManager interface {
	ValidCredential(provider, token string) bool
	CreateSession(ctx context.Context, req worker.SessionRequest) (*models.Session, error)
	Get(id string) (*models.Session, error)
	Messages(id string) ([]models.Message, error)
	Submit(req worker.TurnRequest) (*pipeline.Result, error)
	Reset(id string) error
	SetCredential(id, token string) (bool, error)
	SetParams(id string, params models.GenerationParams) (models.GenerationParams, error)
	Delete(id string) error
}

// TurnStore reads and prunes the transcript store.
type TurnStore interface {
	ListTurns(ctx context.Context, sessionID string, limit int) ([]models.TurnRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Handler wires HTTP routes to the session manager.
type Handler struct {
	sessions        SessionManager
	turns           TurnStore
	logger          *zap.Logger
	streamTimeout   time.Duration
	defaultProvider string
}

// NewHandler constructs a Handler. turns may be nil when transcripts are disabled.
func NewHandler(sessions SessionManager, turns TurnStore, cfg *config.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.StreamTimeout()
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Handler{
		sessions:        sessions,
		turns:           turns,
		logger:          logger,
		streamTimeout:   timeout,
		defaultProvider: cfg.BasicConfig.Provider,
	}
}

// RegisterRoutes attaches all API routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/credentials/check", h.checkCredential)
	api.POST("/sessions", h.createSession)

	se := api.Group("/sessions/:id")
	se.GET("", h.getSession)
	se.DELETE("", h.deleteSession)
	se.PUT("/credential", h.setCredential)
	se.PUT("/params", h.setParams)
	se.POST("/reset", h.resetSession)
	se.GET("/turns", h.listTurns)
	se.POST("/messages", h.requireCredential(), h.sendMessage)
}

type messageView struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
	// Format is "code" for assistant messages of sql sessions, "text" otherwise.
	Format string `json:"format"`
}

func viewMessage(mode string, msg models.Message) messageView {
	format := "text"
	if mode == string(prompt.ModeSQL) && msg.Role == models.RoleAssistant {
		format = "code"
	}
	return messageView{Role: msg.Role, Content: msg.Content, Format: format}
}

func viewMessages(mode string, msgs []models.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, viewMessage(mode, msg))
	}
	return out
}

func (h *Handler) checkCredential(c *gin.Context) {
	var req struct {
		Provider string `json:"provider"`
		Token    string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = h.defaultProvider
	}
	c.JSON(http.StatusOK, gin.H{"enabled": h.sessions.ValidCredential(provider, req.Token)})
}

func (h *Handler) createSession(c *gin.Context) {
	var req struct {
		Mode     string                   `json:"mode"`
		Provider string                   `json:"provider"`
		Model    string                   `json:"model"`
		Token    string                   `json:"token"`
		Params   *models.GenerationParams `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	se, err := h.sessions.CreateSession(c.Request.Context(), worker.SessionRequest{
		Mode:     strings.TrimSpace(req.Mode),
		Provider: strings.TrimSpace(req.Provider),
		Model:    strings.TrimSpace(req.Model),
		Token:    strings.TrimSpace(req.Token),
		Params:   req.Params,
	})
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	msgs, err := h.sessions.Messages(se.ID)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session":  se,
		"messages": viewMessages(se.Mode, msgs),
	})
}

func (h *Handler) getSession(c *gin.Context) {
	id := c.Param("id")
	se, err := h.sessions.Get(id)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	msgs, err := h.sessions.Messages(id)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  se,
		"messages": viewMessages(se.Mode, msgs),
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.Delete(id); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if h.turns != nil {
		if err := h.turns.DeleteSession(c.Request.Context(), id); err != nil {
			h.logger.Warn("delete transcripts failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) setCredential(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	enabled, err := h.sessions.SetCredential(c.Param("id"), strings.TrimSpace(req.Token))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (h *Handler) setParams(c *gin.Context) {
	id := c.Param("id")
	se, err := h.sessions.Get(id)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	// omitted fields keep their current value
	req := se.Params
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	params, err := h.sessions.SetParams(id, req)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"params": params})
}

func (h *Handler) resetSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.Reset(id); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	se, err := h.sessions.Get(id)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	msgs, _ := h.sessions.Messages(id)
	c.JSON(http.StatusOK, gin.H{"messages": viewMessages(se.Mode, msgs)})
}

func (h *Handler) listTurns(c *gin.Context) {
	if h.turns == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transcripts not configured"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	turns, err := h.turns.ListTurns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.logger.Error("list turns failed", zap.String("session_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list turns failed"})
		return
	}
	if turns == nil {
		turns = make([]models.TurnRecord, 0)
	}
	c.JSON(http.StatusOK, gin.H{"turns": turns})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// sseStream serializes event writes; chunks arrive from the session goroutine
// and must stop once the handler returned.
type sseStream struct {
	mu      sync.Mutex
	c       *gin.Context
	flusher http.Flusher
	closed  bool
}

func (s *sseStream) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	if _, err := fmt.Fprintf(s.c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (h *Handler) sendMessage(c *gin.Context) {
	id := c.Param("id")
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": prompt.ErrEmptyUtterance.Error()})
		return
	}
	se, err := h.sessions.Get(id)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	// the turn outlives a disconnected client, bounded by the stream timeout
	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.streamTimeout)
	defer cancel()
	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	stream := &sseStream{c: c, flusher: flusher}
	defer stream.close()

	userMsg := models.Message{Role: models.RoleUser, Content: req.Content}
	if err := stream.send("ack", gin.H{"message": viewMessage(se.Mode, userMsg)}); err != nil {
		return
	}

	res, err := h.sessions.Submit(worker.TurnRequest{
		Context:   streamCtx,
		SessionID: id,
		Utterance: req.Content,
		OnChunk: func(text string) {
			// a gone client must not abort the turn; the reply still lands in the log
			_ = stream.send("stream", gin.H{"content": text})
		},
	})
	if err != nil {
		h.logger.Warn("submit turn failed", zap.String("session_id", id), zap.Error(err))
		_ = stream.send("error", gin.H{"message": err.Error(), "status": errorStatus(err)})
		return
	}
	if res.Failed() {
		_ = stream.send("error", gin.H{"message": res.Notice, "kind": res.Kind})
	}
	_ = stream.send("done", gin.H{
		"message": viewMessage(se.Mode, models.Message{Role: models.RoleAssistant, Content: res.Reply}),
		"raw":     res.Raw,
		"kind":    res.Kind,
	})
}

func isEmptyUtterance(err error) bool {
	return errors.Is(err, prompt.ErrEmptyUtterance)
}
