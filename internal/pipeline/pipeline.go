// Package pipeline runs one conversation turn: prompt assembly, the remote
// call, SQL extraction and the log update.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"llamachat/internal/conversation"
	"llamachat/internal/inference"
	"llamachat/internal/models"
	"llamachat/internal/prompt"

	"go.uber.org/zap"
)

// Replies appended to the log when a turn fails.
const (
	FallbackProvider   = "I'm sorry, but I couldn't process your request at the moment."
	FallbackUnexpected = "I'm sorry, something went wrong."
)

// Recorder persists turn transcripts.
type Recorder interface {
	RecordTurn(ctx context.Context, rec *models.TurnRecord) error
}

// Options configure a Pipeline. Invoker is required.
type Options struct {
	Invoker  inference.Invoker
	Mode     prompt.Mode
	Schema   string
	Provider string
	Model    string
	Recorder Recorder
	Metrics  *Metrics
	Logger   *zap.Logger
}

// Pipeline executes turns against one backend in one mode.
type Pipeline struct {
	invoker  inference.Invoker
	mode     prompt.Mode
	schema   string
	provider string
	model    string
	recorder Recorder
	metrics  *Metrics
	logger   *zap.Logger
}

// Turn is the input of Run.
type Turn struct {
	SessionID string
	Log       *conversation.Log
	Utterance string
	Params    models.GenerationParams
	// OnChunk receives the accumulated response text while it streams.
	OnChunk func(string)
}

// Result describes what Run appended to the log.
type Result struct {
	// Reply is the assistant message appended to the log.
	Reply string
	// Raw is the unprocessed model output.
	Raw string
	// Notice is a displayable error message, empty on success.
	Notice string
	Kind   inference.Kind
}

// Failed reports whether the reply is a fallback.
func (r *Result) Failed() bool {
	return r.Kind != inference.KindNone
}

// New creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Invoker == nil {
		return nil, errors.New("invoker is required")
	}
	switch opts.Mode {
	case prompt.ModeChat:
	case prompt.ModeSQL:
		if strings.TrimSpace(opts.Schema) == "" {
			return nil, errors.New("sql mode requires a schema")
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		invoker:  opts.Invoker,
		mode:     opts.Mode,
		schema:   opts.Schema,
		provider: opts.Provider,
		model:    opts.Model,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		logger:   logger,
	}, nil
}

// Mode returns the prompt mode of the pipeline.
func (p *Pipeline) Mode() prompt.Mode {
	return p.mode
}

// Run submits one utterance. The log grows by exactly two messages unless the
// utterance is rejected, in which case it is left untouched and an error is
// returned. Remote failures are not errors: they show up in Result.Kind and
// the fallback reply is appended.
func (p *Pipeline) Run(ctx context.Context, turn Turn) (*Result, error) {
	if turn.Log == nil {
		return nil, errors.New("conversation log is required")
	}
	text, err := prompt.BuildPrompt(turn.Log.Messages(), turn.Utterance, p.mode, p.schema)
	if err != nil {
		return nil, err
	}
	turn.Log.Append(models.Message{Role: models.RoleUser, Content: turn.Utterance})

	logger := p.logger.With(zap.String("session_id", turn.SessionID), zap.String("mode", string(p.mode)))
	start := time.Now()
	raw, callErr := p.generate(ctx, text, turn)
	elapsed := time.Since(start)

	res := &Result{Raw: raw}
	if callErr != nil {
		res.Kind = inference.Classify(callErr)
		res.Reply = fallbackFor(res.Kind)
		res.Notice = p.notice(res.Kind, callErr)
		logger.Error("inference failed",
			zap.String("provider", p.provider),
			zap.String("kind", string(res.Kind)),
			zap.Error(callErr),
		)
	} else {
		res.Reply = p.postProcess(raw, logger)
	}
	turn.Log.Append(models.Message{Role: models.RoleAssistant, Content: res.Reply})

	p.observe(res, elapsed)
	p.record(ctx, turn.SessionID, text, res, callErr, elapsed, logger)
	return res, nil
}

func (p *Pipeline) generate(ctx context.Context, text string, turn Turn) (string, error) {
	resp, err := p.invoker.Invoke(ctx, p.model, inference.Input{
		Prompt:            text,
		Temperature:       turn.Params.Temperature,
		TopP:              turn.Params.TopP,
		MaxLength:         turn.Params.MaxLength,
		RepetitionPenalty: turn.Params.RepetitionPenalty,
	})
	if err != nil {
		return "", err
	}
	return resp.Collect(turn.OnChunk)
}

func (p *Pipeline) postProcess(raw string, logger *zap.Logger) string {
	if p.mode != prompt.ModeSQL {
		return raw
	}
	stmt, ok := prompt.MatchSQL(raw)
	if p.metrics != nil {
		result := "matched"
		if !ok {
			result = "fallback"
		}
		p.metrics.sqlExtraction.WithLabelValues(result).Inc()
	}
	if !ok {
		logger.Warn("no terminated sql statement in model output, returning raw text",
			zap.Int("raw_len", len(raw)),
		)
	}
	return stmt
}

func (p *Pipeline) notice(kind inference.Kind, err error) string {
	if kind == inference.KindProvider {
		name := p.provider
		if name == "" {
			name = "Provider"
		}
		return fmt.Sprintf("%s API error: %v", name, err)
	}
	return fmt.Sprintf("An unexpected error occurred: %v", err)
}

func (p *Pipeline) observe(res *Result, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	outcome := "ok"
	if res.Failed() {
		outcome = string(res.Kind)
	}
	p.metrics.turns.WithLabelValues(string(p.mode), p.provider, outcome).Inc()
	p.metrics.duration.WithLabelValues(string(p.mode), p.provider).Observe(elapsed.Seconds())
}

func (p *Pipeline) record(ctx context.Context, sessionID, text string, res *Result, callErr error, elapsed time.Duration, logger *zap.Logger) {
	if p.recorder == nil || sessionID == "" {
		return
	}
	rec := &models.TurnRecord{
		SessionID: sessionID,
		Mode:      string(p.mode),
		Provider:  p.provider,
		Model:     p.model,
		Prompt:    text,
		Raw:       res.Raw,
		Reply:     res.Reply,
		ErrorKind: string(res.Kind),
		Duration:  elapsed.Milliseconds(),
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	// the turn is already complete; a cancelled request must not lose the row
	if err := p.recorder.RecordTurn(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("record turn failed", zap.Error(err))
	}
}

func fallbackFor(kind inference.Kind) string {
	if kind == inference.KindProvider {
		return FallbackProvider
	}
	return FallbackUnexpected
}
