package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"llamachat/internal/config"
)

// chatModelInvoker sends the flattened prompt as one user message to a chat model.
type chatModelInvoker struct {
	provider  string
	chatModel model.BaseChatModel
}

func newChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig, modelName, token string) (model.ToolCallingChatModel, error) {
	if modelName == "" {
		modelName = provCfg.Model
	}
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  token,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: token,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    token,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// NewChatModelInvoker builds an invoker backed by an eino chat model.
func NewChatModelInvoker(ctx context.Context, provider string, provCfg config.ProviderConfig, modelName, token string) (Invoker, error) {
	cm, err := newChatModel(ctx, provider, provCfg, modelName, token)
	if err != nil {
		return nil, err
	}
	return &chatModelInvoker{provider: provider, chatModel: cm}, nil
}

func (c *chatModelInvoker) Invoke(ctx context.Context, modelID string, in Input) (*Response, error) {
	opts := []model.Option{
		model.WithTemperature(float32(in.Temperature)),
		model.WithTopP(float32(in.TopP)),
	}
	if in.MaxLength > 0 {
		opts = append(opts, model.WithMaxTokens(in.MaxLength))
	}
	if modelID != "" {
		opts = append(opts, model.WithModel(modelID))
	}
	reader, err := c.chatModel.Stream(ctx, []*schema.Message{schema.UserMessage(in.Prompt)}, opts...)
	if err != nil {
		return nil, mapChatModelError(c.provider, err)
	}
	return Chunked(func(yield func(string, error) bool) {
		defer reader.Close()
		for {
			chunk, err := reader.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", mapChatModelError(c.provider, err))
				return
			}
			if chunk == nil {
				continue
			}
			if !yield(chunk.Content, nil) {
				return
			}
		}
	}), nil
}

// mapChatModelError classifies adapter errors. The adapters only expose
// provider failures as formatted messages, so status codes are sniffed from the text.
func mapChatModelError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &UnexpectedError{Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "dial tcp"):
		return &UnexpectedError{Err: err}
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "api key"):
		return NewProviderError(ErrCodeAuthentication, provider+" rejected the credentials", err)
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return NewProviderError(ErrCodeRateLimit, provider+" rate limit exceeded", err)
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"):
		return NewProviderError(ErrCodeModelNotFound, provider+" model not found", err)
	case strings.Contains(msg, "400"), strings.Contains(msg, "invalid"):
		return NewProviderError(ErrCodeInvalidRequest, provider+" rejected the request", err)
	default:
		return NewProviderError(ErrCodeServerError, provider+" error", err)
	}
}
