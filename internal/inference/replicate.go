package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/replicate/replicate-go"
)

// DefaultReplicateModel is used when neither the session nor the config names a model.
const DefaultReplicateModel = "meta/meta-llama-3.1-405b-instruct"

type replicateInvoker struct {
	client *replicate.Client
}

// NewReplicate builds an invoker for models hosted on Replicate.
func NewReplicate(token, baseURL string) (Invoker, error) {
	opts := []replicate.ClientOption{replicate.WithToken(token)}
	if baseURL != "" {
		opts = append(opts, replicate.WithBaseURL(baseURL))
	}
	client, err := replicate.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("replicate client: %w", err)
	}
	return &replicateInvoker{client: client}, nil
}

func (r *replicateInvoker) Invoke(ctx context.Context, modelID string, in Input) (*Response, error) {
	if modelID == "" {
		modelID = DefaultReplicateModel
	}
	input := replicate.PredictionInput{
		"prompt":             in.Prompt,
		"temperature":        in.Temperature,
		"top_p":              in.TopP,
		"max_length":         in.MaxLength,
		"repetition_penalty": in.RepetitionPenalty,
	}
	output, err := r.client.Run(ctx, modelID, input, nil)
	if err != nil {
		return nil, mapReplicateError(err)
	}
	return responseFromOutput(output), nil
}

// responseFromOutput turns prediction output into a response. Language models
// return an array of text fragments; anything else is treated as one value.
func responseFromOutput(output any) *Response {
	switch v := output.(type) {
	case nil:
		return Complete("")
	case string:
		return Complete(v)
	case []string:
		return Fragments(v...)
	case []any:
		return Chunked(func(yield func(string, error) bool) {
			for _, item := range v {
				var frag string
				if s, ok := item.(string); ok {
					frag = s
				} else if item != nil {
					frag = fmt.Sprint(item)
				}
				if !yield(frag, nil) {
					return
				}
			}
		})
	default:
		return Complete(fmt.Sprint(v))
	}
}

func mapReplicateError(err error) error {
	var apiErr *replicate.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Detail
		if msg == "" {
			msg = "replicate request failed"
		}
		return NewProviderError(codeForStatus(apiErr.Status), msg, err)
	}
	// failed predictions, transport and context errors
	return &UnexpectedError{Err: err}
}
