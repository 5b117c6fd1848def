// Package inference is the boundary to hosted model providers: prompt text and
// generation parameters in, a complete or streamed text response out.
package inference

import (
	"context"
	"iter"
	"strings"
)

// Input is the payload of one remote call.
type Input struct {
	Prompt            string
	Temperature       float64
	TopP              float64
	MaxLength         int
	RepetitionPenalty float64
}

// Invoker runs one remote inference call.
type Invoker interface {
	Invoke(ctx context.Context, modelID string, in Input) (*Response, error)
}

// Response is either a complete text value or a sequence of fragments that
// concatenate to the full text. Fragments are pulled sequentially, once.
type Response struct {
	text   string
	chunks iter.Seq2[string, error]
}

// Complete wraps a single text value.
func Complete(text string) *Response {
	return &Response{text: text}
}

// Chunked wraps a lazily produced fragment sequence.
func Chunked(seq iter.Seq2[string, error]) *Response {
	return &Response{chunks: seq}
}

// Fragments builds a chunked response from already known fragments.
func Fragments(parts ...string) *Response {
	return Chunked(func(yield func(string, error) bool) {
		for _, p := range parts {
			if !yield(p, nil) {
				return
			}
		}
	})
}

// IsChunked reports whether the response streams fragments.
func (r *Response) IsChunked() bool {
	return r != nil && r.chunks != nil
}

// Collect normalizes the response to one string. onChunk, when set, receives
// the accumulated text after every fragment. On a mid-stream error the text
// gathered so far is returned along with the error.
func (r *Response) Collect(onChunk func(string)) (string, error) {
	if r == nil {
		return "", nil
	}
	if r.chunks == nil {
		if onChunk != nil {
			onChunk(r.text)
		}
		return r.text, nil
	}
	var b strings.Builder
	for frag, err := range r.chunks {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
		if onChunk != nil {
			onChunk(b.String())
		}
	}
	return b.String(), nil
}
