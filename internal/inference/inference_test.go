package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/replicate/replicate-go"

	"llamachat/internal/config"
)

func TestCollectComplete(t *testing.T) {
	var seen []string
	got, err := Complete("hello").Collect(func(s string) { seen = append(seen, s) })
	if err != nil || got != "hello" {
		t.Fatalf("Collect: %q %v", got, err)
	}
	if len(seen) != 1 || seen[0] != "hello" {
		t.Fatalf("unexpected callbacks: %v", seen)
	}
}

func TestCollectChunkedAccumulates(t *testing.T) {
	resp := Fragments("SELECT ", "a FROM b;", " trailing")
	if !resp.IsChunked() {
		t.Fatalf("expected chunked response")
	}
	var seen []string
	got, err := resp.Collect(func(s string) { seen = append(seen, s) })
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got != "SELECT a FROM b; trailing" {
		t.Fatalf("unexpected text %q", got)
	}
	want := []string{"SELECT ", "SELECT a FROM b;", "SELECT a FROM b; trailing"}
	if strings.Join(seen, "|") != strings.Join(want, "|") {
		t.Fatalf("callbacks %q, want %q", seen, want)
	}
}

func TestCollectStopsOnStreamError(t *testing.T) {
	boom := errors.New("boom")
	resp := Chunked(func(yield func(string, error) bool) {
		if !yield("partial ", nil) {
			return
		}
		yield("", boom)
	})
	got, err := resp.Collect(nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got != "partial " {
		t.Fatalf("expected partial text, got %q", got)
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != KindNone {
		t.Fatalf("nil should classify as none")
	}
	pe := NewProviderError(ErrCodeRateLimit, "slow down", nil)
	if Classify(fmt.Errorf("wrapped: %w", pe)) != KindProvider {
		t.Fatalf("wrapped provider error not detected")
	}
	if Classify(errors.New("dial tcp: refused")) != KindUnexpected {
		t.Fatalf("plain error should be unexpected")
	}
	if Classify(&UnexpectedError{Err: context.Canceled}) != KindUnexpected {
		t.Fatalf("unexpected error misclassified")
	}
}

func TestMapReplicateError(t *testing.T) {
	err := mapReplicateError(&replicate.APIError{Status: 401, Detail: "bad token"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code != ErrCodeAuthentication || pe.Message != "bad token" {
		t.Fatalf("unexpected mapping: %#v", err)
	}
	err = mapReplicateError(&replicate.APIError{Status: 503})
	if !errors.As(err, &pe) || pe.Code != ErrCodeServerError {
		t.Fatalf("expected server error, got %#v", err)
	}
	if Classify(mapReplicateError(errors.New("connection reset"))) != KindUnexpected {
		t.Fatalf("transport errors must be unexpected")
	}
}

func TestMapChatModelError(t *testing.T) {
	cases := map[string]string{
		"status 401: invalid api key":  ErrCodeAuthentication,
		"429 Too Many Requests":        ErrCodeRateLimit,
		"model gpt-x not found":        ErrCodeModelNotFound,
		"internal failure from server": ErrCodeServerError,
	}
	for msg, code := range cases {
		var pe *ProviderError
		if err := mapChatModelError("openai", errors.New(msg)); !errors.As(err, &pe) || pe.Code != code {
			t.Fatalf("%q mapped to %#v, want code %s", msg, err, code)
		}
	}
	if Classify(mapChatModelError("openai", errors.New("dial tcp 1.2.3.4:443: connection refused"))) != KindUnexpected {
		t.Fatalf("network failure must be unexpected")
	}
	if Classify(mapChatModelError("openai", context.DeadlineExceeded)) != KindUnexpected {
		t.Fatalf("deadline must be unexpected")
	}
}

func TestResponseFromOutput(t *testing.T) {
	cases := []struct {
		output  any
		want    string
		chunked bool
	}{
		{nil, "", false},
		{"single", "single", false},
		{[]any{"a", "b", nil, 3}, "ab3", true},
		{[]string{"x", "y"}, "xy", true},
		{map[string]any{"k": 1}, "map[k:1]", false},
	}
	for _, tc := range cases {
		resp := responseFromOutput(tc.output)
		if resp.IsChunked() != tc.chunked {
			t.Fatalf("%v: chunked=%v", tc.output, resp.IsChunked())
		}
		got, err := resp.Collect(nil)
		if err != nil || got != tc.want {
			t.Fatalf("%v: got %q %v, want %q", tc.output, got, err, tc.want)
		}
	}
}

func TestMockDefaultReplies(t *testing.T) {
	m := NewMock()
	resp, err := m.Invoke(context.Background(), "mock", Input{Prompt: "Request: users\n\nSQL Query: "})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	text, _ := resp.Collect(nil)
	if !strings.Contains(text, "SELECT 1;") {
		t.Fatalf("unexpected sql reply %q", text)
	}
	resp, _ = m.Invoke(context.Background(), "mock", Input{Prompt: "instr\n\nUser: hi there\n\nAssistant: "})
	text, _ = resp.Collect(nil)
	if text != "You said: hi there" {
		t.Fatalf("unexpected echo %q", text)
	}
	if len(m.Calls()) != 2 {
		t.Fatalf("expected 2 recorded calls")
	}
}

func TestMockStreamError(t *testing.T) {
	m := &Mock{Reply: "one two three", StreamErr: NewProviderError(ErrCodeServerError, "dropped", nil)}
	resp, err := m.Invoke(context.Background(), "mock", Input{Prompt: "x"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	text, err := resp.Collect(nil)
	if Classify(err) != KindProvider || text != "one " {
		t.Fatalf("expected provider stream error after first word, got %q %v", text, err)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), "carrier-pigeon", configZero, "", ""); err == nil {
		t.Fatalf("expected error")
	}
	inv, err := New(context.Background(), "mock", configZero, "", "")
	if err != nil || inv == nil {
		t.Fatalf("mock provider: %v", err)
	}
}

var configZero = config.ProviderConfig{}

func TestResolveModel(t *testing.T) {
	prov := config.ProviderConfig{Model: "provider/default"}
	if got := ResolveModel("Meta LLaMA-2 7B Chat", prov, "x"); got != DefaultReplicateModel {
		t.Fatalf("display name not mapped: %s", got)
	}
	if got := ResolveModel("custom/model", prov, "x"); got != "custom/model" {
		t.Fatalf("explicit model not kept: %s", got)
	}
	if got := ResolveModel("", prov, "x"); got != "provider/default" {
		t.Fatalf("provider default not used: %s", got)
	}
	if got := ResolveModel("", configZero, "x"); got != "x" {
		t.Fatalf("fallback not used: %s", got)
	}
	if !Supported("replicate") || Supported("carrier-pigeon") {
		t.Fatalf("unexpected provider support")
	}
}
