package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"llamachat/internal/config"
	"llamachat/internal/inference"
	"llamachat/internal/models"
	"llamachat/internal/pipeline"
	"llamachat/internal/prompt"
)

const validToken = "r8_0123456789abcdefghijklmnopqrstuvwxyz0"

func testConfig() *config.Config {
	return &config.Config{
		BasicConfig: config.BasicConfig{
			Mode:     "chat",
			Provider: "replicate",
			Model:    inference.DefaultReplicateModel,
		},
		Generation: config.GenerationConfig{Temperature: 0.1, TopP: 0.9, MaxLength: 50, RepetitionPenalty: 1},
		Providers: map[string]config.ProviderConfig{
			"replicate": {TokenPrefix: "r8_", TokenLength: 40},
		},
	}
}

type factoryRecorder struct {
	mu     sync.Mutex
	builds []string
	inv    inference.Invoker
	err    error
}

func (f *factoryRecorder) build(ctx context.Context, provider string, provCfg config.ProviderConfig, model, token string) (inference.Invoker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, provider+"|"+model+"|"+token)
	if f.err != nil {
		return nil, f.err
	}
	return f.inv, nil
}

func (f *factoryRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.builds)
}

func newTestManager(t *testing.T, inv inference.Invoker, schema string) (*Manager, *factoryRecorder) {
	t.Helper()
	if inv == nil {
		inv = inference.NewMock()
	}
	fr := &factoryRecorder{inv: inv}
	m, err := NewManager(Options{Config: testConfig(), Schema: schema, Factory: fr.build})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, fr
}

func TestCreateSessionDefaults(t *testing.T) {
	m, _ := newTestManager(t, nil, "")
	se, err := m.CreateSession(context.Background(), SessionRequest{Token: validToken})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if se.ID == "" || se.Mode != "chat" || se.Provider != "replicate" || se.Model != inference.DefaultReplicateModel {
		t.Fatalf("unexpected session: %+v", se)
	}
	if !se.Enabled {
		t.Fatalf("valid token should enable the session")
	}
	if se.Params != models.DefaultParams() {
		t.Fatalf("unexpected params: %+v", se.Params)
	}
	msgs, err := m.Messages(se.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0] != models.SeedMessage() {
		t.Fatalf("new session should hold only the seed: %+v", msgs)
	}
}

func TestCreateSessionRejectsInvalidRequests(t *testing.T) {
	m, _ := newTestManager(t, nil, "")
	bad := []SessionRequest{
		{Mode: "poem"},
		{Mode: "sql"},
		{Provider: "carrier-pigeon"},
		{Provider: "openai"},
		{Params: &models.GenerationParams{Temperature: 2, TopP: 0.9, MaxLength: 50, RepetitionPenalty: 1}},
	}
	for _, req := range bad {
		if _, err := m.CreateSession(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for %+v, got %v", req, err)
		}
	}
}

func TestSubmitRequiresCredential(t *testing.T) {
	m, fr := newTestManager(t, nil, "")
	se, err := m.CreateSession(context.Background(), SessionRequest{Token: "sk-not-a-replicate-token"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if se.Enabled {
		t.Fatalf("invalid token should leave the session disabled")
	}
	if _, err := m.Submit(TurnRequest{SessionID: se.ID, Utterance: "hi"}); !errors.Is(err, ErrCredentialRequired) {
		t.Fatalf("expected ErrCredentialRequired, got %v", err)
	}
	if msgs, _ := m.Messages(se.ID); len(msgs) != 1 {
		t.Fatalf("gated submission must not touch the log: %+v", msgs)
	}
	if fr.count() != 0 {
		t.Fatalf("no backend should be built while gated")
	}

	enabled, err := m.SetCredential(se.ID, validToken)
	if err != nil || !enabled {
		t.Fatalf("set credential: %v %v", enabled, err)
	}
	res, err := m.Submit(TurnRequest{SessionID: se.ID, Utterance: "hi"})
	if err != nil || res.Reply != "You said: hi" {
		t.Fatalf("submit after credential: %+v %v", res, err)
	}

	enabled, err = m.SetCredential(se.ID, "r8_short")
	if err != nil || enabled {
		t.Fatalf("short token should disable: %v %v", enabled, err)
	}
	if _, err := m.Submit(TurnRequest{SessionID: se.ID, Utterance: "again"}); !errors.Is(err, ErrCredentialRequired) {
		t.Fatalf("expected gate after bad credential, got %v", err)
	}
}

func TestSubmitAndReset(t *testing.T) {
	m, _ := newTestManager(t, nil, "")
	se, _ := m.CreateSession(context.Background(), SessionRequest{Token: validToken})

	var chunks int
	res, err := m.Submit(TurnRequest{
		Context:   context.Background(),
		SessionID: se.ID,
		Utterance: "hello world",
		OnChunk:   func(string) { chunks++ },
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Reply != "You said: hello world" || chunks == 0 {
		t.Fatalf("unexpected result %+v chunks=%d", res, chunks)
	}
	msgs, _ := m.Messages(se.ID)
	if len(msgs) != 3 || msgs[1].Role != models.RoleUser || msgs[2].Role != models.RoleAssistant {
		t.Fatalf("unexpected log: %+v", msgs)
	}

	if _, err := m.Submit(TurnRequest{SessionID: se.ID, Utterance: "  "}); !errors.Is(err, prompt.ErrEmptyUtterance) {
		t.Fatalf("expected ErrEmptyUtterance, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := m.Reset(se.ID); err != nil {
			t.Fatalf("reset: %v", err)
		}
		msgs, _ = m.Messages(se.ID)
		if len(msgs) != 1 || msgs[0] != models.SeedMessage() {
			t.Fatalf("reset should leave only the seed: %+v", msgs)
		}
	}
}

func TestSubmitFailureAppendsFallback(t *testing.T) {
	inv := &inference.Mock{Err: &inference.UnexpectedError{Err: errors.New("dial tcp: connection refused")}}
	m, _ := newTestManager(t, inv, "")
	se, _ := m.CreateSession(context.Background(), SessionRequest{Token: validToken})

	res, err := m.Submit(TurnRequest{SessionID: se.ID, Utterance: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Kind != inference.KindUnexpected || res.Reply != pipeline.FallbackUnexpected {
		t.Fatalf("unexpected result: %+v", res)
	}
	msgs, _ := m.Messages(se.ID)
	if len(msgs) != 3 || msgs[2].Content != pipeline.FallbackUnexpected {
		t.Fatalf("log should grow by user message and one fallback: %+v", msgs)
	}
}

func TestSubmitBackendBuildError(t *testing.T) {
	m, fr := newTestManager(t, nil, "")
	fr.err = errors.New("no client")
	se, _ := m.CreateSession(context.Background(), SessionRequest{Token: validToken})
	if _, err := m.Submit(TurnRequest{SessionID: se.ID, Utterance: "hi"}); err == nil || !strings.Contains(err.Error(), "no client") {
		t.Fatalf("expected backend build error, got %v", err)
	}
}

func TestPipelineReusedUntilCredentialChanges(t *testing.T) {
	m, fr := newTestManager(t, nil, "")
	se, _ := m.CreateSession(context.Background(), SessionRequest{Token: validToken})
	for _, utt := range []string{"one", "two"} {
		if _, err := m.Submit(TurnRequest{SessionID: se.ID, Utterance: utt}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if fr.count() != 1 {
		t.Fatalf("expected one backend build, got %d", fr.count())
	}
	other := "r8_" + strings.Repeat("z", 37)
	if ok, _ := m.SetCredential(se.ID, other); !ok {
		t.Fatalf("second token should be valid")
	}
	if _, err := m.Submit(TurnRequest{SessionID: se.ID, Utterance: "three"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if fr.count() != 2 {
		t.Fatalf("expected rebuild after credential change, got %d", fr.count())
	}
}

func TestSetParamsForwardedToBackend(t *testing.T) {
	mock := inference.NewMock()
	m, _ := newTestManager(t, mock, "")
	se, _ := m.CreateSession(context.Background(), SessionRequest{Token: validToken})

	if _, err := m.SetParams(se.ID, models.GenerationParams{Temperature: 0, TopP: 0.5, MaxLength: 30, RepetitionPenalty: 1}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid params error, got %v", err)
	}
	want := models.GenerationParams{Temperature: 0.7, TopP: 0.5, MaxLength: 30, RepetitionPenalty: 1}
	got, err := m.SetParams(se.ID, want)
	if err != nil || got != want {
		t.Fatalf("set params: %+v %v", got, err)
	}
	if _, err := m.Submit(TurnRequest{SessionID: se.ID, Utterance: "hi"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	call := mock.Calls()[0]
	if call.Temperature != 0.7 || call.TopP != 0.5 || call.MaxLength != 30 {
		t.Fatalf("params not forwarded: %+v", call)
	}
}

func TestSQLSession(t *testing.T) {
	m, _ := newTestManager(t, nil, "CREATE TABLE users (id INT);")
	se, err := m.CreateSession(context.Background(), SessionRequest{Mode: "sql", Token: validToken})
	if err != nil {
		t.Fatalf("create sql session: %v", err)
	}
	res, err := m.Submit(TurnRequest{SessionID: se.ID, Utterance: "count users"})
	if err != nil || res.Reply != "SELECT 1;" {
		t.Fatalf("sql submit: %+v %v", res, err)
	}
}

type blockingInvoker struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingInvoker) Invoke(ctx context.Context, modelID string, in inference.Input) (*inference.Response, error) {
	b.started <- struct{}{}
	<-b.release
	return inference.Complete("done"), nil
}

func TestTurnsAreSerializedPerSession(t *testing.T) {
	inv := &blockingInvoker{started: make(chan struct{}, 16), release: make(chan struct{})}
	m, _ := newTestManager(t, inv, "")
	se, _ := m.CreateSession(context.Background(), SessionRequest{Token: validToken})

	errs := make(chan error, queueLen+2)
	submit := func(utt string) {
		_, err := m.Submit(TurnRequest{SessionID: se.ID, Utterance: utt})
		errs <- err
	}
	go submit("first")
	<-inv.started

	for i := 0; i < queueLen+1; i++ {
		go submit("queued")
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrTurnInFlight) {
			t.Fatalf("expected ErrTurnInFlight for the overflow submission, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("overflow submission did not fail fast")
	}

	close(inv.release)
	for i := 0; i < queueLen+1; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("queued submission failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("queued submissions did not finish")
		}
	}

	msgs, _ := m.Messages(se.ID)
	if len(msgs) != 1+2*(queueLen+1) {
		t.Fatalf("unexpected log length %d", len(msgs))
	}
	for i := 1; i < len(msgs); i += 2 {
		if msgs[i].Role != models.RoleUser || msgs[i+1].Role != models.RoleAssistant {
			t.Fatalf("turns interleaved at %d: %+v", i, msgs)
		}
	}
}

func TestDeleteAndUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, nil, "")
	se, _ := m.CreateSession(context.Background(), SessionRequest{Token: validToken})
	if err := m.Delete(se.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(se.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := m.Delete(se.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second delete should report not found, got %v", err)
	}
	if _, err := m.Submit(TurnRequest{SessionID: "missing", Utterance: "hi"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := m.Reset("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPurgeIdle(t *testing.T) {
	m, _ := newTestManager(t, nil, "")
	old, _ := m.CreateSession(context.Background(), SessionRequest{Token: validToken})
	fresh, _ := m.CreateSession(context.Background(), SessionRequest{Token: validToken})

	m.mu.Lock()
	m.sessions[old.ID].lastUsed = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	if n := m.purgeIdle(time.Now(), time.Hour); n != 1 {
		t.Fatalf("expected one purged session, got %d", n)
	}
	if _, err := m.Get(old.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("idle session should be gone, got %v", err)
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Fatalf("fresh session should survive: %v", err)
	}
}

func TestValidCredential(t *testing.T) {
	m, _ := newTestManager(t, nil, "")
	if !m.ValidCredential("replicate", validToken) {
		t.Fatalf("expected valid replicate token")
	}
	if m.ValidCredential("replicate", "r8_abc") {
		t.Fatalf("short replicate token must fail")
	}
	if !m.ValidCredential("mock", "anything") || m.ValidCredential("mock", "") {
		t.Fatalf("providers without a rule only need a non-empty token")
	}
}
