package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runChat(t *testing.T, cfgPath, input string, args ...string) string {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(input))
	root.SetArgs(append([]string{"--config", cfgPath, "chat"}, args...))
	if err := root.Execute(); err != nil {
		t.Fatalf("chat: %v\n%s", err, out.String())
	}
	return out.String()
}

const mockConfig = `{
	"basic_config": {"provider": "mock", "model": "mock"},
	"logging": {"level": "error"}
}`

func TestChatSessionStreamsAndResets(t *testing.T) {
	cfg := writeConfig(t, mockConfig)
	out := runChat(t, cfg, "hello there\n/params\n/reset\n/quit\n", "--token", "dev")

	if !strings.Contains(out, "API key already provided!") {
		t.Fatalf("expected credential confirmation:\n%s", out)
	}
	if !strings.Contains(out, "Assistant: You said: hello there") {
		t.Fatalf("expected streamed reply:\n%s", out)
	}
	if !strings.Contains(out, "temperature=0.10 top_p=0.90 max_length=50 repetition_penalty=1.00") {
		t.Fatalf("expected params output:\n%s", out)
	}
	if !strings.Contains(out, "Chat history cleared.") {
		t.Fatalf("expected reset notice:\n%s", out)
	}
	if strings.Count(out, "Assistant: How may I assist you today?") != 2 {
		t.Fatalf("seed should be printed at start and after reset:\n%s", out)
	}
}

func TestChatRefusesWithoutCredential(t *testing.T) {
	t.Setenv(ReplicateTokenEnv, "")
	cfg := writeConfig(t, `{"logging": {"level": "error"}}`)
	out := runChat(t, cfg, "hello\n/token r8_short\n/quit\n")

	if !strings.Contains(out, "Please enter your credentials!") {
		t.Fatalf("expected credential warning:\n%s", out)
	}
	if strings.Contains(out, "You said") || strings.Contains(out, "I'm sorry") {
		t.Fatalf("gated chat must not call the backend:\n%s", out)
	}
}

func TestChatSQLModeRendersCodeBlock(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "schema.sql"), []byte("CREATE TABLE users (id INT);"), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.json")
	body := `{"basic_config": {"provider": "mock", "model": "mock", "mode": "sql", "schema_path": "schema.sql"}, "logging": {"level": "error"}}`
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	out := runChat(t, cfgPath, "count users\n/quit\n", "--token", "dev")
	if !strings.Contains(out, "```sql\nSELECT 1;\n```") {
		t.Fatalf("expected fenced statement:\n%s", out)
	}
	if strings.Contains(out, "Here is the query") {
		t.Fatalf("raw model output should not be shown in sql mode:\n%s", out)
	}
}

func TestResolveToken(t *testing.T) {
	t.Setenv(ReplicateTokenEnv, "r8_from_env")
	if got := resolveToken(" flag ", "replicate", "cfg"); got != "flag" {
		t.Fatalf("flag should win, got %q", got)
	}
	if got := resolveToken("", "openai", "cfg"); got != "cfg" {
		t.Fatalf("configured key should be used, got %q", got)
	}
	if got := resolveToken("", "replicate", ""); got != "r8_from_env" {
		t.Fatalf("env token should be used for replicate, got %q", got)
	}
	if got := resolveToken("", "openai", ""); got != "" {
		t.Fatalf("env token is replicate only, got %q", got)
	}
}
