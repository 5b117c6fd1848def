package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"llamachat/internal/models"
	"llamachat/internal/pipeline"
	"llamachat/internal/prompt"
	"llamachat/internal/worker"

	"github.com/spf13/cobra"
)

// ReplicateTokenEnv is read when no token flag is given.
const ReplicateTokenEnv = "REPLICATE_API_TOKEN"

type chatFlags struct {
	mode     string
	provider string
	model    string
	token    string
}

func newChatCommand(cfgFile *string) *cobra.Command {
	var flags chatFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal",
		Long:  "Start an interactive conversation. Commands: /reset, /params, /token <value>, /quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *cfgFile, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			provider := flags.provider
			if provider == "" {
				provider = a.cfg.BasicConfig.Provider
			}
			token := resolveToken(flags.token, provider, a.cfg.Provider(provider).APIKey)
			se, err := a.manager.CreateSession(cmd.Context(), worker.SessionRequest{
				Mode:     flags.mode,
				Provider: provider,
				Model:    flags.model,
				Token:    token,
			})
			if err != nil {
				return err
			}
			r := &repl{
				manager: a.manager,
				id:      se.ID,
				sql:     se.Mode == string(prompt.ModeSQL),
				out:     cmd.OutOrStdout(),
			}
			return r.run(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&flags.mode, "mode", "", "prompt mode: chat or sql (default from config)")
	cmd.Flags().StringVar(&flags.provider, "provider", "", "inference provider (default from config)")
	cmd.Flags().StringVar(&flags.model, "model", "", "model identifier or display name")
	cmd.Flags().StringVar(&flags.token, "token", "", "provider API token (default $"+ReplicateTokenEnv+" for replicate)")
	return cmd
}

// resolveToken prefers the flag, then the configured api key, then the
// Replicate environment variable.
func resolveToken(flag, provider, configured string) string {
	if t := strings.TrimSpace(flag); t != "" {
		return t
	}
	if configured != "" {
		return configured
	}
	if provider == "replicate" {
		return strings.TrimSpace(os.Getenv(ReplicateTokenEnv))
	}
	return ""
}

type repl struct {
	manager *worker.Manager
	id      string
	sql     bool
	out     io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	se, err := r.manager.Get(r.id)
	if err != nil {
		return err
	}
	if se.Enabled {
		fmt.Fprintln(r.out, "API key already provided!")
	} else {
		fmt.Fprintln(r.out, "Please enter your credentials! Use /token <value>.")
	}
	if err := r.printHistory(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/reset":
			if err := r.manager.Reset(r.id); err != nil {
				return err
			}
			fmt.Fprintln(r.out, "Chat history cleared.")
			if err := r.printHistory(); err != nil {
				return err
			}
		case line == "/params":
			se, err := r.manager.Get(r.id)
			if err != nil {
				return err
			}
			p := se.Params
			fmt.Fprintf(r.out, "temperature=%.2f top_p=%.2f max_length=%d repetition_penalty=%.2f\n",
				p.Temperature, p.TopP, p.MaxLength, p.RepetitionPenalty)
		case strings.HasPrefix(line, "/token"):
			enabled, err := r.manager.SetCredential(r.id, strings.TrimSpace(strings.TrimPrefix(line, "/token")))
			if err != nil {
				return err
			}
			if enabled {
				fmt.Fprintln(r.out, "Proceed to entering your prompt message!")
			} else {
				fmt.Fprintln(r.out, "Please enter your credentials!")
			}
		default:
			if err := r.submit(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (r *repl) submit(ctx context.Context, line string) error {
	var printed int
	onChunk := func(text string) {
		// sql output is shown once extracted
		if r.sql || len(text) < printed {
			return
		}
		fmt.Fprint(r.out, text[printed:])
		printed = len(text)
	}
	if !r.sql {
		fmt.Fprint(r.out, "Assistant: ")
	}
	res, err := r.manager.Submit(worker.TurnRequest{
		Context:   ctx,
		SessionID: r.id,
		Utterance: line,
		OnChunk:   onChunk,
	})
	switch {
	case errors.Is(err, worker.ErrCredentialRequired):
		fmt.Fprintln(r.out, "Please enter your credentials! Use /token <value>.")
		return nil
	case errors.Is(err, prompt.ErrEmptyUtterance):
		return nil
	case err != nil:
		return err
	}
	r.render(res, printed)
	return nil
}

// render finishes the reply. Streamed chat text is already on screen unless
// the turn failed, in which case the fallback follows the notice.
func (r *repl) render(res *pipeline.Result, printed int) {
	reply := models.Message{Role: models.RoleAssistant, Content: res.Reply}
	if res.Failed() {
		if !r.sql {
			fmt.Fprintln(r.out)
		}
		fmt.Fprintln(r.out, res.Notice)
		r.printMessage(reply)
		return
	}
	if r.sql {
		r.printMessage(reply)
		return
	}
	if printed == 0 {
		fmt.Fprint(r.out, res.Reply)
	}
	fmt.Fprintln(r.out)
}

func (r *repl) printHistory() error {
	msgs, err := r.manager.Messages(r.id)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		r.printMessage(msg)
	}
	return nil
}

func (r *repl) printMessage(msg models.Message) {
	if msg.Role == models.RoleUser {
		fmt.Fprintf(r.out, "User: %s\n", msg.Content)
		return
	}
	if r.sql {
		fmt.Fprintf(r.out, "Assistant:\n```sql\n%s\n```\n", msg.Content)
		return
	}
	fmt.Fprintf(r.out, "Assistant: %s\n", msg.Content)
}
