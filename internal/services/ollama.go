package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/jaychat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama streams chat completions from a local Ollama server.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance for the server at host. An empty host falls back to the
// Ollama default, http://127.0.0.1:11434.
func NewOllama(host, model, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

func roleName(role models.Role) string {
	if role == models.RoleHuman {
		return "user"
	}
	return string(role)
}

// Chat streams the model's answer to messages. The iterator yields text fragments as they arrive
// and at most one error, after which it stops. Cancelling ctx, or breaking out of the loop, aborts
// the request to Ollama without yielding an error.
func (o Ollama) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]api.Message, 0, len(messages)+1)
		if o.systemPrompt != "" {
			msgs = append(msgs, api.Message{Role: "system", Content: o.systemPrompt})
		}
		for _, msg := range messages {
			msgs = append(msgs, api.Message{
				Role:    roleName(msg.Role),
				Content: msg.Text,
			})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if res.Done {
				o.logger.Debug("Chat done",
					slog.String("model", res.Model),
					slog.String("doneReason", res.DoneReason),
					slog.Int("promptTokens", res.PromptEvalCount),
					slog.Int("completionTokens", res.EvalCount))
			}
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		})
		if err != nil && !stopped {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}
