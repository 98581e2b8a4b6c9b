package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/jaychat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams chat completions from an OpenAI-compatible server, typically a local one such as
// llama.cpp's server, LM Studio or vLLM.
type OpenAI struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// LLMParameters are optional sampling parameters. Nil fields are left to the server's defaults.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
	Seed        *int     `yaml:"seed"`
	Stop        []string `yaml:"stop"`
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL targets api.openai.com.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(systemPrompt string, messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range messages {
		role := goopenai.ChatMessageRoleAssistant
		if msg.Role == models.RoleHuman {
			role = goopenai.ChatMessageRoleUser
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Text,
		})
	}
	return msgs
}

// Chat streams the model's answer to messages. The iterator yields text fragments as they arrive
// and at most one error, after which it stops. Cancelling ctx aborts the request without error.
func (o OpenAI) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, o.chatRequest(openAIMessages(o.systemPrompt, messages)))
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			choice := response.Choices[0]
			if choice.FinishReason != "" {
				o.logger.Debug("Chat done", slog.String("finishReason", string(choice.FinishReason)))
			}
			if choice.Delta.Content == "" {
				continue
			}
			if !yield(choice.Delta.Content, nil) {
				return
			}
		}
	}
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}

	return req
}
