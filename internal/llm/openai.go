package llm

import (
	"context"
	"errors"

	"github.com/costline/costline/internal/config"
	"github.com/costline/costline/internal/domain"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
)

// OpenAIProvider talks to any OpenAI-compatible chat completion endpoint
// (the hosted API, ollama, vllm and friends).
type OpenAIProvider struct {
	client openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIProvider creates a provider from the LLM config section.
func NewOpenAIProvider(cfg config.LLMConfig, logger *zap.Logger) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: logger,
	}
}

func (p *OpenAIProvider) params(req Request) openai.ChatCompletionNewParams {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

// Generate runs a buffered completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
	completion, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return "", classify(err)
	}
	if len(completion.Choices) == 0 {
		return "", domain.NewError(domain.KindUnknown, "provider returned no choices", nil)
	}
	return completion.Choices[0].Message.Content, nil
}

// GenerateStream runs a token-incremental completion and republishes the
// deltas on a channel.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				select {
				case ch <- Chunk{Text: delta}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			p.logger.Debug("completion stream ended with error", zap.Error(err))
			ch <- Chunk{Err: classify(err)}
		}
	}()

	return ch, nil
}

// classify maps provider failures onto the service error taxonomy so the
// orchestration can distinguish retryable throttling from dead credentials.
func classify(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return domain.NewError(domain.KindAuthFailed, "provider rejected credentials", err)
		case 429:
			return domain.NewError(domain.KindRateLimited, "provider throttled the request", err)
		case 408, 504:
			return domain.NewError(domain.KindTimeout, "provider timed out", err)
		}
		return domain.NewError(domain.KindUnknown, "provider call failed", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindTimeout, "provider call exceeded its window", err)
	}
	return domain.NewError(domain.KindUnknown, "provider call failed", err)
}
