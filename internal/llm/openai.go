package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// openAIGenerator talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, Groq, vLLM).
type openAIGenerator struct {
	client *openai.Client
	model  string
}

func NewOpenAIGenerator(baseURL, apiKey, model string, timeout time.Duration) Generator {
	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(baseURL, "/")),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(1),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(opts...)
	return &openAIGenerator{client: &client, model: strings.TrimSpace(model)}
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       g.model,
		Messages:    messages,
		Temperature: openai.Opt(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Opt(int64(req.MaxTokens))
	}

	start := time.Now()
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return fmt.Errorf("chat completion failed (status=%d): %s", apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		}
		return fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("chat completion returned no choices")
	}

	return consumer(Chunk{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		Latency:          time.Since(start),
	})
}
