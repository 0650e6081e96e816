package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

const minReplyRunes = 5

// Message is one turn of the conversation shown to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Responder turns a conversation history into the avatar's next line.
type Responder struct {
	generator Generator
	cfg       config.LLMConfig
	log       *slog.Logger
}

func NewResponder(generator Generator, cfg config.LLMConfig, log *slog.Logger) *Responder {
	return &Responder{
		generator: generator,
		cfg:       cfg,
		log:       log.With(slog.String("component", "llm-responder")),
	}
}

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, cfg.Model, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// RenderHistory keeps the last limit messages as "role: content" lines.
func RenderHistory(history []Message, limit int) string {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

// Reply generates the answer to history. Replies too short to be useful are
// swapped for the configured fallback line.
func (r *Responder) Reply(ctx context.Context, history []Message) (string, error) {
	if r.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	req := Request{
		Prompt:      RenderHistory(history, r.cfg.HistoryLimit),
		System:      r.cfg.Persona,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}

	start := time.Now()
	comp, err := Collect(ctx, r.generator, req)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}

	reply := strings.TrimSpace(comp.Text)
	if utf8.RuneCountInString(reply) < minReplyRunes {
		r.log.Info("reply too short, using fallback", slog.String("reply", reply))
		return r.cfg.Fallback, nil
	}
	r.log.Info("reply generated",
		slog.Duration("latency", time.Since(start)),
		slog.Int("chars", utf8.RuneCountInString(reply)),
		slog.Int("prompt_tokens", comp.PromptTokens),
		slog.Int("completion_tokens", comp.CompletionTokens))
	return reply, nil
}
