package llm

import (
	"context"
	"strings"
	"time"
)

// Request is a single completion call. Prompt holds the rendered chat
// history; System carries the persona.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk is one piece of generated text. Engines that do not stream emit a
// single non-partial chunk.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// Completion is the concatenated output of a Generate call.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Collect runs gen and joins every chunk. Token counts are taken from the
// last chunk that reports them.
func Collect(ctx context.Context, gen Generator, req Request) (Completion, error) {
	var (
		out  strings.Builder
		comp Completion
	)
	err := gen.Generate(ctx, req, func(c Chunk) error {
		out.WriteString(c.Content)
		if c.PromptTokens > 0 || c.CompletionTokens > 0 {
			comp.PromptTokens = c.PromptTokens
			comp.CompletionTokens = c.CompletionTokens
		}
		return nil
	})
	if err != nil {
		return Completion{}, err
	}
	comp.Text = out.String()
	return comp, nil
}
