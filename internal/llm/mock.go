package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

// Generate echoes the last prompt line back.
func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	lines := strings.Split(strings.TrimSpace(req.Prompt), "\n")
	last := lines[len(lines)-1]
	if i := strings.Index(last, ": "); i >= 0 {
		last = last[i+2:]
	}
	return consumer(Chunk{
		Content: "[mock reply to " + strings.TrimSpace(last) + "]",
		Latency: 20 * time.Millisecond,
	})
}
