package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubGenerator struct {
	reply string
	err   error
	seen  Request
}

func (s *stubGenerator) Generate(_ context.Context, req Request, consumer func(Chunk) error) error {
	s.seen = req
	if s.err != nil {
		return s.err
	}
	return consumer(Chunk{Content: s.reply})
}

func TestRenderHistoryKeepsLastFive(t *testing.T) {
	var history []Message
	for i := 0; i < 7; i++ {
		history = append(history, Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}
	assert.Equal(t, "user: m2\nuser: m3\nuser: m4\nuser: m5\nuser: m6", RenderHistory(history, 5))
	assert.Equal(t, "user: m6", RenderHistory(history[6:], 5))
}

func TestReplyUsesPersonaAndSettings(t *testing.T) {
	cfg := config.Default().LLM
	gen := &stubGenerator{reply: "  Bonjour, je suis HOLOKIA.  "}
	r := NewResponder(gen, cfg, newLogger())

	reply, err := r.Reply(context.Background(), []Message{{Role: "user", Content: "Salut"}})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour, je suis HOLOKIA.", reply)
	assert.Equal(t, cfg.Persona, gen.seen.System)
	assert.Equal(t, "user: Salut", gen.seen.Prompt)
	assert.Equal(t, 200, gen.seen.MaxTokens)
}

func TestReplyFallsBackWhenTooShort(t *testing.T) {
	cfg := config.Default().LLM
	r := NewResponder(&stubGenerator{reply: " ok "}, cfg, newLogger())

	reply, err := r.Reply(context.Background(), []Message{{Role: "user", Content: "?"}})
	require.NoError(t, err)
	assert.Equal(t, "Je n'ai pas compris, pouvez-vous reformuler ?", reply)
}

func TestReplyPropagatesErrors(t *testing.T) {
	r := NewResponder(&stubGenerator{err: errors.New("quota exceeded")}, config.Default().LLM, newLogger())
	_, err := r.Reply(context.Background(), nil)
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestMockGenerator(t *testing.T) {
	var got string
	err := NewMockGenerator().Generate(context.Background(), Request{Prompt: "user: hi\nassistant: hello\nuser: how are you"}, func(c Chunk) error {
		got += c.Content
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "[mock reply to how are you]", got)
}

func TestOllamaGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		fmt.Fprintln(w, `{"response":"Bon","done":false}`)
		fmt.Fprintln(w, `{"response":"jour","done":true,"eval_count":2,"prompt_eval_count":7}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "tiny", time.Second)
	var chunks []Chunk
	err := gen.Generate(context.Background(), Request{Prompt: "user: hi"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, chunks[0].Partial)
	assert.False(t, chunks[1].Partial)
	assert.Equal(t, 7, chunks[1].PromptTokens)

	comp, err := Collect(context.Background(), gen, Request{Prompt: "user: hi"})
	require.NoError(t, err)
	assert.Equal(t, Completion{Text: "Bonjour", PromptTokens: 7, CompletionTokens: 2}, comp)
}

func TestOpenAIGenerator(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"scout",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Bonjour !"}}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	}))
	defer srv.Close()

	gen := NewOpenAIGenerator(srv.URL+"/v1", "secret", "scout", time.Second)
	var got Chunk
	err := gen.Generate(context.Background(), Request{Prompt: "user: Salut", System: "persona", MaxTokens: 200, Temperature: 0.5}, func(c Chunk) error {
		got = c
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour !", got.Content)
	assert.Equal(t, 12, got.PromptTokens)
	assert.Equal(t, "scout", body["model"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestOpenAIGeneratorAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	gen := NewOpenAIGenerator(srv.URL, "bad", "scout", time.Second)
	err := gen.Generate(context.Background(), Request{Prompt: "x"}, func(Chunk) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
}

func TestExecGenerator(t *testing.T) {
	script := filepath.Join(t.TempDir(), "llm.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho '{\"content\":\"Salut !\"}'\n"), 0o755))

	gen, err := NewExecGenerator(script)
	require.NoError(t, err)
	var got string
	require.NoError(t, gen.Generate(context.Background(), Request{Prompt: "x"}, func(c Chunk) error {
		got = c.Content
		return nil
	}))
	assert.Equal(t, "Salut !", got)
}

func TestNewSelectsGenerator(t *testing.T) {
	_, err := New(config.LLMConfig{Mode: "groq"})
	assert.Error(t, err)
	gen, err := New(config.LLMConfig{Mode: "mock"})
	require.NoError(t, err)
	assert.NotNil(t, gen)
}
