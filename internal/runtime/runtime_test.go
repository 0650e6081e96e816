package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	tool := filepath.Join(dir, "rhubarb")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	cfg := config.Default()
	cfg.Synth.Mode = "mock"
	cfg.Lipsync.ToolPath = tool
	cfg.Output.Dir = filepath.Join(dir, "audios")
	cfg.Output.PublicBase = "/audios"
	cfg.Assets.CatalogPath = filepath.Join(dir, "audios-config.json")
	cfg.Voices.CatalogPath = filepath.Join(dir, "lipsync_config.yaml")
	cfg.EventStore.Path = filepath.Join(dir, "runs.db")
	cfg.STT.UploadDir = filepath.Join(dir, "uploads")
	return cfg
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestBuildServesRoutes(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Enabled = true
	cfg.STT.Enabled = true

	c, err := build(context.Background(), cfg, newLogger())
	require.NoError(t, err)
	defer c.close(newLogger())

	assert.DirExists(t, cfg.Output.Dir)
	assert.DirExists(t, cfg.STT.UploadDir)

	r := New(cfg, newLogger())
	h := r.routes(c, nil)

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)
	r.ready.Store(true)
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	rec := get(t, h, "/languages")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"languages":["fr-fr","en-us","ar-MA"]}`, rec.Body.String())
	assert.Equal(t, http.StatusOK, get(t, h, "/models").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/runs/audio-missing").Code)
}

func TestBuildFailsWithoutLipsyncTool(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lipsync.ToolPath = filepath.Join(t.TempDir(), "missing-rhubarb")

	_, err := build(context.Background(), cfg, newLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lip-sync tool unavailable")
}

func TestBuildWithEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(t.TempDir(), "nats")
	cfg.LLM.Enabled = true
	cfg.Router.Enabled = true

	c, err := build(context.Background(), cfg, newLogger())
	require.NoError(t, err)
	defer c.close(newLogger())

	require.NotNil(t, c.bus)
	require.NotNil(t, c.busService)
	require.NotNil(t, c.router)
	assert.True(t, c.healthy())

	stream, err := c.bus.Conn().JetStream()
	require.NoError(t, err)
	info, err := stream.StreamInfo(cfg.Bus.EventStream)
	require.NoError(t, err)
	assert.Equal(t, []string{"avatar.tts.completed"}, info.Config.Subjects)
}
