package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingRecognizer struct {
	path  string
	model string
	data  []byte
	err   error
}

func (r *recordingRecognizer) Transcribe(_ context.Context, audioPath, model string) (TranscriptResult, error) {
	r.path = audioPath
	r.model = model
	r.data, _ = os.ReadFile(audioPath)
	if r.err != nil {
		return TranscriptResult{}, r.err
	}
	return TranscriptResult{Text: "bonjour"}, nil
}

func sttConfig(t *testing.T) config.STTConfig {
	cfg := config.Default().STT
	cfg.UploadDir = filepath.Join(t.TempDir(), "uploads")
	return cfg
}

func TestTranscriberStagesAndRemovesUpload(t *testing.T) {
	rec := &recordingRecognizer{}
	tr, err := NewTranscriber(rec, sttConfig(t), newLogger())
	require.NoError(t, err)

	res, err := tr.Transcribe(context.Background(), "../../clip.webm", strings.NewReader("RIFFdata"), "")
	require.NoError(t, err)
	assert.Equal(t, "bonjour", res.Text)
	assert.Equal(t, "base", rec.model)
	assert.Equal(t, []byte("RIFFdata"), rec.data)
	assert.Equal(t, ".webm", filepath.Ext(rec.path))
	assert.Equal(t, tr.uploadDir, filepath.Dir(rec.path), "upload name must not escape the upload dir")

	_, statErr := os.Stat(rec.path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestTranscriberRemovesUploadOnFailure(t *testing.T) {
	rec := &recordingRecognizer{err: errors.New("model crashed")}
	tr, err := NewTranscriber(rec, sttConfig(t), newLogger())
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), "a.wav", strings.NewReader("x"), "small")
	require.Error(t, err)
	entries, err := os.ReadDir(tr.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTranscriberRejectsUnknownModel(t *testing.T) {
	rec := &recordingRecognizer{}
	tr, err := NewTranscriber(rec, sttConfig(t), newLogger())
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), "a.wav", strings.NewReader("x"), "huge")
	assert.ErrorIs(t, err, ErrUnsupportedModel)
	assert.Empty(t, rec.path, "recognizer must not run")
}

func TestExecRecognizer(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "whisper.sh")
	body := "#!/bin/sh\necho \"$@\" > " + filepath.Join(dir, "args") + "\necho '{\"text\":\" salut \",\"confidence\":0.8}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	cfg := config.STTConfig{Mode: "exec", Command: script, Language: "fr"}
	rec, err := New(cfg)
	require.NoError(t, err)

	res, err := rec.Transcribe(context.Background(), "/tmp/in.wav", "tiny")
	require.NoError(t, err)
	assert.Equal(t, "salut", res.Text)

	args, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	assert.Equal(t, "--audio /tmp/in.wav --model tiny --language fr\n", string(args))
}

func TestExecRecognizerFailureIncludesStderr(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fail.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'no such model' >&2\nexit 3\n"), 0o755))

	rec, err := NewExecRecognizer(config.STTConfig{Command: script})
	require.NoError(t, err)
	_, err = rec.Transcribe(context.Background(), "/tmp/in.wav", "base")
	assert.ErrorContains(t, err, "no such model")
}

func TestMockRecognizer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	require.NoError(t, os.WriteFile(path, []byte("1234"), 0o644))
	res, err := NewMockRecognizer().Transcribe(context.Background(), path, "tiny")
	require.NoError(t, err)
	assert.Equal(t, "[tiny transcript length=4]", res.Text)
}
