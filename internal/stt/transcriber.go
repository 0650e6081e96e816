package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

var ErrUnsupportedModel = errors.New("unsupported model")

// Transcriber stages uploaded audio in the upload directory and hands it to
// a Recognizer. Staged files never outlive the call.
type Transcriber struct {
	recognizer   Recognizer
	uploadDir    string
	defaultModel string
	timeout      time.Duration
	log          *slog.Logger
}

func NewTranscriber(recognizer Recognizer, cfg config.STTConfig, log *slog.Logger) (*Transcriber, error) {
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "base"
	}
	return &Transcriber{
		recognizer:   recognizer,
		uploadDir:    cfg.UploadDir,
		defaultModel: model,
		timeout:      time.Duration(cfg.TimeoutMS) * time.Millisecond,
		log:          log.With(slog.String("component", "stt")),
	}, nil
}

// Transcribe reads the upload from r and returns its transcript. An empty
// model selects the configured default.
func (t *Transcriber) Transcribe(ctx context.Context, filename string, r io.Reader, model string) (TranscriptResult, error) {
	if model == "" {
		model = t.defaultModel
	}
	if !SupportedModel(model) {
		return TranscriptResult{}, fmt.Errorf("%w %q", ErrUnsupportedModel, model)
	}

	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	file, err := os.CreateTemp(t.uploadDir, "upload_*"+ext)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("stage upload: %w", err)
	}
	path := file.Name()
	defer os.Remove(path)

	size, err := io.Copy(file, r)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("stage upload: %w", err)
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := t.recognizer.Transcribe(ctx, path, model)
	if err != nil {
		return TranscriptResult{}, err
	}
	t.log.Info("transcription complete",
		slog.String("model", model),
		slog.String("size", humanize.Bytes(uint64(size))),
		slog.Duration("latency", time.Since(start)))
	return res, nil
}
