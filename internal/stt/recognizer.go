package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// Models lists the recognizer model sizes accepted by the service.
var Models = []string{"tiny", "base", "small", "medium", "large"}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Recognizer abstracts STT backends. audioPath points at a file the caller
// owns for the duration of the call.
type Recognizer interface {
	Transcribe(ctx context.Context, audioPath, model string) (TranscriptResult, error)
}

func SupportedModel(model string) bool {
	for _, m := range Models {
		if m == model {
			return true
		}
	}
	return false
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
