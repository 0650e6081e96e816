package tts

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// New builds the engine selected by cfg.Mode.
func New(cfg config.SynthConfig, sampleRate int) (Synthesizer, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "gtts":
		return NewGTTSSynth(GTTSConfig{
			Command:           cfg.Command,
			Slow:              cfg.Slow,
			Timeout:           timeout,
			RequestsPerMinute: cfg.RequestsPerMinute,
		})
	case "exec":
		return NewExecSynth(cfg.Command, timeout)
	case "mock":
		return NewMockSynth(sampleRate), nil
	default:
		return nil, fmt.Errorf("unknown synth mode %q", cfg.Mode)
	}
}
