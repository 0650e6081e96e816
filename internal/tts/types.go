package tts

import (
	"context"
	"errors"
	"fmt"
)

// Request contains the validated parameters to synthesize speech.
type Request struct {
	Text     string
	Language string
	Speaker  string
}

// Audio is encoded speech as produced by an engine. Format is the container
// extension of Data, e.g. "mp3" or "wav".
type Audio struct {
	Data   []byte
	Format string
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// SynthesisError wraps any engine failure.
type SynthesisError struct {
	Engine string
	Err    error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("tts engine %s: %v", e.Engine, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Timeout reports whether the engine gave up because a deadline passed.
func (e *SynthesisError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func engineError(engine string, err error) error {
	return &SynthesisError{Engine: engine, Err: err}
}
