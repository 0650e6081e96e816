package stt

import (
	"context"
	"fmt"
	"os"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, audioPath, model string) (TranscriptResult, error) {
	info, err := os.Stat(audioPath)
	if err != nil {
		return TranscriptResult{}, err
	}
	return TranscriptResult{
		Text: fmt.Sprintf("[%s transcript length=%d]", model, info.Size()),
	}, nil
}
