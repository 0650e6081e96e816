package tts

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type mockSynth struct {
	sampleRate int
}

// NewMockSynth returns an engine that renders a short sine tone as WAV,
// roughly 80ms per word of input.
func NewMockSynth(sampleRate int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, engineError("mock", ctx.Err())
	case <-time.After(10 * time.Millisecond):
	}

	words := len(bytes.Fields([]byte(req.Text)))
	if words == 0 {
		words = 1
	}
	n := m.sampleRate * words * 80 / 1000
	samples := make([]int, n)
	for i := range samples {
		samples[i] = int(8000 * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate)))
	}

	data, err := encodeWAV(samples, m.sampleRate)
	if err != nil {
		return Audio{}, engineError("mock", err)
	}
	return Audio{Data: data, Format: "wav"}, nil
}

// encodeWAV needs a seekable writer, so it goes through a temp file.
func encodeWAV(samples []int, sampleRate int) ([]byte, error) {
	f, err := os.CreateTemp("", "mock_tts_*.wav")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}
