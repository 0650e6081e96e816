package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	canonicalChannels = 1
	canonicalBitDepth = 16
)

type ErrorKind string

const (
	StagingFailed ErrorKind = "staging_failed"
	DecodeFailed  ErrorKind = "decode_failed"
	EncodeFailed  ErrorKind = "encode_failed"
	EmptyOutput   ErrorKind = "empty_output"
)

type ConversionError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *ConversionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio conversion %s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("audio conversion %s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Info describes a canonical waveform written to disk.
type Info struct {
	Path       string
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    int
	Duration   time.Duration
	Size       int64
}

// Normalizer converts engine output into the canonical waveform: mono,
// 16-bit, fixed sample rate.
type Normalizer struct {
	decoder    Decoder
	sampleRate int
	log        *slog.Logger
}

func NewNormalizer(decoder Decoder, sampleRate int, log *slog.Logger) *Normalizer {
	return &Normalizer{
		decoder:    decoder,
		sampleRate: sampleRate,
		log:        log.With(slog.String("component", "audio-normalizer")),
	}
}

func (n *Normalizer) SampleRate() int { return n.sampleRate }

// StagingPath is where raw engine output for target is parked while it is
// decoded. It sits next to the target.
func StagingPath(target, format string) string {
	base := strings.TrimSuffix(target, filepath.Ext(target))
	if !safeExt(format) {
		format = "bin"
	}
	return base + "_temp." + format
}

// safeExt accepts 1 to 8 lowercase letters or digits.
func safeExt(ext string) bool {
	if ext == "" || len(ext) > 8 {
		return false
	}
	for _, c := range ext {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// Normalize writes raw (encoded as format) to target as a canonical WAV. The
// staging file is removed on every path; target is removed unless the call
// succeeds.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte, format, target string) (info Info, err error) {
	staging := StagingPath(target, format)
	if err := os.WriteFile(staging, raw, 0o644); err != nil {
		os.Remove(staging)
		return Info{}, &ConversionError{Kind: StagingFailed, Path: staging, Err: err}
	}
	defer os.Remove(staging)

	defer func() {
		if err != nil {
			os.Remove(target)
		}
	}()

	pcm, err := n.decoder.Decode(ctx, staging, n.sampleRate)
	if err != nil {
		return Info{}, &ConversionError{Kind: DecodeFailed, Path: staging, Err: err}
	}
	if len(pcm) < 2 {
		return Info{}, &ConversionError{Kind: EmptyOutput, Path: target, Err: fmt.Errorf("decoder produced %d bytes", len(pcm))}
	}

	samples := pcmToSamples(pcm)
	if err := writeWAV(target, samples, n.sampleRate); err != nil {
		return Info{}, &ConversionError{Kind: EncodeFailed, Path: target, Err: err}
	}

	size, err := verifyWAV(target)
	if err != nil {
		return Info{}, &ConversionError{Kind: EmptyOutput, Path: target, Err: err}
	}

	info = Info{
		Path:       target,
		SampleRate: n.sampleRate,
		Channels:   canonicalChannels,
		BitDepth:   canonicalBitDepth,
		Samples:    len(samples),
		Duration:   time.Duration(len(samples)) * time.Second / time.Duration(n.sampleRate),
		Size:       size,
	}
	n.log.Debug("audio normalized",
		slog.String("path", target),
		slog.String("size", humanize.Bytes(uint64(size))),
		slog.Duration("duration", info.Duration))
	return info, nil
}

// pcmToSamples drops a trailing odd byte.
func pcmToSamples(pcm []byte) []int {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples
}

func writeWAV(path string, samples []int, sampleRate int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: canonicalChannels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: canonicalBitDepth,
	}
	enc := wav.NewEncoder(file, sampleRate, canonicalBitDepth, canonicalChannels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return file.Close()
}

func verifyWAV(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if st.Size() == 0 {
		return 0, fmt.Errorf("file is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("not a valid wav file")
	}
	if dec.NumChans != canonicalChannels || dec.BitDepth != canonicalBitDepth {
		return 0, fmt.Errorf("unexpected format: %d channels, %d bits", dec.NumChans, dec.BitDepth)
	}
	return st.Size(), nil
}
