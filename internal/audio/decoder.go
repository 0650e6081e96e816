package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// Decoder turns an encoded audio file into raw signed 16-bit little-endian
// mono PCM at the requested sample rate.
type Decoder interface {
	Decode(ctx context.Context, inputPath string, sampleRate int) ([]byte, error)
}

// FFmpegDecoder shells out to ffmpeg and reads PCM from its stdout.
type FFmpegDecoder struct {
	cmd     []string
	timeout time.Duration
}

func NewFFmpegDecoder(command string, timeout time.Duration) (*FFmpegDecoder, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse converter command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("converter command empty")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &FFmpegDecoder{cmd: args, timeout: timeout}, nil
}

func (d *FFmpegDecoder) Decode(ctx context.Context, inputPath string, sampleRate int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	args := append([]string{}, d.cmd[1:]...)
	args = append(args,
		"-i", inputPath,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-",
	)
	cmd := exec.CommandContext(ctx, d.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("converter timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("converter failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
