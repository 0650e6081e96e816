package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"golang.org/x/time/rate"
)

const maxGTTSText = 5000

// GTTSConfig configures the gtts-cli engine.
type GTTSConfig struct {
	Command           string
	Slow              bool
	Timeout           time.Duration
	RequestsPerMinute int
}

type gttsSynth struct {
	cmd     []string
	slow    bool
	timeout time.Duration
	limiter *rate.Limiter
}

// NewGTTSSynth returns an engine that shells out to gtts-cli and returns MP3.
// Text is passed on stdin so it never appears in the process table.
func NewGTTSSynth(cfg GTTSConfig) (Synthesizer, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse gtts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("gtts command empty")
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 50
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &gttsSynth{
		cmd:     args,
		slow:    cfg.Slow,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}, nil
}

func (g *gttsSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if len(req.Text) > maxGTTSText {
		return Audio{}, engineError("gtts", fmt.Errorf("text too long: %d bytes (max %d)", len(req.Text), maxGTTSText))
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return Audio{}, engineError("gtts", fmt.Errorf("rate limit wait: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	args := append([]string{}, g.cmd[1:]...)
	args = append(args, "-", "-l", primaryTag(req.Language))
	if g.slow {
		args = append(args, "--slow")
	}
	args = append(args, "-o", "-")

	cmd := exec.CommandContext(ctx, g.cmd[0], args...)
	cmd.Stdin = strings.NewReader(req.Text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Audio{}, engineError("gtts", fmt.Errorf("synthesis timed out: %w", ctx.Err()))
		}
		return Audio{}, engineError("gtts", fmt.Errorf("gtts-cli failed: %w: %s", err, strings.TrimSpace(stderr.String())))
	}
	if stdout.Len() == 0 {
		return Audio{}, engineError("gtts", fmt.Errorf("gtts-cli produced no audio: %s", strings.TrimSpace(stderr.String())))
	}
	return Audio{Data: stdout.Bytes(), Format: "mp3"}, nil
}

// primaryTag reduces a locale such as "fr-fr" to the bare language gTTS
// expects.
func primaryTag(lang string) string {
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		return strings.ToLower(lang[:i])
	}
	return strings.ToLower(lang)
}
