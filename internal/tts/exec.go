package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// formatPattern bounds the container name an engine may report; it ends up
// in a file extension.
var formatPattern = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

type execSynth struct {
	cmd     []string
	timeout time.Duration
}

type execRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Speaker  string `json:"speaker,omitempty"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"`
	Error       string `json:"error,omitempty"`
}

// NewExecSynth runs an arbitrary engine command. The command receives one
// JSON request on stdin and must answer with one JSON object on stdout.
func NewExecSynth(command string, timeout time.Duration) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &execSynth{cmd: args, timeout: timeout}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	data, err := json.Marshal(execRequest{Text: req.Text, Language: req.Language, Speaker: req.Speaker})
	if err != nil {
		return Audio{}, engineError("exec", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Audio{}, engineError("exec", ctx.Err())
		}
		return Audio{}, engineError("exec", fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String())))
	}

	var resp execResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return Audio{}, engineError("exec", fmt.Errorf("decode tts response: %w", err))
	}
	if resp.Error != "" {
		return Audio{}, engineError("exec", errors.New(resp.Error))
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return Audio{}, engineError("exec", fmt.Errorf("decode audio payload: %w", err))
	}
	if len(audio) == 0 {
		return Audio{}, engineError("exec", errors.New("engine returned no audio"))
	}
	return Audio{Data: audio, Format: reportedFormat(resp.Format)}, nil
}

// reportedFormat normalizes an engine's format field. Empty means WAV;
// anything that is not a short alphanumeric name becomes "bin".
func reportedFormat(format string) string {
	format = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	switch {
	case format == "":
		return "wav"
	case !formatPattern.MatchString(format):
		return "bin"
	default:
		return format
	}
}
