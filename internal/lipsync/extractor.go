package lipsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

type ErrorKind string

const (
	ToolFailed    ErrorKind = "tool_failed"
	EmptyTimeline ErrorKind = "empty_timeline"
	InvalidOutput ErrorKind = "invalid_output"
)

type ExtractionError struct {
	Kind        ErrorKind
	ExitCode    int
	Diagnostics string
	Err         error
}

func (e *ExtractionError) Error() string {
	switch e.Kind {
	case ToolFailed:
		msg := fmt.Sprintf("lip-sync tool failed (exit %d)", e.ExitCode)
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		if e.Diagnostics != "" {
			msg += ": " + e.Diagnostics
		}
		return msg
	case EmptyTimeline:
		return "lip-sync tool produced no mouth cues"
	default:
		return fmt.Sprintf("lip-sync output invalid: %v", e.Err)
	}
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Cue is one mouth shape held from Start to End, in seconds.
type Cue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Value string  `json:"value"`
}

type Timeline struct {
	Metadata  map[string]any `json:"metadata,omitempty"`
	MouthCues []Cue          `json:"mouthCues"`
}

// Extractor runs a Tool and turns its output into a checked Timeline.
type Extractor struct {
	tool Tool
	log  *slog.Logger
}

func NewExtractor(tool Tool, log *slog.Logger) *Extractor {
	return &Extractor{tool: tool, log: log.With(slog.String("component", "viseme-extractor"))}
}

// Extract analyses wavPath and leaves the timeline JSON at outPath. On failure
// outPath is removed so a bad timeline is never left behind.
func (e *Extractor) Extract(ctx context.Context, wavPath, outPath string) (tl Timeline, err error) {
	defer func() {
		if err != nil {
			os.Remove(outPath)
		}
	}()

	res, err := e.tool.Invoke(ctx, wavPath, outPath)
	if err != nil {
		return Timeline{}, &ExtractionError{Kind: ToolFailed, ExitCode: -1, Diagnostics: res.Diagnostics, Err: err}
	}
	if res.ExitCode != 0 {
		return Timeline{}, &ExtractionError{Kind: ToolFailed, ExitCode: res.ExitCode, Diagnostics: res.Diagnostics}
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return Timeline{}, &ExtractionError{Kind: InvalidOutput, Diagnostics: res.Diagnostics, Err: err}
	}
	tl, err = ParseTimeline(data)
	if err != nil {
		return Timeline{}, err
	}
	e.log.Debug("visemes extracted", slog.String("path", outPath), slog.Int("cues", len(tl.MouthCues)))
	return tl, nil
}

// ParseTimeline decodes and checks tool output: at least one cue, every cue
// labelled, and times non-decreasing.
func ParseTimeline(data []byte) (Timeline, error) {
	var tl Timeline
	if err := json.Unmarshal(data, &tl); err != nil {
		return Timeline{}, &ExtractionError{Kind: InvalidOutput, Err: err}
	}
	if len(tl.MouthCues) == 0 {
		return Timeline{}, &ExtractionError{Kind: EmptyTimeline}
	}
	prev := 0.0
	for i, c := range tl.MouthCues {
		switch {
		case c.Value == "":
			return Timeline{}, &ExtractionError{Kind: InvalidOutput, Err: fmt.Errorf("cue %d has no mouth shape", i)}
		case c.End < c.Start:
			return Timeline{}, &ExtractionError{Kind: InvalidOutput, Err: fmt.Errorf("cue %d ends before it starts", i)}
		case c.Start < prev:
			return Timeline{}, &ExtractionError{Kind: InvalidOutput, Err: fmt.Errorf("cue %d starts at %.2f before previous cue at %.2f", i, c.Start, prev)}
		}
		prev = c.Start
	}
	return tl, nil
}

// IsKind reports whether err is an ExtractionError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var xerr *ExtractionError
	return errors.As(err, &xerr) && xerr.Kind == k
}
