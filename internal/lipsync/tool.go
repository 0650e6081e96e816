package lipsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ToolResult is what a lip-sync tool run leaves behind besides its output
// file.
type ToolResult struct {
	ExitCode    int
	Diagnostics string
}

// Tool runs an external analyser over inputPath and writes structured results
// to outputPath. A non-zero exit is reported through ToolResult; the error is
// reserved for runs that could not start or were cancelled.
type Tool interface {
	Invoke(ctx context.Context, inputPath, outputPath string) (ToolResult, error)
}

// ConfigurationError means the tool cannot be used at all. The daemon refuses
// to start when it sees one.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("lip-sync tool unavailable at %s: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// RhubarbTool invokes Rhubarb Lip Sync with JSON export.
type RhubarbTool struct {
	path      string
	extraArgs []string
	timeout   time.Duration
}

// ResolveRhubarb locates the executable once. Bare names are looked up on
// PATH; anything with a separator must point at an executable file.
func ResolveRhubarb(path string, extraArgs []string) (*RhubarbTool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &ConfigurationError{Path: path, Err: errors.New("path is empty")}
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}
	if abs, err := filepath.Abs(resolved); err == nil {
		resolved = abs
	}
	st, err := os.Stat(resolved)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}
	if st.IsDir() {
		return nil, &ConfigurationError{Path: path, Err: errors.New("is a directory")}
	}
	return &RhubarbTool{path: resolved, extraArgs: append([]string(nil), extraArgs...)}, nil
}

func (r *RhubarbTool) Path() string { return r.path }

// WithTimeout bounds every invocation. Zero means no bound beyond ctx.
func (r *RhubarbTool) WithTimeout(d time.Duration) *RhubarbTool {
	r.timeout = d
	return r
}

func (r *RhubarbTool) Invoke(ctx context.Context, inputPath, outputPath string) (ToolResult, error) {
	args := []string{"-o", outputPath, inputPath, "--exportFormat", "json"}
	args = append(args, r.extraArgs...)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.path, args...)
	var diag bytes.Buffer
	cmd.Stdout = &diag
	cmd.Stderr = &diag

	err := cmd.Run()
	result := ToolResult{Diagnostics: strings.TrimSpace(diag.String())}
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("run %s: %w", filepath.Base(r.path), err)
}
