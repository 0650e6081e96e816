package pipeline

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-avatar/internal/voices"
)

// State is a pipeline run state. Completed and Failed are terminal.
type State string

const (
	StateValidating        State = "validating"
	StateSynthesizing      State = "synthesizing"
	StateNormalizing       State = "normalizing"
	StateExtractingVisemes State = "extracting_visemes"
	StateUpdatingCatalog   State = "updating_catalog"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

var (
	ErrRunInProgress = errors.New("a run for this audio id is already in progress")
	ErrBusy          = errors.New("pipeline is at capacity")
)

// StageError reports the stage a failed run stopped in.
type StageError struct {
	Stage   State
	AudioID string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Error codes shared by the HTTP and bus surfaces.
const (
	CodeInvalidRequest = "invalid_request"
	CodeRunInProgress  = "run_in_progress"
	CodeBusy           = "busy"
	CodeStageFailed    = "stage_failed"
)

// ErrorCode classifies a Run or Submit error for transport mapping.
func ErrorCode(err error) string {
	var verr *voices.ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return CodeInvalidRequest
	case errors.Is(err, ErrRunInProgress):
		return CodeRunInProgress
	case errors.Is(err, ErrBusy):
		return CodeBusy
	default:
		return CodeStageFailed
	}
}
