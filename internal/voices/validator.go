package voices

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind classifies a rejected synthesis request.
type ErrorKind string

const (
	EmptyText           ErrorKind = "empty_text"
	UnsupportedLanguage ErrorKind = "unsupported_language"
	UnsupportedSpeaker  ErrorKind = "unsupported_speaker"
	InvalidAudioID      ErrorKind = "invalid_audio_id"
)

var audioIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidationError carries the rejected value and, where applicable, the set
// of values that would have been accepted.
type ValidationError struct {
	Kind    ErrorKind
	Value   string
	Allowed []string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case EmptyText:
		return "text must not be empty"
	case UnsupportedLanguage:
		return fmt.Sprintf("Unsupported language %q. Supported: %s", e.Value, strings.Join(e.Allowed, ", "))
	case UnsupportedSpeaker:
		return fmt.Sprintf("Unsupported speaker %q. Supported: %s", e.Value, strings.Join(e.Allowed, ", "))
	case InvalidAudioID:
		return fmt.Sprintf("invalid audio_id %q: expected 1-128 characters of [A-Za-z0-9_-]", e.Value)
	default:
		return fmt.Sprintf("invalid request: %s", e.Value)
	}
}

// SynthesisRequest is the caller-facing request shape.
type SynthesisRequest struct {
	Text    string
	Lang    string
	AudioID string
	Speaker string
}

// Validated is a request whose fields have been checked and normalized.
type Validated struct {
	Text     string
	Language string
	Speaker  string
	AudioID  string
}

type Validator struct {
	catalog *Catalog
}

func NewValidator(catalog *Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate checks req against the catalog. It has no side effects.
func (v *Validator) Validate(req SynthesisRequest) (Validated, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Validated{}, &ValidationError{Kind: EmptyText, Value: req.Text}
	}

	lang := NormalizeLanguage(req.Lang)
	if !v.catalog.HasLanguage(lang) {
		return Validated{}, &ValidationError{Kind: UnsupportedLanguage, Value: lang, Allowed: v.catalog.Languages()}
	}

	speaker := strings.TrimSpace(req.Speaker)
	if speaker != "" && !v.catalog.HasSpeaker(speaker) {
		return Validated{}, &ValidationError{Kind: UnsupportedSpeaker, Value: speaker, Allowed: v.catalog.Speakers()}
	}

	id := strings.TrimSpace(req.AudioID)
	if id != "" && !audioIDPattern.MatchString(id) {
		return Validated{}, &ValidationError{Kind: InvalidAudioID, Value: id}
	}

	return Validated{Text: text, Language: lang, Speaker: speaker, AudioID: id}, nil
}
