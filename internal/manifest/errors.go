package manifest

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidManifest = errors.New("invalid manifest")
	ErrCoreNotFound    = errors.New("core not found")
	ErrVoiceNotFound   = errors.New("voice not found")
)

// ParseError reports why a manifest document was rejected. It always wraps
// ErrInvalidManifest.
type ParseError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "invalid manifest"
	if e.Field != "" {
		msg += fmt.Sprintf(" at %s", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidManifest, e.Err}
	}
	return []error{ErrInvalidManifest}
}
