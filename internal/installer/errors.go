package installer

import (
	"errors"

	"github.com/tanq16/voxpull/internal/classify"
)

var (
	ErrInProgress   = errors.New("install in progress")
	ErrInvalidKey   = errors.New("invalid asset key")
	ErrNoFetcher    = errors.New("no fetcher for url scheme")
	ErrPublish      = errors.New("publish failed")
	ErrMarkerFormat = errors.New("malformed install marker")
)

// InstallError is returned by Download once every permitted attempt failed.
type InstallError struct {
	Context  classify.ErrorContext
	Attempts int
}

func (e *InstallError) Error() string {
	return e.Context.UserMessage
}

func (e *InstallError) Unwrap() error {
	return e.Context.Cause
}
