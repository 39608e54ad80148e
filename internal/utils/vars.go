package utils

import (
	"errors"
	"fmt"
	"time"
)

const DefaultBufferSize = 1024 * 256 // cancellation is polled once per buffer
const LogFile = ".voxpull.log"
const ToolUserAgent = "voxpull/1.0 (+https://github.com/tanq16/voxpull)"
const MaxRedirects = 10
const SnippetSize = 512
const DefaultIdleTimeout = 60 * time.Second // longest wait for the next body bytes

var (
	ErrInterrupted       = errors.New("transfer interrupted before all bytes arrived")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrCancelled         = errors.New("transfer cancelled")
	ErrStalled           = errors.New("transfer stalled")
)

// HTTPStatusError is returned for any response status other than 200/206
// once redirects have been followed.
type HTTPStatusError struct {
	URL         string
	StatusCode  int
	Status      string
	ContentType string
	Snippet     string
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
	if e.ContentType != "" {
		msg += fmt.Sprintf(" (content-type %s)", e.ContentType)
	}
	return msg
}
