package classify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tanq16/voxpull/internal/utils"
	"github.com/tanq16/voxpull/internal/validate"
)

func TestClassifyValidationKinds(t *testing.T) {
	c := New()
	cases := map[validate.Kind]Action{
		validate.KindChecksumMismatch:  ActionDeleteAndRetry,
		validate.KindHTMLErrorPage:     ActionDeleteAndRetry,
		validate.KindInvalidMagic:      ActionDeleteAndRetry,
		validate.KindTooSmall:          ActionDeleteAndRetry,
		validate.KindEmptyFile:         ActionDeleteAndRetry,
		validate.KindEmptyArchive:      ActionDeleteAndRetry,
		validate.KindCorrupted:         ActionDeleteAndRetry,
		validate.KindPathTraversal:     ActionAbort,
		validate.KindSuspiciousSize:    ActionAbort,
		validate.KindSuspiciousNames:   ActionAbort,
		validate.KindUnsupportedFormat: ActionAbort,
	}
	for kind, want := range cases {
		err := fmt.Errorf("validate: %w", &validate.Error{Kind: kind, Message: "m", Details: "d", Offending: []string{"../x"}})
		ctx := c.Classify("core-a", "", err)
		assert.Equal(t, want, ctx.Action, kind)
		assert.NotEmpty(t, ctx.UserMessage)
		assert.Contains(t, ctx.TechnicalDetails, "action="+string(want))
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	c := New()
	cases := map[int]Action{
		401: ActionAbort,
		403: ActionAbort,
		404: ActionAbort,
		410: ActionAbort,
		416: ActionDeleteAndRetry,
		429: ActionRetry,
		500: ActionRetry,
		503: ActionRetry,
		400: ActionAbort,
	}
	for code, want := range cases {
		err := fmt.Errorf("transfer: %w", &utils.HTTPStatusError{URL: "https://h/core.tar.gz", StatusCode: code, Snippet: "<html>"})
		ctx := c.Classify("core-a", "", err)
		assert.Equal(t, want, ctx.Action, code)
		assert.Equal(t, CategoryTransport, ctx.Category)
		assert.Contains(t, ctx.TechnicalDetails, `body: "<html>"`)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransportAndFilesystem(t *testing.T) {
	c := New()
	assert.Equal(t, ActionRetry, c.Classify("a", "", fmt.Errorf("x: %w", utils.ErrInterrupted)).Action)
	assert.Equal(t, ActionRetry, c.Classify("a", "", &net.OpError{Op: "dial", Err: timeoutErr{}}).Action)
	assert.Equal(t, ActionRetry, c.Classify("a", "", &net.DNSError{Err: "no such host", Name: "cdn"}).Action)
	assert.Equal(t, ActionRetry, c.Classify("a", "", context.DeadlineExceeded).Action)

	full := c.Classify("a", "", &fs.PathError{Op: "write", Path: "/m", Err: syscall.ENOSPC})
	assert.Equal(t, ActionUserAction, full.Action)
	assert.Contains(t, full.UserMessage, "disk space")

	assert.Equal(t, ActionAbort, c.Classify("a", "", &fs.PathError{Op: "open", Path: "/m", Err: syscall.EACCES}).Action)
	assert.Equal(t, ActionAbort, c.Classify("a", "", fs.ErrPermission).Action)

	cancelled := c.Classify("a", "", fmt.Errorf("%w: %w", utils.ErrCancelled, context.Canceled))
	assert.Equal(t, ActionAbort, cancelled.Action)
	assert.Equal(t, CategoryCancelled, cancelled.Category)
}

func TestClassifyFormatMessagesCrossReferenceHTML(t *testing.T) {
	dir := t.TempDir()
	page := dir + "/core.tar.gz.tmp"
	assert.NoError(t, os.WriteFile(page, []byte("<!doctype html><title>Error</title>"), 0o644))

	c := New()
	ctx := c.Classify("core-a", page, errors.New("FormatException: unexpected extension byte at offset 3"))
	assert.Equal(t, ActionDeleteAndRetry, ctx.Action)
	assert.Contains(t, ctx.UserMessage, "web page instead of the archive")
	assert.Contains(t, ctx.TechnicalDetails, "<!doctype html>")

	plain := c.Classify("core-a", "", errors.New("gzip: invalid header"))
	assert.Equal(t, ActionDeleteAndRetry, plain.Action)
	assert.Equal(t, CategoryArchive, plain.Category)
}

func TestClassifyCorruptedArchiveThatIsHTML(t *testing.T) {
	c := &Classifier{Sniff: func(string) ([]byte, error) { return []byte("<html><body>Access Denied</body></html>"), nil }}
	ctx := c.Classify("core-a", "/tmp/x", &validate.Error{Kind: validate.KindCorrupted, Message: "damaged"})
	assert.Equal(t, ActionDeleteAndRetry, ctx.Action)
	assert.Equal(t, CategoryValidation, ctx.Category)
	assert.Contains(t, ctx.UserMessage, "web page")
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 16*time.Second, Backoff(4))
	assert.Equal(t, 32*time.Second, Backoff(5))
	assert.Equal(t, 32*time.Second, Backoff(40))
	assert.True(t, ShouldRetry(ActionRetry))
	assert.True(t, ShouldRetry(ActionDeleteAndRetry))
	assert.False(t, ShouldRetry(ActionAbort))
	assert.False(t, ShouldRetry(ActionUserAction))
}
