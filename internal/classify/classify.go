// Package classify maps install failures onto a recovery action.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/tanq16/voxpull/internal/utils"
	"github.com/tanq16/voxpull/internal/validate"
)

type Action string

const (
	ActionRetry          Action = "retry"
	ActionDeleteAndRetry Action = "deleteAndRetry"
	ActionAbort          Action = "abort"
	ActionUserAction     Action = "userAction"
)

type Category string

const (
	CategoryValidation Category = "validation"
	CategoryArchive    Category = "archive"
	CategoryTransport  Category = "transport"
	CategoryFilesystem Category = "filesystem"
	CategoryCancelled  Category = "cancelled"
	CategoryUnknown    Category = "unknown"
)

const maxBackoff = 32 * time.Second

// formatHints are message fragments decoders produce when fed a payload that
// is not what its extension claims.
var formatHints = []string{
	"unexpected extension byte",
	"gzip: invalid header",
	"invalid checksum",
	"not a valid zip file",
	"bzip2 data invalid",
	"unexpected eof",
	"archive/tar: invalid",
	"flate: corrupt input",
}

type ErrorContext struct {
	AssetID          string
	Action           Action
	Category         Category
	UserMessage      string
	TechnicalDetails string
	Cause            error
}

type Classifier struct {
	// Sniff returns the leading bytes of a file. It is used to explain
	// format errors raised by decoders.
	Sniff func(path string) ([]byte, error)
}

func New() *Classifier {
	return &Classifier{Sniff: validate.Sniff}
}

// Classify decides what to do about err, raised while installing assetID.
// path is the raw download, or "" when there is none.
func (c *Classifier) Classify(assetID, path string, err error) ErrorContext {
	if err == nil {
		return describe(assetID, ActionAbort, CategoryUnknown, "no error was reported", "", nil)
	}

	var vErr *validate.Error
	if errors.As(err, &vErr) {
		return c.fromValidation(assetID, path, vErr, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, utils.ErrCancelled) {
		return describe(assetID, ActionAbort, CategoryCancelled, "the download was cancelled", "", err)
	}
	var statusErr *utils.HTTPStatusError
	if errors.As(err, &statusErr) {
		return fromStatus(assetID, statusErr, err)
	}
	switch {
	case errors.Is(err, utils.ErrTooManyRedirects):
		return describe(assetID, ActionAbort, CategoryTransport, "the server redirected too many times", "", err)
	case errors.Is(err, utils.ErrUnsupportedScheme):
		return describe(assetID, ActionAbort, CategoryTransport, "the download address is not supported", "", err)
	case errors.Is(err, syscall.ENOSPC):
		return describe(assetID, ActionUserAction, CategoryFilesystem, "there is not enough disk space", "", err)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EROFS):
		return describe(assetID, ActionAbort, CategoryFilesystem, "the install folder is not writable", "", err)
	case errors.Is(err, utils.ErrInterrupted):
		return describe(assetID, ActionRetry, CategoryTransport, "the connection dropped before the download finished", "", err)
	case errors.Is(err, context.DeadlineExceeded):
		return describe(assetID, ActionRetry, CategoryTransport, "the server took too long to respond", "", err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED):
		return describe(assetID, ActionRetry, CategoryTransport, "the server could not be reached", "", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return describe(assetID, ActionRetry, CategoryTransport, "the connection timed out", "", err)
		}
		return describe(assetID, ActionRetry, CategoryTransport, "the server could not be reached", "", err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return c.formatFailure(assetID, path, err)
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range formatHints {
		if strings.Contains(msg, hint) {
			return c.formatFailure(assetID, path, err)
		}
	}
	return describe(assetID, ActionRetry, CategoryUnknown, "an unexpected error occurred", "", err)
}

func (c *Classifier) fromValidation(assetID, path string, vErr *validate.Error, err error) ErrorContext {
	category := CategoryValidation
	if vErr.Kind.IsArchiveKind() {
		category = CategoryArchive
	}
	var detail strings.Builder
	detail.WriteString(vErr.Details)
	if vErr.Expected != "" || vErr.Observed != "" {
		fmt.Fprintf(&detail, "; expected %s, observed %s", vErr.Expected, vErr.Observed)
	}
	if len(vErr.Offending) > 0 {
		fmt.Fprintf(&detail, "; offending entries: %s", strings.Join(vErr.Offending, ", "))
	}
	if vErr.Preview != "" {
		fmt.Fprintf(&detail, "; preview: %q", vErr.Preview)
	}

	switch vErr.Kind {
	case validate.KindPathTraversal, validate.KindSuspiciousSize, validate.KindSuspiciousNames, validate.KindUnsupportedFormat:
		return describe(assetID, ActionAbort, category, vErr.Message, detail.String(), err)
	case validate.KindCorrupted:
		if ctx, ok := c.htmlExplanation(assetID, path, detail.String(), err); ok {
			return ctx
		}
	}
	return describe(assetID, ActionDeleteAndRetry, category, vErr.Message, detail.String(), err)
}

func fromStatus(assetID string, statusErr *utils.HTTPStatusError, err error) ErrorContext {
	detail := fmt.Sprintf("status %d from %s", statusErr.StatusCode, statusErr.URL)
	if statusErr.ContentType != "" {
		detail += fmt.Sprintf("; content-type %s", statusErr.ContentType)
	}
	if statusErr.Snippet != "" {
		detail += fmt.Sprintf("; body: %q", statusErr.Snippet)
	}
	code := statusErr.StatusCode
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return describe(assetID, ActionAbort, CategoryTransport, "the server refused access to the file", detail, err)
	case code == http.StatusNotFound || code == http.StatusGone:
		return describe(assetID, ActionAbort, CategoryTransport, "the file is no longer available on the server", detail, err)
	case code == http.StatusRequestedRangeNotSatisfiable:
		return describe(assetID, ActionDeleteAndRetry, CategoryTransport, "the partial download no longer matches the server copy", detail, err)
	case code == http.StatusRequestTimeout || code == http.StatusTooEarly || code == http.StatusTooManyRequests:
		return describe(assetID, ActionRetry, CategoryTransport, "the server asked to try again later", detail, err)
	case code >= 500:
		return describe(assetID, ActionRetry, CategoryTransport, "the server is having problems", detail, err)
	case code >= 400:
		return describe(assetID, ActionAbort, CategoryTransport, "the server rejected the request", detail, err)
	}
	return describe(assetID, ActionRetry, CategoryTransport, "the server sent an unexpected response", detail, err)
}

// formatFailure handles decoder errors. When the payload turns out to be a
// web page the explanation says so instead of quoting the decoder.
func (c *Classifier) formatFailure(assetID, path string, err error) ErrorContext {
	if ctx, ok := c.htmlExplanation(assetID, path, "", err); ok {
		return ctx
	}
	detail := ""
	if strings.Contains(strings.ToLower(err.Error()), "unexpected extension byte") {
		detail = "decoder hit bytes that do not belong to the declared format; the payload is probably not an archive"
	}
	return describe(assetID, ActionDeleteAndRetry, CategoryArchive, "the downloaded file is damaged", detail, err)
}

func (c *Classifier) htmlExplanation(assetID, path, detail string, err error) (ErrorContext, bool) {
	if path == "" || c.Sniff == nil {
		return ErrorContext{}, false
	}
	head, sniffErr := c.Sniff(path)
	if sniffErr != nil || validate.FormatFromMagic(head) != validate.FormatUnknown || !validate.LooksLikeHTML(head) {
		return ErrorContext{}, false
	}
	if detail != "" {
		detail += "; "
	}
	detail += fmt.Sprintf("payload preview: %q", validate.Preview(head))
	return describe(assetID, ActionDeleteAndRetry, CategoryValidation, "the server returned a web page instead of the archive", detail, err), true
}

// describe builds the user and technical texts in one place so they always
// agree.
func describe(assetID string, action Action, category Category, summary, detail string, cause error) ErrorContext {
	user := summary
	if assetID != "" {
		user = fmt.Sprintf("%s: %s", assetID, summary)
	}
	switch action {
	case ActionRetry:
		user += ". It will be retried automatically."
	case ActionDeleteAndRetry:
		user += ". The partial file was discarded and the download will start over."
	case ActionUserAction:
		user += ". Free up disk space and try again."
	default:
		user += "."
	}
	tech := fmt.Sprintf("asset=%s action=%s category=%s", assetID, action, category)
	if detail != "" {
		tech += "; " + detail
	}
	if cause != nil {
		tech += fmt.Sprintf("; cause (%T): %v", cause, cause)
	}
	return ErrorContext{
		AssetID:          assetID,
		Action:           action,
		Category:         category,
		UserMessage:      user,
		TechnicalDetails: tech,
		Cause:            cause,
	}
}

// Backoff is the wait before retry number attempt (0-based): 1s doubled per
// attempt, capped at 32s.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 6 {
		return maxBackoff
	}
	return min(time.Second<<attempt, maxBackoff)
}

func ShouldRetry(action Action) bool {
	return action == ActionRetry || action == ActionDeleteAndRetry
}
