package validate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation matches every *Error through errors.Is.
var ErrValidation = errors.New("validation failed")

type Kind string

const (
	// download layer
	KindEmptyFile           Kind = "emptyFile"
	KindTooSmall            Kind = "tooSmall"
	KindHTMLErrorPage       Kind = "htmlErrorPage"
	KindInvalidMagic        Kind = "invalidMagic"
	KindContentTypeMismatch Kind = "contentTypeMismatch"
	KindChecksumMismatch    Kind = "checksumMismatch"

	// archive layer
	KindCorrupted         Kind = "corrupted"
	KindPathTraversal     Kind = "pathTraversal"
	KindSuspiciousSize    Kind = "suspiciousSize"
	KindEmptyArchive      Kind = "emptyArchive"
	KindUnsupportedFormat Kind = "unsupportedFormat"
	KindSuspiciousNames   Kind = "suspiciousNames"
)

// IsArchiveKind reports whether k comes from structural archive checks.
func (k Kind) IsArchiveKind() bool {
	switch k {
	case KindCorrupted, KindPathTraversal, KindSuspiciousSize, KindEmptyArchive, KindUnsupportedFormat, KindSuspiciousNames:
		return true
	}
	return false
}

// Error is the structured failure carried by a Result. Message is short and
// meant for users, Details is the technical account.
type Error struct {
	Kind      Kind
	Message   string
	Details   string
	Expected  string
	Observed  string
	Offending []string
	Preview   string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Message)
	if e.Expected != "" || e.Observed != "" {
		fmt.Fprintf(&b, " (expected %s, observed %s)", e.Expected, e.Observed)
	}
	if len(e.Offending) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Offending, ", "))
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	return target == ErrValidation
}

// Result is returned by every validation entry point instead of a bare error.
type Result struct {
	OK                bool
	Err               *Error
	Format            Format
	Entries           int
	UncompressedBytes int64
	SHA256            string
}

func failed(format Format, err *Error) Result {
	return Result{Format: format, Err: err}
}
