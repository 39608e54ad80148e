package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
)

const sniffSize = 512

var htmlMarkers = []string{
	"<!doctype",
	"<html",
	"<head",
	"<body",
	"rate limit",
	"too many requests",
	"access denied",
	"404 not found",
	"error</title>",
}

type Limits struct {
	MaxEntries           int
	MaxUncompressedBytes int64
	MaxNameLength        int
	ReportEntries        int
}

func DefaultLimits() Limits {
	return Limits{
		MaxEntries:           100_000,
		MaxUncompressedBytes: 5 << 30,
		MaxNameLength:        500,
		ReportEntries:        20,
	}
}

type Validator struct {
	limits Limits
}

// New returns a Validator; zero fields in limits take their defaults.
func New(limits Limits) *Validator {
	def := DefaultLimits()
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = def.MaxEntries
	}
	if limits.MaxUncompressedBytes <= 0 {
		limits.MaxUncompressedBytes = def.MaxUncompressedBytes
	}
	if limits.MaxNameLength <= 0 {
		limits.MaxNameLength = def.MaxNameLength
	}
	if limits.ReportEntries <= 0 {
		limits.ReportEntries = def.ReportEntries
	}
	return &Validator{limits: limits}
}

func (v *Validator) Limits() Limits { return v.limits }

// ValidateDownload checks a completed transfer before any decoder sees it.
// Checks run in order and stop at the first failure.
func (v *Validator) ValidateDownload(path, expectedURL string, expectedSize int64, expectedSHA256 string) Result {
	expected := FormatFromURL(expectedURL)
	info, err := os.Stat(path)
	if err != nil {
		return failed(expected, &Error{
			Kind:    KindEmptyFile,
			Message: "the download produced no file",
			Details: err.Error(),
		})
	}
	size := info.Size()
	if size == 0 {
		return failed(expected, &Error{
			Kind:    KindEmptyFile,
			Message: "the downloaded file is empty",
			Details: fmt.Sprintf("%s has 0 bytes (source %s)", path, expectedURL),
		})
	}
	var tooSmall *Error
	if expectedSize > 0 && size < expectedSize/2 {
		tooSmall = &Error{
			Kind:     KindTooSmall,
			Message:  "the downloaded file is much smaller than expected",
			Details:  fmt.Sprintf("%s has %d bytes, manifest declares %d", path, size, expectedSize),
			Expected: humanize.IBytes(uint64(expectedSize)),
			Observed: humanize.IBytes(uint64(size)),
		}
	}

	head, err := Sniff(path)
	if err != nil {
		return failed(expected, &Error{Kind: KindCorrupted, Message: "the downloaded file could not be read", Details: err.Error()})
	}
	observed := FormatFromMagic(head)
	if observed == FormatUnknown && LooksLikeHTML(head) {
		return failed(expected, &Error{
			Kind:     KindHTMLErrorPage,
			Message:  "the server returned a web page instead of the file",
			Details:  fmt.Sprintf("first %d bytes of %s contain HTML markers (source %s, %d bytes)", len(head), path, expectedURL, size),
			Expected: expected.magicHex(),
			Observed: leadingHex(head),
			Preview:  Preview(head),
		})
	}
	if tooSmall != nil {
		tooSmall.Preview = Preview(head)
		return failed(expected, tooSmall)
	}
	if expected.IsArchive() {
		switch {
		case observed == FormatUnknown:
			return failed(expected, &Error{
				Kind:     KindInvalidMagic,
				Message:  "the downloaded file is not a recognised archive",
				Details:  fmt.Sprintf("%s should start with %s for a %s archive", path, expected.magicHex(), expected),
				Expected: expected.magicHex(),
				Observed: leadingHex(head),
				Preview:  Preview(head),
			})
		case observed != expected:
			return failed(expected, &Error{
				Kind:     KindContentTypeMismatch,
				Message:  fmt.Sprintf("the file is a %s archive but the address promised %s", observed, expected),
				Details:  fmt.Sprintf("url %s implies %s (%s), payload starts with %s", expectedURL, expected, expected.magicHex(), leadingHex(head)),
				Expected: expected.magicHex(),
				Observed: leadingHex(head),
			})
		}
	}

	format := expected
	if expected.IsArchive() {
		format = observed
	}
	result := Result{OK: true, Format: format}
	if expectedSHA256 != "" {
		sum, err := HashFile(path)
		if err != nil {
			return failed(format, &Error{Kind: KindCorrupted, Message: "the downloaded file could not be hashed", Details: err.Error()})
		}
		if !strings.EqualFold(sum, expectedSHA256) {
			return failed(format, &Error{
				Kind:     KindChecksumMismatch,
				Message:  "the downloaded file does not match its published checksum",
				Details:  fmt.Sprintf("sha256 of %s (%d bytes) is %s", path, size, sum),
				Expected: strings.ToLower(expectedSHA256),
				Observed: sum,
			})
		}
		result.SHA256 = sum
	}
	return result
}

// Sniff returns up to the first 512 bytes of path.
func Sniff(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, sniffSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func LooksLikeHTML(head []byte) bool {
	lower := strings.ToLower(string(head))
	for _, marker := range htmlMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Preview renders head as printable text for diagnostics.
func Preview(head []byte) string {
	const maxPreview = 200
	var b strings.Builder
	for _, r := range strings.ToValidUTF8(string(head), "?") {
		if b.Len() >= maxPreview {
			break
		}
		if unicode.IsPrint(r) || r == ' ' {
			b.WriteRune(r)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
