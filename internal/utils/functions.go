package utils

import (
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
)

func FormatBytes(bytes uint64) string {
	return humanize.IBytes(bytes)
}

func FormatSpeed(bytes int64, elapsed float64) string {
	if elapsed <= 0 || bytes <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(float64(bytes)/elapsed)) + "/s"
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

// Scheme returns the lower-cased scheme of rawURL, or "" when it does not parse.
func Scheme(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// Snippet trims b to at most SnippetSize bytes for diagnostics.
func Snippet(b []byte) string {
	if len(b) > SnippetSize {
		b = b[:SnippetSize]
	}
	return strings.ToValidUTF8(string(b), "?")
}
