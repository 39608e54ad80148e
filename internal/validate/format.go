package validate

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"
)

type Format string

const (
	FormatUnknown Format = ""
	FormatTarGz   Format = "tar.gz"
	FormatTarBz2  Format = "tar.bz2"
	FormatTar     Format = "tar"
	FormatZip     Format = "zip"
	FormatRaw     Format = "raw"
)

func (f Format) IsArchive() bool {
	switch f {
	case FormatTarGz, FormatTarBz2, FormatTar, FormatZip:
		return true
	}
	return false
}

// magicHex is the signature expected at offset 0, printed the way mismatches
// are reported.
func (f Format) magicHex() string {
	switch f {
	case FormatTarGz:
		return "1f 8b"
	case FormatTarBz2:
		return "42 5a"
	case FormatZip:
		return "50 4b"
	case FormatTar:
		return "ustar@257"
	}
	return ""
}

func urlPath(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		return strings.ToLower(parsed.Path)
	}
	return strings.ToLower(rawURL)
}

// FormatFromURL infers the payload format from the URL path extension.
func FormatFromURL(rawURL string) Format {
	p := urlPath(rawURL)
	switch {
	case strings.HasSuffix(p, ".tar.gz"), strings.HasSuffix(p, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(p, ".tar.bz2"), strings.HasSuffix(p, ".tbz2"):
		return FormatTarBz2
	case strings.HasSuffix(p, ".zip"):
		return FormatZip
	case strings.HasSuffix(p, ".tar"):
		return FormatTar
	}
	return FormatRaw
}

// TempExtension names the raw download file suffix for rawURL, without the
// trailing ".tmp".
func TempExtension(rawURL string) string {
	p := urlPath(rawURL)
	for _, ext := range []string{"tar.gz", "tgz", "tar.bz2", "tbz2", "zip"} {
		if strings.HasSuffix(p, "."+ext) {
			return ext
		}
	}
	return "download"
}

// TempExtensions lists every suffix TempExtension can produce.
func TempExtensions() []string {
	return []string{"tar.gz", "tgz", "tar.bz2", "tbz2", "zip", "download"}
}

// PayloadName is the base name used when a non-archive payload is installed.
func PayloadName(rawURL string) string {
	name := path.Base(urlPath(rawURL))
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		name = path.Base(parsed.Path)
	}
	if name == "" || name == "." || name == "/" {
		return "payload.bin"
	}
	return name
}

// FormatFromMagic identifies a payload from its first bytes.
func FormatFromMagic(head []byte) Format {
	switch {
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		return FormatTarGz
	case bytes.HasPrefix(head, []byte("BZ")):
		return FormatTarBz2
	case bytes.HasPrefix(head, []byte("PK")):
		return FormatZip
	case len(head) >= 262 && bytes.Equal(head[257:262], []byte("ustar")):
		return FormatTar
	}
	return FormatUnknown
}

func leadingHex(head []byte) string {
	n := min(len(head), 4)
	if n == 0 {
		return "<empty>"
	}
	return fmt.Sprintf("% x", head[:n])
}
