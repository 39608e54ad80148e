package validate

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
)

var ErrUnsupportedFormat = errors.New("unsupported archive format")

var shellSequences = []string{"$(", "`", ";", "|", "&&", ">", "<"}

var encodedTraversal = []string{"%2e%2e", "%2f", "%5c", "%252e", "..%c0%af"}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		errs = append(errs, m[i].Close())
	}
	return errors.Join(errs...)
}

// OpenTar opens a tar-family archive for sequential reading. With lenient
// set the raw block reader replaces archive/tar.
func OpenTar(archivePath string, format Format, lenient bool) (TarReader, io.Closer, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, err
	}
	closers := multiCloser{f}
	var stream io.Reader = f
	switch format {
	case FormatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		closers = append(closers, gz)
		stream = gz
	case FormatTarBz2:
		stream = bzip2.NewReader(f)
	case FormatTar:
	default:
		f.Close()
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if lenient {
		return NewLenientTarReader(stream), closers, nil
	}
	return tar.NewReader(stream), closers, nil
}

// entryCheck accumulates findings over an archive's entry table.
type entryCheck struct {
	limits     Limits
	entries    int
	files      int
	total      int64
	traversal  []string
	suspicious []string
	links      *LinkSet
}

func (c *entryCheck) note(list *[]string, name, reason string) {
	if len(*list) < c.limits.ReportEntries {
		*list = append(*list, fmt.Sprintf("%q (%s)", truncateName(name), reason))
	}
}

// add records one entry. A non-nil error means the walk must stop now.
func (c *entryCheck) add(name, linkname string, isLink, isHardLink, isRegular bool, size int64) *Error {
	c.entries++
	if c.entries > c.limits.MaxEntries {
		return &Error{
			Kind:     KindSuspiciousSize,
			Message:  "the archive contains too many entries",
			Details:  fmt.Sprintf("entry count passed the limit of %d", c.limits.MaxEntries),
			Expected: fmt.Sprintf("<= %d entries", c.limits.MaxEntries),
			Observed: fmt.Sprintf("> %d entries", c.limits.MaxEntries),
		}
	}
	if size > 0 {
		c.total += size
	}
	if c.total > c.limits.MaxUncompressedBytes {
		return &Error{
			Kind:      KindSuspiciousSize,
			Message:   "the archive would expand to an unreasonable size",
			Details:   fmt.Sprintf("declared uncompressed size reached %d bytes after %d entries (limit %d)", c.total, c.entries, c.limits.MaxUncompressedBytes),
			Expected:  "<= " + humanize.IBytes(uint64(c.limits.MaxUncompressedBytes)),
			Observed:  "> " + humanize.IBytes(uint64(c.limits.MaxUncompressedBytes)),
			Offending: []string{truncateName(name)},
		}
	}
	if isRegular {
		c.files++
	}
	if reason := traversalReason(name); reason != "" {
		c.note(&c.traversal, name, reason)
	}
	if reason := c.suspiciousReason(name); reason != "" {
		c.note(&c.suspicious, name, reason)
	}
	if isLink || isHardLink {
		if reason := linkEscapeReason(name, linkname, isHardLink); reason != "" {
			c.note(&c.traversal, name+" -> "+linkname, reason)
		}
	}
	if c.links == nil {
		c.links = NewLinkSet()
	}
	if reason := c.links.Add(name, linkname, isLink, isHardLink); reason != "" {
		c.note(&c.traversal, name, reason)
	}
	return nil
}

func (c *entryCheck) suspiciousReason(name string) string {
	if strings.ContainsRune(name, 0) {
		return "null byte"
	}
	if len(name) > c.limits.MaxNameLength {
		return fmt.Sprintf("name longer than %d characters", c.limits.MaxNameLength)
	}
	for _, seq := range shellSequences {
		if strings.Contains(name, seq) {
			return fmt.Sprintf("shell metacharacter %q", seq)
		}
	}
	return ""
}

func (c *entryCheck) result(format Format) Result {
	if c.links != nil {
		for _, bad := range c.links.Finish() {
			if len(c.traversal) < c.limits.ReportEntries {
				c.traversal = append(c.traversal, bad)
			}
		}
	}
	switch {
	case len(c.traversal) > 0:
		return failed(format, &Error{
			Kind:      KindPathTraversal,
			Message:   "the archive contains entries that would escape the install folder",
			Details:   fmt.Sprintf("%d of %d entries inspected before rejection", len(c.traversal), c.entries),
			Offending: c.traversal,
		})
	case len(c.suspicious) > 0:
		return failed(format, &Error{
			Kind:      KindSuspiciousNames,
			Message:   "the archive contains entries with unsafe names",
			Details:   fmt.Sprintf("%d suspicious names among %d entries", len(c.suspicious), c.entries),
			Offending: c.suspicious,
		})
	case c.files == 0:
		return failed(format, &Error{
			Kind:    KindEmptyArchive,
			Message: "the archive contains no files",
			Details: fmt.Sprintf("%d entries, none of them regular files", c.entries),
		})
	}
	return Result{OK: true, Format: format, Entries: c.entries, UncompressedBytes: c.total}
}

// ValidateArchive inspects only the entry table of an archive. No entry is
// written anywhere.
func (v *Validator) ValidateArchive(archivePath string, format Format) Result {
	switch format {
	case FormatZip:
		return v.validateZip(archivePath)
	case FormatTarGz, FormatTarBz2, FormatTar:
		res, walkErr := v.validateTar(archivePath, format, false)
		if walkErr != nil && IsHeaderQuirk(walkErr) {
			res, walkErr = v.validateTar(archivePath, format, true)
		}
		if walkErr != nil {
			return corrupted(format, walkErr)
		}
		return res
	}
	return failed(format, &Error{
		Kind:    KindUnsupportedFormat,
		Message: "the file is not an archive format that can be installed",
		Details: fmt.Sprintf("format %q for %s", format, archivePath),
	})
}

// validateTar returns a non-nil error only for decoding failures, so the
// caller can decide whether a lenient retry is worth it.
func (v *Validator) validateTar(archivePath string, format Format, lenient bool) (Result, error) {
	tr, closer, err := OpenTar(archivePath, format, lenient)
	if err != nil {
		return Result{}, err
	}
	defer closer.Close()
	check := &entryCheck{limits: v.limits}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, err
		}
		isRegular := hdr.Typeflag == tar.TypeReg
		if stop := check.add(hdr.Name, hdr.Linkname, hdr.Typeflag == tar.TypeSymlink, hdr.Typeflag == tar.TypeLink, isRegular, hdr.Size); stop != nil {
			return failed(format, stop), nil
		}
	}
	return check.result(format), nil
}

func (v *Validator) validateZip(archivePath string) Result {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return corrupted(FormatZip, err)
	}
	defer zr.Close()
	check := &entryCheck{limits: v.limits}
	for _, f := range zr.File {
		mode := f.Mode()
		isLink := mode&os.ModeSymlink != 0
		var linkname string
		if isLink {
			linkname, err = readZipLink(f)
			if err != nil {
				return corrupted(FormatZip, err)
			}
		}
		if stop := check.add(f.Name, linkname, isLink, false, mode.IsRegular(), int64(f.UncompressedSize64)); stop != nil {
			return failed(FormatZip, stop)
		}
	}
	return check.result(FormatZip)
}

func readZipLink(f *zip.File) (string, error) {
	if f.UncompressedSize64 > 4096 {
		return "", fmt.Errorf("symlink %q has a %d byte target", f.Name, f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	target, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", err
	}
	return string(target), nil
}

func corrupted(format Format, err error) Result {
	return failed(format, &Error{
		Kind:    KindCorrupted,
		Message: "the archive is damaged or incomplete",
		Details: err.Error(),
	})
}

func traversalReason(name string) string {
	lower := strings.ToLower(name)
	for _, enc := range encodedTraversal {
		if strings.Contains(lower, enc) {
			return "encoded traversal"
		}
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "absolute path"
	}
	if len(name) >= 2 && name[1] == ':' && isASCIILetter(name[0]) {
		return "drive letter"
	}
	for _, seg := range strings.Split(strings.ReplaceAll(name, `\`, "/"), "/") {
		if seg == ".." {
			return "parent directory segment"
		}
	}
	return ""
}

// linkEscapeReason resolves a link target against the archive root.
// Symlink targets are relative to the link's directory, hardlink targets to
// the root.
func linkEscapeReason(name, linkname string, hardlink bool) string {
	if linkname == "" {
		return ""
	}
	target := strings.ReplaceAll(linkname, `\`, "/")
	if strings.HasPrefix(target, "/") || (len(target) >= 2 && target[1] == ':' && isASCIILetter(target[0])) {
		return "link to absolute path"
	}
	if !hardlink {
		target = path.Join(path.Dir(strings.ReplaceAll(name, `\`, "/")), target)
	}
	target = path.Clean(target)
	if target == ".." || strings.HasPrefix(target, "../") {
		return "link escapes archive root"
	}
	return ""
}

// SafeJoin joins an entry name under base, refusing results outside base.
func SafeJoin(base, name string) (string, error) {
	if reason := traversalReason(name); reason != "" {
		return "", fmt.Errorf("invalid path %q: %s", name, reason)
	}
	target := filepath.Clean(filepath.Join(base, filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))))
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: %s", name)
	}
	return target, nil
}

// CheckLink applies the archive link rules at extraction time.
func CheckLink(name, linkname string, hardlink bool) error {
	if reason := linkEscapeReason(name, linkname, hardlink); reason != "" {
		return fmt.Errorf("invalid link %q -> %q: %s", name, linkname, reason)
	}
	return nil
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func truncateName(name string) string {
	const maxShown = 120
	name = strings.ReplaceAll(name, "\x00", `\0`)
	if len(name) > maxShown {
		return name[:maxShown] + "..."
	}
	return name
}
