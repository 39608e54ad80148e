package installer

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tanq16/voxpull/internal/utils"
	"github.com/tanq16/voxpull/internal/validate"
)

// extractor unpacks one payload into a staging directory. It checks ctx
// between entries and chunks and stops writing once limit bytes are out.
type extractor struct {
	ctx       context.Context
	dst       string
	limit     int64
	written   int64
	progress  func(written int64)
	onLenient func(error)
	links     *validate.LinkSet
}

func (e *extractor) extract(src string, format validate.Format, payloadName string) error {
	switch format {
	case validate.FormatZip:
		return e.extractZip(src)
	case validate.FormatTarGz, validate.FormatTarBz2, validate.FormatTar:
		err := e.extractTar(src, format, false)
		if err != nil && validate.IsHeaderQuirk(err) {
			if e.onLenient != nil {
				e.onLenient(err)
			}
			if err := e.reset(); err != nil {
				return err
			}
			return e.extractTar(src, format, true)
		}
		return err
	case validate.FormatRaw:
		return e.copyPayload(src, payloadName)
	}
	return fmt.Errorf("%w: %q", validate.ErrUnsupportedFormat, format)
}

// reset empties the staging directory before a second decoding pass.
func (e *extractor) reset() error {
	if err := os.RemoveAll(e.dst); err != nil {
		return err
	}
	e.written = 0
	return os.MkdirAll(e.dst, 0o755)
}

func (e *extractor) extractTar(src string, format validate.Format, lenient bool) error {
	tr, closer, err := validate.OpenTar(src, format, lenient)
	if err != nil {
		return err
	}
	defer closer.Close()
	e.links = validate.NewLinkSet()
	for {
		if err := e.ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", utils.ErrCancelled, err)
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return e.finishLinks()
		}
		if err != nil {
			return err
		}
		target, err := validate.SafeJoin(e.dst, hdr.Name)
		if err != nil {
			return err
		}
		if err := e.checkEntry(hdr.Name, hdr.Linkname, hdr.Typeflag == tar.TypeSymlink, hdr.Typeflag == tar.TypeLink); err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := e.writeFile(target, tr, hdr.Size, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := e.symlink(hdr.Name, hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			if err := validate.CheckLink(hdr.Name, hdr.Linkname, true); err != nil {
				return err
			}
			source, err := validate.SafeJoin(e.dst, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil {
				return fmt.Errorf("error linking %s: %w", hdr.Name, err)
			}
		}
		// device nodes, fifos and the like are skipped
	}
}

func (e *extractor) extractZip(src string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()
	e.links = validate.NewLinkSet()
	for _, f := range zr.File {
		if err := e.ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", utils.ErrCancelled, err)
		}
		target, err := validate.SafeJoin(e.dst, f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		if mode&os.ModeSymlink == 0 {
			if err := e.checkEntry(f.Name, "", false, false); err != nil {
				return err
			}
		}
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			rc, err := f.Open()
			if err != nil {
				return err
			}
			link, err := io.ReadAll(io.LimitReader(rc, 4096))
			rc.Close()
			if err != nil {
				return err
			}
			if err := e.checkEntry(f.Name, string(link), true, false); err != nil {
				return err
			}
			if err := e.symlink(f.Name, string(link), target); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return err
			}
			err = e.writeFile(target, rc, int64(f.UncompressedSize64), mode)
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return e.finishLinks()
}

// checkEntry refuses entries the filesystem would resolve through a symlink
// created earlier in the same archive.
func (e *extractor) checkEntry(name, linkname string, symlink, hardlink bool) error {
	if reason := e.links.Add(name, linkname, symlink, hardlink); reason != "" {
		return validate.TraversalError(name, reason)
	}
	return nil
}

func (e *extractor) finishLinks() error {
	if bad := e.links.Finish(); len(bad) > 0 {
		return validate.TraversalError(bad[0], "unsafe symlink target")
	}
	return nil
}

func (e *extractor) symlink(name, linkname, target string) error {
	if err := validate.CheckLink(name, linkname, false); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Symlink(linkname, target); err != nil {
		return fmt.Errorf("error creating symlink %s: %w", name, err)
	}
	return nil
}

// writeFile copies at most size bytes. A body longer than its header claims
// is treated as corruption rather than silently truncated.
func (e *extractor) writeFile(target string, r io.Reader, size int64, mode os.FileMode) error {
	if e.written+size > e.limit {
		return &validate.Error{
			Kind:    validate.KindSuspiciousSize,
			Message: "the archive would expand to an unreasonable size",
			Details: fmt.Sprintf("extraction passed %d bytes at %s", e.limit, target),
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	perm := mode.Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	base := e.written
	n, err := utils.CopyChunks(e.ctx, out, io.LimitReader(r, size+1), utils.DefaultBufferSize, func(n int64) {
		e.written += n
		if e.progress != nil {
			e.progress(e.written)
		}
	})
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if errors.Is(err, utils.ErrInterrupted) || (err == nil && n < size) {
		return &validate.Error{
			Kind:    validate.KindCorrupted,
			Message: "the archive is damaged or incomplete",
			Details: fmt.Sprintf("entry %s ended after %d of %d bytes", target, n, size),
		}
	}
	if err != nil {
		return err
	}
	if n > size {
		return &validate.Error{
			Kind:    validate.KindCorrupted,
			Message: "the archive is damaged or incomplete",
			Details: fmt.Sprintf("entry %s is longer than its declared %d bytes", target, size),
		}
	}
	e.written = base + n
	return nil
}

// copyPayload installs a non-archive download under its URL base name.
func (e *extractor) copyPayload(src, name string) error {
	target, err := validate.SafeJoin(e.dst, name)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	return e.writeFile(target, in, info.Size(), 0o644)
}
