package validate

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const blockSize = 512

// TarReader is satisfied by *tar.Reader and *LenientTarReader.
type TarReader interface {
	Next() (*tar.Header, error)
	io.Reader
}

// IsHeaderQuirk reports whether err from archive/tar looks like extended
// header encoding trouble that the lenient reader can get past.
func IsHeaderQuirk(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, tar.ErrHeader) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"pax", "extension", "gnu", "invalid tar header"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// LenientTarReader walks raw ustar blocks. PAX records are skipped and GNU
// long names applied; header checksums and PAX attribute syntax are not
// verified.
type LenientTarReader struct {
	r         io.Reader
	remaining int64
	pad       int64
	longName  string
	longLink  string
}

func NewLenientTarReader(r io.Reader) *LenientTarReader {
	return &LenientTarReader{r: r}
}

func (t *LenientTarReader) Next() (*tar.Header, error) {
	if err := t.discard(t.remaining + t.pad); err != nil {
		return nil, err
	}
	t.remaining, t.pad = 0, 0
	var block [blockSize]byte
	for {
		if _, err := io.ReadFull(t.r, block[:]); err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("lenient tar: %w", io.ErrUnexpectedEOF)
		}
		if isZeroBlock(block[:]) {
			return nil, io.EOF
		}
		size, err := parseNumeric(block[124:136])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("lenient tar: bad size field %q", block[124:136])
		}
		pad := (blockSize - size%blockSize) % blockSize
		typeflag := block[156]
		switch typeflag {
		case tar.TypeXHeader, tar.TypeXGlobalHeader:
			if err := t.discard(size + pad); err != nil {
				return nil, err
			}
			continue
		case tar.TypeGNULongName, tar.TypeGNULongLink:
			if size > 64<<10 {
				return nil, fmt.Errorf("lenient tar: long name record of %d bytes", size)
			}
			data := make([]byte, size)
			if _, err := io.ReadFull(t.r, data); err != nil {
				return nil, fmt.Errorf("lenient tar: %w", io.ErrUnexpectedEOF)
			}
			if err := t.discard(pad); err != nil {
				return nil, err
			}
			if typeflag == tar.TypeGNULongName {
				t.longName = cString(data)
			} else {
				t.longLink = cString(data)
			}
			continue
		}

		name := cString(block[0:100])
		if bytes.Equal(block[257:262], []byte("ustar")) {
			if prefix := cString(block[345:500]); prefix != "" {
				name = prefix + "/" + name
			}
		}
		if t.longName != "" {
			name, t.longName = t.longName, ""
		}
		linkname := cString(block[157:257])
		if t.longLink != "" {
			linkname, t.longLink = t.longLink, ""
		}
		mode, _ := parseNumeric(block[100:108])
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     name,
			Linkname: linkname,
			Size:     size,
			Mode:     mode,
			Typeflag: typeflag,
		}
		switch typeflag {
		case tar.TypeReg, tar.TypeChar, tar.TypeBlock, tar.TypeFifo, tar.TypeCont:
			t.remaining = size
			t.pad = pad
		default:
			// links and directories carry no body even when size is set
			t.remaining = 0
			t.pad = 0
			if err := t.discard(size + pad); err != nil {
				return nil, err
			}
		}
		return hdr, nil
	}
}

func (t *LenientTarReader) Read(p []byte) (int, error) {
	if t.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > t.remaining {
		p = p[:t.remaining]
	}
	n, err := t.r.Read(p)
	t.remaining -= int64(n)
	if err == io.EOF && t.remaining > 0 {
		return n, io.ErrUnexpectedEOF
	}
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (t *LenientTarReader) discard(n int64) error {
	if n <= 0 {
		return nil
	}
	copied, err := io.CopyN(io.Discard, t.r, n)
	if copied < n {
		return fmt.Errorf("lenient tar: %w", io.ErrUnexpectedEOF)
	}
	return err
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// parseNumeric decodes an octal header field, or base-256 when the high bit
// of the first byte is set.
func parseNumeric(field []byte) (int64, error) {
	if len(field) > 0 && field[0]&0x80 != 0 {
		var v int64
		for i, c := range field {
			if i == 0 {
				c &= 0x7f
			}
			v = v<<8 | int64(c)
		}
		return v, nil
	}
	s := strings.Trim(string(field), " \x00")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}
