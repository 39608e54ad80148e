package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// CopyChunks streams src into dst one buffer at a time, checking ctx between
// chunks. A cancelled ctx stops the copy at a chunk boundary so the bytes
// already written stay valid for a later resume.
func CopyChunks(ctx context.Context, dst io.Writer, src io.Reader, bufSize int, onChunk func(n int64)) (int64, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	buffer := make([]byte, bufSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
		}
		bytesRead, readErr := src.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := dst.Write(buffer[:bytesRead]); writeErr != nil {
				return written, fmt.Errorf("error writing to output file: %w", writeErr)
			}
			written += int64(bytesRead)
			if onChunk != nil {
				onChunk(int64(bytesRead))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			if errors.Is(readErr, io.ErrUnexpectedEOF) {
				return written, fmt.Errorf("%w: %w", ErrInterrupted, readErr)
			}
			return written, fmt.Errorf("error reading response body: %w", readErr)
		}
	}
}

// OpenForResume opens path for appending when resume is true and truncates it
// otherwise.
func OpenForResume(path string, resume bool) (*os.File, error) {
	mode := os.O_CREATE | os.O_WRONLY
	if resume {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, mode, 0644)
	if err != nil {
		return nil, fmt.Errorf("error creating output file: %w", err)
	}
	return f, nil
}

// ExistingSize returns the size of path, or 0 when it does not exist.
func ExistingSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0
	}
	return info.Size()
}

// ParseContentRange extracts start and total from "bytes start-end/total".
// total is -1 when the server reports "*".
func ParseContentRange(header string) (start, total int64, ok bool) {
	var end int64
	if n, _ := fmt.Sscanf(header, "bytes %d-%d/%d", &start, &end, &total); n == 3 {
		return start, total, true
	}
	if n, _ := fmt.Sscanf(header, "bytes %d-%d/*", &start, &end); n == 2 {
		return start, -1, true
	}
	return 0, 0, false
}
