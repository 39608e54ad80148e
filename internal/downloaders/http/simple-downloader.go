// Package voxhttp implements resumable HTTP(S) transfers for asset payloads.
package voxhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/voxpull/internal/utils"
)

type Fetcher struct {
	client      utils.HTTPDoer
	logger      zerolog.Logger
	bufferSize  int
	idleTimeout time.Duration
}

type Option func(*Fetcher)

// WithIdleTimeout bounds how long a body read may wait for data. Zero or
// less disables the bound.
func WithIdleTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.idleTimeout = d }
}

func NewFetcher(client utils.HTTPDoer, logger zerolog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:      client,
		logger:      logger.With().Str("op", "http/simple-downloader").Logger(),
		bufferSize:  utils.DefaultBufferSize,
		idleTimeout: utils.DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads req.URL into req.OutputPath, resuming from the bytes
// already present when the server honours the range request.
func (f *Fetcher) Fetch(ctx context.Context, req utils.TransferRequest) (utils.TransferResult, error) {
	return f.fetch(ctx, req, false)
}

// fetch restarts from scratch at most once when the server answers a range
// request with the wrong range.
func (f *Fetcher) fetch(ctx context.Context, req utils.TransferRequest, restarted bool) (utils.TransferResult, error) {
	result := utils.TransferResult{FinalURL: req.URL}
	switch utils.Scheme(req.URL) {
	case "http", "https":
	default:
		return result, fmt.Errorf("%w: %s", utils.ErrUnsupportedScheme, req.URL)
	}

	resumeOffset := utils.ExistingSize(req.OutputPath)
	if req.ExpectedSize > 0 && resumeOffset == req.ExpectedSize {
		f.logger.Debug().Msgf("Partial file %s already holds %d bytes, skipping transfer", req.OutputPath, resumeOffset)
		result.TotalSize = resumeOffset
		result.Resumed = true
		if req.ProgressFunc != nil {
			req.ProgressFunc(resumeOffset, req.ExpectedSize)
		}
		return result, nil
	}
	if req.ExpectedSize > 0 && resumeOffset > req.ExpectedSize {
		f.logger.Warn().Msgf("Partial file %s is larger than expected, restarting", req.OutputPath)
		resumeOffset = 0
	}

	resp, finalURL, err := f.open(ctx, req.URL, resumeOffset)
	result.FinalURL = finalURL
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()
	result.ContentType = resp.Header.Get("Content-Type")

	total := req.ExpectedSize
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, rangeTotal, ok := utils.ParseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != resumeOffset {
			resp.Body.Close()
			if restarted || resumeOffset == 0 {
				return result, &utils.HTTPStatusError{
					URL:         finalURL,
					StatusCode:  resp.StatusCode,
					Status:      resp.Status,
					ContentType: result.ContentType,
					Snippet:     fmt.Sprintf("unexpected Content-Range %q for offset %d", resp.Header.Get("Content-Range"), resumeOffset),
				}
			}
			f.logger.Warn().Msgf("Server answered range %d with %q, restarting", resumeOffset, resp.Header.Get("Content-Range"))
			if err := os.Remove(req.OutputPath); err != nil && !os.IsNotExist(err) {
				return result, fmt.Errorf("error removing partial file: %w", err)
			}
			return f.fetch(ctx, req, true)
		}
		if rangeTotal > 0 {
			total = rangeTotal
		}
		result.Resumed = resumeOffset > 0
	case http.StatusOK:
		if resumeOffset > 0 {
			f.logger.Warn().Msgf("Server does not support resume (status %d), restarting download", resp.StatusCode)
			resumeOffset = 0
		}
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, utils.SnippetSize))
		return result, &utils.HTTPStatusError{
			URL:         finalURL,
			StatusCode:  resp.StatusCode,
			Status:      resp.Status,
			ContentType: result.ContentType,
			Snippet:     utils.Snippet(snippet),
		}
	}
	if resumeOffset > 0 {
		f.logger.Debug().Msgf("Resuming download from offset %d", resumeOffset)
	}

	outFile, err := utils.OpenForResume(req.OutputPath, resumeOffset > 0)
	if err != nil {
		return result, err
	}
	defer outFile.Close()

	downloaded := resumeOffset
	if req.ProgressFunc != nil {
		req.ProgressFunc(downloaded, total)
	}
	body := utils.GuardBody(ctx, resp.Body, f.idleTimeout)
	defer body.Close()
	written, copyErr := utils.CopyChunks(ctx, outFile, body, f.bufferSize, func(n int64) {
		downloaded += n
		if req.ProgressFunc != nil {
			req.ProgressFunc(downloaded, total)
		}
	})
	result.BytesWritten = written
	result.TotalSize = resumeOffset + written
	if syncErr := outFile.Sync(); syncErr != nil && copyErr == nil {
		copyErr = fmt.Errorf("error syncing output file: %w", syncErr)
	}
	if copyErr != nil {
		return result, copyErr
	}
	if resp.ContentLength >= 0 && written < resp.ContentLength {
		return result, fmt.Errorf("%w: got %d of %d bytes", utils.ErrInterrupted, written, resp.ContentLength)
	}
	f.logger.Debug().Msgf("Transferred %s into %s", utils.FormatBytes(uint64(written)), req.OutputPath)
	return result, nil
}

// open issues the GET and follows redirects by hand. The request runs on a
// context detached from ctx; the body guard closes the body on cancel so the
// bytes already written stay a clean prefix.
func (f *Fetcher) open(ctx context.Context, rawURL string, offset int64) (*http.Response, string, error) {
	current := rawURL
	for hop := 0; ; hop++ {
		if hop > utils.MaxRedirects {
			return nil, current, fmt.Errorf("%w: more than %d hops from %s", utils.ErrTooManyRedirects, utils.MaxRedirects, rawURL)
		}
		req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, current, nil)
		if err != nil {
			return nil, current, fmt.Errorf("error creating GET request: %w", err)
		}
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
		req.Header.Set("Connection", "keep-alive")
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, current, fmt.Errorf("error executing GET request: %w", err)
		}
		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		default:
			return resp, current, nil
		}
		location := resp.Header.Get("Location")
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if location == "" {
			return nil, current, &utils.HTTPStatusError{
				URL:        current,
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Snippet:    "redirect without Location header",
			}
		}
		next, err := req.URL.Parse(location)
		if err != nil {
			return nil, current, fmt.Errorf("invalid redirect location %q: %w", location, err)
		}
		f.logger.Debug().Msgf("Following %d redirect to %s", resp.StatusCode, next.Redacted())
		current = next.String()
	}
}
