// Package s3 fetches asset payloads mirrored in S3 buckets.
package s3

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/tanq16/voxpull/internal/utils"
)

type Fetcher struct {
	profile string
	region  string
	logger  zerolog.Logger
	idle    time.Duration

	once   sync.Once
	client ObjectAPI
	err    error
}

// NewFetcher builds a fetcher whose client is created from the shared AWS
// config on first use.
func NewFetcher(profile, region string, logger zerolog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		profile: profile,
		region:  region,
		logger:  logger.With().Str("op", "s3/download").Logger(),
		idle:    utils.DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func NewFetcherWithClient(client ObjectAPI, logger zerolog.Logger, opts ...Option) *Fetcher {
	f := NewFetcher("", "", logger, opts...)
	f.client = client
	f.once.Do(func() {})
	return f
}

type Option func(*Fetcher)

// WithIdleTimeout bounds how long a body read may wait for data.
func WithIdleTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.idle = d }
}

func (f *Fetcher) objectAPI(ctx context.Context) (ObjectAPI, error) {
	f.once.Do(func() {
		f.client, f.err = newS3Client(ctx, f.profile, f.region)
	})
	return f.client, f.err
}

func (f *Fetcher) Fetch(ctx context.Context, req utils.TransferRequest) (utils.TransferResult, error) {
	result := utils.TransferResult{FinalURL: req.URL}
	bucket, key, err := ParseURL(req.URL)
	if err != nil {
		return result, err
	}
	client, err := f.objectAPI(ctx)
	if err != nil {
		return result, err
	}

	resumeOffset := utils.ExistingSize(req.OutputPath)
	if req.ExpectedSize > 0 && resumeOffset >= req.ExpectedSize {
		if resumeOffset == req.ExpectedSize {
			result.TotalSize = resumeOffset
			result.Resumed = true
			return result, nil
		}
		resumeOffset = 0
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if resumeOffset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", resumeOffset))
		f.logger.Debug().Msgf("Resuming s3://%s/%s from offset %d", bucket, key, resumeOffset)
	}
	out, err := client.GetObject(context.WithoutCancel(ctx), input)
	if err != nil {
		statusErr := statusError(req.URL, err)
		if se, ok := statusErr.(*utils.HTTPStatusError); ok && se.StatusCode == http.StatusRequestedRangeNotSatisfiable && resumeOffset > 0 {
			f.logger.Warn().Msgf("Range %d rejected for s3://%s/%s, restarting", resumeOffset, bucket, key)
			if err := os.Remove(req.OutputPath); err != nil && !os.IsNotExist(err) {
				return result, fmt.Errorf("error removing partial file: %w", err)
			}
			return f.Fetch(ctx, req)
		}
		return result, statusErr
	}
	body := utils.GuardBody(ctx, out.Body, f.idle)
	defer body.Close()
	result.ContentType = aws.ToString(out.ContentType)

	total := req.ExpectedSize
	if resumeOffset > 0 {
		start, rangeTotal, ok := utils.ParseContentRange(aws.ToString(out.ContentRange))
		if !ok || start != resumeOffset {
			f.logger.Warn().Msgf("Object s3://%s/%s returned without the requested range, restarting", bucket, key)
			resumeOffset = 0
		} else if rangeTotal > 0 {
			total = rangeTotal
		}
	}
	contentLength := aws.ToInt64(out.ContentLength)
	if resumeOffset == 0 && contentLength > 0 {
		total = contentLength
	}
	result.Resumed = resumeOffset > 0

	file, err := utils.OpenForResume(req.OutputPath, resumeOffset > 0)
	if err != nil {
		return result, err
	}
	defer file.Close()

	downloaded := resumeOffset
	if req.ProgressFunc != nil {
		req.ProgressFunc(downloaded, total)
	}
	written, copyErr := utils.CopyChunks(ctx, file, body, utils.DefaultBufferSize, func(n int64) {
		downloaded += n
		if req.ProgressFunc != nil {
			req.ProgressFunc(downloaded, total)
		}
	})
	result.BytesWritten = written
	result.TotalSize = resumeOffset + written
	if syncErr := file.Sync(); syncErr != nil && copyErr == nil {
		copyErr = fmt.Errorf("error syncing file: %w", syncErr)
	}
	if copyErr != nil {
		return result, copyErr
	}
	if out.ContentLength != nil && written < contentLength {
		return result, fmt.Errorf("%w: got %d of %d bytes", utils.ErrInterrupted, written, contentLength)
	}
	return result, nil
}
