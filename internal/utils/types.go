package utils

import "context"

// ProgressFunc receives the number of bytes present in the output file and
// the expected total (0 when unknown).
type ProgressFunc func(downloaded, total int64)

// Fetcher moves the bytes behind a URL into a local file, appending to what
// is already there when the source supports ranged reads.
type Fetcher interface {
	Fetch(ctx context.Context, req TransferRequest) (TransferResult, error)
}

type TransferRequest struct {
	URL          string
	OutputPath   string
	ExpectedSize int64
	ProgressFunc ProgressFunc
}

type TransferResult struct {
	FinalURL     string
	ContentType  string
	BytesWritten int64 // bytes written during this call
	TotalSize    int64 // size of OutputPath once the call returns
	Resumed      bool
}
