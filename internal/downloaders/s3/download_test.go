package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/voxpull/internal/utils"
)

type fakeObjects struct {
	data     []byte
	ranges   []string
	noRanges bool
}

func (f *fakeObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	rng := aws.ToString(in.Range)
	f.ranges = append(f.ranges, rng)
	if rng == "" || f.noRanges {
		return &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader(f.data)),
			ContentLength: aws.Int64(int64(len(f.data))),
			ContentType:   aws.String("application/gzip"),
		}, nil
	}
	var start int64
	if _, err := fmt.Sscanf(rng, "bytes=%d-", &start); err != nil {
		return nil, err
	}
	body := f.data[start:]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, len(f.data)-1, len(f.data))),
	}, nil
}

func TestParseURL(t *testing.T) {
	bucket, key, err := ParseURL("s3://models/kokoro/core.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "models", bucket)
	assert.Equal(t, "kokoro/core.tar.gz", key)

	for _, bad := range []string{"https://models/core.tar.gz", "s3://models/", "s3:///core.tar.gz"} {
		_, _, err := ParseURL(bad)
		assert.ErrorIs(t, err, ErrInvalidS3URL, bad)
	}
}

func TestFetchResumesWithRange(t *testing.T) {
	data := bytes.Repeat([]byte("voxpull"), 5000)
	api := &fakeObjects{data: data}
	out := filepath.Join(t.TempDir(), "core.tar.gz.tmp")
	require.NoError(t, os.WriteFile(out, data[:1000], 0644))

	res, err := NewFetcherWithClient(api, zerolog.Nop()).Fetch(context.Background(), utils.TransferRequest{
		URL:        "s3://models/core.tar.gz",
		OutputPath: out,
	})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, []string{"bytes=1000-"}, api.ranges)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchRestartsWithoutRangeSupport(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 1000)
	api := &fakeObjects{data: data, noRanges: true}
	out := filepath.Join(t.TempDir(), "core.tar.gz.tmp")
	require.NoError(t, os.WriteFile(out, []byte("zzzz"), 0644))

	res, err := NewFetcherWithClient(api, zerolog.Nop()).Fetch(context.Background(), utils.TransferRequest{
		URL:        "s3://models/core.tar.gz",
		OutputPath: out,
	})
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Equal(t, "application/gzip", res.ContentType)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// stalledBody returns head once and then blocks until closed.
type stalledBody struct {
	head   []byte
	closed chan struct{}
	once   sync.Once
}

func (b *stalledBody) Read(p []byte) (int, error) {
	if len(b.head) > 0 {
		n := copy(p, b.head)
		b.head = b.head[n:]
		return n, nil
	}
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *stalledBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

type stalledObjects struct{ body *stalledBody }

func (s *stalledObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: s.body, ContentLength: aws.Int64(1000)}, nil
}

func TestFetchCancelUnblocksStalledObject(t *testing.T) {
	api := &stalledObjects{body: &stalledBody{head: []byte("vox!"), closed: make(chan struct{})}}
	out := filepath.Join(t.TempDir(), "core.tar.gz.tmp")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := NewFetcherWithClient(api, zerolog.Nop()).Fetch(ctx, utils.TransferRequest{
		URL:        "s3://models/core.tar.gz",
		OutputPath: out,
	})
	assert.ErrorIs(t, err, utils.ErrCancelled)
	assert.Equal(t, int64(4), utils.ExistingSize(out))
}

func TestFetchIdleObjectIsInterrupted(t *testing.T) {
	api := &stalledObjects{body: &stalledBody{head: []byte("vox!"), closed: make(chan struct{})}}
	out := filepath.Join(t.TempDir(), "core.tar.gz.tmp")

	_, err := NewFetcherWithClient(api, zerolog.Nop(), WithIdleTimeout(100*time.Millisecond)).Fetch(context.Background(), utils.TransferRequest{
		URL:        "s3://models/core.tar.gz",
		OutputPath: out,
	})
	assert.ErrorIs(t, err, utils.ErrStalled)
	assert.ErrorIs(t, err, utils.ErrInterrupted)
}
