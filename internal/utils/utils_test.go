package utils

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyChunksCopiesEverything(t *testing.T) {
	src := strings.Repeat("voice", 1000)
	var dst bytes.Buffer
	var seen int64
	n, err := CopyChunks(context.Background(), &dst, strings.NewReader(src), 64, func(c int64) { seen += c })
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), n)
	assert.Equal(t, n, seen)
	assert.Equal(t, src, dst.String())
}

func TestCopyChunksStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var dst bytes.Buffer
	n, err := CopyChunks(ctx, &dst, strings.NewReader(strings.Repeat("x", 4096)), 16, func(c int64) {
		if dst.Len() >= 32 {
			cancel()
		}
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int64(32), n)
	assert.Equal(t, 32, dst.Len())
}

type shortReader struct{ left int }

func (r *shortReader) Read(p []byte) (int, error) {
	if r.left == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := min(len(p), r.left)
	r.left -= n
	return n, nil
}

func TestCopyChunksReportsInterruption(t *testing.T) {
	var dst bytes.Buffer
	n, err := CopyChunks(context.Background(), &dst, &shortReader{left: 100}, 0, nil)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, int64(100), n)
}

func TestOpenForResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asset.tmp")
	require.NoError(t, os.WriteFile(path, []byte("head"), 0644))

	f, err := OpenForResume(path, true)
	require.NoError(t, err)
	_, err = f.WriteString("tail")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, int64(8), ExistingSize(path))

	f, err = OpenForResume(path, false)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, int64(0), ExistingSize(path))
	assert.Equal(t, int64(0), ExistingSize(filepath.Join(t.TempDir(), "missing")))
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header string
		start  int64
		total  int64
		ok     bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 0-9/*", 0, -1, true},
		{"bytes */200", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, total, ok := ParseContentRange(tt.header)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.start, start)
				assert.Equal(t, tt.total, total)
			}
		})
	}
}

func TestParseHeaderArgs(t *testing.T) {
	got := ParseHeaderArgs([]string{"X-Mirror: eu", "Authorization:Bearer a:b", "broken"})
	assert.Equal(t, map[string]string{
		"X-Mirror":      "eu",
		"Authorization": "Bearer a:b",
	}, got)
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "0 B/s", FormatSpeed(100, 0))
	assert.Equal(t, "1.0 KiB/s", FormatSpeed(2048, 2))
}

func TestSnippetTruncates(t *testing.T) {
	assert.Len(t, Snippet(bytes.Repeat([]byte("a"), SnippetSize*2)), SnippetSize)
	assert.Equal(t, "short", Snippet([]byte("short")))
}

func TestClientScopesBearerToken(t *testing.T) {
	var auth, agent, mirror string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		agent = r.Header.Get("User-Agent")
		mirror = r.Header.Get("X-Mirror")
	}))
	defer srv.Close()

	get := func(c *VoxHTTPClient) {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := c.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	get(NewVoxHTTPClient(HTTPClientConfig{
		BearerToken: "hf_secret",
		TokenHosts:  []string{"127.0.0.1"},
		Headers:     map[string]string{"X-Mirror": "eu"},
	}))
	assert.Equal(t, "Bearer hf_secret", auth)
	assert.Equal(t, ToolUserAgent, agent)
	assert.Equal(t, "eu", mirror)

	get(NewVoxHTTPClient(HTTPClientConfig{
		BearerToken: "hf_secret",
		TokenHosts:  []string{"huggingface.co"},
		UserAgent:   "custom/1",
	}))
	assert.Empty(t, auth)
	assert.Equal(t, "custom/1", agent)
}

func TestClientDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := NewVoxHTTPClient(HTTPClientConfig{SocketBuffer: -1}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestGuardBodyCancelUnblocksRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	body := GuardBody(ctx, pr, 0)
	defer body.Close()

	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := body.Read(make([]byte, 8))
	require.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuardBodyIdleDeadline(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	body := GuardBody(context.Background(), pr, 50*time.Millisecond)
	defer body.Close()

	go pw.Write([]byte("ok"))
	buf := make([]byte, 8)
	n, err := body.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))

	_, err = body.Read(buf)
	require.ErrorIs(t, err, ErrStalled)
	assert.ErrorIs(t, err, ErrInterrupted)
}
