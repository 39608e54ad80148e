package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/tanq16/voxpull/internal/utils"
)

const maxManifestBytes = 16 << 20

// Load reads a manifest from a local path or an http(s) URL.
func Load(ctx context.Context, client utils.HTTPDoer, location string, opts ...Option) (*Registry, error) {
	switch utils.Scheme(location) {
	case "http", "https":
		return Fetch(ctx, client, location, opts...)
	default:
		return LoadFile(strings.TrimPrefix(location, "file://"), opts...)
	}
}

func LoadFile(path string, opts ...Option) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data, opts...)
}

func Fetch(ctx context.Context, client utils.HTTPDoer, url string, opts ...Option) (*Registry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create manifest request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, utils.SnippetSize))
		return nil, &utils.HTTPStatusError{
			URL:         url,
			StatusCode:  resp.StatusCode,
			Status:      resp.Status,
			ContentType: resp.Header.Get("Content-Type"),
			Snippet:     utils.Snippet(snippet),
		}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}
	if len(data) > maxManifestBytes {
		return nil, &ParseError{Reason: fmt.Sprintf("document larger than %d bytes", maxManifestBytes)}
	}
	return Parse(data, opts...)
}
