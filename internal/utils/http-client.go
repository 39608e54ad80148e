package utils

import (
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
)

type HTTPClientConfig struct {
	Timeout       time.Duration // time to wait for response headers
	KATimeout     time.Duration
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
	UserAgent     string
	Headers       map[string]string
	BearerToken   string
	TokenHosts    []string // hosts that receive BearerToken; empty means every host
	SocketBuffer  int      // SO_RCVBUF/SO_SNDBUF in bytes; 0 means 1 MiB, negative keeps the OS default
}

const defaultSocketBuffer = 1024 * 1024

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type VoxHTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewVoxHTTPClient(cfg HTTPClientConfig) *VoxHTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.SocketBuffer == 0 {
		cfg.SocketBuffer = defaultSocketBuffer
	}
	if cfg.SocketBuffer > 0 {
		// bigger socket buffers for large model transfers
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSocketBuffers(fd, cfg.SocketBuffer)
			})
		}
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		IdleConnTimeout:       cfg.KATimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		TLSHandshakeTimeout:   15 * time.Second,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		DisableCompression:    true, // byte offsets must match the stored file
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err == nil {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}
	var rt http.RoundTripper = transport
	if cfg.BearerToken != "" {
		rt = &scopedTokenTransport{
			authed: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken, TokenType: "Bearer"}),
				Base:   transport,
			},
			plain: transport,
			hosts: cfg.TokenHosts,
		}
	}
	return &VoxHTTPClient{
		client: &http.Client{
			Transport: rt,
			// redirects are followed by the caller so hops can be counted and logged
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: cfg,
	}
}

func (c *VoxHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", ToolUserAgent)
	}
	req.Header.Set("Accept", "*/*")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	return c.client.Do(req)
}

// scopedTokenTransport only attaches the bearer token for allowed hosts so a
// redirect to a CDN never leaks it.
type scopedTokenTransport struct {
	authed http.RoundTripper
	plain  http.RoundTripper
	hosts  []string
}

func (t *scopedTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.hosts) == 0 || slices.Contains(t.hosts, strings.ToLower(req.URL.Hostname())) {
		return t.authed.RoundTrip(req)
	}
	return t.plain.RoundTrip(req)
}
