// Package httpclient provides the shared HTTP fetch capability for m3u8keeper.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Fetcher retrieves raw bytes or text for arbitrary URLs.
type Fetcher interface {
	GetBytes(ctx context.Context, url string) ([]byte, error)
	GetText(ctx context.Context, url string) (string, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}

// Config holds HTTP client configuration.
type Config struct {
	Timeout         time.Duration
	MaxConnsPerHost int
	DisableHTTP2    bool
	MaxBandwidth    int64 // bytes per second, 0 = unlimited
	Headers         map[string]string
}

// DefaultConfig returns sensible defaults for media downloads.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		MaxConnsPerHost: 16,
	}
}

// Client is a Fetcher backed by a tuned *http.Client.
type Client struct {
	http    *http.Client
	headers map[string]string
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	return &Client{http: newHTTPClient(cfg), headers: cfg.Headers}
}

// Wrap builds a Client around an existing *http.Client (tests use httptest clients).
func Wrap(hc *http.Client, headers map[string]string) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{http: hc, headers: headers}
}

// GetBytes performs a GET and returns the body.
func (c *Client) GetBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// GetText performs a GET and returns the body as a string.
func (c *Client) GetText(ctx context.Context, url string) (string, error) {
	body, err := c.GetBytes(ctx, url)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// newHTTPClient builds the pooled client shared by manifest, key and segment
// requests. Segment fetches of one batch hit the same host at once, so the
// per-host pool is sized to the batch limit.
func newHTTPClient(cfg Config) *http.Client {
	perHost := cfg.MaxConnsPerHost
	if perHost <= 0 {
		perHost = DefaultConfig().MaxConnsPerHost
	}

	dial := (&net.Dialer{Timeout: 15 * time.Second, KeepAlive: time.Minute}).DialContext

	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dial,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
		MaxIdleConnsPerHost:   perHost,
		MaxConnsPerHost:       perHost,
		IdleConnTimeout:       time.Minute,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		// MPEG-TS does not compress; keep Content-Length meaningful.
		DisableCompression: true,
		TLSClientConfig:    &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if cfg.MaxBandwidth > 0 {
		rt = &throttledTransport{
			next:    rt,
			limiter: rate.NewLimiter(rate.Limit(cfg.MaxBandwidth), throttleChunk),
		}
	}

	return &http.Client{Transport: rt, Timeout: cfg.Timeout}
}

// throttleChunk is the limiter burst and the largest single read.
const throttleChunk = 64 * 1024

// throttledTransport caps the combined body read rate of all responses.
type throttledTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &throttledBody{ReadCloser: resp.Body, limiter: t.limiter, ctx: req.Context()}
	return resp, nil
}

type throttledBody struct {
	io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func (b *throttledBody) Read(p []byte) (int, error) {
	if len(p) > throttleChunk {
		p = p[:throttleChunk]
	}
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		if werr := b.limiter.WaitN(b.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
