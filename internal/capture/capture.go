// Package capture recognizes HLS playlists in observed network traffic.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
)

// Observation is one request/response pair seen by an external agent.
type Observation struct {
	URL           string `json:"url"`
	ResponseURL   string `json:"response_url,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	ContentLength int64  `json:"content_length,omitempty"`
	Body          string `json:"body,omitempty"`
}

// Playlist markers. Any one of them marks a body as a playlist.
var signatures = []string{
	"#EXTM3U",
	"#EXT-X-VERSION",
	"#EXT-X-TARGETDURATION",
	"#EXT-X-MEDIA-SEQUENCE",
	"#EXTINF:",
	"#EXT-X-STREAM-INF",
	"#EXT-X-PLAYLIST-TYPE",
	"#EXT-X-KEY",
	"#EXT-X-ENDLIST",
}

// IsPlaylistURL reports whether u names an m3u8 resource.
func IsPlaylistURL(u string) bool {
	return strings.Contains(strings.ToLower(u), ".m3u8")
}

// IsPlaylistContent reports whether body contains any HLS playlist marker.
func IsPlaylistContent(body string) bool {
	for _, sig := range signatures {
		if strings.Contains(body, sig) {
			return true
		}
	}
	return false
}

// Detect decides whether obs is an HLS playlist and returns its URL.
//
// The final response URL is preferred over the request URL. A URL that looks
// like a playlist is accepted unless its body is present and carries no
// playlist marker; any other URL is accepted only on its body.
func Detect(obs Observation) (string, bool) {
	u := obs.ResponseURL
	if u == "" {
		u = obs.URL
	}
	if u == "" {
		return "", false
	}

	if IsPlaylistURL(u) {
		if obs.Body != "" && !IsPlaylistContent(obs.Body) {
			return "", false
		}
		return u, true
	}

	if obs.Body != "" && IsPlaylistContent(obs.Body) {
		return u, true
	}
	return "", false
}

// Registry is an ordered set of detected playlist URLs.
type Registry struct {
	mu   sync.Mutex
	urls []string
	seen map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]struct{})}
}

// Add records u and reports whether it was new.
func (r *Registry) Add(u string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[u]; ok {
		return false
	}
	r.seen[u] = struct{}{}
	r.urls = append(r.urls, u)
	return true
}

// URLs returns the detected URLs in detection order.
func (r *Registry) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

// Source yields observations. Next returns io.EOF when the source is exhausted.
type Source interface {
	Next(ctx context.Context) (Observation, error)
}

// Watch reads src until it is exhausted or ctx is done and calls fn once for
// every newly detected playlist URL.
func Watch(ctx context.Context, src Source, fn func(url string)) error {
	seen := NewRegistry()
	for {
		obs, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if u, ok := Detect(obs); ok && seen.Add(u) {
			fn(u)
		}
	}
}

// ChanSource adapts a channel. Closing the channel ends the source.
type ChanSource <-chan Observation

// Next implements Source.
func (c ChanSource) Next(ctx context.Context) (Observation, error) {
	select {
	case obs, ok := <-c:
		if !ok {
			return Observation{}, io.EOF
		}
		return obs, nil
	case <-ctx.Done():
		return Observation{}, ctx.Err()
	}
}

// JSONSource reads newline-delimited JSON observations. A line that is a
// bare URL is treated as an observation without a body.
type JSONSource struct {
	sc *bufio.Scanner
}

// NewJSONSource creates a source reading from r.
func NewJSONSource(r io.Reader) *JSONSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &JSONSource{sc: sc}
}

// Next implements Source.
func (s *JSONSource) Next(ctx context.Context) (Observation, error) {
	for s.sc.Scan() {
		if err := ctx.Err(); err != nil {
			return Observation{}, err
		}

		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			return Observation{URL: string(line)}, nil
		}

		var obs Observation
		if err := json.Unmarshal(line, &obs); err != nil {
			return Observation{}, err
		}
		return obs, nil
	}

	if err := s.sc.Err(); err != nil {
		return Observation{}, err
	}
	return Observation{}, io.EOF
}
