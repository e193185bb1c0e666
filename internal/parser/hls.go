package parser

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mohaanymo/m3u8keeper/internal/decryptor"
	"github.com/mohaanymo/m3u8keeper/internal/httpclient"
	"github.com/mohaanymo/m3u8keeper/internal/logger"
	"github.com/mohaanymo/m3u8keeper/internal/models"
)

const (
	tagKey    = "#EXT-X-KEY:"
	tagInf    = "#EXTINF:"
	tagStream = "#EXT-X-STREAM-INF"
)

// HLSParser parses HLS (m3u8) media playlists.
type HLSParser struct {
	fetcher httpclient.Fetcher
	log     logger.Logger
}

// NewHLSParser creates a new HLS parser.
func NewHLSParser(f httpclient.Fetcher, log logger.Logger) *HLSParser {
	if log == nil {
		log = logger.Nop()
	}
	return &HLSParser{fetcher: f, log: log}
}

// CanParse checks if URL looks like an HLS manifest.
func (p *HLSParser) CanParse(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	return strings.Contains(lower, ".m3u8") || strings.Contains(lower, "format=m3u8")
}

// Parse fetches the manifest at manifestURL, parses it and fetches the
// encryption key when one is referenced.
func (p *HLSParser) Parse(ctx context.Context, manifestURL string) (*models.Playlist, error) {
	content, err := p.fetcher.GetText(ctx, manifestURL)
	if err != nil {
		return nil, models.NewError(models.ErrFetch, "fetch manifest", manifestURL, err)
	}

	playlist, err := ParseMedia(content, manifestURL)
	if err != nil {
		return nil, err
	}

	if strings.Contains(content, tagStream) {
		p.log.Warnf("%s looks like a master playlist; variant URIs are treated as segments", manifestURL)
	}

	if playlist.KeyURI != "" {
		keys := decryptor.NewKeyFetcher(p.fetcher, p.log)
		key, err := keys.FetchKey(ctx, playlist.KeyURI)
		if err != nil {
			return nil, err
		}
		playlist.Key = key
	}

	p.log.Debugf("parsed %d segments from %s (encrypted: %v)", playlist.Len(), manifestURL, playlist.KeyURI != "")
	return playlist, nil
}

// ParseMedia parses media playlist content. Key bytes are not fetched; the
// returned playlist carries the resolved KeyURI instead.
func ParseMedia(content, manifestURL string) (*models.Playlist, error) {
	playlist := &models.Playlist{URL: manifestURL}

	var segmentDuration time.Duration

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case line == "":
			continue

		case strings.HasPrefix(line, tagInf):
			durStr := strings.TrimPrefix(line, tagInf)
			durStr = strings.Split(durStr, ",")[0]
			if dur, err := strconv.ParseFloat(durStr, 64); err == nil {
				segmentDuration = time.Duration(dur * float64(time.Second))
			}

		case strings.HasPrefix(line, tagKey):
			if err := applyKey(playlist, strings.TrimPrefix(line, tagKey)); err != nil {
				return nil, err
			}

		case !strings.HasPrefix(line, "#"):
			playlist.Segments = append(playlist.Segments, &models.Segment{
				Index:    len(playlist.Segments),
				URL:      resolveURL(manifestURL, line),
				Duration: segmentDuration,
			})
			playlist.Duration += segmentDuration
			segmentDuration = 0
		}
	}

	if len(playlist.Segments) == 0 {
		return nil, models.NewError(models.ErrFormat, "parse manifest", manifestURL, fmt.Errorf("no segments found"))
	}
	return playlist, nil
}

// applyKey records the key directive. Later directives replace earlier ones.
func applyKey(playlist *models.Playlist, attrList string) error {
	attrs := parseHLSAttributes(attrList)

	if strings.EqualFold(unquote(attrs["METHOD"]), "NONE") {
		playlist.KeyURI = ""
		playlist.IV = nil
		return nil
	}

	if uri, ok := attrs["URI"]; ok && unquote(uri) != "" {
		playlist.KeyURI = resolveURL(playlist.URL, unquote(uri))
	}

	playlist.IV = nil
	if raw, ok := attrs["IV"]; ok {
		iv, err := decryptor.ParseIV(raw)
		if err != nil {
			return models.NewError(models.ErrFormat, "parse key IV", playlist.URL, err)
		}
		playlist.IV = iv
	}
	return nil
}
