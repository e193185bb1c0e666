// Package models defines core data structures for HLS playlists and download jobs.
package models

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultName is used when no output name can be derived from a URL.
const DefaultName = "video"

// Playlist represents a parsed HLS media playlist.
type Playlist struct {
	URL      string
	Segments []*Segment
	Duration time.Duration

	// Encryption info, applied uniformly to every segment.
	// Only the last #EXT-X-KEY seen in the manifest is kept.
	KeyURI string
	Key    []byte
	IV     []byte
}

// Encrypted reports whether the playlist carries key material.
func (p *Playlist) Encrypted() bool {
	return len(p.Key) > 0
}

// Len returns the number of segments.
func (p *Playlist) Len() int {
	return len(p.Segments)
}

// Segment represents a media segment.
type Segment struct {
	Index    int
	URL      string
	Duration time.Duration
	Size     int64
}

// Blob is a finished output file ready to be persisted.
type Blob struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the blob length in bytes.
func (b Blob) Size() int64 {
	return int64(len(b.Data))
}

// Output container formats.
type Format string

const (
	FormatMP4 Format = "mp4"
	FormatTS  Format = "ts"
)

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatMP4:
		return "video/mp4"
	case FormatTS:
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

// FileName appends the format suffix to base unless it is already there.
func (f Format) FileName(base string) string {
	ext := "." + string(f)
	if strings.HasSuffix(strings.ToLower(base), ext) {
		return base
	}
	return base + ext
}

// Result describes a finished download.
type Result struct {
	JobID    string
	Name     string
	Location string
	Format   Format
	Size     int64
	FellBack bool
}

func (r *Result) String() string {
	return fmt.Sprintf("%s (%s, %d bytes)", r.Location, r.Format, r.Size)
}

// NameFromURL derives an output name from the playlist file name. Generic
// names like index.m3u8 give DefaultName.
func NameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return DefaultName
	}
	base := path.Base(u.Path)
	base = strings.TrimSuffix(base, path.Ext(base))
	switch base {
	case "", ".", "/", "index", "playlist", "master":
		return DefaultName
	}
	return base
}
