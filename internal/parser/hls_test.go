package parser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/m3u8keeper/internal/decryptor"
	"github.com/mohaanymo/m3u8keeper/internal/httpclient"
	"github.com/mohaanymo/m3u8keeper/internal/models"
)

func TestResolveURL(t *testing.T) {
	const manifest = "https://cdn.example.com/videos/show/index.m3u8"

	tests := []struct {
		name string
		ref  string
		want string
	}{
		{"absolute", "https://other.example.com/a.ts", "https://other.example.com/a.ts"},
		{"root relative", "/seg/a.ts", "https://cdn.example.com/seg/a.ts"},
		{"protocol relative", "//edge.example.com/a.ts", "https://edge.example.com/a.ts"},
		{"relative", "a.ts", "https://cdn.example.com/videos/show/a.ts"},
		{"relative subdir", "hi/a.ts?t=1", "https://cdn.example.com/videos/show/hi/a.ts?t=1"},
		{"dot segments kept", "../a.ts", "https://cdn.example.com/videos/show/../a.ts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveURL(manifest, tt.ref))
		})
	}
}

func TestResolveURL_ManifestQueryIgnored(t *testing.T) {
	got := resolveURL("https://h.example.com/a/index.m3u8?token=x/y", "seg.ts")
	assert.Equal(t, "https://h.example.com/a/seg.ts", got)
}

func TestParseMedia_IndexesSegments(t *testing.T) {
	content := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-TARGETDURATION:10",
		"#EXTINF:9.5,",
		"seg0.ts",
		"",
		"#EXTINF:10.0,title",
		"seg1.ts",
		"#EXTINF:4,",
		"/abs/seg2.ts",
		"#EXT-X-ENDLIST",
	}, "\n")

	pl, err := ParseMedia(content, "https://h.example.com/v/index.m3u8")
	require.NoError(t, err)
	require.Len(t, pl.Segments, 3)

	for i, seg := range pl.Segments {
		assert.Equal(t, i, seg.Index)
	}
	assert.Equal(t, "https://h.example.com/v/seg0.ts", pl.Segments[0].URL)
	assert.Equal(t, "https://h.example.com/abs/seg2.ts", pl.Segments[2].URL)
	assert.Equal(t, 9500*time.Millisecond, pl.Segments[0].Duration)
	assert.Equal(t, 23500*time.Millisecond, pl.Duration)
	assert.False(t, pl.Encrypted())
}

func TestParseMedia_NoSegments(t *testing.T) {
	_, err := ParseMedia("#EXTM3U\n#EXT-X-ENDLIST\n", "https://h.example.com/index.m3u8")
	assert.ErrorIs(t, err, models.ErrFormat)
}

func TestParseMedia_ExplicitIV(t *testing.T) {
	content := "#EXTM3U\n" +
		`#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x00000000000000000000000000000001` + "\n" +
		"#EXTINF:4,\na.ts\n#EXTINF:4,\nb.ts\n"

	pl, err := ParseMedia(content, "https://h.example.com/v/index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "https://h.example.com/v/key.bin", pl.KeyURI)
	assert.Equal(t, append(make([]byte, 15), 1), pl.IV)
}

func TestParseMedia_LastKeyWins(t *testing.T) {
	content := "#EXTM3U\n" +
		`#EXT-X-KEY:METHOD=AES-128,URI="k1.bin",IV=0x01` + "\n" +
		"a.ts\n" +
		`#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/k2.bin"` + "\n" +
		"b.ts\n"

	pl, err := ParseMedia(content, "https://h.example.com/v/index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "https://keys.example.com/k2.bin", pl.KeyURI)
	assert.Nil(t, pl.IV, "a later directive without IV clears the earlier IV")
}

func TestParseMedia_MethodNone(t *testing.T) {
	content := "#EXTM3U\n" +
		`#EXT-X-KEY:METHOD=AES-128,URI="k1.bin"` + "\n" +
		"a.ts\n" +
		"#EXT-X-KEY:METHOD=NONE\n" +
		"b.ts\n"

	pl, err := ParseMedia(content, "https://h.example.com/v/index.m3u8")
	require.NoError(t, err)
	assert.Empty(t, pl.KeyURI)
}

func TestParseMedia_BadIV(t *testing.T) {
	content := "#EXTM3U\n" + `#EXT-X-KEY:METHOD=AES-128,URI="k.bin",IV=0xNOTHEX` + "\na.ts\n"
	_, err := ParseMedia(content, "https://h.example.com/v/index.m3u8")
	assert.ErrorIs(t, err, models.ErrFormat)
}

func newHLSServer(t *testing.T, manifest string, key []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, manifest)
	})
	if key != nil {
		mux.HandleFunc("/v/key.bin", func(w http.ResponseWriter, r *http.Request) {
			w.Write(key)
		})
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHLSParser_ParseFetchesKey(t *testing.T) {
	key := []byte("0123456789abcdef")
	manifest := "#EXTM3U\n" +
		`#EXT-X-KEY:METHOD=AES-128,URI="key.bin"` + "\n" +
		"#EXTINF:2,\n0.ts\n#EXTINF:2,\n1.ts\n#EXTINF:2,\n2.ts\n#EXT-X-ENDLIST\n"
	server := newHLSServer(t, manifest, key)

	p := NewHLSParser(httpclient.Wrap(server.Client(), nil), nil)
	pl, err := p.Parse(context.Background(), server.URL+"/v/index.m3u8")
	require.NoError(t, err)

	require.Len(t, pl.Segments, 3)
	assert.Equal(t, key, pl.Key)
	assert.Nil(t, pl.IV)

	// Without an explicit IV each segment derives its own.
	for i := range pl.Segments {
		iv := decryptor.SegmentIV(i)
		assert.Equal(t, make([]byte, 12), iv[:12])
		assert.Equal(t, []byte{0, 0, 0, byte(i)}, iv[12:])
	}
}

func TestHLSParser_ManifestFetchError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	p := NewHLSParser(httpclient.Wrap(server.Client(), nil), nil)
	_, err := p.Parse(context.Background(), server.URL+"/v/index.m3u8")
	assert.ErrorIs(t, err, models.ErrFetch)
}

func TestHLSParser_KeyFetchError(t *testing.T) {
	manifest := "#EXTM3U\n" + `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"` + "\n0.ts\n"
	server := newHLSServer(t, manifest, nil)

	p := NewHLSParser(httpclient.Wrap(server.Client(), nil), nil)
	_, err := p.Parse(context.Background(), server.URL+"/v/index.m3u8")
	assert.ErrorIs(t, err, models.ErrFetch)
}

func TestHLSParser_CanParse(t *testing.T) {
	p := NewHLSParser(nil, nil)
	assert.True(t, p.CanParse("https://h.example.com/index.M3U8?x=1"))
	assert.False(t, p.CanParse("https://h.example.com/manifest.mpd"))
}
