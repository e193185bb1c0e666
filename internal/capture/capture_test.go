package capture

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const playlistBody = "#EXTM3U\n#EXTINF:4,\n0.ts\n"

func TestIsPlaylistContent(t *testing.T) {
	for _, sig := range signatures {
		assert.True(t, IsPlaylistContent("junk "+sig+" junk"), sig)
	}
	assert.False(t, IsPlaylistContent(`{"status":"ok"}`))
	assert.False(t, IsPlaylistContent(""))
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
		url  string
		ok   bool
	}{
		{"m3u8 url without body", Observation{URL: "https://h.example.com/a.m3u8"}, "https://h.example.com/a.m3u8", true},
		{"m3u8 url with playlist body", Observation{URL: "https://h.example.com/a.M3U8?x=1", Body: playlistBody}, "https://h.example.com/a.M3U8?x=1", true},
		{"m3u8 url with other body", Observation{URL: "https://h.example.com/a.m3u8", Body: "<html>"}, "", false},
		{"other url with playlist body", Observation{URL: "https://h.example.com/api/media?id=1", Body: playlistBody}, "https://h.example.com/api/media?id=1", true},
		{"other url without body", Observation{URL: "https://h.example.com/app.js"}, "", false},
		{"response url preferred", Observation{URL: "https://h.example.com/r", ResponseURL: "https://cdn.example.com/v.m3u8"}, "https://cdn.example.com/v.m3u8", true},
		{"empty", Observation{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, ok := Detect(tt.obs)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.url, u)
		})
	}
}

func TestWatch_DedupsAndStopsOnClose(t *testing.T) {
	ch := make(chan Observation, 8)
	ch <- Observation{URL: "https://h.example.com/a.m3u8"}
	ch <- Observation{URL: "https://h.example.com/app.js"}
	ch <- Observation{URL: "https://h.example.com/a.m3u8"}
	ch <- Observation{URL: "https://h.example.com/b", Body: playlistBody}
	close(ch)

	var got []string
	err := Watch(context.Background(), ChanSource(ch), func(u string) { got = append(got, u) })
	require.NoError(t, err)
	assert.Equal(t, []string{"https://h.example.com/a.m3u8", "https://h.example.com/b"}, got)
}

func TestWatch_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Watch(ctx, ChanSource(make(chan Observation)), func(string) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJSONSource(t *testing.T) {
	input := strings.Join([]string{
		`{"url":"https://h.example.com/x","body":"#EXTM3U\n"}`,
		"",
		"https://h.example.com/plain.m3u8",
		`{"url":"https://h.example.com/x"}`,
	}, "\n")

	var got []string
	err := Watch(context.Background(), NewJSONSource(strings.NewReader(input)), func(u string) { got = append(got, u) })
	require.NoError(t, err)
	assert.Equal(t, []string{"https://h.example.com/x", "https://h.example.com/plain.m3u8"}, got)
}

func TestJSONSource_BadLine(t *testing.T) {
	err := Watch(context.Background(), NewJSONSource(strings.NewReader("{not json}\n")), func(string) {})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Add("a"))
	assert.True(t, r.Add("b"))
	assert.False(t, r.Add("a"))
	assert.Equal(t, []string{"a", "b"}, r.URLs())
}
