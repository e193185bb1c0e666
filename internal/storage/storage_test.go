package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/m3u8keeper/internal/config"
	"github.com/mohaanymo/m3u8keeper/internal/models"
)

func blob(name string, data string) models.Blob {
	return models.Blob{Name: name, ContentType: models.FormatTS.ContentType(), Data: []byte(data)}
}

func TestFilesystem_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	fs, err := NewFilesystem(dir)
	require.NoError(t, err)

	loc, err := fs.Save(context.Background(), blob("clip.ts", "tsdata"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clip.ts"), loc)

	got, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "tsdata", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be renamed away")
}

func TestFilesystem_StripsDirectories(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFilesystem(dir)
	require.NoError(t, err)

	loc, err := fs.Save(context.Background(), blob("../../etc/clip.mp4", "x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), loc)

	_, err = fs.Save(context.Background(), blob("..", "x"))
	assert.Error(t, err)
}

func TestMemory_Save(t *testing.T) {
	m := NewMemory()
	data := []byte("abc")

	loc, err := m.Save(context.Background(), models.Blob{Name: "a.mp4", Data: data})
	require.NoError(t, err)
	assert.Equal(t, "memory://a.mp4", loc)

	data[0] = 'z'
	got, ok := m.Get("a.mp4")
	require.True(t, ok)
	assert.Equal(t, "abc", string(got.Data), "saved data must be a copy")
	assert.Equal(t, []string{"a.mp4"}, m.Names())
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "clip.mp4", objectKey("", "clip.mp4"))
	assert.Equal(t, "videos/clip.mp4", objectKey("/videos/", "clip.mp4"))
}

func TestNew_Filesystem(t *testing.T) {
	s, err := New(context.Background(), config.StorageConfig{Type: config.StorageFilesystem, OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &Filesystem{}, s)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{Type: "ftp"})
	assert.ErrorIs(t, err, config.ErrInvalidStorage)

	_, err = New(context.Background(), config.StorageConfig{Type: config.StorageS3})
	assert.ErrorIs(t, err, config.ErrMissingBucket)

	_, err = New(context.Background(), config.StorageConfig{Type: config.StorageGCS})
	assert.ErrorIs(t, err, config.ErrMissingBucket)
}

func TestS3_SaveAgainstCompatibleEndpoint(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		ctype  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		mu.Lock()
		method, path, ctype = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := NewS3(context.Background(), S3Config{
		Bucket:          "media",
		Prefix:          "hls",
		Region:          "us-east-1",
		Endpoint:        server.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	loc, err := s.Save(context.Background(), models.Blob{
		Name:        "clip.mp4",
		ContentType: models.FormatMP4.ContentType(),
		Data:        []byte("mp4data"),
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://media/hls/clip.mp4", loc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/media/hls/clip.mp4", path)
	assert.Equal(t, "video/mp4", ctype)
}

func TestGCS_NewWithEmulatorEndpoint(t *testing.T) {
	g, err := NewGCS(context.Background(), GCSConfig{Bucket: "media", Endpoint: "http://localhost:4443/storage/v1/"})
	require.NoError(t, err)
	assert.NoError(t, g.Close())
}
