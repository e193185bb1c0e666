// Package remux wraps the container remux engine used to turn MPEG-TS into MP4.
package remux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Engine is a remux engine with its own scratch filesystem.
//
// Load must succeed before any other call. Exit releases the engine; a later
// Load brings it back.
type Engine interface {
	Load(ctx context.Context) error
	Loaded() bool
	Exit() error
	WriteFile(name string, data []byte) error
	Run(ctx context.Context, args ...string) error
	ReadFile(name string) ([]byte, error)
	DeleteFile(name string) error
}

// ErrNotLoaded is returned when a file or run call precedes Load.
var ErrNotLoaded = errors.New("remux engine not loaded")

// FFmpeg is an Engine backed by an ffmpeg binary and a private temp directory.
type FFmpeg struct {
	path string

	mu     sync.Mutex
	bin    string
	dir    string
	loaded bool
}

// NewFFmpeg creates an engine for the ffmpeg binary at path (name or absolute path).
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path}
}

// Load locates the binary and creates the scratch directory.
func (f *FFmpeg) Load(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bin, err := exec.LookPath(f.path)
	if err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}

	dir, err := os.MkdirTemp("", "m3u8keeper-remux-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	f.bin, f.dir, f.loaded = bin, dir, true
	return nil
}

// Loaded reports whether Load has succeeded since the last Exit.
func (f *FFmpeg) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

// Exit removes the scratch directory.
func (f *FFmpeg) Exit() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.loaded {
		return nil
	}
	f.loaded = false
	return os.RemoveAll(f.dir)
}

func (f *FFmpeg) file(name string) (string, error) {
	if !f.loaded {
		return "", ErrNotLoaded
	}
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(f.dir, name), nil
}

// WriteFile stores data under name in the scratch directory.
func (f *FFmpeg) WriteFile(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.file(name)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o600)
}

// ReadFile reads name from the scratch directory.
func (f *FFmpeg) ReadFile(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.file(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// DeleteFile removes name from the scratch directory.
func (f *FFmpeg) DeleteFile(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.file(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// Run executes ffmpeg with args inside the scratch directory, so relative
// file names refer to files written with WriteFile.
func (f *FFmpeg) Run(ctx context.Context, args ...string) error {
	f.mu.Lock()
	bin, dir, loaded := f.bin, f.dir, f.loaded
	f.mu.Unlock()

	if !loaded {
		return ErrNotLoaded
	}

	full := append([]string{"-y", "-hide_banner", "-loglevel", "error"}, args...)
	cmd := exec.CommandContext(ctx, bin, full...)
	cmd.Dir = dir

	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// RemuxArgs builds the stream-copy arguments that turn an MPEG-TS input into MP4.
func RemuxArgs(input, output string, faststart bool) []string {
	args := []string{"-i", input, "-c", "copy", "-bsf:a", "aac_adtstoasc"}
	if faststart {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, output)
}

// VerifyMP4 checks that data decodes as an MP4 with a movie box and returns
// the number of tracks found.
func VerifyMP4(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errors.New("empty output")
	}

	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode mp4: %w", err)
	}

	moov := f.Moov
	if moov == nil && f.Init != nil {
		moov = f.Init.Moov
	}
	if moov == nil {
		return 0, errors.New("no moov box in output")
	}
	return len(moov.Traks), nil
}
