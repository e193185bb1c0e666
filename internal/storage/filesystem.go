package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mohaanymo/m3u8keeper/internal/models"
)

// Filesystem saves blobs into a local directory.
type Filesystem struct {
	dir string
}

// NewFilesystem creates a saver rooted at dir. "~/" expands to the home directory.
func NewFilesystem(dir string) (*Filesystem, error) {
	if dir == "" {
		dir = "."
	}
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, dir[2:])
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	return &Filesystem{dir: abs}, nil
}

// Dir returns the absolute output directory.
func (fs *Filesystem) Dir() string {
	return fs.dir
}

// Save writes the blob to <dir>/<name> via a temp file and rename.
func (fs *Filesystem) Save(ctx context.Context, blob models.Blob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name, err := objectName(blob.Name)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(fs.dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(fs.dir, "."+name+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(blob.Data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close %s: %w", name, err)
	}

	dst := filepath.Join(fs.dir, name)
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return dst, nil
}
