// Package storage persists finished output blobs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/mohaanymo/m3u8keeper/internal/config"
	"github.com/mohaanymo/m3u8keeper/internal/models"
)

var errNoClient = errors.New("storage client not initialized")

// Saver persists a blob and returns where it ended up.
type Saver interface {
	Save(ctx context.Context, blob models.Blob) (location string, err error)
}

// New builds the saver selected by cfg.Type.
func New(ctx context.Context, cfg config.StorageConfig) (Saver, error) {
	switch cfg.Type {
	case "", config.StorageFilesystem:
		return NewFilesystem(cfg.OutputDir)
	case config.StorageS3:
		return NewS3(ctx, S3Config{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			Profile:         cfg.Profile,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UsePathStyle:    cfg.UsePathStyle,
		})
	case config.StorageGCS:
		return NewGCS(ctx, GCSConfig{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Endpoint:        cfg.Endpoint,
			CredentialsFile: cfg.CredentialsFile,
		})
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStorage, cfg.Type)
	}
}

// objectName reduces a blob name to a single safe path element.
func objectName(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("invalid output name %q", name)
	}
	return base, nil
}

// objectKey joins the optional prefix and the blob name.
func objectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
