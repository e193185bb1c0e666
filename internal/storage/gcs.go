package storage

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/mohaanymo/m3u8keeper/internal/config"
	"github.com/mohaanymo/m3u8keeper/internal/models"
)

// GCSConfig configures the Google Cloud Storage saver. A non-empty Endpoint
// (for example a fake-gcs-server emulator) disables authentication.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	CredentialsFile string
}

// GCS uploads blobs to a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates the Cloud Storage client.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, config.ErrMissingBucket
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCS{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Save uploads the blob and returns its gs:// URL.
func (g *GCS) Save(ctx context.Context, blob models.Blob) (string, error) {
	if g.client == nil {
		return "", errNoClient
	}

	name, err := objectName(blob.Name)
	if err != nil {
		return "", err
	}
	key := objectKey(g.prefix, name)

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = blob.ContentType

	if _, err := w.Write(blob.Data); err != nil {
		w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", g.bucket, key, err)
	}
	// The upload is committed on Close.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload gs://%s/%s: %w", g.bucket, key, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, key), nil
}

// Close releases the client.
func (g *GCS) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
