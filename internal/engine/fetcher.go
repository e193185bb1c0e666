package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mohaanymo/m3u8keeper/internal/httpclient"
	"github.com/mohaanymo/m3u8keeper/internal/logger"
	"github.com/mohaanymo/m3u8keeper/internal/models"
)

const (
	// DefaultAttempts is the number of tries per segment: one try plus one retry.
	DefaultAttempts = 2
	// DefaultRetryDelay is the pause between segment attempts.
	DefaultRetryDelay = 1000 * time.Millisecond
)

// SegmentFetcher downloads single segments with a fixed retry policy.
type SegmentFetcher struct {
	client     httpclient.Fetcher
	log        logger.Logger
	attempts   int
	retryDelay time.Duration
}

// NewSegmentFetcher creates a fetcher. A non-positive retryDelay selects
// DefaultRetryDelay.
func NewSegmentFetcher(client httpclient.Fetcher, retryDelay time.Duration, log logger.Logger) *SegmentFetcher {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if log == nil {
		log = logger.Nop()
	}
	return &SegmentFetcher{
		client:     client,
		log:        log,
		attempts:   DefaultAttempts,
		retryDelay: retryDelay,
	}
}

// Fetch downloads seg. After the final failed attempt it returns a
// NetworkError wrapping the last cause.
func (f *SegmentFetcher) Fetch(ctx context.Context, seg *models.Segment) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < f.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(f.retryDelay):
			case <-ctx.Done():
				return nil, f.networkError(seg, ctx.Err())
			}
		}

		data, err := f.client.GetBytes(ctx, seg.URL)
		if err == nil {
			seg.Size = int64(len(data))
			return data, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.log.Debugf("segment %d attempt %d failed: %v", seg.Index, attempt+1, err)
	}

	return nil, f.networkError(seg, lastErr)
}

func (f *SegmentFetcher) networkError(seg *models.Segment, err error) error {
	return models.NewError(models.ErrNetwork, fmt.Sprintf("fetch segment %d", seg.Index), seg.URL, err)
}
