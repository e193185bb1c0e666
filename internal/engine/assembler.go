package engine

import (
	"bytes"
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/mohaanymo/m3u8keeper/internal/models"
)

// SegmentGetter fetches one segment's raw bytes.
type SegmentGetter interface {
	Fetch(ctx context.Context, seg *models.Segment) ([]byte, error)
}

// Decrypter turns fetched bytes into clear bytes. Implementations must
// return data unchanged when key is empty.
type Decrypter interface {
	Decrypt(data, key, iv []byte, segmentIndex int) []byte
}

// BatchFunc is called after each batch with the number of segments placed so far.
type BatchFunc func(current, total int)

// SegmentAssembler downloads and decrypts a playlist batch by batch and
// concatenates the segments in playlist order.
type SegmentAssembler struct {
	fetcher   SegmentGetter
	decrypter Decrypter
}

// NewSegmentAssembler creates an assembler.
func NewSegmentAssembler(f SegmentGetter, d Decrypter) *SegmentAssembler {
	return &SegmentAssembler{fetcher: f, decrypter: d}
}

// AssembleAll fetches every segment of pl. Batches of concurrency segments
// run one after another; segments within a batch run concurrently. The first
// failure aborts the assembly.
func (a *SegmentAssembler) AssembleAll(ctx context.Context, pl *models.Playlist, concurrency int, onBatch BatchFunc) ([]byte, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	total := pl.Len()
	parts := make([][]byte, total)

	for start := 0; start < total; start += concurrency {
		end := min(start+concurrency, total)

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			seg := pl.Segments[i]
			g.Go(func() error {
				data, err := a.fetcher.Fetch(gctx, seg)
				if err != nil {
					return err
				}
				parts[i] = a.decrypter.Decrypt(data, pl.Key, pl.IV, seg.Index)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		if onBatch != nil {
			onBatch(end, total)
		}
	}

	size := 0
	for _, p := range parts {
		size += len(p)
	}

	var buf bytes.Buffer
	buf.Grow(size)
	for _, p := range parts {
		buf.Write(p)
	}
	return buf.Bytes(), nil
}
