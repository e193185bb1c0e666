package engine

import (
	"context"
	"math"

	"github.com/mohaanymo/m3u8keeper/internal/models"
)

// percent returns round(current/total*100).
func percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(current) / float64(total) * 100))
}

// notify calls fn with ev. A panicking callback is recovered and ignored.
func notify(fn models.ProgressFunc, ev models.ProgressEvent) {
	if fn == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	fn(ev)
}

// ChannelProgress adapts ch to a ProgressFunc. Sends block until the event
// is received or ctx is done; sends on a closed channel are dropped.
func ChannelProgress(ctx context.Context, ch chan<- models.ProgressEvent) models.ProgressFunc {
	return func(ev models.ProgressEvent) {
		defer func() {
			_ = recover()
		}()
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}
}
