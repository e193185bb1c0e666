package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/m3u8keeper/internal/httpclient"
	"github.com/mohaanymo/m3u8keeper/internal/models"
)

func TestSegmentFetcher_RetriesOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("segment"))
	}))
	defer server.Close()

	f := NewSegmentFetcher(httpclient.Wrap(server.Client(), nil), testRetryDelay, nil)
	seg := &models.Segment{Index: 0, URL: server.URL + "/0.ts"}

	start := time.Now()
	data, err := f.Fetch(context.Background(), seg)
	require.NoError(t, err)
	assert.Equal(t, "segment", string(data))
	assert.EqualValues(t, 7, seg.Size)
	assert.EqualValues(t, 2, calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), testRetryDelay)
}

func TestSegmentFetcher_FailsAfterTwoAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	f := NewSegmentFetcher(httpclient.Wrap(server.Client(), nil), testRetryDelay, nil)
	_, err := f.Fetch(context.Background(), &models.Segment{Index: 3, URL: server.URL + "/3.ts"})

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNetwork)

	var se *httpclient.StatusError
	assert.ErrorAs(t, err, &se, "last cause must stay reachable")
	assert.EqualValues(t, DefaultAttempts, calls.Load())
}

func TestSegmentFetcher_CancelDuringDelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	f := NewSegmentFetcher(httpclient.Wrap(server.Client(), nil), time.Hour, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Fetch(ctx, &models.Segment{URL: server.URL})
	assert.ErrorIs(t, err, models.ErrNetwork)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestNewSegmentFetcher_DefaultDelay(t *testing.T) {
	f := NewSegmentFetcher(nil, 0, nil)
	assert.Equal(t, DefaultRetryDelay, f.retryDelay)
	assert.Equal(t, 2, f.attempts)
}
