// Package keeper downloads HLS media playlists and keeps them as local files.
//
// Basic usage:
//
//	k, err := keeper.New(
//		keeper.WithOutputDir("./downloads"),
//		keeper.WithConcurrency(8),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer k.Close()
//
//	res, err := k.Download(ctx, "https://example.com/video.m3u8", "video", nil)
//
// Or use the convenience function:
//
//	res, err := keeper.DownloadURL(ctx, "https://example.com/video.m3u8", "video")
package keeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mohaanymo/m3u8keeper/internal/config"
	"github.com/mohaanymo/m3u8keeper/internal/decryptor"
	"github.com/mohaanymo/m3u8keeper/internal/engine"
	"github.com/mohaanymo/m3u8keeper/internal/history"
	"github.com/mohaanymo/m3u8keeper/internal/httpclient"
	"github.com/mohaanymo/m3u8keeper/internal/logger"
	"github.com/mohaanymo/m3u8keeper/internal/models"
	"github.com/mohaanymo/m3u8keeper/internal/parser"
	"github.com/mohaanymo/m3u8keeper/internal/remux"
	"github.com/mohaanymo/m3u8keeper/internal/storage"
)

// Public aliases for the pipeline's data types.
type (
	Result        = models.Result
	Job           = models.DownloadJob
	ProgressEvent = models.ProgressEvent
	ProgressFunc  = models.ProgressFunc
	Stage         = models.Stage
	Status        = engine.Status
	JobOption     = engine.JobOption
)

// Error kinds. Match with errors.Is.
var (
	ErrFetch       = models.ErrFetch
	ErrFormat      = models.ErrFormat
	ErrNetwork     = models.ErrNetwork
	ErrCrypto      = models.ErrCrypto
	ErrTranscode   = models.ErrTranscode
	ErrConcurrency = models.ErrConcurrency
	ErrSave        = models.ErrSave
)

var (
	_ engine.Recorder       = (*history.Store)(nil)
	_ engine.PlaylistParser = (*parser.HLSParser)(nil)
	_ engine.Assembler      = (*engine.SegmentAssembler)(nil)
	_ engine.Converter      = (*engine.Transcoder)(nil)
	_ engine.Decrypter      = (*decryptor.HLSDecryptor)(nil)
	_ remux.Engine          = (*remux.FFmpeg)(nil)
)

type settings struct {
	cfg *config.Config
	log logger.Logger
}

// Option configures the keeper.
type Option func(*settings)

// WithConfig replaces the whole configuration. Later options still apply on top.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) {
		if cfg != nil {
			c := *cfg
			c.Download.Headers = make(map[string]string, len(cfg.Download.Headers))
			for k, v := range cfg.Download.Headers {
				c.Download.Headers[k] = v
			}
			s.cfg = &c
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logger.Logger) Option {
	return func(s *settings) {
		s.log = log
	}
}

// WithConcurrency sets how many segments are fetched per batch.
func WithConcurrency(n int) Option {
	return func(s *settings) {
		s.cfg.Download.Concurrency = n
	}
}

// WithRetryDelay sets the pause between the two attempts of a segment fetch.
func WithRetryDelay(d time.Duration) Option {
	return func(s *settings) {
		s.cfg.Download.RetryDelay = d
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.cfg.Download.Timeout = d
	}
}

// WithHeaders sets custom HTTP headers for all requests.
func WithHeaders(headers map[string]string) Option {
	return func(s *settings) {
		for k, v := range headers {
			s.cfg.Download.Headers[k] = v
		}
	}
}

// WithHeader adds a single custom HTTP header.
func WithHeader(key, value string) Option {
	return func(s *settings) {
		s.cfg.Download.Headers[key] = value
	}
}

// WithMaxBandwidth caps download speed in bytes per second. 0 means unlimited.
func WithMaxBandwidth(bytesPerSec int64) Option {
	return func(s *settings) {
		s.cfg.Download.MaxBandwidth = bytesPerSec
	}
}

// WithSkipTranscode saves the raw MPEG-TS stream instead of remuxing to MP4.
func WithSkipTranscode(skip bool) Option {
	return func(s *settings) {
		s.cfg.Download.SkipTranscode = skip
	}
}

// WithFFmpegPath sets the ffmpeg binary used for remuxing.
func WithFFmpegPath(path string) Option {
	return func(s *settings) {
		s.cfg.Transcode.FFmpegPath = path
	}
}

// WithOutputDir saves finished files to a local directory.
func WithOutputDir(dir string) Option {
	return func(s *settings) {
		s.cfg.Storage.Type = config.StorageFilesystem
		s.cfg.Storage.OutputDir = dir
	}
}

// WithHistory records every job in the SQLite database at path.
// An empty path disables history.
func WithHistory(path string) Option {
	return func(s *settings) {
		s.cfg.History.Enabled = path != ""
		s.cfg.History.SQLitePath = path
	}
}

// SkipTranscode overrides the transcode setting for a single job.
func SkipTranscode(skip bool) JobOption {
	return engine.WithSkipTranscode(skip)
}

// Keeper owns one download pipeline and the resources behind it.
type Keeper struct {
	cfg        *config.Config
	log        logger.Logger
	pipeline   *engine.Pipeline
	transcoder *engine.Transcoder
	history    *history.Store
	closers    []io.Closer
}

// New wires a keeper from the given options.
func New(opts ...Option) (*Keeper, error) {
	s := &settings{cfg: config.New(), log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Nop()
	}

	cfg := s.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Keeper{cfg: cfg, log: s.log}

	client := httpclient.New(httpclient.Config{
		Timeout:         cfg.Download.Timeout,
		MaxConnsPerHost: httpclient.DefaultConfig().MaxConnsPerHost,
		MaxBandwidth:    cfg.Download.MaxBandwidth,
		Headers:         cfg.Download.Headers,
	})

	saver, err := storage.New(context.Background(), cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}
	if c, ok := saver.(io.Closer); ok {
		k.closers = append(k.closers, c)
	}

	k.transcoder = engine.NewTranscoder(
		remux.NewFFmpeg(cfg.Transcode.FFmpegPath),
		engine.TranscoderConfig{FastStart: cfg.Transcode.FastStart, Verify: cfg.Transcode.Verify},
		s.log,
	)

	popts := engine.Options{
		Parser:        parser.NewHLSParser(client, s.log),
		Assembler:     engine.NewSegmentAssembler(engine.NewSegmentFetcher(client, cfg.Download.RetryDelay, s.log), decryptor.New(s.log)),
		Converter:     k.transcoder,
		Saver:         saver,
		Logger:        s.log,
		Concurrency:   cfg.Download.Concurrency,
		SkipTranscode: cfg.Download.SkipTranscode,
	}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.SQLitePath)
		if err != nil {
			k.Close()
			return nil, fmt.Errorf("open history: %w", err)
		}
		k.history = store
		k.closers = append(k.closers, store)
		popts.Recorder = store
	}

	k.pipeline, err = engine.NewPipeline(popts)
	if err != nil {
		k.Close()
		return nil, err
	}
	return k, nil
}

// Download runs one job to completion. onProgress may be nil.
func (k *Keeper) Download(ctx context.Context, url, name string, onProgress ProgressFunc, opts ...JobOption) (*Result, error) {
	return k.pipeline.Download(ctx, url, name, onProgress, opts...)
}

// Start runs one job in the background and returns as soon as it is accepted.
func (k *Keeper) Start(ctx context.Context, url, name string, onProgress ProgressFunc, opts ...JobOption) (Job, error) {
	return k.pipeline.Start(ctx, url, name, onProgress, opts...)
}

// Status reports the current job, if any.
func (k *Keeper) Status() Status {
	return k.pipeline.Status()
}

// Active reports whether a job is in flight.
func (k *Keeper) Active() bool {
	return k.pipeline.Active()
}

// History returns the job history store, or nil when history is disabled.
func (k *Keeper) History() *history.Store {
	return k.history
}

// Config returns the effective configuration.
func (k *Keeper) Config() config.Config {
	return *k.cfg
}

// Close releases the remux engine, the storage client and the history database.
// Always call Close() when done, preferably with defer.
func (k *Keeper) Close() error {
	var errs []error
	if k.transcoder != nil {
		errs = append(errs, k.transcoder.Close())
	}
	for _, c := range k.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// DownloadURL is a convenience function for one-off downloads with
// history disabled.
func DownloadURL(ctx context.Context, url, name string, opts ...Option) (*Result, error) {
	allOpts := append([]Option{WithHistory("")}, opts...)

	k, err := New(allOpts...)
	if err != nil {
		return nil, err
	}
	defer k.Close()

	return k.Download(ctx, url, name, nil)
}
