// Package engine drives HLS downloads from manifest to saved file.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/mohaanymo/m3u8keeper/internal/logger"
	"github.com/mohaanymo/m3u8keeper/internal/models"
	"github.com/mohaanymo/m3u8keeper/internal/storage"
)

// DefaultConcurrency is the batch size of the primary download pass.
const DefaultConcurrency = 5

// PlaylistParser turns a manifest URL into a playlist with key material.
type PlaylistParser interface {
	Parse(ctx context.Context, manifestURL string) (*models.Playlist, error)
}

// Assembler downloads a playlist into one contiguous MPEG-TS buffer.
type Assembler interface {
	AssembleAll(ctx context.Context, pl *models.Playlist, concurrency int, onBatch BatchFunc) ([]byte, error)
}

// Converter remuxes MPEG-TS into the output container.
type Converter interface {
	ToOutputContainer(ctx context.Context, ts []byte, outputName string) (models.Blob, error)
}

// Recorder stores finished jobs.
type Recorder interface {
	Record(ctx context.Context, job models.DownloadJob, res *models.Result, jobErr error) error
}

// Options wires the pipeline together. Parser, Assembler and Saver are
// required; Converter is required unless every job skips transcoding.
type Options struct {
	Parser    PlaylistParser
	Assembler Assembler
	Converter Converter
	Saver     storage.Saver
	Recorder  Recorder
	Logger    logger.Logger

	Concurrency   int
	SkipTranscode bool
}

// JobOption adjusts a single download.
type JobOption func(*jobSettings)

type jobSettings struct {
	skipTranscode bool
}

// WithSkipTranscode overrides the pipeline's transcode setting for one job.
func WithSkipTranscode(skip bool) JobOption {
	return func(s *jobSettings) { s.skipTranscode = skip }
}

// Status is a snapshot of the pipeline.
type Status struct {
	Active    bool                  `json:"active"`
	Stage     models.Stage          `json:"stage"`
	Job       *models.DownloadJob   `json:"job,omitempty"`
	LastEvent *models.ProgressEvent `json:"last_event,omitempty"`
}

// Pipeline runs at most one download at a time.
type Pipeline struct {
	parser    PlaylistParser
	assembler Assembler
	converter Converter
	saver     storage.Saver
	recorder  Recorder
	log       logger.Logger

	concurrency   int
	skipTranscode bool

	mu     sync.Mutex
	active bool
	stage  models.Stage
	job    *models.DownloadJob
	last   *models.ProgressEvent
}

// NewPipeline validates o and creates a pipeline.
func NewPipeline(o Options) (*Pipeline, error) {
	if o.Parser == nil || o.Assembler == nil || o.Saver == nil {
		return nil, errors.New("pipeline requires a parser, an assembler and a saver")
	}
	if o.Converter == nil && !o.SkipTranscode {
		return nil, errors.New("pipeline requires a converter unless transcoding is skipped")
	}
	if o.Concurrency < 1 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}

	return &Pipeline{
		parser:        o.Parser,
		assembler:     o.Assembler,
		converter:     o.Converter,
		saver:         o.Saver,
		recorder:      o.Recorder,
		log:           o.Logger,
		concurrency:   o.Concurrency,
		skipTranscode: o.SkipTranscode,
		stage:         models.StageIdle,
	}, nil
}

// Active reports whether a job is in flight.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Status returns the current stage and the most recent job.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{Active: p.active, Stage: p.stage}
	if p.job != nil {
		job := *p.job
		st.Job = &job
	}
	if p.last != nil {
		ev := *p.last
		st.LastEvent = &ev
	}
	return st
}

// Download runs one job to completion. It returns a ConcurrencyError at once
// when another job is active.
func (p *Pipeline) Download(ctx context.Context, manifestURL, name string, onProgress models.ProgressFunc, opts ...JobOption) (*models.Result, error) {
	job, err := p.reserve(manifestURL, name)
	if err != nil {
		return nil, err
	}
	return p.execute(ctx, job, onProgress, opts)
}

// Start reserves the pipeline and runs the job in the background. The
// returned job carries the ID the run will be recorded under.
func (p *Pipeline) Start(ctx context.Context, manifestURL, name string, onProgress models.ProgressFunc, opts ...JobOption) (models.DownloadJob, error) {
	job, err := p.reserve(manifestURL, name)
	if err != nil {
		return models.DownloadJob{}, err
	}
	snapshot := *job

	go func() {
		if _, err := p.execute(ctx, job, onProgress, opts); err != nil {
			p.log.Errorf("job %s: %v", snapshot.ID, err)
		}
	}()
	return snapshot, nil
}

// reserve sets the in-flight flag. It is the first thing a job does.
func (p *Pipeline) reserve(manifestURL, name string) (*models.DownloadJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		return nil, models.NewError(models.ErrConcurrency, "download", manifestURL, nil)
	}
	p.active = true

	job := &models.DownloadJob{
		ID:        ksuid.New().String(),
		URL:       manifestURL,
		Name:      name,
		Stage:     models.StageIdle,
		StartedAt: time.Now(),
	}
	p.job = job
	p.last = nil
	return job, nil
}

// release clears the in-flight flag. It is the last thing a job does.
func (p *Pipeline) release() {
	p.mu.Lock()
	p.active = false
	p.stage = models.StageIdle
	p.mu.Unlock()
}

func (p *Pipeline) execute(ctx context.Context, job *models.DownloadJob, onProgress models.ProgressFunc, opts []JobOption) (*models.Result, error) {
	defer p.release()

	settings := jobSettings{skipTranscode: p.skipTranscode}
	for _, opt := range opts {
		opt(&settings)
	}
	if !settings.skipTranscode && p.converter == nil {
		settings.skipTranscode = true
	}

	emit := func(ev models.ProgressEvent) {
		p.mu.Lock()
		p.stage = ev.Stage
		job.Stage = ev.Stage
		last := ev
		p.last = &last
		p.mu.Unlock()
		notify(onProgress, ev)
	}

	res, err := p.run(ctx, job, settings, emit)
	if err != nil {
		p.log.Errorf("job %s failed: %v", job.ID, err)
		emit(models.ProgressEvent{Stage: models.StageFailed, Message: err.Error()})
	}
	p.record(ctx, job, res, err)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, job *models.DownloadJob, settings jobSettings, emit models.ProgressFunc) (*models.Result, error) {
	emit(models.ProgressEvent{Stage: models.StageParsing, Message: "Parsing playlist"})

	pl, err := p.parser.Parse(ctx, job.URL)
	if err != nil {
		return nil, err
	}
	p.log.Infof("job %s: %d segments, encrypted=%v", job.ID, pl.Len(), pl.Encrypted())

	ts, err := p.download(ctx, pl, p.concurrency, emit)
	if err != nil {
		return nil, err
	}

	if settings.skipTranscode {
		return p.save(ctx, job, tsBlob(job.Name, ts), false, emit)
	}

	emit(models.ProgressEvent{Stage: models.StageConverting, Message: "Converting to MP4"})

	out, err := p.converter.ToOutputContainer(ctx, ts, job.Name)
	if err == nil {
		return p.save(ctx, job, out, false, emit)
	}
	if !errors.Is(err, models.ErrTranscode) {
		return nil, err
	}

	p.log.Warnf("job %s: %v; falling back to MPEG-TS", job.ID, err)
	emit(models.ProgressEvent{Stage: models.StageConverting, Message: "Conversion failed, saving as .ts instead"})

	ts, err = p.download(ctx, pl, 1, emit)
	if err != nil {
		return nil, err
	}
	return p.save(ctx, job, tsBlob(job.Name, ts), true, emit)
}

func (p *Pipeline) download(ctx context.Context, pl *models.Playlist, concurrency int, emit models.ProgressFunc) ([]byte, error) {
	total := pl.Len()
	emit(models.ProgressEvent{
		Stage:   models.StageDownloading,
		Message: fmt.Sprintf("Downloading %d segments", total),
		Total:   total,
	})

	return p.assembler.AssembleAll(ctx, pl, concurrency, func(current, total int) {
		emit(models.ProgressEvent{
			Stage:   models.StageDownloading,
			Message: fmt.Sprintf("Downloaded %d/%d segments", current, total),
			Current: current,
			Total:   total,
			Percent: percent(current, total),
		})
	})
}

func (p *Pipeline) save(ctx context.Context, job *models.DownloadJob, blob models.Blob, fellBack bool, emit models.ProgressFunc) (*models.Result, error) {
	emit(models.ProgressEvent{Stage: models.StageSaving, Message: "Saving " + blob.Name})

	loc, err := p.saver.Save(ctx, blob)
	if err != nil {
		if !errors.Is(err, models.ErrSave) {
			err = models.NewError(models.ErrSave, "save "+blob.Name, "", err)
		}
		return nil, err
	}

	format := models.FormatMP4
	if blob.ContentType == models.FormatTS.ContentType() {
		format = models.FormatTS
	}

	res := &models.Result{
		JobID:    job.ID,
		Name:     blob.Name,
		Location: loc,
		Format:   format,
		Size:     blob.Size(),
		FellBack: fellBack,
	}
	emit(models.ProgressEvent{Stage: models.StageCompleted, Message: "Saved " + loc})
	return res, nil
}

func (p *Pipeline) record(ctx context.Context, job *models.DownloadJob, res *models.Result, jobErr error) {
	if p.recorder == nil {
		return
	}

	p.mu.Lock()
	snapshot := *job
	p.mu.Unlock()

	if err := p.recorder.Record(context.WithoutCancel(ctx), snapshot, res, jobErr); err != nil {
		p.log.Warnf("record job %s: %v", job.ID, err)
	}
}

func tsBlob(name string, data []byte) models.Blob {
	return models.Blob{
		Name:        models.FormatTS.FileName(name),
		ContentType: models.FormatTS.ContentType(),
		Data:        data,
	}
}
