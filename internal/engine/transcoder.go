package engine

import (
	"context"
	"sync"

	"github.com/mohaanymo/m3u8keeper/internal/logger"
	"github.com/mohaanymo/m3u8keeper/internal/models"
	"github.com/mohaanymo/m3u8keeper/internal/remux"
)

const (
	inputFile  = "input.ts"
	outputFile = "output.mp4"
)

// TranscoderConfig controls the remux step.
type TranscoderConfig struct {
	FastStart bool // move the moov box to the front
	Verify    bool // decode the output and require a moov box
}

// Transcoder remuxes assembled MPEG-TS into MP4 using a shared engine.
//
// The engine is loaded on first use and kept for later jobs. A job that
// fails while using the engine marks it dirty; the next job exits and
// reloads it first.
type Transcoder struct {
	engine remux.Engine
	cfg    TranscoderConfig
	log    logger.Logger

	mu    sync.Mutex
	dirty bool
}

// NewTranscoder creates a transcoder around engine.
func NewTranscoder(engine remux.Engine, cfg TranscoderConfig, log logger.Logger) *Transcoder {
	if log == nil {
		log = logger.Nop()
	}
	return &Transcoder{engine: engine, cfg: cfg, log: log}
}

// ToOutputContainer remuxes ts into an MP4 blob named outputName.
// Every failure is a TranscodeError.
func (t *Transcoder) ToOutputContainer(ctx context.Context, ts []byte, outputName string) (blob models.Blob, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(ctx); err != nil {
		return models.Blob{}, transcodeError("load engine", err)
	}

	defer func() {
		if dErr := t.engine.DeleteFile(inputFile); dErr != nil {
			t.log.Debugf("remove %s: %v", inputFile, dErr)
		}
		if dErr := t.engine.DeleteFile(outputFile); dErr != nil {
			t.log.Debugf("remove %s: %v", outputFile, dErr)
		}
		if err != nil {
			t.dirty = true
		}
	}()

	if err := t.engine.WriteFile(inputFile, ts); err != nil {
		return models.Blob{}, transcodeError("write input", err)
	}

	if err := t.engine.Run(ctx, remux.RemuxArgs(inputFile, outputFile, t.cfg.FastStart)...); err != nil {
		return models.Blob{}, transcodeError("remux", err)
	}

	data, err := t.engine.ReadFile(outputFile)
	if err != nil {
		return models.Blob{}, transcodeError("read output", err)
	}

	if t.cfg.Verify {
		tracks, err := remux.VerifyMP4(data)
		if err != nil {
			return models.Blob{}, transcodeError("verify output", err)
		}
		t.log.Debugf("remuxed %d bytes into mp4 with %d tracks", len(data), tracks)
	}

	return models.Blob{
		Name:        models.FormatMP4.FileName(outputName),
		ContentType: models.FormatMP4.ContentType(),
		Data:        data,
	}, nil
}

// Close releases the engine.
func (t *Transcoder) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engine.Exit()
}

func (t *Transcoder) ensureLoaded(ctx context.Context) error {
	if t.dirty && t.engine.Loaded() {
		t.log.Debugf("remux engine left dirty by a failed job, reloading")
		if err := t.engine.Exit(); err != nil {
			t.log.Warnf("exit remux engine: %v", err)
		}
	}

	if !t.engine.Loaded() {
		if err := t.engine.Load(ctx); err != nil {
			t.dirty = true
			return err
		}
	}
	t.dirty = false
	return nil
}

func transcodeError(op string, err error) error {
	return models.NewError(models.ErrTranscode, op, "", err)
}
