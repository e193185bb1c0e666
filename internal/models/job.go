package models

import (
	"fmt"
	"time"
)

// Stage represents a state of the download pipeline.
type Stage int

const (
	StageIdle Stage = iota
	StageParsing
	StageDownloading
	StageConverting
	StageSaving
	StageCompleted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageParsing:
		return "parsing"
	case StageDownloading:
		return "downloading"
	case StageConverting:
		return "converting"
	case StageSaving:
		return "saving"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the stage ends a job.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// MarshalText encodes the stage by name so it reads well in JSON.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name. Unknown names are an error.
func (s *Stage) UnmarshalText(text []byte) error {
	for st := StageIdle; st <= StageFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", text)
}

// DownloadJob is the unit of work for one end-to-end download.
type DownloadJob struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Name      string    `json:"name"`
	Stage     Stage     `json:"stage"`
	StartedAt time.Time `json:"started_at"`
}

// ProgressEvent is reported to the caller during a job. Purely observational.
type ProgressEvent struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`

	// Set during StageDownloading only.
	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`
	Percent int `json:"percent,omitempty"`
}

// ProgressFunc receives progress events.
type ProgressFunc func(ProgressEvent)
