package models

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure kind. Use errors.Is to classify.
var (
	// ErrFetch is returned when the manifest or its key cannot be retrieved.
	ErrFetch = errors.New("fetch failed")

	// ErrFormat is returned when a manifest contains no segments.
	ErrFormat = errors.New("invalid playlist")

	// ErrNetwork is returned when a segment fetch exhausts its retries.
	ErrNetwork = errors.New("network error")

	// ErrCrypto is returned by strict decryption. The lenient path never surfaces it.
	ErrCrypto = errors.New("decryption failed")

	// ErrTranscode is returned when the remux engine fails to load or run.
	ErrTranscode = errors.New("transcode failed")

	// ErrConcurrency is returned when a job is requested while another is active.
	ErrConcurrency = errors.New("a download is already in progress")

	// ErrSave is returned when the finished blob cannot be persisted.
	ErrSave = errors.New("save failed")
)

// Error carries the failure kind together with the operation and URL involved.
type Error struct {
	Kind error
	Op   string
	URL  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.URL != "" {
		msg += fmt.Sprintf(" (%s)", e.URL)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error against its kind sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// NewError builds an Error of the given kind.
func NewError(kind error, op, url string, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Err: err}
}
