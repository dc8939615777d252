package player

import (
	"errors"
	"fmt"
)

// Standard error variables.
var (
	ErrClosed         = errors.New("player closed")
	ErrInvalidSpeed   = errors.New("invalid playback speed")
	ErrSchemaConflict = errors.New("schema conflict between merged sources")
	ErrStallTimeout   = errors.New("playback stalled waiting for data")
	ErrNotInitialized = errors.New("source not initialized")
)

// SourceInitError reports a child source that failed to open or initialize.
// It fails the whole composite.
type SourceInitError struct {
	SourceID string
	Err      error
}

func (e *SourceInitError) Error() string {
	return fmt.Sprintf("initializing source %s: %v", e.SourceID, e.Err)
}

func (e *SourceInitError) Unwrap() error {
	return e.Err
}

// StreamReadError reports a child source that failed while streaming.
type StreamReadError struct {
	SourceID string
	Err      error
}

func (e *StreamReadError) Error() string {
	return fmt.Sprintf("reading source %s: %v", e.SourceID, e.Err)
}

func (e *StreamReadError) Unwrap() error {
	return e.Err
}

// TransitionError is returned for a lifecycle transition outside the allow-list.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// sourceIDOf returns the failing source of err, if any.
func sourceIDOf(err error) string {
	var ie *SourceInitError
	if errors.As(err, &ie) {
		return ie.SourceID
	}
	var re *StreamReadError
	if errors.As(err, &re) {
		return re.SourceID
	}
	return ""
}
