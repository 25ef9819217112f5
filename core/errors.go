package core

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned when a segment cannot be created because the
	// file exists or another writer holds its lock.
	ErrAlreadyExists = errors.New("segment already exists or is locked by another writer")
	// ErrNotRecording is returned when stopping a recording that is not running.
	ErrNotRecording = errors.New("not recording")
	// ErrNotPlaying is returned for a playback command that is invalid in the current state.
	ErrNotPlaying = errors.New("not playing")
	// ErrAlreadyPlaying is returned when starting a controller that is already running.
	ErrAlreadyPlaying = errors.New("already playing")
	// ErrCorruptBatch marks a batch whose checksum, length or commit marker does not verify.
	ErrCorruptBatch = errors.New("corrupt batch")
	// ErrUnsupportedFormat is returned for segment or index files written by a newer format.
	ErrUnsupportedFormat = errors.New("unsupported format version")
	// ErrRecordingFailed is the terminal error of a recording that could not persist a batch.
	ErrRecordingFailed = errors.New("recording failed")

	ErrNotSegment       = errors.New("not an archive segment")
	ErrSegmentReplaced  = errors.New("segment replaced")
	ErrOutOfOrder       = errors.New("records out of timestamp order")
	ErrInvalidRate      = errors.New("invalid playback rate")
	ErrUnknownValueTag  = errors.New("unknown value tag")
	ErrIndexCorrupt     = errors.New("time index corrupt")
	ErrIndexMissing     = errors.New("time index missing")
	ErrClosed           = errors.New("closed")
	ErrEmptyBatch       = errors.New("empty batch")
	ErrTruncatedPayload = errors.New("truncated batch payload")
)

// CorruptBatchError describes where and why a batch failed verification.
type CorruptBatchError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *CorruptBatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt batch at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt batch at offset %d: %s", e.Offset, e.Reason)
}

func (e *CorruptBatchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCorruptBatch) hold for every CorruptBatchError.
func (e *CorruptBatchError) Is(target error) bool {
	return target == ErrCorruptBatch
}

// NewCorruptBatchError builds a CorruptBatchError.
func NewCorruptBatchError(offset int64, reason string, err error) error {
	return &CorruptBatchError{Offset: offset, Reason: reason, Err: err}
}

// IsCorruptBatch checks if an error (or any error in its chain) is a corrupt batch error.
func IsCorruptBatch(err error) bool {
	var corrupt *CorruptBatchError
	return errors.As(err, &corrupt) || errors.Is(err, ErrCorruptBatch)
}

// RecordingFailed wraps the cause of a terminal recording failure so that both
// ErrRecordingFailed and the cause match with errors.Is.
func RecordingFailed(cause error) error {
	return fmt.Errorf("%w: %w", ErrRecordingFailed, cause)
}
