package capture

import (
	"errors"
	"fmt"

	"pi-frame-capture/pixel"
)

var (
	ErrAllocationFailure = errors.New("buffer allocation failed")
	ErrAlreadyAllocated  = errors.New("stream already has buffers")
	ErrSubmitFailed      = errors.New("request submission failed")
	ErrNoSpareRequest    = errors.New("no spare request")
	ErrNoFreeBuffer      = errors.New("no free buffer")
	ErrUnknownBuffer     = errors.New("unknown buffer")
	ErrUnknownStream     = errors.New("unknown stream")
	ErrUnknownRequest    = errors.New("unknown request")
	ErrStreamBusy        = errors.New("stream has buffers outside the free list")
	ErrReleaseTimeout    = errors.New("timed out waiting for in-flight buffers")
	ErrNoFrame           = errors.New("no frame captured yet")
	ErrNotStarted        = errors.New("scheduler not started")

	// Conversion errors are owned by the pixel package; re-exported so callers
	// only need one import to match them.
	ErrConversionSizeMismatch   = pixel.ErrConversionSizeMismatch
	ErrConfigurationUnsupported = pixel.ErrConfigurationUnsupported
)

// StreamError records the stream and operation a failure belongs to.
type StreamError struct {
	Stream StreamID
	Op     string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %d: %s: %v", e.Stream, e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

func streamErr(stream StreamID, op string, err error) error {
	return &StreamError{Stream: stream, Op: op, Err: err}
}
