package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNameNotFound is wrapped by FileClient implementations when the
	// server reports that the requested path does not exist.
	ErrNameNotFound = errors.New("object name not found")
	// ErrShortRead indicates a read response whose length differs from the request.
	ErrShortRead = errors.New("short read")
	// ErrCanceled is reported to the sink when the stream is cancelled.
	ErrCanceled = errors.New("stream canceled")
)

// ReadError is the fatal failure of one chunk read.
type ReadError struct {
	Index  uint64
	Offset uint64
	Length uint32
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read chunk %d (offset %d, length %d): %v", e.Index, e.Offset, e.Length, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// CloseError reports a failed terminal close. All data had already been
// delivered when it happened.
type CloseError struct {
	Err error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close file: %v", e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }
