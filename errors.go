package vcompress

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies every failure a compression call can report.
type ErrorKind int

const (
	KindCompressionFailed ErrorKind = iota // Any other pipeline failure
	KindNotFound                           // Input locator does not resolve to readable data
	KindUnsupportedFormat                  // No decoder/encoder for a required codec
	KindCancelled                          // Cooperative cancellation observed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindCancelled:
		return "cancelled"
	default:
		return "compression_failed"
	}
}

// Sentinel errors, one per kind. Match with errors.Is.
var (
	ErrNotFound          = errors.New("input not found")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCompressionFailed = errors.New("compression failed")
	ErrCancelled         = errors.New("compression cancelled")
)

// Pipeline errors that surface as ErrCompressionFailed.
var (
	ErrFrameTimeout       = errors.New("timed out waiting for decoded frame")
	ErrInsufficientSpace  = errors.New("insufficient free space in cache directory")
	ErrMuxerStarted       = errors.New("muxer already started")
	ErrMuxerNotStarted    = errors.New("muxer not started")
	ErrNoVideoTrack       = errors.New("input has no video track")
	ErrUnknownTrackHandle = errors.New("unknown track handle")
)

// Error is the error type returned by Compress. Kind is always one of the
// four outcomes; Err carries the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string // Phase or operation that failed, e.g. "probe", "video", "audio"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind, or
// matches the wrapped cause.
func (e *Error) Is(target error) bool {
	if target == e.Kind.sentinel() {
		return true
	}
	return errors.Is(e.Err, target)
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindUnsupportedFormat:
		return ErrUnsupportedFormat
	case KindCancelled:
		return ErrCancelled
	default:
		return ErrCompressionFailed
	}
}

// KindOf returns the kind of err. Errors that were never classified are
// reported as KindCompressionFailed.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnsupportedFormat):
		return KindUnsupportedFormat
	default:
		return KindCompressionFailed
	}
}

// classify wraps err into an *Error for op. When cancelled is true the
// result is always KindCancelled, whatever err says.
func classify(op string, err error, cancelled bool) *Error {
	if cancelled {
		return &Error{Kind: KindCancelled, Op: op, Err: ErrCancelled}
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}
