package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned by platforms when access to tab audio is refused.
	ErrPermissionDenied = errors.New("permission to capture tab audio denied")
	// ErrNoAudio is returned by platforms when the tab has no audible stream.
	ErrNoAudio = errors.New("no audio track available")

	ErrSessionClosed    = errors.New("capture session closed")
	ErrRecorderStopped  = errors.New("recorder stopped unexpectedly")
	ErrStartAborted     = errors.New("capture start aborted")
	ErrNotCapturing     = errors.New("no capture session active")
	ErrControllerClosed = errors.New("capture controller closed")
)

// CaptureErrorKind classifies why capture could not begin.
type CaptureErrorKind string

const (
	NoAudio          CaptureErrorKind = "NO_AUDIO"
	PermissionDenied CaptureErrorKind = "PERMISSION_DENIED"
	AlreadyCapturing CaptureErrorKind = "ALREADY_CAPTURING"
	Unavailable      CaptureErrorKind = "CAPTURE_UNAVAILABLE"
)

type CaptureError struct {
	Kind  CaptureErrorKind
	TabID int
	Err   error
}

func (e *CaptureError) Error() string {
	var msg string
	switch e.Kind {
	case NoAudio:
		msg = "no audio stream available for tab"
	case PermissionDenied:
		msg = "permission to capture tab audio denied"
	case AlreadyCapturing:
		msg = fmt.Sprintf("already capturing tab %d", e.TabID)
	default:
		msg = "tab capture unavailable"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Code is the error code exposed over the HTTP API.
func (e *CaptureError) Code() string { return string(e.Kind) }

// IsKind reports whether err is a CaptureError of the given kind.
func IsKind(err error, kind CaptureErrorKind) bool {
	var cErr *CaptureError
	return errors.As(err, &cErr) && cErr.Kind == kind
}

func classifyCaptureError(err error) *CaptureError {
	var cErr *CaptureError
	switch {
	case errors.As(err, &cErr):
		return cErr
	case errors.Is(err, ErrPermissionDenied):
		return &CaptureError{Kind: PermissionDenied, Err: err}
	case errors.Is(err, ErrNoAudio):
		return &CaptureError{Kind: NoAudio, Err: err}
	default:
		return &CaptureError{Kind: Unavailable, Err: err}
	}
}
