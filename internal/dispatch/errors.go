package dispatch

import (
	"errors"
	"fmt"
)

// ValidationKind names the reason a payload was refused before any network call.
type ValidationKind string

const (
	EmptyFile ValidationKind = "INVALID_FILE"
	TooLarge  ValidationKind = "FILE_TOO_LARGE"
)

var (
	ErrEmptyFile = errors.New("no audio file provided")
	ErrTooLarge  = errors.New("audio file exceeds the upload limit")
)

// ValidationError is returned for payloads that never reach the engine.
type ValidationError struct {
	Kind  ValidationKind
	Size  int64
	Limit int64
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case TooLarge:
		return fmt.Sprintf("audio file too large: %d bytes (limit %d MB)", e.Size, e.Limit/(1024*1024))
	default:
		return ErrEmptyFile.Error()
	}
}

func (e *ValidationError) Is(target error) bool {
	switch e.Kind {
	case EmptyFile:
		return target == ErrEmptyFile
	case TooLarge:
		return target == ErrTooLarge
	}
	return false
}

// Code is the error code exposed over the HTTP API.
func (e *ValidationError) Code() string { return string(e.Kind) }

// TranscriptionError wraps any failure that happened after validation passed.
type TranscriptionError struct {
	Message string
	Details string
	Err     error
}

func (e *TranscriptionError) Error() string {
	if e.Details == "" {
		return e.Message
	}
	return e.Message + ": " + e.Details
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Code is the error code exposed over the HTTP API.
func (e *TranscriptionError) Code() string { return "TRANSCRIPTION_ERROR" }
