package models

import (
	"fmt"
	"io"
	"time"
)

// AudioInput wraps an audio payload headed for the engine.
type AudioInput struct {
	Reader      io.Reader
	Filename    string
	ContentType string
	Bytes       int64
}

type AudioTranscriptionTask string

const (
	AudioTranscriptionTaskTranscribe AudioTranscriptionTask = "transcribe"
	AudioTranscriptionTaskTranslate  AudioTranscriptionTask = "translate"
)

// AudioTranscriptionRequest is one engine round trip, already resolved to a mode.
type AudioTranscriptionRequest struct {
	Model    string
	Task     AudioTranscriptionTask
	Input    AudioInput
	Language string
}

// AudioTranscriptionResponse is a normalized engine payload.
type AudioTranscriptionResponse struct {
	Text     string
	Language string
}

// UpstreamError is raised by engine adapters when the engine rejects a request
// or cannot be reached. StatusCode is zero for transport failures.
type UpstreamError struct {
	Task       AudioTranscriptionTask
	StatusCode int
	Message    string
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.Body
	}
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("engine %s error: %s", e.Task, detail)
	}
	return fmt.Sprintf("engine %s error: %d - %s", e.Task, e.StatusCode, detail)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// TranscriptionRequest is a fully resolved request to the gateway client.
type TranscriptionRequest struct {
	Audio AudioInput
	// Language is a hint; "" and "auto" mean detect.
	Language    string
	TranslateTo *string
	Sequence    *int
	Tab         *TabContext
	CapturedAt  time.Time
}

// TranscriptionResult is the text produced for one segment or upload.
type TranscriptionResult struct {
	Text           string        `json:"text"`
	IsTranslation  bool          `json:"isTranslation"`
	Language       string        `json:"language"`
	ProcessedAt    time.Time     `json:"processedAt"`
	ProcessingTime time.Duration `json:"-"`
	Sequence       *int          `json:"sequenceNumber"`
	AudioFileSize  int64         `json:"audioFileSize"`
}
