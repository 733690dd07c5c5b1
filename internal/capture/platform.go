package capture

import (
	"context"
	"time"

	"github.com/ncecere/tabscribe/backend/internal/models"
)

// DefaultMimeType is the container/codec requested from recorders.
const DefaultMimeType = "audio/webm;codecs=opus"

// Platform grants access to a tab's audio.
type Platform interface {
	// Capture returns the tab's media stream. Implementations return errors
	// wrapping ErrPermissionDenied or ErrNoAudio where they can tell.
	Capture(ctx context.Context, tab models.TabContext) (Stream, error)
}

// Stream is a live media stream with zero or more tracks.
type Stream interface {
	Tracks() []Track
	NewRecorder(mimeType string) (Recorder, error)
	// Passthrough keeps the tab audible while it is being captured.
	Passthrough() (Passthrough, error)
}

type Track interface {
	Kind() string
	Stop()
}

// Recorder encodes a stream into container fragments. Fragments are delivered
// every timeslice; Stop flushes the remainder and then reports OnStop.
type Recorder interface {
	Start(timeslice time.Duration, sink RecorderSink) error
	Stop() error
}

// RecorderSink receives recorder events. The sink takes ownership of data.
type RecorderSink interface {
	OnData(data []byte)
	OnStop()
	OnError(err error)
}

type Passthrough interface {
	Close() error
}

func audioTracks(stream Stream) int {
	n := 0
	for _, tr := range stream.Tracks() {
		if tr != nil && tr.Kind() == "audio" {
			n++
		}
	}
	return n
}
