// Package dispatch validates audio segments and hands them to the gateway client.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/ncecere/tabscribe/backend/internal/models"
	"github.com/ncecere/tabscribe/backend/internal/observability"
)

// DefaultMaxUploadBytes is the engine's accepted payload ceiling (25 MiB, inclusive).
const DefaultMaxUploadBytes int64 = 25 * 1024 * 1024

// Transcriber is the gateway surface the dispatcher depends on.
type Transcriber interface {
	Transcribe(ctx context.Context, req models.TranscriptionRequest) (models.TranscriptionResult, error)
}

type Options struct {
	MaxUploadBytes int64
	Logger         *slog.Logger
	Metrics        *observability.Provider
	Now            func() time.Time
}

// Dispatcher turns a segment into a transcription request, one call per segment.
type Dispatcher struct {
	gateway  Transcriber
	maxBytes int64
	logger   *slog.Logger
	metrics  *observability.Provider
	now      func() time.Time
}

func New(gateway Transcriber, opts Options) *Dispatcher {
	maxBytes := opts.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		gateway:  gateway,
		maxBytes: maxBytes,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      now,
	}
}

// MaxUploadBytes reports the inclusive payload limit.
func (d *Dispatcher) MaxUploadBytes() int64 {
	return d.maxBytes
}

// Validate applies the payload rules in order: empty first, then size.
func (d *Dispatcher) Validate(size int64) error {
	if size <= 0 {
		return &ValidationError{Kind: EmptyFile, Size: size, Limit: d.maxBytes}
	}
	if size > d.maxBytes {
		return &ValidationError{Kind: TooLarge, Size: size, Limit: d.maxBytes}
	}
	return nil
}

// Dispatch sends one captured segment using the session's language options.
func (d *Dispatcher) Dispatch(ctx context.Context, seg models.AudioSegment, cfg models.SessionConfig) (models.TranscriptionResult, error) {
	contentType := seg.ContentType
	if contentType == "" {
		contentType = "audio/webm"
	}
	seq := seg.Sequence
	req := models.TranscriptionRequest{
		Audio: models.AudioInput{
			Reader:      bytes.NewReader(seg.Payload),
			Filename:    SegmentFilename(seq, contentType),
			ContentType: contentType,
			Bytes:       int64(len(seg.Payload)),
		},
		Language:    cfg.Language,
		TranslateTo: cfg.TranslateTo,
		Sequence:    &seq,
		Tab:         seg.Tab,
		CapturedAt:  seg.CapturedAt,
	}
	return d.DispatchRequest(ctx, req)
}

// DispatchRequest validates and forwards an already assembled request, such as an HTTP upload.
func (d *Dispatcher) DispatchRequest(ctx context.Context, req models.TranscriptionRequest) (models.TranscriptionResult, error) {
	start := d.now()
	logger := d.logger
	if req.Sequence != nil {
		logger = logger.With(slog.Int("sequence", *req.Sequence))
	}

	if err := d.Validate(req.Audio.Bytes); err != nil {
		d.metrics.RecordSegment(observability.OutcomeRejected, req.Audio.Bytes, 0)
		logger.Warn("segment rejected", slog.String("error", err.Error()), slog.Int64("bytes", req.Audio.Bytes))
		return models.TranscriptionResult{}, err
	}

	logger.Debug("dispatching segment",
		slog.Int64("bytes", req.Audio.Bytes),
		slog.String("filename", req.Audio.Filename),
		slog.String("language", req.Language),
	)

	result, err := d.gateway.Transcribe(ctx, req)
	elapsed := d.now().Sub(start)
	if err != nil {
		d.metrics.RecordSegment(observability.OutcomeFailed, req.Audio.Bytes, elapsed)
		logger.Error("segment transcription failed", slog.String("error", err.Error()), slog.Duration("elapsed", elapsed))
		return models.TranscriptionResult{}, &TranscriptionError{
			Message: "failed to transcribe audio",
			Details: err.Error(),
			Err:     err,
		}
	}

	result.ProcessingTime = elapsed
	result.Sequence = req.Sequence
	result.AudioFileSize = req.Audio.Bytes
	if result.ProcessedAt.IsZero() {
		result.ProcessedAt = d.now().UTC()
	}

	outcome := observability.OutcomeTranscribed
	if result.IsTranslation {
		outcome = observability.OutcomeTranslated
	}
	d.metrics.RecordSegment(outcome, req.Audio.Bytes, elapsed)
	logger.Info("segment transcribed",
		slog.Int("chars", len(result.Text)),
		slog.Bool("translation", result.IsTranslation),
		slog.Duration("elapsed", elapsed),
	)
	return result, nil
}

// SegmentFilename names a segment upload after its sequence and container format.
func SegmentFilename(seq int, contentType string) string {
	return fmt.Sprintf("segment-%d.%s", seq, extensionFor(contentType))
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	switch strings.ToLower(mediaType) {
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "m4a"
	case "audio/flac":
		return "flac"
	default:
		return "webm"
	}
}
