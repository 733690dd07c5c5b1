// Package gateway sends prepared audio to the speech engine and normalizes
// the outcome into a TranscriptionResult.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ncecere/tabscribe/backend/internal/models"
	"github.com/ncecere/tabscribe/backend/internal/observability"
	"github.com/ncecere/tabscribe/backend/internal/providers"
)

// LanguageAuto asks the engine to detect the spoken language.
const LanguageAuto = "auto"

// Options tune a Client.
type Options struct {
	Model             string
	TranslationTarget string
	Logger            *slog.Logger
	Metrics           *observability.Provider
	Now               func() time.Time
}

// Client performs exactly one engine round trip per request. It never retries.
type Client struct {
	transcriber providers.AudioTranscriber
	translator  providers.AudioTranslator
	model       string
	target      string
	logger      *slog.Logger
	metrics     *observability.Provider
	now         func() time.Time
}

// New wires a client to the resolved engine.
func New(engine providers.Engine, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = engine.Model
	}
	target := strings.ToLower(strings.TrimSpace(opts.TranslationTarget))
	if target == "" {
		target = "en"
	}
	return &Client{
		transcriber: engine.Transcribe,
		translator:  engine.Translate,
		model:       model,
		target:      target,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         now,
	}
}

// TranslationTarget is the only language the engine can translate into.
func (c *Client) TranslationTarget() string {
	return c.target
}

// Transcribe sends the request in translation mode when TranslateTo names the
// supported target, and in transcription mode otherwise.
func (c *Client) Transcribe(ctx context.Context, req models.TranscriptionRequest) (models.TranscriptionResult, error) {
	if req.Audio.Reader == nil {
		return models.TranscriptionResult{}, errors.New("gateway: audio input required")
	}

	task := models.AudioTranscriptionTaskTranscribe
	if req.TranslateTo != nil {
		requested := strings.ToLower(strings.TrimSpace(*req.TranslateTo))
		switch {
		case requested == "":
		case requested == c.target && c.translator != nil:
			task = models.AudioTranscriptionTaskTranslate
		default:
			c.logger.Info("translation target not available, transcribing instead",
				slog.String("requested", requested),
				slog.String("supported", c.target),
			)
		}
	}

	engineReq := models.AudioTranscriptionRequest{
		Model: c.model,
		Task:  task,
		Input: req.Audio,
	}
	if hint := strings.TrimSpace(req.Language); hint != "" && !strings.EqualFold(hint, LanguageAuto) {
		engineReq.Language = hint
	}

	ctx, span := observability.Tracer("tabscribe/gateway").Start(ctx, "engine."+string(task))
	defer span.End()
	span.SetAttributes(
		attribute.String("engine.model", c.model),
		attribute.String("engine.language", engineReq.Language),
		attribute.Int64("audio.bytes", req.Audio.Bytes),
	)
	if req.Sequence != nil {
		span.SetAttributes(attribute.Int("segment.sequence", *req.Sequence))
	}

	start := c.now()
	var (
		resp models.AudioTranscriptionResponse
		err  error
	)
	if task == models.AudioTranscriptionTaskTranslate {
		resp, err = c.translator.Translate(ctx, engineReq)
	} else {
		resp, err = c.transcriber.Transcribe(ctx, engineReq)
	}
	elapsed := c.now().Sub(start)

	if err != nil {
		gwErr := newError(task, err)
		c.metrics.RecordEngineRequest(string(task), gwErr.StatusCode, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, gwErr.Error())
		c.logger.Warn("engine request failed",
			slog.String("mode", string(task)),
			slog.Int("status", gwErr.StatusCode),
			slog.Duration("elapsed", elapsed),
			slog.String("error", gwErr.Error()),
		)
		return models.TranscriptionResult{}, gwErr
	}
	c.metrics.RecordEngineRequest(string(task), 200, elapsed)

	result := models.TranscriptionResult{
		Text:           resp.Text,
		ProcessedAt:    c.now().UTC(),
		ProcessingTime: elapsed,
		Sequence:       req.Sequence,
		AudioFileSize:  req.Audio.Bytes,
	}
	if task == models.AudioTranscriptionTaskTranslate {
		result.IsTranslation = true
		result.Language = c.target
	} else {
		result.Language = req.Language
		if engineReq.Language == "" && resp.Language != "" {
			result.Language = resp.Language
		}
	}
	return result, nil
}

// Error reports a failed engine round trip. StatusCode is zero when the engine
// was never reached (transport failure, timeout, cancellation).
type Error struct {
	Mode       models.AudioTranscriptionTask
	StatusCode int
	Body       string
	Err        error
}

func newError(task models.AudioTranscriptionTask, err error) *Error {
	out := &Error{Mode: task, Err: err}
	var upErr *models.UpstreamError
	if errors.As(err, &upErr) {
		out.StatusCode = upErr.StatusCode
		out.Body = upErr.Message
		if out.Body == "" {
			out.Body = upErr.Body
		}
	}
	return out
}

func (e *Error) Error() string {
	detail := e.Body
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("engine %s error: %s", e.Mode, detail)
	}
	return fmt.Sprintf("engine %s error: %d - %s", e.Mode, e.StatusCode, detail)
}

func (e *Error) Unwrap() error { return e.Err }
