package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ncecere/tabscribe/backend/internal/models"
)

// Options configure the native OpenAI adapter.
type Options struct {
	APIKey       string
	BaseURL      string
	Organization string
	Timeout      time.Duration
	Extra        []option.RequestOption
}

// Adapter wraps the official OpenAI SDK for native + compatible speech engines.
type Adapter struct {
	client *openai.Client
}

// New creates an OpenAI adapter using the provided API key and optional base URL/organization.
// Requests are never retried; a failed segment is reported, not replayed.
func New(opts Options) (*Adapter, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}

	requestOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(opts.BaseURL) != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(strings.TrimRight(opts.BaseURL, "/")+"/"))
	}
	if strings.TrimSpace(opts.Organization) != "" {
		requestOpts = append(requestOpts, option.WithOrganization(strings.TrimSpace(opts.Organization)))
	}
	if opts.Timeout > 0 {
		requestOpts = append(requestOpts, option.WithRequestTimeout(opts.Timeout))
	}
	requestOpts = append(requestOpts, opts.Extra...)

	client := openai.NewClient(requestOpts...)
	return &Adapter{client: &client}, nil
}

// HealthCheck uses the Models API as a lightweight readiness probe.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx)
	if err != nil {
		return upstreamError("health", err)
	}
	return nil
}

// Transcribe performs speech-to-text via the OpenAI Audio Transcriptions API.
func (a *Adapter) Transcribe(ctx context.Context, req models.AudioTranscriptionRequest) (models.AudioTranscriptionResponse, error) {
	if req.Input.Reader == nil {
		return models.AudioTranscriptionResponse{}, errors.New("openai: audio input required")
	}
	params := openai.AudioTranscriptionNewParams{
		File:           fileParam(req.Input),
		Model:          openai.AudioModel(req.Model),
		ResponseFormat: openai.AudioResponseFormatJSON,
	}
	if lang := strings.TrimSpace(req.Language); lang != "" {
		params.Language = openai.String(lang)
	}
	resp, err := a.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return models.AudioTranscriptionResponse{}, upstreamError(models.AudioTranscriptionTaskTranscribe, err)
	}
	return withRawFields(models.AudioTranscriptionResponse{
		Text:     resp.Text,
		Language: resp.Language,
	}, resp.RawJSON()), nil
}

// Translate performs speech translation to English using the OpenAI Audio Translations API.
func (a *Adapter) Translate(ctx context.Context, req models.AudioTranscriptionRequest) (models.AudioTranscriptionResponse, error) {
	if req.Input.Reader == nil {
		return models.AudioTranscriptionResponse{}, errors.New("openai: audio input required")
	}
	params := openai.AudioTranslationNewParams{
		File:           fileParam(req.Input),
		Model:          openai.AudioModel(req.Model),
		ResponseFormat: openai.AudioTranslationNewParamsResponseFormatJSON,
	}
	resp, err := a.client.Audio.Translations.New(ctx, params)
	if err != nil {
		return models.AudioTranscriptionResponse{}, upstreamError(models.AudioTranscriptionTaskTranslate, err)
	}
	return withRawFields(models.AudioTranscriptionResponse{Text: resp.Text}, resp.RawJSON()), nil
}

// withRawFields fills text and language from the raw body when the SDK's
// exact-case decoder missed them; engines differ in field name casing.
func withRawFields(out models.AudioTranscriptionResponse, raw string) models.AudioTranscriptionResponse {
	if (out.Text != "" && out.Language != "") || strings.TrimSpace(raw) == "" {
		return out
	}
	var body struct {
		Text     string
		Language string
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return out
	}
	if out.Text == "" {
		out.Text = body.Text
	}
	if out.Language == "" {
		out.Language = body.Language
	}
	return out
}

func fileParam(in models.AudioInput) io.Reader {
	name := strings.TrimSpace(in.Filename)
	if name == "" {
		name = "audio.webm"
	}
	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return openai.File(in.Reader, name, contentType)
}

func upstreamError(task models.AudioTranscriptionTask, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		out := &models.UpstreamError{
			Task:       task,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
		if apiErr.Response != nil && apiErr.Response.Body != nil {
			if body, readErr := io.ReadAll(io.LimitReader(apiErr.Response.Body, 64<<10)); readErr == nil {
				out.Body = strings.TrimSpace(string(body))
			}
		}
		return out
	}
	return &models.UpstreamError{Task: task, Err: err}
}
