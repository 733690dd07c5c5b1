// Package apiclient talks to a remote tabscribe server's transcription API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ncecere/tabscribe/backend/internal/dispatch"
	"github.com/ncecere/tabscribe/backend/internal/models"
)

const (
	transcribePath = "/api/transcription/transcribe"
	healthPath     = "/api/transcription/health"
	maxErrorBody   = 64 * 1024
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Details   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("tabscribe api error: %d", e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += " - " + e.Message
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

type errorEnvelope struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	RequestID string `json:"requestId"`
}

type resultEnvelope struct {
	Text             string    `json:"text"`
	IsTranslation    bool      `json:"isTranslation"`
	Language         string    `json:"language"`
	ProcessedAt      time.Time `json:"processedAt"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	SequenceNumber   *int      `json:"sequenceNumber"`
	AudioFileSize    int64     `json:"audioFileSize"`
}

// HealthReport is the server's health answer.
type HealthReport struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Engine    struct {
		Status    string    `json:"status"`
		CheckedAt time.Time `json:"checkedAt"`
		Error     string    `json:"error"`
	} `json:"engine"`
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client implements capture.Dispatcher against a remote server.
type Client struct {
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
	instance string
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("apiclient: base url required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: base, http: httpClient, logger: logger, instance: uuid.NewString()}, nil
}

// Dispatch uploads one segment and returns the server's result.
func (c *Client) Dispatch(ctx context.Context, seg models.AudioSegment, cfg models.SessionConfig) (models.TranscriptionResult, error) {
	body, contentType, err := encodeSegment(seg, cfg)
	if err != nil {
		return models.TranscriptionResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transcribePath, body)
	if err != nil {
		return models.TranscriptionResult{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%d:%d", c.instance, seg.Sequence, seg.CapturedAt.UnixNano()))

	resp, err := c.http.Do(req)
	if err != nil {
		return models.TranscriptionResult{}, fmt.Errorf("post segment %d: %w", seg.Sequence, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return models.TranscriptionResult{}, decodeError(resp)
	}
	var env resultEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return models.TranscriptionResult{}, fmt.Errorf("decode transcription response: %w", err)
	}
	c.logger.Debug("remote segment transcribed", slog.Int("sequence", seg.Sequence), slog.Int64("processing_ms", env.ProcessingTimeMs))
	return models.TranscriptionResult{
		Text:           env.Text,
		IsTranslation:  env.IsTranslation,
		Language:       env.Language,
		ProcessedAt:    env.ProcessedAt,
		ProcessingTime: time.Duration(env.ProcessingTimeMs) * time.Millisecond,
		Sequence:       env.SequenceNumber,
		AudioFileSize:  env.AudioFileSize,
	}, nil
}

// Health fetches the server health report.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return HealthReport{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HealthReport{}, fmt.Errorf("get health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return HealthReport{}, decodeError(resp)
	}
	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return HealthReport{}, fmt.Errorf("decode health response: %w", err)
	}
	return report, nil
}

func encodeSegment(seg models.AudioSegment, cfg models.SessionConfig) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	contentType := seg.ContentType
	if contentType == "" {
		contentType = "audio/webm"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, dispatch.SegmentFilename(seg.Sequence, contentType)))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(seg.Payload); err != nil {
		return nil, "", err
	}

	fields := map[string]string{
		"sequenceNumber": strconv.Itoa(seg.Sequence),
		"language":       cfg.Language,
	}
	if cfg.TranslateTo != nil {
		fields["translateTo"] = *cfg.TranslateTo
	}
	if seg.Tab != nil {
		fields["tabTitle"] = seg.Tab.Title
		fields["tabUrl"] = seg.Tab.URL
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := w.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && (env.Code != "" || env.Message != "") {
		apiErr.Code = env.Code
		apiErr.Message = env.Message
		apiErr.Details = env.Details
		apiErr.RequestID = env.RequestID
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
