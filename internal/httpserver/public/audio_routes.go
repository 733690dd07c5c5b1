package public

import (
	"bytes"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/tabscribe/backend/internal/app"
	"github.com/ncecere/tabscribe/backend/internal/dispatch"
	"github.com/ncecere/tabscribe/backend/internal/health"
	"github.com/ncecere/tabscribe/backend/internal/httpserver/httputil"
	"github.com/ncecere/tabscribe/backend/internal/models"
)

// Language is one entry of the supported-languages list.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var supportedLanguages = []Language{
	{Code: "auto", Name: "Auto-detect"},
	{Code: "en", Name: "English"},
	{Code: "es", Name: "Spanish"},
	{Code: "fr", Name: "French"},
	{Code: "de", Name: "German"},
	{Code: "it", Name: "Italian"},
	{Code: "pt", Name: "Portuguese"},
	{Code: "ru", Name: "Russian"},
	{Code: "ja", Name: "Japanese"},
	{Code: "ko", Name: "Korean"},
	{Code: "zh", Name: "Chinese"},
}

// transcriptionResponse adds the processing time in milliseconds to the result.
type transcriptionResponse struct {
	models.TranscriptionResult
	ProcessingTimeMs int64 `json:"processingTimeMs"`
}

type transcriptionHandler struct {
	container *app.Container
}

const headerIdempotencyKey = "Idempotency-Key"

func (h *transcriptionHandler) transcribe(c *fiber.Ctx) error {
	ctx := userContext(c)
	idemKey := strings.TrimSpace(c.Get(headerIdempotencyKey))
	if idemKey != "" {
		var cached transcriptionResponse
		found, err := h.container.Idempotency.Lookup(ctx, idemKey, &cached)
		if err != nil {
			h.logger().Warn("idempotency lookup failed", slog.String("key", idemKey), slog.String("error", err.Error()))
		} else if found {
			c.Set("Idempotent-Replay", "true")
			return c.JSON(cached)
		}
	}

	release, err := h.container.AcquireUploadSlot(ctx)
	if err != nil {
		return httputil.WriteErrorFrom(c, err)
	}
	defer release()

	fh, err := c.FormFile("file")
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, string(dispatch.EmptyFile), "Audio file is required and cannot be empty")
	}

	var sequence *int
	if raw := strings.TrimSpace(c.FormValue("sequenceNumber")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return httputil.WriteError(c, fiber.StatusBadRequest, httputil.CodeInvalidRequest, "sequenceNumber must be a non-negative integer")
		}
		sequence = &n
	}

	if err := h.container.Dispatcher.Validate(fh.Size); err != nil {
		return httputil.WriteErrorFrom(c, err)
	}

	src, err := fh.Open()
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, string(dispatch.EmptyFile), "failed to open file")
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, string(dispatch.EmptyFile), "failed to read file")
	}

	contentType := fh.Header.Get(fiber.HeaderContentType)
	req := models.TranscriptionRequest{
		Audio: models.AudioInput{
			Reader:      bytes.NewReader(data),
			Filename:    fh.Filename,
			ContentType: contentType,
			Bytes:       int64(len(data)),
		},
		Language:    strings.TrimSpace(c.FormValue("language")),
		TranslateTo: models.StringPtr(strings.TrimSpace(c.FormValue("translateTo"))),
		Sequence:    sequence,
		Tab:         tabFromForm(c),
		CapturedAt:  time.Now().UTC(),
	}

	result, err := h.container.Dispatcher.DispatchRequest(ctx, req)
	if err != nil {
		return httputil.WriteErrorFrom(c, err)
	}
	resp := transcriptionResponse{
		TranscriptionResult: result,
		ProcessingTimeMs:    result.ProcessingTime.Milliseconds(),
	}
	if err := h.container.Idempotency.Store(ctx, idemKey, resp); err != nil {
		h.logger().Warn("idempotency store failed", slog.String("key", idemKey), slog.String("error", err.Error()))
	}
	return c.JSON(resp)
}

func (h *transcriptionHandler) logger() *slog.Logger {
	if h.container.Logger != nil {
		return h.container.Logger
	}
	return slog.Default()
}

func tabFromForm(c *fiber.Ctx) *models.TabContext {
	title := strings.TrimSpace(c.FormValue("tabTitle"))
	url := strings.TrimSpace(c.FormValue("tabUrl"))
	id, _ := strconv.Atoi(strings.TrimSpace(c.FormValue("tabId")))
	if title == "" && url == "" && id == 0 {
		return nil
	}
	return &models.TabContext{ID: id, Title: title, URL: url}
}

func (h *transcriptionHandler) health(c *fiber.Ctx) error {
	engine := h.container.HealthMon.Snapshot()
	status := "Healthy"
	if engine.Status == health.StatusDegraded {
		status = "Degraded"
	}
	return c.JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   app.Version,
		"engine":    engine,
	})
}

func (h *transcriptionHandler) languages(c *fiber.Ctx) error {
	return c.JSON(supportedLanguages)
}
