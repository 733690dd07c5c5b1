package httputil

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/tabscribe/backend/internal/capture"
	"github.com/ncecere/tabscribe/backend/internal/dispatch"
	"github.com/ncecere/tabscribe/backend/internal/limits"
	"github.com/ncecere/tabscribe/backend/internal/requestctx"
)

const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNotCapturing       = "NOT_CAPTURING"
	CodeNotFound           = "NOT_FOUND"
	CodeInternal           = "INTERNAL_ERROR"
	CodeTranscriptionError = "TRANSCRIPTION_ERROR"
)

// ErrorBody is the JSON error envelope shared by every API route.
type ErrorBody struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

// WriteError standardizes JSON error responses.
func WriteError(c *fiber.Ctx, status int, code, msg string) error {
	return WriteDetailedError(c, status, code, msg, "")
}

// WriteDetailedError is WriteError with a details field for debugging.
func WriteDetailedError(c *fiber.Ctx, status int, code, msg, details string) error {
	if msg == "" {
		msg = http.StatusText(status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	return c.Status(status).JSON(ErrorBody{
		Code:      code,
		Message:   msg,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: RequestID(c),
	})
}

// WriteErrorFrom maps a typed domain error onto a status and code.
func WriteErrorFrom(c *fiber.Ctx, err error) error {
	var (
		validationErr    *dispatch.ValidationError
		transcriptionErr *dispatch.TranscriptionError
		captureErr       *capture.CaptureError
	)
	switch {
	case errors.As(err, &validationErr):
		return WriteError(c, fiber.StatusBadRequest, validationErr.Code(), validationErr.Error())
	case errors.Is(err, limits.ErrLimitExceeded):
		return WriteError(c, fiber.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
	case errors.As(err, &transcriptionErr):
		return WriteDetailedError(c, fiber.StatusInternalServerError, transcriptionErr.Code(),
			"An error occurred while processing the transcription", transcriptionErr.Details)
	case errors.As(err, &captureErr):
		return WriteDetailedError(c, captureStatus(captureErr.Kind), captureErr.Code(), captureErr.Error(), "")
	case errors.Is(err, capture.ErrNotCapturing):
		return WriteError(c, fiber.StatusNotFound, CodeNotCapturing, err.Error())
	case errors.Is(err, capture.ErrControllerClosed):
		return WriteError(c, fiber.StatusServiceUnavailable, CodeInternal, err.Error())
	default:
		return WriteDetailedError(c, fiber.StatusInternalServerError, CodeInternal, "internal error", err.Error())
	}
}

// ErrorHandler renders errors that escape handlers, and the server's own
// rejections such as an oversized body, in the shared envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if !errors.As(err, &fiberErr) {
		return WriteErrorFrom(c, err)
	}
	switch fiberErr.Code {
	case fiber.StatusRequestEntityTooLarge:
		return WriteError(c, fiber.StatusBadRequest, string(dispatch.TooLarge), "Audio file exceeds the upload limit")
	case fiber.StatusNotFound:
		return WriteError(c, fiberErr.Code, CodeNotFound, fiberErr.Message)
	case fiber.StatusTooManyRequests:
		return WriteError(c, fiberErr.Code, CodeRateLimited, fiberErr.Message)
	}
	code := CodeInvalidRequest
	if fiberErr.Code >= fiber.StatusInternalServerError {
		code = CodeInternal
	}
	return WriteError(c, fiberErr.Code, code, fiberErr.Message)
}

func captureStatus(kind capture.CaptureErrorKind) int {
	switch kind {
	case capture.NoAudio:
		return fiber.StatusUnprocessableEntity
	case capture.PermissionDenied:
		return fiber.StatusForbidden
	case capture.AlreadyCapturing:
		return fiber.StatusConflict
	default:
		return fiber.StatusServiceUnavailable
	}
}

// RequestID returns the id assigned by the requestid middleware.
func RequestID(c *fiber.Ctx) string {
	if rc, ok := requestctx.FromContext(c.UserContext()); ok && rc.RequestID != "" {
		return rc.RequestID
	}
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		return id
	}
	return c.GetRespHeader(fiber.HeaderXRequestID)
}
