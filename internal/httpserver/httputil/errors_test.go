package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/tabscribe/backend/internal/capture"
	"github.com/ncecere/tabscribe/backend/internal/dispatch"
	"github.com/ncecere/tabscribe/backend/internal/limits"
)

func TestWriteErrorFromMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		details bool
	}{
		{"empty file", &dispatch.ValidationError{Kind: dispatch.EmptyFile}, http.StatusBadRequest, "INVALID_FILE", false},
		{"too large", &dispatch.ValidationError{Kind: dispatch.TooLarge, Size: 10, Limit: 5}, http.StatusBadRequest, "FILE_TOO_LARGE", false},
		{"rate limited", fmt.Errorf("acquire: %w", limits.ErrLimitExceeded), http.StatusTooManyRequests, CodeRateLimited, false},
		{"transcription", &dispatch.TranscriptionError{Message: "failed", Details: "engine 502"}, http.StatusInternalServerError, CodeTranscriptionError, true},
		{"no audio", &capture.CaptureError{Kind: capture.NoAudio}, http.StatusUnprocessableEntity, "NO_AUDIO", false},
		{"denied", &capture.CaptureError{Kind: capture.PermissionDenied}, http.StatusForbidden, "PERMISSION_DENIED", false},
		{"busy", &capture.CaptureError{Kind: capture.AlreadyCapturing, TabID: 3}, http.StatusConflict, "ALREADY_CAPTURING", false},
		{"not capturing", capture.ErrNotCapturing, http.StatusNotFound, CodeNotCapturing, false},
		{"closed", capture.ErrControllerClosed, http.StatusServiceUnavailable, CodeInternal, false},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Use(requestid.New())
			app.Get("/", func(c *fiber.Ctx) error {
				return WriteErrorFrom(c, tc.err)
			})

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			data, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			var body ErrorBody
			require.NoError(t, json.Unmarshal(data, &body))
			require.Equal(t, tc.code, body.Code)
			require.NotEmpty(t, body.Message)
			require.False(t, body.Timestamp.IsZero())
			require.Equal(t, resp.Header.Get(fiber.HeaderXRequestID), body.RequestID)
			if tc.details {
				require.NotEmpty(t, body.Details)
			}
		})
	}
}

func TestErrorHandlerMapsFiberErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"entity too large", fiber.ErrRequestEntityTooLarge, http.StatusBadRequest, "FILE_TOO_LARGE"},
		{"not found", fiber.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"method", fiber.ErrMethodNotAllowed, http.StatusMethodNotAllowed, CodeInvalidRequest},
		{"unavailable", fiber.ErrServiceUnavailable, http.StatusServiceUnavailable, CodeInternal},
		{"domain", capture.ErrNotCapturing, http.StatusNotFound, CodeNotCapturing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
			app.Get("/", func(c *fiber.Ctx) error { return tc.err })

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			data, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			var body ErrorBody
			require.NoError(t, json.Unmarshal(data, &body))
			require.Equal(t, tc.code, body.Code)
		})
	}
}
