package public

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/tabscribe/backend/internal/app"
	"github.com/ncecere/tabscribe/backend/internal/httpserver/httputil"
	"github.com/ncecere/tabscribe/backend/internal/models"
)

var validate = validator.New()

// startCaptureRequest binds a capture session to a tab. The client should
// open the tab's ingest socket first; the start waits for it up to relay_wait.
type startCaptureRequest struct {
	TabID       *int   `json:"tabId" validate:"required,gte=0"`
	TabTitle    string `json:"tabTitle" validate:"max=512"`
	TabURL      string `json:"tabUrl" validate:"omitempty,max=2048"`
	Language    string `json:"language" validate:"omitempty,max=16"`
	TranslateTo string `json:"translateTo" validate:"omitempty,max=16"`
}

type captureHandler struct {
	container *app.Container
}

func (h *captureHandler) start(c *fiber.Ctx) error {
	var req startCaptureRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, httputil.CodeInvalidRequest, fmt.Sprintf("invalid request payload: %s", err.Error()))
	}
	if err := validate.Struct(req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, httputil.CodeInvalidRequest, formatValidationErrors(err))
	}

	tab := models.TabContext{ID: *req.TabID, Title: strings.TrimSpace(req.TabTitle), URL: strings.TrimSpace(req.TabURL)}
	cfg := models.SessionConfig{
		Language:    strings.TrimSpace(req.Language),
		TranslateTo: models.StringPtr(strings.TrimSpace(req.TranslateTo)),
	}
	handle, err := h.container.Capture.Start(userContext(c), tab, cfg)
	if err != nil {
		return httputil.WriteErrorFrom(c, err)
	}
	status := fiber.StatusCreated
	if handle.Existing {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(handle)
}

func (h *captureHandler) stop(c *fiber.Ctx) error {
	summary, err := h.container.Capture.Stop(userContext(c))
	if err != nil {
		return httputil.WriteErrorFrom(c, err)
	}
	return c.JSON(summary)
}

func (h *captureHandler) status(c *fiber.Ctx) error {
	return c.JSON(h.container.Capture.Status())
}

func (h *captureHandler) transcript(c *fiber.Ctx) error {
	tr, ok := h.container.Capture.Transcript()
	if !ok {
		return httputil.WriteError(c, fiber.StatusNotFound, httputil.CodeNotCapturing, "no transcript available")
	}
	return c.JSON(tr)
}

func formatValidationErrors(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (value: %s)", msg, fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, ", ")
}
