package public

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/tabscribe/backend/internal/app"
	"github.com/ncecere/tabscribe/backend/internal/capture/relay"
)

// Register wires up the transcription and capture API routes.
func Register(app *fiber.App, container *app.Container) {
	group := app.Group("/api", requestContext())

	transcription := &transcriptionHandler{container: container}
	group.Post("/transcription/transcribe", transcription.transcribe)
	group.Get("/transcription/health", transcription.health)
	group.Get("/transcription/languages", transcription.languages)

	if container.Capture == nil {
		return
	}
	captures := &captureHandler{container: container}
	group.Post("/capture/sessions", captures.start)
	group.Get("/capture/sessions/current", captures.status)
	group.Delete("/capture/sessions/current", captures.stop)
	group.Get("/capture/sessions/current/transcript", captures.transcript)

	if container.Relay != nil {
		logger := container.Logger
		if logger == nil {
			logger = slog.Default()
		}
		group.Get("/capture/tabs/:tabId/stream", relay.RequireUpgrade, relay.Handler(container.Relay, logger))
	}
}
