package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// ControlMessage is a text frame exchanged on the ingest socket.
type ControlMessage struct {
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
	TabID   int    `json:"tabId,omitempty"`
}

const (
	controlAttached = "attached"
	controlStop     = "stop"
	controlError    = "error"
	controlEnded    = "ended"
)

// RequireUpgrade rejects plain HTTP requests on the ingest route.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		tabID, err := strconv.Atoi(c.Params("tabId"))
		if err != nil || tabID < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "tabId must be a non-negative integer")
		}
		c.Locals("tabId", tabID)
		c.Locals("mimeType", c.Query("mimeType"))
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler streams binary fragments from the client into the hub. A text
// {"event":"stop"} ends the feed cleanly; a dropped connection ends it with an error.
func Handler(hub *Hub, logger *slog.Logger) fiber.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		tabID, _ := conn.Locals("tabId").(int)
		mimeType, _ := conn.Locals("mimeType").(string)
		log := logger.With(slog.Int("tab_id", tabID))

		feed, err := hub.Attach(tabID, mimeType)
		if err != nil {
			_ = conn.WriteJSON(ControlMessage{Event: controlError, Message: err.Error(), TabID: tabID})
			log.Warn("relay attach rejected", slog.String("error", err.Error()))
			return
		}
		if err := conn.WriteJSON(ControlMessage{Event: controlAttached, TabID: tabID}); err != nil {
			feed.Close(err)
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// the session may end the feed first (stop from the API, recorder teardown)
		go func() {
			select {
			case <-feed.Done():
				if errors.Is(feed.Err(), ErrHubClosed) || feed.Err() == nil {
					_ = conn.WriteJSON(ControlMessage{Event: controlEnded, TabID: tabID})
				}
				_ = conn.Close()
			case <-ctx.Done():
			}
		}()

		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				feed.Close(err)
				log.Info("relay connection closed", slog.String("error", err.Error()))
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if err := feed.Push(ctx, msg); err != nil {
					log.Debug("relay fragment dropped", slog.String("error", err.Error()))
					return
				}
			case websocket.TextMessage:
				var ctrl ControlMessage
				if err := json.Unmarshal(msg, &ctrl); err != nil {
					log.Warn("relay control message invalid", slog.String("error", err.Error()))
					continue
				}
				if ctrl.Event == controlStop {
					feed.Close(nil)
					log.Info("relay feed stopped by client")
					return
				}
			}
		}
	})
}
