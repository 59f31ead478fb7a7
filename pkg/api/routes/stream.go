package routes

import (
	"context"
	"time"

	"github.com/fleetglass/fleetglass/pkg/hub"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 10 * time.Second

// StreamRouter registers the long-lived live update channel. On connect the
// hub performs the snapshot-then-stream handshake and then pushes position,
// revoked and overflowed frames until the observer goes away.
func StreamRouter(router fiber.Router, deps *Deps) {
	router.Use("/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}

		return fiber.ErrUpgradeRequired
	})

	router.Get("/stream", websocket.New(streamHandler(deps)))
}

func streamHandler(deps *Deps) func(*websocket.Conn) {
	return func(connection *websocket.Conn) {
		principal, ok := connection.Locals("account_userid").(string)
		if !ok || principal == "" {
			connection.Close()
			return
		}

		ctx := context.Background()

		vehicleIDs, err := deps.Resolver.ScopeFor(ctx, principal)
		if err != nil {
			log.Error().Err(err).Str("principal", principal).Msg("Failed to resolve scope for stream")
			connection.Close()
			return
		}

		transport := &websocketTransport{connection: connection}
		session := deps.Hub.Subscribe(ctx, principal, vehicleIDs, transport)

		// The read pump only exists to notice disconnects and the explicit
		// unsubscribe message.
		for {
			messageType, message, err := connection.ReadMessage()
			if err != nil {
				break
			}

			if messageType == websocket.TextMessage && string(message) == "unsubscribe" {
				deps.Hub.Drain(session)
			}
		}

		deps.Hub.Close(session)
	}
}

type websocketTransport struct {
	connection *websocket.Conn
}

func (t *websocketTransport) WriteFrame(frame hub.Frame) error {
	t.connection.SetWriteDeadline(time.Now().Add(writeTimeout))

	return t.connection.WriteJSON(frame)
}

func (t *websocketTransport) Close() error {
	return t.connection.Close()
}
