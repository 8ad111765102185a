package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// ConnectionHandler serves one websocket subscriber for a request id
type ConnectionHandler interface {
	HandleConnection(c *websocket.Conn, requestID string)
}

type StreamHandler struct {
	hub ConnectionHandler
}

func NewStreamHandler(hub ConnectionHandler) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// RequireUpgrade rejects plain HTTP requests on websocket routes
func (h *StreamHandler) RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Progress handles GET /ws/requests/:requestId.
// Subscribers receive progress, complete and error messages for that request.
func (h *StreamHandler) Progress() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		h.hub.HandleConnection(c, c.Params("requestId"))
	})
}
