package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/model"
)

// replayTTL bounds how long the last message of a request is kept for
// subscribers that connect after it was sent
const replayTTL = 10 * time.Minute

// Client represents a WebSocket client
type Client struct {
	RequestID string
	Conn      *websocket.Conn
	Send      chan []byte
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by request ID
	clients map[string]map[*Client]bool

	// Last message per request, replayed on register
	last map[string]lastMessage

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	mu  sync.RWMutex
	now func() time.Time
}

type lastMessage struct {
	data []byte
	at   time.Time
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	RequestID string
	Message   []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		last:       make(map[string]lastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.RequestID] == nil {
				h.clients[client.RequestID] = make(map[*Client]bool)
			}
			h.clients[client.RequestID][client] = true
			h.pruneLocked()
			if last, ok := h.last[client.RequestID]; ok {
				select {
				case client.Send <- last.data:
				default:
				}
			}
			h.mu.Unlock()
			log.Debug().Str("request_id", client.RequestID).Msg("websocket client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.RequestID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.RequestID)
					}
				}
			}
			h.mu.Unlock()
			log.Debug().Str("request_id", client.RequestID).Msg("websocket client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			h.last[msg.RequestID] = lastMessage{data: msg.Message, at: h.now()}
			if clients, ok := h.clients[msg.RequestID]; ok {
				for client := range clients {
					select {
					case client.Send <- msg.Message:
					default:
						// slow consumer
						close(client.Send)
						delete(clients, client)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.RequestID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends Run
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) pruneLocked() {
	cutoff := h.now().Add(-replayTTL)
	for id, m := range h.last {
		if m.at.Before(cutoff) {
			delete(h.last, id)
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribers returns the number of clients listening to a request
func (h *Hub) Subscribers(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[requestID])
}

// reply queues data for a single client. It reports false once the hub has
// dropped the client, whose Send channel may already be closed.
func (h *Hub) reply(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client.RequestID][client] {
		return false
	}
	select {
	case client.Send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) send(requestID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("failed to marshal websocket message")
		return
	}

	h.broadcast <- &BroadcastMessage{
		RequestID: requestID,
		Message:   data,
	}
}

// Notify forwards a pipeline progress event to the request's subscribers
func (h *Hub) Notify(event model.ProgressEvent) {
	h.BroadcastProgress(event)
}

// BroadcastProgress sends a progress update to all request subscribers
func (h *Hub) BroadcastProgress(event model.ProgressEvent) {
	h.send(event.RequestID, model.WSProgressMessage{
		Type:          model.WSMessageTypeProgress,
		ProgressEvent: event,
	})
}

// BroadcastComplete sends the playable video to all request subscribers
func (h *Hub) BroadcastComplete(requestID string, result *model.PlayableVideo) {
	h.send(requestID, model.WSCompleteMessage{
		Type:      model.WSMessageTypeComplete,
		RequestID: requestID,
		Result:    result,
	})
}

// BroadcastError sends an error message to all request subscribers
func (h *Hub) BroadcastError(requestID string, code, message string) {
	h.send(requestID, model.WSErrorMessage{
		Type:      model.WSMessageTypeError,
		RequestID: requestID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, requestID string) {
	client := &Client{
		RequestID: requestID,
		Conn:      c,
		Send:      make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Writer
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("request_id", requestID).Msg("websocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			h.reply(client, data)
		}
	}
}
