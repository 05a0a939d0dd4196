// Package telemetry streams engine events to websocket subscribers. The hub
// is lossy toward slow clients: a write failure drops the connection rather
// than backing up the broadcast loop.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is one telemetry message as delivered to subscribers.
type Frame struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans frames out to connected websocket clients.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 64),
	}
}

// Run pumps the broadcast channel until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a frame for delivery. Frames are dropped when the queue is
// full; telemetry never blocks the engine.
func (h *Hub) Broadcast(topic string, payload any) {
	data, err := json.Marshal(Frame{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("telemetry frame encode failed")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Debug().Str("topic", topic).Msg("telemetry frame dropped")
	}
}

// Handler upgrades incoming connections and registers them with the hub.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		h.mu.Lock()
		h.clients[conn] = true
		count := len(h.clients)
		h.mu.Unlock()
		go h.readLoop(conn)
		log.Debug().Int("clients", count).Msg("telemetry client connected")
	})
}

// readLoop drains inbound frames so close and ping control frames are
// processed, unregistering the connection when the read fails.
func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
		log.Debug().Int("clients", len(h.clients)).Msg("telemetry client disconnected")
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}
