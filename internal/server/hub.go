package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Envelope is every message exchanged with renderer clients.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Animation string          `json:"animation,omitempty"`
}

const (
	// MessageState carries a stage snapshot to the renderer.
	MessageState = "state"
	// MessageFinished is sent by the renderer when a clip ends.
	MessageFinished = "finished"
	MessageHello    = "hello"
)

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans stage snapshots out to connected renderers. Slow clients are
// dropped rather than allowed to stall the broadcast.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger
	onFinish func(animation string)

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	last    []byte
}

// NewHub accepts renderers from any origin. onFinish, when set, receives
// every clip a renderer reports as finished.
func NewHub(onFinish func(animation string), log *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:      log.With(slog.String("component", "ws-hub")),
		onFinish: onFinish,
		clients:  make(map[*wsClient]struct{}),
	}
}

// Broadcast sends a state message to every client. The latest state is kept
// for clients that connect later.
func (h *Hub) Broadcast(state any) {
	data, err := json.Marshal(state)
	if err != nil {
		h.log.Warn("failed to encode state", slog.String("error", err.Error()))
		return
	}
	msg, err := json.Marshal(Envelope{Type: MessageState, Data: data})
	if err != nil {
		h.log.Warn("failed to encode envelope", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = msg
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dropping slow renderer", slog.String("client_id", c.id))
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Clients counts connected renderers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves one renderer connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}

	hello, _ := json.Marshal(Envelope{Type: MessageHello, Data: json.RawMessage(`{"client_id":"` + c.id + `"}`)})
	c.send <- hello

	h.mu.Lock()
	if h.last != nil {
		c.send <- h.last
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("renderer connected", slog.String("client_id", c.id), slog.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
		h.log.Info("renderer disconnected", slog.String("client_id", c.id))
	}()
	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg Envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("renderer read failed", slog.String("client_id", c.id), slog.String("error", err.Error()))
			}
			return
		}
		switch msg.Type {
		case MessageFinished:
			if msg.Animation != "" && h.onFinish != nil {
				h.onFinish(msg.Animation)
			}
		default:
			h.log.Debug("ignoring renderer message", slog.String("type", msg.Type))
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
