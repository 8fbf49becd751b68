package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nlaroche/glazebot/pkg/commentary"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 20 * time.Second
)

// Envelope is the frame exchanged with overlay clients.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// uiEvents are forwarded to every overlay client.
var uiEvents = []string{
	(*commentary.ChatMessageEvent)(nil).EventType(),
	(*commentary.OverlayShowEvent)(nil).EventType(),
	(*commentary.OverlayDismissEvent)(nil).EventType(),
	(*commentary.SystemMessageEvent)(nil).EventType(),
	(*commentary.StateChangeEvent)(nil).EventType(),
	(*commentary.EngineStartedEvent)(nil).EventType(),
	(*commentary.EngineStoppedEvent)(nil).EventType(),
	(*commentary.EnginePausedEvent)(nil).EventType(),
	(*commentary.EngineResumedEvent)(nil).EventType(),
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans bus events out to connected overlay clients. A client that cannot
// keep up is disconnected.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	unsubs  []func()
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, clients: make(map[string]*client)}
}

// Attach forwards UI events from bus until Detach.
func (h *Hub) Attach(bus *commentary.Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range uiEvents {
		h.unsubs = append(h.unsubs, bus.On(name, h.forward))
	}
}

func (h *Hub) Detach() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

func (h *Hub) forward(ev commentary.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("bridge: marshal event", "event", ev.EventType(), "error", err)
		return
	}
	h.Broadcast(Envelope{Type: ev.EventType(), Data: data})
}

// Broadcast queues env for every client.
func (h *Hub) Broadcast(env Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("bridge: dropping slow client", "client_id", c.id)
		h.remove(c)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// sendTo queues env for a single client. It reports false when the client
// is gone or its buffer is full.
func (h *Hub) sendTo(c *client, env Envelope) bool {
	frame, err := json.Marshal(env)
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c.id] != c {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
