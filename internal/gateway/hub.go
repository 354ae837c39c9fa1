package gateway

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// outbound is one server-to-client message, serialized as {event, data}.
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Conn is one frontend connection. Writes go through a dedicated channel so
// only the writer goroutine touches the socket.
type Conn struct {
	ID   string
	ws   *websocket.Conn
	send chan outbound
	once sync.Once
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ID:   uuid.NewString(),
		ws:   ws,
		send: make(chan outbound, 64),
	}
}

// Send queues an event for this connection. It never blocks; a client that
// cannot keep up misses events.
func (c *Conn) Send(event string, data any) {
	select {
	case c.send <- outbound{Event: event, Data: data}:
	default:
	}
}

func (c *Conn) writeLoop(logger *zap.Logger) {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			logger.Debug("write failed", zap.String("conn_id", c.ID), zap.Error(err))
			return
		}
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.ws.Close()
	})
}

// Hub tracks live connections and fans events out to all of them.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]*Conn),
		logger: logger,
	}
}

// Register adds a connection and starts its writer.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.mu.Unlock()

	go c.writeLoop(h.logger)
	h.logger.Info("client connected", zap.String("conn_id", c.ID), zap.Int("connections", n))
}

// Unregister removes and closes a connection. Safe to call twice.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	_, present := h.conns[c.ID]
	delete(h.conns, c.ID)
	n := len(h.conns)
	h.mu.Unlock()

	if present {
		c.close()
		h.logger.Info("client disconnected", zap.String("conn_id", c.ID), zap.Int("connections", n))
	}
}

// Broadcast sends an event to every registered connection.
func (h *Hub) Broadcast(event string, data any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.Send(event, data)
	}
}

// Get returns a connection by id, or nil.
func (h *Hub) Get(id string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
