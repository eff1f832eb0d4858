package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/gorilla/websocket"
)

const (

	// TypeReading denotes a message carrying a single reading
	TypeReading = "reading"

	// TypeStatus denotes a message carrying a connection status change
	TypeStatus = "status"

	defaultWriteTimeout = time.Second
)

// Message denotes a typed message pushed to all clients
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Status denotes the payload of a status message
type Status struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(b []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Hub denotes a websocket endpoint pushing readings and status changes to all
// connected clients
type Hub struct {
	clients      map[*client]struct{}
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	logger sensor.Logger
	sync.RWMutex
}

// NewHub instantiates a new Hub, executing functional options, if any
func NewHub(options ...func(*Hub)) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		writeTimeout: defaultWriteTimeout,
		logger:       &sensor.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(h)
	}

	return h
}

// ServeHTTP upgrades the connection and keeps the client registered until it
// disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("failed to upgrade feed connection from %s: %s", r.RemoteAddr, err)
		return
	}
	c := h.add(conn)
	h.logger.Debugf("feed client %s connected", r.RemoteAddr)

	// Keep reading until client disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			h.logger.Debugf("feed client %s disconnected", r.RemoteAddr)
			return
		}
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.RLock()
	defer h.RUnlock()

	return len(h.clients)
}

// Broadcast sends a message to all connected clients. Clients failing to
// receive it are dropped.
func (h *Hub) Broadcast(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorf("failed to marshal feed message of type `%s`: %s", msg.Type, err)
		return
	}

	h.RLock()
	var failed []*client
	for c := range h.clients {
		if err := c.write(b, h.writeTimeout); err != nil {
			failed = append(failed, c)
		}
	}
	h.RUnlock()

	for _, c := range failed {
		h.logger.Warnf("dropping feed client after failed write")
		h.remove(c)
	}
}

// BroadcastReading sends a reading to all connected clients
func (h *Hub) BroadcastReading(r sensor.Reading) {
	h.Broadcast(Message{Type: TypeReading, Data: r})
}

// BroadcastStatus sends a connection status to all connected clients
func (h *Hub) BroadcastStatus(status sensor.ConnectionStatus) {
	payload := Status{State: status.State.String()}
	if status.Error != nil {
		payload.Error = status.Error.Error()
	}
	h.Broadcast(Message{Type: TypeStatus, Data: payload})
}

// Run forwards all readings from the provided channel until it is closed or the
// context is cancelled
func (h *Hub) Run(ctx context.Context, readings <-chan sensor.Reading) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-readings:
			if !ok {
				return
			}
			h.BroadcastReading(r)
		}
	}
}

// Close disconnects all clients
func (h *Hub) Close() {
	h.Lock()
	defer h.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		_ = c.conn.Close()
	}
}

////////////////////////////////////////////////////////////////////////////////

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn}

	h.Lock()
	h.clients[c] = struct{}{}
	h.Unlock()

	return c
}

func (h *Hub) remove(c *client) {
	h.Lock()
	delete(h.clients, c)
	h.Unlock()

	_ = c.conn.Close()
}
