// Package realtime pushes order summary changes to WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"fulfillment/internal/observability"
	"fulfillment/internal/projection"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Update is the frame sent for every changed summary.
type Update struct {
	Type    string                  `json:"type"`
	Summary projection.OrderSummary `json:"summary"`
}

// Hub manages WebSocket clients and broadcasts summary updates to them.
// Only Run writes to connections.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan []byte
	done        chan struct{}
	mu          sync.Mutex
	upgrader    websocket.Upgrader
	metrics     *observability.Metrics
	logf        func(format string, args ...any)
}

// NewHub constructs a Hub. Broadcasts beyond buffer pending frames are
// dropped rather than stalling the projection.
func NewHub(buffer int, metrics *observability.Metrics, logf func(format string, args ...any)) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan []byte, buffer),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		metrics: metrics,
		logf:    logf,
	}
}

// Run processes register/unregister/broadcast events until ctx is done, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			n := len(h.connections)
			h.mu.Unlock()
			h.metrics.SetGauge("realtime/clients", int64(n))
		case conn := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.Close()
			}
			n := len(h.connections)
			h.mu.Unlock()
			h.metrics.SetGauge("realtime/clients", int64(n))
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
			h.metrics.Inc("realtime/broadcast")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.connections {
		conn.Close()
		delete(h.connections, conn)
	}
}

// Clients returns the number of registered connections.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// SummaryChanged queues an update frame for every client.
func (h *Hub) SummaryChanged(s projection.OrderSummary) {
	raw, err := json.Marshal(Update{Type: "order.summary", Summary: s})
	if err != nil {
		h.logf("realtime: encode summary order=%s: %v", s.ID, err)
		return
	}
	select {
	case h.Broadcast <- raw:
	default:
		h.metrics.Inc("realtime/dropped")
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects. Client frames are read and discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("realtime: upgrade: %v", err)
		return
	}
	select {
	case h.Register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.Unregister <- conn:
	case <-h.done:
	}
}
