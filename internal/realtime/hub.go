// Package realtime broadcasts order events over WebSocket to connected
// dashboards, grounded in the teacher's internal/realtime/hub.go
// connection-registry pattern, unchanged in shape but retargeted from raw
// location bytes to JSON-encoded OrderEvent notifications.
package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// OrderEventMessage is the payload broadcast to every connected client on
// every Event Log append.
type OrderEventMessage struct {
	OrderID       string    `json:"order_id"`
	Seq           int64     `json:"seq"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Hub manages WebSocket clients and broadcasts order events to them.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan []byte
	mu          sync.Mutex
}

// NewHub constructs a Hub. Callers must call Run in its own goroutine.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan []byte),
	}
}

// Run processes register/unregister/broadcast events until stopped by
// closing done.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// PublishEvent marshals msg and broadcasts it to every connected client.
// Never blocks: a full or absent Run loop just drops the message, since
// realtime broadcast is an observability aid, not part of the SAGA's
// correctness surface.
func (h *Hub) PublishEvent(msg OrderEventMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("realtime: marshal order event: %v", err)
		return
	}
	select {
	case h.Broadcast <- payload:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and registers it with the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		return
	}
	h.Register <- conn

	go func() {
		defer func() { h.Unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
