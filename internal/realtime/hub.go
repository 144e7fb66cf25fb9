package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// OrderEvent is one order lifecycle notification pushed to dashboards.
type OrderEvent struct {
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	EventType   string    `json:"event_type"`
	TotalAmount int64     `json:"total_amount,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Hub manages WebSocket clients and broadcasts order events to them.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan OrderEvent
	logf        func(format string, args ...any)
	mu          sync.Mutex
}

// NewHub constructs a Hub.
func NewHub(logf func(format string, args ...any)) *Hub {
	if logf == nil {
		logf = log.Printf
	}
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan OrderEvent, 16),
		logf:        logf,
	}
}

// Publish queues an event for broadcast without blocking the caller; a
// saturated hub drops the event rather than stalling the consumer.
func (h *Hub) Publish(event OrderEvent) {
	select {
	case h.Broadcast <- event:
	default:
		h.logf("realtime: dropping event for order %s, broadcast queue full", event.OrderID)
	}
}

// Run processes register/unregister/broadcast events.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case event := <-h.Broadcast:
			payload, err := json.Marshal(event)
			if err != nil {
				h.logf("realtime: marshal event: %v", err)
				continue
			}
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}
