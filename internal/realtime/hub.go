package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"orderflow/internal/saga"
)

const (
	writeWait = 5 * time.Second
	// clientBuffer is how many events a subscriber may fall behind before it is dropped.
	clientBuffer = 64
)

type client struct {
	conn *websocket.Conn
	// orderID limits delivery to one order. Empty receives everything.
	orderID string
	send    chan []byte
}

type message struct {
	orderID string
	data    []byte
}

// Hub manages WebSocket clients and broadcasts saga events to them. Each client
// has its own buffered queue and writer, so a stalled subscriber only loses its
// own events.
type Hub struct {
	clients    map[*client]struct{}
	Register   chan *client
	Unregister chan *client
	Broadcast  chan message
	mu         sync.Mutex
	upgrader   websocket.Upgrader
	dropped    atomic.Int64
	evicted    atomic.Int64
	done       chan struct{}
	logf       func(string, ...any)
}

// NewHub constructs a Hub. logf may be nil.
func NewHub(logf func(string, ...any)) *Hub {
	if logf == nil {
		logf = log.Printf
	}
	return &Hub{
		clients:    make(map[*client]struct{}),
		Register:   make(chan *client),
		Unregister: make(chan *client),
		Broadcast:  make(chan message, 256),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		done:       make(chan struct{}),
		logf:       logf,
	}
}

// Run processes register/unregister/broadcast events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				h.remove(c)
			}
			h.mu.Unlock()
			return
		case c := <-h.Register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.remove(c)
			}
			h.mu.Unlock()
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.orderID != "" && c.orderID != msg.orderID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.remove(c)
					h.logf("realtime: dropped slow subscriber (%d so far)", h.evicted.Add(1))
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with h.mu held. Closing send stops the client's writer.
func (h *Hub) remove(c *client) {
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Emit implements saga.Sink. It never blocks a run: events are dropped when the
// hub is backed up.
func (h *Hub) Emit(ctx context.Context, ev saga.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case h.Broadcast <- message{orderID: ev.OrderID, data: data}:
	default:
		if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
			h.logf("realtime: hub backed up, dropped %d events", n)
		}
	}
	return nil
}

// Dropped reports how many events were discarded.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Evicted reports how many subscribers were dropped for falling behind.
func (h *Hub) Evicted() int64 { return h.evicted.Load() }

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and subscribes the connection. The optional
// order_id query parameter filters events to one order.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("realtime: upgrade: %v", err)
		return
	}
	c := &client{conn: conn, orderID: r.URL.Query().Get("order_id"), send: make(chan []byte, clientBuffer)}
	select {
	case h.Register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c)

	// Subscribers only listen; reading surfaces the close frame.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.Unregister <- c:
				case <-h.done:
				}
				return
			}
		}
	}()
}
