package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/atmx/paper-engine/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// wsClient serializes writes to one connection; gorilla allows a single
// concurrent writer.
type wsClient struct {
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// wsMessage is an encoded event bound for the connections of one user.
type wsMessage struct {
	userID string
	data   []byte
}

// WSHub manages WebSocket connections and delivers each order event to the
// connections of the user who placed the order.
type WSHub struct {
	clients    map[string]map[*wsClient]bool
	total      int
	deliver    chan wsMessage
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[string]map[*wsClient]bool),
		deliver:    make(chan wsMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is done. Must be
// called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for uid, conns := range h.clients {
				for c := range conns {
					c.conn.Close()
				}
				delete(h.clients, uid)
			}
			h.total = 0
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			conns, ok := h.clients[c.userID]
			if !ok {
				conns = make(map[*wsClient]bool)
				h.clients[c.userID] = conns
			}
			conns[c] = true
			h.total++
			n := h.total
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "user_id", c.userID, "total", n)

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.deliver:
			h.mu.RLock()
			var dead []*wsClient
			for c := range h.clients[msg.userID] {
				if err := c.write(websocket.TextMessage, msg.data); err != nil {
					dead = append(dead, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range dead {
				h.drop(c)
			}
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	h.mu.Lock()
	if conns := h.clients[c.userID]; conns[c] {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.userID)
		}
		h.total--
		c.conn.Close()
	}
	n := h.total
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

func (h *WSHub) connected(c *wsClient) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[c.userID][c]
}

// ClientCount returns the number of registered connections of userID.
func (h *WSHub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Publish queues ev for the connections of ev.UserID. It never blocks
// order execution: when the buffer is full the event is dropped.
func (h *WSHub) Publish(_ context.Context, ev OrderFilled) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case h.deliver <- wsMessage{userID: ev.UserID, data: data}:
	default:
		slog.Warn("ws delivery buffer full, event dropped", "order_id", ev.OrderID, "user_id", ev.UserID)
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /{userID}/ws and streams that user's order events.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "user id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "user_id", userID, "err", err)
		return
	}

	c := &wsClient{userID: userID, conn: conn}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- c:
			case <-h.done:
			}
		}()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			if !h.connected(c) {
				return
			}
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
