package webadmin

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	broadcastDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the admin surface binds to a local port
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	id   string
	conn *websocket.Conn
}

// Hub fans registry events out to every connected feed client.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan registry.Event
	register   chan *wsClient
	unregister chan *wsClient
	stopped    chan struct{}
	dropped    atomic.Int64
	logger     logging.Logger
}

// NewHub creates a hub. Run must be running for clients to receive events.
func NewHub(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan registry.Event, broadcastDepth),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopped:    make(chan struct{}),
		logger:     logger,
	}
}

// Publish queues ev for delivery without blocking; events are dropped
// while the queue is full.
func (h *Hub) Publish(ev registry.Event) {
	select {
	case h.broadcast <- ev:
	default:
		if h.dropped.Add(1) == 1 {
			h.logger.Warn("Event feed queue full, dropping events")
		}
	}
}

// Dropped returns how many events were discarded.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Run delivers events until ctx is cancelled, then closes every client.
// It must be called once.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.stopped)
			for c := range h.clients {
				_ = c.conn.Close()
				delete(h.clients, c)
			}
			return nil

		case c := <-h.register:
			h.clients[c] = true
			h.logger.Info("Feed client connected", logging.StringField("client_id", c.id))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				_ = c.conn.Close()
				h.logger.Info("Feed client disconnected", logging.StringField("client_id", c.id))
			}

		case ev := <-h.broadcast:
			for c := range h.clients {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteJSON(ev); err != nil {
					h.logger.Warn("Failed to send event",
						logging.StringField("client_id", c.id),
						logging.ErrorField(err))
					_ = c.conn.Close()
					delete(h.clients, c)
				}
			}
		}
	}
}

// ServeWS upgrades the request and keeps the client registered until it
// goes away. Messages from the client are ignored.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade feed connection", logging.ErrorField(err))
		return
	}
	client := &wsClient{id: uuid.NewString(), conn: conn}

	select {
	case h.register <- client:
	case <-h.stopped:
		_ = conn.Close()
		return
	}
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.stopped:
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Feed client closed unexpectedly", logging.ErrorField(err))
			}
			return
		}
	}
}
