// Package notify fans domain events out to websocket subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/doorsense/controller/internal/events"
	"github.com/doorsense/controller/internal/logging"
	"github.com/doorsense/controller/internal/metrics"
)

// ErrBacklog is returned by Publish when the broadcast queue is full
var ErrBacklog = errors.New("notify: broadcast queue full")

// Config holds hub settings
type Config struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingInterval time.Duration // must be shorter than PongWait
	QueueSize    int           // broadcast queue and per-client buffer
}

// DefaultConfig returns default hub settings
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 54 * time.Second,
		QueueSize:    256,
	}
}

// Hub is an events.Sink that broadcasts every event to all connected
// websocket clients. Serve must be running for events to be delivered.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	log      zerolog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub
func NewHub(config Config) *Hub {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:        logging.Component("notify"),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, config.QueueSize),
		clients:    make(map[*client]struct{}),
	}
}

// String names the hub in supervisor logs
func (h *Hub) String() string { return "notify-hub" }

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements events.Sink. It never blocks.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	select {
	case h.broadcast <- data:
		return nil
	default:
		return ErrBacklog
	}
}

// Serve runs the hub until ctx is cancelled, then closes every client
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(n))
			h.log.Info().Str("remote", c.remote).Int("clients", n).Msg("websocket client connected")

		case c := <-h.unregister:
			h.remove(c)

		case data := <-h.broadcast:
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.log.Warn().Str("remote", c.remote).Msg("dropping slow websocket client")
				h.remove(c)
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(n))
	h.log.Info().Str("remote", c.remote).Int("clients", n).Msg("websocket client disconnected")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	metrics.WebsocketClients.Set(0)
}

// ServeHTTP upgrades the request and registers the connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.config.QueueSize),
		remote: r.RemoteAddr,
	}
	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}
