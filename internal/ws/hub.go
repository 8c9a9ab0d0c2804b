package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/codeshare/internal/config"
	"github.com/manpreetbhatti/codeshare/internal/metrics"
	"github.com/manpreetbhatti/codeshare/internal/room"
)

// Resolver finds the live room for an id, rehydrating it if needed.
type Resolver interface {
	Resolve(ctx context.Context, id string) (*room.Room, error)
}

// Hub tracks open connections and hands each one to its room.
type Hub struct {
	rooms   Resolver
	cfg     config.WebSocketConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	// Registered clients
	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu sync.RWMutex
}

func NewHub(rooms Resolver, cfg config.WebSocketConfig, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:   rooms,
		cfg:     withDefaults(cfg),
		logger:  logger.With(zap.String("component", "ws_hub")),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func withDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 512
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 100
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 200
	}
	return cfg
}

// Run processes registrations until Stop is called, then closes every
// remaining connection.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()

			h.logger.Debug("connection opened",
				zap.String("conn_id", client.id),
				zap.String("room_id", client.roomID),
				zap.Int("connections", total),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
			}
			total := len(h.clients)
			h.mu.Unlock()

			h.logger.Debug("connection closed",
				zap.String("conn_id", client.id),
				zap.String("room_id", client.roomID),
				zap.Int("connections", total),
			)

		case <-h.stop:
			closed := h.CloseAll()
			h.logger.Info("hub stopped", zap.Int("closed", closed))
			return
		}
	}
}

// Stop ends Run and waits for it to close the remaining connections.
// Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every open connection and returns how many there were.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	return len(clients)
}

func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stop:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stop:
	}
}
