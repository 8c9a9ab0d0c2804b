package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
	"github.com/manpreetbhatti/codeshare/internal/ratelimit"
	"github.com/manpreetbhatti/codeshare/internal/room"
)

const anonymous = "Anonymous"

var (
	// ErrClientClosed is returned by Send after Close.
	ErrClientClosed = errors.New("client closed")
	// ErrSendBufferFull is returned by Send when the peer is not keeping up.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Client is one WebSocket connection. It implements room.Conn.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	id          string
	roomID      string
	rateLimiter *ratelimit.Limiter
	logger      *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// set once the join succeeds; read only by readPump
	room  *room.Room
	token room.Token
}

// ServeWs upgrades the request and attaches the connection to the room named
// by the roomID URL parameter or the room query parameter.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		roomID = r.URL.Query().Get("room")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		http.Error(w, "room id required", http.StatusBadRequest)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:         hub,
		conn:        conn,
		id:          id,
		roomID:      roomID,
		send:        make(chan []byte, hub.cfg.SendBuffer),
		rateLimiter: ratelimit.NewLimiter(hub.cfg.MessagesPerSecond, hub.cfg.MessageBurst),
		logger: hub.logger.With(
			zap.String("conn_id", id),
			zap.String("room_id", roomID),
			zap.String("remote", conn.RemoteAddr().String()),
		),
	}

	if !hub.registerClient(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Send queues msg for the write pump without blocking.
func (c *Client) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which flushes queued messages, sends a close
// frame and closes the socket. Only the first call does work.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.leave()
		c.hub.unregisterClient(c)
		c.Close()
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket error", zap.Error(err))
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.logger.Warn("rate limit exceeded", zap.Int("warnings", rateLimitWarnings))
			}
			if rateLimitWarnings > 1000 {
				c.logger.Warn("disconnecting for excessive rate limit violations")
				return
			}
			continue
		}

		env, err := protocol.Decode(message)
		if err != nil {
			c.logger.Debug("invalid message", zap.Error(err))
			continue
		}

		if !c.handle(env) {
			return
		}
	}
}

// handle routes one message and reports whether the connection should stay open.
func (c *Client) handle(env protocol.Envelope) bool {
	if c.room == nil {
		if env.Type != protocol.MessageJoin {
			c.logger.Debug("message before join ignored", zap.String("type", string(env.Type)))
			return true
		}
		var join protocol.Join
		if len(env.Data) > 0 {
			if err := env.DecodeData(&join); err != nil {
				c.logger.Debug("invalid join", zap.Error(err))
			}
		}
		return c.join(join.Name)
	}

	var err error
	switch env.Type {
	case protocol.MessageCodeChange:
		var change protocol.CodeChange
		if err := env.DecodeData(&change); err != nil {
			c.logger.Debug("invalid edit", zap.Error(err))
			return true
		}
		_, _, err = c.room.SubmitEdit(c.token, change.Value, change.Selections)
	case protocol.MessageSelectionChange:
		var change protocol.SelectionChange
		if err := env.DecodeData(&change); err != nil {
			c.logger.Debug("invalid selection", zap.Error(err))
			return true
		}
		err = c.room.SubmitSelection(c.token, change.Selections)
	case protocol.MessageSave:
		err = c.room.Save()
	case protocol.MessageJoin:
		c.logger.Debug("repeated join ignored")
		return true
	default:
		c.logger.Debug("unknown message type", zap.String("type", string(env.Type)))
		return true
	}

	switch {
	case err == nil:
		return true
	case errors.Is(err, room.ErrRoomClosed), errors.Is(err, room.ErrClientNotFound):
		// dropped by the room or the room is gone
		c.logger.Debug("connection no longer in room", zap.Error(err))
		return false
	default:
		c.logger.Warn("room operation failed", zap.String("type", string(env.Type)), zap.Error(err))
		return true
	}
}

// join attaches the connection to its room. A room disposed between lookup
// and join is re-resolved once.
func (c *Client) join(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		name = anonymous
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var r *room.Room
		r, err = c.resolve()
		if err != nil {
			break
		}
		var token room.Token
		token, _, err = r.Join(name, c)
		if errors.Is(err, room.ErrRoomClosed) {
			continue
		}
		if err == nil {
			c.room, c.token = r, token
			c.logger.Info("joined", zap.String("identity", name), zap.Uint64("client", uint64(token)))
			return true
		}
		break
	}

	c.reject(err)
	return false
}

func (c *Client) resolve() (*room.Room, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.WriteWait)
	defer cancel()
	return c.hub.rooms.Resolve(ctx, c.roomID)
}

func (c *Client) reject(err error) {
	reason, message := "error", "Unable to join room"
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		reason, message = "not_found", "Room not found"
	case errors.Is(err, room.ErrRoomFull):
		reason, message = "full", "Room is full"
	case errors.Is(err, room.ErrRoomClosed):
		reason, message = "closed", "Room is closed"
	default:
		c.logger.Error("join failed", zap.Error(err))
	}
	c.hub.metrics.JoinRejected(reason)
	c.logger.Info("join rejected", zap.String("reason", reason))

	msg := protocol.MustEncode(protocol.MessageJoinError, protocol.JoinError{Message: message})
	if err := c.Send(msg); err != nil {
		c.logger.Debug("sending join rejection", zap.Error(err))
	}
}

func (c *Client) leave() {
	if c.room == nil {
		return
	}
	err := c.room.Leave(c.token)
	if err != nil && !errors.Is(err, room.ErrClientNotFound) && !errors.Is(err, room.ErrRoomClosed) {
		c.logger.Warn("leaving room", zap.Error(err))
	}
}

func (c *Client) writePump() {
	pingPeriod := (c.hub.cfg.PongWait * 9) / 10
	writeWait := c.hub.cfg.WriteWait

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
