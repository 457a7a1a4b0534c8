package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"relay-service/internal/channel"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Channel access is governed by the authorization handshake, not
		// by the request origin.
		return true
	},
}

// Client is one live connection. Control messages are processed on the read
// goroutine, so a slow authorization call suspends only this connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// Channels this connection has joined, maintained by the hub
	channels map[string]bool

	limiter *rate.Limiter

	ctx        context.Context
	cancel     context.CancelFunc
	closed     int32
	sendClosed int32

	mu sync.RWMutex
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		id:       uuid.New().String(),
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		channels: make(map[string]bool),
		limiter:  rate.NewLimiter(hub.clientEventRate, hub.clientEventBurst),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) addChannel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[name] = true
}

func (c *Client) removeChannel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, name)
}

func (c *Client) channelNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	return names
}

func (c *Client) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Client) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.cancel()
	}
}

func (c *Client) closeSendChannel() {
	if atomic.CompareAndSwapInt32(&c.sendClosed, 0, 1) {
		close(c.send)
	}
}

// enqueue hands a pre-marshaled frame to the write pump without blocking.
// A full buffer disconnects the client instead of stalling the hub.
func (c *Client) enqueue(payload []byte) {
	if c.isClosed() {
		return
	}

	select {
	case c.send <- payload:
	case <-c.ctx.Done():
	default:
		slog.Warn("Send buffer full, closing client", "connID", c.id)
		c.close()
		c.closeSendChannel()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.close()

		select {
		case c.hub.unregister <- c:
		case <-time.After(5 * time.Second):
			slog.Warn("Timeout sending unregister request", "connID", c.id)
		}

		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.isClosed() {
			return websocket.ErrCloseSent
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "connID", c.id, "error", err)
			} else {
				slog.Debug("WebSocket connection closed", "connID", c.id, "error", err)
			}
			break
		}

		var msg ControlMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			slog.Debug("Dropping malformed control message", "connID", c.id, "error", err)
			continue
		}

		c.handleControl(&msg)
	}
}

func (c *Client) handleControl(msg *ControlMessage) {
	switch msg.Event {
	case EventSubscribe:
		var data channel.SubscribeData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			slog.Debug("Dropping malformed subscribe request", "connID", c.id, "error", err)
			return
		}
		c.hub.control.Subscribe(c.ctx, c.id, data)

	case EventUnsubscribe:
		var data UnsubscribeData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			slog.Debug("Dropping malformed unsubscribe request", "connID", c.id, "error", err)
			return
		}
		c.hub.control.Unsubscribe(c.ctx, c.id, data.Channel, "unsubscribed")

	case EventClientEvent:
		if !c.limiter.Allow() {
			slog.Warn("Client event rate limit exceeded", "connID", c.id)
			return
		}
		data, err := decodeClientEvent(msg.Data)
		if err != nil {
			slog.Debug("Dropping malformed client event", "connID", c.id, "error", err)
			return
		}
		c.hub.control.ClientEvent(c.id, data)

	default:
		slog.Debug("Unknown control event", "connID", c.id, "event", msg.Event)
	}
}

// decodeClientEvent tolerates the payload arriving as a JSON-encoded string,
// which some client libraries produce.
func decodeClientEvent(raw json.RawMessage) (channel.ClientEventData, error) {
	var data channel.ClientEventData
	if err := json.Unmarshal(raw, &data); err == nil {
		return data, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return data, err
	}
	err := json.Unmarshal([]byte(s), &data)
	return data, err
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("Error writing message", "connID", c.id, "error", err)
				return
			}

		case <-ticker.C:
			if c.isClosed() {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("Error sending ping", "connID", c.id, "error", err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// ServeWS upgrades an HTTP request to a WebSocket connection and registers it
// with the hub.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	client := NewClient(hub, conn)
	slog.Info("New WebSocket connection established", "connID", client.id)

	select {
	case hub.register <- client:
	case <-time.After(5 * time.Second):
		slog.Error("Timeout sending registration request", "connID", client.id)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
