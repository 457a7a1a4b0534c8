package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"relay-service/internal/channel"
)

// RoomInfo describes one occupied room for the introspection API.
type RoomInfo struct {
	SubscriptionCount int  `json:"subscription_count"`
	Occupied          bool `json:"occupied"`
}

// Hub is the connection registry: it tracks live connections, their room
// membership, and fans dispatch requests out to room members. Dispatch
// requests pass through a single queue so deliveries to the same room keep
// their arrival order.
type Hub struct {
	// Live connections by connection id
	clients map[string]*Client

	// Room membership: channel name -> connection id -> client
	rooms map[string]map[string]*Client

	register   chan *Client
	unregister chan *Client
	dispatch   chan *channel.DispatchRequest

	// Control-plane handler for subscribe/unsubscribe/client events
	control *channel.Channel

	// Per-connection client event rate limit
	clientEventRate  rate.Limit
	clientEventBurst int

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.RWMutex
	log *slog.Logger
}

func NewHub(clientEventRate float64, clientEventBurst int, log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:          make(map[string]*Client),
		rooms:            make(map[string]map[string]*Client),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		dispatch:         make(chan *channel.DispatchRequest, 256),
		clientEventRate:  rate.Limit(clientEventRate),
		clientEventBurst: clientEventBurst,
		ctx:              ctx,
		cancel:           cancel,
		log:              log,
	}
}

// Bind attaches the control-plane handler. Must be called before Run.
func (h *Hub) Bind(control *channel.Channel) {
	h.control = control
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case req := <-h.dispatch:
			h.deliver(req)

		case <-h.ctx.Done():
			h.log.Info("WebSocket hub shutting down")
			return
		}
	}
}

func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.id] = client
	h.log.Info("Client registered", "connID", client.id)
}

// removeClient drops the connection from every room it joined, then runs
// leave-processing for each of those channels so presence rosters reconcile.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)

	channels := client.channelNames()
	for _, name := range channels {
		h.removeFromRoom(client.id, name)
	}
	h.mu.Unlock()

	h.log.Info("Client unregistered", "connID", client.id, "channels", len(channels))

	if h.control == nil {
		return
	}

	// Presence leave-processing talks to external storage, so it runs off
	// the hub loop. Per-channel locking in the presence store keeps roster
	// updates ordered.
	go func() {
		for _, name := range channels {
			h.control.Unsubscribe(h.ctx, client.id, name, "disconnected")
		}
	}()
}

// removeFromRoom must be called with h.mu held.
func (h *Hub) removeFromRoom(connID, name string) {
	room := h.rooms[name]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, name)
	}
}

// Join adds a connection to a room. Joining a room the connection is already
// in is a no-op.
func (h *Hub) Join(connID, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}

	room := h.rooms[name]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[name] = room
	}
	room[connID] = client
	client.addChannel(name)
}

// Leave removes a connection from a room. Leaving a room the connection is
// not in is a no-op.
func (h *Hub) Leave(connID, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoom(connID, name)
	if client, ok := h.clients[connID]; ok {
		client.removeChannel(name)
	}
}

func (h *Hub) MemberIDs(name string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.rooms[name]
	ids := make([]string, 0, len(room))
	for id := range room {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) IsMember(connID, name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.rooms[name][connID]
	return ok
}

func (h *Hub) IsLive(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.clients[connID]
	return ok
}

// Broadcast delivers an event to every member of a room, optionally skipping
// one connection. Delivery is best-effort: slow clients are disconnected
// rather than blocking the sender.
func (h *Hub) Broadcast(name, event string, data interface{}, exceptConnID string) {
	payload, err := json.Marshal(Envelope{Event: event, Channel: name, Data: data})
	if err != nil {
		h.log.Error("Failed to marshal broadcast payload", "channel", name, "event", event, "error", err)
		return
	}

	h.mu.RLock()
	room := h.rooms[name]
	targets := make([]*Client, 0, len(room))
	for id, client := range room {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.enqueue(payload)
	}
}

// SendTo delivers an event to a single connection.
func (h *Hub) SendTo(connID, event, name string, data interface{}) {
	payload, err := json.Marshal(Envelope{Event: event, Channel: name, Data: data})
	if err != nil {
		h.log.Error("Failed to marshal payload", "connID", connID, "event", event, "error", err)
		return
	}

	h.mu.RLock()
	client := h.clients[connID]
	h.mu.RUnlock()

	if client != nil {
		client.enqueue(payload)
	}
}

// Dispatch queues a canonical dispatch request for delivery. It never fails
// the caller; delivery is fire-and-forget.
func (h *Hub) Dispatch(req *channel.DispatchRequest) {
	select {
	case h.dispatch <- req:
	case <-h.ctx.Done():
	}
}

func (h *Hub) deliver(req *channel.DispatchRequest) {
	except := ""
	if req.SocketID != "" && h.IsLive(req.SocketID) {
		except = req.SocketID
	}

	for _, name := range req.Channels {
		h.Broadcast(name, req.Event, req.Data, except)
	}
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Rooms reports the occupied rooms, optionally filtered by name prefix.
func (h *Hub) Rooms(prefix string) map[string]RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make(map[string]RoomInfo, len(h.rooms))
	for name, room := range h.rooms {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		rooms[name] = RoomInfo{SubscriptionCount: len(room), Occupied: true}
	}
	return rooms
}

// SubscriptionCount reports the number of connections in one room.
func (h *Hub) SubscriptionCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms[name])
}
