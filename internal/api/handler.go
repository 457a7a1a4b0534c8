package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"relay-service/internal/channel"
	"relay-service/internal/websocket"
	"relay-service/pkg/response"
)

// Handler serves the push ingestion endpoint and the introspection API.
type Handler struct {
	hub        *websocket.Hub
	dispatcher channel.Dispatcher
	presence   *channel.PresenceStore
	started    time.Time
	log        *slog.Logger
}

func NewHandler(hub *websocket.Hub, dispatcher channel.Dispatcher, presence *channel.PresenceStore, log *slog.Logger) *Handler {
	return &Handler{
		hub:        hub,
		dispatcher: dispatcher,
		presence:   presence,
		started:    time.Now(),
		log:        log,
	}
}

type eventRequest struct {
	Channel  string          `json:"channel"`
	Channels []string        `json:"channels"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	SocketID string          `json:"socket_id"`
}

// PostEvent is the push adapter: it validates the request and normalizes it
// into one dispatch request covering every target channel. Validation
// failures produce zero broadcasts.
func (h *Handler) PostEvent(c *gin.Context) {
	var body eventRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": response.ErrInvalidBody})
		return
	}

	channels := body.Channels
	if len(channels) == 0 && body.Channel != "" {
		channels = []string{body.Channel}
	}

	if len(channels) == 0 || body.Name == "" || len(body.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": response.ErrMissingField})
		return
	}

	h.log.Debug("Push event received", "channels", channels, "event", body.Name)

	h.dispatcher.Dispatch(&channel.DispatchRequest{
		Channels: channels,
		Event:    body.Name,
		Data:     decodePayload(body.Data),
		SocketID: body.SocketID,
	})

	c.JSON(http.StatusOK, gin.H{"message": response.MsgOK})
}

// decodePayload gives a JSON-encoded string payload one best-effort inner
// decode; anything else passes through untouched.
func decodePayload(raw json.RawMessage) interface{} {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}

	var inner interface{}
	if err := json.Unmarshal([]byte(s), &inner); err != nil {
		return s
	}
	return inner
}

func (h *Handler) GetRoot(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (h *Handler) GetStatus(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, gin.H{
		"uptime":      time.Since(h.started).Seconds(),
		"connections": h.hub.ConnectionCount(),
		"memory": gin.H{
			"alloc":       mem.Alloc,
			"total_alloc": mem.TotalAlloc,
			"sys":         mem.Sys,
		},
	})
}

func (h *Handler) GetChannels(c *gin.Context) {
	prefix := c.Query("filter_by_prefix")
	c.JSON(http.StatusOK, gin.H{"channels": h.hub.Rooms(prefix)})
}

func (h *Handler) GetChannel(c *gin.Context) {
	name := c.Param("channelName")
	count := h.hub.SubscriptionCount(name)

	result := gin.H{
		"subscription_count": count,
		"occupied":           count > 0,
	}

	if channel.ClassOf(name) == channel.Presence {
		roster, err := h.presence.GetRoster(c.Request.Context(), name)
		if err != nil {
			h.log.Error("Failed to read roster", "channel", name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "presence store unavailable"})
			return
		}
		result["user_count"] = len(uniqueUsers(roster))
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetChannelUsers(c *gin.Context) {
	name := c.Param("channelName")

	if channel.ClassOf(name) != channel.Presence {
		c.JSON(http.StatusBadRequest, gin.H{"error": response.ErrPresenceOnly})
		return
	}

	roster, err := h.presence.GetRoster(c.Request.Context(), name)
	if err != nil {
		h.log.Error("Failed to read roster", "channel", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence store unavailable"})
		return
	}

	users := make([]gin.H, 0, len(roster))
	for _, m := range uniqueUsers(roster) {
		users = append(users, gin.H{"id": m.UserID, "user_info": m.UserInfo})
	}

	c.JSON(http.StatusOK, gin.H{"users": users})
}

func uniqueUsers(roster []channel.Member) []channel.Member {
	seen := make(map[string]bool, len(roster))
	users := make([]channel.Member, 0, len(roster))
	for _, m := range roster {
		if seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		users = append(users, m)
	}
	return users
}
