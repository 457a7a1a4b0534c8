package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// Class is the visibility class of a channel, derived purely from its name.
type Class int

const (
	Public Class = iota
	Private
	Presence
)

func (c Class) String() string {
	switch c {
	case Private:
		return "private"
	case Presence:
		return "presence"
	default:
		return "public"
	}
}

// ClassOf classifies a channel name. Presence channels are also private:
// both require a successful authorization before a connection may join.
func ClassOf(name string) Class {
	switch {
	case strings.HasPrefix(name, "presence-"):
		return Presence
	case strings.HasPrefix(name, "private-"):
		return Private
	default:
		return Public
	}
}

// IsClientEvent reports whether an event name is one clients may trigger
// themselves.
func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, "client-")
}

// Events emitted back to connections by the channel layer.
const (
	EventSubscriptionError  = "subscription_error"
	EventPresenceSubscribed = "presence:subscribed"
	EventPresenceJoining    = "presence:joining"
	EventPresenceLeaving    = "presence:leaving"
)

// Registry is the connection-to-room view the channel layer operates on.
// The websocket hub implements it.
type Registry interface {
	Join(connID, channel string)
	Leave(connID, channel string)
	MemberIDs(channel string) []string
	IsMember(connID, channel string) bool
	IsLive(connID string) bool
	Broadcast(channel, event string, data interface{}, exceptConnID string)
	SendTo(connID, event, channel string, data interface{})
}

// DispatchRequest is the canonical event every ingestion source is
// normalized into before fan-out.
type DispatchRequest struct {
	Channels []string
	Event    string
	Data     interface{}
	SocketID string
}

// Dispatcher delivers dispatch requests to the rooms they target.
type Dispatcher interface {
	Dispatch(req *DispatchRequest)
}

// SubscribeData is the payload of a subscribe control message.
type SubscribeData struct {
	Channel     string          `json:"channel"`
	Auth        string          `json:"auth,omitempty"`
	ChannelData json.RawMessage `json:"channel_data,omitempty"`
}

// ClientEventData is the payload of a client event control message.
type ClientEventData struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Channel coordinates subscriptions: it classifies channel names, runs the
// authorization handshake for non-public channels, mutates room membership
// through the registry and keeps the presence store reconciled.
type Channel struct {
	registry   Registry
	authorizer *Authorizer
	presence   *PresenceStore
	log        *slog.Logger
}

func New(registry Registry, authorizer *Authorizer, presence *PresenceStore, log *slog.Logger) *Channel {
	return &Channel{
		registry:   registry,
		authorizer: authorizer,
		presence:   presence,
		log:        log,
	}
}

// Subscribe joins a connection to a channel, authorizing first when the
// channel is private or presence. Authorization failures are reported to the
// requesting connection only and never grant membership.
func (ch *Channel) Subscribe(ctx context.Context, connID string, data SubscribeData) {
	name := data.Channel
	if name == "" {
		return
	}

	class := ClassOf(name)
	if class == Public {
		ch.registry.Join(connID, name)
		ch.log.Debug("Connection joined channel", "connID", connID, "channel", name)
		return
	}

	res, authErr := ch.authorizer.Authorize(ctx, connID, name, data.Auth)
	if authErr != nil {
		ch.log.Warn("Subscription rejected",
			"connID", connID, "channel", name,
			"status", authErr.StatusCode, "reason", authErr.Reason)
		ch.registry.SendTo(connID, EventSubscriptionError, name, authErr.StatusCode)
		return
	}

	// The connection may have disconnected while the authorization call was
	// in flight; its result must not touch registry or roster state then.
	if !ch.registry.IsLive(connID) {
		ch.log.Debug("Discarding authorization result for dead connection", "connID", connID, "channel", name)
		return
	}

	ch.registry.Join(connID, name)
	ch.log.Debug("Connection joined channel", "connID", connID, "channel", name)

	if class != Presence {
		return
	}

	member := decodeMember(res.ChannelData)
	if member == nil {
		ch.log.Error("Unable to track presence, member data missing", "connID", connID, "channel", name)
		return
	}

	if err := ch.presence.Join(ctx, connID, name, member); err != nil {
		ch.log.Error("Presence join failed", "connID", connID, "channel", name, "error", err)
	}
}

// Unsubscribe removes a connection from a channel, reconciling the presence
// roster first for presence channels. Leaving a channel the connection never
// joined is a no-op.
func (ch *Channel) Unsubscribe(ctx context.Context, connID, name, reason string) {
	if name == "" {
		return
	}

	if ClassOf(name) == Presence {
		if err := ch.presence.Leave(ctx, connID, name); err != nil {
			ch.log.Error("Presence leave failed", "connID", connID, "channel", name, "error", err)
		}
	}

	ch.registry.Leave(connID, name)
	ch.log.Debug("Connection left channel", "connID", connID, "channel", name, "reason", reason)
}

// ClientEvent forwards a client-triggered event to the other members of a
// room. It is silently dropped unless the event name matches the client-event
// pattern, the channel is private or presence, and the sender is currently a
// member.
func (ch *Channel) ClientEvent(connID string, data ClientEventData) {
	if data.Event == "" || data.Channel == "" {
		return
	}
	if !IsClientEvent(data.Event) || ClassOf(data.Channel) == Public {
		return
	}
	if !ch.registry.IsMember(connID, data.Channel) {
		return
	}

	ch.registry.Broadcast(data.Channel, data.Event, data.Data, connID)
}
