package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"relay-service/internal/storage"
)

// Member is one entry in a presence channel's roster. Several members may
// share a UserID (multi-device), each under its own connection id.
type Member struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
	SocketID string          `json:"connection_id,omitempty"`
}

func (m *Member) UnmarshalJSON(b []byte) error {
	var raw struct {
		UserID   json.RawMessage `json:"user_id"`
		UserInfo json.RawMessage `json:"user_info"`
		SocketID string          `json:"connection_id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	// Upstream applications send user ids as either strings or numbers.
	var id string
	if err := json.Unmarshal(raw.UserID, &id); err != nil {
		id = string(raw.UserID)
	}

	m.UserID = id
	m.UserInfo = raw.UserInfo
	m.SocketID = raw.SocketID
	return nil
}

// decodeMember extracts the member payload from authorization channel data,
// which arrives either as an object or as a JSON-encoded string. A payload
// without a user id is treated as missing.
func decodeMember(raw json.RawMessage) *Member {
	if len(raw) == 0 {
		return nil
	}

	var m Member
	if err := json.Unmarshal(raw, &m); err == nil && m.UserID != "" {
		return &m
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &m); err == nil && m.UserID != "" {
			return &m
		}
	}

	return nil
}

func rosterKey(channel string) string {
	return channel + ":members"
}

// PresenceStore persists per-channel rosters and reconciles them against the
// live connection registry. A user's joined notification fires only on the
// first live connection and the left notification only when the last one is
// gone.
type PresenceStore struct {
	store    storage.Storage
	registry Registry
	log      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewPresenceStore(store storage.Storage, registry Registry, log *slog.Logger) *PresenceStore {
	return &PresenceStore{
		store:    store,
		registry: registry,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
	}
}

// channelLock serializes roster read-modify-write per channel within this
// process. Writes from other relay processes can still interleave; that
// window is self-healed by the next reconciliation.
func (p *PresenceStore) channelLock(channel string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[channel]
	if !ok {
		l = &sync.Mutex{}
		p.locks[channel] = l
	}
	return l
}

// GetRoster returns the stored roster pruned to members whose connection is
// currently live. The pruned result is persisted back best-effort.
func (p *PresenceStore) GetRoster(ctx context.Context, channel string) ([]Member, error) {
	l := p.channelLock(channel)
	l.Lock()
	defer l.Unlock()

	return p.reconcile(ctx, channel)
}

func (p *PresenceStore) reconcile(ctx context.Context, channel string) ([]Member, error) {
	var members []Member
	if err := p.store.Get(ctx, rosterKey(channel), &members); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	live := make(map[string]bool)
	for _, id := range p.registry.MemberIDs(channel) {
		live[id] = true
	}

	pruned := make([]Member, 0, len(members))
	for _, m := range members {
		if live[m.SocketID] {
			pruned = append(pruned, m)
		}
	}

	if len(pruned) != len(members) {
		if err := p.store.Set(ctx, rosterKey(channel), pruned); err != nil {
			p.log.Warn("Failed to persist pruned roster", "channel", channel, "error", err)
		}
	}

	return pruned, nil
}

// Join adds a member to the roster and notifies the joining connection with
// the deduplicated roster. The rest of the room hears presence:joining only
// when this is the user's first live connection on the channel.
func (p *PresenceStore) Join(ctx context.Context, connID, channel string, member *Member) error {
	if member == nil {
		p.log.Error("Unable to join channel, member data for presence channel missing",
			"connID", connID, "channel", channel)
		return nil
	}

	l := p.channelLock(channel)
	l.Lock()
	defer l.Unlock()

	members, err := p.reconcile(ctx, channel)
	if err != nil {
		return err
	}

	wasPresent := false
	for _, m := range members {
		if m.UserID == member.UserID {
			wasPresent = true
			break
		}
	}

	// A repeated subscribe replaces the connection's previous entry instead
	// of duplicating it.
	kept := make([]Member, 0, len(members)+1)
	for _, m := range members {
		if m.SocketID != connID {
			kept = append(kept, m)
		}
	}
	entry := *member
	entry.SocketID = connID
	members = append(kept, entry)

	if err := p.store.Set(ctx, rosterKey(channel), members); err != nil {
		return err
	}

	p.registry.SendTo(connID, EventPresenceSubscribed, channel, dedupeByUser(members))

	if !wasPresent {
		public := entry
		public.SocketID = ""
		p.registry.Broadcast(channel, EventPresenceJoining, public, connID)
		p.publish(ctx, channel+"-join", public)
	}

	return nil
}

// Leave removes the roster entry for a connection. The room hears
// presence:leaving only when no other live connection shares the member's
// user id.
func (p *PresenceStore) Leave(ctx context.Context, connID, channel string) error {
	l := p.channelLock(channel)
	l.Lock()
	defer l.Unlock()

	var members []Member
	if err := p.store.Get(ctx, rosterKey(channel), &members); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	var leaving *Member
	remaining := make([]Member, 0, len(members))
	for _, m := range members {
		if m.SocketID == connID {
			if leaving == nil {
				left := m
				leaving = &left
			}
			continue
		}
		remaining = append(remaining, m)
	}
	if leaving == nil {
		return nil
	}

	if err := p.store.Set(ctx, rosterKey(channel), remaining); err != nil {
		return err
	}

	live := make(map[string]bool)
	for _, id := range p.registry.MemberIDs(channel) {
		live[id] = true
	}

	stillPresent := false
	for _, m := range remaining {
		if m.UserID == leaving.UserID && live[m.SocketID] {
			stillPresent = true
			break
		}
	}

	if !stillPresent {
		public := *leaving
		public.SocketID = ""
		p.registry.Broadcast(channel, EventPresenceLeaving, public, "")
		p.publish(ctx, channel+"-leave", public)
	}

	return nil
}

func (p *PresenceStore) publish(ctx context.Context, topic string, member Member) {
	err := p.store.Publish(ctx, topic, member)
	if err == nil {
		return
	}
	if errors.Is(err, storage.ErrPubSubUnsupported) {
		p.log.Debug("Skipping cross-process presence notification", "topic", topic)
		return
	}
	p.log.Warn("Failed to publish presence notification", "topic", topic, "error", err)
}

// dedupeByUser collapses the roster to one entry per user id, keeping the
// most recently joined entry first.
func dedupeByUser(members []Member) []Member {
	seen := make(map[string]bool, len(members))
	roster := make([]Member, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		m := members[i]
		if seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		roster = append(roster, m)
	}
	return roster
}
