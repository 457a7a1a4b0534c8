package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		want Class
	}{
		{"presence-foo", Presence},
		{"private-foo", Private},
		{"foo", Public},
		{"presence-", Presence},
		{"privatefoo", Public},
		{"client-foo", Public},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.name))
		})
	}
}

func TestIsClientEvent(t *testing.T) {
	assert.True(t, IsClientEvent("client-typing"))
	assert.False(t, IsClientEvent("typing"))
	assert.False(t, IsClientEvent("presence:joining"))
}

func newTestChannel(t *testing.T, authStatus int, channelData string) (*Channel, *fakeRegistry, *fakeStorage) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authStatus != http.StatusOK {
			w.WriteHeader(authStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if channelData != "" {
			json.NewEncoder(w).Encode(map[string]string{"channel_data": channelData})
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	reg := newFakeRegistry()
	store := newFakeStorage()
	authorizer := NewAuthorizer(srv.URL, "/broadcasting/auth", time.Second, testLogger())
	presence := NewPresenceStore(store, reg, testLogger())
	return New(reg, authorizer, presence, testLogger()), reg, store
}

func TestSubscribePublicSkipsAuthorization(t *testing.T) {
	// The authorizer would deny everything; public channels never consult it.
	ch, reg, _ := newTestChannel(t, http.StatusForbidden, "")

	reg.connect("c1")
	ch.Subscribe(context.Background(), "c1", SubscribeData{Channel: "news"})

	assert.True(t, reg.IsMember("c1", "news"))
	assert.Empty(t, reg.sent)
}

func TestSubscribePrivateDenied(t *testing.T) {
	ch, reg, _ := newTestChannel(t, http.StatusForbidden, "")

	reg.connect("c1")
	reg.connect("c2")
	ch.Subscribe(context.Background(), "c1", SubscribeData{Channel: "private-x"})

	assert.False(t, reg.IsMember("c1", "private-x"))

	errs := reg.sentTo("c1", EventSubscriptionError)
	require.Len(t, errs, 1)
	assert.Equal(t, "private-x", errs[0].Channel)
	assert.Equal(t, http.StatusForbidden, errs[0].Data)

	// The failure is reported to the requester only.
	assert.Empty(t, reg.sentTo("c2", EventSubscriptionError))
	assert.Empty(t, reg.broadcasts)
}

func TestSubscribePrivateAuthorized(t *testing.T) {
	ch, reg, _ := newTestChannel(t, http.StatusOK, "")

	reg.connect("c1")
	ch.Subscribe(context.Background(), "c1", SubscribeData{Channel: "private-x", Auth: "token"})

	assert.True(t, reg.IsMember("c1", "private-x"))
	assert.Empty(t, reg.sent)
	assert.Empty(t, reg.broadcasts)
}

func TestSubscribePresenceAuthorized(t *testing.T) {
	ch, reg, store := newTestChannel(t, http.StatusOK, `{"user_id":"u1","user_info":{"name":"Ann"}}`)

	reg.connect("c1")
	ch.Subscribe(context.Background(), "c1", SubscribeData{Channel: "presence-chat", Auth: "token"})

	assert.True(t, reg.IsMember("c1", "presence-chat"))
	require.Len(t, reg.sentTo("c1", EventPresenceSubscribed), 1)
	require.Len(t, reg.broadcastsOf(EventPresenceJoining), 1)

	roster := store.storedRoster(t, "presence-chat")
	require.Len(t, roster, 1)
	assert.Equal(t, "u1", roster[0].UserID)
	assert.Equal(t, "c1", roster[0].SocketID)
}

func TestSubscribePresenceMissingMemberData(t *testing.T) {
	ch, reg, store := newTestChannel(t, http.StatusOK, "")

	reg.connect("c1")
	ch.Subscribe(context.Background(), "c1", SubscribeData{Channel: "presence-chat", Auth: "token"})

	// The room join stands but the roster is untouched and nothing fires.
	assert.True(t, reg.IsMember("c1", "presence-chat"))
	assert.Empty(t, store.storedRoster(t, "presence-chat"))
	assert.Empty(t, reg.sent)
	assert.Empty(t, reg.broadcasts)
}

func TestSubscribeAuthorizerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	reg := newFakeRegistry()
	store := newFakeStorage()
	authorizer := NewAuthorizer(srv.URL, "/broadcasting/auth", time.Second, testLogger())
	presence := NewPresenceStore(store, reg, testLogger())
	ch := New(reg, authorizer, presence, testLogger())

	reg.connect("c1")
	ch.Subscribe(context.Background(), "c1", SubscribeData{Channel: "private-x"})

	errs := reg.sentTo("c1", EventSubscriptionError)
	require.Len(t, errs, 1)
	assert.Equal(t, http.StatusInternalServerError, errs[0].Data)
	assert.False(t, reg.IsMember("c1", "private-x"))
}

func TestSubscribeResultDiscardedAfterDisconnect(t *testing.T) {
	ch, reg, store := newTestChannel(t, http.StatusOK, `{"user_id":"u1"}`)

	// The connection is gone by the time the authorization result arrives.
	ch.Subscribe(context.Background(), "ghost", SubscribeData{Channel: "presence-chat"})

	assert.False(t, reg.IsMember("ghost", "presence-chat"))
	assert.Empty(t, store.storedRoster(t, "presence-chat"))
	assert.Empty(t, reg.sent)
}

func TestUnsubscribePresenceReconciles(t *testing.T) {
	ch, reg, store := newTestChannel(t, http.StatusOK, `{"user_id":"u1"}`)

	reg.connect("c1")
	ch.Subscribe(context.Background(), "c1", SubscribeData{Channel: "presence-chat"})
	ch.Unsubscribe(context.Background(), "c1", "presence-chat", "unsubscribed")

	assert.False(t, reg.IsMember("c1", "presence-chat"))
	assert.Empty(t, store.storedRoster(t, "presence-chat"))
	assert.Len(t, reg.broadcastsOf(EventPresenceLeaving), 1)
}

func TestClientEventForwarding(t *testing.T) {
	ch, reg, _ := newTestChannel(t, http.StatusOK, "")

	reg.connect("c1")
	ch.Subscribe(context.Background(), "c1", SubscribeData{Channel: "private-room"})
	require.True(t, reg.IsMember("c1", "private-room"))

	tests := []struct {
		name      string
		data      ClientEventData
		forwarded bool
	}{
		{
			name:      "valid client event",
			data:      ClientEventData{Event: "client-typing", Channel: "private-room", Data: json.RawMessage(`{"on":true}`)},
			forwarded: true,
		},
		{
			name:      "event name without client prefix",
			data:      ClientEventData{Event: "typing", Channel: "private-room"},
			forwarded: false,
		},
		{
			name:      "public channel",
			data:      ClientEventData{Event: "client-typing", Channel: "room"},
			forwarded: false,
		},
		{
			name:      "missing channel",
			data:      ClientEventData{Event: "client-typing"},
			forwarded: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(reg.broadcastsOf("client-typing")) + len(reg.broadcastsOf("typing"))
			ch.ClientEvent("c1", tt.data)
			after := len(reg.broadcastsOf("client-typing")) + len(reg.broadcastsOf("typing"))
			if tt.forwarded {
				require.Equal(t, before+1, after)
				last := reg.broadcastsOf(tt.data.Event)
				assert.Equal(t, "c1", last[len(last)-1].Except)
			} else {
				assert.Equal(t, before, after)
			}
		})
	}
}

func TestClientEventFromNonMemberDropped(t *testing.T) {
	ch, reg, _ := newTestChannel(t, http.StatusOK, "")

	reg.connect("outsider")
	ch.ClientEvent("outsider", ClientEventData{Event: "client-typing", Channel: "private-room"})

	assert.Empty(t, reg.broadcasts)
}
