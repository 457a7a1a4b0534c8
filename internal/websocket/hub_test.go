package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"relay-service/internal/channel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub() *Hub {
	return NewHub(10, 20, testLogger())
}

// newTestClient builds a client without a transport connection; frames land
// in its send buffer.
func newTestClient(h *Hub, id string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:       id,
		hub:      h,
		send:     make(chan []byte, 16),
		channels: make(map[string]bool),
		limiter:  rate.NewLimiter(h.clientEventRate, h.clientEventBurst),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.addClient(client)
	return client
}

func readFrame(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case payload := <-c.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return Envelope{}
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case payload := <-c.send:
		t.Fatalf("unexpected frame: %s", payload)
	default:
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	h := newTestHub()
	newTestClient(h, "c1")

	h.Join("c1", "room")
	h.Join("c1", "room")

	assert.Len(t, h.MemberIDs("room"), 1)
	assert.True(t, h.IsMember("c1", "room"))
	assert.Equal(t, 1, h.SubscriptionCount("room"))
}

func TestJoinUnknownConnection(t *testing.T) {
	h := newTestHub()

	h.Join("ghost", "room")

	assert.Empty(t, h.MemberIDs("room"))
}

func TestLeaveNonMemberIsNoop(t *testing.T) {
	h := newTestHub()
	newTestClient(h, "c1")

	h.Leave("c1", "room")

	assert.Empty(t, h.MemberIDs("room"))
}

func TestEmptyRoomIsAbsent(t *testing.T) {
	h := newTestHub()
	newTestClient(h, "c1")

	h.Join("c1", "room")
	h.Leave("c1", "room")

	assert.Empty(t, h.Rooms(""))
}

func TestBroadcastExcludesConnection(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(h, "c1")
	c2 := newTestClient(h, "c2")
	c3 := newTestClient(h, "c3")

	h.Join("c1", "room")
	h.Join("c2", "room")
	h.Join("c3", "room")

	h.Broadcast("room", "e", map[string]int{"x": 1}, "c2")

	for _, c := range []*Client{c1, c3} {
		env := readFrame(t, c)
		assert.Equal(t, "e", env.Event)
		assert.Equal(t, "room", env.Channel)
	}
	assertNoFrame(t, c2)
}

func TestBroadcastOnlyReachesRoomMembers(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(h, "c1")
	c2 := newTestClient(h, "c2")

	h.Join("c1", "room-a")
	h.Join("c2", "room-b")

	h.Broadcast("room-a", "e", nil, "")

	readFrame(t, c1)
	assertNoFrame(t, c2)
}

func TestSendTo(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(h, "c1")
	c2 := newTestClient(h, "c2")

	h.SendTo("c1", "subscription_error", "private-x", 403)

	env := readFrame(t, c1)
	assert.Equal(t, "subscription_error", env.Event)
	assert.Equal(t, "private-x", env.Channel)
	assert.Equal(t, float64(403), env.Data)
	assertNoFrame(t, c2)
}

func TestDeliverExcludesOriginOnlyWhenLive(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(h, "c1")
	c2 := newTestClient(h, "c2")

	h.Join("c1", "room")
	h.Join("c2", "room")

	t.Run("origin live", func(t *testing.T) {
		h.deliver(&channel.DispatchRequest{Channels: []string{"room"}, Event: "e", SocketID: "c1"})
		readFrame(t, c2)
		assertNoFrame(t, c1)
	})

	t.Run("origin gone", func(t *testing.T) {
		h.deliver(&channel.DispatchRequest{Channels: []string{"room"}, Event: "e", SocketID: "ghost"})
		readFrame(t, c1)
		readFrame(t, c2)
	})
}

func TestDispatchPreservesPerRoomOrder(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(h, "c1")
	h.Join("c1", "room")

	go h.Run()
	defer h.Stop()

	for _, event := range []string{"e1", "e2", "e3"} {
		h.Dispatch(&channel.DispatchRequest{Channels: []string{"room"}, Event: event})
	}

	for _, want := range []string{"e1", "e2", "e3"} {
		env := readFrame(t, c1)
		assert.Equal(t, want, env.Event)
	}
}

func TestRemoveClientCleansEveryRoom(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(h, "c1")
	newTestClient(h, "c2")

	h.Join("c1", "room-a")
	h.Join("c1", "room-b")
	h.Join("c2", "room-a")

	h.removeClient(c1)

	assert.False(t, h.IsLive("c1"))
	assert.Empty(t, h.MemberIDs("room-b"))
	assert.Equal(t, []string{"c2"}, h.MemberIDs("room-a"))
}

func TestRoomsFilterByPrefix(t *testing.T) {
	h := newTestHub()
	newTestClient(h, "c1")

	h.Join("c1", "presence-chat")
	h.Join("c1", "news")

	rooms := h.Rooms("presence-")
	require.Len(t, rooms, 1)
	info, ok := rooms["presence-chat"]
	require.True(t, ok)
	assert.Equal(t, 1, info.SubscriptionCount)
	assert.True(t, info.Occupied)

	assert.Len(t, h.Rooms(""), 2)
}

func TestEnqueueDropsSlowClient(t *testing.T) {
	h := newTestHub()
	c1 := newTestClient(h, "c1")
	c1.send = make(chan []byte, 1)

	c1.enqueue([]byte(`{}`))
	c1.enqueue([]byte(`{}`))

	assert.True(t, c1.isClosed())
}

func TestDecodeClientEvent(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		data, err := decodeClientEvent(json.RawMessage(`{"event":"client-typing","channel":"private-x"}`))
		require.NoError(t, err)
		assert.Equal(t, "client-typing", data.Event)
	})

	t.Run("json-encoded string", func(t *testing.T) {
		data, err := decodeClientEvent(json.RawMessage(`"{\"event\":\"client-typing\",\"channel\":\"private-x\"}"`))
		require.NoError(t, err)
		assert.Equal(t, "private-x", data.Channel)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := decodeClientEvent(json.RawMessage(`42`))
		assert.Error(t, err)
	})
}
