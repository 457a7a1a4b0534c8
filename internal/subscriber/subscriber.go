package subscriber

import (
	"context"
	"encoding/json"
	"errors"

	"relay-service/internal/channel"
)

// Subscriber is a long-lived ingestion adapter feeding decoded bus messages
// into the dispatcher.
type Subscriber interface {
	// Subscribe starts consuming in the background. It returns once the
	// subscription is established.
	Subscribe(ctx context.Context) error
	Close() error
}

// envelope is the wire format shared by every bus source.
type envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	Socket string          `json:"socket,omitempty"`
}

var errMissingEvent = errors.New("message has no event name")

// decodeEnvelope turns one bus message into a canonical dispatch request.
// Undecodable messages are dropped by the caller, never surfaced to clients.
func decodeEnvelope(payload []byte, channelName string) (*channel.DispatchRequest, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, errMissingEvent
	}

	return &channel.DispatchRequest{
		Channels: []string{channelName},
		Event:    env.Event,
		Data:     env.Data,
		SocketID: env.Socket,
	}, nil
}
