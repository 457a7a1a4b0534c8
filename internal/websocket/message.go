package websocket

import "encoding/json"

// Control events a client may send over its connection.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventClientEvent = "client event"
)

// ControlMessage is an inbound frame from a client connection.
type ControlMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Envelope is an outbound frame delivered to client connections.
type Envelope struct {
	Event   string      `json:"event"`
	Channel string      `json:"channel"`
	Data    interface{} `json:"data,omitempty"`
}

// UnsubscribeData is the payload of an unsubscribe control message.
type UnsubscribeData struct {
	Channel string `json:"channel"`
}
