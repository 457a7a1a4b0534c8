package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key has no value in the backing store.
	ErrNotFound = errors.New("storage: key not found")

	// ErrPubSubUnsupported is returned by backends without a pub/sub facility.
	ErrPubSubUnsupported = errors.New("storage: pub/sub not supported")
)

// Storage is the key/value capability the presence layer persists rosters
// through. The concrete backend is selected once at startup from
// configuration.
type Storage interface {
	// Get reads the JSON value stored under key into dest. Returns
	// ErrNotFound when the key is absent.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores value under key as JSON, replacing any previous value.
	Set(ctx context.Context, key string, value interface{}) error

	// Publish sends message to subscribers of topic so other relay
	// processes sharing the store can react. Backends without pub/sub
	// return ErrPubSubUnsupported.
	Publish(ctx context.Context, topic string, message interface{}) error

	Close() error
}
