// Package store defines the Datastore contract shared by the load
// registry and the RPC transport, and supplies the two implementations
// the rest of the module runs against: an etcd-backed production
// datastore and an in-memory one for tests and local single-process
// demos.
package store

import (
	"context"
	"time"
)

// ConnState is emitted on a Datastore's Signals channel whenever its
// reachability changes.
type ConnState int

const (
	// StateConnected means reads, writes, and pub/sub are usable.
	StateConnected ConnState = iota
	// StateDisconnected means the datastore is unreachable; callers
	// should treat registry reads as stale and fail RPC sends fast.
	StateDisconnected
)

func (s ConnState) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Message is one event delivered on a Subscription.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live subscription to one or more channels.
type Subscription interface {
	// Messages returns the channel of delivered messages. It is closed
	// when the subscription is closed; a dropped datastore connection
	// does not close it.
	Messages() <-chan Message
	// Close unsubscribes and releases the subscription's resources.
	Close() error
}

// Datastore is the collaborator contract the dispatch fabric is built
// against: a key/value store with TTLs and a publish/subscribe
// facility that reports how many subscribers a publish reached.
type Datastore interface {
	// Set writes key=value with the given TTL. A zero ttl means no
	// expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// MGet batch-reads keys, omitting any that are absent from the
	// result map.
	MGet(ctx context.Context, keys []string) (map[string]string, error)
	// Keys lists all keys matching a "prefix*" glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Publish delivers message to channel and returns the number of
	// subscribers it reached. A return of 0 means no subscriber exists
	// for that channel right now.
	Publish(ctx context.Context, channel, message string) (delivered int, err error)
	// Subscribe opens a dedicated subscription to one or more channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Signals reports connect/disconnect/reconnect transitions. The
	// first value observed reflects the datastore's state when it was
	// constructed.
	Signals() <-chan ConnState

	// Close releases the datastore's connections.
	Close() error
}
