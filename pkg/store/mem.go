package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemDatastore is an in-memory Datastore for tests and local
// single-process demos. Publish delivers to real, currently-open
// subscriptions, so the returned delivered count is exact rather than
// the presence-key approximation the etcd-backed implementation has to
// use.
type MemDatastore struct {
	mu sync.Mutex

	values map[string]memEntry
	subs   map[string][]*memSubscription

	signals  chan ConnState
	online   bool
	closed   bool
	lastSend ConnState
}

type memEntry struct {
	value string
	timer *time.Timer
}

type memSubscription struct {
	ds       *MemDatastore
	channels []string
	ch       chan Message
	closeOne sync.Once
}

// NewMemDatastore returns a ready, online in-memory datastore.
func NewMemDatastore() *MemDatastore {
	d := &MemDatastore{
		values:  make(map[string]memEntry),
		subs:    make(map[string][]*memSubscription),
		signals: make(chan ConnState, 16),
		online:  true,
	}
	d.signals <- StateConnected
	return d
}

// SetOffline simulates a datastore outage (or, with online=true, a
// reconnect): pending reads/writes start failing and a ConnState signal
// is emitted. Used by tests exercising dispatcher behavior while the
// shared datastore is unreachable.
func (d *MemDatastore) SetOffline(offline bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wantOnline := !offline
	if wantOnline == d.online {
		return
	}
	d.online = wantOnline
	state := StateDisconnected
	if wantOnline {
		state = StateConnected
	}
	select {
	case d.signals <- state:
	default:
	}
}

func (d *MemDatastore) errIfOffline() error {
	if !d.online {
		return errDatastoreOffline
	}
	return nil
}

func (d *MemDatastore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errIfOffline(); err != nil {
		return err
	}
	if old, ok := d.values[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	entry := memEntry{value: value}
	if ttl > 0 {
		entry.timer = time.AfterFunc(ttl, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if cur, ok := d.values[key]; ok && cur.value == value {
				delete(d.values, key)
			}
		})
	}
	d.values[key] = entry
	return nil
}

func (d *MemDatastore) Get(ctx context.Context, key string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errIfOffline(); err != nil {
		return "", false, err
	}
	e, ok := d.values[key]
	return e.value, ok, nil
}

func (d *MemDatastore) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errIfOffline(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if e, ok := d.values[k]; ok {
			out[k] = e.value
		}
	}
	return out, nil
}

func (d *MemDatastore) Keys(ctx context.Context, pattern string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errIfOffline(); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range d.values {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (d *MemDatastore) Del(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errIfOffline(); err != nil {
		return err
	}
	if old, ok := d.values[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	delete(d.values, key)
	return nil
}

func (d *MemDatastore) Publish(ctx context.Context, channel, message string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errIfOffline(); err != nil {
		return 0, err
	}
	delivered := 0
	for _, sub := range d.subs[channel] {
		select {
		case sub.ch <- Message{Channel: channel, Payload: []byte(message)}:
			delivered++
		default:
			// Bounded buffer full: drop rather than block the publisher,
			// matching the "unbounded in design, small buffer in practice"
			// backpressure note.
		}
	}
	return delivered, nil
}

func (d *MemDatastore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errIfOffline(); err != nil {
		return nil, err
	}
	sub := &memSubscription{ds: d, channels: channels, ch: make(chan Message, 64)}
	for _, c := range channels {
		d.subs[c] = append(d.subs[c], sub)
	}
	return sub, nil
}

func (d *MemDatastore) Signals() <-chan ConnState { return d.signals }

func (d *MemDatastore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, e := range d.values {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	return nil
}

func (s *memSubscription) Messages() <-chan Message { return s.ch }

func (s *memSubscription) Close() error {
	s.closeOne.Do(func() {
		s.ds.mu.Lock()
		defer s.ds.mu.Unlock()
		for _, c := range s.channels {
			subs := s.ds.subs[c]
			for i, other := range subs {
				if other == s {
					s.ds.subs[c] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		close(s.ch)
	})
	return nil
}
