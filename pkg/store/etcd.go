package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/connectivity"
)

// EtcdDatastore is the production Datastore, adapted from a plain
// key/value etcd client into the full contract in store.go: TTL'd
// writes use a lease sized to the caller's ttl, and publish/subscribe is
// emulated over Watch plus short-lived presence keys, since etcd itself
// has no notion of "number of subscribers a publish reached".
type EtcdDatastore struct {
	client *clientv3.Client

	signals chan ConnState
	done    chan struct{}
}

// NewEtcdDatastore wraps an already-configured etcd client; it does not
// dial anything itself. Construction and authentication of the
// underlying client are the caller's concern.
func NewEtcdDatastore(cli *clientv3.Client) *EtcdDatastore {
	d := &EtcdDatastore{
		client:  cli,
		signals: make(chan ConnState, 16),
		done:    make(chan struct{}),
	}
	go d.watchConnectivity()
	return d
}

func (d *EtcdDatastore) watchConnectivity() {
	conn := d.client.ActiveConnection()
	state := conn.GetState()
	d.emit(connState(state))
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		changed := conn.WaitForStateChange(ctx, state)
		cancel()
		select {
		case <-d.done:
			return
		default:
		}
		if !changed {
			continue
		}
		state = conn.GetState()
		d.emit(connState(state))
	}
}

func connState(s connectivity.State) ConnState {
	if s == connectivity.Ready || s == connectivity.Idle {
		return StateConnected
	}
	return StateDisconnected
}

func (d *EtcdDatastore) emit(s ConnState) {
	select {
	case d.signals <- s:
	default:
	}
}

func (d *EtcdDatastore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		_, err := d.client.Put(ctx, key, value)
		return err
	}
	lease, err := d.client.Grant(ctx, int64(ttl.Round(time.Second)/time.Second))
	if err != nil {
		return fmt.Errorf("store: grant lease: %w", err)
	}
	_, err = d.client.Put(ctx, key, value, clientv3.WithLease(lease.ID))
	return err
}

func (d *EtcdDatastore) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := d.client.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (d *EtcdDatastore) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	ops := make([]clientv3.Op, len(keys))
	for i, k := range keys {
		ops[i] = clientv3.OpGet(k)
	}
	txn := d.client.Txn(ctx).Then(ops...)
	resp, err := txn.Commit()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for i, r := range resp.Responses {
		gr := r.GetResponseRange()
		if gr == nil || len(gr.Kvs) == 0 {
			continue
		}
		out[keys[i]] = string(gr.Kvs[0].Value)
	}
	return out, nil
}

func (d *EtcdDatastore) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	resp, err := d.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	out := make([]string, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		out[i] = string(kv.Key)
	}
	return out, nil
}

func (d *EtcdDatastore) Del(ctx context.Context, key string) error {
	_, err := d.client.Delete(ctx, key)
	return err
}

const (
	presenceSuffix  = ":presence"
	messageSuffix   = ":msg:"
	presenceTTL     = 5 * time.Second
	presenceRefresh = 2 * time.Second
	publishedMsgTTL = 30 * time.Second
)

// Publish checks the channel's presence key (kept alive by an open
// Subscribe call) and, if present, writes a short-lived message key
// under the channel's message prefix for subscribers to observe via
// Watch. Absence of the presence key means no subscriber is currently
// listening, matching the "zero subscribers" contract that drives
// NoSuchPeer upstream.
func (d *EtcdDatastore) Publish(ctx context.Context, channel, message string) (int, error) {
	_, present, err := d.Get(ctx, channel+presenceSuffix)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, nil
	}
	key := channel + messageSuffix + idSuffix()
	if err := d.Set(ctx, key, message, publishedMsgTTL); err != nil {
		return 0, err
	}
	return 1, nil
}

var msgSeq struct {
	mu sync.Mutex
	n  uint64
}

func idSuffix() string {
	msgSeq.mu.Lock()
	msgSeq.n++
	n := msgSeq.n
	msgSeq.mu.Unlock()
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}

type etcdSubscription struct {
	cancel context.CancelFunc
	ch     chan Message
	leases []clientv3.LeaseID
	client *clientv3.Client
	once   sync.Once
}

func (d *EtcdDatastore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &etcdSubscription{cancel: cancel, ch: make(chan Message, 64), client: d.client}

	for _, ch := range channels {
		lease, err := d.client.Grant(subCtx, int64(presenceTTL/time.Second))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("store: grant presence lease: %w", err)
		}
		if _, err := d.client.Put(subCtx, ch+presenceSuffix, "1", clientv3.WithLease(lease.ID)); err != nil {
			cancel()
			return nil, err
		}
		sub.leases = append(sub.leases, lease.ID)
		go sub.keepPresenceAlive(subCtx, ch, lease.ID, d)
		go sub.watchChannel(subCtx, ch, d)
	}

	return sub, nil
}

func (s *etcdSubscription) keepPresenceAlive(ctx context.Context, channel string, leaseID clientv3.LeaseID, d *EtcdDatastore) {
	ticker := time.NewTicker(presenceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.client.KeepAliveOnce(ctx, leaseID); err != nil {
				// Lease likely expired under connection loss; a fresh
				// presence key will be re-established once the watch
				// loop's Subscribe is retried by the caller.
				return
			}
		}
	}
}

func (s *etcdSubscription) watchChannel(ctx context.Context, channel string, d *EtcdDatastore) {
	prefix := channel + messageSuffix
	watchChan := d.client.Watch(ctx, prefix, clientv3.WithPrefix())
	for resp := range watchChan {
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			select {
			case s.ch <- Message{Channel: channel, Payload: ev.Kv.Value}:
			default:
			}
		}
	}
}

func (s *etcdSubscription) Messages() <-chan Message { return s.ch }

func (s *etcdSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
	return nil
}

func (d *EtcdDatastore) Signals() <-chan ConnState { return d.signals }

func (d *EtcdDatastore) Close() error {
	close(d.done)
	return d.client.Close()
}
