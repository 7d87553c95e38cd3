// Package registry implements the load registry client: a per-node
// periodic reporter and throttled reader of peer loads via TTL'd keys
// in a shared Datastore.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshlb/pkg/model"
	"meshlb/pkg/store"
)

// DefaultReportInterval is the default load-report period and key TTL.
const DefaultReportInterval = 30 * time.Second

const writeThrottle = 1 * time.Second
const readThrottle = 1 * time.Second

// Client reports this node's load to the datastore and reads peers' load
// back.
type Client struct {
	ds             store.Datastore
	poolID, selfID string
	reportInterval time.Duration
	loadFn         func() int
	log            *zap.Logger

	writeMu    sync.Mutex
	writeTimer *time.Timer

	fetchMu      sync.Mutex
	lastFetch    time.Time
	lastSnapshot model.LoadSnapshot

	online  atomic.Bool
	events  chan store.ConnState
	stop    chan struct{}
	stopped sync.Once
}

// New constructs a registry client. loadFn returns the consumer's
// current load and is called at the moment of each write, not captured
// at signal time, so the final write in a throttle window always
// reflects the latest observed load. The returned client immediately
// starts its periodic report ticker and datastore-signal forwarder;
// callers must call Close to stop them.
func New(ds store.Datastore, poolID, selfID string, reportInterval time.Duration, loadFn func() int, log *zap.Logger) *Client {
	if poolID == "" {
		poolID = "global"
	}
	if reportInterval <= 0 {
		reportInterval = DefaultReportInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		ds:             ds,
		poolID:         poolID,
		selfID:         selfID,
		reportInterval: reportInterval,
		loadFn:         loadFn,
		log:            log,
		events:         make(chan store.ConnState, 16),
		stop:           make(chan struct{}),
	}
	c.online.Store(true)
	go c.forwardSignals()
	go c.periodicReport()
	return c
}

func (c *Client) loadKey(nodeID string) string {
	return fmt.Sprintf("RDB:%s:%s", c.poolID, nodeID)
}

func (c *Client) loadKeyPrefix() string {
	return fmt.Sprintf("RDB:%s:", c.poolID)
}

// Online reports whether the datastore was reachable as of the most
// recently observed connectivity signal.
func (c *Client) Online() bool { return c.online.Load() }

// Events reports connect/disconnect transitions observed on the
// underlying datastore, for logging/diagnostics.
func (c *Client) Events() <-chan store.ConnState { return c.events }

func (c *Client) forwardSignals() {
	for {
		select {
		case <-c.stop:
			return
		case s, ok := <-c.ds.Signals():
			if !ok {
				return
			}
			wasOnline := c.online.Swap(s == store.StateConnected)
			nowOnline := s == store.StateConnected
			if wasOnline != nowOnline {
				if nowOnline {
					c.log.Info("registry: datastore online", zap.String("node", c.selfID))
					// A fresh report is due within one throttle window of
					// reconnecting so peers see current load promptly.
					c.OnLoadChange(context.Background())
				} else {
					c.log.Warn("registry: datastore offline", zap.String("node", c.selfID))
				}
			}
			select {
			case c.events <- s:
			default:
			}
		}
	}
}

func (c *Client) periodicReport() {
	ticker := time.NewTicker(c.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.writeNow(context.Background()); err != nil {
				c.log.Warn("registry: periodic report failed", zap.Error(err))
			}
		}
	}
}

// OnLoadChange schedules a throttled write reflecting the consumer's
// current load. At most one write happens per writeThrottle window
// (trailing edge): the write that eventually fires reads loadFn() at
// fire time, so it reflects the latest signal even if several arrived
// during the window.
func (c *Client) OnLoadChange(ctx context.Context) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimer != nil {
		return
	}
	c.writeTimer = time.AfterFunc(writeThrottle, func() {
		c.writeMu.Lock()
		c.writeTimer = nil
		c.writeMu.Unlock()
		if err := c.writeNow(context.Background()); err != nil {
			c.log.Warn("registry: throttled report failed", zap.Error(err))
		}
	})
}

func (c *Client) writeNow(ctx context.Context) error {
	load := c.loadFn()
	value := strconv.Itoa(load)
	if err := c.ds.Set(ctx, c.loadKey(c.selfID), value, c.reportInterval); err != nil {
		return fmt.Errorf("registry: report load: %w", err)
	}
	return nil
}

// FetchLoads returns the last known load of every peer. Real reads
// against the datastore happen at most once per readThrottle window;
// callers within the window receive the cached snapshot.
func (c *Client) FetchLoads(ctx context.Context) (model.LoadSnapshot, error) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	if time.Since(c.lastFetch) < readThrottle {
		return c.lastSnapshot, nil
	}

	keys, err := c.ds.Keys(ctx, c.loadKeyPrefix()+"*")
	if err != nil {
		return model.LoadSnapshot{}, fmt.Errorf("registry: list load keys: %w", err)
	}
	values, err := c.ds.MGet(ctx, keys)
	if err != nil {
		return model.LoadSnapshot{}, fmt.Errorf("registry: fetch load values: %w", err)
	}

	loads := make(map[string]int, len(values))
	prefix := c.loadKeyPrefix()
	for k, v := range values {
		nodeID := k[len(prefix):]
		n, err := strconv.Atoi(v)
		if err != nil {
			c.log.Warn("registry: malformed load value", zap.String("key", k), zap.String("value", v))
			continue
		}
		loads[nodeID] = n
	}

	snap := model.LoadSnapshot{ObservedAt: time.Now(), Loads: loads}
	c.lastFetch = snap.ObservedAt
	c.lastSnapshot = snap
	return snap, nil
}

// Close stops the report ticker and signal forwarder and removes this
// node's load key from the datastore.
func (c *Client) Close(ctx context.Context) error {
	c.stopped.Do(func() { close(c.stop) })
	return c.ds.Del(ctx, c.loadKey(c.selfID))
}
