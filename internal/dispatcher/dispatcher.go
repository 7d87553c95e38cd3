// Package dispatcher implements the request-routing layer: every
// incoming request is sent to whichever node currently reports the
// lowest load, ties going to the local node, with unconditional
// fallback to local handling if the remote call fails in any way.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"meshlb/internal/consumer"
	"meshlb/pkg/registry"
	"meshlb/pkg/rpc"
)

// DefaultRPCTimeout is the deadline applied to outbound peer calls.
const DefaultRPCTimeout = rpc.DefaultTimeout

// localConsumer is the narrow view of consumer.Scheduler the dispatcher
// depends on, so it can be exercised with a fake in tests.
type localConsumer interface {
	Load() int
	Consume(ctx context.Context, req consumer.ConsumeRequest) (consumer.ConsumeResponse, error)
	Close(ctx context.Context) error
}

// Dispatcher routes Consume requests between the local consumer
// scheduler and peer nodes, using the registry's reported loads to pick
// a target.
type Dispatcher struct {
	selfID     string
	local      localConsumer
	node       *rpc.Node
	reg        *registry.Client
	rpcTimeout time.Duration
	log        *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New builds a Dispatcher and registers it as node's request handler,
// so remote peers routing work to this node land in the local
// consumer.
func New(selfID string, local localConsumer, node *rpc.Node, reg *registry.Client, rpcTimeout time.Duration, log *zap.Logger) *Dispatcher {
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		selfID:     selfID,
		local:      local,
		node:       node,
		reg:        reg,
		rpcTimeout: rpcTimeout,
		log:        log,
	}
	if node != nil {
		node.SetHandler(d.handleRemoteConsume)
	}
	return d
}

// WireLoadReporting connects the scheduler's load-change notifications
// to the registry's throttled reporter. Split out from New because not
// every localConsumer implementation exposes SetOnLoadChange.
func WireLoadReporting(s *consumer.Scheduler, reg *registry.Client) {
	if s == nil || reg == nil {
		return
	}
	s.SetOnLoadChange(func() { reg.OnLoadChange(context.Background()) })
}

func (d *Dispatcher) handleRemoteConsume(ctx context.Context, payload interface{}) (interface{}, error) {
	var req consumer.ConsumeRequest
	if err := mapstructure.Decode(payload, &req); err != nil {
		return nil, fmt.Errorf("dispatcher: decode remote request: %w", err)
	}
	return d.local.Consume(ctx, req)
}

// Consume routes req to whichever node reports the lowest current load
// (ties going to this node), falling back to local handling if the
// remote call fails for any reason (NoSuchPeer, CallTimeout, handler
// error, or a malformed response) — routing failures degrade to
// correct-but-unbalanced service rather than visible errors.
func (d *Dispatcher) Consume(ctx context.Context, req consumer.ConsumeRequest) (consumer.ConsumeResponse, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return consumer.ConsumeResponse{}, ErrClosed
	}
	d.mu.Unlock()

	targetID := d.selfID
	selfLoad := d.local.Load()

	if d.reg != nil && d.reg.Online() {
		snap, err := d.reg.FetchLoads(ctx)
		if err != nil {
			d.log.Warn("dispatcher: fetch peer loads failed, routing locally", zap.Error(err))
		} else {
			targetID, _ = snap.Min(d.selfID, selfLoad)
		}
	}

	if targetID == d.selfID {
		return d.local.Consume(ctx, req)
	}

	result, err := d.node.Call(ctx, targetID, req, d.rpcTimeout)
	if err != nil {
		d.log.Warn("dispatcher: remote call failed, falling back to local",
			zap.String("peer", targetID), zap.Error(err))
		return d.local.Consume(ctx, req)
	}

	var resp consumer.ConsumeResponse
	if err := mapstructure.Decode(result, &resp); err != nil {
		d.log.Warn("dispatcher: decode remote response failed, falling back to local", zap.Error(err))
		return d.local.Consume(ctx, req)
	}
	return resp, nil
}

// Close stops routing new work, removes this node from the registry,
// disconnects the RPC transport, and closes the local scheduler.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var firstErr error
	recordErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.reg != nil {
		recordErr(d.reg.Close(ctx))
	}
	if d.node != nil {
		recordErr(d.node.Disconnect())
	}
	recordErr(d.local.Close(ctx))
	return firstErr
}
