// Package rpc implements the pub/sub RPC transport: a request/response
// call between anonymous nodes identified only by opaque ids, carried
// over a Datastore's publish/subscribe facility.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshlb/pkg/codec"
	"meshlb/pkg/idgen"
	"meshlb/pkg/model"
	"meshlb/pkg/store"
)

// DefaultTimeout is the default per-call deadline.
const DefaultTimeout = 15 * time.Second

// Handler answers a request delivered to this node's request channel.
type Handler func(ctx context.Context, payload interface{}) (interface{}, error)

// Node is one node's pub/sub RPC endpoint: it owns the request and
// result channel subscriptions and the table of calls it has in flight.
type Node struct {
	ds     store.Datastore
	selfID string
	prefix string // "RPC:" + poolID
	log    *zap.Logger

	mu      sync.Mutex
	handler Handler
	pending map[string]chan model.Response
	closed  bool

	sub store.Subscription
}

// New subscribes to this node's request and result channels and returns
// a ready Node. poolID isolates channels between logical pools sharing a
// datastore; an empty poolID defaults to "global".
func New(ctx context.Context, ds store.Datastore, selfID, poolID string, log *zap.Logger) (*Node, error) {
	if poolID == "" {
		poolID = "global"
	}
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{
		ds:      ds,
		selfID:  selfID,
		prefix:  fmt.Sprintf("RPC:%s", poolID),
		log:     log,
		pending: make(map[string]chan model.Response),
	}

	sub, err := ds.Subscribe(ctx, n.requestChannel(selfID), n.resultChannel(selfID))
	if err != nil {
		return nil, fmt.Errorf("rpc: subscribe: %w", err)
	}
	n.sub = sub
	go n.receiveLoop()
	return n, nil
}

func (n *Node) requestChannel(id string) string { return fmt.Sprintf("%s:%s", n.prefix, id) }
func (n *Node) resultChannel(id string) string  { return fmt.Sprintf("%s:%s:result", n.prefix, id) }

// SetHandler registers the local request handler. It may be changed at
// any time; concurrent in-flight requests use whichever handler is
// current when they are dispatched.
func (n *Node) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// Call issues a request to peerID and blocks until a response arrives,
// the timeout elapses, or ctx is cancelled. A zero timeout uses
// DefaultTimeout.
func (n *Node) Call(ctx context.Context, peerID string, payload interface{}, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	n.mu.Unlock()

	corrID := idgen.Correlation()
	req := model.Request{ID: corrID, Caller: n.selfID, Payload: codec.Encode(payload)}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode request: %w", err)
	}

	waitCh := make(chan model.Response, 1)
	n.mu.Lock()
	n.pending[corrID] = waitCh
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, corrID)
		n.mu.Unlock()
	}()

	delivered, err := n.ds.Publish(ctx, n.requestChannel(peerID), string(data))
	if err != nil {
		return nil, fmt.Errorf("rpc: publish: %w", err)
	}
	if delivered == 0 {
		return nil, ErrNoSuchPeer
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-waitCh:
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrHandlerError, resp.Error)
		}
		return codec.Decode(resp.Payload), nil
	case <-timer.C:
		return nil, ErrCallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) receiveLoop() {
	reqChan := n.requestChannel(n.selfID)
	resChan := n.resultChannel(n.selfID)
	for msg := range n.sub.Messages() {
		switch msg.Channel {
		case reqChan:
			go n.handleRequest(msg.Payload)
		case resChan:
			n.handleResponse(msg.Payload)
		}
	}
}

func (n *Node) handleRequest(data []byte) {
	var req model.Request
	if err := json.Unmarshal(data, &req); err != nil {
		n.log.Warn("rpc: malformed request", zap.Error(err))
		return
	}

	n.mu.Lock()
	handler := n.handler
	n.mu.Unlock()

	ctx := context.Background()
	var resp model.Response
	if handler == nil {
		resp = model.Response{ID: req.ID, Error: ErrNoHandler.Error()}
	} else {
		result, err := handler(ctx, codec.Decode(req.Payload))
		if err != nil {
			resp = model.Response{ID: req.ID, Error: err.Error()}
		} else {
			resp = model.Response{ID: req.ID, Payload: codec.Encode(result)}
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		n.log.Warn("rpc: encode response", zap.Error(err))
		return
	}
	if _, err := n.ds.Publish(ctx, n.resultChannel(req.Caller), string(data)); err != nil {
		n.log.Warn("rpc: publish response", zap.String("caller", req.Caller), zap.Error(err))
	}
}

func (n *Node) handleResponse(data []byte) {
	var resp model.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		n.log.Warn("rpc: malformed response", zap.Error(err))
		return
	}

	n.mu.Lock()
	waitCh, ok := n.pending[resp.ID]
	if ok {
		delete(n.pending, resp.ID)
	}
	n.mu.Unlock()

	if !ok {
		// Response for a call we already abandoned (timeout) or never
		// issued; late responses are simply dropped.
		return
	}
	waitCh <- resp
}

// Disconnect unsubscribes from both channels. Calls already waiting on a
// response time out normally; it does not cancel them early.
func (n *Node) Disconnect() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	return n.sub.Close()
}
