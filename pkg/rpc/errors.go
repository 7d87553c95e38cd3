package rpc

import "errors"

var (
	// ErrNoSuchPeer is returned when a publish to a peer's request
	// channel reached zero subscribers.
	ErrNoSuchPeer = errors.New("rpc: no such peer")
	// ErrCallTimeout is returned when no response arrived before the
	// caller-supplied deadline.
	ErrCallTimeout = errors.New("rpc: call timed out")
	// ErrHandlerError wraps an error surfaced by the remote handler.
	ErrHandlerError = errors.New("rpc: handler error")
	// ErrNoHandler is returned to a caller whose request reached a node
	// with no registered handler.
	ErrNoHandler = errors.New("rpc: no handler registered")
	// ErrClosed is returned by Call once the node has been disconnected.
	ErrClosed = errors.New("rpc: node disconnected")
)
