package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshlb/pkg/store"
)

func newPeers(t *testing.T) (ds *store.MemDatastore, a, b *Node) {
	t.Helper()
	ds = store.NewMemDatastore()
	ctx := context.Background()

	var err error
	a, err = New(ctx, ds, "nodeA", "pool1", nil)
	require.NoError(t, err)
	b, err = New(ctx, ds, "nodeB", "pool1", nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = a.Disconnect()
		_ = b.Disconnect()
	})
	return ds, a, b
}

func TestCallRoutesToPeerHandler(t *testing.T) {
	_, a, b := newPeers(t)

	var gotPayload interface{}
	b.SetHandler(func(ctx context.Context, payload interface{}) (interface{}, error) {
		gotPayload = payload
		return map[string]interface{}{"echo": payload}, nil
	})

	result, err := a.Call(context.Background(), "nodeB", "hello", time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", gotPayload)
	require.Equal(t, map[string]interface{}{"echo": "hello"}, result)
}

func TestCallNoSuchPeer(t *testing.T) {
	_, a, _ := newPeers(t)
	_, err := a.Call(context.Background(), "ghost", "hi", time.Second)
	require.ErrorIs(t, err, ErrNoSuchPeer)
}

func TestCallTimeout(t *testing.T) {
	_, a, b := newPeers(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	b.SetHandler(func(ctx context.Context, payload interface{}) (interface{}, error) {
		<-block
		return nil, nil
	})

	_, err := a.Call(context.Background(), "nodeB", "hi", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrCallTimeout)
}

func TestCallHandlerError(t *testing.T) {
	_, a, b := newPeers(t)
	b.SetHandler(func(ctx context.Context, payload interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})

	_, err := a.Call(context.Background(), "nodeB", "hi", time.Second)
	require.ErrorIs(t, err, ErrHandlerError)
	require.Contains(t, err.Error(), "boom")
}

func TestCallNoHandlerRegistered(t *testing.T) {
	ds := store.NewMemDatastore()
	ctx := context.Background()
	c, err := New(ctx, ds, "nodeC", "pool1", nil)
	require.NoError(t, err)
	defer c.Disconnect()

	_, err = c.Call(ctx, "nodeC", "hi", time.Second)
	// Calling self is allowed at the transport layer (only the
	// dispatcher forbids it); with no handler registered it surfaces as
	// a handler error.
	require.ErrorIs(t, err, ErrHandlerError)
	require.Contains(t, err.Error(), ErrNoHandler.Error())
}

func TestCallAfterDisconnectFails(t *testing.T) {
	_, a, _ := newPeers(t)
	require.NoError(t, a.Disconnect())
	_, err := a.Call(context.Background(), "nodeB", "hi", time.Second)
	require.ErrorIs(t, err, ErrClosed)
}

func TestLateResponseDroppedAfterTimeout(t *testing.T) {
	_, a, b := newPeers(t)
	release := make(chan struct{})

	b.SetHandler(func(ctx context.Context, payload interface{}) (interface{}, error) {
		<-release
		return "late", nil
	})

	_, err := a.Call(context.Background(), "nodeB", "hi", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrCallTimeout)

	close(release)
	// Give the handler goroutine time to publish its now-abandoned
	// response; it must not panic or resurrect a completed call.
	time.Sleep(50 * time.Millisecond)
}
