package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshlb/pkg/store"
)

func TestOnLoadChangeCoalescesWithinThrottleWindow(t *testing.T) {
	ds := store.NewMemDatastore()
	var load atomic.Int64
	load.Store(1)

	c := New(ds, "pool1", "nodeA", time.Hour, func() int { return int(load.Load()) }, nil)
	defer c.Close(context.Background())

	ctx := context.Background()
	c.OnLoadChange(ctx)
	load.Store(2)
	c.OnLoadChange(ctx)
	load.Store(3)
	c.OnLoadChange(ctx)

	time.Sleep(1200 * time.Millisecond)

	val, ok, err := ds.Get(ctx, "RDB:pool1:nodeA")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", val, "the coalesced write must reflect the latest load at fire time")
}

func TestFetchLoadsThrottlesReads(t *testing.T) {
	ds := store.NewMemDatastore()
	ctx := context.Background()
	require.NoError(t, ds.Set(ctx, "RDB:pool1:peerA", "5", time.Minute))

	c := New(ds, "pool1", "self", time.Hour, func() int { return 0 }, nil)
	defer c.Close(ctx)

	snap, err := c.FetchLoads(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, snap.Loads["peerA"])

	require.NoError(t, ds.Set(ctx, "RDB:pool1:peerA", "99", time.Minute))
	cached, err := c.FetchLoads(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, cached.Loads["peerA"], "within the throttle window the cached snapshot is returned")

	time.Sleep(1100 * time.Millisecond)
	fresh, err := c.FetchLoads(ctx)
	require.NoError(t, err)
	require.Equal(t, 99, fresh.Loads["peerA"])
}

func TestOnlineOfflineTracksDatastoreSignals(t *testing.T) {
	ds := store.NewMemDatastore()
	c := New(ds, "pool1", "nodeA", time.Hour, func() int { return 0 }, nil)
	defer c.Close(context.Background())

	require.True(t, c.Online())

	ds.SetOffline(true)
	require.Eventually(t, func() bool { return !c.Online() }, time.Second, 5*time.Millisecond)

	ds.SetOffline(false)
	require.Eventually(t, func() bool { return c.Online() }, time.Second, 5*time.Millisecond)
}

func TestCloseRemovesLoadKey(t *testing.T) {
	ds := store.NewMemDatastore()
	ctx := context.Background()
	c := New(ds, "pool1", "nodeA", time.Hour, func() int { return 4 }, nil)
	c.OnLoadChange(ctx)
	time.Sleep(1100 * time.Millisecond)

	_, ok, err := ds.Get(ctx, "RDB:pool1:nodeA")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Close(ctx))
	_, ok, err = ds.Get(ctx, "RDB:pool1:nodeA")
	require.NoError(t, err)
	require.False(t, ok)
}
