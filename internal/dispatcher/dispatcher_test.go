package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshlb/internal/consumer"
	"meshlb/pkg/registry"
	"meshlb/pkg/rpc"
	"meshlb/pkg/store"
)

// fakeConsumer is a minimal localConsumer stand-in that records how
// many times it was invoked, so tests can assert routing decisions
// without standing up a real Scheduler/workload factory.
type fakeConsumer struct {
	load  int64
	calls int64
	name  string
}

func (f *fakeConsumer) Load() int { return int(atomic.LoadInt64(&f.load)) }

func (f *fakeConsumer) Consume(ctx context.Context, req consumer.ConsumeRequest) (consumer.ConsumeResponse, error) {
	atomic.AddInt64(&f.calls, 1)
	return consumer.ConsumeResponse{JobName: f.name}, nil
}

func (f *fakeConsumer) Close(ctx context.Context) error { return nil }

func newNode(t *testing.T, ds store.Datastore, id string) *rpc.Node {
	t.Helper()
	n, err := rpc.New(context.Background(), ds, id, "pool1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Disconnect() })
	return n
}

func newReg(t *testing.T, ds store.Datastore, id string, loadFn func() int) *registry.Client {
	t.Helper()
	c := registry.New(ds, "pool1", id, time.Hour, loadFn, nil)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// TestConsumeRoutesLocallyWhenSelfIsMin: with no lower-loaded peer
// known, the dispatcher serves the request itself.
func TestConsumeRoutesLocallyWhenSelfIsMin(t *testing.T) {
	ds := store.NewMemDatastore()
	ctx := context.Background()

	local := &fakeConsumer{load: 0, name: "local-job"}
	node := newNode(t, ds, "nodeA")
	reg := newReg(t, ds, "nodeA", local.Load)

	d := New("nodeA", local, node, reg, 0, nil)
	defer d.Close(ctx)

	resp, err := d.Consume(ctx, consumer.ConsumeRequest{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)
	require.Equal(t, "local-job", resp.JobName)
	require.EqualValues(t, 1, local.calls)
}

// TestConsumeRoutesToLessLoadedPeer: a known peer with lower load
// receives the request instead of being served locally.
func TestConsumeRoutesToLessLoadedPeer(t *testing.T) {
	ds := store.NewMemDatastore()
	ctx := context.Background()

	localC := &fakeConsumer{load: 10, name: "local-job"}
	peerC := &fakeConsumer{load: 0, name: "peer-job"}

	nodeA := newNode(t, ds, "nodeA")
	nodeB := newNode(t, ds, "nodeB")
	regA := newReg(t, ds, "nodeA", localC.Load)
	regB := newReg(t, ds, "nodeB", peerC.Load)

	dB := New("nodeB", peerC, nodeB, regB, 0, nil)
	defer dB.Close(ctx)
	dA := New("nodeA", localC, nodeA, regA, 0, nil)
	defer dA.Close(ctx)

	// Force both nodes' loads into the shared registry immediately
	// rather than waiting out the periodic report interval.
	regA.OnLoadChange(ctx)
	regB.OnLoadChange(ctx)
	require.Eventually(t, func() bool {
		snap, err := regA.FetchLoads(ctx)
		l, ok := snap.Loads["nodeB"]
		return err == nil && ok && l == 0
	}, 4*time.Second, 50*time.Millisecond)

	resp, err := dA.Consume(ctx, consumer.ConsumeRequest{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)
	require.Equal(t, "peer-job", resp.JobName)
	require.EqualValues(t, 0, localC.calls)
	require.EqualValues(t, 1, peerC.calls)
}

// TestConsumeFallsBackToLocalWhenPeerVanished: the registry still
// lists a peer whose node is gone, so the RPC call returns NoSuchPeer
// and the dispatcher must still answer locally.
func TestConsumeFallsBackToLocalWhenPeerVanished(t *testing.T) {
	ds := store.NewMemDatastore()
	ctx := context.Background()

	local := &fakeConsumer{load: 5, name: "local-job"}
	node := newNode(t, ds, "nodeA")
	reg := newReg(t, ds, "nodeA", local.Load)

	// Plant a stale load entry for a peer that never subscribed.
	require.NoError(t, ds.Set(ctx, "RDB:pool1:ghost", "0", time.Minute))

	d := New("nodeA", local, node, reg, 200*time.Millisecond, nil)
	defer d.Close(ctx)

	resp, err := d.Consume(ctx, consumer.ConsumeRequest{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)
	require.Equal(t, "local-job", resp.JobName)
	require.EqualValues(t, 1, local.calls)
}

// TestConsumeStaysLocalWhileDatastoreOffline: routing degrades to
// local-only service when the shared datastore is down, exactly once
// per Consume call (no silent double service).
func TestConsumeStaysLocalWhileDatastoreOffline(t *testing.T) {
	ds := store.NewMemDatastore()
	ctx := context.Background()

	local := &fakeConsumer{load: 1, name: "local-job"}
	node := newNode(t, ds, "nodeA")
	reg := newReg(t, ds, "nodeA", local.Load)

	require.Eventually(t, func() bool { return reg.Online() }, time.Second, 5*time.Millisecond)
	ds.SetOffline(true)
	require.Eventually(t, func() bool { return !reg.Online() }, time.Second, 5*time.Millisecond)

	d := New("nodeA", local, node, reg, 0, nil)
	defer func() {
		ds.SetOffline(false)
		d.Close(ctx)
	}()

	resp, err := d.Consume(ctx, consumer.ConsumeRequest{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)
	require.Equal(t, "local-job", resp.JobName)
	require.EqualValues(t, 1, local.calls)
}

func TestConsumeFailsAfterClose(t *testing.T) {
	ds := store.NewMemDatastore()
	ctx := context.Background()

	local := &fakeConsumer{name: "local-job"}
	node := newNode(t, ds, "nodeA")
	reg := newReg(t, ds, "nodeA", local.Load)

	d := New("nodeA", local, node, reg, 0, nil)
	require.NoError(t, d.Close(ctx))

	_, err := d.Consume(ctx, consumer.ConsumeRequest{PlayerIDs: []string{"p1"}})
	require.ErrorIs(t, err, ErrClosed)
}
