package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLength(t *testing.T) {
	require.Len(t, New(10), 10)
	require.Len(t, New(5), 5)
	require.Len(t, New(0), 0)
}

func TestNewAlphabet(t *testing.T) {
	id := New(200)
	for _, r := range id {
		require.Contains(t, alphabet, string(r))
	}
}

func TestNewConcurrentNoCollisions(t *testing.T) {
	const n = 2000
	ids := make(chan string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ids <- New(CorrelationLength)
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, n)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "collision: %s", id)
		seen[id] = struct{}{}
	}
}

func TestCorrelationAndNodeIDLengths(t *testing.T) {
	require.Len(t, Correlation(), CorrelationLength)
	require.Len(t, NodeID(), NodeIDLength)
}
