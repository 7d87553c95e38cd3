package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSnapshotMinTiesGoLocal(t *testing.T) {
	snap := LoadSnapshot{Loads: map[string]int{"peerA": 3, "peerB": 3}}
	id, load := snap.Min("self", 3)
	require.Equal(t, "self", id)
	require.Equal(t, 3, load)
}

func TestLoadSnapshotMinPrefersLowerPeer(t *testing.T) {
	snap := LoadSnapshot{Loads: map[string]int{"peerA": 1, "peerB": 5}}
	id, load := snap.Min("self", 3)
	require.Equal(t, "peerA", id)
	require.Equal(t, 1, load)
}

func TestLoadSnapshotMinEmpty(t *testing.T) {
	snap := LoadSnapshot{}
	id, load := snap.Min("self", 7)
	require.Equal(t, "self", id)
	require.Equal(t, 7, load)
}
