package model

import "time"

// LoadSnapshot is the load registry's view of every peer's last known
// load, as of ObservedAt. Entries are not individually timestamped: the
// whole snapshot is replaced on each throttled fetch.
type LoadSnapshot struct {
	ObservedAt time.Time
	Loads      map[string]int
}

// Min returns the peer id with the lowest load in the snapshot, treating
// selfLoad as an additional candidate for selfID. Ties are broken in
// favor of selfID. Returns selfID, selfLoad when the snapshot is empty.
func (s LoadSnapshot) Min(selfID string, selfLoad int) (peerID string, load int) {
	peerID, load = selfID, selfLoad
	for id, l := range s.Loads {
		if id == selfID {
			continue
		}
		if l < load {
			peerID, load = id, l
		}
	}
	return peerID, load
}
