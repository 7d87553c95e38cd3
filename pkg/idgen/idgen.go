// Package idgen produces short opaque identifiers for nodes, RPC
// correlation ids, and job/reservation names.
package idgen

import (
	"crypto/rand"
	"math/big"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Default lengths: correlation ids are longer than node ids, which
// appear in datastore keys and channel names.
const (
	CorrelationLength = 10
	NodeIDLength      = 5
)

// New returns a random identifier of length n drawn from the 62-character
// alphanumeric alphabet. It is safe for concurrent use: each call draws
// its own randomness from crypto/rand rather than relying on any
// process-wide sequence.
func New(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the platform's entropy source is
			// broken; there is no meaningful degraded mode for id
			// generation, so surface it loudly rather than emit a weak id.
			panic("idgen: crypto/rand unavailable: " + err.Error())
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b)
}

// Correlation returns a new RPC correlation id.
func Correlation() string { return New(CorrelationLength) }

// NodeID returns a new node id.
func NodeID() string { return New(NodeIDLength) }
