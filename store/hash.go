package store

import "crypto/sha256"

// hashBody computes the SHA-256 hash chained into the next outbox
// record's PrevHash (spec.md §3 invariants).
func hashBody(body []byte) [32]byte {
	return sha256.Sum256(body)
}
