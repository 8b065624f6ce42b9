// Package zero provides explicit buffer wiping, reproduced locally in the
// style of the teacher's core/utils helpers since that package does not
// itself export a Bzero-equivalent.
package zero

// Bytes overwrites b in place with zero bytes. It does not prevent the
// compiler from eliding the write in all cases, but matches the
// best-effort zeroing used throughout the ratchet and store layers.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
