// Package checksum computes and verifies the blake3 checksums attached to log
// blocks and snapshot pages. It keeps two independent blake3 implementations
// so a mismatch between them on the hot path is itself a corruption signal.
package checksum

import (
	"github.com/zeebo/blake3"
	lukeblake3 "lukechampine.com/blake3"

	"github.com/outofforest/quantum/types"
)

// Sum computes the checksum of data using the primary (zeebo) implementation.
func Sum(data []byte) types.Hash {
	return types.Hash(blake3.Sum256(data))
}

// Verify recomputes the checksum of data with both available implementations
// and reports whether they agree with each other and with want.
func Verify(data []byte, want types.Hash) bool {
	got := blake3.Sum256(data)
	if types.Hash(got) != want {
		return false
	}
	// Cross-check with the second implementation so a bug specific to one
	// library can't silently mask on-disk corruption.
	gotLuke := lukeblake3.Sum256(data)
	return types.Hash(gotLuke) == want
}
