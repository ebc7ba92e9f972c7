// Package epoch implements the engine-wide notion of time described in spec
// §3: a monotonic 32-bit counter with wrap-aware comparison.
package epoch

import "fmt"

// Invalid is the reserved value meaning "no epoch".
const Invalid Epoch = 0

// Epoch is a coarse-grained global timestamp. It advances roughly every few
// milliseconds and wraps around 2^32; ordering between two epochs is defined
// modulo that wraparound using a half-range window.
type Epoch uint32

// IsValid reports whether e is different from the reserved invalid value.
func (e Epoch) IsValid() bool {
	return e != Invalid
}

// Less reports whether e occurred strictly before other, honoring wraparound:
// e < other iff (other - e) mod 2^32 lies in (0, 2^31).
func (e Epoch) Less(other Epoch) bool {
	diff := uint32(other) - uint32(e)
	return diff != 0 && diff < 1<<31
}

// Equal reports whether e and other denote the same epoch.
func (e Epoch) Equal(other Epoch) bool {
	return e == other
}

// LessOrEqual reports whether e occurred before or at the same time as other.
func (e Epoch) LessOrEqual(other Epoch) bool {
	return e == other || e.Less(other)
}

// Next returns the successor epoch.
func (e Epoch) Next() Epoch {
	next := e + 1
	if next == Invalid {
		// Skip over the reserved value on wraparound.
		next++
	}
	return next
}

// Min returns the earlier of e and other according to Less.
func Min(e, other Epoch) Epoch {
	if other.Less(e) {
		return other
	}
	return e
}

// Max returns the later of e and other according to Less.
func Max(e, other Epoch) Epoch {
	if e.Less(other) {
		return other
	}
	return e
}

// String implements fmt.Stringer.
func (e Epoch) String() string {
	if !e.IsValid() {
		return "epoch(invalid)"
	}
	return fmt.Sprintf("epoch(%d)", uint32(e))
}
