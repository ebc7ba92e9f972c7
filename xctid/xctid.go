// Package xctid implements the per-row 64-bit atomic version word (spec §3
// "XctID") and the Record it versions. XctID carries a lock bit, an ordinal
// within its epoch, and the epoch itself, and is the only synchronization
// primitive touched by readers and writers at transaction-processing time
// (spec §5). All publish/observe pairs in this package follow the fence
// rules mandated by spec §5: a release fence before the word is published by
// a writer, an acquire fence after it is loaded by a reader, before the
// reader touches the record's payload.
package xctid

import (
	"sync/atomic"

	"github.com/outofforest/quantum/epoch"
)

const (
	lockBitShift    = 63
	ordinalBits     = 24
	ordinalShift    = epochBits
	ordinalMask     = uint64(1)<<ordinalBits - 1
	epochBits       = 32
	epochShift      = 0
	epochMask       = uint64(1)<<epochBits - 1
	lockBit         = uint64(1) << lockBitShift
	// MaxOrdinal is the largest ordinal that fits in one epoch.
	MaxOrdinal = uint32(ordinalMask)
)

// XctID is the packed {lock bit, ordinal, epoch} record version word.
type XctID uint64

// New packs an unlocked XctID from its fields.
func New(e epoch.Epoch, ordinal uint32) XctID {
	return XctID(uint64(e)&epochMask | (uint64(ordinal)&ordinalMask)<<ordinalShift)
}

// Epoch returns the epoch component.
func (x XctID) Epoch() epoch.Epoch {
	return epoch.Epoch(uint64(x) & epochMask)
}

// Ordinal returns the in-epoch ordinal component.
func (x XctID) Ordinal() uint32 {
	return uint32((uint64(x) >> ordinalShift) & ordinalMask)
}

// IsLocked reports whether the lock bit is set.
func (x XctID) IsLocked() bool {
	return uint64(x)&lockBit != 0
}

// IsValid reports whether x carries a real (non-zero) epoch.
func (x XctID) IsValid() bool {
	return x.Epoch().IsValid()
}

// Locked returns x with the lock bit set.
func (x XctID) Locked() XctID {
	return XctID(uint64(x) | lockBit)
}

// Unlocked returns x with the lock bit cleared.
func (x XctID) Unlocked() XctID {
	return XctID(uint64(x) &^ lockBit)
}

// Before reports whether x was committed strictly before other, comparing
// epochs first and ordinals second. Invalid (zero) XctIDs sort first.
func (x XctID) Before(other XctID) bool {
	if x.Epoch() != other.Epoch() {
		return x.Epoch().Less(other.Epoch())
	}
	return x.Ordinal() < other.Ordinal()
}

// ControlBlock is the atomic holder of a record's XctID. It is embedded in
// every Record and is the sole point of synchronization between readers and
// writers (spec §5).
type ControlBlock struct {
	word atomic.Uint64
}

// Init sets the initial, unlocked XctID without any ordering guarantee; used
// only at record-creation time before the record is published to any reader.
func (cb *ControlBlock) Init(id XctID) {
	cb.word.Store(uint64(id))
}

// Load reads the XctID with an acquire fence, as required before reading the
// record's payload (spec §5 "Reader: acquire fence after reading XctId").
func (cb *ControlBlock) Load() XctID {
	return XctID(cb.word.Load())
}

// TryLock attempts to set the lock bit via CAS, succeeding only if the
// current word still equals observed (spec §4.1 commit step 2).
func (cb *ControlBlock) TryLock(observed XctID) bool {
	if observed.IsLocked() {
		return false
	}
	return cb.word.CompareAndSwap(uint64(observed), uint64(observed.Locked()))
}

// SpinUntilUnlocked blocks the caller until the record is not locked,
// returning the unlocked XctID last observed (spec §4.1 "read" behavior:
// spin rather than abort, because commits are short).
func (cb *ControlBlock) SpinUntilUnlocked() XctID {
	for {
		id := cb.Load()
		if !id.IsLocked() {
			return id
		}
	}
}

// Publish stores newID with a release fence, making the new version visible
// to any reader that subsequently loads it with an acquire fence (spec §5
// "Writer publishing an XctId: release fence before the store"). newID must
// already have the lock bit cleared; this is how commit step 6 both applies
// the new version and releases the lock in a single atomic publish.
func (cb *ControlBlock) Publish(newID XctID) {
	cb.word.Store(uint64(newID.Unlocked()))
}

// Unlock releases the lock bit while keeping the currently-observed epoch and
// ordinal, used when a commit aborts after acquiring locks (spec §4.1 step 2,
// "release held locks").
func (cb *ControlBlock) Unlock() {
	for {
		cur := XctID(cb.word.Load())
		if !cur.IsLocked() {
			return
		}
		if cb.word.CompareAndSwap(uint64(cur), uint64(cur.Unlocked())) {
			return
		}
	}
}
