// Package xct implements the optimistic-concurrency-control transaction
// context described in spec §4.1: a bounded read-set/write-set, the
// CAS-based commit protocol, and the abort kinds of spec §7. It is grounded
// on the staging pattern in tx/transfer/transfer.go (stage reads and writes,
// then commit-or-abort as a unit) and on pipeline.TransactionRequest's
// request/response shape.
package xct

import (
	"sort"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/outofforest/quantum/epoch"
	"github.com/outofforest/quantum/types"
	"github.com/outofforest/quantum/xctid"
)

// DefaultMaxReadSetSize is R_max (spec §3 `read_set[≤R_max]`): the hard
// capacity of a transaction's read set. Read returns READ_SET_OVERFLOW once
// the set is already at this size (spec §8: "Read set exactly at R_max
// validates; one more entry returns READ_SET_OVERFLOW").
const DefaultMaxReadSetSize = 1024

// DefaultMaxWriteSetSize is W_max, the write-set bound.
const DefaultMaxWriteSetSize = 256

// DefaultLargeReadSetThreshold is the commit-time validation bound of spec
// §4.1 step 4 ("LARGEREADSET_ABORT: read set too large to validate within
// the configured bound"), distinct from R_max: a transaction may accumulate
// up to R_max read-set entries without Read itself objecting, but Commit
// refuses to pay for validating more than this many of them. spec.md §9
// leaves the exact threshold configuration-dependent ("pick a single
// documented threshold rather than guessing"); this is that threshold,
// set equal to R_max so that a read set exactly at R_max still validates.
// Read never lets the set grow past R_max, so with the defaults Commit does
// not return LARGEREADSET_ABORT; a smaller SetLargeReadSetThreshold value
// makes it reachable.
const DefaultLargeReadSetThreshold = DefaultMaxReadSetSize

// IsolationLevel selects how a transaction's reads are validated at commit
// time (spec §4.1, SPEC_FULL §3 collapsing FOEDUS's various dirty-read
// flavors into one DirtyRead mode).
type IsolationLevel uint8

// IsolationLevel values.
const (
	// Serializable is the default: every read is added to the read set and
	// revalidated at commit.
	Serializable IsolationLevel = iota
	// DirtyRead skips read-set tracking and validation entirely; reads
	// observe whatever version is currently visible, possibly torn.
	DirtyRead
)

// State is the per-transaction lifecycle state (spec §4.1).
type State uint8

// State values.
const (
	Idle State = iota
	Active
	Committing
	Committed
	Aborted
)

// ReadSetEntry records an observed version for later revalidation.
type ReadSetEntry struct {
	StorageID types.StorageID
	Record    *xctid.Record
	Observed  xctid.XctID
}

// WriteSetEntry records a pending write. Apply mutates the record's payload
// in place; it is invoked at commit step 6, after all write-set locks are
// held and before the new XctID is published.
type WriteSetEntry struct {
	StorageID types.StorageID
	Record    *xctid.Record
	Observed  xctid.XctID
	LogRef    uint64
	Apply     func()
}

// LogBuffer is the subset of logbuf.Buffer the commit protocol drives: an
// anchor to truncate back to on abort, and a commit marker that folds the
// transaction's log records into the durable stream (spec §4.1 step 7).
type LogBuffer interface {
	Begin() uint64
	Append(data []byte) (uint64, error)
	MarkCommit(e epoch.Epoch)
	Truncate(ref uint64)
}

// EpochProvider supplies the commit epoch and an ordinal within it that is
// guaranteed greater than any ordinal the transaction has observed (spec
// §4.1 step 5).
type EpochProvider interface {
	CurrentEpoch() epoch.Epoch
	NextOrdinal(e epoch.Epoch, atLeast uint32) uint32
}

// Xct is a single worker's transaction context. It is reused across
// transactions by the owning worker (Begin resets it) rather than allocated
// per transaction, mirroring the teacher's pooled-request style
// (mass.Pool-backed reuse in tx/transfer.go).
type Xct struct {
	log   LogBuffer
	epp   EpochProvider
	state State

	isolation IsolationLevel
	readSet   []ReadSetEntry
	writeSet  []WriteSetEntry
	maxRead   int
	maxWrite  int
	largeRead int

	beginRef    uint64
	maxSeen     uint32
	maxSeenOK   bool
	activeEpoch epoch.Epoch

	hotThreshold uint32
}

// New creates an Xct bound to a worker's log buffer and epoch provider. Hot
// record routing (storage.hot_threshold) starts disabled; see SetHotThreshold.
func New(log LogBuffer, epp EpochProvider) *Xct {
	return &Xct{
		log:          log,
		epp:          epp,
		maxRead:      DefaultMaxReadSetSize,
		maxWrite:     DefaultMaxWriteSetSize,
		largeRead:    DefaultLargeReadSetThreshold,
		hotThreshold: xctid.HotThresholdMax + 1,
	}
}

// SetHotThreshold sets storage.hot_threshold: records whose Hotness() meets
// or exceeds threshold are read through the pessimistic path instead of the
// optimistic one (SPEC_FULL §3). A threshold above xctid.HotThresholdMax
// disables pessimistic routing entirely, since no record can ever reach it.
func (x *Xct) SetHotThreshold(threshold uint32) {
	x.hotThreshold = threshold
}

// SetBounds overrides R_max/W_max for this transaction context.
func (x *Xct) SetBounds(maxReadSet, maxWriteSet int) {
	x.maxRead = maxReadSet
	x.maxWrite = maxWriteSet
}

// SetLargeReadSetThreshold overrides the commit-time LARGEREADSET_ABORT
// validation bound (DefaultLargeReadSetThreshold by default).
func (x *Xct) SetLargeReadSetThreshold(threshold int) {
	x.largeRead = threshold
}

// State returns the transaction's current lifecycle state.
func (x *Xct) State() State {
	return x.state
}

// Begin transitions Idle -> Active, resetting the read/write sets and
// anchoring the log buffer for a possible abort-time truncation.
func (x *Xct) Begin(isolation IsolationLevel) error {
	if x.state != Idle && x.state != Aborted && x.state != Committed {
		return errors.Errorf("cannot begin transaction in state %d", x.state)
	}
	x.isolation = isolation
	x.readSet = x.readSet[:0]
	x.writeSet = x.writeSet[:0]
	x.maxSeenOK = false
	x.maxSeen = 0
	x.beginRef = x.log.Begin()
	x.activeEpoch = x.epp.CurrentEpoch()
	x.state = Active
	return nil
}

// ObservedEpoch implements xctmgr.Observer: the epoch this worker's
// transaction is currently stamped with, or the manager's current epoch when
// idle (spec §4.4 grace_epoch must not retire an epoch some worker's active
// transaction still belongs to).
func (x *Xct) ObservedEpoch() epoch.Epoch {
	if x.state == Active {
		return x.activeEpoch
	}
	return x.epp.CurrentEpoch()
}

func (x *Xct) observe(id xctid.XctID) {
	if !x.maxSeenOK || id.Ordinal() > x.maxSeen {
		x.maxSeen = id.Ordinal()
		x.maxSeenOK = true
	}
}

// Read stages a read of rec, spinning past any concurrent lock holder (spec
// §4.1 "read" behavior) and, under Serializable isolation, appending the
// observation to the read set for commit-time revalidation. It returns the
// payload bytes visible at the observed version.
func (x *Xct) Read(storageID types.StorageID, rec *xctid.Record) ([]byte, error) {
	if x.state != Active {
		return nil, errors.Errorf("cannot read in state %d", x.state)
	}

	hot := rec.Touch() >= x.hotThreshold
	if x.isolation != DirtyRead && hot {
		return rec.AcquireReadLockPessimistic(), nil
	}

	id := rec.SpinUntilUnlocked()

	if x.isolation == DirtyRead {
		return rec.Payload, nil
	}

	if len(x.readSet) >= x.maxRead {
		return nil, NewError(ReadSetOverflow)
	}

	x.observe(id)
	x.readSet = append(x.readSet, ReadSetEntry{
		StorageID: storageID,
		Record:    rec,
		Observed:  id,
	})
	return rec.Payload, nil
}

// Write stages a write of rec. logPayload is serialized into the log buffer
// immediately (spec §4.2: log records are written as the transaction runs,
// not deferred to commit); apply is invoked at commit time, after the
// record's lock is held, to materialize the new payload in place.
func (x *Xct) Write(storageID types.StorageID, rec *xctid.Record, logPayload []byte, apply func()) error {
	if x.state != Active {
		return errors.Errorf("cannot write in state %d", x.state)
	}
	if len(x.writeSet) >= x.maxWrite {
		return NewError(WriteSetOverflow)
	}

	observed := rec.Load()
	x.observe(observed.Unlocked())

	ref, err := x.log.Append(logPayload)
	if err != nil {
		return errors.WithStack(err)
	}

	x.writeSet = append(x.writeSet, WriteSetEntry{
		StorageID: storageID,
		Record:    rec,
		Observed:  observed.Unlocked(),
		LogRef:    ref,
		Apply:     apply,
	})
	return nil
}

// Commit runs the full commit protocol (spec §4.1 steps 1-7) and returns the
// XctID assigned to the transaction's writes, or an *Error abort kind.
func (x *Xct) Commit() (xctid.XctID, error) {
	if x.state != Active {
		return 0, errors.Errorf("cannot commit in state %d", x.state)
	}
	x.state = Committing

	if len(x.writeSet) == 0 {
		// Read-only transactions still revalidate (step 4) but never lock.
		if len(x.readSet) > x.largeRead {
			x.state = Aborted
			x.log.Truncate(x.beginRef)
			return 0, NewError(LargeReadSetAbort)
		}
		if ok := x.validateReadSet(nil); !ok {
			x.state = Aborted
			x.log.Truncate(x.beginRef)
			return 0, NewError(RaceAbort)
		}
		x.state = Committed
		x.state = Idle
		return 0, nil
	}

	// Step 1: sort the write set by (storageID, record address) so that all
	// workers acquire locks in the same global order, preventing deadlock.
	order := make([]int, len(x.writeSet))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ea, eb := x.writeSet[order[a]], x.writeSet[order[b]]
		if ea.StorageID != eb.StorageID {
			return ea.StorageID < eb.StorageID
		}
		return recordAddr(ea.Record) < recordAddr(eb.Record)
	})

	// Step 2: acquire locks in order, rolling back on the first failure.
	locked := make(map[*xctid.Record]struct{}, len(x.writeSet))
	for _, idx := range order {
		entry := x.writeSet[idx]
		if !entry.Record.TryLock(entry.Observed) {
			for held := range locked {
				held.Unlock()
			}
			x.state = Aborted
			x.log.Truncate(x.beginRef)
			return 0, NewError(RaceAbort)
		}
		locked[entry.Record] = struct{}{}
	}

	// Step 3: release-acquire fence. sync/atomic's CompareAndSwap already
	// establishes the release side; TryLock above is the fence.

	// Step 4: revalidate the read set against the locks just acquired, after
	// first checking it is not too large to be worth validating at all
	// (LARGEREADSET_ABORT, spec §4.1 step 4).
	if len(x.readSet) > x.largeRead {
		for held := range locked {
			held.Unlock()
		}
		x.state = Aborted
		x.log.Truncate(x.beginRef)
		return 0, NewError(LargeReadSetAbort)
	}
	if !x.validateReadSet(locked) {
		for held := range locked {
			held.Unlock()
		}
		x.state = Aborted
		x.log.Truncate(x.beginRef)
		return 0, NewError(RaceAbort)
	}

	// Step 5: obtain the commit epoch and an ordinal greater than any
	// observed ordinal in that epoch.
	commitEpoch := x.epp.CurrentEpoch()
	atLeast := uint32(0)
	if x.maxSeenOK {
		atLeast = x.maxSeen + 1
	}
	ordinal := x.epp.NextOrdinal(commitEpoch, atLeast)
	newID := xctid.New(commitEpoch, ordinal)

	// Step 6: apply writes and publish the new version, releasing each lock.
	for _, idx := range order {
		entry := x.writeSet[idx]
		if entry.Apply != nil {
			entry.Apply()
		}
		entry.Record.Publish(newID)
	}

	// Step 7: fold this transaction's log records into the durable stream.
	x.log.MarkCommit(commitEpoch)

	x.state = Committed
	x.state = Idle
	return newID, nil
}

// validateReadSet checks that every read-set entry's record still carries
// the observed version (spec §4.1 step 4). Records the caller itself holds
// the lock on (via locked) are expected to show the lock bit set and are
// compared on their unlocked version only.
func (x *Xct) validateReadSet(locked map[*xctid.Record]struct{}) bool {
	for _, entry := range x.readSet {
		current := entry.Record.Load()
		if current.Unlocked() != entry.Observed.Unlocked() {
			return false
		}
		if current.IsLocked() {
			if locked == nil {
				return false
			}
			if _, ok := locked[entry.Record]; !ok {
				return false
			}
		}
	}
	return true
}

// Abort discards the transaction's staged writes, truncating the log buffer
// back to the begin anchor, and transitions to Idle.
func (x *Xct) Abort(kind ErrorKind) error {
	if x.state != Active && x.state != Committing {
		return errors.Errorf("cannot abort in state %d", x.state)
	}
	x.log.Truncate(x.beginRef)
	x.state = Aborted
	x.state = Idle
	if kind == OK {
		return nil
	}
	return NewError(kind)
}

func recordAddr(r *xctid.Record) uintptr {
	return uintptr(unsafe.Pointer(r))
}
