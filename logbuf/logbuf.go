// Package logbuf implements the per-worker thread log buffer of spec §4.2: a
// fixed-size circular byte buffer with three cursors — durable_offset,
// current_xct_begin, current_xct_end — and a ring of epoch marks recording
// where each epoch's log records begin, so a Logger can slice the buffer into
// per-epoch runs without re-parsing record headers. Grounded on
// pipeline.Pipeline's availableCount/processedCount cursor pair and
// alloc.ring's wrap-around get/put/commit pointers.
package logbuf

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/quantum/epoch"
)

// EpochMark records the buffer offset at which a transaction committing in
// a new epoch first appended, per spec §4.2 "epoch-mark ring".
type EpochMark struct {
	Offset uint64
	Epoch  epoch.Epoch
}

// Buffer is the circular byte buffer owned by exactly one worker: one
// goroutine appends and advances current_xct_begin/current_xct_end, while a
// Logger goroutine reads from durable_offset up to current_xct_begin and
// advances durable_offset after the bytes are durable. The two sides
// synchronize only through the atomics below; there is no lock on the data
// array itself because their ranges never overlap.
type Buffer struct {
	data     []byte
	capacity uint64

	xctEnd        atomic.Uint64
	xctBegin      atomic.Uint64
	durableOffset atomic.Uint64

	marksMu sync.Mutex
	marks   []EpochMark
}

// NewBuffer allocates a buffer of capacityBytes, the log.log_buffer_kb
// engine option (SPEC_FULL §6) converted to bytes.
func NewBuffer(capacityBytes int) *Buffer {
	if capacityBytes <= 0 {
		panic("logbuf: capacity must be positive")
	}
	return &Buffer{
		data:     make([]byte, capacityBytes),
		capacity: uint64(capacityBytes),
	}
}

// Begin returns the buffer's current logical end, used by the owning
// transaction as an anchor: on abort, Truncate(anchor) discards everything
// appended since.
func (b *Buffer) Begin() uint64 {
	return b.xctEnd.Load()
}

// Append writes data at the current logical end and advances it, returning
// the logical offset data was written at. It fails with an overflow error
// if doing so would overwrite bytes not yet durable.
func (b *Buffer) Append(data []byte) (uint64, error) {
	if uint64(len(data)) > b.capacity {
		return 0, errors.New("logbuf: record larger than buffer capacity")
	}
	end := b.xctEnd.Load()
	durable := b.durableOffset.Load()
	if end-durable+uint64(len(data)) > b.capacity {
		return 0, errors.New("logbuf: buffer overflow, logger is not keeping up")
	}

	b.writeAt(end, data)
	b.xctEnd.Store(end + uint64(len(data)))
	return end, nil
}

func (b *Buffer) writeAt(offset uint64, data []byte) {
	pos := offset % b.capacity
	n := copy(b.data[pos:], data)
	if n < len(data) {
		copy(b.data, data[n:])
	}
}

// MarkCommit advances current_xct_begin to current_xct_end, making the
// transaction's log records eligible for drain by the Logger (spec §4.1
// step 7). If e differs from the epoch of the last recorded mark, a new
// EpochMark is appended at the offset where this transaction's records
// begin, so the Logger can find the boundary.
func (b *Buffer) MarkCommit(e epoch.Epoch) {
	begin := b.xctBegin.Load()
	end := b.xctEnd.Load()

	b.marksMu.Lock()
	if len(b.marks) == 0 || b.marks[len(b.marks)-1].Epoch != e {
		b.marks = append(b.marks, EpochMark{Offset: begin, Epoch: e})
	}
	b.marksMu.Unlock()

	b.xctBegin.Store(end)
}

// Truncate rolls current_xct_end back to ref, discarding an aborted
// transaction's appended-but-uncommitted bytes, and drops any epoch marks
// that pointed past ref.
func (b *Buffer) Truncate(ref uint64) {
	b.xctEnd.Store(ref)

	b.marksMu.Lock()
	for len(b.marks) > 0 && b.marks[len(b.marks)-1].Offset > ref {
		b.marks = b.marks[:len(b.marks)-1]
	}
	b.marksMu.Unlock()
}

// DurableOffset returns the offset up to which the Logger has confirmed
// durability.
func (b *Buffer) DurableOffset() uint64 {
	return b.durableOffset.Load()
}

// XctBegin returns current_xct_begin, the offset up to which records are
// committed and eligible for drain.
func (b *Buffer) XctBegin() uint64 {
	return b.xctBegin.Load()
}

// Pending returns the number of committed-but-not-yet-durable bytes.
func (b *Buffer) Pending() uint64 {
	return b.XctBegin() - b.DurableOffset()
}

// Peek returns a contiguous copy of the bytes in [from, to), handling the
// buffer's wraparound. Only the Logger calls this, and only with a range
// within [DurableOffset(), XctBegin()].
func (b *Buffer) Peek(from, to uint64) []byte {
	if to <= from {
		return nil
	}
	out := make([]byte, to-from)
	pos := from % b.capacity
	n := copy(out, b.data[pos:])
	if n < len(out) {
		copy(out[n:], b.data)
	}
	return out
}

// AdvanceDurable moves durable_offset forward by n bytes after the Logger
// confirms those bytes are safely on disk.
func (b *Buffer) AdvanceDurable(n uint64) {
	b.durableOffset.Add(n)
}

// MarksInRange returns the epoch marks whose offset falls within [from, to),
// in ascending order, letting the Logger split a drain range at epoch
// boundaries to emit per-epoch EpochMarkerLogType records.
func (b *Buffer) MarksInRange(from, to uint64) []EpochMark {
	b.marksMu.Lock()
	defer b.marksMu.Unlock()

	var out []EpochMark
	for _, m := range b.marks {
		if m.Offset >= from && m.Offset < to {
			out = append(out, m)
		}
	}
	return out
}

// Capacity returns the buffer's fixed byte capacity.
func (b *Buffer) Capacity() uint64 {
	return b.capacity
}
