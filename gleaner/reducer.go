package gleaner

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"io"
	"os"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/outofforest/quantum/epoch"
	"github.com/outofforest/quantum/types"
)

// ReducedRecord is one surviving (storage_id, key) -> value mapping after
// newer-wins de-duplication, produced by a Reducer in ascending key order
// for the Composer to consume (spec §4.7).
type ReducedRecord struct {
	StorageID types.StorageID
	Key       uint64
	Epoch     epoch.Epoch
	Seq       uint64
	Value     []byte
}

type mergeKey struct {
	StorageID types.StorageID
	Key       uint64
}

func (r ReducedRecord) mergeKey() mergeKey {
	return mergeKey{StorageID: r.StorageID, Key: r.Key}
}

func lessKey(a, b mergeKey) bool {
	if a.StorageID != b.StorageID {
		return a.StorageID < b.StorageID
	}
	return a.Key < b.Key
}

// newer reports whether a committed strictly after b, by (epoch, seq) —
// the in-stream approximation of spec §4.7's "(epoch, ordinal), newer wins"
// used because a record's final commit ordinal is not known at the time it
// is appended to its worker's log buffer (see DESIGN.md).
func newer(a, b ReducedRecord) bool {
	if a.Epoch != b.Epoch {
		return b.Epoch.Less(a.Epoch)
	}
	return a.Seq > b.Seq
}

// InMemorySortedBuffer keeps reduced records ordered by (storage_id, key) in
// a google/btree map, applying newer-wins de-duplication as records arrive
// (spec §4.7 "small runs are kept in memory").
type InMemorySortedBuffer struct {
	tree  *btree.BTreeG[ReducedRecord]
	count int
}

// NewInMemorySortedBuffer creates an empty buffer.
func NewInMemorySortedBuffer() *InMemorySortedBuffer {
	return &InMemorySortedBuffer{
		tree: btree.NewG(32, func(a, b ReducedRecord) bool {
			return lessKey(a.mergeKey(), b.mergeKey())
		}),
	}
}

// Put inserts r, replacing any existing record for the same key only if r
// is newer.
func (b *InMemorySortedBuffer) Put(r ReducedRecord) {
	if existing, ok := b.tree.Get(r); ok {
		if !newer(r, existing) {
			return
		}
		b.tree.ReplaceOrInsert(r)
		return
	}
	b.tree.ReplaceOrInsert(r)
	b.count++
}

// Len returns the number of distinct keys held.
func (b *InMemorySortedBuffer) Len() int {
	return b.count
}

// Ascend visits every record in ascending (storage_id, key) order.
func (b *InMemorySortedBuffer) Ascend(fn func(ReducedRecord) bool) {
	b.tree.Ascend(fn)
}

// SortedSource yields ReducedRecords in ascending (storage_id, key) order,
// one call at a time.
type SortedSource interface {
	Next() (ReducedRecord, bool, error)
}

type sliceSource struct {
	items []ReducedRecord
	idx   int
}

func newSliceSource(buf *InMemorySortedBuffer) *sliceSource {
	items := make([]ReducedRecord, 0, buf.Len())
	buf.Ascend(func(r ReducedRecord) bool {
		items = append(items, r)
		return true
	})
	return &sliceSource{items: items}
}

func (s *sliceSource) Next() (ReducedRecord, bool, error) {
	if s.idx >= len(s.items) {
		return ReducedRecord{}, false, nil
	}
	r := s.items[s.idx]
	s.idx++
	return r, true, nil
}

const runRecordHeaderSize = 8 + 8 + 4 + 8 + 4 // storageID, key, epoch, seq, valueLen

// DumpFileSortedBuffer is an on-disk spill of an InMemorySortedBuffer once
// it exceeds its configured size (spec §4.7 "spillover is written as run
// files"). Its records are written in ascending order, so reading it back
// is a plain sequential scan.
type DumpFileSortedBuffer struct {
	path string
}

// Spill writes buf's records, in ascending order, to a new temp file under
// dir.
func Spill(dir string, buf *InMemorySortedBuffer) (*DumpFileSortedBuffer, error) {
	f, err := os.CreateTemp(dir, "reducer-run-*.tmp")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var writeErr error
	buf.Ascend(func(r ReducedRecord) bool {
		if err := writeRunRecord(w, r); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		return nil, writeErr
	}
	if err := w.Flush(); err != nil {
		return nil, errors.WithStack(err)
	}
	return &DumpFileSortedBuffer{path: f.Name()}, nil
}

func writeRunRecord(w *bufio.Writer, r ReducedRecord) error {
	hdr := make([]byte, runRecordHeaderSize)
	binary.BigEndian.PutUint64(hdr[0:8], uint64(r.StorageID))
	binary.BigEndian.PutUint64(hdr[8:16], r.Key)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(r.Epoch))
	binary.BigEndian.PutUint64(hdr[20:28], r.Seq)
	binary.BigEndian.PutUint32(hdr[28:32], uint32(len(r.Value)))
	if _, err := w.Write(hdr); err != nil {
		return errors.WithStack(err)
	}
	if _, err := w.Write(r.Value); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Cursor opens the run file for sequential ascending read.
func (d *DumpFileSortedBuffer) Cursor() (*RunCursor, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &RunCursor{f: f, r: bufio.NewReader(f)}, nil
}

// Close removes the run file from disk.
func (d *DumpFileSortedBuffer) Close() error {
	return errors.WithStack(os.Remove(d.path))
}

// RunCursor sequentially reads ReducedRecords back out of a spilled run
// file. It satisfies SortedSource and io.Closer.
type RunCursor struct {
	f *os.File
	r *bufio.Reader
}

// Next implements SortedSource.
func (c *RunCursor) Next() (ReducedRecord, bool, error) {
	hdr := make([]byte, runRecordHeaderSize)
	if _, err := io.ReadFull(c.r, hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ReducedRecord{}, false, nil
		}
		return ReducedRecord{}, false, errors.WithStack(err)
	}
	valueLen := binary.BigEndian.Uint32(hdr[28:32])
	value := make([]byte, valueLen)
	if _, err := io.ReadFull(c.r, value); err != nil {
		return ReducedRecord{}, false, errors.WithStack(err)
	}
	return ReducedRecord{
		StorageID: types.StorageID(binary.BigEndian.Uint64(hdr[0:8])),
		Key:       binary.BigEndian.Uint64(hdr[8:16]),
		Epoch:     epoch.Epoch(binary.BigEndian.Uint32(hdr[16:20])),
		Seq:       binary.BigEndian.Uint64(hdr[20:28]),
		Value:     value,
	}, true, nil
}

// Close closes the underlying file.
func (c *RunCursor) Close() error {
	return errors.WithStack(c.f.Close())
}

// PeekSource adds one-record lookahead to a SortedSource, letting the
// Composer test the next record's (storage_id, key) without consuming it —
// needed because a single merged stream spans every storage the Composer
// folds, one after another in ascending order.
type PeekSource struct {
	src      SortedSource
	buf      ReducedRecord
	buffered bool
}

// NewPeekSource wraps src with one-record lookahead.
func NewPeekSource(src SortedSource) *PeekSource {
	return &PeekSource{src: src}
}

// Peek returns the next record without consuming it.
func (p *PeekSource) Peek() (ReducedRecord, bool, error) {
	if !p.buffered {
		rec, ok, err := p.src.Next()
		if err != nil {
			return ReducedRecord{}, false, err
		}
		if !ok {
			return ReducedRecord{}, false, nil
		}
		p.buf, p.buffered = rec, true
	}
	return p.buf, true, nil
}

// Advance discards the currently peeked record.
func (p *PeekSource) Advance() {
	p.buffered = false
}

type mergeItem struct {
	src SortedSource
	rec ReducedRecord
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	ki, kj := h[i].rec.mergeKey(), h[j].rec.mergeKey()
	if ki != kj {
		return lessKey(ki, kj)
	}
	return newer(h[i].rec, h[j].rec)
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type mergedSource struct {
	h mergeHeap
}

// mergeSources k-way merges already-sorted sources into one ascending,
// newer-wins-de-duplicated SortedSource (spec §4.7 "multi-way merged on
// demand").
func mergeSources(sources []SortedSource) (SortedSource, error) {
	m := &mergedSource{}
	for _, s := range sources {
		rec, ok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Push(&m.h, &mergeItem{src: s, rec: rec})
		}
	}
	return m, nil
}

func (m *mergedSource) Next() (ReducedRecord, bool, error) {
	if m.h.Len() == 0 {
		return ReducedRecord{}, false, nil
	}

	top := heap.Pop(&m.h).(*mergeItem)
	rec := top.rec
	if err := m.refill(top); err != nil {
		return ReducedRecord{}, false, err
	}

	for m.h.Len() > 0 && m.h[0].rec.mergeKey() == rec.mergeKey() {
		dup := heap.Pop(&m.h).(*mergeItem)
		if newer(dup.rec, rec) {
			rec = dup.rec
		}
		if err := m.refill(dup); err != nil {
			return ReducedRecord{}, false, err
		}
	}
	return rec, true, nil
}

func (m *mergedSource) refill(item *mergeItem) error {
	next, ok, err := item.src.Next()
	if err != nil {
		return err
	}
	if ok {
		item.rec = next
		heap.Push(&m.h, item)
	}
	return nil
}

// Reducer merges the MappedRecords of one NUMA node's partitions into a
// single ascending, newer-wins-de-duplicated stream (spec §4.7 "Reducer:
// one per NUMA node"). Small runs stay in memory; once a run exceeds
// spillAt distinct keys it is written to disk and a fresh buffer started.
type Reducer struct {
	dir     string
	spillAt int
	mem     *InMemorySortedBuffer
	runs    []*DumpFileSortedBuffer
}

// NewReducer creates a Reducer spilling to dir once a run holds more than
// spillAt distinct keys.
func NewReducer(dir string, spillAt int) *Reducer {
	return &Reducer{dir: dir, spillAt: spillAt, mem: NewInMemorySortedBuffer()}
}

// Put feeds one mapped record into the reducer.
func (r *Reducer) Put(m MappedRecord) error {
	r.mem.Put(ReducedRecord{StorageID: m.StorageID, Key: m.Key, Epoch: m.Epoch, Seq: m.Seq, Value: m.Value})
	if r.spillAt > 0 && r.mem.Len() > r.spillAt {
		return r.spill()
	}
	return nil
}

func (r *Reducer) spill() error {
	run, err := Spill(r.dir, r.mem)
	if err != nil {
		return err
	}
	r.runs = append(r.runs, run)
	r.mem = NewInMemorySortedBuffer()
	return nil
}

// Finish closes out ingestion and returns the fully merged, ascending,
// de-duplicated stream of ReducedRecords, plus a function that releases the
// run files backing it once the caller is done consuming the stream.
func (r *Reducer) Finish() (SortedSource, func() error, error) {
	sources := []SortedSource{newSliceSource(r.mem)}
	cursors := make([]*RunCursor, 0, len(r.runs))
	for _, run := range r.runs {
		cur, err := run.Cursor()
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, cur)
		cursors = append(cursors, cur)
	}

	merged, err := mergeSources(sources)
	if err != nil {
		return nil, nil, err
	}

	runs := r.runs
	release := func() error {
		var firstErr error
		for _, cur := range cursors {
			if err := cur.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, run := range runs {
			if err := run.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return merged, release, nil
}
