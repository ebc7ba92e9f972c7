package gleaner

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/outofforest/quantum/storage/array"
	"github.com/outofforest/quantum/types"
)

// RootInfoPage collects the snapshot pointers the Composer produced for one
// storage's pages, per spec §4.7 "return a RootInfoPage with pointers to
// the roots of each direct-child sub-tree it wrote". The Array storage has
// no interior levels (see DESIGN.md's static-pages decision), so every page
// is a direct child of the storage's root.
type RootInfoPage struct {
	StorageID types.StorageID
	Pages     []types.SnapshotPagePointer
}

// PageWriter persists one finished snapshot page and returns the pointer a
// RootInfoPage (and ultimately the new Snapshot) addresses it by. Grounded
// on persistent/file.go's WriteAt-based page store, generalized behind an
// interface so the Composer does not depend on a concrete backing file.
type PageWriter interface {
	WritePage(node types.NumaNode, data []byte) (types.SnapshotPagePointer, error)
}

// Compose folds src — a Reducer's merged, ascending ReducedRecord stream
// for one Array storage — onto the storage's current pages, producing one
// new (possibly unchanged) page per existing page and a RootInfoPage
// listing where each landed in the snapshot store (spec §4.7 Composer,
// array case). Page allocation is contiguous: pages are written to w in
// ascending page-index order as soon as the stream moves past their range,
// mirroring the spec's "strawman tournament ... cur_path[]" descent
// simplified to this engine's flat (non-splitting) page layout.
func Compose(node types.NumaNode, space *array.Space, src *PeekSource, w PageWriter) (RootInfoPage, error) {
	pages := space.Pages()
	root := RootInfoPage{StorageID: space.StorageID(), Pages: make([]types.SnapshotPagePointer, len(pages))}

	for pageIdx, page := range pages {
		out := append([]byte(nil), page.Bytes()...)

		for {
			rec, ok, err := src.Peek()
			if err != nil {
				return RootInfoPage{}, err
			}
			if !ok || rec.StorageID != space.StorageID() {
				break
			}
			idx, inRange := page.IndexForKey(rec.Key)
			if !inRange {
				break
			}
			slot := page.Record(idx)
			if len(rec.Value) > len(slot.Payload) {
				return RootInfoPage{}, errors.Errorf(
					"gleaner: reduced value of %d bytes exceeds item size %d", len(rec.Value), len(slot.Payload))
			}
			applyOverwrite(out, page, idx, rec.Value)
			src.Advance()
		}

		ptr, err := w.WritePage(node, out)
		if err != nil {
			return RootInfoPage{}, err
		}
		root.Pages[pageIdx] = ptr
	}

	return root, nil
}

// applyOverwrite writes value into page's idx-th slot within out, a copy of
// the page's backing bytes, using the same slot geometry LeafPage uses for
// its live Record.Payload aliasing.
func applyOverwrite(out []byte, page *array.LeafPage, idx uint64, value []byte) {
	off := page.SlotOffset(idx)
	itemSize := page.ItemSize()
	copy(out[off:off+itemSize], value)
	clear(out[off+uint64(len(value)) : off+itemSize])
}

const rootPagePointerCapacity = (types.NodeLength - 8) / 8

// EncodeRootPage serializes a storage's full, ordered list of page pointers
// into one NodeLength-sized interior page: a uint64 count followed by the
// pointers. Decode with DecodeRootPage. The Array storage has no interior
// levels of its own (see DESIGN.md's static-pages decision), so this page
// plays the role spec §4.7's "single root page" describes after
// construct_root splices every partition's RootInfoPage together.
func EncodeRootPage(pointers []types.SnapshotPagePointer) ([]byte, error) {
	if len(pointers) > rootPagePointerCapacity {
		return nil, errors.Errorf("gleaner: %d page pointers exceed root page capacity %d",
			len(pointers), rootPagePointerCapacity)
	}
	buf := make([]byte, types.NodeLength)
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(pointers)))
	for i, p := range pointers {
		binary.BigEndian.PutUint64(buf[8+i*8:16+i*8], uint64(p))
	}
	return buf, nil
}

// DecodeRootPage parses a page written by EncodeRootPage back into its
// ordered list of page pointers.
func DecodeRootPage(buf []byte) ([]types.SnapshotPagePointer, error) {
	if len(buf) < 8 {
		return nil, errors.New("gleaner: root page truncated")
	}
	count := binary.BigEndian.Uint64(buf[0:8])
	if count > rootPagePointerCapacity || 8+count*8 > uint64(len(buf)) {
		return nil, errors.New("gleaner: root page pointer count out of range")
	}
	pointers := make([]types.SnapshotPagePointer, count)
	for i := range pointers {
		pointers[i] = types.SnapshotPagePointer(binary.BigEndian.Uint64(buf[8+uint64(i)*8 : 16+uint64(i)*8]))
	}
	return pointers, nil
}

// ConstructRoot splices the RootInfoPages gathered from every partition's
// Composer into the single map of storage roots a new Snapshot publishes
// (spec §4.7 "construct_root ... consumes all RootInfoPages from every
// partition and splices them into a single root page"). Each storage's
// page pointers, concatenated across partitions in the order given, are
// written out as one interior root page via w, and the map holds the
// pointer to that root page.
func ConstructRoot(pages []RootInfoPage, node types.NumaNode, w PageWriter) (map[types.StorageID]types.SnapshotPagePointer, error) {
	byStorage := make(map[types.StorageID][]types.SnapshotPagePointer)
	var order []types.StorageID
	for _, p := range pages {
		if _, ok := byStorage[p.StorageID]; !ok {
			order = append(order, p.StorageID)
		}
		byStorage[p.StorageID] = append(byStorage[p.StorageID], p.Pages...)
	}

	roots := make(map[types.StorageID]types.SnapshotPagePointer, len(order))
	for _, id := range order {
		buf, err := EncodeRootPage(byStorage[id])
		if err != nil {
			return nil, err
		}
		ptr, err := w.WritePage(node, buf)
		if err != nil {
			return nil, err
		}
		roots[id] = ptr
	}
	return roots, nil
}
