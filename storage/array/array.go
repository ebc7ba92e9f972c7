// Package array implements the Array storage of spec §3/§4.7: fixed 4 KiB
// pages addressed by a contiguous integer key range, OCC-visible records
// backing xct.Read/Write, and the raw page bytes the gleaner's Composer
// writes snapshot pages from. Grounded on space/data.go's NodeAssistant
// (itemSize rounded up to a uint64 multiple, numOfItems = NodeLength /
// itemSize) and space/alloc.go's photon.FromPointer header projection,
// adapted from a hash-keyed data node to a range-keyed array leaf.
package array

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/outofforest/photon"
	"github.com/outofforest/quantum/checksum"
	"github.com/outofforest/quantum/logbuf"
	"github.com/outofforest/quantum/types"
	"github.com/outofforest/quantum/xct"
	"github.com/outofforest/quantum/xctid"
)

// Header is the fixed prefix of every array page, photon-projected onto the
// page's backing bytes (spec §4.7 page header: storage_id, page_id, level,
// range_begin, range_end, is_leaf).
type Header struct {
	StorageID  types.StorageID
	PageID     uint64
	Level      uint8
	IsLeaf     bool
	RangeBegin uint64
	RangeEnd   uint64
	NumItems   uint32
}

func alignUp8(n uint64) uint64 {
	return (n + types.UInt64Length - 1) / types.UInt64Length * types.UInt64Length
}

var headerSize = alignUp8(uint64(unsafe.Sizeof(Header{})))

// LeafPage is a 4 KiB page holding fixed-size value slots for the
// contiguous key range [RangeBegin, RangeEnd]. Each slot is backed by an
// *xctid.Record whose Payload aliases directly into the page's byte array,
// so a write to the record is a write to the page: no separate apply step
// is needed to make a commit visible to a later snapshot write-out.
type LeafPage struct {
	data     []byte
	header   *Header
	itemSize uint64
	records  []*xctid.Record
}

// NewLeafPage allocates a leaf page for storageID/pageID covering
// [rangeBegin, rangeEnd], with itemValueSize bytes per slot.
func NewLeafPage(storageID types.StorageID, pageID uint64, rangeBegin, rangeEnd, itemValueSize uint64) (*LeafPage, error) {
	itemSize := alignUp8(itemValueSize)
	if itemSize == 0 {
		return nil, errors.New("array: item value size must be positive")
	}
	numItems := (types.NodeLength - headerSize) / itemSize
	if numItems == 0 {
		return nil, errors.Errorf("array: item size %d leaves no room in a %d-byte page", itemSize, types.NodeLength)
	}

	data := make([]byte, types.NodeLength)
	header := photon.FromPointer[Header](unsafe.Pointer(&data[0]))
	*header = Header{
		StorageID:  storageID,
		PageID:     pageID,
		Level:      0,
		IsLeaf:     true,
		RangeBegin: rangeBegin,
		RangeEnd:   rangeEnd,
		NumItems:   uint32(numItems),
	}

	records := make([]*xctid.Record, numItems)
	for i := range records {
		off := headerSize + uint64(i)*itemSize
		records[i] = xctid.NewRecord(xctid.New(0, 0), data[off:off+itemSize])
	}

	return &LeafPage{data: data, header: header, itemSize: itemSize, records: records}, nil
}

// Header returns the page's header.
func (p *LeafPage) Header() *Header {
	return p.header
}

// NumItems returns the number of value slots the page holds.
func (p *LeafPage) NumItems() uint64 {
	return uint64(len(p.records))
}

// Record returns the slot at index.
func (p *LeafPage) Record(index uint64) *xctid.Record {
	return p.records[index]
}

// SlotOffset returns the byte offset of slot index within the page's
// backing array, used by the gleaner's Composer to apply an overwrite to a
// freshly copied page buffer without aliasing the live page.
func (p *LeafPage) SlotOffset(index uint64) uint64 {
	return headerSize + index*p.itemSize
}

// ItemSize returns the per-slot value capacity in bytes.
func (p *LeafPage) ItemSize() uint64 {
	return p.itemSize
}

// IndexForKey maps a key within the page's range to its slot index, evenly
// dividing the range across the page's slots.
func (p *LeafPage) IndexForKey(key uint64) (uint64, bool) {
	if key < p.header.RangeBegin || key > p.header.RangeEnd {
		return 0, false
	}
	span := p.header.RangeEnd - p.header.RangeBegin + 1
	numItems := uint64(len(p.records))
	width := span / numItems
	if width == 0 {
		width = 1
	}
	idx := (key - p.header.RangeBegin) / width
	if idx >= numItems {
		idx = numItems - 1
	}
	return idx, true
}

// Bytes returns the page's raw backing array, the form the gleaner's
// Composer writes directly to a snapshot file.
func (p *LeafPage) Bytes() []byte {
	return p.data
}

// Checksum returns the page's content checksum. No snapshot read path
// verifies it; only log blocks are checked at recovery.
func (p *LeafPage) Checksum() types.Hash {
	return checksum.Sum(p.data)
}

// Space is a single Array storage: a static set of leaf pages partitioning
// a contiguous key space. Dynamic interior-node splitting (spec §4.7's
// inner pages growing on overflow) is out of scope for this engine's first
// cut; see DESIGN.md's Open Question decisions.
type Space struct {
	storageID     types.StorageID
	pages         []*LeafPage
	pageSpan      uint64
	itemValueSize uint64
}

// NewSpace creates a Space of numPages leaf pages, each covering pageSpan
// keys, with itemValueSize bytes per value.
func NewSpace(storageID types.StorageID, numPages, pageSpan, itemValueSize uint64) (*Space, error) {
	if numPages == 0 || pageSpan == 0 {
		return nil, errors.New("array: numPages and pageSpan must be positive")
	}

	pages := make([]*LeafPage, numPages)
	for i := range pages {
		rangeBegin := uint64(i) * pageSpan
		rangeEnd := rangeBegin + pageSpan - 1
		page, err := NewLeafPage(storageID, uint64(i), rangeBegin, rangeEnd, itemValueSize)
		if err != nil {
			return nil, err
		}
		pages[i] = page
	}

	return &Space{storageID: storageID, pages: pages, pageSpan: pageSpan, itemValueSize: itemValueSize}, nil
}

func (s *Space) locate(key uint64) (*xctid.Record, error) {
	pageIdx := key / s.pageSpan
	if pageIdx >= uint64(len(s.pages)) {
		return nil, errors.Errorf("array: key %d is out of range", key)
	}
	page := s.pages[pageIdx]
	idx, ok := page.IndexForKey(key)
	if !ok {
		return nil, errors.Errorf("array: key %d is out of range", key)
	}
	return page.Record(idx), nil
}

// Read stages a transactional read of key through x.
func (s *Space) Read(x *xct.Xct, key uint64) ([]byte, error) {
	rec, err := s.locate(key)
	if err != nil {
		return nil, err
	}
	return x.Read(s.storageID, rec)
}

// Write stages a transactional write of value at key through x. value must
// fit within the space's configured item size.
func (s *Space) Write(x *xct.Xct, key uint64, value []byte) error {
	rec, err := s.locate(key)
	if err != nil {
		return err
	}
	if uint64(len(value)) > s.itemValueSize {
		return errors.Errorf("array: value of %d bytes exceeds item size %d", len(value), s.itemValueSize)
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	logPayload := logbuf.EncodeArrayOverwrite(s.storageID, key, 0, uint64(len(buf)), buf)
	return x.Write(s.storageID, rec, logPayload, func() {
		copy(rec.Payload, buf)
		clear(rec.Payload[len(buf):])
	})
}

// Pages returns the space's leaf pages, for the gleaner's Composer and for
// snapshot write-out.
func (s *Space) Pages() []*LeafPage {
	return s.pages
}

// StorageID returns the space's storage identifier.
func (s *Space) StorageID() types.StorageID {
	return s.storageID
}
