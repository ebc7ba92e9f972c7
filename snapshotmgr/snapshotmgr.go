// Package snapshotmgr implements the Snapshot manager of spec §4.8:
// trigger_snapshot_immediate folds the durable log into a new Snapshot via
// the gleaner and atomically publishes it; preload_snapshot_pages walks a
// published root and pre-faults its pages into the snapshot cache.
// Grounded on persistent's mmap'd Store trio for the page writer, and
// alloc/state.go's Commit-then-publish idiom for the atomic pointer swap.
package snapshotmgr

import (
	"context"
	"io"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/quantum/epoch"
	"github.com/outofforest/quantum/gleaner"
	"github.com/outofforest/quantum/persistent"
	"github.com/outofforest/quantum/storage/array"
	"github.com/outofforest/quantum/types"
)

// defaultSpillThreshold bounds an InMemorySortedBuffer's size before the
// Reducer spills it to disk (spec §4.7 "small runs are kept in memory").
const defaultSpillThreshold = 1 << 16

// pageFile bump-allocates NodeLength-sized slots in a persistent.Store and
// hands back the SnapshotPagePointer addressing each, implementing
// gleaner.PageWriter.
type pageFile struct {
	store   persistent.Store
	node    types.NumaNode
	ordinal uint8
	next    uint64
}

func newPageFile(store persistent.Store, node types.NumaNode, ordinal uint8) *pageFile {
	return &pageFile{store: store, node: node, ordinal: ordinal}
}

// WritePage implements gleaner.PageWriter.
func (p *pageFile) WritePage(node types.NumaNode, data []byte) (types.SnapshotPagePointer, error) {
	offset := p.next
	if offset+uint64(len(data)) > p.store.Size() {
		return 0, errors.New("snapshotmgr: snapshot store exhausted")
	}
	if err := p.store.Write(offset, data); err != nil {
		return 0, errors.WithStack(err)
	}
	p.next += uint64(len(data))
	return types.NewSnapshotPagePointer(node, p.ordinal, offset), nil
}

// Manager holds the engine's latest published Snapshot and folds new ones
// from durable log on request (spec §4.8).
type Manager struct {
	spillDir string

	current       atomic.Pointer[types.Snapshot]
	snapshotEpoch atomic.Uint32
}

// New creates a Manager that spills oversized reducer runs under spillDir.
func New(spillDir string) *Manager {
	return &Manager{spillDir: spillDir}
}

// Current returns the latest published Snapshot, or nil before the first
// one is ever folded.
func (m *Manager) Current() *types.Snapshot {
	return m.current.Load()
}

// SnapshotEpoch returns the base epoch of the latest published Snapshot.
func (m *Manager) SnapshotEpoch() epoch.Epoch {
	return epoch.Epoch(m.snapshotEpoch.Load())
}

// LogSource is one logger's durable byte stream, read from base_epoch's
// mark forward, the gleaner Mapper's input.
type LogSource interface {
	io.Reader
}

// TriggerSnapshotImmediate folds (snapshot_epoch, untilEpoch] of logSources
// into a new Snapshot and publishes it, per spec §4.8
// "trigger_snapshot_immediate(wait) takes durable_global_epoch as
// until_epoch ... atomically publishes the new Snapshot ... then advances
// snapshot_epoch". If wait is false the fold runs in the background and
// errors are only logged: a failed attempt leaves the previous snapshot
// valid and is expected to be retried on the next cycle (spec §4.7 failure
// semantics).
func (m *Manager) TriggerSnapshotImmediate(
	ctx context.Context,
	wait bool,
	untilEpoch epoch.Epoch,
	node types.NumaNode,
	spaces map[types.StorageID]*array.Space,
	logSources []LogSource,
	store persistent.Store,
	log *zap.Logger,
) error {
	run := func() error {
		return m.runSnapshot(untilEpoch, node, spaces, logSources, store)
	}

	if wait {
		return run()
	}

	go func() {
		if err := run(); err != nil {
			log.Error("snapshot attempt failed, previous snapshot remains valid", zap.Error(err))
		}
	}()
	return nil
}

func (m *Manager) runSnapshot(
	untilEpoch epoch.Epoch,
	node types.NumaNode,
	spaces map[types.StorageID]*array.Space,
	logSources []LogSource,
	store persistent.Store,
) error {
	baseEpoch := m.SnapshotEpoch()
	if !untilEpoch.IsValid() || untilEpoch.LessOrEqual(baseEpoch) {
		return nil
	}

	reducer := gleaner.NewReducer(m.spillDir, defaultSpillThreshold)
	for _, src := range logSources {
		mapper := gleaner.NewMapper(src, baseEpoch, untilEpoch)
		if err := mapper.Run(reducer.Put); err != nil {
			return errors.Wrap(err, "gleaner: mapping log source failed")
		}
	}

	merged, release, err := reducer.Finish()
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	storageIDs := make([]types.StorageID, 0, len(spaces))
	for id := range spaces {
		storageIDs = append(storageIDs, id)
	}
	sort.Slice(storageIDs, func(i, j int) bool { return storageIDs[i] < storageIDs[j] })

	pw := newPageFile(store, node, 0)
	peek := gleaner.NewPeekSource(merged)
	roots := make([]gleaner.RootInfoPage, 0, len(storageIDs))
	for _, id := range storageIDs {
		rp, err := gleaner.Compose(node, spaces[id], peek, pw)
		if err != nil {
			return err
		}
		roots = append(roots, rp)
	}

	storageRoots, err := gleaner.ConstructRoot(roots, node, pw)
	if err != nil {
		return err
	}

	if err := store.Sync(); err != nil {
		return err
	}

	newSnapshot := &types.Snapshot{
		SnapshotID:      types.SnapshotID(untilEpoch),
		BaseEpoch:       uint32(baseEpoch),
		ValidUntilEpoch: uint32(untilEpoch),
		StorageRoots:    storageRoots,
	}
	m.current.Store(newSnapshot)
	m.snapshotEpoch.Store(uint32(untilEpoch))
	return nil
}

// PageReader reads one page's bytes back out of a snapshot store, the
// counterpart of gleaner.PageWriter the snapshot cache pre-faults through.
type PageReader interface {
	ReadPage(ptr types.SnapshotPagePointer) ([]byte, error)
}

// PreloadSnapshotPages walks every storage root of snapshot and reads each
// page through r, warming the snapshot cache before the pages are first
// requested on the hot path (spec §4.8 "preload_snapshot_pages walks the
// new root and pre-faults pages into the snapshot cache when enabled"). The
// Array storage's flat layout means every page reachable from a root is a
// direct child; a dynamic interior-node layout would need to recurse.
func PreloadSnapshotPages(snapshot *types.Snapshot, r PageReader) error {
	if snapshot == nil {
		return nil
	}
	for _, root := range snapshot.StorageRoots {
		rootBytes, err := r.ReadPage(root)
		if err != nil {
			return errors.WithStack(err)
		}
		children, err := gleaner.DecodeRootPage(rootBytes)
		if err != nil {
			return err
		}
		for _, child := range children {
			if _, err := r.ReadPage(child); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	return nil
}
