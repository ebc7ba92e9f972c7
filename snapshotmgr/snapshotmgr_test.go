package snapshotmgr_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/outofforest/quantum/epoch"
	"github.com/outofforest/quantum/logbuf"
	"github.com/outofforest/quantum/persistent"
	"github.com/outofforest/quantum/snapshotmgr"
	"github.com/outofforest/quantum/storage/array"
	"github.com/outofforest/quantum/types"
)

func overwrite(storageID types.StorageID, key uint64, value string) []byte {
	return logbuf.EncodeArrayOverwrite(storageID, key, 0, uint64(len(value)), []byte(value))
}

type memPageReader struct {
	store *persistent.MemoryStore
}

func (r memPageReader) ReadPage(ptr types.SnapshotPagePointer) ([]byte, error) {
	return r.store.ReadAt(ptr.Offset(), types.NodeLength)
}

func TestTriggerSnapshotImmediateFoldsLogIntoSnapshot(t *testing.T) {
	requireT := require.New(t)

	space, err := array.NewSpace(types.StorageID(1), 2, 100, 16)
	requireT.NoError(err)
	spaces := map[types.StorageID]*array.Space{1: space}

	logStream := bytes.NewBuffer(nil)
	logStream.Write(logbuf.EncodeEpochMarker(epoch.Invalid, epoch.Epoch(1)))
	logStream.Write(overwrite(1, 5, "alpha"))
	logStream.Write(overwrite(1, 150, "beta"))

	store, cleanup, err := persistent.NewMemoryStore(1<<20, false)
	requireT.NoError(err)
	t.Cleanup(cleanup)

	mgr := snapshotmgr.New(t.TempDir())
	err = mgr.TriggerSnapshotImmediate(
		context.Background(), true, epoch.Epoch(1), types.NumaNode(0),
		spaces, []snapshotmgr.LogSource{logStream}, store, zap.NewNop(),
	)
	requireT.NoError(err)

	snap := mgr.Current()
	requireT.NotNil(snap)
	requireT.Equal(epoch.Epoch(1), mgr.SnapshotEpoch())

	root, ok := snap.StorageRoots[types.StorageID(1)]
	requireT.True(ok)
	requireT.True(root.IsValid())

	requireT.NoError(snapshotmgr.PreloadSnapshotPages(snap, memPageReader{store: store}))
}

func TestTriggerSnapshotImmediateSkipsWhenNoNewEpoch(t *testing.T) {
	requireT := require.New(t)

	store, cleanup, err := persistent.NewMemoryStore(1<<20, false)
	requireT.NoError(err)
	t.Cleanup(cleanup)

	mgr := snapshotmgr.New(t.TempDir())
	err = mgr.TriggerSnapshotImmediate(
		context.Background(), true, epoch.Invalid, types.NumaNode(0),
		nil, nil, store, zap.NewNop(),
	)
	requireT.NoError(err)
	requireT.Nil(mgr.Current())
}
