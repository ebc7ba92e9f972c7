package gleaner_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/quantum/epoch"
	"github.com/outofforest/quantum/gleaner"
	"github.com/outofforest/quantum/logbuf"
	"github.com/outofforest/quantum/storage/array"
	"github.com/outofforest/quantum/types"
)

func buildLogStream(t *testing.T, records ...[]byte) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	for _, r := range records {
		buf.Write(r)
	}
	return buf
}

func overwrite(storageID types.StorageID, key uint64, value string) []byte {
	return logbuf.EncodeArrayOverwrite(storageID, key, 0, uint64(len(value)), []byte(value))
}

func marker(old, new epoch.Epoch) []byte {
	return logbuf.EncodeEpochMarker(old, new)
}

func TestMapperEmitsRecordsWithinEpochWindow(t *testing.T) {
	requireT := require.New(t)

	stream := buildLogStream(t,
		marker(epoch.Invalid, epoch.Epoch(1)),
		overwrite(types.StorageID(1), 10, "before"),
		marker(epoch.Epoch(1), epoch.Epoch(2)),
		overwrite(types.StorageID(1), 20, "inwindow"),
		marker(epoch.Epoch(2), epoch.Epoch(3)),
		overwrite(types.StorageID(1), 30, "afterwindow"),
	)

	m := gleaner.NewMapper(stream, epoch.Epoch(1), epoch.Epoch(2))
	var got []gleaner.MappedRecord
	requireT.NoError(m.Run(func(r gleaner.MappedRecord) error {
		got = append(got, r)
		return nil
	}))

	requireT.Len(got, 1)
	requireT.Equal(uint64(20), got[0].Key)
	requireT.Equal("inwindow", string(got[0].Value))
	requireT.Equal(epoch.Epoch(2), got[0].Epoch)
}

func TestReducerDeduplicatesNewerWins(t *testing.T) {
	requireT := require.New(t)

	r := gleaner.NewReducer(t.TempDir(), 0)
	requireT.NoError(r.Put(gleaner.MappedRecord{StorageID: 1, Key: 5, Epoch: epoch.Epoch(1), Seq: 1, Value: []byte("old")}))
	requireT.NoError(r.Put(gleaner.MappedRecord{StorageID: 1, Key: 5, Epoch: epoch.Epoch(2), Seq: 1, Value: []byte("new")}))

	merged, release, err := r.Finish()
	requireT.NoError(err)
	defer release()

	rec, ok, err := merged.Next()
	requireT.NoError(err)
	requireT.True(ok)
	requireT.Equal("new", string(rec.Value))

	_, ok, err = merged.Next()
	requireT.NoError(err)
	requireT.False(ok)
}

func TestReducerSpillsAndMergesAscending(t *testing.T) {
	requireT := require.New(t)

	r := gleaner.NewReducer(t.TempDir(), 1)
	keys := []uint64{30, 10, 50, 20, 40}
	for _, k := range keys {
		requireT.NoError(r.Put(gleaner.MappedRecord{StorageID: 1, Key: k, Epoch: epoch.Epoch(1), Seq: k, Value: []byte("v")}))
	}

	merged, release, err := r.Finish()
	requireT.NoError(err)
	defer release()

	var got []uint64
	for {
		rec, ok, err := merged.Next()
		requireT.NoError(err)
		if !ok {
			break
		}
		got = append(got, rec.Key)
	}
	requireT.Equal([]uint64{10, 20, 30, 40, 50}, got)
}

type fakePageWriter struct {
	pages [][]byte
}

func (f *fakePageWriter) WritePage(_ types.NumaNode, data []byte) (types.SnapshotPagePointer, error) {
	idx := len(f.pages)
	f.pages = append(f.pages, append([]byte(nil), data...))
	return types.NewSnapshotPagePointer(types.NumaNode(0), 0, uint64(idx)*types.NodeLength), nil
}

func TestComposeAppliesOverwritesAndConstructRoot(t *testing.T) {
	requireT := require.New(t)

	space, err := array.NewSpace(types.StorageID(1), 2, 100, 16)
	requireT.NoError(err)

	r := gleaner.NewReducer(t.TempDir(), 0)
	requireT.NoError(r.Put(gleaner.MappedRecord{StorageID: 1, Key: 5, Epoch: epoch.Epoch(1), Seq: 1, Value: []byte("hello")}))
	requireT.NoError(r.Put(gleaner.MappedRecord{StorageID: 1, Key: 150, Epoch: epoch.Epoch(1), Seq: 2, Value: []byte("world")}))

	merged, release, err := r.Finish()
	requireT.NoError(err)
	defer release()

	w := &fakePageWriter{}
	root, err := gleaner.Compose(types.NumaNode(0), space, gleaner.NewPeekSource(merged), w)
	requireT.NoError(err)

	requireT.Equal(types.StorageID(1), root.StorageID)
	requireT.Len(root.Pages, 2)
	requireT.Contains(string(w.pages[0]), "hello")
	requireT.Contains(string(w.pages[1]), "world")

	roots, err := gleaner.ConstructRoot([]gleaner.RootInfoPage{root}, types.NumaNode(0), w)
	requireT.NoError(err)

	rootPtr := roots[types.StorageID(1)]
	rootIdx := rootPtr.Offset() / types.NodeLength
	decoded, err := gleaner.DecodeRootPage(w.pages[rootIdx])
	requireT.NoError(err)
	requireT.Equal(root.Pages, decoded)
}
