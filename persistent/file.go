// Package persistent implements the immutable snapshot store of spec §4.8:
// a mmap'd backing file (or anonymous memory, or a null device for
// benchmarking) that snapshot pages are written into at the
// types.SnapshotPagePointer offsets the Composer assigns them. Grounded on
// the teacher's FileStore/MemoryStore/DummyStore trio, adapted from a
// generic B+tree node store to the fixed-size page store this engine's
// Array storage uses.
package persistent

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewFileStore creates a new file-backed store of size bytes, mmap'd for
// direct page writes.
func NewFileStore(file *os.File, size uint64) (*FileStore, func(), error) {
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "memory allocation failed")
	}

	return &FileStore{
			file: file,
			data: data,
		}, func() {
			_ = unix.Munmap(data)
			_ = file.Close()
		}, nil
}

// FileStore defines persistent file-based store.
type FileStore struct {
	file *os.File
	data []byte
}

// Size returns size of the store.
func (s *FileStore) Size() uint64 {
	return uint64(len(s.data))
}

// Write writes data to the store at offset.
func (s *FileStore) Write(offset uint64, data []byte) error {
	copy(s.data[offset:], data)
	return nil
}

// Sync syncs pending writes.
func (s *FileStore) Sync() error {
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(s.file.Sync())
}

// ReadAt returns a copy of n bytes starting at offset. The engine's snapshot
// cache preloader reads a MemoryStore, not a FileStore.
func (s *FileStore) ReadAt(offset, n uint64) ([]byte, error) {
	if offset+n > uint64(len(s.data)) {
		return nil, errors.New("persistent: read out of range")
	}
	return append([]byte(nil), s.data[offset:offset+n]...), nil
}
