// Package logger implements the per-NUMA-node Logger of spec §4.3: it
// round-robins over the logbuf.Buffers of the workers assigned to it,
// writes their committed-but-not-yet-durable bytes to 4 KiB-aligned files
// using EpochMarkerLogType/FillerLogType framing, and rotates files at
// log.log_file_size_mb. Every aligned write's checksum is recorded to a
// ".sum" sidecar, which engine.recoverLogger reads back to verify the
// durable prefix of a segment before trusting it (spec §7
// LOG_FILE_CORRUPT). Grounded on persistent/file.go's O_DIRECT-aware file
// handling and alloc/state.go's parallel.Run/spawn supervised-pump idiom.
package logger

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/outofforest/parallel"

	ctxlog "github.com/outofforest/logger"
	"github.com/outofforest/quantum/checksum"
	"github.com/outofforest/quantum/epoch"
	"github.com/outofforest/quantum/logbuf"
	"github.com/outofforest/quantum/types"
)

// AlignSize is the direct-I/O alignment boundary (spec §4.3 "4 KiB-aligned
// direct I/O").
const AlignSize = 4096

// Source is the subset of *logbuf.Buffer the Logger drains.
type Source interface {
	DurableOffset() uint64
	XctBegin() uint64
	Peek(from, to uint64) []byte
	AdvanceDurable(n uint64)
	MarksInRange(from, to uint64) []logbuf.EpochMark
}

// BlockChecksumSize is the encoded size of one sidecar checksum record:
// {offset: u64, length: u32, hash: blake3 digest}.
const BlockChecksumSize = 8 + 4 + types.HashLength

// BlockChecksum records the checksum of one AlignSize-aligned block written
// to a log segment by writeChunk, kept in a ".sum" sidecar file alongside
// the segment so recovery can verify the bytes it is about to keep durable
// (spec §7 "A LOG_FILE_CORRUPT at recovery time aborts engine
// initialization").
type BlockChecksum struct {
	Offset uint64
	Length uint32
	Hash   types.Hash
}

func encodeBlockChecksum(bc BlockChecksum) []byte {
	b := make([]byte, BlockChecksumSize)
	binary.BigEndian.PutUint64(b[0:8], bc.Offset)
	binary.BigEndian.PutUint32(b[8:12], bc.Length)
	copy(b[12:], bc.Hash[:])
	return b
}

func decodeBlockChecksum(b []byte) BlockChecksum {
	var bc BlockChecksum
	bc.Offset = binary.BigEndian.Uint64(b[0:8])
	bc.Length = binary.BigEndian.Uint32(b[8:12])
	copy(bc.Hash[:], b[12:])
	return bc
}

// ReadBlockChecksums reads every sidecar checksum record written for the log
// segment at path, oldest first. A missing sidecar (a segment written by a
// run that predates this feature, or log.emulation.null_device) is not an
// error: callers treat it as nothing recorded to verify.
func ReadBlockChecksums(path string) ([]BlockChecksum, error) {
	f, err := os.Open(path + ".sum")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "opening checksum sidecar for %q", path)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	out := make([]BlockChecksum, 0, len(data)/BlockChecksumSize)
	for off := 0; off+BlockChecksumSize <= len(data); off += BlockChecksumSize {
		out = append(out, decodeBlockChecksum(data[off:off+BlockChecksumSize]))
	}
	return out, nil
}

// File wraps one on-disk log segment opened for O_DIRECT-aligned writes, or
// /dev/null when log.emulation.null_device is set (used by benchmarks that
// want to measure everything but the storage device). Every aligned write is
// also recorded, by checksum, to a ".sum" sidecar so recovery can tell a
// torn/corrupt tail from a clean one.
type File struct {
	path    string
	f       *os.File
	sumF    *os.File
	written int64
	maxSize int64
}

// CreateFile opens segment index under dir (or the null device) sized to
// hold at most maxSize bytes before rotation.
func CreateFile(dir string, index int, maxSize int64, nullDevice bool) (*File, error) {
	if nullDevice {
		f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return &File{f: f, maxSize: maxSize}, nil
	}

	path := filepath.Join(dir, fmt.Sprintf("log.%06d", index))
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_DIRECT, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening log segment %q", path)
	}

	sumF, err := os.OpenFile(path+".sum", os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening checksum sidecar for %q", path)
	}

	return &File{path: path, f: os.NewFile(uintptr(fd), path), sumF: sumF, maxSize: maxSize}, nil
}

// WriteAligned writes buf, whose length must be an AlignSize multiple, at
// the file's current write offset, and appends buf's checksum to the
// segment's sidecar.
func (f *File) WriteAligned(buf []byte) error {
	if len(buf)%AlignSize != 0 {
		return errors.New("logger: write buffer must be 4KiB-aligned")
	}
	n, err := f.f.WriteAt(buf, f.written)
	if err != nil {
		return errors.WithStack(err)
	}

	if f.sumF != nil {
		bc := encodeBlockChecksum(BlockChecksum{
			Offset: uint64(f.written),
			Length: uint32(n),
			Hash:   checksum.Sum(buf),
		})
		if _, err := f.sumF.Write(bc); err != nil {
			return errors.WithStack(err)
		}
	}

	f.written += int64(n)
	return nil
}

// Full reports whether the segment has reached its configured maximum size.
func (f *File) Full() bool {
	return f.written >= f.maxSize
}

// Sync flushes the segment and its checksum sidecar to stable storage.
func (f *File) Sync() error {
	if f.sumF != nil {
		if err := f.sumF.Sync(); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(f.f.Sync())
}

// Close closes the segment and its checksum sidecar.
func (f *File) Close() error {
	if f.sumF != nil {
		if err := f.sumF.Close(); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(f.f.Close())
}

// Logger drains the thread log buffers of the workers pinned to one NUMA
// node, in round-robin order (spec §4.3).
type Logger struct {
	numaNode    types.NumaNode
	id          types.LoggerID
	dir         string
	maxFileSize int64
	nullDevice  bool

	mu           sync.Mutex
	sources      []Source
	fileIndex    int
	file         *File
	sourceEpoch  map[int]epoch.Epoch
	durableBytes atomic.Int64
}

// New creates a Logger for the given NUMA node and logger id (log
// .loggers_per_node may assign several loggers to one node). maxFileSize is
// log.log_file_size_mb converted to bytes.
func New(numaNode types.NumaNode, id types.LoggerID, dir string, maxFileSize int64, nullDevice bool) *Logger {
	return &Logger{
		numaNode:    numaNode,
		id:          id,
		dir:         dir,
		maxFileSize: maxFileSize,
		nullDevice:  nullDevice,
		sourceEpoch: map[int]epoch.Epoch{},
	}
}

// AddSource assigns a worker's thread log buffer to this logger, per the
// thread-to-logger pinning computed at engine startup.
func (l *Logger) AddSource(s Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = append(l.sources, s)
}

// DurableEpoch returns the minimum epoch this logger has confirmed durable
// across all of its sources; xctmgr folds this across loggers to compute
// durable_global_epoch (spec §4.4).
func (l *Logger) DurableEpoch() epoch.Epoch {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.sourceEpoch) < len(l.sources) {
		return epoch.Invalid
	}
	var min epoch.Epoch
	first := true
	for _, e := range l.sourceEpoch {
		if first || e.Less(min) {
			min = e
			first = false
		}
	}
	return min
}

// Run drains this logger's sources until ctx is cancelled.
func (l *Logger) Run(ctx context.Context) error {
	file, err := CreateFile(l.dir, l.fileIndex, l.maxFileSize, l.nullDevice)
	if err != nil {
		return err
	}
	l.file = file

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn(fmt.Sprintf("logger-%d-drain", l.id), parallel.Fail, l.drainLoop)
		return nil
	})
}

func (l *Logger) drainLoop(ctx context.Context) error {
	log := ctxlog.Get(ctx)
	idx := 0
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		default:
		}

		l.mu.Lock()
		n := len(l.sources)
		l.mu.Unlock()

		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}

		if err := l.drainOne(idx%n, log); err != nil {
			return err
		}
		idx++

		time.Sleep(10 * time.Microsecond)
	}
}

func (l *Logger) drainOne(sourceIdx int, log *zap.Logger) error {
	l.mu.Lock()
	src := l.sources[sourceIdx]
	l.mu.Unlock()

	from := src.DurableOffset()
	to := src.XctBegin()
	if to <= from {
		return nil
	}

	marks := src.MarksInRange(from, to)
	cursor := from

	l.mu.Lock()
	lastEpoch := l.sourceEpoch[sourceIdx]
	l.mu.Unlock()
	haveEpoch := false
	var chunk []byte

	for _, m := range marks {
		if m.Offset > cursor {
			chunk = append(chunk, src.Peek(cursor, m.Offset)...)
			cursor = m.Offset
		}
		chunk = append(chunk, logbuf.EncodeEpochMarker(lastEpoch, m.Epoch)...)
		lastEpoch = m.Epoch
		haveEpoch = true
	}

	if to > cursor {
		chunk = append(chunk, src.Peek(cursor, to)...)
	}

	if err := l.writeChunk(chunk); err != nil {
		return err
	}

	if err := l.file.Sync(); err != nil {
		return err
	}
	src.AdvanceDurable(to - from)
	l.durableBytes.Store(l.file.written)

	if haveEpoch {
		l.mu.Lock()
		l.sourceEpoch[sourceIdx] = lastEpoch
		l.mu.Unlock()
	}

	if l.file.Full() {
		return l.rotate(log)
	}
	return nil
}

// writeChunk pads a run of complete log records (spec §6 record framing) to
// the next AlignSize boundary with a FillerLogType record and writes the
// result, keeping every log file a multiple of 4 KiB.
func (l *Logger) writeChunk(records []byte) error {
	if len(records) == 0 {
		return nil
	}

	pad := AlignSize - len(records)%AlignSize
	if pad == AlignSize {
		pad = 0
	}
	if pad > 0 && pad < logbuf.RecordHeaderSize {
		pad += AlignSize
	}

	buf := records
	if pad > 0 {
		buf = append(buf, logbuf.EncodeFiller(pad)...)
	}
	return l.file.WriteAligned(buf)
}

func (l *Logger) rotate(log *zap.Logger) error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.fileIndex++
	log.Info("rotating log segment",
		zap.Uint16("loggerID", uint16(l.id)),
		zap.Uint8("numaNode", uint8(l.numaNode)),
		zap.Int("nextIndex", l.fileIndex),
	)
	file, err := CreateFile(l.dir, l.fileIndex, l.maxFileSize, l.nullDevice)
	if err != nil {
		return err
	}
	l.file = file
	l.durableBytes.Store(0)
	return nil
}

// DurableBytes returns the number of bytes confirmed durable in the
// logger's current log segment, the savepoint's
// current_log_files_offset_durable[id] (spec §6).
func (l *Logger) DurableBytes() int64 {
	return l.durableBytes.Load()
}
