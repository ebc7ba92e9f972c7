package engine_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/quantum/engine"
	qlogger "github.com/outofforest/quantum/logger"
	"github.com/outofforest/quantum/types"
	"github.com/outofforest/quantum/xct"
)

func TestNewTruncatesLogSegmentPastSavepointOffset(t *testing.T) {
	requireT := require.New(t)

	dir := t.TempDir()
	segment := filepath.Join(dir, "log.000000")
	requireT.NoError(os.WriteFile(segment, make([]byte, 8192), 0o644))

	savepointPath := filepath.Join(t.TempDir(), "savepoint.xml")
	sp := &engine.Savepoint{}
	sp.SetOffsetDurable(types.LoggerID(0), 4096)
	requireT.NoError(engine.SaveSavepoint(savepointPath, sp))

	cfg := engine.DefaultConfig()
	cfg.LogNullDevice = false
	cfg.LogDirPattern = dir
	cfg.SavepointPath = savepointPath

	eng, err := engine.New(cfg)
	requireT.NoError(err)
	defer eng.Close()

	info, err := os.Stat(segment)
	requireT.NoError(err)
	requireT.Equal(int64(4096), info.Size())
}

func TestNewLeavesShortLogSegmentAlone(t *testing.T) {
	requireT := require.New(t)

	dir := t.TempDir()
	segment := filepath.Join(dir, "log.000000")
	requireT.NoError(os.WriteFile(segment, make([]byte, 1024), 0o644))

	savepointPath := filepath.Join(t.TempDir(), "savepoint.xml")
	sp := &engine.Savepoint{}
	sp.SetOffsetDurable(types.LoggerID(0), 4096)
	requireT.NoError(engine.SaveSavepoint(savepointPath, sp))

	cfg := engine.DefaultConfig()
	cfg.LogNullDevice = false
	cfg.LogDirPattern = dir
	cfg.SavepointPath = savepointPath

	eng, err := engine.New(cfg)
	requireT.NoError(err)
	defer eng.Close()

	info, err := os.Stat(segment)
	requireT.NoError(err)
	requireT.Equal(int64(1024), info.Size())
}

func TestNewAbortsOnCorruptDurablePrefix(t *testing.T) {
	requireT := require.New(t)

	dir := t.TempDir()

	f, err := qlogger.CreateFile(dir, 0, 1<<20, false)
	requireT.NoError(err)
	requireT.NoError(f.WriteAligned(make([]byte, qlogger.AlignSize)))
	requireT.NoError(f.Sync())
	requireT.NoError(f.Close())

	// Flip a byte inside the block the sidecar checksummed, without updating
	// the sidecar: the bytes on disk no longer match what was recorded as
	// durable.
	segment := filepath.Join(dir, "log.000000")
	raw, err := os.ReadFile(segment)
	requireT.NoError(err)
	raw[10] ^= 0xFF
	requireT.NoError(os.WriteFile(segment, raw, 0o644))

	savepointPath := filepath.Join(t.TempDir(), "savepoint.xml")
	sp := &engine.Savepoint{}
	sp.SetOffsetDurable(types.LoggerID(0), uint64(qlogger.AlignSize))
	requireT.NoError(engine.SaveSavepoint(savepointPath, sp))

	cfg := engine.DefaultConfig()
	cfg.LogNullDevice = false
	cfg.LogDirPattern = dir
	cfg.SavepointPath = savepointPath

	_, err = engine.New(cfg)
	requireT.Error(err)
	var xerr *xct.Error
	requireT.ErrorAs(err, &xerr)
	requireT.Equal(xct.LogFileCorrupt, xerr.Kind)
}

func TestCheckpointWritesSavepointFromLoggerDurableBytes(t *testing.T) {
	requireT := require.New(t)

	cfg := engine.DefaultConfig()
	cfg.SavepointPath = filepath.Join(t.TempDir(), "savepoint.xml")

	eng, err := engine.New(cfg)
	requireT.NoError(err)
	defer eng.Close()

	requireT.NoError(eng.Checkpoint())

	sp, err := engine.LoadSavepoint(cfg.SavepointPath)
	requireT.NoError(err)
	_, ok := sp.OffsetDurable(types.LoggerID(0))
	requireT.True(ok)
}

func TestCheckpointIsNoopWithoutSavepointPath(t *testing.T) {
	requireT := require.New(t)

	eng, err := engine.New(engine.DefaultConfig())
	requireT.NoError(err)
	defer eng.Close()

	requireT.NoError(eng.Checkpoint())
}
