package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	ctxlog "github.com/outofforest/logger"
	"github.com/outofforest/quantum/persistent"
	"github.com/outofforest/quantum/snapshotmgr"
	"github.com/outofforest/quantum/storage/array"
	"github.com/outofforest/quantum/types"
)

// expandPattern substitutes snapshot.folder_path_pattern's $NODE$/$LOGGER$
// tokens (spec §6), reused for log.dir_pattern since both name per-(node,
// logger) directories the same way.
func expandPattern(pattern string, node types.NumaNode, loggerID types.LoggerID) string {
	if pattern == "" {
		return ""
	}
	out := strings.ReplaceAll(pattern, "$NODE$", strconv.Itoa(int(node)))
	out = strings.ReplaceAll(out, "$LOGGER$", strconv.Itoa(int(loggerID)))
	return out
}

// nodeLogReader concatenates every rotated log segment under dir, oldest
// first, replaying a logger's full durable history for the gleaner's Mapper
// (snapshotmgr.LogSource). An empty dir (log.emulation.null_device, or no
// log.dir_pattern configured) yields an empty reader: nothing durable has
// ever been written, so folding it produces an empty snapshot contribution
// rather than an error.
func nodeLogReader(dir string) (io.Reader, func(), error) {
	if dir == "" {
		return strings.NewReader(""), func() {}, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "log.*"))
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	matches = filterLogSegments(matches)
	sort.Strings(matches)

	var readers []io.Reader
	var files []*os.File
	for _, m := range matches {
		f, err := os.Open(m)
		if err != nil {
			for _, of := range files {
				_ = of.Close()
			}
			return nil, nil, errors.Wrapf(err, "opening log segment %q", m)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	cleanup := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	return io.MultiReader(readers...), cleanup, nil
}

// TriggerSnapshot folds every logger's durable log into a new Snapshot via
// the Snapshot manager (spec §4.8). wait mirrors
// snapshotmgr.Manager.TriggerSnapshotImmediate's synchronous/background
// choice; node names which NUMA node's snapshot page files receive the
// fold's output pages.
func (e *Engine) TriggerSnapshot(ctx context.Context, wait bool, node types.NumaNode) error {
	untilEpoch := e.xctMgr.DurableGlobalEpoch()

	var sources []snapshotmgr.LogSource
	var cleanups []func()
	defer func() {
		for _, c := range cleanups {
			c()
		}
	}()

	for _, dir := range e.loggerDirs {
		r, cleanup, err := nodeLogReader(dir)
		if err != nil {
			return err
		}
		cleanups = append(cleanups, cleanup)
		sources = append(sources, r)
	}

	e.mu.Lock()
	spaces := make(map[types.StorageID]*array.Space, len(e.spaces))
	for id, sp := range e.spaces {
		spaces[id] = sp
	}
	e.mu.Unlock()

	return e.snapshotMgr.TriggerSnapshotImmediate(ctx, wait, untilEpoch, node, spaces, sources, e.snapshotStore, ctxlog.Get(ctx))
}

// storeReader adapts a store exposing ReadAt into snapshotmgr.PageReader.
type storeReader struct {
	store *persistent.MemoryStore
}

func (r storeReader) ReadPage(ptr types.SnapshotPagePointer) ([]byte, error) {
	return r.store.ReadAt(ptr.Offset(), types.NodeLength)
}

// PreloadSnapshotCache pre-faults the latest published snapshot's pages
// (spec §4.8 "preload_snapshot_pages"), when cache.snapshot_cache_enabled.
func (e *Engine) PreloadSnapshotCache() error {
	if !e.cfg.SnapshotCacheEnabled {
		return nil
	}
	snap := e.snapshotMgr.Current()
	if snap == nil {
		return nil
	}
	return snapshotmgr.PreloadSnapshotPages(snap, storeReader{store: e.snapshotStore})
}

// CurrentSnapshot returns the latest published Snapshot, or nil.
func (e *Engine) CurrentSnapshot() *types.Snapshot {
	return e.snapshotMgr.Current()
}
