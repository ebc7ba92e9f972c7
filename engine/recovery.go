package engine

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/outofforest/quantum/checksum"
	"github.com/outofforest/quantum/logger"
	"github.com/outofforest/quantum/xct"
)

// recoverLogger implements spec §6 "Recovery" and spec §7's "A
// LOG_FILE_CORRUPT at recovery time aborts engine initialization": it
// verifies the checksum logger.WriteAligned recorded for every aligned
// block up to offsetDurable against what is actually on disk, then
// truncates the highest-ordinal log segment under dir back to that offset
// and fsyncs, discarding whatever was written after the last
// confirmed-durable block. A dir with no segments yet (fresh engine, or
// log.emulation.null_device) is left alone.
func recoverLogger(dir string, offsetDurable uint64) error {
	if dir == "" {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "log.*"))
	if err != nil {
		return errors.WithStack(err)
	}
	matches = filterLogSegments(matches)
	if len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)
	latest := matches[len(matches)-1]

	keptBlocks, err := verifyDurablePrefix(latest, offsetDurable)
	if err != nil {
		return err
	}

	info, err := os.Stat(latest)
	if err != nil {
		return errors.Wrapf(err, "statting log segment %q", latest)
	}
	if uint64(info.Size()) <= offsetDurable {
		return nil
	}

	f, err := os.OpenFile(latest, os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening log segment %q for recovery truncation", latest)
	}
	defer f.Close()

	if err := f.Truncate(int64(offsetDurable)); err != nil {
		return errors.Wrapf(err, "truncating log segment %q to %d bytes", latest, offsetDurable)
	}
	if err := f.Sync(); err != nil {
		return errors.WithStack(err)
	}

	// Drop sidecar entries describing the discarded tail too, so a later
	// restart's verification pass doesn't see stale checksums past the
	// segment's new end.
	sumPath := latest + ".sum"
	if err := os.Truncate(sumPath, int64(keptBlocks)*int64(logger.BlockChecksumSize)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "truncating checksum sidecar %q", sumPath)
	}
	return nil
}

// filterLogSegments drops the ".sum" checksum sidecars filepath.Glob("log.*")
// also matches, keeping only the segment files themselves.
func filterLogSegments(matches []string) []string {
	out := matches[:0]
	for _, m := range matches {
		if filepath.Ext(m) != ".sum" {
			out = append(out, m)
		}
	}
	return out
}

// verifyDurablePrefix recomputes the checksum of every block the segment's
// sidecar recorded within [0, offsetDurable) and compares it against the
// bytes actually on disk, returning how many leading sidecar records fall
// within that kept prefix (so the caller can truncate the sidecar to match
// once it truncates the segment itself). Blocks beyond offsetDurable are
// about to be discarded by truncation and are not verified. A missing
// sidecar (a segment written before this feature existed, or
// log.emulation.null_device, which never opens one) has nothing to verify
// and is not an error.
func verifyDurablePrefix(path string, offsetDurable uint64) (int, error) {
	blocks, err := logger.ReadBlockChecksums(path)
	if err != nil {
		return 0, err
	}
	if len(blocks) == 0 {
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "opening log segment %q for checksum verification", path)
	}
	defer f.Close()

	kept := 0
	buf := make([]byte, 0, logger.AlignSize)
	for _, bc := range blocks {
		if bc.Offset+uint64(bc.Length) > offsetDurable {
			continue
		}
		kept++

		if cap(buf) < int(bc.Length) {
			buf = make([]byte, bc.Length)
		}
		buf = buf[:bc.Length]
		if _, err := f.ReadAt(buf, int64(bc.Offset)); err != nil {
			return 0, errors.Wrapf(err, "reading log segment %q block at offset %d", path, bc.Offset)
		}
		if !checksum.Verify(buf, bc.Hash) {
			return 0, errors.Wrapf(xct.NewError(xct.LogFileCorrupt),
				"log segment %q block at offset %d failed checksum verification", path, bc.Offset)
		}
	}
	return kept, nil
}
