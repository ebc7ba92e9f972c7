// Package channel implements the engine's shared-memory region described in
// spec §6: a process-wide area carrying the start rendezvous, the stop flag,
// the warmup counter and the exit-node bitmap. Per spec §9 ("forbid ambient
// globals") it is modeled as a single struct of atomics owned by the engine
// handle and passed explicitly, rather than an actual mmap'd segment; the
// fields and their semantics match the external interface regardless of
// whether the process-split ("SOC") transport is ever wired up.
package channel

import (
	"sync/atomic"

	"github.com/outofforest/quantum/rendezvous"
)

// New creates a new, empty Channel.
func New() *Channel {
	return &Channel{
		startRendezvous: rendezvous.New(),
	}
}

// Channel is the process-wide coordination region shared by every worker,
// logger, and manager thread in the engine.
type Channel struct {
	startRendezvous *rendezvous.Rendezvous
	stopFlag        atomic.Bool
	warmupCounter   atomic.Uint32
	exitNodes       atomic.Uint32 // bitmap, one bit per NUMA node (spec §6: u16 bitmap)
	preloadSnapshot atomic.Bool
}

// StartRendezvous returns the one-shot barrier workers wait on before
// entering their main loop.
func (c *Channel) StartRendezvous() *rendezvous.Rendezvous {
	return c.startRendezvous
}

// RequestStop sets the engine-wide stop flag. Callers read it back through
// StopRequested; the engine's own worker and logger loops stop on context
// cancellation and do not poll it.
func (c *Channel) RequestStop() {
	c.stopFlag.Store(true)
}

// StopRequested reports whether shutdown has been requested.
func (c *Channel) StopRequested() bool {
	return c.stopFlag.Load()
}

// MarkWarmupComplete increments the count of threads (workers and loggers)
// that finished warmup.
func (c *Channel) MarkWarmupComplete() uint32 {
	return c.warmupCounter.Add(1)
}

// WarmupCompleteCount returns the number of threads that reported warmup completion.
func (c *Channel) WarmupCompleteCount() uint32 {
	return c.warmupCounter.Load()
}

// MarkNodeExited sets the bit for node in the exit-node bitmap.
func (c *Channel) MarkNodeExited(node uint8) {
	for {
		old := c.exitNodes.Load()
		next := old | 1<<node
		if c.exitNodes.CompareAndSwap(old, next) {
			return
		}
	}
}

// NodeExited reports whether node has reported exit.
func (c *Channel) NodeExited(node uint8) bool {
	return c.exitNodes.Load()&(1<<node) != 0
}

// SetPreloadSnapshotPages toggles the snapshot cache pre-fault option (§6
// cache.snapshot_cache_enabled + preload_snapshot_pages).
func (c *Channel) SetPreloadSnapshotPages(enabled bool) {
	c.preloadSnapshot.Store(enabled)
}

// PreloadSnapshotPages reports whether snapshot pages should be pre-faulted.
func (c *Channel) PreloadSnapshotPages() bool {
	return c.preloadSnapshot.Load()
}
