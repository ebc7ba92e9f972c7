package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/parallel"

	"github.com/outofforest/quantum/channel"
	"github.com/outofforest/quantum/logbuf"
	"github.com/outofforest/quantum/logger"
	"github.com/outofforest/quantum/partition"
	"github.com/outofforest/quantum/persistent"
	"github.com/outofforest/quantum/snapshotmgr"
	"github.com/outofforest/quantum/storage/array"
	"github.com/outofforest/quantum/types"
	"github.com/outofforest/quantum/worker"
	"github.com/outofforest/quantum/xct"
	"github.com/outofforest/quantum/xctmgr"
)

// Engine wires every subsystem of spec §2 into one handle: the shared-memory
// channel, the Xct manager, a worker pool with its own transaction contexts
// and log buffers, a logger per NUMA node, the partitioner, and the snapshot
// manager. Grounded on the teacher's (deleted) db.go New() wiring shape.
type Engine struct {
	cfg Config

	channel     *channel.Channel
	xctMgr      *xctmgr.Manager
	partitioner *partition.Partitioner
	registry    *worker.Registry
	pool        *worker.Pool

	workers    []*worker.Worker
	loggers    []*logger.Logger
	loggerDirs []string

	snapshotMgr   *snapshotmgr.Manager
	snapshotStore *persistent.MemoryStore
	closeStore    func()

	mu              sync.Mutex
	spaces          map[types.StorageID]*array.Space
	pageBudgetBytes uint64
	pageUsedBytes   uint64

	statsMu sync.Mutex
	stats   Stats
}

// New wires an Engine from cfg. The returned Engine has no procedures or
// storage spaces registered yet; call RegisterProcedure/RegisterSpace before
// Run.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ch := channel.New()
	ch.SetPreloadSnapshotPages(cfg.SnapshotCacheEnabled)

	xctMgr := xctmgr.New(cfg.XctAdvanceInterval)

	nodes := make([]types.NumaNode, cfg.ThreadGroupCount)
	for i := range nodes {
		nodes[i] = types.NumaNode(i)
	}
	partitioner := partition.New(nodes)

	registry := worker.NewRegistry()

	var workers []*worker.Worker
	buffersByNode := make([][]*logbuf.Buffer, cfg.ThreadGroupCount)
	var workerID types.WorkerID
	for node := 0; node < cfg.ThreadGroupCount; node++ {
		for i := 0; i < cfg.ThreadCountPerGroup; i++ {
			buf := logbuf.NewBuffer(cfg.LogBufferKB * 1024)
			x := xct.New(buf, xctMgr)
			x.SetHotThreshold(cfg.HotThreshold)
			w := worker.New(workerID, types.NumaNode(node), x)

			workers = append(workers, w)
			buffersByNode[node] = append(buffersByNode[node], buf)
			xctMgr.RegisterObserver(x)
			workerID++
		}
	}

	var loggers []*logger.Logger
	var loggerDirs []string
	var loggerID types.LoggerID
	for node := 0; node < cfg.ThreadGroupCount; node++ {
		perLogger := splitEvenly(buffersByNode[node], cfg.LoggersPerNode)
		for l := 0; l < cfg.LoggersPerNode; l++ {
			dir := expandPattern(cfg.LogDirPattern, types.NumaNode(node), loggerID)
			lg := logger.New(types.NumaNode(node), loggerID, dir,
				cfg.LogFileSizeMB*1024*1024, cfg.LogNullDevice)
			for _, buf := range perLogger[l] {
				lg.AddSource(buf)
			}
			xctMgr.RegisterLogger(lg)
			loggers = append(loggers, lg)
			loggerDirs = append(loggerDirs, dir)
			loggerID++
		}
	}

	if cfg.SavepointPath != "" {
		sp, err := LoadSavepoint(cfg.SavepointPath)
		if err != nil {
			return nil, err
		}
		for i, dir := range loggerDirs {
			offset, ok := sp.OffsetDurable(types.LoggerID(i))
			if !ok {
				continue
			}
			if err := recoverLogger(dir, offset); err != nil {
				return nil, err
			}
		}
	}

	pool := worker.NewPool(registry, workers...)

	spillDir := cfg.SnapshotFolderPathPattern
	if spillDir == "" {
		spillDir = "."
	}
	snapMgr := snapshotmgr.New(spillDir)

	storeSize := uint64(cfg.SnapshotCacheSizeMBPerNode) * uint64(cfg.ThreadGroupCount) * 1024 * 1024
	if storeSize == 0 {
		storeSize = 1024 * 1024
	}
	store, closeStore, err := persistent.NewMemoryStore(storeSize, false)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &Engine{
		cfg:             cfg,
		channel:         ch,
		xctMgr:          xctMgr,
		partitioner:     partitioner,
		registry:        registry,
		pool:            pool,
		workers:         workers,
		loggers:         loggers,
		loggerDirs:      loggerDirs,
		snapshotMgr:     snapMgr,
		snapshotStore:   store,
		closeStore:      closeStore,
		spaces:          map[types.StorageID]*array.Space{},
		pageBudgetBytes: uint64(cfg.PagePoolSizeMBPerNode) * uint64(cfg.ThreadGroupCount) * 1024 * 1024,
	}, nil
}

// splitEvenly distributes items into n buckets as evenly as possible,
// preserving order, for assigning a node's worker log buffers to its
// configured loggers.log.loggers_per_node.
func splitEvenly[T any](items []T, n int) [][]T {
	buckets := make([][]T, n)
	for i, item := range items {
		buckets[i%n] = append(buckets[i%n], item)
	}
	return buckets
}

// Close releases the engine's backing memory stores. Call after Run returns.
func (e *Engine) Close() {
	if e.closeStore != nil {
		e.closeStore()
	}
}

// RegisterProcedure adds a named worker procedure (spec §4.5) directly.
// Procedures that come packaged as a Register(reg, ...) helper, such as
// tx/genesis.Register or tx/transfer.Register, should use Registry() instead.
func (e *Engine) RegisterProcedure(name string, proc worker.Procedure) error {
	return e.registry.Register(name, proc)
}

// Registry exposes the engine's worker.Registry so that a
// Register(reg *worker.Registry, ...) helper package, such as tx/genesis or
// tx/transfer, can add itself before Run starts.
func (e *Engine) Registry() *worker.Registry {
	return e.registry
}

// RegisterSpace creates a new Array storage space and enforces
// memory.page_pool_size_mb_per_node as a total-bytes budget across every
// space this engine owns (see Config.PagePoolSizeMBPerNode).
func (e *Engine) RegisterSpace(storageID types.StorageID, numPages, pageSpan, itemValueSize uint64) (*array.Space, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.spaces[storageID]; exists {
		return nil, errors.Errorf("engine: storage id %d already registered", storageID)
	}

	bytes := numPages * types.NodeLength
	if e.pageUsedBytes+bytes > e.pageBudgetBytes {
		return nil, errors.Errorf(
			"engine: space of %d bytes would exceed memory.page_pool_size_mb_per_node budget (%d used, %d budget)",
			bytes, e.pageUsedBytes, e.pageBudgetBytes)
	}

	space, err := array.NewSpace(storageID, numPages, pageSpan, itemValueSize)
	if err != nil {
		return nil, err
	}

	e.spaces[storageID] = space
	e.pageUsedBytes += bytes
	return space, nil
}

// Space returns a previously registered storage space.
func (e *Engine) Space(storageID types.StorageID) (*array.Space, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	space, ok := e.spaces[storageID]
	return space, ok
}

// Partitioner exposes the engine's Partitioner for callers assigning child
// pages/log entries across NUMA nodes (spec §4.6).
func (e *Engine) Partitioner() *partition.Partitioner {
	return e.partitioner
}

// Impersonate claims any free worker to run procName with input, per spec
// §4.5. The caller must Release or poll the returned Session.
func (e *Engine) Impersonate(procName string, input []byte) (*worker.Session, bool) {
	return e.pool.Impersonate(procName, input)
}

// ImpersonateOnNumaNode is Impersonate restricted to workers pinned to node.
func (e *Engine) ImpersonateOnNumaNode(node types.NumaNode, procName string, input []byte) (*worker.Session, bool) {
	return e.pool.ImpersonateOnNumaNode(node, procName, input)
}

// Execute is the synchronous convenience wrapper most callers want: claim a
// worker, block until it finishes, fold the result into Stats, and return
// its output buffer. node is nil to let any worker handle it.
func (e *Engine) Execute(procName string, node *types.NumaNode, input []byte) ([]byte, error) {
	var sess *worker.Session
	var ok bool
	if node != nil {
		sess, ok = e.pool.ImpersonateOnNumaNode(*node, procName, input)
	} else {
		sess, ok = e.pool.Impersonate(procName, input)
	}
	if !ok {
		return nil, xct.NewError(xct.NoFreeWorker)
	}

	sess.Release()
	err := sess.GetResult()

	e.statsMu.Lock()
	e.stats.recordResult(err)
	e.statsMu.Unlock()

	if err != nil {
		return nil, err
	}
	return sess.GetRawOutputBuffer(), nil
}

// Stats returns a snapshot of the per-worker abort counters aggregated so
// far (SPEC_FULL §10).
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Run starts the Xct manager's epoch-advance loop, every logger's drain
// loop, and every worker's dispatch loop, releasing them together through
// the shared-memory channel's start rendezvous once all are spawned (spec
// §6 "start_rendezvous"). It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	rv := e.channel.StartRendezvous()

	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("xctmgr", parallel.Fail, e.xctMgr.Run)

		for i, lg := range e.loggers {
			i, lg := i, lg
			spawn(fmt.Sprintf("logger-%d", i), parallel.Fail, func(ctx context.Context) error {
				if !rv.Wait(ctx.Done()) {
					return errors.WithStack(ctx.Err())
				}
				e.channel.MarkWarmupComplete()
				return lg.Run(ctx)
			})
		}

		for _, w := range e.workers {
			w := w
			spawn(fmt.Sprintf("worker-%d", w.ID), parallel.Fail, func(ctx context.Context) error {
				if !rv.Wait(ctx.Done()) {
					return errors.WithStack(ctx.Err())
				}
				e.channel.MarkWarmupComplete()
				return w.Run(ctx)
			})
		}

		rv.Fire()
		return nil
	})

	for node := 0; node < e.cfg.ThreadGroupCount; node++ {
		e.channel.MarkNodeExited(uint8(node))
	}
	return err
}

// Shutdown requests the engine-wide cooperative stop flag (spec §6
// "stop_flag"). The caller is still responsible for cancelling the context
// passed to Run; this flag exists for SOC-mode parity and for any future
// cooperative-polling loop built on top of Engine.
func (e *Engine) Shutdown() {
	e.channel.RequestStop()
}
