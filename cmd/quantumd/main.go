// Command quantumd is the thin ambient driver spec.md §1 places out of scope
// for semantics: it loads options (§6) from flags into an engine.Config,
// wires an engine.Engine with the example genesis/transfer procedures, runs
// it until interrupted, and checkpoints on the way out. The core fabric
// lives entirely in package engine; this file is glue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	ctxlog "github.com/outofforest/logger"
	"github.com/outofforest/quantum/engine"
	"github.com/outofforest/quantum/tx/genesis"
	txtypes "github.com/outofforest/quantum/tx/types"
	"github.com/outofforest/quantum/tx/transfer"
	"github.com/outofforest/quantum/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := engine.DefaultConfig()

	threadGroupCount := flag.Int("thread.group_count", cfg.ThreadGroupCount, "number of NUMA-node thread groups")
	threadCountPerGroup := flag.Int("thread.thread_count_per_group", cfg.ThreadCountPerGroup, "workers per thread group")
	loggersPerNode := flag.Int("log.loggers_per_node", cfg.LoggersPerNode, "loggers per NUMA node")
	logBufferKB := flag.Int("log.log_buffer_kb", cfg.LogBufferKB, "per-worker log buffer size in KiB")
	logFileSizeMB := flag.Int64("log.log_file_size_mb", cfg.LogFileSizeMB, "log segment rotation size in MiB")
	logNullDevice := flag.Bool("log.emulation.null_device", cfg.LogNullDevice, "discard log writes instead of touching disk")
	logDirPattern := flag.String("log.dir_pattern", cfg.LogDirPattern, "per-(node,logger) log directory, $NODE$/$LOGGER$ tokens")
	pagePoolSizeMB := flag.Int("memory.page_pool_size_mb_per_node", cfg.PagePoolSizeMBPerNode, "storage byte budget per node, in MiB")
	snapshotCacheSizeMB := flag.Int("cache.snapshot_cache_size_mb_per_node", cfg.SnapshotCacheSizeMBPerNode, "snapshot cache/store size per node, in MiB")
	snapshotCacheEnabled := flag.Bool("cache.snapshot_cache_enabled", cfg.SnapshotCacheEnabled, "preload snapshot pages into cache at startup")
	snapshotFolderPattern := flag.String("snapshot.folder_path_pattern", cfg.SnapshotFolderPathPattern, "snapshot page folder, $NODE$/$LOGGER$ tokens")
	hotThreshold := flag.Uint("storage.hot_threshold", uint(cfg.HotThreshold), "hotness count routing a record to the pessimistic read path")
	xctAdvanceInterval := flag.Duration("xct.advance_interval", cfg.XctAdvanceInterval, "global epoch advance period")
	savepointPath := flag.String("savepoint.path", cfg.SavepointPath, "path to the recovery savepoint file, empty disables it")
	numAccounts := flag.Uint64("genesis.num_accounts", 1000, "accounts the genesis procedure funds at startup")
	initialBalance := flag.Uint64("genesis.initial_balance", 1000, "starting balance genesis funds each account with")
	flag.Parse()

	cfg.ThreadGroupCount = *threadGroupCount
	cfg.ThreadCountPerGroup = *threadCountPerGroup
	cfg.LoggersPerNode = *loggersPerNode
	cfg.LogBufferKB = *logBufferKB
	cfg.LogFileSizeMB = *logFileSizeMB
	cfg.LogNullDevice = *logNullDevice
	cfg.LogDirPattern = *logDirPattern
	cfg.PagePoolSizeMBPerNode = *pagePoolSizeMB
	cfg.SnapshotCacheSizeMBPerNode = *snapshotCacheSizeMB
	cfg.SnapshotCacheEnabled = *snapshotCacheEnabled
	cfg.SnapshotFolderPathPattern = *snapshotFolderPattern
	cfg.HotThreshold = uint32(*hotThreshold)
	cfg.XctAdvanceInterval = *xctAdvanceInterval
	cfg.SavepointPath = *savepointPath

	ctx, cancel := context.WithCancel(ctxlog.WithLogger(context.Background(), ctxlog.New(ctxlog.DefaultConfig)))
	defer cancel()
	log := ctxlog.Get(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg)
	if err != nil {
		return errors.Wrap(err, "wiring engine")
	}
	defer eng.Close()

	accounts, err := eng.RegisterSpace(types.StorageID(1), *numAccounts, 64, txtypes.AccountValueSize)
	if err != nil {
		return errors.Wrap(err, "registering accounts space")
	}
	if err := genesis.Register(eng.Registry(), accounts); err != nil {
		return errors.Wrap(err, "registering genesis procedure")
	}
	if err := transfer.Register(eng.Registry(), accounts); err != nil {
		return errors.Wrap(err, "registering transfer procedure")
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- eng.Run(ctx)
	}()

	// Give the rendezvous a moment to release the spawned goroutines before
	// impersonating the first transaction.
	time.Sleep(10 * time.Millisecond)

	if _, err := eng.Execute(genesis.ProcedureName, nil,
		txtypes.EncodeGenesisRequest(txtypes.GenesisRequest{
			NumAccounts:    *numAccounts,
			InitialBalance: *initialBalance,
		})); err != nil {
		log.Error("genesis procedure failed", zap.Error(err))
	} else {
		log.Info("genesis complete", zap.Uint64("accounts", *numAccounts))
	}

	if err := eng.PreloadSnapshotCache(); err != nil {
		log.Warn("preloading snapshot cache failed", zap.Error(err))
	}

	<-ctx.Done()
	eng.Shutdown()

	if err := eng.Checkpoint(); err != nil {
		log.Error("checkpoint failed", zap.Error(err))
	}

	if err := <-runErr; err != nil && errors.Is(err, context.Canceled) {
		return nil
	} else if err != nil {
		return err
	}
	return nil
}
