// Package xctmgr implements the Xct manager of spec §4.4: the single
// current_global_epoch every worker's commits are stamped with, the
// grace_epoch fence that bounds how long a worker may hold a stale epoch as
// its active one, the durable_global_epoch watermark folded across loggers,
// and wait_for_durable. Grounded on alloc/state.go's Commit/pump supervisor
// idiom for the periodic-advance goroutine.
package xctmgr

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/parallel"

	ctxlog "github.com/outofforest/logger"
	"github.com/outofforest/quantum/epoch"
)

// DurableSource is the subset of *logger.Logger the manager polls to
// compute durable_global_epoch.
type DurableSource interface {
	DurableEpoch() epoch.Epoch
}

// Observer lets a worker report the epoch its currently-active transaction
// was stamped with, so the manager knows it is safe to retire grace_epoch-1
// (spec §4.4 "after ensuring all workers have observed the prior value").
type Observer interface {
	ObservedEpoch() epoch.Epoch
}

// Manager owns the engine's global epoch state.
type Manager struct {
	advanceInterval time.Duration

	mu        sync.Mutex
	current   epoch.Epoch
	grace     epoch.Epoch
	ordinals  map[epoch.Epoch]uint32
	observers []Observer
	loggers   []DurableSource

	durableMu sync.Mutex
	durable   epoch.Epoch
	waiters   []durableWaiter
}

type durableWaiter struct {
	target epoch.Epoch
	ch     chan struct{}
}

// New creates a Manager with current_global_epoch and grace_epoch both set
// to the first valid epoch, advancing every advanceInterval.
func New(advanceInterval time.Duration) *Manager {
	return &Manager{
		advanceInterval: advanceInterval,
		current:         epoch.Epoch(1),
		grace:           epoch.Epoch(1),
		ordinals:        map[epoch.Epoch]uint32{},
	}
}

// RegisterObserver adds a worker whose observed epoch gates grace_epoch
// advancement.
func (m *Manager) RegisterObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// RegisterLogger adds a per-NUMA-node logger whose DurableEpoch feeds
// durable_global_epoch.
func (m *Manager) RegisterLogger(l DurableSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggers = append(m.loggers, l)
}

// CurrentEpoch returns current_global_epoch, satisfying xct.EpochProvider.
func (m *Manager) CurrentEpoch() epoch.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// GraceEpoch returns grace_epoch: no worker may still be holding
// grace_epoch-1 as its active epoch.
func (m *Manager) GraceEpoch() epoch.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grace
}

// NextOrdinal returns an ordinal within e that is at least atLeast and
// greater than any previously issued ordinal in e, satisfying
// xct.EpochProvider.
func (m *Manager) NextOrdinal(e epoch.Epoch, atLeast uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.ordinals[e] + 1
	if atLeast > next {
		next = atLeast
	}
	m.ordinals[e] = next
	return next
}

// Run periodically advances current_global_epoch, then grace_epoch once
// every registered observer has caught up, and recomputes
// durable_global_epoch. It runs until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("epoch-advance", parallel.Fail, m.advanceLoop)
		spawn("durable-poll", parallel.Fail, m.durablePollLoop)
		return nil
	})
}

func (m *Manager) advanceLoop(ctx context.Context) error {
	log := ctxlog.Get(ctx)
	ticker := time.NewTicker(m.advanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
			m.advance(log)
		}
	}
}

func (m *Manager) advance(log *zap.Logger) {
	m.mu.Lock()
	prior := m.current
	m.current = m.current.Next()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	allCaughtUp := true
	for _, o := range observers {
		observed := o.ObservedEpoch()
		if observed.IsValid() && observed.Less(prior) {
			allCaughtUp = false
			break
		}
	}

	if allCaughtUp {
		m.mu.Lock()
		if m.grace.Less(prior) {
			m.grace = prior
		}
		newGrace := m.grace
		m.mu.Unlock()
		log.Debug("grace epoch advanced", zap.Uint32("epoch", uint32(newGrace)))
	}
}

func (m *Manager) durablePollLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.advanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
			m.recomputeDurable()
		}
	}
}

func (m *Manager) recomputeDurable() {
	m.mu.Lock()
	loggers := append([]DurableSource(nil), m.loggers...)
	m.mu.Unlock()

	if len(loggers) == 0 {
		return
	}

	var min epoch.Epoch
	first := true
	for _, l := range loggers {
		e := l.DurableEpoch()
		if !e.IsValid() {
			return
		}
		if first || e.Less(min) {
			min = e
			first = false
		}
	}

	m.durableMu.Lock()
	if m.durable.Less(min) || !m.durable.IsValid() {
		m.durable = min
	}
	ready := m.durable
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if w.target.LessOrEqual(ready) {
			close(w.ch)
			continue
		}
		remaining = append(remaining, w)
	}
	m.waiters = remaining
	m.durableMu.Unlock()
}

// DurableGlobalEpoch returns the current durable_global_epoch watermark.
func (m *Manager) DurableGlobalEpoch() epoch.Epoch {
	m.durableMu.Lock()
	defer m.durableMu.Unlock()
	return m.durable
}

// WaitForDurable blocks until durable_global_epoch >= target or ctx is
// cancelled (spec §4.4 wait_for_durable).
func (m *Manager) WaitForDurable(ctx context.Context, target epoch.Epoch) error {
	m.durableMu.Lock()
	if target.LessOrEqual(m.durable) {
		m.durableMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, durableWaiter{target: target, ch: ch})
	m.durableMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}
