package xctmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/quantum/epoch"
	"github.com/outofforest/quantum/xctmgr"
)

type fakeObserver struct {
	epoch epoch.Epoch
}

func (f *fakeObserver) ObservedEpoch() epoch.Epoch {
	return f.epoch
}

type fakeLogger struct {
	epoch epoch.Epoch
}

func (f *fakeLogger) DurableEpoch() epoch.Epoch {
	return f.epoch
}

func TestNextOrdinalMonotonicPerEpoch(t *testing.T) {
	requireT := require.New(t)

	m := xctmgr.New(time.Hour)
	e := epoch.Epoch(1)

	requireT.EqualValues(1, m.NextOrdinal(e, 0))
	requireT.EqualValues(2, m.NextOrdinal(e, 0))
	requireT.EqualValues(10, m.NextOrdinal(e, 10))
	requireT.EqualValues(11, m.NextOrdinal(e, 0))
}

func TestWaitForDurableUnblocksWhenThresholdMet(t *testing.T) {
	requireT := require.New(t)

	m := xctmgr.New(5 * time.Millisecond)
	l := &fakeLogger{epoch: epoch.Epoch(1)}
	m.RegisterLogger(l)

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	defer cancel()

	group := parallel.NewGroup(ctx)
	group.Spawn("mgr", parallel.Continue, m.Run)

	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	requireT.NoError(m.WaitForDurable(waitCtx, epoch.Epoch(1)))

	cancel()
	_ = group.Wait()
}

func TestWaitForDurableTimesOutWhenNeverReached(t *testing.T) {
	requireT := require.New(t)

	m := xctmgr.New(5 * time.Millisecond)
	l := &fakeLogger{epoch: epoch.Epoch(1)}
	m.RegisterLogger(l)

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	defer cancel()

	group := parallel.NewGroup(ctx)
	group.Spawn("mgr", parallel.Continue, m.Run)

	waitCtx, waitCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer waitCancel()
	err := m.WaitForDurable(waitCtx, epoch.Epoch(5))
	requireT.Error(err)

	cancel()
	_ = group.Wait()
}

func TestGraceEpochAdvancesOnlyWhenObserversCaughtUp(t *testing.T) {
	requireT := require.New(t)

	m := xctmgr.New(5 * time.Millisecond)
	slowObserver := &fakeObserver{epoch: epoch.Epoch(1)}
	m.RegisterObserver(slowObserver)

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	defer cancel()

	group := parallel.NewGroup(ctx)
	group.Spawn("mgr", parallel.Continue, m.Run)

	time.Sleep(30 * time.Millisecond)
	requireT.True(m.CurrentEpoch().Equal(epoch.Epoch(1)) || epoch.Epoch(1).Less(m.CurrentEpoch()))
	// The observer never leaves epoch 1, so grace_epoch cannot move past it.
	requireT.Equal(epoch.Epoch(1), m.GraceEpoch())

	cancel()
	_ = group.Wait()
}
