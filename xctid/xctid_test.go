package xctid_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/quantum/epoch"
	"github.com/outofforest/quantum/xctid"
)

func TestNewPacksFields(t *testing.T) {
	assertT := assert.New(t)

	id := xctid.New(epoch.Epoch(5), 42)
	assertT.Equal(epoch.Epoch(5), id.Epoch())
	assertT.EqualValues(42, id.Ordinal())
	assertT.False(id.IsLocked())
	assertT.True(id.IsValid())
}

func TestLockedUnlocked(t *testing.T) {
	assertT := assert.New(t)

	id := xctid.New(epoch.Epoch(3), 1)
	locked := id.Locked()
	assertT.True(locked.IsLocked())
	assertT.Equal(epoch.Epoch(3), locked.Epoch())
	assertT.EqualValues(1, locked.Ordinal())

	unlocked := locked.Unlocked()
	assertT.False(unlocked.IsLocked())
	assertT.Equal(id, unlocked)
}

func TestBeforeComparesEpochThenOrdinal(t *testing.T) {
	assertT := assert.New(t)

	a := xctid.New(epoch.Epoch(1), 10)
	b := xctid.New(epoch.Epoch(1), 11)
	c := xctid.New(epoch.Epoch(2), 0)

	assertT.True(a.Before(b))
	assertT.False(b.Before(a))
	assertT.True(b.Before(c))
}

func TestControlBlockTryLockRejectsStaleObservation(t *testing.T) {
	requireT := require.New(t)

	var cb xctid.ControlBlock
	id := xctid.New(epoch.Epoch(1), 0)
	cb.Init(id)

	requireT.True(cb.TryLock(id))
	requireT.True(cb.Load().IsLocked())

	// A second attempt with the stale unlocked observation must fail.
	requireT.False(cb.TryLock(id))
}

func TestControlBlockPublishClearsLock(t *testing.T) {
	requireT := require.New(t)

	var cb xctid.ControlBlock
	id := xctid.New(epoch.Epoch(1), 0)
	cb.Init(id)
	requireT.True(cb.TryLock(id))

	newID := xctid.New(epoch.Epoch(1), 1)
	cb.Publish(newID)

	got := cb.Load()
	requireT.False(got.IsLocked())
	requireT.Equal(newID, got)
}

func TestControlBlockUnlockKeepsVersion(t *testing.T) {
	requireT := require.New(t)

	var cb xctid.ControlBlock
	id := xctid.New(epoch.Epoch(4), 7)
	cb.Init(id)
	requireT.True(cb.TryLock(id))

	cb.Unlock()

	got := cb.Load()
	requireT.False(got.IsLocked())
	requireT.Equal(id, got)
}

func TestOnlyOneOfManyConcurrentLockersWins(t *testing.T) {
	requireT := require.New(t)

	var cb xctid.ControlBlock
	id := xctid.New(epoch.Epoch(1), 0)
	cb.Init(id)

	const attempts = 32
	var wg sync.WaitGroup
	wins := make([]bool, attempts)
	wg.Add(attempts)
	for i := range attempts {
		go func(i int) {
			defer wg.Done()
			wins[i] = cb.TryLock(id)
		}(i)
	}
	wg.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	requireT.Equal(1, count)
}

func TestRecordHotnessSaturatesAndCools(t *testing.T) {
	requireT := require.New(t)

	r := xctid.NewRecord(xctid.New(epoch.Epoch(1), 0), make([]byte, 8))
	for range xctid.HotThresholdMax + 10 {
		r.Touch()
	}
	requireT.EqualValues(xctid.HotThresholdMax, r.Hotness())
	requireT.True(r.IsHot(200))

	r.Cool()
	requireT.EqualValues(xctid.HotThresholdMax/2, r.Hotness())
}
