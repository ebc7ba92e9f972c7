package channel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/outofforest/quantum/channel"
)

func TestStopFlag(t *testing.T) {
	assertT := assert.New(t)

	c := channel.New()
	assertT.False(c.StopRequested())
	c.RequestStop()
	assertT.True(c.StopRequested())
}

func TestWarmupCounter(t *testing.T) {
	assertT := assert.New(t)

	c := channel.New()
	assertT.EqualValues(0, c.WarmupCompleteCount())
	c.MarkWarmupComplete()
	c.MarkWarmupComplete()
	assertT.EqualValues(2, c.WarmupCompleteCount())
}

func TestExitNodesBitmap(t *testing.T) {
	assertT := assert.New(t)

	c := channel.New()
	assertT.False(c.NodeExited(0))
	assertT.False(c.NodeExited(3))

	c.MarkNodeExited(0)
	c.MarkNodeExited(3)

	assertT.True(c.NodeExited(0))
	assertT.True(c.NodeExited(3))
	assertT.False(c.NodeExited(1))
}

func TestPreloadSnapshotPages(t *testing.T) {
	assertT := assert.New(t)

	c := channel.New()
	assertT.False(c.PreloadSnapshotPages())
	c.SetPreloadSnapshotPages(true)
	assertT.True(c.PreloadSnapshotPages())
}

func TestStartRendezvous(t *testing.T) {
	assertT := assert.New(t)

	c := channel.New()
	assertT.False(c.StartRendezvous().Fired())
	c.StartRendezvous().Fire()
	assertT.True(c.StartRendezvous().Fired())
}
