package rendezvous_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/quantum/rendezvous"
)

func TestFireReleasesAllWaiters(t *testing.T) {
	requireT := require.New(t)

	r := rendezvous.New()

	const numWaiters = 8
	var wg sync.WaitGroup
	wg.Add(numWaiters)
	for range numWaiters {
		go func() {
			defer wg.Done()
			requireT.True(r.Wait(nil))
		}()
	}

	r.Fire()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters were not released")
	}
}

func TestWaitAfterFireReturnsImmediately(t *testing.T) {
	assertT := assert.New(t)

	r := rendezvous.New()
	r.Fire()

	assertT.True(r.Fired())
	assertT.True(r.Wait(nil))
}

func TestFireIsIdempotent(t *testing.T) {
	assertT := assert.New(t)

	r := rendezvous.New()
	assertT.NotPanics(func() {
		r.Fire()
		r.Fire()
	})
}

func TestWaitUnblocksOnCancellation(t *testing.T) {
	requireT := require.New(t)

	r := rendezvous.New()
	cancelCh := make(chan struct{})
	close(cancelCh)

	requireT.False(r.Wait(cancelCh))
	requireT.False(r.Fired())
}
