//go:build linux

package ael

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteOnce_basic(t *testing.T) {
	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	const count = 5
	latch := newCountDownLatch(count)

	for i := 0; i < count; i++ {
		require.NoError(t, loop.ExecuteOnce(latch.Dec))
	}

	assert.True(t, latch.Wait(5*time.Second), "execute callbacks did not all run")
}

func TestExecuteOnce_runsOnLoopGoroutine(t *testing.T) {
	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	latch := newCountDownLatch(1)
	var loopID, cbID uint64

	require.NoError(t, loop.ExecuteOnce(func() {
		cbID = getGoroutineID()
		loopID = loop.goroutineID.Load()
		latch.Dec()
	}))

	require.True(t, latch.Wait(5*time.Second))
	assert.Equal(t, loopID, cbID)
	assert.NotZero(t, cbID)
}

func TestExecuteOnce_manyLoopsStress(t *testing.T) {
	const (
		loops        = 50
		perLoop      = 250
		totalTimeout = 10 * time.Second
	)

	defer DestroyAll()

	latch := newCountDownLatch(loops * perLoop)

	for i := 0; i < loops; i++ {
		loop, err := Create()
		require.NoError(t, err)
		for j := 0; j < perLoop; j++ {
			require.NoError(t, loop.ExecuteOnce(latch.Dec))
		}
	}

	assert.True(t, latch.Wait(totalTimeout), "latch did not reach zero in time")
}

func TestExecuteOnce_afterStop(t *testing.T) {
	loop, err := Create()
	require.NoError(t, err)
	loop.Stop()

	err = loop.ExecuteOnce(func() { t.Error("must not run") })
	assert.ErrorIs(t, err, ErrLoopStopped)
}

func TestEventLoop_doubleAttach(t *testing.T) {
	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	latch := newCountDownLatch(1)
	h := newExecuteHandler(loop, latch.Dec)

	// Execute handlers release their internal registration after firing, so
	// the first attach goes through the internal path.
	require.NoError(t, loop.attachInternal(h))
	assert.ErrorIs(t, loop.Attach(h), ErrHandlerAttached)
	require.True(t, latch.Wait(5*time.Second))
}

func TestDestroyAll_joinsEveryLoop(t *testing.T) {
	loops := make([]*EventLoop, 0, 5)

	for i := 0; i < 5; i++ {
		loop, err := Create()
		require.NoError(t, err)
		// Interval timers keep the loops busy while they are destroyed.
		_, err = loop.ExecuteInterval(time.Millisecond, func() {})
		require.NoError(t, err)
		loops = append(loops, loop)
	}

	DestroyAll()

	// DestroyAll returns only after every loop goroutine has joined; the
	// loops must all reject new work.
	for _, loop := range loops {
		select {
		case <-loop.done:
		default:
			t.Fatal("loop goroutine still running after DestroyAll")
		}
		assert.ErrorIs(t, loop.ExecuteOnce(func() {}), ErrLoopStopped)
	}
}
