//go:build linux

package ael

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteOnceIn_singleDelivery(t *testing.T) {
	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	var count atomic.Int64
	latch := newCountDownLatch(1)

	_, err = loop.ExecuteOnceIn(50*time.Millisecond, func() {
		count.Add(1)
		latch.Dec()
	})
	require.NoError(t, err)

	require.True(t, latch.Wait(5*time.Second))

	// No further deliveries for a one-shot.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
}

func TestExecuteInterval_deliveryCountAndCancel(t *testing.T) {
	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	var count atomic.Int64

	timer, err := loop.ExecuteInterval(10*time.Millisecond, func() {
		count.Add(1)
	})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	timer.Cancel()
	observed := count.Load()

	// The first delivery is immediate, then one per interval; allow for
	// scheduler jitter on the upper bound.
	assert.GreaterOrEqual(t, observed, int64(3))
	assert.LessOrEqual(t, observed, int64(8))

	// Zero further invocations after a quiet period.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, observed, count.Load())
}

func TestExecuteOnceIn_cancelBeforeDeadline(t *testing.T) {
	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	var count atomic.Int64

	timer, err := loop.ExecuteOnceIn(100*time.Millisecond, func() {
		count.Add(1)
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	timer.Cancel()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(0), count.Load())
}

func TestCancel_idempotentAndCrossGoroutine(t *testing.T) {
	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	timer, err := loop.ExecuteInterval(5*time.Millisecond, func() {})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			timer.Cancel()
		}()
	}
	wg.Wait()

	// And again, after everything settled.
	timer.Cancel()
}

func TestExecuteIntervalIn_delayedStart(t *testing.T) {
	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	var count atomic.Int64

	timer, err := loop.ExecuteIntervalIn(20*time.Millisecond, 100*time.Millisecond, func() {
		count.Add(1)
	})
	require.NoError(t, err)
	defer timer.Cancel()

	// Before the initial delay, nothing fires.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), count.Load())

	time.Sleep(150 * time.Millisecond)
	assert.GreaterOrEqual(t, count.Load(), int64(1))
}

func TestExecuteTimer_invalidDurations(t *testing.T) {
	loop, err := Create()
	require.NoError(t, err)
	defer DestroyAll()

	_, err = loop.ExecuteOnceIn(0, func() {})
	assert.ErrorIs(t, err, ErrZeroTimerDurations)
}
