package scanloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		Every(ctx, 5*time.Millisecond, func() { calls.Add(1) })
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not return after cancel")
	}
}

func TestLoop_ImmediateRunsBeforeFirstInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	go Loop{Interval: time.Hour, Immediate: true}.Run(ctx, func(context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("immediate run did not happen")
	}
}

func TestLoop_CancelledContextSkipsImmediate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	Loop{Interval: time.Millisecond, Immediate: true}.Run(ctx, func(context.Context) { calls.Add(1) })
	assert.Zero(t, calls.Load())
}

func TestLoop_NextStaysWithinJitter(t *testing.T) {
	l := Loop{Interval: time.Minute, Jitter: 6 * time.Second}
	for range 100 {
		d := l.next()
		assert.GreaterOrEqual(t, d, time.Minute)
		assert.Less(t, d, time.Minute+6*time.Second)
	}
	assert.Equal(t, time.Second, Loop{}.next())
}
