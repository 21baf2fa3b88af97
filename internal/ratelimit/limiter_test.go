package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	ms int64
}

func (c *fakeClock) now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.ms += d.Milliseconds()
	c.mu.Unlock()
}

func newTestLimiter(limit int, window time.Duration) (*Limiter, *fakeClock) {
	l := New(Config{Enabled: true, Limit: limit, Window: window})
	clock := &fakeClock{ms: 1_000_000}
	l.nowMs = clock.now
	return l, clock
}

func TestCheck_ThirdCallRejected(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	d := l.Check("203.0.113.5")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	clock.advance(10 * time.Second)
	d = l.Check("203.0.113.5")
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	clock.advance(5 * time.Second)
	d = l.Check("203.0.113.5")
	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
	assert.Equal(t, 45*time.Second, d.RetryAfter)
}

func TestCheck_WindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	require.True(t, l.Check("a").Allowed)
	clock.advance(30 * time.Second)
	require.True(t, l.Check("a").Allowed)
	require.False(t, l.Check("a").Allowed)

	// First event leaves the window; one slot frees up.
	clock.advance(30*time.Second + time.Millisecond)
	assert.True(t, l.Check("a").Allowed)
	assert.False(t, l.Check("a").Allowed)
}

func TestCheck_SourcesIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	assert.True(t, l.Check("a").Allowed)
	assert.False(t, l.Check("a").Allowed)
	assert.True(t, l.Check("b").Allowed)
}

func TestCheck_DisabledAlwaysAdmits(t *testing.T) {
	l := New(Config{Enabled: false, Limit: 1, Window: time.Minute})
	for i := 0; i < 10; i++ {
		assert.True(t, l.Check("a").Allowed)
	}
	assert.Equal(t, 0, l.Stats().TrackedSources)
}

func TestCheck_NeverExceedsLimitInAnyWindow(t *testing.T) {
	const limit = 5
	window := time.Second
	l, clock := newTestLimiter(limit, window)

	var admitted []int64
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 2000; i++ {
		clock.advance(time.Duration(rng.IntN(150)) * time.Millisecond)
		if l.Check("src").Allowed {
			admitted = append(admitted, clock.now())
		}
	}
	require.NotEmpty(t, admitted)

	for i := range admitted {
		count := 0
		for j := i; j < len(admitted) && admitted[j] < admitted[i]+window.Milliseconds(); j++ {
			count++
		}
		require.LessOrEqualf(t, count, limit, "window starting at %d admitted %d", admitted[i], count)
	}
}

func TestCheck_ConcurrentSourceNeverOverAdmits(t *testing.T) {
	l, _ := newTestLimiter(50, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if l.Check("shared").Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestSweep_RemovesIdleSources(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)
	for i := 0; i < 10; i++ {
		l.Check(fmt.Sprintf("198.51.100.%d", i))
	}
	clock.advance(30 * time.Second)
	l.Check("198.51.100.0")

	assert.Equal(t, 0, l.Sweep())
	assert.Equal(t, 10, l.Stats().TrackedSources)

	clock.advance(31 * time.Second)
	assert.Equal(t, 9, l.Sweep())
	assert.Equal(t, 1, l.Stats().TrackedSources)
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	require.True(t, l.Check("a").Allowed)
	require.False(t, l.Check("a").Allowed)

	l.Reset("a")
	assert.True(t, l.Check("a").Allowed)
}

func TestRun_StopsWithContext(t *testing.T) {
	l := New(Config{Enabled: true, SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
