// Package scanloop runs periodic background work such as ban sweeps,
// federation syncs and metric sampling.
package scanloop

import (
	"context"
	"math/rand/v2"
	"time"
)

// Loop describes a periodic task. Each wait lasts Interval plus a random
// share of Jitter. Immediate runs the task once before the first wait.
type Loop struct {
	Interval  time.Duration
	Jitter    time.Duration
	Immediate bool
}

func (l Loop) next() time.Duration {
	d := l.Interval
	if d <= 0 {
		d = time.Second
	}
	if l.Jitter > 0 {
		d += rand.N(l.Jitter)
	}
	return d
}

// Run calls fn on the loop's schedule until ctx is done. fn runs on the
// calling goroutine, so a slow call delays the next one instead of
// overlapping it.
func (l Loop) Run(ctx context.Context, fn func(context.Context)) {
	if l.Immediate && ctx.Err() == nil {
		fn(ctx)
	}
	for {
		t := time.NewTimer(l.next())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		fn(ctx)
	}
}

// Every calls fn each interval until ctx is done.
func Every(ctx context.Context, interval time.Duration, fn func()) {
	Loop{Interval: interval}.Run(ctx, func(context.Context) { fn() })
}
