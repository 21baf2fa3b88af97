// Package ratelimit implements a per-source sliding-window admission counter.
package ratelimit

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/EntropyParadigm/pure-gopher/internal/scanloop"
)

// Defaults used when Config leaves a field at zero.
const (
	DefaultLimit         = 60
	DefaultWindow        = time.Minute
	DefaultSweepInterval = time.Minute
)

// Config controls a Limiter.
type Config struct {
	Enabled       bool
	Limit         int
	Window        time.Duration
	SweepInterval time.Duration
}

// Decision is the outcome of one Check call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Stats is a point-in-time summary for the admin surfaces.
type Stats struct {
	Enabled        bool  `json:"enabled"`
	Limit          int   `json:"limit"`
	WindowMs       int64 `json:"window_ms"`
	TrackedSources int   `json:"tracked_sources"`
}

// Limiter counts events per source over a sliding window. Each source's
// timestamp list is updated under xsync's per-key Compute; there is no
// table-wide lock.
type Limiter struct {
	enabled       bool
	limit         int
	windowMs      int64
	sweepInterval time.Duration

	// windows holds monotonic millisecond timestamps in ascending order.
	windows *xsync.Map[string, []int64]
	nowMs   func() int64
	logger  *log.Logger
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	base := time.Now()
	return &Limiter{
		enabled:       cfg.Enabled,
		limit:         cfg.Limit,
		windowMs:      cfg.Window.Milliseconds(),
		sweepInterval: cfg.SweepInterval,
		windows:       xsync.NewMap[string, []int64](),
		nowMs:         func() int64 { return time.Since(base).Milliseconds() },
		logger:        log.WithPrefix("ratelimit"),
	}
}

// Check records one event for source and reports whether it is admitted.
// A disabled limiter admits everything without tracking.
func (l *Limiter) Check(source string) Decision {
	if !l.enabled {
		return Decision{Allowed: true, Remaining: l.limit}
	}

	now := l.nowMs()
	var d Decision
	l.windows.Compute(source, func(ts []int64, loaded bool) ([]int64, xsync.ComputeOp) {
		ts = trimStale(ts, now-l.windowMs)
		if len(ts) < l.limit {
			d = Decision{Allowed: true, Remaining: l.limit - len(ts) - 1}
			return append(ts, now), xsync.UpdateOp
		}
		d = Decision{RetryAfter: time.Duration(ts[0]+l.windowMs-now) * time.Millisecond}
		return ts, xsync.UpdateOp
	})
	return d
}

// Reset forgets all events recorded for source.
func (l *Limiter) Reset(source string) {
	l.windows.Delete(source)
}

// Stats reports the limiter configuration and the number of tracked sources.
func (l *Limiter) Stats() Stats {
	return Stats{
		Enabled:        l.enabled,
		Limit:          l.limit,
		WindowMs:       l.windowMs,
		TrackedSources: l.windows.Size(),
	}
}

// Run sweeps stale sources every SweepInterval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	if !l.enabled {
		return
	}
	scanloop.Every(ctx, l.sweepInterval, func() {
		if n := l.Sweep(); n > 0 {
			l.logger.Debug("swept idle sources", "removed", n)
		}
	})
}

// Sweep drops sources whose windows hold no live timestamps and returns how
// many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.nowMs() - l.windowMs
	removed := 0
	l.windows.Range(func(source string, _ []int64) bool {
		l.windows.Compute(source, func(ts []int64, loaded bool) ([]int64, xsync.ComputeOp) {
			if !loaded {
				return ts, xsync.CancelOp
			}
			ts = trimStale(ts, cutoff)
			if len(ts) == 0 {
				removed++
				return nil, xsync.DeleteOp
			}
			return ts, xsync.UpdateOp
		})
		return true
	})
	return removed
}

// trimStale drops timestamps at or before cutoff. ts is ascending.
func trimStale(ts []int64, cutoff int64) []int64 {
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	if i == 0 {
		return ts
	}
	out := make([]int64, len(ts)-i, len(ts)-i+1)
	copy(out, ts[i:])
	return out
}
