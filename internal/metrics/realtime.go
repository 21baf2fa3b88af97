package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/EntropyParadigm/pure-gopher/internal/scanloop"
)

// RealtimeSample is a single point in the realtime ring buffer.
type RealtimeSample struct {
	Timestamp   time.Time `json:"ts"`
	IngressBPS  int64     `json:"ingress_bps"`
	EgressBPS   int64     `json:"egress_bps"`
	ActiveConns int64     `json:"active_connections"`
	RequestsPS  int64     `json:"requests_per_second"`
}

// RealtimeRing is a fixed-size ring buffer for realtime metric samples.
type RealtimeRing struct {
	mu      sync.RWMutex
	samples []RealtimeSample
	head    int
	count   int
	cap     int
}

// NewRealtimeRing creates a ring buffer with the given capacity.
func NewRealtimeRing(capacity int) *RealtimeRing {
	if capacity <= 0 {
		capacity = 3600 // 1 hour at 1s interval
	}
	return &RealtimeRing{
		samples: make([]RealtimeSample, capacity),
		cap:     capacity,
	}
}

// Push adds a sample to the ring buffer, overwriting the oldest if full.
func (r *RealtimeRing) Push(s RealtimeSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.head] = s
	r.head = (r.head + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
}

// Query returns samples within [from, to], newest first.
func (r *RealtimeRing) Query(from, to time.Time) []RealtimeSample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []RealtimeSample
	for i := 0; i < r.count; i++ {
		idx := (r.head - 1 - i + r.cap) % r.cap
		s := r.samples[idx]
		if s.Timestamp.Before(from) {
			break // chronological ring; nothing older qualifies
		}
		if !s.Timestamp.After(to) {
			result = append(result, s)
		}
	}
	return result
}

// Latest returns the most recent sample.
func (r *RealtimeRing) Latest() (RealtimeSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return RealtimeSample{}, false
	}
	idx := (r.head - 1 + r.cap) % r.cap
	return r.samples[idx], true
}

// Sampler turns the collector's running totals into per-second rates.
type Sampler struct {
	collector *Collector
	ring      *RealtimeRing
	interval  time.Duration
	now       func() time.Time

	last   TotalsSnapshot
	lastAt time.Time
}

// NewSampler creates a Sampler pushing into ring every interval.
func NewSampler(c *Collector, ring *RealtimeRing, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{collector: c, ring: ring, interval: interval, now: time.Now}
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	s.last, s.lastAt = s.collector.Totals(), s.now()
	scanloop.Every(ctx, s.interval, func() { s.Sample() })
}

// Sample records one point. Rates are normalized to the elapsed time since
// the previous sample.
func (s *Sampler) Sample() RealtimeSample {
	now := s.now()
	cur := s.collector.Totals()
	elapsed := now.Sub(s.lastAt).Seconds()
	if s.lastAt.IsZero() || elapsed <= 0 {
		elapsed = s.interval.Seconds()
	}
	sample := RealtimeSample{
		Timestamp:   now,
		IngressBPS:  int64(float64(cur.IngressBytes-s.last.IngressBytes) / elapsed),
		EgressBPS:   int64(float64(cur.EgressBytes-s.last.EgressBytes) / elapsed),
		RequestsPS:  int64(float64(cur.Requests-s.last.Requests) / elapsed),
		ActiveConns: cur.ActiveConns,
	}
	s.last, s.lastAt = cur, now
	s.ring.Push(sample)
	return sample
}
