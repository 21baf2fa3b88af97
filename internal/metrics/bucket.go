package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
)

// defaultBucketSeconds is the history bucket width.
const defaultBucketSeconds = 300

// BucketAggregator accumulates per-protocol traffic and request counts
// within time buckets aligned to the bucket width. Thread-safe.
type BucketAggregator struct {
	mu            sync.Mutex
	bucketSeconds int64
	currentStart  int64
	accum         map[string]*model.TrafficBucket // protocol -> current bucket
}

// NewBucketAggregator creates an aggregator with the given bucket width.
func NewBucketAggregator(bucketSeconds int, now time.Time) *BucketAggregator {
	if bucketSeconds <= 0 {
		bucketSeconds = defaultBucketSeconds
	}
	b := &BucketAggregator{
		bucketSeconds: int64(bucketSeconds),
		accum:         make(map[string]*model.TrafficBucket),
	}
	b.currentStart = b.align(now)
	return b
}

func (b *BucketAggregator) align(t time.Time) int64 {
	return (t.Unix() / b.bucketSeconds) * b.bucketSeconds
}

// BucketSeconds returns the bucket width.
func (b *BucketAggregator) BucketSeconds() int64 { return b.bucketSeconds }

func (b *BucketAggregator) get(protocol string) *model.TrafficBucket {
	acc, ok := b.accum[protocol]
	if !ok {
		acc = &model.TrafficBucket{Protocol: protocol}
		b.accum[protocol] = acc
	}
	return acc
}

// AddTraffic records a traffic delta into the current bucket.
func (b *BucketAggregator) AddTraffic(protocol string, ingress, egress int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.get(protocol)
	acc.IngressBytes += ingress
	acc.EgressBytes += egress
}

// AddRequest records a finished request into the current bucket.
func (b *BucketAggregator) AddRequest(protocol string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.get(protocol)
	acc.TotalRequests++
	if ok {
		acc.OKRequests++
	}
}

// Rotate returns the accumulated rows when now has crossed into a later
// bucket, and starts a fresh one. It returns nil while the bucket is open.
func (b *BucketAggregator) Rotate(now time.Time) []model.TrafficBucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := b.align(now)
	if start <= b.currentStart {
		return nil
	}
	rows := b.drainLocked()
	b.currentStart = start
	return rows
}

// Drain returns the open bucket's rows and resets it without moving the
// bucket boundary. Used on shutdown.
func (b *BucketAggregator) Drain() []model.TrafficBucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked()
}

// Snapshot returns a copy of the open bucket's rows.
func (b *BucketAggregator) Snapshot() []model.TrafficBucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rowsLocked()
}

func (b *BucketAggregator) drainLocked() []model.TrafficBucket {
	rows := b.rowsLocked()
	b.accum = make(map[string]*model.TrafficBucket)
	return rows
}

func (b *BucketAggregator) rowsLocked() []model.TrafficBucket {
	if len(b.accum) == 0 {
		return nil
	}
	rows := make([]model.TrafficBucket, 0, len(b.accum))
	for _, acc := range b.accum {
		row := *acc
		row.BucketStartUnix = b.currentStart
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Protocol < rows[j].Protocol })
	return rows
}
