package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/scanloop"
)

const (
	defaultRetention  = 7 * 24 * time.Hour
	maxPendingBuckets = 64
)

// HistoryStore persists closed buckets. *state.Repo implements it.
type HistoryStore interface {
	AddTrafficBuckets(rows []model.TrafficBucket) error
	ListTrafficBuckets(fromUnix, toUnix int64) ([]model.TrafficBucket, error)
	DeleteTrafficBucketsBefore(cutoffUnix int64) (int64, error)
}

// History flushes closed buckets to the store and answers range queries
// over persisted plus in-flight data.
type History struct {
	buckets   *BucketAggregator
	store     HistoryStore
	retention time.Duration
	now       func() time.Time
	logger    *log.Logger

	mu      sync.Mutex
	pending []model.TrafficBucket // rows whose write failed, retried next flush
}

// NewHistory creates a History over c's aggregator. retention <= 0 uses
// seven days.
func NewHistory(c *Collector, store HistoryStore, retention time.Duration) *History {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &History{
		buckets:   c.Buckets(),
		store:     store,
		retention: retention,
		now:       time.Now,
		logger:    log.WithPrefix("metrics"),
	}
}

// Run checks for bucket rollover until ctx is done, then persists the open
// bucket.
func (h *History) Run(ctx context.Context) {
	tick := time.Duration(h.buckets.BucketSeconds()) * time.Second / 10
	tick = min(max(tick, time.Second), 30*time.Second)
	scanloop.Every(ctx, tick, h.Flush)
	h.write(h.buckets.Drain())
}

// Flush persists the previous bucket if the boundary was crossed, and
// prunes rows older than the retention window.
func (h *History) Flush() {
	rows := h.buckets.Rotate(h.now())
	if rows == nil && !h.hasPending() {
		return
	}
	h.write(rows)
	cutoff := h.now().Add(-h.retention).Unix()
	if n, err := h.store.DeleteTrafficBucketsBefore(cutoff); err != nil {
		h.logger.Warn("prune traffic history failed", "err", err)
	} else if n > 0 {
		h.logger.Debug("pruned traffic history", "rows", n)
	}
}

func (h *History) hasPending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending) > 0
}

func (h *History) write(rows []model.TrafficBucket) {
	h.mu.Lock()
	batch := append(h.pending, rows...)
	h.pending = nil
	h.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := h.store.AddTrafficBuckets(batch); err != nil {
		h.logger.Warn("persist traffic history failed", "rows", len(batch), "err", err)
		h.mu.Lock()
		if len(batch) > maxPendingBuckets {
			batch = batch[len(batch)-maxPendingBuckets:]
		}
		h.pending = append(batch, h.pending...)
		h.mu.Unlock()
	}
}

// Query returns buckets with from <= start <= to, oldest first, including
// the open bucket.
func (h *History) Query(from, to time.Time) ([]model.TrafficBucket, error) {
	rows, err := h.store.ListTrafficBuckets(from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	extra := append([]model.TrafficBucket(nil), h.pending...)
	h.mu.Unlock()
	extra = append(extra, h.buckets.Snapshot()...)
	for _, row := range extra {
		if row.BucketStartUnix < from.Unix() || row.BucketStartUnix > to.Unix() {
			continue
		}
		rows = mergeBucket(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].BucketStartUnix != rows[j].BucketStartUnix {
			return rows[i].BucketStartUnix < rows[j].BucketStartUnix
		}
		return rows[i].Protocol < rows[j].Protocol
	})
	return rows, nil
}

func mergeBucket(rows []model.TrafficBucket, row model.TrafficBucket) []model.TrafficBucket {
	for i := range rows {
		if rows[i].BucketStartUnix == row.BucketStartUnix && rows[i].Protocol == row.Protocol {
			rows[i].IngressBytes += row.IngressBytes
			rows[i].EgressBytes += row.EgressBytes
			rows[i].TotalRequests += row.TotalRequests
			rows[i].OKRequests += row.OKRequests
			return rows
		}
	}
	return append(rows, row)
}
