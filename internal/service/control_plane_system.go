package service

import (
	"time"

	"github.com/EntropyParadigm/pure-gopher/internal/admission"
	"github.com/EntropyParadigm/pure-gopher/internal/blocklist"
	"github.com/EntropyParadigm/pure-gopher/internal/metrics"
	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/ratelimit"
)

// maxHistoryRange bounds one history query.
const maxHistoryRange = 31 * 24 * time.Hour

// Stats is the admin summary of server state.
type Stats struct {
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Admission     admission.Stats        `json:"admission"`
	RateLimit     ratelimit.Stats        `json:"rate_limit"`
	Blocklist     blocklist.Stats        `json:"blocklist"`
	Bans          int                    `json:"bans"`
	Reputation    int                    `json:"reputation_tracked"`
	Peers         map[string]int         `json:"peers"`
	Traffic       metrics.TotalsSnapshot `json:"traffic"`
	GeoIPLoaded   bool                   `json:"geoip_loaded"`
}

// GetStats returns a point-in-time summary.
func (cp *ControlPlaneService) GetStats() Stats {
	s := Stats{
		Admission:   cp.Pipeline.Stats(),
		RateLimit:   cp.Limiter.Stats(),
		Blocklist:   cp.Blocklist.Stats(),
		Bans:        len(cp.Bans.List()),
		Reputation:  len(cp.Reputation.List()),
		Peers:       cp.Federation.StatusCounts(),
		GeoIPLoaded: cp.GeoIP != nil && cp.GeoIP.Loaded(),
	}
	if !cp.StartedAt.IsZero() {
		s.UptimeSeconds = int64(time.Since(cp.StartedAt).Seconds())
	}
	if cp.Metrics != nil {
		s.Traffic = cp.Metrics.Totals()
	}
	return s
}

// RealtimeMetrics returns samples in [from, to], newest first. Zero bounds
// default to the last five minutes.
func (cp *ControlPlaneService) RealtimeMetrics(from, to time.Time) ([]metrics.RealtimeSample, error) {
	if cp.Realtime == nil {
		return []metrics.RealtimeSample{}, nil
	}
	from, to, verr := resolveRange(from, to, 5*time.Minute)
	if verr != nil {
		return nil, verr
	}
	out := cp.Realtime.Query(from, to)
	if out == nil {
		out = []metrics.RealtimeSample{}
	}
	return out, nil
}

// HistoryMetrics returns persisted traffic buckets in [from, to], oldest
// first. Zero bounds default to the last 24 hours.
func (cp *ControlPlaneService) HistoryMetrics(from, to time.Time) ([]model.TrafficBucket, error) {
	if cp.History == nil {
		return []model.TrafficBucket{}, nil
	}
	from, to, verr := resolveRange(from, to, 24*time.Hour)
	if verr != nil {
		return nil, verr
	}
	if to.Sub(from) > maxHistoryRange {
		return nil, invalidArg("range: at most 31 days")
	}
	rows, err := cp.History.Query(from, to)
	if err != nil {
		return nil, internal("query history", err)
	}
	if rows == nil {
		rows = []model.TrafficBucket{}
	}
	return rows, nil
}

// HistoryBucketSeconds returns the width of one history bucket.
func (cp *ControlPlaneService) HistoryBucketSeconds() int64 {
	if cp.Metrics == nil {
		return 0
	}
	return cp.Metrics.Buckets().BucketSeconds()
}

func resolveRange(from, to time.Time, defaultSpan time.Duration) (time.Time, time.Time, *ServiceError) {
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.Add(-defaultSpan)
	}
	if from.After(to) {
		return from, to, invalidArg("from: must not be after to")
	}
	return from, to, nil
}
