package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GaugeSources are read at scrape time. Nil fields are skipped.
type GaugeSources struct {
	PeerStatusCounts   func() map[string]int
	BlocklistSizes     func() (ips, networks int)
	RateLimitTracked   func() int
	ReputationTracked  func() int
	ActiveBans         func() int
	PeerStatuses       []string
	BlocklistLastFetch func() float64 // unix seconds, 0 when never refreshed
}

// RegisterGauges registers scrape-time gauges for the given sources.
func (c *Collector) RegisterGauges(src GaugeSources) {
	if src.PeerStatusCounts != nil {
		for _, status := range src.PeerStatuses {
			c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "federation_peers",
				Help:        "Federation peers by health status.",
				ConstLabels: prometheus.Labels{"status": status},
			}, func() float64 {
				return float64(src.PeerStatusCounts()[status])
			}))
		}
	}
	if src.BlocklistSizes != nil {
		c.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: "blocklist_entries",
				Help:        "Blocklist entries by kind.",
				ConstLabels: prometheus.Labels{"kind": "ip"},
			}, func() float64 {
				ips, _ := src.BlocklistSizes()
				return float64(ips)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: "blocklist_entries",
				Help:        "Blocklist entries by kind.",
				ConstLabels: prometheus.Labels{"kind": "cidr"},
			}, func() float64 {
				_, nets := src.BlocklistSizes()
				return float64(nets)
			}),
		)
	}
	if src.BlocklistLastFetch != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "blocklist_last_refresh_timestamp_seconds",
			Help: "Unix time of the last completed blocklist refresh.",
		}, src.BlocklistLastFetch))
	}
	if src.RateLimitTracked != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ratelimit_tracked_sources",
			Help: "Sources with a live rate-limit window.",
		}, func() float64 { return float64(src.RateLimitTracked()) }))
	}
	if src.ReputationTracked != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reputation_tracked_sources",
			Help: "Sources with a reputation record.",
		}, func() float64 { return float64(src.ReputationTracked()) }))
	}
	if src.ActiveBans != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bans_active",
			Help: "Explicit bans currently loaded.",
		}, func() float64 { return float64(src.ActiveBans()) }))
	}
}
