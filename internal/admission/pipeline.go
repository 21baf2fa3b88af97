// Package admission decides, per connection, whether a source may proceed.
//
// Stages run in a fixed order: local bans (with the reputation gate), the
// external blocklist, then the rate limiter. The first stage that rejects
// wins. Each stage can be switched off independently.
package admission

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/ratelimit"
	"github.com/EntropyParadigm/pure-gopher/internal/reputation"
)

// Reason names why a connection was rejected.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonBanned      Reason = "banned"
	ReasonBlocklisted Reason = "blocklisted"
	ReasonRateLimited Reason = "rate_limited"
)

// Decision is the pipeline verdict for one connection.
type Decision struct {
	Admitted   bool
	Reason     Reason
	RetryAfter time.Duration // set for ReasonRateLimited
	Detail     string        // ban reason or blocklist source
}

// Admit is the zero-rejection decision.
func Admit() Decision { return Decision{Admitted: true} }

// Bans is the ban-list stage. *BanList implements it.
type Bans interface {
	Lookup(address string) (model.Ban, bool)
}

// Blocklist is the deny-list stage.
type Blocklist interface {
	Lookup(address string) (source string, ok bool)
}

// RateLimiter is the sliding-window stage.
type RateLimiter interface {
	Check(source string) ratelimit.Decision
}

// Reputation is the risk-score gate and the sink for downstream outcomes.
type Reputation interface {
	ShouldBlock(source string) bool
	Record(source string, kind reputation.EventKind)
}

// Observer receives every decision, e.g. for metrics.
type Observer interface {
	ObserveAdmission(d Decision)
}

// defaultReportQueue bounds reputation events waiting for Run.
const defaultReportQueue = 1024

// Config wires the stages. A nil stage is treated as disabled.
type Config struct {
	Bans       Bans
	Blocklist  Blocklist
	Limiter    RateLimiter
	Reputation Reputation
	Observer   Observer
	// SharedLimiter budgets listeners whose clients all share one address,
	// such as the onion endpoint behind the local Tor daemon.
	SharedLimiter RateLimiter
	// ReportQueue is the reputation event buffer. Events arriving while it
	// is full are dropped and counted.
	ReportQueue int

	BansEnabled       bool
	BlocklistEnabled  bool
	RateLimitEnabled  bool
	ReputationEnabled bool
}

// Stats counts decisions since start.
type Stats struct {
	Admitted       int64 `json:"admitted"`
	Banned         int64 `json:"banned"`
	Blocklisted    int64 `json:"blocklisted"`
	RateLimited    int64 `json:"rate_limited"`
	ReportsDropped int64 `json:"reputation_reports_dropped"`
}

type report struct {
	source string
	kind   reputation.EventKind
}

// Pipeline evaluates admission stages in order.
type Pipeline struct {
	cfg Config

	admitted    atomic.Int64
	banned      atomic.Int64
	blocklisted atomic.Int64
	rateLimited atomic.Int64
	dropped     atomic.Int64

	reports chan report
	logger  *log.Logger
}

// NewPipeline builds a Pipeline. Reputation events are applied by Run.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.ReportQueue <= 0 {
		cfg.ReportQueue = defaultReportQueue
	}
	return &Pipeline{
		cfg:     cfg,
		reports: make(chan report, cfg.ReportQueue),
		logger:  log.WithPrefix("admission"),
	}
}

// Run applies queued reputation events until ctx is done. Events still
// queued at that point are discarded.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-p.reports:
			p.cfg.Reputation.Record(r.source, r.kind)
		}
	}
}

// Check runs the stages for source. It performs no I/O and never touches the
// connection.
func (p *Pipeline) Check(source string) Decision {
	d := p.evaluate(source)
	p.observe(source, d)
	return d
}

// CheckShared admits one connection on a listener whose clients cannot be
// told apart. Only SharedLimiter applies, keyed by key; bans, the blocklist
// and reputation are per address and are skipped.
func (p *Pipeline) CheckShared(key string) Decision {
	d := Admit()
	if p.cfg.RateLimitEnabled && p.cfg.SharedLimiter != nil {
		if rl := p.cfg.SharedLimiter.Check(key); !rl.Allowed {
			d = Decision{Reason: ReasonRateLimited, RetryAfter: rl.RetryAfter, Detail: key}
		}
	}
	p.observe(key, d)
	return d
}

func (p *Pipeline) observe(source string, d Decision) {
	p.count(d)
	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveAdmission(d)
	}
	if !d.Admitted {
		p.logger.Debug("rejected", "source", source, "reason", d.Reason, "detail", d.Detail)
	}
}

func (p *Pipeline) evaluate(source string) Decision {
	if p.cfg.BansEnabled && p.cfg.Bans != nil {
		if ban, ok := p.cfg.Bans.Lookup(source); ok {
			return Decision{Reason: ReasonBanned, Detail: ban.Reason}
		}
	}
	if p.reputationOn() && p.cfg.Reputation.ShouldBlock(source) {
		return Decision{Reason: ReasonBanned, Detail: "reputation"}
	}
	if p.cfg.BlocklistEnabled && p.cfg.Blocklist != nil {
		if src, ok := p.cfg.Blocklist.Lookup(source); ok {
			return Decision{Reason: ReasonBlocklisted, Detail: src}
		}
	}
	if p.cfg.RateLimitEnabled && p.cfg.Limiter != nil {
		rl := p.cfg.Limiter.Check(source)
		if !rl.Allowed {
			p.Report(source, reputation.EventRateLimitHit)
			return Decision{Reason: ReasonRateLimited, RetryAfter: rl.RetryAfter}
		}
	}
	return Admit()
}

// Report queues a downstream outcome for source without blocking. When the
// queue is full the event is dropped.
func (p *Pipeline) Report(source string, kind reputation.EventKind) {
	if !p.reputationOn() {
		return
	}
	select {
	case p.reports <- report{source: source, kind: kind}:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.logger.Warn("reputation queue full, dropping events", "dropped_total", p.dropped.Load())
		}
	}
}

// Stats returns decision counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Admitted:       p.admitted.Load(),
		Banned:         p.banned.Load(),
		Blocklisted:    p.blocklisted.Load(),
		RateLimited:    p.rateLimited.Load(),
		ReportsDropped: p.dropped.Load(),
	}
}

func (p *Pipeline) reputationOn() bool {
	return p.cfg.ReputationEnabled && p.cfg.Reputation != nil
}

func (p *Pipeline) count(d Decision) {
	switch d.Reason {
	case ReasonNone:
		p.admitted.Add(1)
	case ReasonBanned:
		p.banned.Add(1)
	case ReasonBlocklisted:
		p.blocklisted.Add(1)
	case ReasonRateLimited:
		p.rateLimited.Add(1)
	}
}
