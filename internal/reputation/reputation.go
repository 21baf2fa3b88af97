// Package reputation keeps a decaying per-source risk score.
//
// Scores start at DefaultScore, move with named events and drift back toward
// the default on a schedule. Records persist through a Persister so they
// survive restarts; persistence failures are logged and never surface to the
// caller.
package reputation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
)

const (
	DefaultScore = 25
	MinScore     = 0
	MaxScore     = 100

	// MaxEvents bounds the per-record event history.
	MaxEvents = 50
	// DecayStep is how far one decay pass moves a score toward DefaultScore.
	DecayStep = 2
	// InactiveTTL is how long a below-suspicious record may stay idle before cleanup.
	InactiveTTL = 30 * 24 * time.Hour
)

// EventKind names an adjustment.
type EventKind string

const (
	EventAuthFailure    EventKind = "auth_failure"
	EventRateLimitHit   EventKind = "rate_limit_hit"
	EventContentBlock   EventKind = "content_block"
	EventSpam           EventKind = "spam"
	EventAuthSuccess    EventKind = "auth_success"
	EventSuccessfulPost EventKind = "successful_post"
	// EventMalformedRequest is a request line the server could not parse or
	// that exceeded the length limit.
	EventMalformedRequest EventKind = "malformed_request"
)

var eventDeltas = map[EventKind]int{
	EventAuthFailure:      5,
	EventRateLimitHit:     10,
	EventContentBlock:     15,
	EventSpam:             20,
	EventAuthSuccess:      -2,
	EventSuccessfulPost:   -1,
	EventMalformedRequest: 5,
}

// ErrUnknownEvent is returned by ParseEventKind for names outside the table.
var ErrUnknownEvent = errors.New("unknown reputation event")

// ParseEventKind validates an event name from an external caller.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	if _, ok := eventDeltas[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
	return k, nil
}

// Delta returns the score change applied by k.
func (k EventKind) Delta() int { return eventDeltas[k] }

// RiskLevel is the bucketed form of a score.
type RiskLevel string

const (
	RiskNormal     RiskLevel = "normal"
	RiskSuspicious RiskLevel = "suspicious"
	RiskHighRisk   RiskLevel = "high_risk"
	RiskBlocked    RiskLevel = "blocked"
)

// Thresholds are inclusive lower bounds for each elevated risk level.
type Thresholds struct {
	Suspicious int
	HighRisk   int
	Blocked    int
}

// DefaultThresholds returns 50/75/90.
func DefaultThresholds() Thresholds {
	return Thresholds{Suspicious: 50, HighRisk: 75, Blocked: 90}
}

// Level buckets score.
func (t Thresholds) Level(score int) RiskLevel {
	switch {
	case score >= t.Blocked:
		return RiskBlocked
	case score >= t.HighRisk:
		return RiskHighRisk
	case score >= t.Suspicious:
		return RiskSuspicious
	default:
		return RiskNormal
	}
}

// Persister is the durable backing table. *state.Repo implements it.
type Persister interface {
	UpsertReputation(rec model.Reputation) error
	SaveReputationBatch(upserts []model.Reputation, deletes []string) error
	DeleteReputation(address string) error
	ListReputation() ([]model.Reputation, error)
}

// Config configures a Store.
type Config struct {
	Enabled         bool
	Thresholds      Thresholds
	DecaySchedule   string // cron expression, default "@every 1h"
	CleanupSchedule string // cron expression, default "@daily"
	Persister       Persister
	Now             func() time.Time
}

// Store is the in-memory reputation table with write-through persistence.
type Store struct {
	enabled    bool
	thresholds Thresholds
	records    *xsync.Map[string, model.Reputation]
	persister  Persister
	now        func() time.Time
	cron       *cron.Cron
	logger     *log.Logger
}

// New creates a Store. Call Load to restore persisted records and Start to
// begin the decay and cleanup schedules.
func New(cfg Config) (*Store, error) {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.DecaySchedule == "" {
		cfg.DecaySchedule = "@every 1h"
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@daily"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{
		enabled:    cfg.Enabled,
		thresholds: cfg.Thresholds,
		records:    xsync.NewMap[string, model.Reputation](),
		persister:  cfg.Persister,
		now:        cfg.Now,
		cron:       cron.New(),
		logger:     log.WithPrefix("reputation"),
	}
	if _, err := s.cron.AddFunc(cfg.DecaySchedule, func() { s.Decay() }); err != nil {
		return nil, fmt.Errorf("reputation: decay schedule %q: %w", cfg.DecaySchedule, err)
	}
	if _, err := s.cron.AddFunc(cfg.CleanupSchedule, func() { s.Cleanup() }); err != nil {
		return nil, fmt.Errorf("reputation: cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}
	return s, nil
}

// Load replaces the in-memory table with the persisted records.
func (s *Store) Load() error {
	if s.persister == nil {
		return nil
	}
	recs, err := s.persister.ListReputation()
	if err != nil {
		return fmt.Errorf("reputation: load: %w", err)
	}
	s.records.Clear()
	for _, rec := range recs {
		rec.Score = clamp(rec.Score)
		s.records.Store(rec.Address, rec)
	}
	s.logger.Info("loaded records", "count", len(recs))
	return nil
}

// Start begins scheduled decay and cleanup.
func (s *Store) Start() { s.cron.Start() }

// Stop halts the schedules and waits for a running job to finish.
func (s *Store) Stop() { <-s.cron.Stop().Done() }

// Enabled reports whether the reputation gate is active.
func (s *Store) Enabled() bool { return s.enabled }

// Thresholds returns the configured thresholds.
func (s *Store) Thresholds() Thresholds { return s.thresholds }

// Record applies kind to source. Unknown kinds are ignored.
func (s *Store) Record(source string, kind EventKind) {
	delta, ok := eventDeltas[kind]
	if !ok {
		s.logger.Warn("ignoring unknown event", "source", source, "kind", kind)
		return
	}
	s.adjust(source, string(kind), delta)
}

// Apply is Record for callers that need the validated kind and the
// resulting record, such as the admin API.
func (s *Store) Apply(source string, kind EventKind) (model.Reputation, error) {
	delta, ok := eventDeltas[kind]
	if !ok {
		return model.Reputation{}, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
	return s.adjust(source, string(kind), delta), nil
}

func (s *Store) adjust(source, kind string, delta int) model.Reputation {
	nowNs := s.now().UnixNano()
	rec, _ := s.records.Compute(source, func(cur model.Reputation, loaded bool) (model.Reputation, xsync.ComputeOp) {
		if !loaded {
			cur = model.Reputation{Address: source, Score: DefaultScore, CreatedAtNs: nowNs}
		}
		cur.Score = clamp(cur.Score + delta)
		cur.Events = pushEvent(cur.Events, model.ReputationEvent{Kind: kind, Delta: delta, TimestampNs: nowNs})
		cur.UpdatedAtNs = nowNs
		return cur, xsync.UpdateOp
	})
	s.persist(rec)
	return rec
}

// Score returns the current score, DefaultScore for unknown sources.
func (s *Store) Score(source string) int {
	if rec, ok := s.records.Load(source); ok {
		return rec.Score
	}
	return DefaultScore
}

// RiskLevel buckets the current score.
func (s *Store) RiskLevel(source string) RiskLevel {
	return s.thresholds.Level(s.Score(source))
}

// ShouldBlock reports whether source has reached the blocked level. Always
// false when the store is disabled.
func (s *Store) ShouldBlock(source string) bool {
	return s.enabled && s.RiskLevel(source) == RiskBlocked
}

// Get returns a copy of the record for source.
func (s *Store) Get(source string) (model.Reputation, bool) {
	rec, ok := s.records.Load(source)
	if !ok {
		return model.Reputation{}, false
	}
	rec.Events = append([]model.ReputationEvent(nil), rec.Events...)
	return rec, true
}

// List returns all records ordered by score descending, then address.
func (s *Store) List() []model.Reputation {
	out := make([]model.Reputation, 0, s.records.Size())
	s.records.Range(func(_ string, rec model.Reputation) bool {
		out = append(out, rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Reset removes the record for source. It reports whether one existed.
func (s *Store) Reset(source string) bool {
	_, existed := s.records.LoadAndDelete(source)
	if existed && s.persister != nil {
		if err := s.persister.DeleteReputation(source); err != nil {
			s.logger.Error("delete failed", "source", source, "err", err)
		}
	}
	return existed
}

// Decay moves every score DecayStep toward DefaultScore without passing it
// and returns the number of records changed.
func (s *Store) Decay() int {
	var changed []model.Reputation
	s.records.Range(func(addr string, _ model.Reputation) bool {
		updated := false
		rec, _ := s.records.Compute(addr, func(cur model.Reputation, loaded bool) (model.Reputation, xsync.ComputeOp) {
			if !loaded {
				return cur, xsync.CancelOp
			}
			next := decayScore(cur.Score)
			if next == cur.Score {
				return cur, xsync.CancelOp
			}
			cur.Score = next
			updated = true
			return cur, xsync.UpdateOp
		})
		if updated {
			changed = append(changed, rec)
		}
		return true
	})
	s.persistBatch(changed, nil)
	if len(changed) > 0 {
		s.logger.Debug("decayed scores", "changed", len(changed))
	}
	return len(changed)
}

// Cleanup deletes below-suspicious records that have been idle longer than
// InactiveTTL (or carry no timestamp) and returns how many were removed.
func (s *Store) Cleanup() int {
	cutoffNs := s.now().Add(-InactiveTTL).UnixNano()
	var removed []string
	s.records.Range(func(addr string, _ model.Reputation) bool {
		s.records.Compute(addr, func(cur model.Reputation, loaded bool) (model.Reputation, xsync.ComputeOp) {
			if !loaded || cur.Score >= s.thresholds.Suspicious {
				return cur, xsync.CancelOp
			}
			if cur.UpdatedAtNs != 0 && cur.UpdatedAtNs >= cutoffNs {
				return cur, xsync.CancelOp
			}
			removed = append(removed, addr)
			return cur, xsync.DeleteOp
		})
		return true
	})
	s.persistBatch(nil, removed)
	if len(removed) > 0 {
		s.logger.Info("cleaned up idle records", "removed", len(removed))
	}
	return len(removed)
}

func (s *Store) persist(rec model.Reputation) {
	if s.persister == nil {
		return
	}
	if err := s.persister.UpsertReputation(rec); err != nil {
		s.logger.Error("persist failed", "source", rec.Address, "err", err)
	}
}

func (s *Store) persistBatch(upserts []model.Reputation, deletes []string) {
	if s.persister == nil || (len(upserts) == 0 && len(deletes) == 0) {
		return
	}
	if err := s.persister.SaveReputationBatch(upserts, deletes); err != nil {
		s.logger.Error("batch persist failed", "upserts", len(upserts), "deletes", len(deletes), "err", err)
	}
}

func decayScore(score int) int {
	switch {
	case score > DefaultScore:
		return max(score-DecayStep, DefaultScore)
	case score < DefaultScore:
		return min(score+DecayStep, DefaultScore)
	default:
		return score
	}
}

func pushEvent(events []model.ReputationEvent, ev model.ReputationEvent) []model.ReputationEvent {
	start := 0
	if len(events) >= MaxEvents {
		start = len(events) - MaxEvents + 1
	}
	out := make([]model.ReputationEvent, 0, len(events)-start+1)
	out = append(out, events[start:]...)
	return append(out, ev)
}

func clamp(score int) int {
	return min(max(score, MinScore), MaxScore)
}
