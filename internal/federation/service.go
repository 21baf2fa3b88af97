package federation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/scanloop"
)

// Selectors this server publishes for peers.
const (
	FeedSelector   = "/federation/feed"
	SearchSelector = "/search"
	RootSelector   = ""
)

// PeerStore is the durable peer table. *state.Repo implements it.
type PeerStore interface {
	UpsertPeer(p model.Peer) error
	DeletePeer(host string) error
	ListPeers() ([]model.Peer, error)
}

// Config configures a Service.
type Config struct {
	Enabled       bool
	SyncInterval  time.Duration // default 1h
	PeerTimeout   time.Duration // bounds pings and feed fetches, default 10s
	SearchTimeout time.Duration // bounds each peer's search, default 5s
	SearchTTL     time.Duration // result cache lifetime, default 5m
	Store         PeerStore
	Fetcher       Fetcher
	Now           func() time.Time
}

// Service is the peer registry, health monitor, content cache and search
// fan-out.
type Service struct {
	enabled       bool
	syncInterval  time.Duration
	peerTimeout   time.Duration
	searchTimeout time.Duration

	peers   *xsync.Map[string, model.Peer]
	content *xsync.Map[string, peerContent]
	results otter.Cache[string, []Entry]

	store   PeerStore
	fetcher Fetcher
	now     func() time.Time

	syncing atomic.Bool

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup

	logger *log.Logger
}

// New creates a Service. Call Load to restore persisted peers.
func New(cfg Config) (*Service, error) {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Hour
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 10 * time.Second
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 5 * time.Second
	}
	if cfg.SearchTTL <= 0 {
		cfg.SearchTTL = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	results, err := otter.MustBuilder[string, []Entry](1024).
		Cost(func(_ string, _ []Entry) uint32 { return 1 }).
		WithTTL(cfg.SearchTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("federation: search cache: %w", err)
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Service{
		enabled:       cfg.Enabled,
		syncInterval:  cfg.SyncInterval,
		peerTimeout:   cfg.PeerTimeout,
		searchTimeout: cfg.SearchTimeout,
		peers:         xsync.NewMap[string, model.Peer](),
		content:       xsync.NewMap[string, peerContent](),
		results:       results,
		store:         cfg.Store,
		fetcher:       cfg.Fetcher,
		now:           cfg.Now,
		lifeCtx:       lifeCtx,
		lifeCancel:    lifeCancel,
		logger:        log.WithPrefix("federation"),
	}, nil
}

// Enabled reports whether federation is switched on.
func (s *Service) Enabled() bool { return s.enabled }

// Load restores persisted peers.
func (s *Service) Load() error {
	if s.store == nil {
		return nil
	}
	peers, err := s.store.ListPeers()
	if err != nil {
		return fmt.Errorf("federation: load peers: %w", err)
	}
	for _, p := range peers {
		s.peers.Store(p.Host, p)
	}
	s.logger.Info("loaded peers", "count", len(peers))
	return nil
}

// Run syncs every SyncInterval (with jitter) until ctx is done. The first
// sync runs immediately.
func (s *Service) Run(ctx context.Context) {
	if !s.enabled {
		return
	}
	scanloop.Loop{Interval: s.syncInterval, Jitter: s.syncInterval / 10, Immediate: true}.Run(ctx, func(ctx context.Context) {
		s.SyncAll(ctx)
	})
}

// Close cancels background health checks and waits for them.
func (s *Service) Close() {
	s.lifeCancel()
	s.wg.Wait()
	s.results.Close()
}

// AddPeer registers a new peer and schedules an asynchronous health check.
func (s *Service) AddPeer(d Descriptor) (model.Peer, error) {
	if err := d.Validate(); err != nil {
		return model.Peer{}, err
	}
	p := model.Peer{
		Host:        d.Host,
		Port:        d.Port,
		Name:        d.Name,
		Description: d.Description,
		Status:      StatusUnknown,
		CreatedAtNs: s.now().UnixNano(),
	}
	if _, loaded := s.peers.LoadOrStore(p.Host, p); loaded {
		return model.Peer{}, fmt.Errorf("%w: %s", ErrPeerExists, p.Host)
	}
	s.persist(p)
	s.logger.Info("peer added", "host", p.Host, "port", p.Port)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Ping(s.lifeCtx, p.Host); err != nil {
			s.logger.Debug("initial ping failed", "host", p.Host, "err", err)
		}
	}()
	return p, nil
}

// SeedPeer registers a peer from static configuration. Existing peers are
// left untouched and no health check is scheduled.
func (s *Service) SeedPeer(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	p := model.Peer{Host: d.Host, Port: d.Port, Name: d.Name, Description: d.Description, Status: StatusUnknown, CreatedAtNs: s.now().UnixNano()}
	if _, loaded := s.peers.LoadOrStore(p.Host, p); !loaded {
		s.persist(p)
	}
	return nil
}

// RemovePeer deletes a peer and its cached content.
func (s *Service) RemovePeer(host string) error {
	host = NormalizeHost(host)
	if _, ok := s.peers.LoadAndDelete(host); !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, host)
	}
	s.content.Delete(host)
	s.results.Clear()
	if s.store != nil {
		if err := s.store.DeletePeer(host); err != nil {
			s.logger.Error("delete peer failed", "host", host, "err", err)
		}
	}
	s.logger.Info("peer removed", "host", host)
	return nil
}

// ListPeers returns all peers sorted by host.
func (s *Service) ListPeers() []model.Peer {
	out := make([]model.Peer, 0, s.peers.Size())
	s.peers.Range(func(_ string, p model.Peer) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// PeerStatus returns the current record for host.
func (s *Service) PeerStatus(host string) (model.Peer, error) {
	p, ok := s.peers.Load(NormalizeHost(host))
	if !ok {
		return model.Peer{}, fmt.Errorf("%w: %s", ErrPeerNotFound, host)
	}
	return p, nil
}

// PeerUpdate carries the editable descriptor fields. Nil fields are kept.
type PeerUpdate struct {
	Name        *string
	Description *string
}

// UpdatePeer edits a peer's display fields. Host and port are its identity
// and cannot change.
func (s *Service) UpdatePeer(host string, u PeerUpdate) (model.Peer, error) {
	host = NormalizeHost(host)
	p, ok := s.update(host, func(cur model.Peer) model.Peer {
		if u.Name != nil {
			cur.Name = *u.Name
		}
		if u.Description != nil {
			cur.Description = *u.Description
		}
		return cur
	})
	if !ok {
		return model.Peer{}, fmt.Errorf("%w: %s", ErrPeerNotFound, host)
	}
	return p, nil
}

// StatusCounts returns the number of peers per status.
func (s *Service) StatusCounts() map[string]int {
	counts := map[string]int{StatusUnknown: 0, StatusHealthy: 0, StatusUnhealthy: 0, StatusDead: 0}
	s.peers.Range(func(_ string, p model.Peer) bool {
		counts[p.Status]++
		return true
	})
	return counts
}

// PingResult is the outcome of one health check.
type PingResult struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"-"`
	LatencyMs int64         `json:"latency_ms"`
	Peer      model.Peer    `json:"peer"`
}

// Ping fetches the peer's root selector within PeerTimeout and records the
// outcome. A peer failure is reported in the result, not as an error; the
// error is only for unknown hosts.
func (s *Service) Ping(ctx context.Context, host string) (PingResult, error) {
	host = NormalizeHost(host)
	p, ok := s.peers.Load(host)
	if !ok {
		return PingResult{}, fmt.Errorf("%w: %s", ErrPeerNotFound, host)
	}

	pctx, cancel := context.WithTimeout(ctx, s.peerTimeout)
	start := time.Now()
	_, err := s.fetch(pctx, p, RootSelector)
	latency := time.Since(start)
	cancel()

	healthy := err == nil
	if !healthy {
		s.logger.Debug("ping failed", "host", host, "err", err)
	}
	updated, ok := s.update(host, func(cur model.Peer) model.Peer {
		return recordHealth(cur, healthy, latency.Milliseconds(), s.now().UnixNano())
	})
	if !ok {
		return PingResult{}, fmt.Errorf("%w: %s", ErrPeerNotFound, host)
	}
	if updated.Status == StatusDead && p.Status != StatusDead {
		s.logger.Warn("peer marked dead", "host", host, "failures", updated.ConsecutiveFailures)
	}
	return PingResult{Healthy: healthy, Latency: latency, LatencyMs: latency.Milliseconds(), Peer: updated}, nil
}

func (s *Service) fetch(ctx context.Context, p model.Peer, selector string) ([]byte, error) {
	if s.fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured")
	}
	return s.fetcher.Fetch(ctx, p.Host, p.Port, selector)
}

// update applies fn to an existing peer and persists the result. It never
// recreates a peer removed concurrently.
func (s *Service) update(host string, fn func(model.Peer) model.Peer) (model.Peer, bool) {
	updated := false
	p, _ := s.peers.Compute(host, func(cur model.Peer, loaded bool) (model.Peer, xsync.ComputeOp) {
		if !loaded {
			return cur, xsync.CancelOp
		}
		updated = true
		return fn(cur), xsync.UpdateOp
	})
	if !updated {
		return model.Peer{}, false
	}
	s.persist(p)
	return p, true
}

func (s *Service) persist(p model.Peer) {
	if s.store == nil {
		return
	}
	if err := s.store.UpsertPeer(p); err != nil {
		s.logger.Error("persist peer failed", "host", p.Host, "err", err)
	}
}
