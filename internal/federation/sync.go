package federation

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
)

// syncParallelism bounds concurrent peer syncs.
const syncParallelism = 8

// SyncReport summarizes one SyncAll run.
type SyncReport struct {
	Skipped bool          `json:"skipped"`
	Peers   int           `json:"peers"`
	Synced  int           `json:"synced"`
	Failed  int           `json:"failed"`
	Took    time.Duration `json:"took_ns"`
}

// SyncAll pings every peer and refreshes the cached feed of each peer that
// answered. Dead peers are pinged too so they can recover. An overlapping
// call returns immediately with Skipped set.
func (s *Service) SyncAll(ctx context.Context) SyncReport {
	if !s.syncing.CompareAndSwap(false, true) {
		s.logger.Debug("sync already running, skipping")
		return SyncReport{Skipped: true}
	}
	defer s.syncing.Store(false)

	start := time.Now()
	peers := s.ListPeers()
	report := SyncReport{Peers: len(peers)}
	synced := make([]bool, len(peers))

	var g errgroup.Group
	g.SetLimit(syncParallelism)
	for i, p := range peers {
		g.Go(func() error {
			synced[i] = s.syncPeer(ctx, p.Host)
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range synced {
		if ok {
			report.Synced++
		} else {
			report.Failed++
		}
	}
	if report.Synced > 0 {
		s.results.Clear()
	}
	report.Took = time.Since(start)
	s.logger.Info("sync completed", "peers", report.Peers, "synced", report.Synced, "failed", report.Failed, "took", report.Took)
	return report
}

// SyncPeer runs one ping-then-fetch cycle for host.
func (s *Service) SyncPeer(ctx context.Context, host string) (bool, error) {
	if _, err := s.PeerStatus(host); err != nil {
		return false, err
	}
	return s.syncPeer(ctx, NormalizeHost(host)), nil
}

func (s *Service) syncPeer(ctx context.Context, host string) bool {
	res, err := s.Ping(ctx, host)
	if err != nil || !res.Healthy {
		return false
	}

	fctx, cancel := context.WithTimeout(ctx, s.peerTimeout)
	defer cancel()
	body, err := s.fetch(fctx, res.Peer, FeedSelector)
	if err != nil {
		s.logger.Warn("feed fetch failed", "host", host, "err", err)
		return false
	}
	entries := parseEntries(body, res.Peer.Host, res.Peer.Port)

	if _, ok := s.peers.Load(host); !ok {
		return false
	}
	now := s.now()
	s.content.Store(host, peerContent{entries: entries, capturedAt: now})
	s.update(host, func(p model.Peer) model.Peer {
		p.LastSyncNs = now.UnixNano()
		p.ContentCount = len(entries)
		return p
	})
	s.logger.Debug("peer synced", "host", host, "entries", len(entries))
	return true
}
