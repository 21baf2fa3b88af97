package federation

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
)

// NormalizeQuery lower-cases query and collapses whitespace.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// FederatedSearch asks every healthy peer concurrently, each bounded by its
// own SearchTimeout. Peers that fail or time out contribute nothing.
// Results keep peer order (by host) and are truncated to limit.
func (s *Service) FederatedSearch(ctx context.Context, query string, limit int) []Entry {
	q := NormalizeQuery(query)
	if q == "" {
		return nil
	}
	key := strconv.Itoa(limit) + "\x00" + q
	if cached, ok := s.results.Get(key); ok {
		return append([]Entry(nil), cached...)
	}

	var healthy []model.Peer
	for _, p := range s.ListPeers() {
		if p.Status == StatusHealthy {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	perPeer := make([][]Entry, len(healthy))
	var g errgroup.Group
	for i, p := range healthy {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
			defer cancel()
			body, err := s.fetch(pctx, p, SearchSelector+"\t"+q)
			if err != nil {
				s.logger.Debug("peer search failed", "host", p.Host, "err", err)
				return nil
			}
			perPeer[i] = parseEntries(body, p.Host, p.Port)
			return nil
		})
	}
	_ = g.Wait()

	var out []Entry
	responded := false
	for _, entries := range perPeer {
		if entries != nil {
			responded = true
		}
		out = append(out, entries...)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if responded {
		s.results.Set(key, append([]Entry(nil), out...))
	}
	return out
}
