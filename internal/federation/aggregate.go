package federation

import (
	"sort"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
)

// AggregatedFeed merges the cached entries of healthy peers, newest first
// with undated entries last, drops duplicates and truncates to limit
// (limit <= 0 means no limit).
func (s *Service) AggregatedFeed(limit int) []Entry {
	var merged []Entry
	s.peers.Range(func(host string, p model.Peer) bool {
		if p.Status != StatusHealthy {
			return true
		}
		if c, ok := s.content.Load(host); ok {
			merged = append(merged, c.entries...)
		}
		return true
	})
	sortEntries(merged)
	merged = dedupe(merged)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// sortEntries orders by date descending, undated last, then by peer and
// text so output is stable across map iteration order.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Dated() != b.Dated() {
			return a.Dated()
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		if a.Peer != b.Peer {
			return a.Peer < b.Peer
		}
		return a.Text < b.Text
	})
}

func entryKey(e Entry) uint64 {
	return xxh3.HashString(string(e.Type) + "\x00" + e.Text + "\x00" + e.Selector + "\x00" + e.Host + "\x00" + strconv.Itoa(e.Port))
}

// dedupe keeps the first occurrence of each identical entry.
func dedupe(entries []Entry) []Entry {
	seen := make(map[uint64]struct{}, len(entries))
	out := entries[:0]
	for _, e := range entries {
		k := entryKey(e)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}
