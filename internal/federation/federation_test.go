package federation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/state"
)

// fakeFetcher answers per host. A host listed in hang blocks until ctx ends.
type fakeFetcher struct {
	mu       sync.Mutex
	feeds    map[string]string
	searches map[string]string
	down     map[string]bool
	hang     map[string]bool
	calls    atomic.Int32
	block    chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		feeds:    map[string]string{},
		searches: map[string]string{},
		down:     map[string]bool{},
		hang:     map[string]bool{},
	}
}

func (f *fakeFetcher) setDown(host string, down bool) {
	f.mu.Lock()
	f.down[host] = down
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(ctx context.Context, host string, port int, selector string) ([]byte, error) {
	f.calls.Add(1)
	f.mu.Lock()
	down, hang, block := f.down[host], f.hang[host], f.block
	feed, search := f.feeds[host], f.searches[host]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if down {
		return nil, errors.New("connection refused")
	}
	switch {
	case selector == RootSelector:
		return []byte("iWelcome\t\t" + host + "\t70\r\n.\r\n"), nil
	case selector == FeedSelector:
		return []byte(feed), nil
	case strings.HasPrefix(selector, SearchSelector+"\t"):
		return []byte(search), nil
	}
	return nil, errors.New("unexpected selector " + selector)
}

func newTestService(t *testing.T, f Fetcher, store PeerStore) *Service {
	t.Helper()
	s, err := New(Config{
		Enabled:       true,
		PeerTimeout:   time.Second,
		SearchTimeout: 100 * time.Millisecond,
		Fetcher:       f,
		Store:         store,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func seed(t *testing.T, s *Service, hosts ...string) {
	t.Helper()
	for _, h := range hosts {
		require.NoError(t, s.SeedPeer(Descriptor{Host: h}))
	}
}

func TestDescriptor_Validate(t *testing.T) {
	d := Descriptor{Host: "  Gopher.Example.ORG. "}
	require.NoError(t, d.Validate())
	assert.Equal(t, "gopher.example.org", d.Host)
	assert.Equal(t, DefaultPort, d.Port)
	assert.Equal(t, "gopher.example.org", d.Name)

	for _, bad := range []Descriptor{{}, {Host: "a b"}, {Host: "x/y"}, {Host: "h", Port: 70000}} {
		assert.ErrorIs(t, bad.Validate(), ErrInvalidPeer, bad.Host)
	}
	ok := Descriptor{Host: "2001:db8::1", Port: 7070}
	assert.NoError(t, ok.Validate())
}

func TestRecordHealth_DeadAfterThreeFailures(t *testing.T) {
	p := model.Peer{Status: StatusUnknown}
	p = recordHealth(p, false, 0, 1)
	assert.Equal(t, StatusUnhealthy, p.Status)
	p = recordHealth(p, false, 0, 2)
	assert.Equal(t, StatusUnhealthy, p.Status)
	p = recordHealth(p, false, 0, 3)
	assert.Equal(t, StatusDead, p.Status)
	assert.Equal(t, 3, p.ConsecutiveFailures)

	p = recordHealth(p, false, 0, 4)
	assert.Equal(t, StatusDead, p.Status)

	p = recordHealth(p, true, 12, 5)
	assert.Equal(t, StatusHealthy, p.Status)
	assert.Equal(t, 0, p.ConsecutiveFailures)
	assert.Equal(t, int64(12), p.LatencyMs)
	assert.Equal(t, int64(5), p.LastSuccessNs)
}

func TestRecordHealth_SuccessResetsMidStreak(t *testing.T) {
	p := model.Peer{Status: StatusHealthy}
	p = recordHealth(p, false, 0, 1)
	p = recordHealth(p, false, 0, 2)
	p = recordHealth(p, true, 1, 3)
	p = recordHealth(p, false, 0, 4)
	p = recordHealth(p, false, 0, 5)
	assert.Equal(t, StatusUnhealthy, p.Status)
	assert.Equal(t, 2, p.ConsecutiveFailures)
}

func TestAddPeer_DuplicateAndAsyncPing(t *testing.T) {
	f := newFakeFetcher()
	s := newTestService(t, f, nil)

	_, err := s.AddPeer(Descriptor{Host: "peer.example", Name: "Peer"})
	require.NoError(t, err)
	_, err = s.AddPeer(Descriptor{Host: "PEER.example"})
	assert.ErrorIs(t, err, ErrPeerExists)

	assert.Eventually(t, func() bool {
		p, err := s.PeerStatus("peer.example")
		return err == nil && p.Status == StatusHealthy
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPing_UnknownPeer(t *testing.T) {
	s := newTestService(t, newFakeFetcher(), nil)
	_, err := s.Ping(context.Background(), "nope.example")
	assert.ErrorIs(t, err, ErrPeerNotFound)
	assert.ErrorIs(t, s.RemovePeer("nope.example"), ErrPeerNotFound)
}

func TestUpdatePeer_EditsDisplayFields(t *testing.T) {
	s := newTestService(t, newFakeFetcher(), nil)
	seed(t, s, "gopher.example.org")

	desc := "a phlog"
	p, err := s.UpdatePeer("GOPHER.example.org", PeerUpdate{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "a phlog", p.Description)
	assert.Equal(t, "gopher.example.org", p.Name)

	_, err = s.UpdatePeer("missing.example.org", PeerUpdate{Description: &desc})
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestSyncAll_CachesFeedsAndRecoversDeadPeers(t *testing.T) {
	f := newFakeFetcher()
	f.feeds["a.example"] = "i== Feed ==\t\ta.example\t70\r\n" +
		"02026-02-01 Newest post\t/phlog/newest.txt\t\t70\r\n" +
		"02026-01-01 Older post\t/phlog/older.txt\ta.example\t70\r\n" +
		"3error line\t\ta.example\t70\r\n" +
		".\r\n"
	f.feeds["b.example"] = "1Undated menu\t/stuff\tb.example\t70\r\n" +
		"02026-01-15 Middle post\t/m.txt\tb.example\t70\r\n" +
		".\r\n"
	f.setDown("b.example", true)
	s := newTestService(t, f, nil)
	seed(t, s, "a.example", "b.example")

	for i := 0; i < DeadAfter; i++ {
		r := s.SyncAll(context.Background())
		assert.Equal(t, 1, r.Synced)
		assert.Equal(t, 1, r.Failed)
	}
	b, err := s.PeerStatus("b.example")
	require.NoError(t, err)
	assert.Equal(t, StatusDead, b.Status)

	a, err := s.PeerStatus("a.example")
	require.NoError(t, err)
	assert.Equal(t, 2, a.ContentCount)
	assert.NotZero(t, a.LastSyncNs)

	feed := s.AggregatedFeed(0)
	require.Len(t, feed, 2)
	assert.Equal(t, "a.example", feed[0].Host, "empty host is filled with the peer")

	f.setDown("b.example", false)
	r := s.SyncAll(context.Background())
	assert.Equal(t, 2, r.Synced)
	b, _ = s.PeerStatus("b.example")
	assert.Equal(t, StatusHealthy, b.Status)

	feed = s.AggregatedFeed(0)
	texts := make([]string, 0, len(feed))
	for _, e := range feed {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{"2026-02-01 Newest post", "2026-01-15 Middle post", "2026-01-01 Older post", "Undated menu"}, texts)
	assert.Len(t, s.AggregatedFeed(2), 2)
}

func TestAggregatedFeed_SkipsUnhealthyAndDedupes(t *testing.T) {
	f := newFakeFetcher()
	shared := "02026-03-03 Shared link\t/shared\tmirror.example\t70\r\n.\r\n"
	f.feeds["a.example"] = shared
	f.feeds["b.example"] = shared
	f.feeds["c.example"] = "02026-03-04 From c\t/c\tc.example\t70\r\n.\r\n"
	s := newTestService(t, f, nil)
	seed(t, s, "a.example", "b.example", "c.example")
	s.SyncAll(context.Background())

	feed := s.AggregatedFeed(0)
	require.Len(t, feed, 2)
	assert.Equal(t, "2026-03-04 From c", feed[0].Text)
	assert.Equal(t, "2026-03-03 Shared link", feed[1].Text)

	f.setDown("c.example", true)
	_, err := s.Ping(context.Background(), "c.example")
	require.NoError(t, err)
	feed = s.AggregatedFeed(0)
	require.Len(t, feed, 1)
	assert.Equal(t, "2026-03-03 Shared link", feed[0].Text)
}

func TestSyncAll_ReentrancyGuard(t *testing.T) {
	f := newFakeFetcher()
	f.block = make(chan struct{})
	s := newTestService(t, f, nil)
	seed(t, s, "a.example")

	done := make(chan SyncReport, 1)
	go func() { done <- s.SyncAll(context.Background()) }()
	require.Eventually(t, func() bool { return f.calls.Load() > 0 }, time.Second, time.Millisecond)

	r := s.SyncAll(context.Background())
	assert.True(t, r.Skipped)

	f.mu.Lock()
	close(f.block)
	f.block = nil
	f.mu.Unlock()
	first := <-done
	assert.False(t, first.Skipped)
}

func TestRemovePeer_DropsCachedContent(t *testing.T) {
	f := newFakeFetcher()
	f.feeds["a.example"] = "0Post\t/p\ta.example\t70\r\n.\r\n"
	s := newTestService(t, f, nil)
	seed(t, s, "a.example")
	s.SyncAll(context.Background())
	require.Len(t, s.AggregatedFeed(0), 1)

	require.NoError(t, s.RemovePeer("a.example"))
	assert.Empty(t, s.AggregatedFeed(0))
	_, err := s.PeerStatus("a.example")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestFederatedSearch_HungPeerBoundedByTimeout(t *testing.T) {
	f := newFakeFetcher()
	f.searches["a.example"] = "0Gopher guide\t/guide.txt\ta.example\t70\r\niinfo\t\ta.example\t70\r\n.\r\n"
	f.searches["b.example"] = "0Gopher FAQ\t/faq.txt\tb.example\t70\r\n.\r\n"
	s := newTestService(t, f, nil)
	seed(t, s, "a.example", "b.example", "c.example", "d.example")
	s.SyncAll(context.Background())

	f.mu.Lock()
	f.hang["c.example"] = true
	f.hang["d.example"] = true
	f.mu.Unlock()

	start := time.Now()
	results := s.FederatedSearch(context.Background(), "  GOPHER  ", 10)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 250*time.Millisecond, "two hung peers must not add their timeouts")
	require.Len(t, results, 2)
	assert.Equal(t, "Gopher guide", results[0].Text)
	assert.Equal(t, "Gopher FAQ", results[1].Text)

	assert.Len(t, s.FederatedSearch(context.Background(), "gopher", 1), 1)
}

func TestFederatedSearch_CachesByNormalizedQuery(t *testing.T) {
	f := newFakeFetcher()
	f.searches["a.example"] = "0Hit\t/hit\ta.example\t70\r\n.\r\n"
	s := newTestService(t, f, nil)
	seed(t, s, "a.example")
	s.SyncAll(context.Background())

	before := f.calls.Load()
	require.Len(t, s.FederatedSearch(context.Background(), "Tor  Onion", 5), 1)
	afterFirst := f.calls.Load()
	assert.Equal(t, before+1, afterFirst)

	require.Len(t, s.FederatedSearch(context.Background(), "tor onion", 5), 1)
	assert.Equal(t, afterFirst, f.calls.Load(), "second query should be served from cache")

	assert.Empty(t, s.FederatedSearch(context.Background(), "   ", 5))
}

func TestLoad_RestoresPeersFromRepo(t *testing.T) {
	repo, closer, err := state.PersistenceBootstrap(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { closer.Close() })

	f := newFakeFetcher()
	first := newTestService(t, f, repo)
	seed(t, first, "a.example")
	first.SyncAll(context.Background())

	second := newTestService(t, f, repo)
	require.NoError(t, second.Load())
	p, err := second.PeerStatus("a.example")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, p.Status)
	assert.Equal(t, map[string]int{StatusUnknown: 0, StatusHealthy: 1, StatusUnhealthy: 0, StatusDead: 0}, second.StatusCounts())
}

func TestInferDate(t *testing.T) {
	assert.Equal(t, time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC), inferDate("2026-04-05 Spring notes"))
	assert.True(t, inferDate("April 5th").IsZero())
	assert.True(t, inferDate("2026-13-40 bad").IsZero())
}
