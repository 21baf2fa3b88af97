package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/ratelimit"
	"github.com/EntropyParadigm/pure-gopher/internal/reputation"
)

type stubBlocklist map[string]string

func (s stubBlocklist) Lookup(address string) (string, bool) {
	src, ok := s[address]
	return src, ok
}

type stubBans map[string]model.Ban

func (s stubBans) Lookup(address string) (model.Ban, bool) {
	b, ok := s[address]
	return b, ok
}

type stubReputation struct {
	mu      sync.Mutex
	blocked map[string]bool
	events  []reputation.EventKind
}

func (s *stubReputation) ShouldBlock(source string) bool { return s.blocked[source] }

func (s *stubReputation) Record(_ string, kind reputation.EventKind) {
	s.mu.Lock()
	s.events = append(s.events, kind)
	s.mu.Unlock()
}

func (s *stubReputation) recorded() []reputation.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reputation.EventKind(nil), s.events...)
}

type recordingObserver struct {
	mu        sync.Mutex
	decisions []Decision
}

func (o *recordingObserver) ObserveAdmission(d Decision) {
	o.mu.Lock()
	o.decisions = append(o.decisions, d)
	o.mu.Unlock()
}

func allOn(cfg Config) Config {
	cfg.BansEnabled = true
	cfg.BlocklistEnabled = true
	cfg.RateLimitEnabled = true
	cfg.ReputationEnabled = true
	return cfg
}

func TestPipeline_StageOrder(t *testing.T) {
	bans := NewBanList(nil)
	_, err := bans.Ban("192.0.2.1", "manual", 0)
	require.NoError(t, err)

	p := NewPipeline(allOn(Config{
		Bans:       bans,
		Blocklist:  stubBlocklist{"192.0.2.1": "feed", "192.0.2.2": "feed"},
		Limiter:    ratelimit.New(ratelimit.Config{Enabled: true, Limit: 100, Window: time.Minute}),
		Reputation: &stubReputation{blocked: map[string]bool{"192.0.2.3": true}},
	}))

	d := p.Check("192.0.2.1")
	assert.Equal(t, ReasonBanned, d.Reason)
	assert.Equal(t, "manual", d.Detail)

	d = p.Check("192.0.2.2")
	assert.Equal(t, ReasonBlocklisted, d.Reason)
	assert.Equal(t, "feed", d.Detail)

	d = p.Check("192.0.2.3")
	assert.Equal(t, ReasonBanned, d.Reason)
	assert.Equal(t, "reputation", d.Detail)

	d = p.Check("192.0.2.4")
	assert.True(t, d.Admitted)

	assert.Equal(t, Stats{Admitted: 1, Banned: 2, Blocklisted: 1}, p.Stats())
}

func TestPipeline_RateLimitRecordsReputationEvent(t *testing.T) {
	rep := &stubReputation{}
	obs := &recordingObserver{}
	p := NewPipeline(allOn(Config{
		Limiter:    ratelimit.New(ratelimit.Config{Enabled: true, Limit: 2, Window: time.Minute}),
		Reputation: rep,
		Observer:   obs,
	}))
	runReports(t, p)

	require.True(t, p.Check("198.51.100.1").Admitted)
	require.True(t, p.Check("198.51.100.1").Admitted)
	d := p.Check("198.51.100.1")
	require.False(t, d.Admitted)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	assert.Eventually(t, func() bool {
		ev := rep.recorded()
		return len(ev) == 1 && ev[0] == reputation.EventRateLimitHit
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, obs.decisions, 3)
}

func TestPipeline_DisabledStagesSkipped(t *testing.T) {
	bans := NewBanList(nil)
	_, err := bans.Ban("192.0.2.1", "manual", 0)
	require.NoError(t, err)

	p := NewPipeline(Config{
		Bans:       bans,
		Blocklist:  stubBlocklist{"192.0.2.1": "feed"},
		Limiter:    ratelimit.New(ratelimit.Config{Enabled: true, Limit: 1, Window: time.Minute}),
		Reputation: &stubReputation{blocked: map[string]bool{"192.0.2.1": true}},
	})
	for i := 0; i < 5; i++ {
		assert.True(t, p.Check("192.0.2.1").Admitted)
	}
}

func TestPipeline_NilStagesAdmit(t *testing.T) {
	p := NewPipeline(allOn(Config{}))
	assert.True(t, p.Check("192.0.2.9").Admitted)
	p.Report("192.0.2.9", reputation.EventSpam)
}

func TestPipeline_ReportFeedsReputation(t *testing.T) {
	rep := &stubReputation{}
	p := NewPipeline(Config{Reputation: rep, ReputationEnabled: true})
	runReports(t, p)
	p.Report("192.0.2.5", reputation.EventContentBlock)
	assert.Eventually(t, func() bool { return len(rep.recorded()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPipeline_ReportQueueIsBounded(t *testing.T) {
	rep := &stubReputation{}
	// No Run: nothing drains the queue.
	p := NewPipeline(allOn(Config{
		Limiter:     ratelimit.New(ratelimit.Config{Enabled: true, Limit: 1, Window: time.Minute}),
		Reputation:  rep,
		ReportQueue: 2,
	}))
	require.True(t, p.Check("198.51.100.7").Admitted)
	for i := 0; i < 10; i++ {
		require.False(t, p.Check("198.51.100.7").Admitted)
	}
	st := p.Stats()
	assert.Equal(t, int64(10), st.RateLimited)
	assert.Equal(t, int64(8), st.ReportsDropped)
	assert.Empty(t, rep.recorded())

	runReports(t, p)
	assert.Eventually(t, func() bool { return len(rep.recorded()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestPipeline_CheckSharedOnlyRateLimits(t *testing.T) {
	rep := &stubReputation{blocked: map[string]bool{"onion:gopher": true}}
	p := NewPipeline(allOn(Config{
		Bans:          stubBans{"onion:gopher": {Address: "onion:gopher", Reason: "ignored"}},
		Blocklist:     stubBlocklist{"onion:gopher": "feed"},
		Limiter:       ratelimit.New(ratelimit.Config{Enabled: true, Limit: 1, Window: time.Minute}),
		SharedLimiter: ratelimit.New(ratelimit.Config{Enabled: true, Limit: 3, Window: time.Minute}),
		Reputation:    rep,
	}))
	runReports(t, p)

	for i := 0; i < 3; i++ {
		require.True(t, p.CheckShared("onion:gopher").Admitted, "call %d", i)
	}
	d := p.CheckShared("onion:gopher")
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// A separate key has its own budget, and the per-address limiter is untouched.
	assert.True(t, p.CheckShared("onion:gemini").Admitted)
	assert.True(t, p.Check("192.0.2.50").Admitted)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rep.recorded(), "shared keys never feed reputation")
}

func TestPipeline_CheckSharedWithoutLimiterAdmits(t *testing.T) {
	p := NewPipeline(allOn(Config{}))
	for i := 0; i < 100; i++ {
		require.True(t, p.CheckShared("onion:gopher").Admitted)
	}
}

func runReports(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}
