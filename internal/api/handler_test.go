package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/EntropyParadigm/pure-gopher/internal/admission"
	"github.com/EntropyParadigm/pure-gopher/internal/blocklist"
	"github.com/EntropyParadigm/pure-gopher/internal/federation"
	"github.com/EntropyParadigm/pure-gopher/internal/metrics"
	"github.com/EntropyParadigm/pure-gopher/internal/ratelimit"
	"github.com/EntropyParadigm/pure-gopher/internal/reputation"
	"github.com/EntropyParadigm/pure-gopher/internal/service"
	"github.com/EntropyParadigm/pure-gopher/internal/state"
)

const testToken = "test-admin-token"

type fetchFunc func(ctx context.Context, host string, port int, selector string) ([]byte, error)

func (f fetchFunc) Fetch(ctx context.Context, host string, port int, selector string) ([]byte, error) {
	return f(ctx, host, port, selector)
}

func newTestControlPlane(t *testing.T) *service.ControlPlaneService {
	t.Helper()
	repo, closer, err := state.PersistenceBootstrap(t.TempDir())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { closer.Close() })

	fed, err := federation.New(federation.Config{
		Enabled:     true,
		PeerTimeout: time.Second,
		Fetcher: fetchFunc(func(_ context.Context, host string, _ int, _ string) ([]byte, error) {
			if host == "down.example.org" {
				return nil, errors.New("connection refused")
			}
			return []byte("iWelcome\t\t\t0\r\n.\r\n"), nil
		}),
		Store: repo,
	})
	if err != nil {
		t.Fatalf("federation: %v", err)
	}
	t.Cleanup(fed.Close)

	local := filepath.Join(t.TempDir(), "blocklist.txt")
	if err := os.WriteFile(local, []byte("203.0.113.7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bl, err := blocklist.New(blocklist.Config{Enabled: true, LocalFile: local})
	if err != nil {
		t.Fatalf("blocklist: %v", err)
	}
	if err := bl.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	rep, err := reputation.New(reputation.Config{Enabled: true, Persister: repo})
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	bans := admission.NewBanList(repo)
	limiter := ratelimit.New(ratelimit.Config{Enabled: true, Limit: 5, Window: time.Minute})
	collector := metrics.NewCollector()

	return &service.ControlPlaneService{
		Federation: fed,
		Bans:       bans,
		Blocklist:  bl,
		Reputation: rep,
		Limiter:    limiter,
		Pipeline: admission.NewPipeline(admission.Config{
			Bans: bans, Blocklist: bl, Limiter: limiter, Reputation: rep,
			BansEnabled: true, BlocklistEnabled: true, RateLimitEnabled: true, ReputationEnabled: true,
		}),
		Metrics:   collector,
		Realtime:  metrics.NewRealtimeRing(60),
		History:   metrics.NewHistory(collector, repo, 0),
		StartedAt: time.Now(),
	}
}

func newTestServer(t *testing.T) (*Server, *service.ControlPlaneService) {
	t.Helper()
	cp := newTestControlPlane(t)
	systemInfo := service.SystemInfo{
		Version:   "1.0.0-test",
		GitCommit: "abc123",
		BuildTime: "2026-01-01T00:00:00Z",
		StartedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Hostname:  "gopher.test",
	}
	return NewServer(0, testToken, systemInfo, cp, 1<<20, cp.Metrics.Handler()), cp
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status: got %d, want %d, body=%s", rec.Code, want, rec.Body.String())
	}
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assertStatus(t, rec, status)
	var body ErrorResponse
	decodeJSON(t, rec, &body)
	if body.Error.Code != code {
		t.Fatalf("error code: got %q, want %q", body.Error.Code, code)
	}
}

// --- /healthz and auth ---

func TestHealthz_NoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assertStatus(t, rec, http.StatusOK)
	var body map[string]string
	decodeJSON(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("status field: got %q, want %q", body["status"], "ok")
	}
}

func TestAPI_RequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/api/v1/system/info", "/api/v1/peers", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status got %d, want %d", path, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestSystemInfo_OK(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/system/info", nil)
	assertStatus(t, rec, http.StatusOK)

	var body map[string]any
	decodeJSON(t, rec, &body)
	if body["version"] != "1.0.0-test" {
		t.Errorf("version: got %v", body["version"])
	}
	if body["hostname"] != "gopher.test" {
		t.Errorf("hostname: got %v", body["hostname"])
	}
	if _, ok := body["started_at"]; !ok {
		t.Error("missing started_at field")
	}
}

func TestMetrics_PrometheusExposition(t *testing.T) {
	srv, cp := newTestServer(t)
	cp.Metrics.ConnectionOpened("gopher")

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	assertStatus(t, rec, http.StatusOK)
	if !bytes.Contains(rec.Body.Bytes(), []byte("puregopher_connections_total")) {
		t.Fatalf("exposition missing connection counter:\n%s", rec.Body.String())
	}
}

// --- peers ---

func TestPeers_CRUD(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/peers", map[string]any{"host": "gopher.example.org", "name": "Example"})
	assertStatus(t, rec, http.StatusCreated)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/peers", map[string]any{"host": "gopher.example.org"})
	assertErrorCode(t, rec, http.StatusConflict, "CONFLICT")

	rec = doJSON(t, h, http.MethodPost, "/api/v1/peers", `{"host":"a.example.org","bogus":1}`)
	assertErrorCode(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")

	rec = doJSON(t, h, http.MethodPost, "/api/v1/peers", map[string]any{"host": "down.example.org", "name": "Down"})
	assertStatus(t, rec, http.StatusCreated)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/peers?sort_by=name&sort_order=desc", nil)
	assertStatus(t, rec, http.StatusOK)
	var page PageResponse[map[string]any]
	decodeJSON(t, rec, &page)
	if page.Total != 2 || page.Items[0]["host"] != "gopher.example.org" {
		t.Fatalf("unexpected page: %+v", page)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/peers?sort_by=color", nil)
	assertErrorCode(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")

	rec = doJSON(t, h, http.MethodPatch, "/api/v1/peers/gopher.example.org", `{"description":"hi"}`)
	assertStatus(t, rec, http.StatusOK)
	var peer map[string]any
	decodeJSON(t, rec, &peer)
	if peer["description"] != "hi" || peer["name"] != "Example" {
		t.Fatalf("unexpected peer: %+v", peer)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/peers/gopher.example.org/actions/ping", nil)
	assertStatus(t, rec, http.StatusOK)
	var ping map[string]any
	decodeJSON(t, rec, &ping)
	if ping["healthy"] != true {
		t.Fatalf("ping: %+v", ping)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/peers/gopher.example.org", nil)
	assertStatus(t, rec, http.StatusOK)

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/peers/gopher.example.org", nil)
	assertStatus(t, rec, http.StatusNoContent)
	rec = doJSON(t, h, http.MethodGet, "/api/v1/peers/gopher.example.org", nil)
	assertErrorCode(t, rec, http.StatusNotFound, "NOT_FOUND")
}

func TestFederationSync(t *testing.T) {
	srv, cp := newTestServer(t)
	if err := cp.Federation.SeedPeer(federation.Descriptor{Host: "gopher.example.org"}); err != nil {
		t.Fatal(err)
	}
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/federation/actions/sync", nil)
	assertStatus(t, rec, http.StatusOK)
	var report federation.SyncReport
	decodeJSON(t, rec, &report)
	if report.Peers != 1 || report.Synced != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

// --- admission ---

func TestBans_Endpoints(t *testing.T) {
	srv, cp := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/bans", map[string]any{"address": "192.0.2.9", "reason": "spam", "ttl": "30m"})
	assertStatus(t, rec, http.StatusCreated)
	rec = doJSON(t, h, http.MethodPost, "/api/v1/bans", map[string]any{"address": "192.0.2.10"})
	assertStatus(t, rec, http.StatusCreated)
	rec = doJSON(t, h, http.MethodPost, "/api/v1/bans", map[string]any{"address": "192.0.2.11", "ttl": "later"})
	assertErrorCode(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")

	rec = doJSON(t, h, http.MethodGet, "/api/v1/bans?permanent=true", nil)
	assertStatus(t, rec, http.StatusOK)
	var page PageResponse[service.BanView]
	decodeJSON(t, rec, &page)
	if page.Total != 1 || page.Items[0].Address != "192.0.2.10" {
		t.Fatalf("unexpected bans: %+v", page)
	}

	if cp.Pipeline.Check("192.0.2.9").Admitted {
		t.Fatal("banned address admitted")
	}
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/bans/192.0.2.9", nil)
	assertStatus(t, rec, http.StatusNoContent)
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/bans/192.0.2.9", nil)
	assertErrorCode(t, rec, http.StatusNotFound, "NOT_FOUND")
}

func TestBlocklist_Endpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/blocklist", nil)
	assertStatus(t, rec, http.StatusOK)
	var stats blocklist.Stats
	decodeJSON(t, rec, &stats)
	if !stats.Enabled || stats.IPCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/blocklist/check?ip=203.0.113.7", nil)
	assertStatus(t, rec, http.StatusOK)
	var check service.BlocklistCheck
	decodeJSON(t, rec, &check)
	if !check.Blocklisted || check.Source != blocklist.LocalSource {
		t.Fatalf("unexpected check: %+v", check)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/blocklist/check", nil)
	assertErrorCode(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")

	rec = doJSON(t, h, http.MethodPost, "/api/v1/blocklist/actions/refresh", nil)
	assertStatus(t, rec, http.StatusOK)
}

func TestReputation_Endpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/reputation/192.0.2.20", nil)
	assertStatus(t, rec, http.StatusOK)
	var view service.ReputationView
	decodeJSON(t, rec, &view)
	if view.Tracked || view.Score != reputation.DefaultScore {
		t.Fatalf("unexpected untracked view: %+v", view)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/reputation/192.0.2.20/events", map[string]any{"kind": "spam"})
	assertStatus(t, rec, http.StatusOK)
	decodeJSON(t, rec, &view)
	if !view.Tracked || view.Score <= reputation.DefaultScore {
		t.Fatalf("unexpected view after event: %+v", view)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/reputation/192.0.2.20/events", map[string]any{"kind": "hug"})
	assertErrorCode(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")

	rec = doJSON(t, h, http.MethodGet, "/api/v1/reputation", nil)
	assertStatus(t, rec, http.StatusOK)
	var page PageResponse[service.ReputationView]
	decodeJSON(t, rec, &page)
	if page.Total != 1 {
		t.Fatalf("unexpected list: %+v", page)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/reputation/192.0.2.20", nil)
	assertStatus(t, rec, http.StatusNoContent)
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/reputation/192.0.2.20", nil)
	assertErrorCode(t, rec, http.StatusNotFound, "NOT_FOUND")
}

func TestRateLimit_Endpoints(t *testing.T) {
	srv, cp := newTestServer(t)
	h := srv.Handler()
	cp.Limiter.Check("192.0.2.30")

	rec := doJSON(t, h, http.MethodGet, "/api/v1/ratelimit", nil)
	assertStatus(t, rec, http.StatusOK)
	var stats ratelimit.Stats
	decodeJSON(t, rec, &stats)
	if stats.Limit != 5 || stats.TrackedSources != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/ratelimit/192.0.2.30", nil)
	assertStatus(t, rec, http.StatusNoContent)
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/ratelimit/nope", nil)
	assertErrorCode(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")
}

// --- stats, geoip, metrics ---

func TestStats_OK(t *testing.T) {
	srv, cp := newTestServer(t)
	cp.Pipeline.Check("192.0.2.40")

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/stats", nil)
	assertStatus(t, rec, http.StatusOK)
	var stats service.Stats
	decodeJSON(t, rec, &stats)
	if stats.Admission.Admitted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGeoIP_WithoutService(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/geoip/status", nil)
	assertStatus(t, rec, http.StatusOK)
	rec = doJSON(t, h, http.MethodGet, "/api/v1/geoip/lookup?ip=192.0.2.1", nil)
	assertStatus(t, rec, http.StatusOK)
	rec = doJSON(t, h, http.MethodGet, "/api/v1/geoip/lookup", nil)
	assertErrorCode(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")
	rec = doJSON(t, h, http.MethodPost, "/api/v1/geoip/actions/update-now", nil)
	assertErrorCode(t, rec, http.StatusConflict, "CONFLICT")
}

func TestMetricsRealtimeAndHistory(t *testing.T) {
	srv, cp := newTestServer(t)
	h := srv.Handler()
	now := time.Now()
	cp.Realtime.Push(metrics.RealtimeSample{Timestamp: now.Add(-10 * time.Second), EgressBPS: 42})
	cp.Metrics.TrafficDelta("gemini", 5, 9)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/metrics/realtime", nil)
	assertStatus(t, rec, http.StatusOK)
	var rt struct {
		Items []metrics.RealtimeSample `json:"items"`
	}
	decodeJSON(t, rec, &rt)
	if len(rt.Items) != 1 || rt.Items[0].EgressBPS != 42 {
		t.Fatalf("unexpected realtime: %+v", rt)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/metrics/history?from=2026-01-01T00:00:00Z&to=2025-01-01T00:00:00Z", nil)
	assertErrorCode(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")
	rec = doJSON(t, h, http.MethodGet, "/api/v1/metrics/history?from=yesterday", nil)
	assertErrorCode(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")

	rec = doJSON(t, h, http.MethodGet, "/api/v1/metrics/history", nil)
	assertStatus(t, rec, http.StatusOK)
	var hist struct {
		BucketSeconds int64 `json:"bucket_seconds"`
		Items         []struct {
			Protocol    string `json:"protocol"`
			EgressBytes int64  `json:"egress_bytes"`
		} `json:"items"`
	}
	decodeJSON(t, rec, &hist)
	if hist.BucketSeconds != 300 || len(hist.Items) != 1 || hist.Items[0].EgressBytes != 9 {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	cp := newTestControlPlane(t)
	srv := NewServer(0, testToken, service.SystemInfo{}, cp, 16, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/bans", map[string]any{"address": "192.0.2.99", "reason": "a long reason that overflows"})
	assertErrorCode(t, rec, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE")
}
