package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/EntropyParadigm/pure-gopher/internal/service"
)

// Server wraps the HTTP server and mux for the admin API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer creates a new API server wired with all routes.
// cp may be nil if the control plane is not yet initialized.
// metricsHandler serves the Prometheus exposition; nil leaves /metrics unrouted.
func NewServer(
	port int,
	adminToken string,
	systemInfo service.SystemInfo,
	cp *service.ControlPlaneService,
	apiMaxBodyBytes int64,
	metricsHandler http.Handler,
) *Server {
	return NewServerWithAddress("", port, adminToken, systemInfo, cp, apiMaxBodyBytes, metricsHandler)
}

// NewServerWithAddress creates a new API server with an explicit listen address.
func NewServerWithAddress(
	listenAddress string,
	port int,
	adminToken string,
	systemInfo service.SystemInfo,
	cp *service.ControlPlaneService,
	apiMaxBodyBytes int64,
	metricsHandler http.Handler,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz(systemInfo.Version))

	// Prometheus scrape, bearer token like the API.
	if metricsHandler != nil {
		mux.Handle("GET /metrics", AuthMiddleware(adminToken, metricsHandler))
	}

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(systemInfo))

	if cp != nil {
		authed.Handle("GET /api/v1/stats", HandleStats(cp))

		// Federation peers.
		authed.Handle("GET /api/v1/peers", HandleListPeers(cp))
		authed.Handle("POST /api/v1/peers", HandleAddPeer(cp))
		authed.Handle("GET /api/v1/peers/{host}", HandleGetPeer(cp))
		authed.Handle("PATCH /api/v1/peers/{host}", HandleUpdatePeer(cp))
		authed.Handle("DELETE /api/v1/peers/{host}", HandleDeletePeer(cp))
		authed.Handle("POST /api/v1/peers/{host}/actions/ping", HandlePingPeer(cp))
		authed.Handle("POST /api/v1/federation/actions/sync", HandleSyncFederation(cp))

		// Blocklist.
		authed.Handle("GET /api/v1/blocklist", HandleGetBlocklist(cp))
		authed.Handle("POST /api/v1/blocklist/actions/refresh", HandleRefreshBlocklist(cp))
		authed.Handle("GET /api/v1/blocklist/check", HandleCheckBlocklist(cp))

		// Bans.
		authed.Handle("GET /api/v1/bans", HandleListBans(cp))
		authed.Handle("POST /api/v1/bans", HandleCreateBan(cp))
		authed.Handle("DELETE /api/v1/bans/{ip}", HandleDeleteBan(cp))

		// Reputation.
		authed.Handle("GET /api/v1/reputation", HandleListReputation(cp))
		authed.Handle("GET /api/v1/reputation/{ip}", HandleGetReputation(cp))
		authed.Handle("DELETE /api/v1/reputation/{ip}", HandleResetReputation(cp))
		authed.Handle("POST /api/v1/reputation/{ip}/events", HandleReputationEvent(cp))

		// Rate limiter.
		authed.Handle("GET /api/v1/ratelimit", HandleRateLimitStats(cp))
		authed.Handle("DELETE /api/v1/ratelimit/{ip}", HandleResetRateLimit(cp))

		// GeoIP.
		authed.Handle("GET /api/v1/geoip/status", HandleGeoIPStatus(cp))
		authed.Handle("GET /api/v1/geoip/lookup", HandleGeoIPLookup(cp))
		authed.Handle("POST /api/v1/geoip/actions/update-now", HandleGeoIPUpdate(cp))

		// Traffic metrics.
		authed.Handle("GET /api/v1/metrics/realtime", HandleRealtimeMetrics(cp))
		authed.Handle("GET /api/v1/metrics/history", HandleHistoryMetrics(cp))
	}

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	handler := AccessLogMiddleware(mux)
	srv := &http.Server{
		Addr:              net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    handler,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
