package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/EntropyParadigm/pure-gopher/internal/admission"
	"github.com/EntropyParadigm/pure-gopher/internal/ai"
	"github.com/EntropyParadigm/pure-gopher/internal/api"
	"github.com/EntropyParadigm/pure-gopher/internal/blocklist"
	"github.com/EntropyParadigm/pure-gopher/internal/buildinfo"
	"github.com/EntropyParadigm/pure-gopher/internal/config"
	"github.com/EntropyParadigm/pure-gopher/internal/content"
	"github.com/EntropyParadigm/pure-gopher/internal/federation"
	"github.com/EntropyParadigm/pure-gopher/internal/gateway"
	"github.com/EntropyParadigm/pure-gopher/internal/geoip"
	"github.com/EntropyParadigm/pure-gopher/internal/metrics"
	"github.com/EntropyParadigm/pure-gopher/internal/netutil"
	"github.com/EntropyParadigm/pure-gopher/internal/ratelimit"
	"github.com/EntropyParadigm/pure-gopher/internal/reputation"
	"github.com/EntropyParadigm/pure-gopher/internal/router"
	"github.com/EntropyParadigm/pure-gopher/internal/scanloop"
	"github.com/EntropyParadigm/pure-gopher/internal/service"
	"github.com/EntropyParadigm/pure-gopher/internal/state"
)

const (
	shutdownTimeout   = 10 * time.Second
	banSweepInterval  = time.Minute
	realtimeInterval  = time.Second
	realtimeCapacity  = 3600
	historyRetention  = 7 * 24 * time.Hour
	feedFetchMaxBytes = 4 << 20
)

type gopherApp struct {
	envCfg    *config.EnvConfig
	startedAt time.Time
	repo      *state.Repo

	dialer     *netutil.Dialer
	downloader netutil.Downloader

	bans       *admission.BanList
	blocklist  *blocklist.Blocklist
	reputation *reputation.Store
	limiter    *ratelimit.Limiter
	onionLimit *ratelimit.Limiter
	pipeline   *admission.Pipeline
	federation *federation.Service
	content    *content.FS
	geoSvc     *geoip.Service

	collector *metrics.Collector
	realtime  *metrics.RealtimeRing
	sampler   *metrics.Sampler
	history   *metrics.History

	gateway   *gateway.Server
	endpoints []gateway.Endpoint
	apiSrv    *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if err := configureLogging(envCfg.LogLevel, envCfg.LogFormat); err != nil {
		return err
	}
	if envCfg.AdminToken == "" {
		log.Warn("PG_ADMIN_TOKEN is empty; admin API authentication is disabled")
	} else if ts := config.AssessAdminToken(envCfg.AdminToken, envCfg.Hostname); ts.Weak {
		log.Warn("PG_ADMIN_TOKEN is weak; use a long random token", "score", ts.Score, "crack_time", ts.CrackTime)
	}

	repo, dbCloser, err := state.PersistenceBootstrap(envCfg.StateDir)
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}

	app, err := newGopherApp(envCfg, repo)
	if err != nil {
		_ = dbCloser.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtimeErr := app.serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.shutdown(shutdownCtx)

	if err := dbCloser.Close(); err != nil {
		log.Error("persistence close failed", "err", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newGopherApp(envCfg *config.EnvConfig, repo *state.Repo) (*gopherApp, error) {
	app := &gopherApp{
		envCfg:    envCfg,
		startedAt: time.Now().UTC(),
		repo:      repo,
	}
	if err := app.initNetwork(); err != nil {
		return nil, err
	}
	if err := app.initAdmission(); err != nil {
		return nil, err
	}
	if err := app.initFederation(); err != nil {
		return nil, err
	}
	app.initObservability()
	if err := app.buildServers(); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *gopherApp) initNetwork() error {
	dialer, err := netutil.NewSOCKSDialer(a.envCfg.SocksProxy, a.envCfg.PeerTimeout)
	if err != nil {
		return fmt.Errorf("dialer: %w", err)
	}
	a.dialer = dialer

	fetchTimeout := func() time.Duration { return a.envCfg.BlocklistFetchTimeout }
	a.downloader = &netutil.SchemeDownloader{
		HTTP:   netutil.NewDirectDownloader(dialer, fetchTimeout, buildinfo.UserAgent),
		Gopher: &netutil.GopherDownloader{Dialer: dialer, TimeoutFn: fetchTimeout},
	}
	return nil
}

func (a *gopherApp) initAdmission() error {
	a.bans = admission.NewBanList(a.repo)
	if err := a.bans.Load(); err != nil {
		return fmt.Errorf("load bans: %w", err)
	}
	for _, seed := range a.envCfg.StaticBans {
		_, wrote, err := a.bans.Seed(seed.Address, seed.Reason, seed.TTL.Std())
		if err != nil {
			return fmt.Errorf("static ban %q: %w", seed.Address, err)
		}
		if !wrote {
			log.Debug("static ban already active", "address", seed.Address)
		}
	}

	sources := make([]blocklist.Source, 0, len(a.envCfg.BlocklistSources))
	for _, s := range a.envCfg.BlocklistSources {
		sources = append(sources, blocklist.Source{Name: s.Name, URL: s.URL})
	}
	bl, err := blocklist.New(blocklist.Config{
		Enabled:         a.envCfg.BlocklistEnabled,
		Sources:         sources,
		LocalFile:       a.envCfg.BlocklistFile,
		RefreshSchedule: a.envCfg.BlocklistRefreshSchedule,
		Downloader:      a.downloader,
	})
	if err != nil {
		return fmt.Errorf("blocklist: %w", err)
	}
	a.blocklist = bl

	rep, err := reputation.New(reputation.Config{
		Enabled: a.envCfg.ReputationEnabled,
		Thresholds: reputation.Thresholds{
			Suspicious: a.envCfg.ReputationSuspicious,
			HighRisk:   a.envCfg.ReputationHighRisk,
			Blocked:    a.envCfg.ReputationBlocked,
		},
		DecaySchedule:   a.envCfg.ReputationDecaySchedule,
		CleanupSchedule: a.envCfg.ReputationCleanupSchedule,
		Persister:       a.repo,
	})
	if err != nil {
		return fmt.Errorf("reputation: %w", err)
	}
	if err := rep.Load(); err != nil {
		return fmt.Errorf("load reputation: %w", err)
	}
	a.reputation = rep

	a.limiter = ratelimit.New(ratelimit.Config{
		Enabled:       a.envCfg.RateLimitEnabled,
		Limit:         a.envCfg.RateLimitRequests,
		Window:        a.envCfg.RateLimitWindow,
		SweepInterval: a.envCfg.RateLimitSweepInterval,
	})
	a.onionLimit = ratelimit.New(ratelimit.Config{
		Enabled:       a.envCfg.RateLimitEnabled,
		Limit:         a.envCfg.TorRateLimitRequests,
		Window:        a.envCfg.RateLimitWindow,
		SweepInterval: a.envCfg.RateLimitSweepInterval,
	})

	// The collector exists before the pipeline so every decision is counted.
	a.collector = metrics.NewCollector()
	a.pipeline = admission.NewPipeline(admission.Config{
		Bans:              a.bans,
		Blocklist:         a.blocklist,
		Limiter:           a.limiter,
		SharedLimiter:     a.onionLimit,
		Reputation:        a.reputation,
		Observer:          a.collector,
		BansEnabled:       a.envCfg.BansEnabled,
		BlocklistEnabled:  a.envCfg.BlocklistEnabled,
		RateLimitEnabled:  a.envCfg.RateLimitEnabled,
		ReputationEnabled: a.envCfg.ReputationEnabled,
	})
	log.Info("admission pipeline ready",
		"bans", a.envCfg.BansEnabled,
		"blocklist", a.envCfg.BlocklistEnabled,
		"rate_limit", a.envCfg.RateLimitEnabled,
		"reputation", a.envCfg.ReputationEnabled,
	)
	return nil
}

func (a *gopherApp) initFederation() error {
	fed, err := federation.New(federation.Config{
		Enabled:       a.envCfg.FederationEnabled,
		SyncInterval:  a.envCfg.SyncInterval,
		PeerTimeout:   a.envCfg.PeerTimeout,
		SearchTimeout: a.envCfg.SearchTimeout,
		Store:         a.repo,
		Fetcher:       &federation.GopherFetcher{Dialer: a.dialer, MaxBytes: feedFetchMaxBytes},
	})
	if err != nil {
		return fmt.Errorf("federation: %w", err)
	}
	if err := fed.Load(); err != nil {
		return fmt.Errorf("load peers: %w", err)
	}
	for _, seed := range a.envCfg.SeedPeers {
		d := federation.Descriptor{Host: seed.Host, Port: seed.Port, Name: seed.Name, Description: seed.Description}
		if err := fed.SeedPeer(d); err != nil {
			log.Warn("skipping seed peer", "host", seed.Host, "err", err)
		}
	}
	a.federation = fed
	return nil
}

func (a *gopherApp) initObservability() {
	a.realtime = metrics.NewRealtimeRing(realtimeCapacity)
	a.sampler = metrics.NewSampler(a.collector, a.realtime, realtimeInterval)
	a.history = metrics.NewHistory(a.collector, a.repo, historyRetention)
	a.collector.RegisterGauges(metrics.GaugeSources{
		PeerStatuses:     []string{federation.StatusUnknown, federation.StatusHealthy, federation.StatusUnhealthy, federation.StatusDead},
		PeerStatusCounts: a.federation.StatusCounts,
		BlocklistSizes: func() (int, int) {
			s := a.blocklist.Stats()
			return s.IPCount, s.CIDRCount
		},
		BlocklistLastFetch: func() float64 {
			t := a.blocklist.Stats().LastRefresh
			if t.IsZero() {
				return 0
			}
			return float64(t.Unix())
		},
		RateLimitTracked:  func() int { return a.limiter.Stats().TrackedSources },
		ReputationTracked: func() int { return len(a.reputation.List()) },
		ActiveBans:        func() int { return len(a.bans.List()) },
	})

	a.geoSvc = geoip.NewService(geoip.ServiceConfig{
		DBPath:         a.envCfg.GeoIPDBPath,
		UpdateURL:      a.envCfg.GeoIPUpdateURL,
		UpdateSchedule: a.envCfg.GeoIPUpdateSchedule,
		Downloader:     a.downloader,
	})
}

func (a *gopherApp) buildServers() error {
	store, err := content.OpenFS(a.envCfg.ContentDir)
	if err != nil {
		return err
	}
	a.content = store

	var backend ai.Backend = ai.Disabled{}
	if a.envCfg.AIBackendURL != "" {
		backend = ai.NewOllamaClient(a.envCfg.AIBackendURL, a.envCfg.AIModel, a.envCfg.AITimeout)
	}
	site := &router.Site{
		Name:       a.envCfg.Hostname,
		Content:    store,
		AI:         backend,
		Federation: a.federation,
		Report:     a.pipeline.Report,
		Stats: func() router.ServerStats {
			return router.ServerStats{
				Uptime:    time.Since(a.startedAt),
				Admission: a.pipeline.Stats(),
				RateLimit: a.limiter.Stats(),
				Blocklist: a.blocklist.Stats(),
				Peers:     a.federation.StatusCounts(),
			}
		},
	}

	a.gateway = gateway.New(gateway.Config{
		MaxConnections: a.envCfg.MaxConnections,
		ReadTimeout:    a.envCfg.ReadTimeout,
		WriteTimeout:   a.envCfg.WriteTimeout,
		Admission:      a.pipeline,
		Gopher:         router.GopherRoutes(site),
		Gemini:         router.GeminiRoutes(site),
		Observer:       a.collector,
	})

	a.endpoints = append(a.endpoints, gateway.Endpoint{
		Protocol: router.ProtocolGopher,
		Addr:     formatListenAddress(a.envCfg.ListenAddress, a.envCfg.GopherPort),
		Host:     a.envCfg.Hostname,
		Port:     a.envCfg.GopherPort,
	})
	if a.envCfg.GeminiEnabled {
		hosts := []string{a.envCfg.Hostname}
		if a.envCfg.OnionHostname != "" {
			hosts = append(hosts, a.envCfg.OnionHostname)
		}
		tlsCfg, err := gateway.GeminiTLSConfig(a.envCfg.GeminiCert, a.envCfg.GeminiKey, a.envCfg.StateDir, hosts...)
		if err != nil {
			return fmt.Errorf("gemini tls: %w", err)
		}
		a.endpoints = append(a.endpoints, gateway.Endpoint{
			Protocol: router.ProtocolGemini,
			Addr:     formatListenAddress(a.envCfg.ListenAddress, a.envCfg.GeminiPort),
			Host:     a.envCfg.Hostname,
			Port:     a.envCfg.GeminiPort,
			TLS:      tlsCfg,
		})
	}
	if a.envCfg.TorEnabled {
		// The Tor daemon forwards the onion's port 70 to this loopback listener.
		a.endpoints = append(a.endpoints, gateway.Endpoint{
			Protocol: router.ProtocolGopher,
			Addr:     formatListenAddress("127.0.0.1", a.envCfg.TorListenPort),
			Host:     a.envCfg.AdvertisedHost(true),
			Port:     70,
			Onion:    true,
		})
	}

	cpService := &service.ControlPlaneService{
		Federation: a.federation,
		Bans:       a.bans,
		Blocklist:  a.blocklist,
		Reputation: a.reputation,
		Limiter:    a.limiter,
		Pipeline:   a.pipeline,
		GeoIP:      a.geoSvc,
		Metrics:    a.collector,
		Realtime:   a.realtime,
		History:    a.history,
		StartedAt:  a.startedAt,
	}
	systemInfo := service.NewMemorySystemService(service.SystemInfo{
		StartedAt: a.startedAt,
		Hostname:  a.envCfg.Hostname,
		Onion:     a.envCfg.OnionHostname,
		Gemini:    a.envCfg.GeminiEnabled,
		Tor:       a.envCfg.TorEnabled,
	}).GetSystemInfo()
	a.apiSrv = api.NewServerWithAddress(
		a.envCfg.APIListenAddress,
		a.envCfg.APIPort,
		a.envCfg.AdminToken,
		systemInfo,
		cpService,
		int64(a.envCfg.APIMaxBodyBytes),
		a.collector.Handler(),
	)
	return nil
}

// serve runs background services and listeners until ctx is canceled or a
// listener fails.
func (a *gopherApp) serve(ctx context.Context) error {
	if err := a.geoSvc.Start(); err != nil {
		log.Warn("geoip start failed", "err", err)
	}
	a.reputation.Start()

	g, gctx := errgroup.WithContext(ctx)

	// Background loops; each returns when gctx is done.
	g.Go(func() error { a.blocklist.Start(gctx); return nil })
	g.Go(func() error { a.limiter.Run(gctx); return nil })
	g.Go(func() error { a.onionLimit.Run(gctx); return nil })
	g.Go(func() error { a.pipeline.Run(gctx); return nil })
	g.Go(func() error { a.federation.Run(gctx); return nil })
	g.Go(func() error { a.sampler.Run(gctx); return nil })
	g.Go(func() error { a.history.Run(gctx); return nil })
	g.Go(func() error {
		scanloop.Every(gctx, banSweepInterval, func() {
			if n := a.bans.Sweep(); n > 0 {
				log.Debug("expired bans swept", "count", n)
			}
		})
		return nil
	})

	for _, ep := range a.endpoints {
		g.Go(func() error { return a.gateway.ListenAndServe(gctx, ep) })
	}

	g.Go(func() error {
		log.Info("admin API starting", "addr", formatListenURL(a.envCfg.APIListenAddress, a.envCfg.APIPort))
		if err := a.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.apiSrv.Shutdown(shutdownCtx)
	})

	<-gctx.Done()
	if ctx.Err() != nil {
		log.Info("received shutdown signal")
	}
	return g.Wait()
}

func formatListenAddress(listenAddress string, port int) string {
	return net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

func formatListenURL(listenAddress string, port int) string {
	return "http://" + formatListenAddress(listenAddress, port)
}

// shutdown stops what serve leaves running: in-flight connections first,
// then schedulers, then the collaborators holding files.
func (a *gopherApp) shutdown(ctx context.Context) {
	if err := a.gateway.Wait(ctx); err != nil {
		log.Warn("connections still open at shutdown", "err", err)
	}
	log.Info("gateway stopped")

	a.blocklist.Stop()
	a.reputation.Stop()
	a.federation.Close()
	a.geoSvc.Stop()
	log.Info("background services stopped")

	if err := a.content.Close(); err != nil {
		log.Error("content store close failed", "err", err)
	}
	log.Info("server stopped")
}
