// Package blocklist merges external IP/CIDR deny-lists and a local file into
// an in-memory table consulted on every accepted connection.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/EntropyParadigm/pure-gopher/internal/netutil"
)

// LocalSource tags entries read from the local file.
const LocalSource = "local"

// Source is one remote feed. URL schemes http, https and gopher are supported.
type Source struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Config configures a Blocklist.
type Config struct {
	Enabled         bool
	Sources         []Source
	LocalFile       string
	RefreshSchedule string // cron expression, default "@every 1h"
	Downloader      netutil.Downloader
	Now             func() time.Time
}

// Stats is a point-in-time summary for the admin surfaces.
type Stats struct {
	Enabled     bool              `json:"enabled"`
	IPCount     int               `json:"ip_count"`
	CIDRCount   int               `json:"cidr_count"`
	SourceCount int               `json:"source_count"`
	LastRefresh time.Time         `json:"last_refresh"`
	SourceErrs  map[string]string `json:"source_errors,omitempty"`
}

// table is an immutable lookup snapshot.
type table struct {
	exact    map[string]string // normalized address -> source name
	networks []network
}

var emptyTable = &table{exact: map[string]string{}}

// Blocklist answers membership queries from an atomically swapped snapshot.
// Lookups never perform I/O.
type Blocklist struct {
	enabled    bool
	sources    []Source
	localFile  string
	schedule   string
	downloader netutil.Downloader
	now        func() time.Time

	current atomic.Pointer[table]
	group   singleflight.Group
	cron    *cron.Cron

	statsMu     sync.Mutex
	lastRefresh time.Time
	sourceErrs  map[string]string

	logger *log.Logger
}

// New creates a Blocklist. The table starts empty; call Refresh or Start.
func New(cfg Config) (*Blocklist, error) {
	if cfg.RefreshSchedule == "" {
		cfg.RefreshSchedule = "@every 1h"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &Blocklist{
		enabled:    cfg.Enabled,
		sources:    append([]Source(nil), cfg.Sources...),
		localFile:  cfg.LocalFile,
		schedule:   cfg.RefreshSchedule,
		downloader: cfg.Downloader,
		now:        cfg.Now,
		cron:       cron.New(),
		logger:     log.WithPrefix("blocklist"),
	}
	b.current.Store(emptyTable)
	if _, err := b.cron.AddFunc(cfg.RefreshSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := b.Refresh(ctx); err != nil {
			b.logger.Warn("scheduled refresh finished with errors", "err", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("blocklist: refresh schedule %q: %w", cfg.RefreshSchedule, err)
	}
	return b, nil
}

// Start runs an initial refresh in the background and starts the schedule.
// It is a no-op when the blocklist is disabled.
func (b *Blocklist) Start(ctx context.Context) {
	if !b.enabled {
		return
	}
	go func() {
		if err := b.Refresh(ctx); err != nil {
			b.logger.Warn("initial refresh finished with errors", "err", err)
		}
	}()
	b.cron.Start()
}

// Stop halts the refresh schedule.
func (b *Blocklist) Stop() { <-b.cron.Stop().Done() }

// Enabled reports whether the blocklist stage is active.
func (b *Blocklist) Enabled() bool { return b.enabled }

// Blocked reports whether address is listed. Unparseable input is not blocked.
func (b *Blocklist) Blocked(address string) bool {
	_, ok := b.Lookup(address)
	return ok
}

// Lookup returns the source that lists address. Exact entries are checked
// before networks; address families never cross-match.
func (b *Blocklist) Lookup(address string) (source string, ok bool) {
	addr, valid := normalizeAddr(address)
	if !valid {
		return "", false
	}
	t := b.current.Load()
	if src, hit := t.exact[addr.String()]; hit {
		return src, true
	}
	for _, n := range t.networks {
		if n.contains(addr) {
			return n.source, true
		}
	}
	return "", false
}

// Refresh clears the table and reloads every source. Concurrent callers share
// one run. A failing source contributes nothing; the others still load. The
// returned error joins the per-source failures.
func (b *Blocklist) Refresh(ctx context.Context) error {
	_, err, _ := b.group.Do("refresh", func() (any, error) {
		return nil, b.refresh(ctx)
	})
	return err
}

func (b *Blocklist) refresh(ctx context.Context) error {
	started := b.now()

	// Readers see an empty table until the first source lands.
	b.current.Store(emptyTable)

	var (
		errs       []error
		sourceErrs = make(map[string]string)
		exact      = make(map[string]string)
		networks   []network
	)
	publish := func(p parsed, name string) {
		for _, addr := range p.exact {
			exact[addr] = name
		}
		networks = append(networks, p.networks...)
		snapshot := &table{exact: make(map[string]string, len(exact)), networks: append([]network(nil), networks...)}
		for k, v := range exact {
			snapshot.exact[k] = v
		}
		b.current.Store(snapshot)
	}

	for _, src := range b.sources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		body, err := b.fetch(ctx, src)
		if err != nil {
			b.logger.Warn("source fetch failed", "source", src.Name, "url", src.URL, "err", err)
			sourceErrs[src.Name] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", src.Name, err))
			continue
		}
		p := parseList(body, src.Name)
		publish(p, src.Name)
		b.logger.Debug("source loaded", "source", src.Name, "ips", len(p.exact), "cidrs", len(p.networks))
	}

	if b.localFile != "" {
		body, err := os.ReadFile(b.localFile)
		switch {
		case err == nil:
			publish(parseList(body, LocalSource), LocalSource)
		case errors.Is(err, os.ErrNotExist):
			b.logger.Debug("local file absent", "path", b.localFile)
		default:
			sourceErrs[LocalSource] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", LocalSource, err))
		}
	}

	b.statsMu.Lock()
	b.lastRefresh = started
	b.sourceErrs = sourceErrs
	b.statsMu.Unlock()

	t := b.current.Load()
	b.logger.Info("refresh completed",
		"ips", len(t.exact),
		"cidrs", len(t.networks),
		"sources", len(b.sources),
		"failed", len(sourceErrs),
		"took", b.now().Sub(started),
	)
	return errors.Join(errs...)
}

func (b *Blocklist) fetch(ctx context.Context, src Source) ([]byte, error) {
	if b.downloader == nil {
		return nil, errors.New("no downloader configured")
	}
	return b.downloader.Download(ctx, src.URL)
}

// Stats reports table sizes and the last refresh time.
func (b *Blocklist) Stats() Stats {
	t := b.current.Load()
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	var errs map[string]string
	if len(b.sourceErrs) > 0 {
		errs = make(map[string]string, len(b.sourceErrs))
		for k, v := range b.sourceErrs {
			errs[k] = v
		}
	}
	return Stats{
		Enabled:     b.enabled,
		IPCount:     len(t.exact),
		CIDRCount:   len(t.networks),
		SourceCount: len(b.sources),
		LastRefresh: b.lastRefresh,
		SourceErrs:  errs,
	}
}
