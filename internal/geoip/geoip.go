// Package geoip resolves source addresses to ISO country codes from a
// MaxMind-format database, with hot reload and optional verified updates.
package geoip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/EntropyParadigm/pure-gopher/internal/netutil"
)

// GeoReader abstracts the database reader so tests can substitute one.
type GeoReader interface {
	Lookup(ip netip.Addr) string
	Close() error
}

// OpenFunc opens a database file and returns a GeoReader.
type OpenFunc func(path string) (GeoReader, error)

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

type mmdbReader struct {
	r *maxminddb.Reader
}

// MaxMindOpen opens a GeoLite2/GeoIP2 Country (or City) database.
func MaxMindOpen(path string) (GeoReader, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{r: r}, nil
}

func (m *mmdbReader) Lookup(ip netip.Addr) string {
	if !ip.IsValid() {
		return ""
	}
	var rec countryRecord
	if err := m.r.Lookup(ip.Unmap().AsSlice(), &rec); err != nil {
		return ""
	}
	code := rec.Country.ISOCode
	if code == "" {
		code = rec.RegisteredCountry.ISOCode
	}
	return strings.ToLower(code)
}

func (m *mmdbReader) Close() error { return m.r.Close() }

// ServiceConfig configures the GeoIP service.
type ServiceConfig struct {
	DBPath         string
	UpdateURL      string // empty disables updates
	UpdateSchedule string // cron expression, default "0 5 * * 3"
	OpenDB         OpenFunc
	Downloader     netutil.Downloader
}

// Service provides lookups with hot reloading via RWMutex.
type Service struct {
	mu     sync.RWMutex
	reader GeoReader // nil until first load

	dbPath      string
	updateURL   string
	openDB      OpenFunc
	downloader  netutil.Downloader
	cron        *cron.Cron
	cronEntryID cron.EntryID
	updateMu    sync.Mutex // serializes UpdateNow calls
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
	logger      *log.Logger
}

// NewService creates a new GeoIP service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.UpdateSchedule == "" {
		cfg.UpdateSchedule = "0 5 * * 3"
	}
	if cfg.OpenDB == nil {
		cfg.OpenDB = MaxMindOpen
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &Service{
		dbPath:     cfg.DBPath,
		updateURL:  cfg.UpdateURL,
		openDB:     cfg.OpenDB,
		downloader: cfg.Downloader,
		cron:       cron.New(),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		logger:     log.WithPrefix("geoip"),
	}
	if s.updateURL == "" {
		return s
	}

	entryID, err := s.cron.AddFunc(cfg.UpdateSchedule, func() {
		if err := s.UpdateNow(); err != nil {
			s.logger.Warn("scheduled update failed", "err", err)
		}
	})
	if err != nil {
		s.logger.Error("invalid update schedule", "schedule", cfg.UpdateSchedule, "err", err)
	} else {
		s.cronEntryID = entryID
	}
	return s
}

// Start loads the database if present and starts the update schedule. A
// missing or stale database triggers a background update when updates are
// configured.
func (s *Service) Start() error {
	info, err := os.Stat(s.dbPath)
	switch {
	case err == nil:
		if err := s.reloadReader(s.dbPath); err != nil {
			s.logger.Warn("failed to load database", "path", s.dbPath, "err", err)
		}
		if s.updateURL != "" && s.isStale(info.ModTime()) {
			s.logger.Info("database is stale, updating in background")
			go s.backgroundUpdate()
		}
	case errors.Is(err, os.ErrNotExist):
		if s.updateURL == "" {
			s.logger.Warn("database not found, lookups disabled", "path", s.dbPath)
			break
		}
		s.logger.Info("no local database, downloading in background")
		go s.backgroundUpdate()
	default:
		return fmt.Errorf("geoip: stat db %s: %w", s.dbPath, err)
	}
	s.cron.Start()
	return nil
}

func (s *Service) backgroundUpdate() {
	if err := s.UpdateNow(); err != nil {
		s.logger.Warn("background update failed", "err", err)
	}
}

// isStale reports whether modTime is older than twice the gap between two
// consecutive scheduled runs.
func (s *Service) isStale(modTime time.Time) bool {
	entry := s.cron.Entry(s.cronEntryID)
	if entry.ID == 0 || entry.Schedule == nil {
		return time.Since(modTime) > 32*24*time.Hour
	}
	next := entry.Schedule.Next(time.Now())
	interval := entry.Schedule.Next(next).Sub(next)
	if interval <= 0 {
		interval = 32 * 24 * time.Hour
	}
	return time.Since(modTime) > 2*interval
}

// Stop stops the scheduler, waits for an in-flight update and closes the
// reader.
func (s *Service) Stop() {
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Loaded reports whether a database is loaded.
func (s *Service) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader != nil
}

// Lookup returns the lowercase country code for ip, or "".
func (s *Service) Lookup(ip netip.Addr) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return ""
	}
	return s.reader.Lookup(ip)
}

// Country looks up a textual address. Unparseable input yields "".
func (s *Service) Country(address string) string {
	if s == nil {
		return ""
	}
	ip, err := netip.ParseAddr(address)
	if err != nil {
		return ""
	}
	return s.Lookup(ip)
}

// UpdateNow downloads the database and its ".sha256" checksum, verifies,
// atomically replaces the local file and hot-reloads the reader.
func (s *Service) UpdateNow() error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if s.updateURL == "" {
		return fmt.Errorf("geoip: no update URL configured")
	}
	if s.downloader == nil {
		return fmt.Errorf("geoip: no downloader configured")
	}
	ctx := s.lifeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("geoip: update: %w", err)
	}

	dbData, err := s.downloader.Download(ctx, s.updateURL)
	if err != nil {
		return fmt.Errorf("geoip: download db: %w", err)
	}
	sumBody, err := s.downloader.Download(ctx, s.updateURL+".sha256")
	if err != nil {
		return fmt.Errorf("geoip: download sha256: %w", err)
	}
	expected := parseSHA256Sum(string(sumBody))
	if expected == "" {
		return fmt.Errorf("geoip: could not parse sha256sum from %q", string(sumBody))
	}

	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("geoip: create dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(s.dbPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("geoip: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // no-op once renamed
	if _, err := tmpFile.Write(dbData); err != nil {
		tmpFile.Close()
		return fmt.Errorf("geoip: write temp: %w", err)
	}
	tmpFile.Close()

	if err := VerifySHA256(tmpPath, expected); err != nil {
		return err
	}
	// Refuse files the reader cannot open before replacing a good one.
	probe, err := s.openDB(tmpPath)
	if err != nil {
		return fmt.Errorf("geoip: downloaded database is unreadable: %w", err)
	}
	probe.Close()

	if err := os.Rename(tmpPath, s.dbPath); err != nil {
		return fmt.Errorf("geoip: atomic replace: %w", err)
	}
	if err := s.reloadReader(s.dbPath); err != nil {
		return err
	}
	s.logger.Info("database updated", "path", s.dbPath, "bytes", len(dbData))
	return nil
}

// reloadReader swaps in a new reader. RLock holders finish before the old
// reader is closed.
func (s *Service) reloadReader(path string) error {
	if s.openDB == nil {
		return fmt.Errorf("geoip: no OpenDB function configured")
	}
	newReader, err := s.openDB(path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// VerifySHA256 checks that the file at path has the expected SHA256 hash.
func VerifySHA256(path, expectedHex string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	got := sha256.Sum256(data)
	gotHex := hex.EncodeToString(got[:])
	if gotHex != expectedHex {
		return fmt.Errorf("geoip: sha256 mismatch: got %s, want %s", gotHex, expectedHex)
	}
	return nil
}

// UpdatesEnabled reports whether an update URL is configured.
func (s *Service) UpdatesEnabled() bool {
	return s.updateURL != ""
}

// NextScheduledUpdate returns the next cron fire time, or zero when updates
// are disabled.
func (s *Service) NextScheduledUpdate() time.Time {
	if s.cronEntryID == 0 {
		return time.Time{}
	}
	entry := s.cron.Entry(s.cronEntryID)
	if entry.Schedule == nil {
		return time.Time{}
	}
	if !entry.Next.IsZero() {
		return entry.Next
	}
	return entry.Schedule.Next(time.Now())
}

// LastUpdated returns the modification time of the database file.
func (s *Service) LastUpdated() time.Time {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// parseSHA256Sum extracts the hash from "<hash>  <filename>" or a bare hash.
func parseSHA256Sum(s string) string {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) >= 1 && len(parts[0]) == 64 {
		return strings.ToLower(parts[0])
	}
	return ""
}
