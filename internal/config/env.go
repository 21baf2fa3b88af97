// Package config handles environment-based configuration loading and the
// optional YAML file carrying list-shaped settings.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir   string
	ContentDir string

	// Network
	ListenAddress string
	Hostname      string
	GopherPort    int
	GeminiEnabled bool
	GeminiPort    int
	GeminiCert    string
	GeminiKey     string

	// Tor: a second Gopher listener published as an onion service.
	TorEnabled    bool
	TorListenPort int
	// TorRateLimitRequests is the per-window budget shared by every client
	// of the onion listener.
	TorRateLimitRequests int
	OnionHostname        string
	SocksProxy           string

	// Connections
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Admission
	BansEnabled            bool
	RateLimitEnabled       bool
	RateLimitRequests      int
	RateLimitWindow        time.Duration
	RateLimitSweepInterval time.Duration

	BlocklistEnabled         bool
	BlocklistSources         []BlocklistSource
	BlocklistFile            string
	BlocklistRefreshSchedule string
	BlocklistFetchTimeout    time.Duration

	ReputationEnabled         bool
	ReputationSuspicious      int
	ReputationHighRisk        int
	ReputationBlocked         int
	ReputationDecaySchedule   string
	ReputationCleanupSchedule string

	// Federation
	FederationEnabled bool
	SyncInterval      time.Duration
	PeerTimeout       time.Duration
	SearchTimeout     time.Duration
	SeedPeers         []PeerSeed

	// Collaborators
	AIBackendURL string
	AIModel      string
	AITimeout    time.Duration
	GeoIPDBPath  string

	// GeoIPUpdateURL, when set, is fetched on GeoIPUpdateSchedule together
	// with GeoIPUpdateURL+".sha256" and replaces GeoIPDBPath after verification.
	GeoIPUpdateURL      string
	GeoIPUpdateSchedule string

	// Admin API
	APIListenAddress string
	APIPort          int
	APIMaxBodyBytes  int
	AdminToken       string

	// Logging
	LogLevel  string
	LogFormat string

	// Static bans from the config file.
	StaticBans []BanSeed

	ConfigFile string
}

// LoadEnvConfig reads environment variables (and the optional YAML file named
// by PG_CONFIG_FILE) and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("PG_STATE_DIR", "/var/lib/pure-gopher")
	cfg.ContentDir = envStr("PG_CONTENT_DIR", "/var/gopher")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("PG_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Hostname = strings.TrimSpace(envStr("PG_HOSTNAME", "localhost"))
	cfg.GopherPort = envInt("PG_GOPHER_PORT", 70, &errs)
	cfg.GeminiEnabled = envBool("PG_GEMINI_ENABLED", true, &errs)
	cfg.GeminiPort = envInt("PG_GEMINI_PORT", 1965, &errs)
	cfg.GeminiCert = envStr("PG_GEMINI_CERT_FILE", "")
	cfg.GeminiKey = envStr("PG_GEMINI_KEY_FILE", "")

	cfg.TorEnabled = envBool("PG_TOR_ENABLED", false, &errs)
	cfg.TorListenPort = envInt("PG_TOR_LISTEN_PORT", 7071, &errs)
	cfg.TorRateLimitRequests = envInt("PG_TOR_RATE_LIMIT_REQUESTS", 600, &errs)
	cfg.OnionHostname = strings.TrimSpace(envStr("PG_ONION_HOSTNAME", ""))
	cfg.SocksProxy = strings.TrimSpace(envStr("PG_SOCKS_PROXY", ""))

	// --- Connections ---
	cfg.MaxConnections = envInt("PG_MAX_CONNECTIONS", 256, &errs)
	cfg.ReadTimeout = envDuration("PG_READ_TIMEOUT", 30*time.Second, &errs)
	cfg.WriteTimeout = envDuration("PG_WRITE_TIMEOUT", 5*time.Minute, &errs)

	// --- Admission ---
	cfg.BansEnabled = envBool("PG_BANS_ENABLED", true, &errs)
	cfg.RateLimitEnabled = envBool("PG_RATE_LIMIT_ENABLED", true, &errs)
	cfg.RateLimitRequests = envInt("PG_RATE_LIMIT_REQUESTS", 60, &errs)
	cfg.RateLimitWindow = envDuration("PG_RATE_LIMIT_WINDOW", time.Minute, &errs)
	cfg.RateLimitSweepInterval = envDuration("PG_RATE_LIMIT_SWEEP_INTERVAL", time.Minute, &errs)

	cfg.BlocklistEnabled = envBool("PG_BLOCKLIST_ENABLED", false, &errs)
	cfg.BlocklistSources = envSources("PG_BLOCKLIST_SOURCES", &errs)
	cfg.BlocklistFile = envStr("PG_BLOCKLIST_FILE", filepath.Join(cfg.StateDir, "blocklist.txt"))
	cfg.BlocklistRefreshSchedule = envStr("PG_BLOCKLIST_REFRESH_SCHEDULE", "@every 1h")
	cfg.BlocklistFetchTimeout = envDuration("PG_BLOCKLIST_FETCH_TIMEOUT", 30*time.Second, &errs)

	cfg.ReputationEnabled = envBool("PG_REPUTATION_ENABLED", true, &errs)
	cfg.ReputationSuspicious = envInt("PG_REPUTATION_SUSPICIOUS", 50, &errs)
	cfg.ReputationHighRisk = envInt("PG_REPUTATION_HIGH_RISK", 75, &errs)
	cfg.ReputationBlocked = envInt("PG_REPUTATION_BLOCKED", 90, &errs)
	cfg.ReputationDecaySchedule = envStr("PG_REPUTATION_DECAY_SCHEDULE", "@every 1h")
	cfg.ReputationCleanupSchedule = envStr("PG_REPUTATION_CLEANUP_SCHEDULE", "@daily")

	// --- Federation ---
	cfg.FederationEnabled = envBool("PG_FEDERATION_ENABLED", true, &errs)
	cfg.SyncInterval = envDuration("PG_FEDERATION_SYNC_INTERVAL", time.Hour, &errs)
	cfg.PeerTimeout = envDuration("PG_FEDERATION_PEER_TIMEOUT", 10*time.Second, &errs)
	cfg.SearchTimeout = envDuration("PG_FEDERATION_SEARCH_TIMEOUT", 5*time.Second, &errs)

	// --- Collaborators ---
	cfg.AIBackendURL = strings.TrimSpace(envStr("PG_AI_URL", ""))
	cfg.AIModel = envStr("PG_AI_MODEL", "llama3.2")
	cfg.AITimeout = envDuration("PG_AI_TIMEOUT", 2*time.Minute, &errs)
	cfg.GeoIPDBPath = envStr("PG_GEOIP_DB", "")
	cfg.GeoIPUpdateURL = strings.TrimSpace(envStr("PG_GEOIP_UPDATE_URL", ""))
	cfg.GeoIPUpdateSchedule = envStr("PG_GEOIP_UPDATE_SCHEDULE", "0 5 * * 3")

	// --- Admin API (token must be defined; empty means auth disabled) ---
	cfg.APIListenAddress = strings.TrimSpace(envStr("PG_API_LISTEN_ADDRESS", "127.0.0.1"))
	cfg.APIPort = envInt("PG_API_PORT", 7080, &errs)
	cfg.APIMaxBodyBytes = envInt("PG_API_MAX_BODY_BYTES", 1<<20, &errs)
	adminToken, hasAdminToken := os.LookupEnv("PG_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Logging ---
	cfg.LogLevel = strings.ToLower(envStr("PG_LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(envStr("PG_LOG_FORMAT", "text"))

	// --- Config file ---
	cfg.ConfigFile = strings.TrimSpace(envStr("PG_CONFIG_FILE", ""))
	if cfg.ConfigFile != "" {
		fc, err := LoadFileConfig(cfg.ConfigFile)
		if err != nil {
			errs = append(errs, fmt.Sprintf("PG_CONFIG_FILE: %v", err))
		} else {
			cfg.applyFile(fc)
		}
	}

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "PG_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "PG_LISTEN_ADDRESS must not be empty")
	}
	if cfg.Hostname == "" || strings.ContainsAny(cfg.Hostname, "\t\r\n") {
		errs = append(errs, "PG_HOSTNAME must be a non-empty host name")
	}
	validatePort("PG_GOPHER_PORT", cfg.GopherPort, &errs)
	validatePort("PG_GEMINI_PORT", cfg.GeminiPort, &errs)
	validatePort("PG_TOR_LISTEN_PORT", cfg.TorListenPort, &errs)
	validatePositive("PG_TOR_RATE_LIMIT_REQUESTS", cfg.TorRateLimitRequests, &errs)
	validatePort("PG_API_PORT", cfg.APIPort, &errs)
	if (cfg.GeminiCert == "") != (cfg.GeminiKey == "") {
		errs = append(errs, "PG_GEMINI_CERT_FILE and PG_GEMINI_KEY_FILE must be set together")
	}
	if cfg.TorEnabled && cfg.OnionHostname == "" {
		errs = append(errs, "PG_ONION_HOSTNAME is required when PG_TOR_ENABLED is true")
	}
	if cfg.SocksProxy != "" {
		if _, _, err := net.SplitHostPort(cfg.SocksProxy); err != nil {
			errs = append(errs, fmt.Sprintf("PG_SOCKS_PROXY: invalid host:port %q", cfg.SocksProxy))
		}
	}

	validatePositive("PG_MAX_CONNECTIONS", cfg.MaxConnections, &errs)
	validatePositiveDuration("PG_READ_TIMEOUT", cfg.ReadTimeout, &errs)
	validatePositiveDuration("PG_WRITE_TIMEOUT", cfg.WriteTimeout, &errs)

	validatePositive("PG_RATE_LIMIT_REQUESTS", cfg.RateLimitRequests, &errs)
	validatePositiveDuration("PG_RATE_LIMIT_WINDOW", cfg.RateLimitWindow, &errs)
	validatePositiveDuration("PG_RATE_LIMIT_SWEEP_INTERVAL", cfg.RateLimitSweepInterval, &errs)

	validateSchedule("PG_BLOCKLIST_REFRESH_SCHEDULE", cfg.BlocklistRefreshSchedule, &errs)
	validatePositiveDuration("PG_BLOCKLIST_FETCH_TIMEOUT", cfg.BlocklistFetchTimeout, &errs)
	if cfg.GeoIPUpdateURL != "" {
		if cfg.GeoIPDBPath == "" {
			errs = append(errs, "PG_GEOIP_UPDATE_URL requires PG_GEOIP_DB")
		}
		validateSchedule("PG_GEOIP_UPDATE_SCHEDULE", cfg.GeoIPUpdateSchedule, &errs)
	}
	for i, src := range cfg.BlocklistSources {
		if err := src.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("blocklist source #%d: %v", i, err))
		}
	}

	if !(0 < cfg.ReputationSuspicious && cfg.ReputationSuspicious < cfg.ReputationHighRisk &&
		cfg.ReputationHighRisk < cfg.ReputationBlocked && cfg.ReputationBlocked <= 100) {
		errs = append(errs, fmt.Sprintf(
			"PG_REPUTATION thresholds must satisfy 0 < suspicious < high_risk < blocked <= 100, got %d/%d/%d",
			cfg.ReputationSuspicious, cfg.ReputationHighRisk, cfg.ReputationBlocked,
		))
	}
	validateSchedule("PG_REPUTATION_DECAY_SCHEDULE", cfg.ReputationDecaySchedule, &errs)
	validateSchedule("PG_REPUTATION_CLEANUP_SCHEDULE", cfg.ReputationCleanupSchedule, &errs)

	validatePositiveDuration("PG_FEDERATION_SYNC_INTERVAL", cfg.SyncInterval, &errs)
	validatePositiveDuration("PG_FEDERATION_PEER_TIMEOUT", cfg.PeerTimeout, &errs)
	validatePositiveDuration("PG_FEDERATION_SEARCH_TIMEOUT", cfg.SearchTimeout, &errs)
	for i, p := range cfg.SeedPeers {
		if strings.TrimSpace(p.Host) == "" {
			errs = append(errs, fmt.Sprintf("seed peer #%d: host is required", i))
		}
	}

	validatePositiveDuration("PG_AI_TIMEOUT", cfg.AITimeout, &errs)
	validatePositive("PG_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("PG_LOG_LEVEL: invalid value %q (allowed: debug, info, warn, error)", cfg.LogLevel))
	}
	switch cfg.LogFormat {
	case "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Sprintf("PG_LOG_FORMAT: invalid value %q (allowed: text, json, logfmt)", cfg.LogFormat))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// AdvertisedHost returns the host name written into menu lines for the given
// listener kind. Onion listeners advertise the onion hostname.
func (c *EnvConfig) AdvertisedHost(onion bool) string {
	if onion && c.OnionHostname != "" {
		return c.OnionHostname
	}
	return c.Hostname
}

func (c *EnvConfig) applyFile(fc *FileConfig) {
	if fc == nil {
		return
	}
	if len(fc.Blocklist.Sources) > 0 {
		c.BlocklistSources = append(c.BlocklistSources, fc.Blocklist.Sources...)
	}
	c.SeedPeers = append(c.SeedPeers, fc.Peers...)
	c.StaticBans = append(c.StaticBans, fc.Bans...)
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

// envSources parses a JSON array of {"name": ..., "url": ...} objects.
func envSources(key string, errs *[]string) []BlocklistSource {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []BlocklistSource
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON source array %q", key, v))
		return nil
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}

func validateSchedule(name, spec string, errs *[]string) {
	if _, err := cron.ParseStandard(spec); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid cron expression %q: %v", name, spec, err))
	}
}
