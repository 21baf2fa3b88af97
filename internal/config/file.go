package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BlocklistSource names one external deny-list feed.
type BlocklistSource struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// Validate checks that the source has a name and a supported URL scheme.
func (s BlocklistSource) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", s.URL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "gopher":
	default:
		return fmt.Errorf("unsupported url scheme %q (allowed: http, https, gopher)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", s.URL)
	}
	return nil
}

// PeerSeed is a federation peer registered at startup when not already known.
type PeerSeed struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// BanSeed is an explicit ban applied at startup. A zero TTL never expires.
type BanSeed struct {
	Address string   `yaml:"address"`
	Reason  string   `yaml:"reason"`
	TTL     Duration `yaml:"ttl"`
}

// FileConfig is the optional YAML document referenced by PG_CONFIG_FILE.
//
//	blocklist:
//	  sources:
//	    - name: spamhaus-drop
//	      url: https://www.spamhaus.org/drop/drop.txt
//	peers:
//	  - host: gopher.example.org
//	    port: 70
//	bans:
//	  - address: 198.51.100.7
//	    reason: scraping
//	    ttl: 72h
type FileConfig struct {
	Blocklist struct {
		Sources []BlocklistSource `yaml:"sources"`
	} `yaml:"blocklist"`
	Peers []PeerSeed `yaml:"peers"`
	Bans  []BanSeed  `yaml:"bans"`
}

// LoadFileConfig reads and decodes the YAML config file at path.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	fc := &FileConfig{}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return fc, nil
}
