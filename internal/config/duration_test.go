package config

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalYAML(t *testing.T) {
	cases := map[string]time.Duration{
		`ttl: 72h`:   72 * time.Hour,
		`ttl: 7d`:    7 * 24 * time.Hour,
		`ttl: 90`:    90 * time.Second,
		`ttl: ""`:    0,
		`ttl: 1m30s`: 90 * time.Second,
	}
	for src, want := range cases {
		var v struct {
			TTL Duration `yaml:"ttl"`
		}
		if err := yaml.Unmarshal([]byte(src), &v); err != nil {
			t.Fatalf("%s: %v", src, err)
		}
		if v.TTL.Std() != want {
			t.Fatalf("%s: got %v, want %v", src, v.TTL.Std(), want)
		}
	}

	for _, src := range []string{`ttl: soon`, `ttl: -2d`, `ttl: [1, 2]`} {
		var v struct {
			TTL Duration `yaml:"ttl"`
		}
		if err := yaml.Unmarshal([]byte(src), &v); err == nil {
			t.Fatalf("%s: expected error", src)
		}
	}
}
