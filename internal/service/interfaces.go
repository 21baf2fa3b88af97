// Package service implements the admin control plane. API handlers call its
// methods; business logic lives here, not in handlers.
package service

import (
	"time"

	"github.com/EntropyParadigm/pure-gopher/internal/buildinfo"
)

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	StartedAt time.Time `json:"started_at"`
	Hostname  string    `json:"hostname"`
	Onion     string    `json:"onion_hostname,omitempty"`
	Gemini    bool      `json:"gemini_enabled"`
	Tor       bool      `json:"tor_enabled"`
}

// SystemService provides system-level information.
type SystemService interface {
	GetSystemInfo() SystemInfo
}

// MemorySystemService is a SystemService backed by in-memory state.
type MemorySystemService struct {
	info SystemInfo
}

// NewMemorySystemService fills in build information and returns the service.
func NewMemorySystemService(info SystemInfo) *MemorySystemService {
	info.Version = buildinfo.Version
	info.GitCommit = buildinfo.GitCommit
	info.BuildTime = buildinfo.BuildTime
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	return &MemorySystemService{info: info}
}

func (s *MemorySystemService) GetSystemInfo() SystemInfo {
	return s.info
}
