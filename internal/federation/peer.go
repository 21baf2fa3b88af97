// Package federation treats other instances of this server as untrusted
// upstream sources: it tracks their health, caches their published content
// and fans searches out to them with per-peer timeouts.
package federation

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
)

// Peer statuses.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDead      = "dead"
)

// DeadAfter is the number of consecutive failures that marks a peer dead.
const DeadAfter = 3

// DefaultPort is used when a descriptor omits the port.
const DefaultPort = 70

var (
	ErrPeerNotFound = errors.New("peer not found")
	ErrPeerExists   = errors.New("peer already exists")
	ErrInvalidPeer  = errors.New("invalid peer")
)

// Descriptor is the administrative input for adding a peer.
type Descriptor struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NormalizeHost lower-cases host and strips a trailing dot.
func NormalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// Validate normalizes d in place and checks it.
func (d *Descriptor) Validate() error {
	d.Host = NormalizeHost(d.Host)
	if d.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidPeer)
	}
	if strings.ContainsAny(d.Host, " \t\r\n/:@") && net.ParseIP(d.Host) == nil {
		return fmt.Errorf("%w: host %q contains invalid characters", ErrInvalidPeer, d.Host)
	}
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidPeer, d.Port)
	}
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		d.Name = d.Host
	}
	d.Description = strings.TrimSpace(d.Description)
	return nil
}

// recordHealth applies one health-check outcome to p. A success always
// resets the failure count and marks the peer healthy; failures mark it
// unhealthy until DeadAfter consecutive failures, then dead.
func recordHealth(p model.Peer, ok bool, latencyMs, nowNs int64) model.Peer {
	if ok {
		p.Status = StatusHealthy
		p.ConsecutiveFailures = 0
		p.LatencyMs = latencyMs
		p.LastSuccessNs = nowNs
		return p
	}
	if p.Status == StatusDead {
		p.ConsecutiveFailures++
		return p
	}
	p.ConsecutiveFailures++
	if p.ConsecutiveFailures >= DeadAfter {
		p.Status = StatusDead
	} else {
		p.Status = StatusUnhealthy
	}
	return p
}
