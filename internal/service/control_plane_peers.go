package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/EntropyParadigm/pure-gopher/internal/admission"
	"github.com/EntropyParadigm/pure-gopher/internal/blocklist"
	"github.com/EntropyParadigm/pure-gopher/internal/federation"
	"github.com/EntropyParadigm/pure-gopher/internal/geoip"
	"github.com/EntropyParadigm/pure-gopher/internal/metrics"
	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/ratelimit"
	"github.com/EntropyParadigm/pure-gopher/internal/reputation"
)

// syncTimeout bounds an admin-triggered federation sync.
const syncTimeout = 2 * time.Minute

// ControlPlaneService provides all control plane operations.
type ControlPlaneService struct {
	Federation *federation.Service
	Bans       *admission.BanList
	Blocklist  *blocklist.Blocklist
	Reputation *reputation.Store
	Limiter    *ratelimit.Limiter
	Pipeline   *admission.Pipeline
	GeoIP      *geoip.Service // optional
	Metrics    *metrics.Collector
	Realtime   *metrics.RealtimeRing
	History    *metrics.History // optional
	StartedAt  time.Time
}

// ------------------------------------------------------------------
// Peers
// ------------------------------------------------------------------

// AddPeerRequest is the federation peer descriptor.
type AddPeerRequest struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ListPeers returns all peers sorted by host.
func (cp *ControlPlaneService) ListPeers() []model.Peer {
	return cp.Federation.ListPeers()
}

// GetPeer returns one peer.
func (cp *ControlPlaneService) GetPeer(host string) (*model.Peer, error) {
	p, err := cp.Federation.PeerStatus(host)
	if err != nil {
		return nil, fromDomain("get peer", err)
	}
	return &p, nil
}

// AddPeer registers a peer. Its first health check runs asynchronously.
func (cp *ControlPlaneService) AddPeer(req AddPeerRequest) (*model.Peer, error) {
	p, err := cp.Federation.AddPeer(federation.Descriptor{
		Host:        req.Host,
		Port:        req.Port,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		return nil, fromDomain("add peer", err)
	}
	return &p, nil
}

// UpdatePeer edits a peer's display fields from a PATCH body.
func (cp *ControlPlaneService) UpdatePeer(host string, patchJSON json.RawMessage) (*model.Peer, error) {
	u, verr := decodePeerPatch(patchJSON)
	if verr != nil {
		return nil, verr
	}
	p, err := cp.Federation.UpdatePeer(host, u)
	if err != nil {
		return nil, fromDomain("update peer", err)
	}
	return &p, nil
}

// DeletePeer removes a peer and its cached content.
func (cp *ControlPlaneService) DeletePeer(host string) error {
	if err := cp.Federation.RemovePeer(host); err != nil {
		return fromDomain("delete peer", err)
	}
	return nil
}

// PingPeer runs one synchronous health check.
func (cp *ControlPlaneService) PingPeer(ctx context.Context, host string) (*federation.PingResult, error) {
	res, err := cp.Federation.Ping(ctx, host)
	if err != nil {
		return nil, fromDomain("ping peer", err)
	}
	return &res, nil
}

// SyncFederation runs one full sync. An overlapping run is reported as
// skipped, not as an error.
func (cp *ControlPlaneService) SyncFederation(ctx context.Context) federation.SyncReport {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	return cp.Federation.SyncAll(ctx)
}
