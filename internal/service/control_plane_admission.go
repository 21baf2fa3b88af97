package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/EntropyParadigm/pure-gopher/internal/admission"
	"github.com/EntropyParadigm/pure-gopher/internal/blocklist"
	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/ratelimit"
	"github.com/EntropyParadigm/pure-gopher/internal/reputation"
)

// blocklistRefreshTimeout bounds an admin-triggered refresh.
const blocklistRefreshTimeout = 5 * time.Minute

func normalizeIP(raw string) (string, *ServiceError) {
	addr, err := admission.NormalizeAddress(raw)
	if err != nil {
		return "", invalidArg(fmt.Sprintf("ip: %q is not an IP address", raw))
	}
	return addr, nil
}

// ------------------------------------------------------------------
// Bans
// ------------------------------------------------------------------

// BanView is a ban with its remaining lifetime and country.
type BanView struct {
	model.Ban
	Permanent bool   `json:"permanent"`
	ExpiresIn string `json:"expires_in,omitempty"`
	Country   string `json:"country,omitempty"`
}

// CreateBanRequest adds a ban. TTL is a Go duration string; empty means
// permanent.
type CreateBanRequest struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
	TTL     string `json:"ttl"`
}

func (cp *ControlPlaneService) banView(b model.Ban, now time.Time) BanView {
	v := BanView{Ban: b, Permanent: b.ExpiresAtNs == 0, Country: cp.GeoIP.Country(b.Address)}
	if !v.Permanent {
		v.ExpiresIn = time.Duration(b.ExpiresAtNs - now.UnixNano()).Round(time.Second).String()
	}
	return v
}

// ListBans returns active bans sorted by address.
func (cp *ControlPlaneService) ListBans() []BanView {
	now := time.Now()
	bans := cp.Bans.List()
	out := make([]BanView, 0, len(bans))
	for _, b := range bans {
		out = append(out, cp.banView(b, now))
	}
	return out
}

// CreateBan adds or replaces a ban.
func (cp *ControlPlaneService) CreateBan(req CreateBanRequest) (*BanView, error) {
	if strings.TrimSpace(req.Address) == "" {
		return nil, invalidArg("address: required")
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			return nil, invalidArg("ttl: " + err.Error())
		}
		if d <= 0 {
			return nil, invalidArg("ttl: must be positive")
		}
		ttl = d
	}
	b, err := cp.Bans.Ban(req.Address, strings.TrimSpace(req.Reason), ttl)
	if err != nil {
		return nil, fromDomain("create ban", err)
	}
	v := cp.banView(b, time.Now())
	return &v, nil
}

// DeleteBan lifts the ban on ip.
func (cp *ControlPlaneService) DeleteBan(ip string) error {
	if err := cp.Bans.Unban(ip); err != nil {
		return fromDomain("delete ban", err)
	}
	return nil
}

// ------------------------------------------------------------------
// Blocklist
// ------------------------------------------------------------------

// BlocklistCheck reports every admission verdict for one address.
type BlocklistCheck struct {
	Address     string               `json:"address"`
	Blocklisted bool                 `json:"blocklisted"`
	Source      string               `json:"source,omitempty"`
	Banned      bool                 `json:"banned"`
	BanReason   string               `json:"ban_reason,omitempty"`
	Risk        reputation.RiskLevel `json:"risk_level"`
	Country     string               `json:"country,omitempty"`
}

// BlocklistStats returns table sizes and refresh status.
func (cp *ControlPlaneService) BlocklistStats() blocklist.Stats {
	return cp.Blocklist.Stats()
}

// RefreshBlocklist reloads every source now. Per-source failures are
// reported in the returned stats, not as an error.
func (cp *ControlPlaneService) RefreshBlocklist(ctx context.Context) (*blocklist.Stats, error) {
	if !cp.Blocklist.Enabled() {
		return nil, conflict("blocklist is disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, blocklistRefreshTimeout)
	defer cancel()
	_ = cp.Blocklist.Refresh(ctx)
	stats := cp.Blocklist.Stats()
	return &stats, nil
}

// CheckAddress looks ip up in the blocklist, bans and reputation table.
func (cp *ControlPlaneService) CheckAddress(ip string) (*BlocklistCheck, error) {
	if strings.TrimSpace(ip) == "" {
		return nil, invalidArg("ip: required")
	}
	addr, verr := normalizeIP(ip)
	if verr != nil {
		return nil, verr
	}
	out := &BlocklistCheck{Address: addr, Risk: cp.Reputation.RiskLevel(addr), Country: cp.GeoIP.Country(addr)}
	out.Source, out.Blocklisted = cp.Blocklist.Lookup(addr)
	if b, ok := cp.Bans.Lookup(addr); ok {
		out.Banned = true
		out.BanReason = b.Reason
	}
	return out, nil
}

// ------------------------------------------------------------------
// Reputation
// ------------------------------------------------------------------

// ReputationView is a reputation record with its risk level.
type ReputationView struct {
	model.Reputation
	Level   reputation.RiskLevel `json:"risk_level"`
	Tracked bool                 `json:"tracked"`
	Country string               `json:"country,omitempty"`
}

// ReputationEventRequest names the event to apply.
type ReputationEventRequest struct {
	Kind string `json:"kind"`
}

func (cp *ControlPlaneService) reputationView(rec model.Reputation, tracked bool) ReputationView {
	if rec.Events == nil {
		rec.Events = []model.ReputationEvent{}
	}
	return ReputationView{
		Reputation: rec,
		Level:      cp.Reputation.Thresholds().Level(rec.Score),
		Tracked:    tracked,
		Country:    cp.GeoIP.Country(rec.Address),
	}
}

// ListReputation returns tracked records, highest score first. limit <= 0
// returns all.
func (cp *ControlPlaneService) ListReputation(limit int) []ReputationView {
	recs := cp.Reputation.List()
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]ReputationView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, cp.reputationView(rec, true))
	}
	return out
}

// GetReputation returns the record for ip. Untracked addresses report the
// default score.
func (cp *ControlPlaneService) GetReputation(ip string) (*ReputationView, error) {
	addr, verr := normalizeIP(ip)
	if verr != nil {
		return nil, verr
	}
	rec, ok := cp.Reputation.Get(addr)
	if !ok {
		rec = model.Reputation{Address: addr, Score: reputation.DefaultScore}
	}
	v := cp.reputationView(rec, ok)
	return &v, nil
}

// ResetReputation forgets ip's record.
func (cp *ControlPlaneService) ResetReputation(ip string) error {
	addr, verr := normalizeIP(ip)
	if verr != nil {
		return verr
	}
	if !cp.Reputation.Reset(addr) {
		return notFound("no reputation record for " + addr)
	}
	return nil
}

// RecordReputationEvent applies a named event to ip.
func (cp *ControlPlaneService) RecordReputationEvent(ip string, req ReputationEventRequest) (*ReputationView, error) {
	addr, verr := normalizeIP(ip)
	if verr != nil {
		return nil, verr
	}
	kind, err := reputation.ParseEventKind(strings.TrimSpace(req.Kind))
	if err != nil {
		return nil, fromDomain("record event", err)
	}
	rec, err := cp.Reputation.Apply(addr, kind)
	if err != nil {
		return nil, fromDomain("record event", err)
	}
	v := cp.reputationView(rec, true)
	return &v, nil
}

// ------------------------------------------------------------------
// Rate limiter
// ------------------------------------------------------------------

// RateLimitStats returns limiter configuration and table size.
func (cp *ControlPlaneService) RateLimitStats() ratelimit.Stats {
	return cp.Limiter.Stats()
}

// ResetRateLimit clears ip's window.
func (cp *ControlPlaneService) ResetRateLimit(ip string) error {
	addr, verr := normalizeIP(ip)
	if verr != nil {
		return verr
	}
	cp.Limiter.Reset(addr)
	return nil
}
