package service

import (
	"net/netip"
	"time"
)

// GeoIPStatus is the API response for GeoIP status.
type GeoIPStatus struct {
	Loaded              bool   `json:"loaded"`
	UpdatesEnabled      bool   `json:"updates_enabled"`
	DBMtime             string `json:"db_mtime,omitempty"`
	NextScheduledUpdate string `json:"next_scheduled_update,omitempty"`
}

// GeoIPLookup is the API response for one lookup.
type GeoIPLookup struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
}

// GetGeoIPStatus returns the current GeoIP status.
func (cp *ControlPlaneService) GetGeoIPStatus() GeoIPStatus {
	if cp.GeoIP == nil {
		return GeoIPStatus{}
	}
	status := GeoIPStatus{
		Loaded:         cp.GeoIP.Loaded(),
		UpdatesEnabled: cp.GeoIP.UpdatesEnabled(),
	}
	if t := cp.GeoIP.LastUpdated(); !t.IsZero() {
		status.DBMtime = t.UTC().Format(time.RFC3339Nano)
	}
	if t := cp.GeoIP.NextScheduledUpdate(); !t.IsZero() {
		status.NextScheduledUpdate = t.UTC().Format(time.RFC3339Nano)
	}
	return status
}

// LookupIP performs a GeoIP lookup. An unloaded database yields an empty
// country.
func (cp *ControlPlaneService) LookupIP(ipStr string) (*GeoIPLookup, error) {
	ip, err := netip.ParseAddr(ipStr)
	if err != nil {
		return nil, invalidArg("ip: invalid IP address")
	}
	out := &GeoIPLookup{IP: ip.Unmap().String()}
	if cp.GeoIP != nil {
		out.Country = cp.GeoIP.Lookup(ip)
	}
	return out, nil
}

// UpdateGeoIPNow triggers an immediate database update and blocks until it
// finishes.
func (cp *ControlPlaneService) UpdateGeoIPNow() error {
	if cp.GeoIP == nil || !cp.GeoIP.UpdatesEnabled() {
		return conflict("geoip updates are not configured")
	}
	if err := cp.GeoIP.UpdateNow(); err != nil {
		return internal("geoip update failed", err)
	}
	return nil
}
