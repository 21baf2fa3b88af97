package api

import (
	"net/http"

	"github.com/EntropyParadigm/pure-gopher/internal/service"
)

// HandleHealthz returns a handler for GET /healthz. It reports liveness only.
func HandleHealthz(version string) http.HandlerFunc {
	body := map[string]string{"status": "ok", "version": version}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, body)
	}
}

// HandleSystemInfo returns a handler for GET /api/v1/system/info.
func HandleSystemInfo(info service.SystemInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}

// HandleStats returns a handler for GET /api/v1/stats.
func HandleStats(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.GetStats())
	}
}

// HandleGeoIPStatus returns a handler for GET /api/v1/geoip/status.
func HandleGeoIPStatus(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.GetGeoIPStatus())
	}
}

// HandleGeoIPLookup returns a handler for GET /api/v1/geoip/lookup?ip=.
func HandleGeoIPLookup(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := r.URL.Query().Get("ip")
		if ip == "" {
			writeInvalidArgument(w, "ip: required")
			return
		}
		res, err := cp.LookupIP(ip)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// HandleGeoIPUpdate returns a handler for POST /api/v1/geoip/actions/update-now.
func HandleGeoIPUpdate(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.UpdateGeoIPNow(); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, cp.GetGeoIPStatus())
	}
}
