package api

import (
	"net/http"

	"github.com/EntropyParadigm/pure-gopher/internal/service"
)

// --- Bans ---

// HandleListBans returns a handler for GET /api/v1/bans.
func HandleListBans(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		permanent, ok := parseBoolQueryOrWriteInvalid(w, r, "permanent")
		if !ok {
			return
		}
		bans := cp.ListBans()
		if permanent != nil {
			filtered := make([]service.BanView, 0, len(bans))
			for _, b := range bans {
				if b.Permanent == *permanent {
					filtered = append(filtered, b)
				}
			}
			bans = filtered
		}
		WritePage(w, http.StatusOK, bans, pg)
	}
}

// HandleCreateBan returns a handler for POST /api/v1/bans.
func HandleCreateBan(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.CreateBanRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		ban, err := cp.CreateBan(req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ban)
	}
}

// HandleDeleteBan returns a handler for DELETE /api/v1/bans/{ip}.
func HandleDeleteBan(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.DeleteBan(PathParam(r, "ip")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Blocklist ---

// HandleGetBlocklist returns a handler for GET /api/v1/blocklist.
func HandleGetBlocklist(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.BlocklistStats())
	}
}

// HandleRefreshBlocklist returns a handler for POST /api/v1/blocklist/actions/refresh.
func HandleRefreshBlocklist(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := cp.RefreshBlocklist(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// HandleCheckBlocklist returns a handler for GET /api/v1/blocklist/check?ip=.
func HandleCheckBlocklist(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := cp.CheckAddress(r.URL.Query().Get("ip"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// --- Reputation ---

// HandleListReputation returns a handler for GET /api/v1/reputation.
// Records are ordered by score, highest first.
func HandleListReputation(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, cp.ListReputation(0), pg)
	}
}

// HandleGetReputation returns a handler for GET /api/v1/reputation/{ip}.
func HandleGetReputation(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := cp.GetReputation(PathParam(r, "ip"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rep)
	}
}

// HandleResetReputation returns a handler for DELETE /api/v1/reputation/{ip}.
func HandleResetReputation(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.ResetReputation(PathParam(r, "ip")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleReputationEvent returns a handler for POST /api/v1/reputation/{ip}/events.
func HandleReputationEvent(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.ReputationEventRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		rep, err := cp.RecordReputationEvent(PathParam(r, "ip"), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rep)
	}
}

// --- Rate limiter ---

// HandleRateLimitStats returns a handler for GET /api/v1/ratelimit.
func HandleRateLimitStats(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.RateLimitStats())
	}
}

// HandleResetRateLimit returns a handler for DELETE /api/v1/ratelimit/{ip}.
func HandleResetRateLimit(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.ResetRateLimit(PathParam(r, "ip")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
