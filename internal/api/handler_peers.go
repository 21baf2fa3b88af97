package api

import (
	"cmp"
	"net/http"

	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/service"
)

var peerSortFields = []string{"host", "name", "status", "last_success"}

func comparePeersBy(field string) func(a, b model.Peer) int {
	switch field {
	case "name":
		return func(a, b model.Peer) int { return cmp.Compare(a.Name, b.Name) }
	case "status":
		return func(a, b model.Peer) int { return cmp.Compare(a.Status, b.Status) }
	case "last_success":
		return func(a, b model.Peer) int { return cmp.Compare(a.LastSuccessNs, b.LastSuccessNs) }
	default:
		return func(a, b model.Peer) int { return cmp.Compare(a.Host, b.Host) }
	}
}

// HandleListPeers returns a handler for GET /api/v1/peers.
func HandleListPeers(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		sorting, ok := parseSortingOrWriteInvalid(w, r, peerSortFields, "host")
		if !ok {
			return
		}
		peers := cp.ListPeers()
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := peers[:0]
			for _, p := range peers {
				if p.Status == status {
					filtered = append(filtered, p)
				}
			}
			peers = filtered
		}
		SortSlice(peers, sorting, comparePeersBy(sorting.SortBy))
		WritePage(w, http.StatusOK, peers, pg)
	}
}

// HandleGetPeer returns a handler for GET /api/v1/peers/{host}.
func HandleGetPeer(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := cp.GetPeer(PathParam(r, "host"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleAddPeer returns a handler for POST /api/v1/peers.
func HandleAddPeer(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.AddPeerRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		p, err := cp.AddPeer(req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, p)
	}
}

// HandleUpdatePeer returns a handler for PATCH /api/v1/peers/{host}.
func HandleUpdatePeer(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		p, err := cp.UpdatePeer(PathParam(r, "host"), body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleDeletePeer returns a handler for DELETE /api/v1/peers/{host}.
func HandleDeletePeer(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.DeletePeer(PathParam(r, "host")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandlePingPeer returns a handler for POST /api/v1/peers/{host}/actions/ping.
func HandlePingPeer(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := cp.PingPeer(r.Context(), PathParam(r, "host"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// HandleSyncFederation returns a handler for POST /api/v1/federation/actions/sync.
func HandleSyncFederation(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.SyncFederation(r.Context()))
	}
}
