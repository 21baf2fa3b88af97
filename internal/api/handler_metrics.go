package api

import (
	"net/http"

	"github.com/EntropyParadigm/pure-gopher/internal/service"
)

// HandleRealtimeMetrics returns a handler for GET /api/v1/metrics/realtime.
// Samples are newest first; the default window is the last five minutes.
func HandleRealtimeMetrics(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, ok := parseTimeRangeOrWriteInvalid(w, r)
		if !ok {
			return
		}
		samples, err := cp.RealtimeMetrics(from, to)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": samples})
	}
}

// HandleHistoryMetrics returns a handler for GET /api/v1/metrics/history.
// Buckets are oldest first; the default window is the last 24 hours.
func HandleHistoryMetrics(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, ok := parseTimeRangeOrWriteInvalid(w, r)
		if !ok {
			return
		}
		rows, err := cp.HistoryMetrics(from, to)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"bucket_seconds": cp.HistoryBucketSeconds(),
			"items":          rows,
		})
	}
}
