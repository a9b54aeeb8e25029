package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"token-pricer/internal/metrics"
	"token-pricer/internal/service"
)

const maxSignalsLimit = 500

// newHandler serves /metrics, /healthz, /prices?ids=a,b and /signals?limit=n.
func newHandler(svc *service.Service, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := svc.CheckSystemHealth(r.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	})
	mux.HandleFunc("/prices", func(w http.ResponseWriter, r *http.Request) {
		ids := splitIDs(r.URL.Query().Get("ids"))
		if len(ids) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ids query parameter required"})
			return
		}
		writeJSON(w, http.StatusOK, svc.GetMultipleTokenPrices(r.Context(), ids))
	})
	mux.HandleFunc("/signals", func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxSignalsLimit)
		}
		records, err := svc.RecentSignals(r.Context(), limit)
		switch {
		case errors.Is(err, service.ErrNoSignalStore):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, records)
		}
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func splitIDs(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}
