package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"saturn/internal/forecast"
)

// RegisterRoutes registers all monitor routes on the given mux.
func (m *Monitor) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", m.handleHealth)
	mux.HandleFunc("GET /api/events", m.handleEvents)
	mux.HandleFunc("GET /api/orders/pending", m.handlePendingOrders)
	mux.HandleFunc("GET /api/fills", m.handleFills)
	mux.HandleFunc("GET /api/portfolio", m.handlePortfolio)
	mux.HandleFunc("GET /api/portfolio/statistics", m.handleStatistics)
	mux.HandleFunc("GET /api/restrictions", m.handleGetRestrictions)
	mux.HandleFunc("PUT /api/restrictions/{asset}", m.handlePutRestriction)
	mux.HandleFunc("DELETE /api/restrictions/{asset}", m.handleDeleteRestriction)
}

// Handler returns an http.Handler with CORS middleware.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	m.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not available")
}

func (m *Monitor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.Health())
}

func (m *Monitor) handleEvents(w http.ResponseWriter, _ *http.Request) {
	events, ok := m.Events()
	if !ok {
		unavailable(w, "runner")
		return
	}
	writeJSON(w, events)
}

func (m *Monitor) handlePendingOrders(w http.ResponseWriter, _ *http.Request) {
	orders, ok := m.PendingOrders()
	if !ok {
		unavailable(w, "broker")
		return
	}
	writeJSON(w, orders)
}

func (m *Monitor) handleFills(w http.ResponseWriter, _ *http.Request) {
	fills, ok := m.Fills()
	if !ok {
		unavailable(w, "broker")
		return
	}
	writeJSON(w, fills)
}

func (m *Monitor) handlePortfolio(w http.ResponseWriter, _ *http.Request) {
	if m.src.Portfolio == nil {
		unavailable(w, "portfolio")
		return
	}
	p, ok := m.Portfolio()
	if !ok {
		writeError(w, http.StatusNotFound, "portfolio has not been marked yet")
		return
	}
	writeJSON(w, p)
}

func (m *Monitor) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	stats, ok := m.Statistics()
	if !ok {
		unavailable(w, "portfolio")
		return
	}
	writeJSON(w, stats)
}

func (m *Monitor) handleGetRestrictions(w http.ResponseWriter, _ *http.Request) {
	if m.src.Restrictions == nil {
		unavailable(w, "restrictions")
		return
	}
	writeJSON(w, m.src.Restrictions.Snapshot())
}

func (m *Monitor) handlePutRestriction(w http.ResponseWriter, r *http.Request) {
	if m.src.Restrictions == nil {
		unavailable(w, "restrictions")
		return
	}
	assetID, err := strconv.ParseInt(r.PathValue("asset"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid asset id %q", r.PathValue("asset")))
		return
	}
	var res forecast.Restriction
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding restriction: %v", err))
		return
	}
	if err := m.src.Restrictions.Set(assetID, res); err != nil {
		m.log.Error("setting restriction", "asset_id", assetID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist restriction")
		return
	}
	m.log.Info("restriction set", "asset_id", assetID, "restriction", res)
	w.WriteHeader(http.StatusNoContent)
}

func (m *Monitor) handleDeleteRestriction(w http.ResponseWriter, r *http.Request) {
	if m.src.Restrictions == nil {
		unavailable(w, "restrictions")
		return
	}
	assetID, err := strconv.ParseInt(r.PathValue("asset"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid asset id %q", r.PathValue("asset")))
		return
	}
	if err := m.src.Restrictions.Delete(assetID); err != nil {
		m.log.Error("deleting restriction", "asset_id", assetID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist restriction")
		return
	}
	m.log.Info("restriction deleted", "asset_id", assetID)
	w.WriteHeader(http.StatusNoContent)
}
