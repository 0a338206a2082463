// Package admin provides the HTTP control surface for the caching proxy:
// metrics snapshots and reset, the event log, a read-only view of the cache,
// Prometheus exposition and the embedded dashboard.
// Routes under /admin may be protected by a static bearer token via
// TokenAuth.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ferro-labs/cache-proxy/internal/metrics"
	"github.com/ferro-labs/cache-proxy/internal/requestlog"
	"github.com/go-chi/chi/v5"
)

// StatsSource exposes the proxy's counters.
type StatsSource interface {
	Snapshot() metrics.Stats
	ResetMetrics()
}

// CacheInspector is the read-only view of the response cache.
type CacheInspector interface {
	Len() int
	Capacity() int
	Keys() []string
}

// Handlers holds dependencies for admin HTTP handlers.
type Handlers struct {
	Stats StatsSource
	Cache CacheInspector
	// State reports the proxy lifecycle state.
	State    func() string
	Logs     requestlog.Reader
	LogAdmin requestlog.Maintainer
	// Events receives a log event for every mutating admin call.
	Events metrics.Sink
}

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
	maxCacheKeys    = 1000
)

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.getStats)
	r.Post("/stats/reset", h.resetStats)
	r.Get("/logs", h.listLogs)
	r.Delete("/logs", h.deleteLogs)
	r.Get("/cache", h.listCache)
	return r
}

func (h *Handlers) getStats(w http.ResponseWriter, _ *http.Request) {
	if h.Stats == nil {
		writeError(w, http.StatusNotImplemented, "metrics are not enabled", "not_implemented_error", "not_implemented")
		return
	}

	resp := map[string]interface{}{
		"metrics": h.Stats.Snapshot(),
	}
	if h.State != nil {
		resp["state"] = h.State()
	}
	if h.Cache != nil {
		cache := map[string]interface{}{
			"entries":  h.Cache.Len(),
			"capacity": h.Cache.Capacity(),
		}
		if ev, ok := h.Cache.(interface{ Evictions() uint64 }); ok {
			cache["evictions"] = ev.Evictions()
		}
		resp["cache"] = cache
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) resetStats(w http.ResponseWriter, _ *http.Request) {
	if h.Stats == nil {
		writeError(w, http.StatusNotImplemented, "metrics are not enabled", "not_implemented_error", "not_implemented")
		return
	}
	h.Stats.ResetMetrics()
	if h.Events != nil {
		h.Events.OnLog(metrics.CategoryServer, "metrics", "ADMIN", "Metrics reset")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "reset",
		"metrics": h.Stats.Snapshot(),
	})
}

func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	if h.Logs == nil {
		writeError(w, http.StatusNotImplemented, "event log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		if parsed > maxLogLimit {
			parsed = maxLogLimit
		}
		limit = parsed
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset: must be a non-negative integer", "invalid_request_error", "invalid_request")
			return
		}
		offset = parsed
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: must be RFC3339 format", "invalid_request_error", "invalid_request")
			return
		}
		since = &parsed
	}

	query := requestlog.Query{
		Limit:    limit,
		Offset:   offset,
		Category: r.URL.Query().Get("category"),
		Since:    since,
	}

	result, err := h.Logs.List(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list event logs", "server_error", "internal_error")
		return
	}
	data := result.Data
	if data == nil {
		data = []requestlog.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": data,
		"summary": map[string]interface{}{
			"total_entries":    result.Total,
			"returned_entries": len(data),
		},
		"filters": map[string]interface{}{
			"limit":    limit,
			"offset":   offset,
			"category": query.Category,
			"since":    r.URL.Query().Get("since"),
		},
	})
}

// deleteLogs clears the event log. Without a before parameter every entry
// matching the category filter (or every entry) is removed.
func (h *Handlers) deleteLogs(w http.ResponseWriter, r *http.Request) {
	if h.LogAdmin == nil {
		writeError(w, http.StatusNotImplemented, "event log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	beforeRaw := r.URL.Query().Get("before")
	var before *time.Time
	if beforeRaw != "" {
		parsed, err := time.Parse(time.RFC3339, beforeRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before: must be RFC3339 format", "invalid_request_error", "invalid_request")
			return
		}
		before = &parsed
	}

	category := r.URL.Query().Get("category")
	deleted, err := h.LogAdmin.Delete(r.Context(), requestlog.MaintenanceQuery{
		Before:   before,
		Category: category,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete event logs", "server_error", "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
		"filters": map[string]interface{}{
			"before":   beforeRaw,
			"category": category,
		},
	})
}

func (h *Handlers) listCache(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		writeError(w, http.StatusNotImplemented, "cache inspection is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	limit := maxCacheKeys
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	keys := h.Cache.Keys()
	total := len(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":     keys,
		"entries":  total,
		"capacity": h.Cache.Capacity(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
