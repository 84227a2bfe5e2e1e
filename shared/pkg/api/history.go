package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tfbench/tf-bench-util/pkg/logging"
	"github.com/tfbench/tf-bench-util/pkg/models"
	"github.com/tfbench/tf-bench-util/pkg/ratelimit"
	"github.com/tfbench/tf-bench-util/pkg/store"
	"github.com/tfbench/tf-bench-util/pkg/tracing"
)

// DefaultListLimit caps /runs when no limit is given
const DefaultListLimit = 50

// HistoryHandler serves recorded launches read-only
type HistoryHandler struct {
	store   store.Store
	metrics http.Handler
	logger  *logging.Logger
	started time.Time
}

// NewHistoryHandler creates a handler over s. metrics may be nil.
func NewHistoryHandler(s store.Store, metrics http.Handler, logger *logging.Logger) *HistoryHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &HistoryHandler{store: s, metrics: metrics, logger: logger, started: time.Now()}
}

// RegisterRoutes registers all API routes
func (h *HistoryHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/runs", h.ListRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}
}

// NewRouter builds the full router with tracing applied. A non-nil limiter
// throttles each client IP.
func NewRouter(h *HistoryHandler, provider *tracing.Provider, limiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(tracing.HTTPMiddleware(provider))
	if limiter != nil {
		r.Use(limiter.Middleware(ratelimit.IPKeyFunc))
	}
	h.RegisterRoutes(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health reports store reachability
func (h *HistoryHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(r.Context()); err != nil {
		h.logger.Warn("Health check failed", logging.Fields{"error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// ListRuns handles GET /runs?kind=&limit=
func (h *HistoryHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Kind:  r.URL.Query().Get("kind"),
		Limit: DefaultListLimit,
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list runs", logging.Fields{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /runs/{id}
func (h *HistoryHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("Failed to get run", logging.Fields{"id": id, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
