package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handler serves liveness and readiness probes. Liveness is static;
// readiness flips once wiring completes in main.
type Handler struct {
	ready  atomic.Bool
	logger *zap.Logger
}

func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger}
}

// SetReady marks the process ready to serve.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// RegisterRoutes registers health endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/live", h.handleLiveness)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"ready":     h.ready.Load(),
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	msg := "ready"
	if !h.ready.Load() {
		status = http.StatusServiceUnavailable
		msg = "not ready"
	}
	h.write(w, status, map[string]interface{}{
		"status":    msg,
		"ready":     h.ready.Load(),
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handler) write(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
