package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patentflow/orchestrator/internal/engine"
	"github.com/patentflow/orchestrator/internal/models"
	"github.com/patentflow/orchestrator/internal/registry"
	"github.com/patentflow/orchestrator/internal/streaming"
)

// Handler is the status API: create/control surface plus the read
// model over the registry.
type Handler struct {
	registry        *registry.Registry
	engine          *engine.Engine
	bus             *streaming.Bus
	defaultTestMode bool
	logger          *zap.Logger
}

func NewHandler(reg *registry.Registry, eng *engine.Engine, bus *streaming.Bus, defaultTestMode bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:        reg,
		engine:          eng,
		bus:             bus,
		defaultTestMode: defaultTestMode,
		logger:          logger,
	}
}

// RegisterRoutes registers the workflow API on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/workflows", h.handleCreate)
	mux.HandleFunc("GET /api/v1/workflows", h.handleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}/status", h.handleStatus)
	mux.HandleFunc("GET /api/v1/workflows/{id}/results", h.handleResults)
	mux.HandleFunc("POST /api/v1/workflows/{id}/restart", h.handleRestart)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", h.handleCancel)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", h.handleDelete)
}

type createRequest struct {
	Topic        string `json:"topic"`
	Description  string `json:"description"`
	WorkflowType string `json:"workflow_type"`
	TestMode     *bool  `json:"test_mode"`
}

type createResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, models.NewError(models.KindInvalidArgument, "invalid request body: %v", err))
		return
	}
	testMode := h.defaultTestMode
	if req.TestMode != nil {
		testMode = *req.TestMode
	}

	wf, err := h.registry.Create(req.Topic, req.Description, req.WorkflowType, testMode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.engine.Start(wf.ID); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, createResponse{
		WorkflowID: wf.ID,
		Status:     "started",
		Message:    "patent drafting workflow started",
	})
}

type listResponse struct {
	Workflows []models.WorkflowSummary `json:"workflows"`
	Total     int                      `json:"total"`
	Histogram models.ListHistogram     `json:"histogram"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	summaries := h.registry.List()
	h.writeJSON(w, http.StatusOK, listResponse{
		Workflows: summaries,
		Total:     len(summaries),
		Histogram: h.registry.Histogram(),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.StatusSnapshot(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

type resultsResponse struct {
	WorkflowID string                            `json:"workflow_id"`
	Results    map[string]*models.IsolatedResult `json:"results"`
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	results, err := h.registry.Results(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resultsResponse{WorkflowID: id, Results: results})
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.Reset(id); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.engine.Start(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": id,
		"status":      "started",
		"message":     "workflow reset and restarted",
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Cancel(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"workflow_id": id,
		"status":      models.StatusPending,
		"message":     "workflow run aborted",
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.Delete(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.bus.Forget(id)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"workflow_id": id,
		"status":      "deleted",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := models.KindOf(err)
	switch kind {
	case models.KindInvalidArgument:
		status = http.StatusBadRequest
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindInvalidState:
		status = http.StatusConflict
	}

	msg := err.Error()
	var kerr *models.Error
	if errors.As(err, &kerr) && kerr.Message != "" {
		msg = kerr.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     msg,
		"kind":      string(kind),
		"timestamp": time.Now().Unix(),
	})
}
