package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patentflow/orchestrator/internal/models"
)

// Registry is the process-wide home for workflows. In-memory only:
// workflows do not survive a process restart.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		workflows: make(map[string]*models.Workflow),
		logger:    logger,
	}
}

// Create allocates a workflow in pending state with the stage list frozen.
func (r *Registry) Create(topic, description, kind string, testMode bool) (*models.Workflow, error) {
	if topic == "" {
		return nil, models.NewError(models.KindInvalidArgument, "topic must not be empty")
	}
	if description == "" {
		return nil, models.NewError(models.KindInvalidArgument, "description must not be empty")
	}
	if kind == "" {
		kind = models.KindStandard
	}
	if kind != models.KindStandard && kind != models.KindEnhanced {
		return nil, models.NewError(models.KindInvalidArgument, "unknown workflow type %q", kind)
	}

	now := time.Now()
	stages := models.PipelineStages(kind)
	w := &models.Workflow{
		ID:           uuid.New().String(),
		Topic:        topic,
		Description:  description,
		Kind:         kind,
		TestMode:     testMode,
		Status:       models.StatusPending,
		Stages:       stages,
		StageStatus:  make(map[string]string, len(stages)),
		StageTimings: make(map[string]*models.StageTiming, len(stages)),
		StageResults: make(map[string]*models.IsolatedResult),
		StageErrors:  make(map[string]string),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, s := range stages {
		w.StageStatus[s] = models.StatusPending
	}

	r.mu.Lock()
	r.workflows[w.ID] = w
	r.mu.Unlock()

	r.logger.Info("Created workflow",
		zap.String("workflow_id", w.ID),
		zap.String("topic", topic),
		zap.String("workflow_type", kind),
		zap.Bool("test_mode", testMode),
	)
	return w, nil
}

// Get returns the workflow for id.
func (r *Registry) Get(id string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[id]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "workflow %s not found", id)
	}
	return w, nil
}

// Update applies fn to the workflow under the registry lock and bumps
// updated-at. All mutations of workflow state go through here so that
// they are serialized.
func (r *Registry) Update(id string, fn func(w *models.Workflow) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok {
		return models.NewError(models.KindNotFound, "workflow %s not found", id)
	}
	if err := fn(w); err != nil {
		return err
	}
	w.UpdatedAt = time.Now()
	return nil
}

// Reset returns a non-running workflow to pending with per-stage state
// cleared. Identifier, topic, description, kind and creation time are
// preserved. Idempotent.
func (r *Registry) Reset(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok {
		return models.NewError(models.KindNotFound, "workflow %s not found", id)
	}
	if w.Status == models.StatusRunning {
		return models.NewError(models.KindInvalidState, "workflow %s is running", id)
	}
	resetLocked(w)
	r.logger.Info("Reset workflow", zap.String("workflow_id", id))
	return nil
}

// ResetForce resets regardless of status. Used by the engine after an
// aborted run has fully drained.
func (r *Registry) ResetForce(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok {
		return models.NewError(models.KindNotFound, "workflow %s not found", id)
	}
	resetLocked(w)
	return nil
}

func resetLocked(w *models.Workflow) {
	w.Status = models.StatusPending
	w.CurrentStage = 0
	w.StageStatus = make(map[string]string, len(w.Stages))
	for _, s := range w.Stages {
		w.StageStatus[s] = models.StatusPending
	}
	w.StageTimings = make(map[string]*models.StageTiming, len(w.Stages))
	w.StageResults = make(map[string]*models.IsolatedResult)
	w.StageErrors = make(map[string]string)
	w.UpdatedAt = time.Now()
}

// Delete removes a workflow. Rejected while running; reset first.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok {
		return models.NewError(models.KindNotFound, "workflow %s not found", id)
	}
	if w.Status == models.StatusRunning {
		return models.NewError(models.KindInvalidState, "workflow %s is running", id)
	}
	delete(r.workflows, id)
	r.logger.Info("Deleted workflow", zap.String("workflow_id", id))
	return nil
}

// List returns copy-on-read summaries ordered by creation time.
func (r *Registry) List() []models.WorkflowSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.WorkflowSummary, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, models.WorkflowSummary{
			WorkflowID:   w.ID,
			Topic:        w.Topic,
			Kind:         w.Kind,
			TestMode:     w.TestMode,
			Status:       w.Status,
			CurrentStage: w.CurrentStage,
			TotalStages:  len(w.Stages),
			Progress:     w.Progress(),
			CreatedAt:    w.CreatedAt,
			UpdatedAt:    w.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Histogram aggregates registry contents by topic, status and test mode.
func (r *Registry) Histogram() models.ListHistogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := models.ListHistogram{
		ByTopic:    make(map[string]int),
		ByStatus:   make(map[string]int),
		ByTestMode: make(map[string]int),
	}
	for _, w := range r.workflows {
		h.ByTopic[w.Topic]++
		h.ByStatus[w.Status]++
		if w.TestMode {
			h.ByTestMode["test"]++
		} else {
			h.ByTestMode["live"]++
		}
	}
	return h
}

// StatusSnapshot builds the read-model view of one workflow.
func (r *Registry) StatusSnapshot(id string) (*models.WorkflowStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[id]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "workflow %s not found", id)
	}
	st := &models.WorkflowStatus{
		WorkflowID:   w.ID,
		Topic:        w.Topic,
		Description:  w.Description,
		Kind:         w.Kind,
		TestMode:     w.TestMode,
		Status:       w.Status,
		CurrentStage: w.CurrentStage,
		TotalStages:  len(w.Stages),
		Progress:     w.Progress(),
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
	for _, s := range w.Stages {
		entry := models.StageStatusEntry{
			Name:   s,
			Status: w.StageStatus[s],
			Error:  w.StageErrors[s],
		}
		if t := w.StageTimings[s]; t != nil {
			entry.StartedAt = t.StartedAt
			entry.CompletedAt = t.CompletedAt
		}
		st.Stages = append(st.Stages, entry)
	}
	return st, nil
}

// Results returns a shallow copy of the per-stage result map, including
// compression entries. Values are immutable once stored.
func (r *Registry) Results(id string) (map[string]*models.IsolatedResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[id]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "workflow %s not found", id)
	}
	out := make(map[string]*models.IsolatedResult, len(w.StageResults))
	for k, v := range w.StageResults {
		out[k] = v
	}
	return out, nil
}
