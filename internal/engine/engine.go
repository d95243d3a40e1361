package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patentflow/orchestrator/internal/compression"
	"github.com/patentflow/orchestrator/internal/dispatch"
	"github.com/patentflow/orchestrator/internal/isolation"
	"github.com/patentflow/orchestrator/internal/metrics"
	"github.com/patentflow/orchestrator/internal/models"
	"github.com/patentflow/orchestrator/internal/registry"
	"github.com/patentflow/orchestrator/internal/streaming"
)

// Engine advances workflows through their stage list, one goroutine per
// running workflow. Within a workflow stages are strictly sequential;
// across workflows runs are independent.
type Engine struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	policy     *compression.Policy
	isolator   *isolation.Isolator
	bus        *streaming.Bus
	logger     *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run tracks one in-flight workflow loop. The abort channel is closed
// to request cancellation; the loop checks it between stages only, so
// an in-flight dispatch always returns before the run winds down.
type run struct {
	abort     chan struct{}
	done      chan struct{}
	abortOnce sync.Once
	startedAt time.Time
}

func (r *run) requestAbort() { r.abortOnce.Do(func() { close(r.abort) }) }

func (r *run) abortRequested() bool {
	select {
	case <-r.abort:
		return true
	default:
		return false
	}
}

func New(
	reg *registry.Registry,
	disp *dispatch.Dispatcher,
	policy *compression.Policy,
	iso *isolation.Isolator,
	bus *streaming.Bus,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry:   reg,
		dispatcher: disp,
		policy:     policy,
		isolator:   iso,
		bus:        bus,
		logger:     logger,
		runs:       make(map[string]*run),
	}
}

// IsRunning reports whether the engine currently drives the workflow.
func (e *Engine) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[id]
	return ok
}

// Start transitions a pending workflow to running and drives the stage
// loop in the background. Returns immediately; progress is observable
// via the status API and the subscription bus.
func (e *Engine) Start(id string) error {
	e.mu.Lock()
	if _, ok := e.runs[id]; ok {
		e.mu.Unlock()
		return models.NewError(models.KindInvalidState, "workflow %s is already running", id)
	}

	var kind string
	err := e.registry.Update(id, func(w *models.Workflow) error {
		if w.Status != models.StatusPending {
			return models.NewError(models.KindInvalidState,
				"workflow %s is %s, expected %s", id, w.Status, models.StatusPending)
		}
		w.Status = models.StatusRunning
		w.CurrentStage = 0
		kind = w.Kind
		return nil
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}

	r := &run{
		abort:     make(chan struct{}),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	e.runs[id] = r
	e.mu.Unlock()

	metrics.WorkflowsStarted.WithLabelValues(kind).Inc()
	e.emitWorkflow(id, models.StatusPending, models.StatusRunning, "")
	e.logger.Info("Workflow started", zap.String("workflow_id", id), zap.String("workflow_type", kind))

	go e.loop(id, r)
	return nil
}

// Cancel requests an abort of a running workflow and blocks until the
// loop has drained. The in-flight dispatch, if any, is awaited and its
// result discarded; the workflow is returned to pending.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return models.NewError(models.KindInvalidState, "workflow %s is not running", id)
	}
	r.requestAbort()
	<-r.done
	return nil
}

func (e *Engine) loop(id string, r *run) {
	defer func() {
		e.mu.Lock()
		delete(e.runs, id)
		e.mu.Unlock()
		close(r.done)
	}()

	snap, err := e.registry.StatusSnapshot(id)
	if err != nil {
		e.logger.Error("Workflow vanished before loop start", zap.String("workflow_id", id), zap.Error(err))
		return
	}
	stages := make([]string, len(snap.Stages))
	for i, s := range snap.Stages {
		stages[i] = s.Name
	}

	for i, stage := range stages {
		if r.abortRequested() {
			e.finishAbort(id)
			return
		}

		// re-snapshot so the task context carries current timestamps
		// and stage bookkeeping, not the values from run start
		snap, err = e.registry.StatusSnapshot(id)
		if err != nil {
			return
		}

		prior, err := e.registry.Results(id)
		if err != nil {
			return
		}

		if cc, ok := e.policy.Evaluate(stage, stages, prior); ok {
			e.runCompression(id, snap, i, stage, cc, prior)
			// refresh so the stage sees the compression entry
			if prior, err = e.registry.Results(id); err != nil {
				return
			}
		}

		stageStart := time.Now()
		err = e.registry.Update(id, func(w *models.Workflow) error {
			w.CurrentStage = i
			w.StageStatus[stage] = models.StatusRunning
			w.StageTimings[stage] = &models.StageTiming{StartedAt: &stageStart}
			return nil
		})
		if err != nil {
			return
		}
		e.emitStage(id, stage, models.StatusPending, models.StatusRunning, "", "")

		req := e.buildTaskRequest(snap, stage, stage, i, prior, nil)
		resp, dispatchErr := e.dispatcher.Dispatch(context.Background(), stage, req)

		if r.abortRequested() {
			// in-flight result is discarded on abort
			e.finishAbort(id)
			return
		}

		if dispatchErr == nil {
			dispatchErr = e.isolator.ValidateResponse(id, stage, resp)
		}
		if dispatchErr != nil {
			e.failStage(id, snap.Kind, stage, stageStart, r.startedAt, dispatchErr)
			return
		}

		result := e.isolator.WrapResult(id, stage, resp.Result)
		stageEnd := time.Now()
		err = e.registry.Update(id, func(w *models.Workflow) error {
			w.StageResults[stage] = result
			w.StageStatus[stage] = models.StatusCompleted
			if t := w.StageTimings[stage]; t != nil {
				t.CompletedAt = &stageEnd
			}
			return nil
		})
		if err != nil {
			return
		}

		metrics.StageExecutions.WithLabelValues(stage, models.StatusCompleted).Inc()
		metrics.StageDuration.WithLabelValues(stage).Observe(stageEnd.Sub(stageStart).Seconds())
		e.emitStage(id, stage, models.StatusRunning, models.StatusCompleted, "", stage)
		e.logger.Info("Stage completed",
			zap.String("workflow_id", id),
			zap.String("stage", stage),
			zap.Duration("elapsed", stageEnd.Sub(stageStart)),
		)
	}

	_ = e.registry.Update(id, func(w *models.Workflow) error {
		w.Status = models.StatusCompleted
		return nil
	})
	metrics.WorkflowsCompleted.WithLabelValues(snap.Kind, models.StatusCompleted).Inc()
	metrics.WorkflowDuration.WithLabelValues(snap.Kind).Observe(time.Since(r.startedAt).Seconds())
	e.emitWorkflow(id, models.StatusRunning, models.StatusCompleted, "")
	e.logger.Info("Workflow completed", zap.String("workflow_id", id))
}

// runCompression dispatches the advisory compression sub-stage and
// stores its result under compression_before_<stage>. Failures are
// logged and swallowed; the pipeline proceeds uncompressed.
func (e *Engine) runCompression(id string, snap *models.WorkflowStatus, stageIndex int, targetStage string, cc *models.CompressionContext, prior map[string]*models.IsolatedResult) {
	key := models.CompressionKeyPrefix + targetStage
	req := e.buildTaskRequest(snap, key, targetStage, stageIndex, prior, cc)

	resp, err := e.dispatcher.Dispatch(context.Background(), key, req)
	if err == nil {
		err = e.isolator.ValidateResponse(id, key, resp)
	}
	if err != nil {
		metrics.CompressionEvents.WithLabelValues("failed").Inc()
		compErr := models.WrapError(models.KindCompressionFailure, key, err)
		e.logger.Warn("Compression sub-stage failed, proceeding uncompressed",
			zap.String("workflow_id", id),
			zap.String("target_stage", targetStage),
			zap.Error(compErr),
		)
		return
	}

	result := e.isolator.WrapResult(id, key, resp.Result)
	_ = e.registry.Update(id, func(w *models.Workflow) error {
		w.StageResults[key] = result
		return nil
	})
	e.logger.Info("Compression sub-stage completed",
		zap.String("workflow_id", id),
		zap.String("target_stage", targetStage),
	)
}

// buildTaskRequest merges workflow identity, the isolated prior result
// map, and the per-stage context block into the agent wire contract.
func (e *Engine) buildTaskRequest(snap *models.WorkflowStatus, stageName, pipelineStage string, stageIndex int, prior map[string]*models.IsolatedResult, cc *models.CompressionContext) *models.TaskRequest {
	ctx := map[string]interface{}{
		"workflow_id":       snap.WorkflowID,
		"workflow_type":     snap.Kind,
		"current_stage":     stageIndex,
		"total_stages":      snap.TotalStages,
		"stage_name":        pipelineStage,
		"context_timestamp": time.Now().Format(time.RFC3339Nano),
		"created_at":        snap.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":        snap.UpdatedAt.Format(time.RFC3339Nano),
	}
	if cc != nil {
		ctx["compression_target"] = cc.TargetStage
		ctx["stages_to_compress"] = cc.StagesToCompress
		ctx["preserve_elements"] = cc.PreserveElements
		ctx["compression_purpose"] = cc.Purpose
	}
	return &models.TaskRequest{
		TaskID:          e.isolator.TaskID(snap.WorkflowID, stageName),
		WorkflowID:      snap.WorkflowID,
		StageName:       stageName,
		Topic:           snap.Topic,
		Description:     snap.Description,
		TestMode:        snap.TestMode,
		PreviousResults: e.isolator.IsolatePriorResults(snap.WorkflowID, prior),
		Context:         ctx,
	}
}

// failStage records a stage failure and fails the workflow. Later
// stages stay pending.
func (e *Engine) failStage(id, kind, stage string, stageStart, runStart time.Time, cause error) {
	msg := cause.Error()
	var kerr *models.Error
	if errors.As(cause, &kerr) {
		msg = kerr.Message
		if msg == "" {
			msg = cause.Error()
		}
	}
	stageEnd := time.Now()
	_ = e.registry.Update(id, func(w *models.Workflow) error {
		w.StageStatus[stage] = models.StatusFailed
		w.StageErrors[stage] = msg
		if t := w.StageTimings[stage]; t != nil {
			t.CompletedAt = &stageEnd
		}
		w.Status = models.StatusFailed
		return nil
	})

	metrics.StageExecutions.WithLabelValues(stage, models.StatusFailed).Inc()
	metrics.WorkflowsCompleted.WithLabelValues(kind, models.StatusFailed).Inc()
	metrics.WorkflowDuration.WithLabelValues(kind).Observe(time.Since(runStart).Seconds())

	e.emitStage(id, stage, models.StatusRunning, models.StatusFailed, msg, "")
	e.emitWorkflow(id, models.StatusRunning, models.StatusFailed, msg)
	e.logger.Error("Stage failed",
		zap.String("workflow_id", id),
		zap.String("stage", stage),
		zap.String("kind", string(models.KindOf(cause))),
		zap.Error(cause),
	)
}

// finishAbort returns an aborted workflow to pending, discarding any
// in-flight stage state.
func (e *Engine) finishAbort(id string) {
	_ = e.registry.ResetForce(id)
	e.emitWorkflow(id, models.StatusRunning, models.StatusPending, "")
	e.logger.Info("Workflow run aborted", zap.String("workflow_id", id))
}

func (e *Engine) emitStage(id, stage, oldStatus, newStatus, errMsg, resultKey string) {
	e.bus.Publish(models.StatusEvent{
		WorkflowID: id,
		Type:       models.EventStageStatus,
		Stage:      stage,
		OldStatus:  oldStatus,
		NewStatus:  newStatus,
		Error:      errMsg,
		ResultKey:  resultKey,
		Timestamp:  time.Now(),
	})
}

func (e *Engine) emitWorkflow(id, oldStatus, newStatus, errMsg string) {
	e.bus.Publish(models.StatusEvent{
		WorkflowID: id,
		Type:       models.EventWorkflowStatus,
		OldStatus:  oldStatus,
		NewStatus:  newStatus,
		Error:      errMsg,
		Timestamp:  time.Now(),
	})
}
