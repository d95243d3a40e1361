package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patentflow/orchestrator/internal/compression"
	"github.com/patentflow/orchestrator/internal/dispatch"
	"github.com/patentflow/orchestrator/internal/isolation"
	"github.com/patentflow/orchestrator/internal/models"
	"github.com/patentflow/orchestrator/internal/registry"
	"github.com/patentflow/orchestrator/internal/streaming"
)

// agentFunc lets each test script the seven agent endpoints. Returning
// a nil response writes the given HTTP status with an empty body.
type agentFunc func(req models.TaskRequest) (*models.TaskResponse, int)

// echoAgent answers any stage with a completed response carrying the
// request topic.
func echoAgent(req models.TaskRequest) (*models.TaskResponse, int) {
	return &models.TaskResponse{
		TaskID:     req.TaskID,
		WorkflowID: req.WorkflowID,
		Status:     models.StatusCompleted,
		Result:     map[string]interface{}{"topic": req.Topic, "stage": req.StageName},
		Message:    "ok",
	}, http.StatusOK
}

type testHarness struct {
	engine   *Engine
	registry *registry.Registry
	bus      *streaming.Bus
}

func newHarness(t *testing.T, agents agentFunc, timeout time.Duration) *testHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.TaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp, status := agents(req)
		if resp == nil {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	endpoints := map[string]string{models.StageCompressor: srv.URL}
	for _, s := range models.PipelineStages(models.KindStandard) {
		endpoints[s] = srv.URL
	}

	reg := registry.NewRegistry(logger)
	bus := streaming.NewBus(64, logger)
	disp := dispatch.NewDispatcher(endpoints, timeout, logger)
	policy := compression.NewPolicy(compression.DefaultThresholds(), logger)
	iso := isolation.NewIsolator(logger)
	return &testHarness{
		engine:   New(reg, disp, policy, iso, bus, logger),
		registry: reg,
		bus:      bus,
	}
}

// runToTerminal starts the workflow and collects events until the
// workflow-level terminal event arrives.
func (h *testHarness) runToTerminal(t *testing.T, id string) []models.StatusEvent {
	t.Helper()
	ch := h.bus.Subscribe(id, 64)
	defer h.bus.Unsubscribe(id, ch)
	require.NoError(t, h.engine.Start(id))

	var events []models.StatusEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if ev.Type == models.EventWorkflowStatus && ev.NewStatus != models.StatusRunning {
				return events
			}
		case <-deadline:
			t.Fatalf("workflow %s did not reach a terminal state; got %d events", id, len(events))
		}
	}
}

func TestHappyPathSmallContext(t *testing.T) {
	h := newHarness(t, func(req models.TaskRequest) (*models.TaskResponse, int) {
		return &models.TaskResponse{
			TaskID:     req.TaskID,
			WorkflowID: req.WorkflowID,
			Status:     models.StatusCompleted,
			Result:     map[string]interface{}{"data": strings.Repeat("x", 100)},
		}, http.StatusOK
	}, 5*time.Second)

	w, err := h.registry.Create("t1", "d1", models.KindStandard, true)
	require.NoError(t, err)
	events := h.runToTerminal(t, w.ID)

	snap, err := h.registry.StatusSnapshot(w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.InDelta(t, 100.0, snap.Progress, 0.01)

	results, err := h.registry.Results(w.ID)
	require.NoError(t, err)
	assert.Len(t, results, 6)
	for key := range results {
		assert.False(t, strings.HasPrefix(key, models.CompressionKeyPrefix),
			"thresholds never crossed, got %s", key)
	}
	for _, s := range snap.Stages {
		assert.Equal(t, models.StatusCompleted, s.Status)
		require.NotNil(t, s.StartedAt)
		require.NotNil(t, s.CompletedAt)
	}

	// events: workflow running, then per stage running+completed in
	// declared order, then workflow completed
	require.Len(t, events, 14)
	assert.Equal(t, models.EventWorkflowStatus, events[0].Type)
	assert.Equal(t, models.StatusRunning, events[0].NewStatus)
	stages := models.PipelineStages(models.KindStandard)
	for i, stage := range stages {
		running := events[1+2*i]
		completed := events[2+2*i]
		assert.Equal(t, stage, running.Stage)
		assert.Equal(t, models.StatusRunning, running.NewStatus)
		assert.Equal(t, stage, completed.Stage)
		assert.Equal(t, models.StatusCompleted, completed.NewStatus)
		assert.Equal(t, stage, completed.ResultKey)
	}
	final := events[13]
	assert.Equal(t, models.EventWorkflowStatus, final.Type)
	assert.Equal(t, models.StatusCompleted, final.NewStatus)

	// seq is totally ordered
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestCompressionTriggeredBeforeDrafting(t *testing.T) {
	// planning/search/discussion together serialize past the 8000-byte
	// drafting threshold; later results stay small
	big := map[string]bool{
		models.StagePlanning:   true,
		models.StageSearch:     true,
		models.StageDiscussion: true,
	}
	var compressionRequests []models.TaskRequest
	var mu sync.Mutex

	h := newHarness(t, func(req models.TaskRequest) (*models.TaskResponse, int) {
		payload := map[string]interface{}{"data": "small"}
		if big[req.StageName] {
			payload = map[string]interface{}{"data": strings.Repeat("x", 3000)}
		}
		if strings.HasPrefix(req.StageName, models.CompressionKeyPrefix) {
			mu.Lock()
			compressionRequests = append(compressionRequests, req)
			mu.Unlock()
			payload = map[string]interface{}{"summary": "distilled"}
		}
		return &models.TaskResponse{
			TaskID:     req.TaskID,
			WorkflowID: req.WorkflowID,
			Status:     models.StatusCompleted,
			Result:     payload,
		}, http.StatusOK
	}, 5*time.Second)

	w, err := h.registry.Create("t2", "d2", models.KindStandard, false)
	require.NoError(t, err)
	h.runToTerminal(t, w.ID)

	results, err := h.registry.Results(w.ID)
	require.NoError(t, err)
	require.Contains(t, results, "compression_before_drafting")
	assert.Contains(t, results, models.StageDrafting)
	assert.NotContains(t, results, "compression_before_review")
	assert.NotContains(t, results, "compression_before_rewrite")

	comp := results["compression_before_drafting"]
	assert.Equal(t, w.ID, comp.WorkflowID)
	assert.Equal(t, "distilled", comp.Payload["summary"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, compressionRequests, 1)
	creq := compressionRequests[0]
	assert.Equal(t, "compression_before_drafting", creq.StageName)
	assert.Equal(t, models.StageDrafting, creq.Context["compression_target"])
	assert.ElementsMatch(t,
		[]interface{}{"planning", "search", "discussion"},
		creq.Context["stages_to_compress"])
	assert.Contains(t, creq.Context["preserve_elements"], "core_strategy")
	assert.Contains(t, creq.Context["preserve_elements"], "key_insights")
	assert.NotEmpty(t, creq.Context["compression_purpose"])
}

func TestCompressionFailureIsAdvisory(t *testing.T) {
	h := newHarness(t, func(req models.TaskRequest) (*models.TaskResponse, int) {
		if strings.HasPrefix(req.StageName, models.CompressionKeyPrefix) {
			return nil, http.StatusInternalServerError
		}
		payload := map[string]interface{}{"data": strings.Repeat("x", 3000)}
		return &models.TaskResponse{
			TaskID:     req.TaskID,
			WorkflowID: req.WorkflowID,
			Status:     models.StatusCompleted,
			Result:     payload,
		}, http.StatusOK
	}, 5*time.Second)

	w, err := h.registry.Create("t", "d", models.KindStandard, false)
	require.NoError(t, err)
	h.runToTerminal(t, w.ID)

	snap, err := h.registry.StatusSnapshot(w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status, "compression failure must not be terminal")

	results, err := h.registry.Results(w.ID)
	require.NoError(t, err)
	assert.NotContains(t, results, "compression_before_drafting")
	assert.Contains(t, results, models.StageDrafting)
}

func TestAgentFailureMidPipeline(t *testing.T) {
	h := newHarness(t, func(req models.TaskRequest) (*models.TaskResponse, int) {
		if req.StageName == models.StageDiscussion {
			return nil, http.StatusInternalServerError
		}
		return echoAgent(req)
	}, 5*time.Second)

	w, err := h.registry.Create("t3", "d3", models.KindStandard, false)
	require.NoError(t, err)
	events := h.runToTerminal(t, w.ID)

	snap, err := h.registry.StatusSnapshot(w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.InDelta(t, 200.0/6.0, snap.Progress, 0.1)

	byName := map[string]models.StageStatusEntry{}
	for _, s := range snap.Stages {
		byName[s.Name] = s
	}
	assert.Equal(t, models.StatusCompleted, byName[models.StagePlanning].Status)
	assert.Equal(t, models.StatusCompleted, byName[models.StageSearch].Status)
	assert.Equal(t, models.StatusFailed, byName[models.StageDiscussion].Status)
	assert.Contains(t, byName[models.StageDiscussion].Error, "500")
	assert.Equal(t, models.StatusPending, byName[models.StageDrafting].Status)
	assert.Equal(t, models.StatusPending, byName[models.StageReview].Status)
	assert.Equal(t, models.StatusPending, byName[models.StageRewrite].Status)

	final := events[len(events)-1]
	assert.Equal(t, models.EventWorkflowStatus, final.Type)
	assert.Equal(t, models.StatusFailed, final.NewStatus)
}

func TestDispatchTimeoutFailsWorkflow(t *testing.T) {
	h := newHarness(t, func(req models.TaskRequest) (*models.TaskResponse, int) {
		if req.StageName == models.StageSearch {
			time.Sleep(500 * time.Millisecond)
		}
		return echoAgent(req)
	}, 100*time.Millisecond)

	w, err := h.registry.Create("t4", "d4", models.KindStandard, false)
	require.NoError(t, err)
	h.runToTerminal(t, w.ID)

	snap, err := h.registry.StatusSnapshot(w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)

	byName := map[string]models.StageStatusEntry{}
	for _, s := range snap.Stages {
		byName[s.Name] = s
	}
	assert.Equal(t, models.StatusCompleted, byName[models.StagePlanning].Status)
	assert.Equal(t, models.StatusFailed, byName[models.StageSearch].Status)
	assert.Contains(t, byName[models.StageSearch].Error, "did not respond")
}

func TestIsolationViolationRejectsPayload(t *testing.T) {
	h := newHarness(t, func(req models.TaskRequest) (*models.TaskResponse, int) {
		resp, code := echoAgent(req)
		if req.StageName == models.StageSearch {
			resp.WorkflowID = "someone-else"
			resp.Result = map[string]interface{}{"stolen": "context"}
		}
		return resp, code
	}, 5*time.Second)

	w, err := h.registry.Create("t5", "d5", models.KindStandard, false)
	require.NoError(t, err)
	h.runToTerminal(t, w.ID)

	snap, err := h.registry.StatusSnapshot(w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)

	results, err := h.registry.Results(w.ID)
	require.NoError(t, err)
	assert.NotContains(t, results, models.StageSearch, "malformed payload must not be persisted")

	byName := map[string]models.StageStatusEntry{}
	for _, s := range snap.Stages {
		byName[s.Name] = s
	}
	assert.Equal(t, models.StatusFailed, byName[models.StageSearch].Status)
	assert.Contains(t, byName[models.StageSearch].Error, "someone-else")
}

func TestConcurrentWorkflowsStayIsolated(t *testing.T) {
	h := newHarness(t, echoAgent, 5*time.Second)

	w1, err := h.registry.Create("a", "da", models.KindStandard, false)
	require.NoError(t, err)
	w2, err := h.registry.Create("b", "db", models.KindStandard, false)
	require.NoError(t, err)
	require.NotEqual(t, w1.ID, w2.ID)

	var wg sync.WaitGroup
	for _, id := range []string{w1.ID, w2.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.runToTerminal(t, id)
		}(id)
	}
	wg.Wait()

	r1, err := h.registry.Results(w1.ID)
	require.NoError(t, err)
	r2, err := h.registry.Results(w2.ID)
	require.NoError(t, err)
	require.Len(t, r1, 6)
	require.Len(t, r2, 6)
	for stage, res := range r1 {
		assert.Equal(t, "a", res.Payload["topic"], "stage %s", stage)
		assert.Equal(t, w1.ID, res.WorkflowID)
	}
	for stage, res := range r2 {
		assert.Equal(t, "b", res.Payload["topic"], "stage %s", stage)
		assert.Equal(t, w2.ID, res.WorkflowID)
	}
}

func TestStartRequiresPending(t *testing.T) {
	h := newHarness(t, echoAgent, 5*time.Second)
	w, err := h.registry.Create("t", "d", models.KindStandard, false)
	require.NoError(t, err)
	h.runToTerminal(t, w.ID)

	err = h.engine.Start(w.ID)
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidState, models.KindOf(err))
}

func TestResetThenRestartAfterFailure(t *testing.T) {
	var failSearch = true
	var mu sync.Mutex
	h := newHarness(t, func(req models.TaskRequest) (*models.TaskResponse, int) {
		mu.Lock()
		fail := failSearch
		mu.Unlock()
		if fail && req.StageName == models.StageSearch {
			return nil, http.StatusInternalServerError
		}
		return echoAgent(req)
	}, 5*time.Second)

	w, err := h.registry.Create("t", "d", models.KindStandard, false)
	require.NoError(t, err)
	h.runToTerminal(t, w.ID)

	snap, _ := h.registry.StatusSnapshot(w.ID)
	require.Equal(t, models.StatusFailed, snap.Status)

	mu.Lock()
	failSearch = false
	mu.Unlock()
	require.NoError(t, h.registry.Reset(w.ID))
	h.runToTerminal(t, w.ID)

	snap, _ = h.registry.StatusSnapshot(w.ID)
	assert.Equal(t, models.StatusCompleted, snap.Status)
	results, _ := h.registry.Results(w.ID)
	assert.Len(t, results, 6)
}

func TestCancelReturnsToPending(t *testing.T) {
	stageStarted := make(chan struct{}, 8)
	h := newHarness(t, func(req models.TaskRequest) (*models.TaskResponse, int) {
		stageStarted <- struct{}{}
		time.Sleep(200 * time.Millisecond)
		return echoAgent(req)
	}, 5*time.Second)

	w, err := h.registry.Create("t", "d", models.KindStandard, false)
	require.NoError(t, err)
	require.NoError(t, h.engine.Start(w.ID))

	select {
	case <-stageStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("first stage never dispatched")
	}
	require.NoError(t, h.engine.Cancel(w.ID))

	snap, err := h.registry.StatusSnapshot(w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, snap.Status)
	results, err := h.registry.Results(w.ID)
	require.NoError(t, err)
	assert.Empty(t, results, "in-flight result is discarded on abort")
	assert.False(t, h.engine.IsRunning(w.ID))

	err = h.engine.Cancel(w.ID)
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidState, models.KindOf(err))
}

func TestEmptyPayloadStillCompletes(t *testing.T) {
	h := newHarness(t, func(req models.TaskRequest) (*models.TaskResponse, int) {
		return &models.TaskResponse{
			TaskID:     req.TaskID,
			WorkflowID: req.WorkflowID,
			Status:     models.StatusCompleted,
			Result:     nil,
		}, http.StatusOK
	}, 5*time.Second)

	w, err := h.registry.Create("t", "d", models.KindStandard, false)
	require.NoError(t, err)
	h.runToTerminal(t, w.ID)

	snap, _ := h.registry.StatusSnapshot(w.ID)
	assert.Equal(t, models.StatusCompleted, snap.Status)
	results, _ := h.registry.Results(w.ID)
	require.Len(t, results, 6)
	for _, res := range results {
		require.NotNil(t, res.Payload)
		assert.Empty(t, res.Payload)
	}
}

func TestTaskContextTimestampsAdvancePerStage(t *testing.T) {
	var mu sync.Mutex
	updatedAt := map[string]time.Time{}
	h := newHarness(t, func(req models.TaskRequest) (*models.TaskResponse, int) {
		raw, _ := req.Context["updated_at"].(string)
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err == nil {
			mu.Lock()
			updatedAt[req.StageName] = ts
			mu.Unlock()
		}
		return echoAgent(req)
	}, 5*time.Second)

	w, err := h.registry.Create("t", "d", models.KindStandard, false)
	require.NoError(t, err)
	h.runToTerminal(t, w.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updatedAt, 6)
	stages := models.PipelineStages(models.KindStandard)
	for i := 1; i < len(stages); i++ {
		prev, cur := updatedAt[stages[i-1]], updatedAt[stages[i]]
		assert.True(t, cur.After(prev),
			"updated_at for %s (%s) must be later than for %s (%s)",
			stages[i], cur, stages[i-1], prev)
	}
}

func TestPreviousResultsGrowMonotonically(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	h := newHarness(t, func(req models.TaskRequest) (*models.TaskResponse, int) {
		mu.Lock()
		seen[req.StageName] = len(req.PreviousResults)
		mu.Unlock()
		return echoAgent(req)
	}, 5*time.Second)

	w, err := h.registry.Create("t", "d", models.KindStandard, false)
	require.NoError(t, err)
	h.runToTerminal(t, w.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, seen[models.StagePlanning])
	assert.Equal(t, 1, seen[models.StageSearch])
	assert.Equal(t, 2, seen[models.StageDiscussion])
	assert.Equal(t, 3, seen[models.StageDrafting])
	assert.Equal(t, 4, seen[models.StageReview])
	assert.Equal(t, 5, seen[models.StageRewrite])
}
