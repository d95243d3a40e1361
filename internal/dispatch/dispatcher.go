package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patentflow/orchestrator/internal/metrics"
	"github.com/patentflow/orchestrator/internal/models"
)

// DefaultTimeout bounds a single agent call.
const DefaultTimeout = 300 * time.Second

const maxErrorBodyBytes = 2048

// Dispatcher resolves a stage to its agent endpoint and performs one
// JSON-over-HTTP call with a per-call deadline. No retries: retry is a
// product decision left to higher layers.
type Dispatcher struct {
	mu        sync.RWMutex
	endpoints map[string]string
	timeout   time.Duration
	client    *http.Client
	logger    *zap.Logger
}

// NewDispatcher builds a dispatcher over a static stage→endpoint table.
// The table covers the six pipeline stages plus "compressor".
func NewDispatcher(endpoints map[string]string, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &Dispatcher{
		endpoints: eps,
		timeout:   timeout,
		// Deadlines are enforced per request via context.
		client: &http.Client{},
		logger: logger,
	}
}

// SetTimeout swaps the per-call deadline; used by config hot reload.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	d.mu.Lock()
	d.timeout = timeout
	d.mu.Unlock()
}

// Timeout returns the current per-call deadline.
func (d *Dispatcher) Timeout() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.timeout
}

// endpointFor resolves the dispatch target. Compression sub-stages
// route to the compressor endpoint.
func (d *Dispatcher) endpointFor(stage string) (string, bool) {
	key := stage
	if strings.HasPrefix(stage, models.CompressionKeyPrefix) {
		key = models.StageCompressor
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.endpoints[key]
	return ep, ok
}

// Dispatch sends req to the agent serving stage and returns its
// response. Errors are classified: Configuration (unmapped stage),
// Timeout (deadline), TransportFailure (network), AgentFailure
// (non-2xx or non-completed status).
func (d *Dispatcher) Dispatch(ctx context.Context, stage string, req *models.TaskRequest) (*models.TaskResponse, error) {
	endpoint, ok := d.endpointFor(stage)
	if !ok || endpoint == "" {
		metrics.DispatchRequests.WithLabelValues(stage, "configuration").Inc()
		return nil, models.NewStageError(models.KindConfiguration, stage, "no endpoint configured for stage %q", stage)
	}

	body, err := json.Marshal(req)
	if err != nil {
		metrics.DispatchRequests.WithLabelValues(stage, "configuration").Inc()
		return nil, models.WrapError(models.KindConfiguration, stage, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.Timeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		metrics.DispatchRequests.WithLabelValues(stage, "transport").Inc()
		return nil, models.WrapError(models.KindTransportFailure, stage, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	elapsed := time.Since(start)
	metrics.DispatchDuration.WithLabelValues(stage).Observe(elapsed.Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			metrics.DispatchRequests.WithLabelValues(stage, "timeout").Inc()
			d.logger.Warn("Agent dispatch timed out",
				zap.String("stage", stage),
				zap.String("endpoint", endpoint),
				zap.Duration("elapsed", elapsed),
			)
			return nil, models.NewStageError(models.KindTimeout, stage,
				"agent did not respond within %s", d.Timeout())
		}
		metrics.DispatchRequests.WithLabelValues(stage, "transport").Inc()
		d.logger.Warn("Agent dispatch transport error",
			zap.String("stage", stage),
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return nil, models.WrapError(models.KindTransportFailure, stage, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		metrics.DispatchRequests.WithLabelValues(stage, "agent_failure").Inc()
		return nil, models.NewStageError(models.KindAgentFailure, stage,
			"agent returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var taskResp models.TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&taskResp); err != nil {
		metrics.DispatchRequests.WithLabelValues(stage, "agent_failure").Inc()
		return nil, models.NewStageError(models.KindAgentFailure, stage,
			"undecodable agent response: %v", err)
	}

	if taskResp.Status != models.StatusCompleted {
		metrics.DispatchRequests.WithLabelValues(stage, "agent_failure").Inc()
		msg := taskResp.Message
		if msg == "" {
			msg = fmt.Sprintf("agent reported status %q", taskResp.Status)
		}
		return nil, models.NewStageError(models.KindAgentFailure, stage, "%s", msg)
	}

	metrics.DispatchRequests.WithLabelValues(stage, "success").Inc()
	d.logger.Debug("Agent dispatch completed",
		zap.String("stage", stage),
		zap.String("task_id", taskResp.TaskID),
		zap.Duration("elapsed", elapsed),
	)
	return &taskResp, nil
}
