package isolation

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patentflow/orchestrator/internal/metrics"
	"github.com/patentflow/orchestrator/internal/models"
)

// LevelStrict is the isolation level stamped on stored results.
const LevelStrict = "strict"

// Isolator stamps outgoing tasks and stored results with their owning
// workflow and rejects agent responses claiming a different owner.
// Prior results handed to agents are value copies; two workflows never
// share object identity through their payloads.
type Isolator struct {
	logger *zap.Logger
}

func NewIsolator(logger *zap.Logger) *Isolator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Isolator{logger: logger}
}

// TaskID derives a per-attempt unique task identifier.
func (i *Isolator) TaskID(workflowID, stage string) string {
	return fmt.Sprintf("%s_%s_%d", workflowID, stage, time.Now().UnixNano())
}

// IsolatePriorResults deep-copies the stored result payloads and
// annotates each entry with the owning workflow id and an isolation
// timestamp, as agents receive them.
func (i *Isolator) IsolatePriorResults(workflowID string, results map[string]*models.IsolatedResult) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(results))
	now := time.Now()
	for key, res := range results {
		if res == nil {
			continue
		}
		payload := deepCopyMap(res.Payload)
		payload["workflow_id"] = workflowID
		payload["isolation_timestamp"] = now.Format(time.RFC3339Nano)
		out[key] = payload
	}
	return out
}

// ValidateResponse checks the declared owner of an agent response.
func (i *Isolator) ValidateResponse(expectedWorkflowID, stage string, resp *models.TaskResponse) error {
	if resp == nil {
		return models.NewStageError(models.KindAgentFailure, stage, "empty agent response")
	}
	if resp.WorkflowID != expectedWorkflowID {
		metrics.IsolationViolations.Inc()
		i.logger.Warn("Rejected agent response with mismatched workflow id",
			zap.String("expected", expectedWorkflowID),
			zap.String("declared", resp.WorkflowID),
			zap.String("stage", stage),
		)
		return models.NewStageError(models.KindIsolationViolation, stage,
			"agent response declares workflow %q, expected %q", resp.WorkflowID, expectedWorkflowID)
	}
	return nil
}

// WrapResult stamps an agent payload for storage. The payload is
// value-copied so the stored result shares nothing with the response.
func (i *Isolator) WrapResult(workflowID, stage string, payload map[string]interface{}) *models.IsolatedResult {
	return &models.IsolatedResult{
		WorkflowID:     workflowID,
		Stage:          stage,
		IsolatedAt:     time.Now(),
		IsolationLevel: LevelStrict,
		Payload:        deepCopyMap(payload),
	}
}

// deepCopyMap copies via a JSON round-trip, the same representation the
// payload crossed the wire in. A payload that survived decoding always
// re-marshals, so failures here reduce to an empty map.
func deepCopyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(in))
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
