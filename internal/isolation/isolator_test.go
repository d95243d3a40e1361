package isolation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patentflow/orchestrator/internal/models"
)

func TestTaskIDUniquePerAttempt(t *testing.T) {
	iso := NewIsolator(zaptest.NewLogger(t))
	a := iso.TaskID("wf-1", "planning")
	time.Sleep(time.Microsecond)
	b := iso.TaskID("wf-1", "planning")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "wf-1_planning_")
}

func TestIsolatePriorResultsCopiesAndAnnotates(t *testing.T) {
	iso := NewIsolator(zaptest.NewLogger(t))
	stored := map[string]*models.IsolatedResult{
		"planning": {
			WorkflowID: "wf-1",
			Stage:      "planning",
			Payload: map[string]interface{}{
				"core_strategy": "broad claims",
				"nested":        map[string]interface{}{"k": "v"},
			},
		},
	}

	out := iso.IsolatePriorResults("wf-1", stored)
	require.Contains(t, out, "planning")
	assert.Equal(t, "wf-1", out["planning"]["workflow_id"])
	assert.NotEmpty(t, out["planning"]["isolation_timestamp"])
	assert.Equal(t, "broad claims", out["planning"]["core_strategy"])

	// mutation of the copy must not reach the stored result
	out["planning"]["core_strategy"] = "tampered"
	out["planning"]["nested"].(map[string]interface{})["k"] = "tampered"
	assert.Equal(t, "broad claims", stored["planning"].Payload["core_strategy"])
	assert.Equal(t, "v", stored["planning"].Payload["nested"].(map[string]interface{})["k"])
}

func TestValidateResponseOwnership(t *testing.T) {
	iso := NewIsolator(zaptest.NewLogger(t))

	t.Run("matching owner accepted", func(t *testing.T) {
		err := iso.ValidateResponse("wf-1", "search", &models.TaskResponse{
			WorkflowID: "wf-1", Status: models.StatusCompleted,
		})
		assert.NoError(t, err)
	})

	t.Run("mismatched owner rejected", func(t *testing.T) {
		err := iso.ValidateResponse("wf-1", "search", &models.TaskResponse{
			WorkflowID: "wf-2", Status: models.StatusCompleted,
		})
		require.Error(t, err)
		assert.Equal(t, models.KindIsolationViolation, models.KindOf(err))
	})

	t.Run("nil response rejected", func(t *testing.T) {
		err := iso.ValidateResponse("wf-1", "search", nil)
		require.Error(t, err)
		assert.Equal(t, models.KindAgentFailure, models.KindOf(err))
	})
}

func TestWrapResultStampsOwnership(t *testing.T) {
	iso := NewIsolator(zaptest.NewLogger(t))
	payload := map[string]interface{}{"claims": []interface{}{"claim 1"}}

	res := iso.WrapResult("wf-1", "drafting", payload)
	assert.Equal(t, "wf-1", res.WorkflowID)
	assert.Equal(t, "drafting", res.Stage)
	assert.Equal(t, LevelStrict, res.IsolationLevel)
	assert.False(t, res.IsolatedAt.IsZero())

	// stored payload is a value copy
	payload["claims"] = "tampered"
	assert.NotEqual(t, "tampered", res.Payload["claims"])
}

func TestWrapResultEmptyPayload(t *testing.T) {
	iso := NewIsolator(zaptest.NewLogger(t))
	res := iso.WrapResult("wf-1", "planning", nil)
	require.NotNil(t, res.Payload)
	assert.Empty(t, res.Payload)
}
