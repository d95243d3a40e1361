package models

import "time"

// Workflow kinds
const (
	KindStandard = "standard"
	KindEnhanced = "enhanced"
)

// Workflow and stage statuses
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Pipeline stages, in execution order
const (
	StagePlanning   = "planning"
	StageSearch     = "search"
	StageDiscussion = "discussion"
	StageDrafting   = "drafting"
	StageReview     = "review"
	StageRewrite    = "rewrite"
)

// StageCompressor is the dispatch target for compression sub-stages.
// It is not part of the pipeline stage list.
const StageCompressor = "compressor"

// CompressionKeyPrefix prefixes the result-map key for a compression
// sub-stage, e.g. "compression_before_drafting".
const CompressionKeyPrefix = "compression_before_"

// PipelineStages returns the ordered stage list for a workflow kind.
// Both kinds currently share the same six stages; the kind exists so
// future variants can diverge without a schema break.
func PipelineStages(kind string) []string {
	_ = kind
	return []string{
		StagePlanning,
		StageSearch,
		StageDiscussion,
		StageDrafting,
		StageReview,
		StageRewrite,
	}
}

// StageTiming records when a stage started and finished.
type StageTiming struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsolatedResult is an agent payload stamped with its owning workflow.
// Stored once per stage, never mutated afterwards.
type IsolatedResult struct {
	WorkflowID     string                 `json:"workflow_id"`
	Stage          string                 `json:"stage"`
	IsolatedAt     time.Time              `json:"isolated_at"`
	IsolationLevel string                 `json:"isolation_level"`
	Payload        map[string]interface{} `json:"payload"`
}

// Workflow is one run of the patent drafting pipeline.
type Workflow struct {
	ID          string `json:"workflow_id"`
	Topic       string `json:"topic"`
	Description string `json:"description"`
	Kind        string `json:"workflow_type"`
	TestMode    bool   `json:"test_mode"`

	Status       string `json:"status"`
	CurrentStage int    `json:"current_stage"`

	// Stages is frozen at create time and never mutated.
	Stages       []string                   `json:"stages"`
	StageStatus  map[string]string          `json:"stage_status"`
	StageTimings map[string]*StageTiming    `json:"stage_timings"`
	StageResults map[string]*IsolatedResult `json:"stage_results"`
	StageErrors  map[string]string          `json:"stage_errors"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CompletedStages counts pipeline stages (compression entries excluded)
// that have finished.
func (w *Workflow) CompletedStages() int {
	n := 0
	for _, s := range w.Stages {
		if w.StageStatus[s] == StatusCompleted {
			n++
		}
	}
	return n
}

// Progress returns percent of pipeline stages completed.
func (w *Workflow) Progress() float64 {
	if len(w.Stages) == 0 {
		return 0
	}
	return float64(w.CompletedStages()) * 100 / float64(len(w.Stages))
}

// StageStatusEntry is one row of a status snapshot.
type StageStatusEntry struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// WorkflowStatus is the read-model snapshot served by the status API.
type WorkflowStatus struct {
	WorkflowID   string             `json:"workflow_id"`
	Topic        string             `json:"topic"`
	Description  string             `json:"description"`
	Kind         string             `json:"workflow_type"`
	TestMode     bool               `json:"test_mode"`
	Status       string             `json:"status"`
	CurrentStage int                `json:"current_stage"`
	TotalStages  int                `json:"total_stages"`
	Progress     float64            `json:"progress"`
	Stages       []StageStatusEntry `json:"stages"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// WorkflowSummary is the list-view projection of a workflow.
type WorkflowSummary struct {
	WorkflowID   string    `json:"workflow_id"`
	Topic        string    `json:"topic"`
	Kind         string    `json:"workflow_type"`
	TestMode     bool      `json:"test_mode"`
	Status       string    `json:"status"`
	CurrentStage int       `json:"current_stage"`
	TotalStages  int       `json:"total_stages"`
	Progress     float64   `json:"progress"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListHistogram aggregates the registry contents for list responses.
type ListHistogram struct {
	ByTopic    map[string]int `json:"by_topic"`
	ByStatus   map[string]int `json:"by_status"`
	ByTestMode map[string]int `json:"by_test_mode"`
}

// CompressionContext describes one compression sub-stage. Ephemeral;
// it is serialized into the task context and not persisted.
type CompressionContext struct {
	TargetStage      string   `json:"compression_target"`
	StagesToCompress []string `json:"stages_to_compress"`
	PreserveElements []string `json:"preserve_elements"`
	Purpose          string   `json:"compression_purpose"`
}

// TaskRequest is the wire contract sent to every agent endpoint.
type TaskRequest struct {
	TaskID          string                            `json:"task_id"`
	WorkflowID      string                            `json:"workflow_id"`
	StageName       string                            `json:"stage_name"`
	Topic           string                            `json:"topic"`
	Description     string                            `json:"description"`
	TestMode        bool                              `json:"test_mode"`
	PreviousResults map[string]map[string]interface{} `json:"previous_results"`
	Context         map[string]interface{}            `json:"context"`
}

// TaskResponse is the wire contract returned by agent endpoints.
type TaskResponse struct {
	TaskID     string                 `json:"task_id"`
	WorkflowID string                 `json:"workflow_id"`
	Status     string                 `json:"status"`
	Result     map[string]interface{} `json:"result"`
	Message    string                 `json:"message,omitempty"`
}

// Event types published on the subscription bus.
const (
	EventWorkflowStatus = "workflow_status"
	EventStageStatus    = "stage_status"
)

// StatusEvent is one status transition pushed to subscribers. Stage is
// empty for workflow-level transitions. Seq is assigned by the bus and
// totally ordered per workflow.
type StatusEvent struct {
	WorkflowID string    `json:"workflow_id"`
	Type       string    `json:"type"`
	Stage      string    `json:"stage,omitempty"`
	OldStatus  string    `json:"old_status"`
	NewStatus  string    `json:"new_status"`
	ResultKey  string    `json:"result_key,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq"`
}
