package compression

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/patentflow/orchestrator/internal/metrics"
	"github.com/patentflow/orchestrator/internal/models"
)

// DefaultThresholds are the serialized-size triggers, in bytes of
// accumulated prior results, per downstream target stage. Stages absent
// from the map never compress.
func DefaultThresholds() map[string]int {
	return map[string]int{
		models.StageDrafting: 8000,
		models.StageReview:   12000,
		models.StageRewrite:  15000,
	}
}

// Elements the compressor must carry through verbatim.
const (
	elementCoreStrategy   = "core_strategy"
	elementKeyInsights    = "key_insights"
	elementDraftSummary   = "draft_summary"
	elementReviewFeedback = "review_feedback"
)

// Policy decides whether a compression sub-stage precedes a pipeline
// stage. Compression is advisory: a failed sub-stage is logged and the
// pipeline proceeds with the uncompressed context.
type Policy struct {
	mu         sync.RWMutex
	thresholds map[string]int
	logger     *zap.Logger
}

func NewPolicy(thresholds map[string]int, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Policy{thresholds: thresholds, logger: logger}
}

// SetThresholds swaps the trigger table; used by config hot reload.
func (p *Policy) SetThresholds(thresholds map[string]int) {
	if thresholds == nil {
		return
	}
	p.mu.Lock()
	p.thresholds = thresholds
	p.mu.Unlock()
	p.logger.Info("Compression thresholds updated", zap.Int("targets", len(thresholds)))
}

// Evaluate decides whether to compress before targetStage. The trigger
// is strictly greater-than: accumulated context at exactly the
// threshold does not compress.
func (p *Policy) Evaluate(targetStage string, stageOrder []string, prior map[string]*models.IsolatedResult) (*models.CompressionContext, bool) {
	p.mu.RLock()
	threshold, ok := p.thresholds[targetStage]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}

	size := ContextSize(prior)
	if size <= threshold {
		metrics.CompressionEvents.WithLabelValues("skipped").Inc()
		return nil, false
	}

	var toCompress []string
	for _, s := range stageOrder {
		if s == targetStage {
			break
		}
		if _, done := prior[s]; done {
			toCompress = append(toCompress, s)
		}
	}

	preserve := []string{elementCoreStrategy, elementKeyInsights}
	if _, ok := prior[models.StageDrafting]; ok {
		preserve = append(preserve, elementDraftSummary)
	}
	if _, ok := prior[models.StageReview]; ok {
		preserve = append(preserve, elementReviewFeedback)
	}

	p.logger.Info("Compression triggered",
		zap.String("target_stage", targetStage),
		zap.Int("context_bytes", size),
		zap.Int("threshold", threshold),
		zap.Strings("stages_to_compress", toCompress),
	)
	metrics.CompressionEvents.WithLabelValues("triggered").Inc()

	return &models.CompressionContext{
		TargetStage:      targetStage,
		StagesToCompress: toCompress,
		PreserveElements: preserve,
		Purpose:          "distill accumulated stage results before " + targetStage,
	}, true
}

// ContextSize measures the accumulated payloads as they would cross the wire.
func ContextSize(prior map[string]*models.IsolatedResult) int {
	payloads := make(map[string]map[string]interface{}, len(prior))
	for k, v := range prior {
		if v != nil {
			payloads[k] = v.Payload
		}
	}
	raw, err := json.Marshal(payloads)
	if err != nil {
		return 0
	}
	return len(raw)
}
