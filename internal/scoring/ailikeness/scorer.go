package ailikeness

import (
	"context"
	"encoding/json"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/scoring"
)

// ScorerID is the registry id of the heuristic AI-likeness detector.
const ScorerID = "ailikeness"

// Detector adapts the pure rubric to the pluggable scorer capability.
type Detector struct{}

// NewDetector returns a detector instance for registry factories.
func NewDetector() scoring.Scorer { return &Detector{} }

func (d *Detector) ID() string      { return ScorerID }
func (d *Detector) Version() string { return ModelVersion }

// Score runs the rubric and normalizes the result for the pipeline.
func (d *Detector) Score(_ context.Context, text string) (*scoring.Result, error) {
	result, err := Score(text)
	if err != nil {
		return nil, err
	}

	raw, err := toMap(result.RawResponse)
	if err != nil {
		return nil, core.WrapError(core.KindInternal, "ailikeness.score", "raw response is not serializable", err)
	}

	return &scoring.Result{
		Kind:         scoring.KindDetector,
		Provider:     ScorerID,
		Score:        result.Score,
		ModelVersion: result.ModelVersion,
		Raw:          raw,
		Timestamp:    result.Timestamp,
	}, nil
}

func toMap(raw RawResponse) (map[string]any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
