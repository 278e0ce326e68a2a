package aeo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/scoring"
)

// ScorerID is the registry id of the AEO rubric scorer.
const ScorerID = "aeo"

// DefaultQueryIntent labels the general-intent evaluation pass.
const DefaultQueryIntent = "general"

// Scorer adapts the pure rubric to the pluggable scorer capability.
type Scorer struct{}

// NewScorer returns an AEO scorer instance for registry factories.
func NewScorer() scoring.Scorer { return &Scorer{} }

func (s *Scorer) ID() string      { return ScorerID }
func (s *Scorer) Version() string { return RubricVersion }

// Score runs the rubric and normalizes the result for the pipeline.
func (s *Scorer) Score(_ context.Context, content string) (*scoring.Result, error) {
	result, err := Score(content)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, core.WrapError(core.KindInternal, "aeo.score", "result is not serializable", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, core.WrapError(core.KindInternal, "aeo.score", "result is not serializable", err)
	}

	return &scoring.Result{
		Kind:         scoring.KindAEO,
		QueryIntent:  DefaultQueryIntent,
		Score:        result.TotalScore,
		ModelVersion: RubricVersion,
		Raw:          raw,
		Rationale:    rationale(result),
		Timestamp:    time.Now().UTC(),
	}, nil
}

// rationale flattens the pillar reasons into one readable string, in pillar
// order so output is stable.
func rationale(result *Result) string {
	var parts []string
	for _, id := range PillarOrder() {
		pillar := result.Pillars[id]
		parts = append(parts, fmt.Sprintf("%s %.2f/%.0f: %s",
			id, pillar.Score, pillar.MaxScore, strings.Join(pillar.Reasons, "; ")))
	}
	return strings.Join(parts, " | ")
}
