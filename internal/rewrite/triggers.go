package rewrite

import (
	"fmt"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/scoring/ailikeness"
)

// Trigger threshold constants, part of the deterministic rule table.
const (
	AEOTotalThreshold      = 70.0
	AnswerabilityThreshold = 15.0
	StructureThreshold     = 12.0
	AILikenessThreshold    = 60.0
	CategoryCriticalRatio  = 0.70
)

// Trigger type identifiers.
const (
	TriggerAEOTotalLow       = "aeo_total_low"
	TriggerAEOPillarCritical = "aeo_pillar_critical"
	TriggerAILikenessHigh    = "ai_likeness_high"
	TriggerAICategoryHigh    = "ai_category_critical"
)

// Trigger is one fired rewrite rule.
type Trigger struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Reason string         `json:"reason"`
	Data   map[string]any `json:"data,omitempty"`
}

// Inputs carries everything trigger evaluation reads. A metric left
// unevaluable (missing from a partial_failure run) never fires its rules.
type Inputs struct {
	Snapshot     *core.ScoreSnapshot
	Pillars      map[string]float64
	AEOEvaluable bool
	AIEvaluable  bool
}

// Evaluate applies the fixed rule table in order T1..T5 and returns the
// triggers that fired.
func Evaluate(in Inputs) []Trigger {
	var fired []Trigger

	if in.AEOEvaluable {
		if in.Snapshot.AEOTotal < AEOTotalThreshold {
			fired = append(fired, Trigger{
				ID:     "T1",
				Type:   TriggerAEOTotalLow,
				Reason: fmt.Sprintf("aeo total %.2f below %.0f", in.Snapshot.AEOTotal, AEOTotalThreshold),
				Data:   map[string]any{"aeo_total": in.Snapshot.AEOTotal},
			})
		}
		if score, ok := in.Pillars["answerability_intent_match"]; ok && score < AnswerabilityThreshold {
			fired = append(fired, Trigger{
				ID:     "T2",
				Type:   TriggerAEOPillarCritical,
				Reason: fmt.Sprintf("answerability pillar %.2f below %.0f", score, AnswerabilityThreshold),
				Data:   map[string]any{"pillar": "answerability_intent_match", "score": score},
			})
		}
		if score, ok := in.Pillars["structural_extractability"]; ok && score < StructureThreshold {
			fired = append(fired, Trigger{
				ID:     "T3",
				Type:   TriggerAEOPillarCritical,
				Reason: fmt.Sprintf("structure pillar %.2f below %.0f", score, StructureThreshold),
				Data:   map[string]any{"pillar": "structural_extractability", "score": score},
			})
		}
	}

	if in.AIEvaluable {
		if in.Snapshot.AILikenessTotal > AILikenessThreshold {
			fired = append(fired, Trigger{
				ID:     "T4",
				Type:   TriggerAILikenessHigh,
				Reason: fmt.Sprintf("ai-likeness total %.2f above %.0f", in.Snapshot.AILikenessTotal, AILikenessThreshold),
				Data:   map[string]any{"ai_likeness_total": in.Snapshot.AILikenessTotal},
			})
		}
		for _, category := range ailikeness.CategoryOrder() {
			score, ok := in.Snapshot.Categories[category]
			if !ok {
				continue
			}
			max := ailikeness.CategoryMax(category)
			if max > 0 && score > max*CategoryCriticalRatio {
				fired = append(fired, Trigger{
					ID:     "T5",
					Type:   TriggerAICategoryHigh,
					Reason: fmt.Sprintf("category %s at %.1f exceeds %.0f%% of its %.0f cap", category, score, CategoryCriticalRatio*100, max),
					Data:   map[string]any{"category": category, "score": score, "max": max},
				})
			}
		}
	}

	return fired
}

// Reasons flattens trigger reasons for the cycle row.
func Reasons(triggers []Trigger) []string {
	reasons := make([]string, 0, len(triggers))
	for _, t := range triggers {
		reasons = append(reasons, t.Type+": "+t.Reason)
	}
	return reasons
}

// Data flattens trigger payloads for the cycle row, keyed by trigger id.
func Data(triggers []Trigger) map[string]any {
	data := make(map[string]any, len(triggers))
	for _, t := range triggers {
		data[t.ID] = t.Data
	}
	return data
}
