package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/scoring/ailikeness"
)

func triggerIDs(triggers []Trigger) []string {
	ids := make([]string, 0, len(triggers))
	for _, t := range triggers {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestEvaluateFiresRuleTable(t *testing.T) {
	in := Inputs{
		Snapshot: &core.ScoreSnapshot{
			AEOTotal:        65,
			AILikenessTotal: 45,
		},
		Pillars: map[string]float64{
			"answerability_intent_match": 12,
			"structural_extractability":  15,
		},
		AEOEvaluable: true,
		AIEvaluable:  true,
	}

	triggers := Evaluate(in)
	assert.Equal(t, []string{"T1", "T2"}, triggerIDs(triggers))
	assert.Equal(t, TriggerAEOTotalLow, triggers[0].Type)
	assert.Equal(t, TriggerAEOPillarCritical, triggers[1].Type)
}

func TestEvaluateStructurePillar(t *testing.T) {
	in := Inputs{
		Snapshot:     &core.ScoreSnapshot{AEOTotal: 80},
		Pillars:      map[string]float64{"structural_extractability": 11.5},
		AEOEvaluable: true,
	}
	triggers := Evaluate(in)
	assert.Equal(t, []string{"T3"}, triggerIDs(triggers))
}

func TestEvaluateAILikenessRules(t *testing.T) {
	in := Inputs{
		Snapshot: &core.ScoreSnapshot{
			AEOTotal:        85,
			AILikenessTotal: 61,
			Categories: map[string]float64{
				// 16/20 exceeds 70% of the generic-language cap.
				ailikeness.CategoryGenericLang: 16,
			},
		},
		AEOEvaluable: true,
		AIEvaluable:  true,
	}
	triggers := Evaluate(in)
	require.Len(t, triggers, 2)
	assert.Equal(t, []string{"T4", "T5"}, triggerIDs(triggers))
}

func TestEvaluateNothingFires(t *testing.T) {
	in := Inputs{
		Snapshot: &core.ScoreSnapshot{
			AEOTotal:        85,
			AILikenessTotal: 30,
			Categories:      map[string]float64{ailikeness.CategoryGenericLang: 5},
		},
		Pillars: map[string]float64{
			"answerability_intent_match": 20,
			"structural_extractability":  15,
		},
		AEOEvaluable: true,
		AIEvaluable:  true,
	}
	assert.Empty(t, Evaluate(in))
}

func TestEvaluateSkipsUnevaluableMetrics(t *testing.T) {
	// A partial-failure run without AEO rows must not fire AEO triggers,
	// even with a zero total that would otherwise trip T1.
	in := Inputs{
		Snapshot:     &core.ScoreSnapshot{AEOTotal: 0, AILikenessTotal: 75},
		AEOEvaluable: false,
		AIEvaluable:  true,
	}
	triggers := Evaluate(in)
	assert.Equal(t, []string{"T4"}, triggerIDs(triggers))

	in = Inputs{
		Snapshot:     &core.ScoreSnapshot{AEOTotal: 10, AILikenessTotal: 90},
		AEOEvaluable: false,
		AIEvaluable:  false,
	}
	assert.Empty(t, Evaluate(in))
}

func TestBoundaryValuesDoNotFire(t *testing.T) {
	in := Inputs{
		Snapshot: &core.ScoreSnapshot{AEOTotal: 70, AILikenessTotal: 60},
		Pillars: map[string]float64{
			"answerability_intent_match": 15,
			"structural_extractability":  12,
		},
		AEOEvaluable: true,
		AIEvaluable:  true,
	}
	assert.Empty(t, Evaluate(in), "thresholds are strict inequalities")
}

func TestReasonsAndData(t *testing.T) {
	in := Inputs{
		Snapshot:     &core.ScoreSnapshot{AEOTotal: 50},
		AEOEvaluable: true,
	}
	triggers := Evaluate(in)
	require.Len(t, triggers, 1)

	reasons := Reasons(triggers)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "aeo_total_low")

	data := Data(triggers)
	assert.Contains(t, data, "T1")
}
