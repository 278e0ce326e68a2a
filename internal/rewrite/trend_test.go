package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

func snapshot(aeoTotal, aiTotal float64) *core.ScoreSnapshot {
	return &core.ScoreSnapshot{AEOTotal: aeoTotal, AILikenessTotal: aiTotal}
}

func TestClassifyTrend(t *testing.T) {
	tests := []struct {
		name    string
		parent  *core.ScoreSnapshot
		child   *core.ScoreSnapshot
		outcome core.TrendOutcome
		code    int
	}{
		{
			name:    "both improve",
			parent:  snapshot(65, 45),
			child:   snapshot(72, 38),
			outcome: core.TrendImproving,
			code:    1,
		},
		{
			name:    "aeo improves alone",
			parent:  snapshot(65, 45),
			child:   snapshot(72, 44),
			outcome: core.TrendPartialImprovement,
			code:    2,
		},
		{
			name:    "inside the noise band",
			parent:  snapshot(65, 45),
			child:   snapshot(68, 45),
			outcome: core.TrendStagnant,
			code:    3,
		},
		{
			name:    "aeo collapses",
			parent:  snapshot(65, 45),
			child:   snapshot(58, 45),
			outcome: core.TrendRegressing,
			code:    4,
		},
		{
			name:    "exact +5 aeo delta counts as improvement",
			parent:  snapshot(65, 45),
			child:   snapshot(70, 40),
			outcome: core.TrendImproving,
			code:    1,
		},
		{
			name:    "exact -5 aeo delta counts as regression",
			parent:  snapshot(65, 45),
			child:   snapshot(60, 45),
			outcome: core.TrendRegressing,
			code:    4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := ClassifyTrend(tt.parent, tt.child)
			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, tt.code, core.TrendCode(outcome))
		})
	}
}
