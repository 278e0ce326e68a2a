package rewrite

import (
	"github.com/vitaliisemenov/content-quality/internal/core"
)

// TrendDelta is the band that separates movement from noise.
const TrendDelta = 5.0

// ClassifyTrend compares child aggregates against the parent's. Lower
// AI-likeness is better, so ai_delta is parent minus child.
func ClassifyTrend(parent, child *core.ScoreSnapshot) core.TrendOutcome {
	aeoDelta := child.AEOTotal - parent.AEOTotal
	aiDelta := parent.AILikenessTotal - child.AILikenessTotal

	// Rows apply in table order: full improvement, partial, stagnant band,
	// then regression.
	switch {
	case aeoDelta >= TrendDelta && aiDelta >= TrendDelta:
		return core.TrendImproving
	case aeoDelta >= TrendDelta:
		return core.TrendPartialImprovement
	case aeoDelta > -TrendDelta && aeoDelta < TrendDelta:
		return core.TrendStagnant
	default:
		return core.TrendRegressing
	}
}
