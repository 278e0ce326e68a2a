package evaluation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/scoring"
	"github.com/vitaliisemenov/content-quality/internal/scoring/aeo"
	"github.com/vitaliisemenov/content-quality/internal/scoring/ailikeness"
	"github.com/vitaliisemenov/content-quality/internal/storage/memory"
)

const sampleContent = `# Quarterly Report

The quarter closed at 112% of plan. Revenue grew 18% against 2024 targets.

## Highlights

- Churn fell below 2%
- The Boston Office shipped 3 releases

See [the dashboard](https://example.com/dash) for the full numbers.`

const weakContent = `some loose notes that ramble on without any structure or facts and
never quite get to a point the reader could lift out and reuse anywhere`

type failingScorer struct{}

func (f *failingScorer) ID() string      { return "flaky" }
func (f *failingScorer) Version() string { return "0.0.1" }
func (f *failingScorer) Score(context.Context, string) (*scoring.Result, error) {
	return nil, errors.New("upstream detector exploded")
}

func newPipeline(t *testing.T, store core.Storage, enabled []string, registry *scoring.Registry) *Pipeline {
	t.Helper()
	if registry == nil {
		registry = scoring.NewRegistry()
		require.NoError(t, registry.Register(ailikeness.ScorerID, ailikeness.NewDetector))
		require.NoError(t, registry.Register(aeo.ScorerID, aeo.NewScorer))
	}
	p, err := New(store, registry, nil, Config{
		EnabledDetectors: enabled,
		ScorerRetries:    1,
		CacheSize:        16,
	}, nil)
	require.NoError(t, err)
	return p
}

func seed(t *testing.T, store core.Storage, content string) (*core.Actor, *core.Blog, *core.Version) {
	t.Helper()
	ctx := context.Background()
	writer, err := store.CreateActor(ctx, "writer@example.com", core.RoleWriter, true)
	require.NoError(t, err)
	blog, err := store.CreateBlog(ctx, "Report", writer.ID, nil)
	require.NoError(t, err)
	version, err := store.AppendVersion(ctx, &core.NewVersion{
		BlogID:    blog.ID,
		Content:   content,
		Source:    core.SourceHumanPaste,
		CreatedBy: writer.ID,
	})
	require.NoError(t, err)
	return writer, blog, version
}

func TestStartEvaluationCompletesRun(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	writer, _, version := seed(t, store, sampleContent)
	p := newPipeline(t, store, []string{ailikeness.ScorerID, aeo.ScorerID}, nil)

	run, err := p.StartEvaluation(ctx, version.ID, &writer.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)

	detectors, err := store.ListDetectorScores(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, detectors, 1)
	assert.Equal(t, ailikeness.ScorerID, detectors[0].Provider)
	assert.Equal(t, "rubric_v1.0.0", detectors[0].Details.ModelVersion)

	aeoScores, err := store.ListAEOScores(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, aeoScores, 1)
	assert.Equal(t, "general", aeoScores[0].QueryIntent)
	assert.NotEmpty(t, aeoScores[0].Rationale)
}

func TestStartEvaluationIsIdempotentWhileProcessing(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	_, _, version := seed(t, store, sampleContent)
	p := newPipeline(t, store, []string{aeo.ScorerID}, nil)

	// Simulate a run parked in processing (as if queued on the runner).
	parked, err := store.CreateRun(ctx, &core.NewRun{BlogVersionID: version.ID})
	require.NoError(t, err)

	run, err := p.StartEvaluation(ctx, version.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, parked.ID, run.ID, "state-based deduplication returns the open run")
}

func TestStartEvaluationRefusesApprovedVersion(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	writer, blog, version := seed(t, store, sampleContent)
	_, err := store.RecordApproval(ctx, &core.NewApproval{
		BlogID: blog.ID, VersionID: version.ID, ApproverID: writer.ID,
	})
	require.NoError(t, err)
	p := newPipeline(t, store, []string{aeo.ScorerID}, nil)

	_, err = p.StartEvaluation(ctx, version.ID, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindApprovedContent))
}

func TestPartialFailure(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	_, _, version := seed(t, store, sampleContent)

	registry := scoring.NewRegistry()
	require.NoError(t, registry.Register(aeo.ScorerID, aeo.NewScorer))
	require.NoError(t, registry.Register("flaky", func() scoring.Scorer { return &failingScorer{} }))
	p := newPipeline(t, store, []string{aeo.ScorerID, "flaky"}, registry)

	run, err := p.StartEvaluation(ctx, version.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, core.RunPartialFailure, run.Status)

	aeoScores, err := store.ListAEOScores(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, aeoScores, 1, "the healthy scorer still lands its row")
}

func TestAllScorersFailingFailsRun(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	_, _, version := seed(t, store, sampleContent)

	registry := scoring.NewRegistry()
	require.NoError(t, registry.Register("flaky", func() scoring.Scorer { return &failingScorer{} }))
	p := newPipeline(t, store, []string{"flaky"}, registry)

	run, err := p.StartEvaluation(ctx, version.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, run.Status)
}

func TestExecuteRunIsRetrySafe(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	_, _, version := seed(t, store, sampleContent)
	p := newPipeline(t, store, []string{aeo.ScorerID}, nil)

	run, err := p.StartEvaluation(ctx, version.ID, nil)
	require.NoError(t, err)

	// Re-executing a finalized run neither duplicates rows nor errors.
	require.NoError(t, p.ExecuteRun(ctx, run.ID))
	aeoScores, err := store.ListAEOScores(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, aeoScores, 1)
}

func TestRegressionOpensEscalation(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	writer, blog, v1 := seed(t, store, sampleContent)
	p := newPipeline(t, store, []string{ailikeness.ScorerID, aeo.ScorerID}, nil)

	// The test only holds if the weak content really drops the AEO total
	// by more than the threshold; assert that premise first.
	strong, err := aeo.Score(sampleContent)
	require.NoError(t, err)
	weak, err := aeo.Score(weakContent)
	require.NoError(t, err)
	require.Greater(t, strong.TotalScore-weak.TotalScore, RegressionThreshold)

	_, err = p.EvaluateNow(ctx, v1.ID, nil)
	require.NoError(t, err)

	v2, err := store.AppendVersion(ctx, &core.NewVersion{
		BlogID:          blog.ID,
		Content:         weakContent,
		Source:          core.SourceHumanEdit,
		ParentVersionID: &v1.ID,
		CreatedBy:       writer.ID,
	})
	require.NoError(t, err)
	_, err = p.EvaluateNow(ctx, v2.ID, nil)
	require.NoError(t, err)

	escalated, err := store.IsEscalated(ctx, blog.ID)
	require.NoError(t, err)
	assert.True(t, escalated, "unapproved blog with a >10 point drop escalates")

	open, err := store.ListOpenEscalations(ctx, blog.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.EscalationScoreRegression, open[0].Reason)
}

func TestRegressionSkippedWhenBlogApproved(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	writer, blog, v1 := seed(t, store, sampleContent)
	p := newPipeline(t, store, []string{ailikeness.ScorerID, aeo.ScorerID}, nil)

	_, err := p.EvaluateNow(ctx, v1.ID, nil)
	require.NoError(t, err)

	// Approve v1, then evaluate a much worse v2. Human override governs.
	_, err = store.RecordApproval(ctx, &core.NewApproval{
		BlogID: blog.ID, VersionID: v1.ID, ApproverID: writer.ID,
	})
	require.NoError(t, err)

	v2, err := store.AppendVersion(ctx, &core.NewVersion{
		BlogID:          blog.ID,
		Content:         weakContent,
		Source:          core.SourceHumanEdit,
		ParentVersionID: &v1.ID,
		CreatedBy:       writer.ID,
	})
	require.NoError(t, err)
	_, err = p.EvaluateNow(ctx, v2.ID, nil)
	require.NoError(t, err)

	escalated, err := store.IsEscalated(ctx, blog.ID)
	require.NoError(t, err)
	assert.False(t, escalated)
}

func TestVersionMatchHelpers(t *testing.T) {
	current := map[string]any{"scorer_versions": map[string]any{"aeo": "1.0.0"}}
	prior := map[string]any{"scorer_versions": map[string]any{"aeo": "1.0.0"}}
	assert.True(t, versionsMatch(current, prior, "aeo"))

	// A bumped rubric version means the metric is skipped, never compared.
	bumped := map[string]any{"scorer_versions": map[string]any{"aeo": "1.1.0"}}
	assert.False(t, versionsMatch(current, bumped, "aeo"))
	assert.False(t, versionsMatch(current, nil, "aeo"))
	assert.False(t, versionsMatch(current, map[string]any{}, "aeo"))

	a := &core.ScoreSnapshot{ModelVersions: map[string]string{"ailikeness": "rubric_v1.0.0"}}
	b := &core.ScoreSnapshot{ModelVersions: map[string]string{"ailikeness": "rubric_v1.0.0"}}
	assert.True(t, detectorVersionsMatch(a, b))
	b.ModelVersions["ailikeness"] = "rubric_v2.0.0"
	assert.False(t, detectorVersionsMatch(a, b))
	assert.False(t, detectorVersionsMatch(a, &core.ScoreSnapshot{}))
}

func TestRegressionSkipsMismatchedModelVersions(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	writer, blog, v1 := seed(t, store, sampleContent)
	p := newPipeline(t, store, []string{ailikeness.ScorerID, aeo.ScorerID}, nil)

	// A prior run recorded under different scorer versions: its aeo metric
	// is not comparable, and its detector rows carry a different rubric.
	prior, err := store.CreateRun(ctx, &core.NewRun{
		BlogVersionID: v1.ID,
		ModelConfig:   map[string]any{"scorer_versions": map[string]any{"aeo": "0.9.0"}},
	})
	require.NoError(t, err)
	_, err = store.InsertAEOScore(ctx, &core.AEOScore{RunID: prior.ID, QueryIntent: "general", Score: 95})
	require.NoError(t, err)
	_, err = store.InsertDetectorScore(ctx, &core.DetectorScore{
		RunID: prior.ID, Provider: ailikeness.ScorerID, Score: 5,
		Details: core.DetectorDetails{ModelVersion: "rubric_v0.9.0"},
	})
	require.NoError(t, err)
	_, err = store.FinalizeRun(ctx, prior.ID, core.RunCompleted)
	require.NoError(t, err)

	v2, err := store.AppendVersion(ctx, &core.NewVersion{
		BlogID:          blog.ID,
		Content:         weakContent,
		Source:          core.SourceHumanEdit,
		ParentVersionID: &v1.ID,
		CreatedBy:       writer.ID,
	})
	require.NoError(t, err)
	_, err = p.EvaluateNow(ctx, v2.ID, nil)
	require.NoError(t, err)

	escalated, err := store.IsEscalated(ctx, blog.ID)
	require.NoError(t, err)
	assert.False(t, escalated, "mismatched model versions skip the comparison")
}

func TestAggregates(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	_, _, version := seed(t, store, sampleContent)
	p := newPipeline(t, store, []string{ailikeness.ScorerID, aeo.ScorerID}, nil)

	run, err := p.EvaluateNow(ctx, version.ID, nil)
	require.NoError(t, err)

	snapshot, err := p.Aggregates(ctx, run.ID)
	require.NoError(t, err)
	assert.Greater(t, snapshot.AEOTotal, 0.0)
	assert.GreaterOrEqual(t, snapshot.AILikenessTotal, 0.0)
	assert.Equal(t, "rubric_v1.0.0", snapshot.ModelVersions[ailikeness.ScorerID])
	assert.Len(t, snapshot.Categories, 6, "per-category scores are lifted from the raw response")
}
