package rewrite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/evaluation"
	"github.com/vitaliisemenov/content-quality/internal/scoring"
	"github.com/vitaliisemenov/content-quality/internal/scoring/aeo"
	"github.com/vitaliisemenov/content-quality/internal/scoring/ailikeness"
	"github.com/vitaliisemenov/content-quality/internal/storage/memory"
)

// weakDraft reliably trips T1: no structure, no facts, no direct answer.
const weakDraft = `a few stray thoughts on search that wander around the subject without
ever landing on a claim a reader could quote or a machine could extract cleanly`

// improvedDraft is what the fake rewriter returns.
const improvedDraft = `# Search Basics

Search ranking is the process of ordering pages by how well they answer a query.
In 2024 roughly 58% of sessions ended on the first result, per [Example Data](https://example.com/data).

## What Matters

- A direct answer in the opening paragraph
- Headings that mirror real questions
- Concrete numbers: 3 studies, 12 experiments, 2023 baselines

## Where To Start

1. Lead with the answer
2. Break up walls of text
3. Cite [independent sources](https://example.com/sources)`

type fakeRewriter struct {
	output string
	err    error
	calls  int
	prompt string
}

func (f *fakeRewriter) Generate(_ context.Context, prompt string) (string, error) {
	f.calls++
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.output, nil
}

func (f *fakeRewriter) Health(context.Context) error { return nil }

type harness struct {
	store        *memory.Storage
	pipeline     *evaluation.Pipeline
	rewriter     *fakeRewriter
	orchestrator *Orchestrator
	writer       *core.Actor
	system       *core.Actor
	blog         *core.Blog
	parent       *core.Version
}

func newHarness(t *testing.T, parentContent string) *harness {
	t.Helper()
	ctx := context.Background()
	store := memory.New(nil)

	registry := scoring.NewRegistry()
	require.NoError(t, registry.Register(ailikeness.ScorerID, ailikeness.NewDetector))
	require.NoError(t, registry.Register(aeo.ScorerID, aeo.NewScorer))
	pipeline, err := evaluation.New(store, registry, nil, evaluation.Config{
		EnabledDetectors: []string{ailikeness.ScorerID, aeo.ScorerID},
	}, nil)
	require.NoError(t, err)

	writer, err := store.CreateActor(ctx, "writer@example.com", core.RoleWriter, true)
	require.NoError(t, err)
	system, err := store.CreateActor(ctx, "system@example.com", core.RoleSystem, false)
	require.NoError(t, err)
	blog, err := store.CreateBlog(ctx, "Search Basics", writer.ID, nil)
	require.NoError(t, err)
	parent, err := store.AppendVersion(ctx, &core.NewVersion{
		BlogID:    blog.ID,
		Content:   parentContent,
		Source:    core.SourceHumanPaste,
		CreatedBy: writer.ID,
	})
	require.NoError(t, err)

	rewriter := &fakeRewriter{output: improvedDraft}
	orchestrator := New(store, pipeline, rewriter, nil, nil, Config{
		MaxCyclesPerBlog: 10,
		SystemActorID:    system.ID,
	}, nil)

	return &harness{
		store:        store,
		pipeline:     pipeline,
		rewriter:     rewriter,
		orchestrator: orchestrator,
		writer:       writer,
		system:       system,
		blog:         blog,
		parent:       parent,
	}
}

func (h *harness) evaluateParent(t *testing.T) {
	t.Helper()
	_, err := h.pipeline.EvaluateNow(context.Background(), h.parent.ID, nil)
	require.NoError(t, err)
}

func TestOrchestrateRequiresEvaluation(t *testing.T) {
	h := newHarness(t, weakDraft)
	_, err := h.orchestrator.Orchestrate(context.Background(), h.parent.ID, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestOrchestrateFullCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, weakDraft)
	h.evaluateParent(t)

	cycle, err := h.orchestrator.Orchestrate(ctx, h.parent.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, cycle)

	assert.Equal(t, core.RewriteCompleted, cycle.RewriteStatus)
	assert.Equal(t, 1, cycle.CycleNumber)
	assert.NotEmpty(t, cycle.TriggerReasons)
	require.NotNil(t, cycle.ChildVersionID)

	// The stored prompt is exactly what the rewriter received, and it
	// embeds the parent content verbatim.
	assert.Equal(t, h.rewriter.prompt, cycle.RewritePrompt)
	assert.Contains(t, cycle.RewritePrompt, weakDraft)

	child, err := h.store.GetVersion(ctx, *cycle.ChildVersionID)
	require.NoError(t, err)
	assert.Equal(t, core.SourceAIRewrite, child.Source)
	require.NotNil(t, child.SourceRewriteCycleID)
	assert.Equal(t, cycle.ID, *child.SourceRewriteCycleID)
	require.NotNil(t, child.ParentVersionID)
	assert.Equal(t, h.parent.ID, *child.ParentVersionID)
	assert.Equal(t, improvedDraft, child.Content)

	// The child got its own evaluation run.
	childRun, err := h.store.LatestFinishedRunForVersion(ctx, child.ID)
	require.NoError(t, err)
	require.NotNil(t, childRun)

	// The recorded trend matches an independent computation from the
	// deterministic scorers.
	parentAEO, err := aeo.Score(weakDraft)
	require.NoError(t, err)
	childAEO, err := aeo.Score(improvedDraft)
	require.NoError(t, err)
	parentAI, err := ailikeness.Score(weakDraft)
	require.NoError(t, err)
	childAI, err := ailikeness.Score(improvedDraft)
	require.NoError(t, err)
	expected := ClassifyTrend(
		&core.ScoreSnapshot{AEOTotal: parentAEO.TotalScore, AILikenessTotal: parentAI.Score},
		&core.ScoreSnapshot{AEOTotal: childAEO.TotalScore, AILikenessTotal: childAI.Score},
	)
	require.NotNil(t, cycle.TrendOutcome)
	assert.Equal(t, expected, *cycle.TrendOutcome)
	assert.Equal(t, core.TrendCode(expected), *cycle.TrendCode)
}

func TestOrchestrateNoTriggersMeansNoCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, weakDraft)
	h.evaluateParent(t)

	// Manufacture a healthy run on a second version whose content satisfies
	// the pillar thresholds.
	healthy := improvedDraft
	v2, err := h.store.AppendVersion(ctx, &core.NewVersion{
		BlogID:          h.blog.ID,
		Content:         healthy,
		Source:          core.SourceHumanEdit,
		ParentVersionID: &h.parent.ID,
		CreatedBy:       h.writer.ID,
	})
	require.NoError(t, err)

	run, err := h.store.CreateRun(ctx, &core.NewRun{BlogVersionID: v2.ID})
	require.NoError(t, err)
	_, err = h.store.InsertAEOScore(ctx, &core.AEOScore{RunID: run.ID, QueryIntent: "general", Score: 85})
	require.NoError(t, err)
	_, err = h.store.InsertDetectorScore(ctx, &core.DetectorScore{
		RunID: run.ID, Provider: ailikeness.ScorerID, Score: 20,
		Details: core.DetectorDetails{ModelVersion: "rubric_v1.0.0"},
	})
	require.NoError(t, err)
	_, err = h.store.FinalizeRun(ctx, run.ID, core.RunCompleted)
	require.NoError(t, err)

	// Confirm the premise: this content clears the pillar thresholds.
	pillars, err := aeo.Score(healthy)
	require.NoError(t, err)
	require.GreaterOrEqual(t, pillars.Pillars[aeo.PillarAnswerability].Score, 15.0)
	require.GreaterOrEqual(t, pillars.Pillars[aeo.PillarStructure].Score, 12.0)

	cycle, err := h.orchestrator.Orchestrate(ctx, v2.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, cycle, "no trigger fired")
	assert.Zero(t, h.rewriter.calls)
}

func TestOrchestrateTOCTOUApprovedContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, weakDraft)
	h.evaluateParent(t)

	// The blog gets approved while the rewrite job sits in the queue.
	_, err := h.store.RecordApproval(ctx, &core.NewApproval{
		BlogID: h.blog.ID, VersionID: h.parent.ID, ApproverID: h.writer.ID,
	})
	require.NoError(t, err)

	_, err = h.orchestrator.Orchestrate(ctx, h.parent.ID, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindApprovedContent))
	assert.Zero(t, h.rewriter.calls, "no external call after the re-check")

	cycles, err := h.store.ListCyclesForParent(ctx, h.parent.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, core.RewriteTerminal, cycles[0].RewriteStatus)
	require.NotNil(t, cycles[0].StopReason)
	assert.Equal(t, StopApprovedContent, *cycles[0].StopReason)
	assert.Nil(t, cycles[0].ChildVersionID)
}

func TestOrchestratePerParentCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, weakDraft)
	h.evaluateParent(t)

	// Three cycles already exist for this parent.
	for i := 1; i <= MaxCyclesPerParent; i++ {
		cycle, err := h.store.InsertCycle(ctx, &core.NewCycle{
			ParentVersionID: h.parent.ID, CycleNumber: i, RewritePrompt: "p",
		})
		require.NoError(t, err)
		reason := StopRewriterError
		_, err = h.store.FinishCycle(ctx, cycle.ID, &core.CycleOutcome{
			Status: core.RewriteTerminal, StopReason: &reason,
		})
		require.NoError(t, err)
	}

	_, err := h.orchestrator.Orchestrate(ctx, h.parent.ID, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCapExceeded))

	cycles, err := h.store.ListCyclesForParent(ctx, h.parent.ID)
	require.NoError(t, err)
	require.Len(t, cycles, MaxCyclesPerParent+1)
	last := cycles[len(cycles)-1]
	assert.Equal(t, core.RewriteTerminal, last.RewriteStatus)
	require.NotNil(t, last.StopReason)
	assert.Equal(t, StopMaxCyclesReached, *last.StopReason)
}

func TestOrchestrateBlogCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, weakDraft)
	h.evaluateParent(t)
	h.orchestrator.cfg.MaxCyclesPerBlog = 1

	cycle, err := h.store.InsertCycle(ctx, &core.NewCycle{
		ParentVersionID: h.parent.ID, CycleNumber: 1, RewritePrompt: "p",
	})
	require.NoError(t, err)
	reason := StopRewriterError
	_, err = h.store.FinishCycle(ctx, cycle.ID, &core.CycleOutcome{
		Status: core.RewriteTerminal, StopReason: &reason,
	})
	require.NoError(t, err)

	_, err = h.orchestrator.Orchestrate(ctx, h.parent.ID, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCapExceeded))
}

func TestOrchestrateRewriterFailureTerminatesCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, weakDraft)
	h.evaluateParent(t)
	h.rewriter.err = errors.New("model backend down")

	_, err := h.orchestrator.Orchestrate(ctx, h.parent.ID, nil)
	require.Error(t, err)

	cycles, err := h.store.ListCyclesForParent(ctx, h.parent.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, core.RewriteTerminal, cycles[0].RewriteStatus)
	require.NotNil(t, cycles[0].StopReason)
	assert.Equal(t, StopRewriterError, *cycles[0].StopReason)
	assert.Nil(t, cycles[0].ChildVersionID)
}

func TestOrchestrateOscillationStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, weakDraft)
	h.evaluateParent(t)

	// Three completed cycles whose child totals span less than 3 points.
	trend := core.TrendPartialImprovement
	parent := h.parent
	for i, total := range []float64{71.0, 72.5, 70.8} {
		cycle, err := h.store.InsertCycle(ctx, &core.NewCycle{
			ParentVersionID: parent.ID, CycleNumber: i + 1, RewritePrompt: "p",
		})
		require.NoError(t, err)
		child, err := h.store.AppendVersion(ctx, &core.NewVersion{
			BlogID:               h.blog.ID,
			Content:              "rewritten body number " + cycle.ID,
			Source:               core.SourceAIRewrite,
			ParentVersionID:      &parent.ID,
			SourceRewriteCycleID: &cycle.ID,
			CreatedBy:            h.system.ID,
		})
		require.NoError(t, err)
		_, err = h.store.FinishCycle(ctx, cycle.ID, &core.CycleOutcome{
			ChildVersionID: &child.ID,
			ChildScores:    &core.ScoreSnapshot{AEOTotal: total},
			TrendOutcome:   &trend,
			Status:         core.RewriteCompleted,
		})
		require.NoError(t, err)
	}

	// A fresh parent version dodges the per-parent cap; the oscillation
	// window is blog-wide.
	fresh, err := h.store.AppendVersion(ctx, &core.NewVersion{
		BlogID:          h.blog.ID,
		Content:         weakDraft + " with a fresh tail for a new version",
		Source:          core.SourceHumanEdit,
		ParentVersionID: &h.parent.ID,
		CreatedBy:       h.writer.ID,
	})
	require.NoError(t, err)
	_, err = h.pipeline.EvaluateNow(ctx, fresh.ID, nil)
	require.NoError(t, err)

	_, err = h.orchestrator.Orchestrate(ctx, fresh.ID, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidState))

	cycles, err := h.store.ListCyclesForParent(ctx, fresh.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.NotNil(t, cycles[0].StopReason)
	assert.Equal(t, StopOscillation, *cycles[0].StopReason)
}

func TestOrchestrateStopsAfterRegressingCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, weakDraft)
	h.evaluateParent(t)

	trend := core.TrendRegressing
	cycle, err := h.store.InsertCycle(ctx, &core.NewCycle{
		ParentVersionID: h.parent.ID, CycleNumber: 1, RewritePrompt: "p",
	})
	require.NoError(t, err)
	child, err := h.store.AppendVersion(ctx, &core.NewVersion{
		BlogID:               h.blog.ID,
		Content:              "a regressing rewrite body",
		Source:               core.SourceAIRewrite,
		ParentVersionID:      &h.parent.ID,
		SourceRewriteCycleID: &cycle.ID,
		CreatedBy:            h.system.ID,
	})
	require.NoError(t, err)
	_, err = h.store.FinishCycle(ctx, cycle.ID, &core.CycleOutcome{
		ChildVersionID: &child.ID,
		ChildScores:    &core.ScoreSnapshot{AEOTotal: 40},
		TrendOutcome:   &trend,
		Status:         core.RewriteCompleted,
	})
	require.NoError(t, err)

	_, err = h.orchestrator.Orchestrate(ctx, h.parent.ID, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidState))

	cycles, err := h.store.ListCyclesForParent(ctx, h.parent.ID)
	require.NoError(t, err)
	last := cycles[len(cycles)-1]
	require.NotNil(t, last.StopReason)
	assert.Equal(t, StopQualityDegraded, *last.StopReason)
}
