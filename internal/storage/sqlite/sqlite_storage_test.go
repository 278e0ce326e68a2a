package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

func newStore(t *testing.T) (*Storage, context.Context) {
	t.Helper()
	ctx := context.Background()
	store := New(filepath.Join(t.TempDir(), "engine.db"), nil)
	require.NoError(t, store.Connect(ctx))
	t.Cleanup(func() { _ = store.Close(ctx) })
	return store, ctx
}

func seed(t *testing.T, s *Storage, ctx context.Context) (*core.Actor, *core.Blog, *core.Version) {
	t.Helper()
	writer, err := s.CreateActor(ctx, "writer@example.com", core.RoleWriter, true)
	require.NoError(t, err)
	blog, err := s.CreateBlog(ctx, "Launch Notes", writer.ID, nil)
	require.NoError(t, err)
	version, err := s.AppendVersion(ctx, &core.NewVersion{
		BlogID:    blog.ID,
		Content:   "The launch recap covering the rollout and its numbers in detail.",
		Source:    core.SourceHumanPaste,
		CreatedBy: writer.ID,
	})
	require.NoError(t, err)
	return writer, blog, version
}

func TestConnectAndHealth(t *testing.T) {
	store, ctx := newStore(t)
	assert.NoError(t, store.Health(ctx))
}

func TestVersionRowsAreWriteOnce(t *testing.T) {
	store, ctx := newStore(t)
	_, _, version := seed(t, store, ctx)

	// The schema trigger rejects any update to a version row.
	_, err := store.db.ExecContext(ctx,
		`UPDATE versions SET content = 'tampered' WHERE id = ?`, version.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write-once")

	_, err = store.db.ExecContext(ctx,
		`DELETE FROM versions WHERE id = ?`, version.ID)
	require.Error(t, err)

	fetched, err := store.GetVersion(ctx, version.ID)
	require.NoError(t, err)
	assert.Equal(t, version.Content, fetched.Content)
	assert.Equal(t, core.HashContent(version.Content), fetched.ContentHash)
}

func TestWriteOnceTablesRejectDeletes(t *testing.T) {
	store, ctx := newStore(t)
	writer, blog, version := seed(t, store, ctx)

	// Populate one row in every write-once or partially immutable table.
	run, err := store.CreateRun(ctx, &core.NewRun{BlogVersionID: version.ID})
	require.NoError(t, err)
	_, err = store.InsertDetectorScore(ctx, &core.DetectorScore{
		RunID: run.ID, Provider: "ailikeness", Score: 40,
		Details: core.DetectorDetails{ModelVersion: "rubric_v1.0.0"},
	})
	require.NoError(t, err)
	_, err = store.InsertAEOScore(ctx, &core.AEOScore{RunID: run.ID, QueryIntent: "general", Score: 60})
	require.NoError(t, err)
	_, err = store.InsertCycle(ctx, &core.NewCycle{
		ParentVersionID: version.ID, CycleNumber: 1, RewritePrompt: "prompt body",
	})
	require.NoError(t, err)
	_, err = store.RecordApproval(ctx, &core.NewApproval{
		BlogID: blog.ID, VersionID: version.ID, ApproverID: writer.ID,
	})
	require.NoError(t, err)
	_, err = store.LogAttempt(ctx, &core.ApprovalAttempt{
		BlogID: blog.ID, AttemptedBy: writer.ID, IsHumanSnapshot: true,
		Result: core.AttemptSuccess,
	})
	require.NoError(t, err)
	_, err = store.LogReviewAction(ctx, &core.HumanReviewAction{
		BlogID: blog.ID, VersionID: version.ID, ReviewerID: writer.ID,
		Action: core.ActionComment,
	})
	require.NoError(t, err)

	tables := []string{
		"versions",
		"evaluation_runs",
		"detector_scores",
		"aeo_scores",
		"rewrite_cycles",
		"approval_states",
		"approval_attempts",
		"human_review_actions",
	}
	for _, table := range tables {
		_, err := store.db.ExecContext(ctx, `DELETE FROM `+table)
		require.Error(t, err, "DELETE on %s must be rejected", table)

		var count int
		require.NoError(t, store.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+table).Scan(&count))
		assert.Equal(t, 1, count, "row in %s must survive the delete attempt", table)
	}
}

func TestVersionNumberingAndConflicts(t *testing.T) {
	store, ctx := newStore(t)
	writer, blog, v1 := seed(t, store, ctx)

	v2, err := store.AppendVersion(ctx, &core.NewVersion{
		BlogID:          blog.ID,
		Content:         "Second revision of the recap with tightened numbers throughout.",
		Source:          core.SourceHumanEdit,
		ParentVersionID: &v1.ID,
		CreatedBy:       writer.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)

	versions, err := store.ListVersions(ctx, blog.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].VersionNumber)

	// ai_rewrite without a cycle id is refused before touching the db.
	_, err = store.AppendVersion(ctx, &core.NewVersion{
		BlogID:          blog.ID,
		Content:         "automated rewrite",
		Source:          core.SourceAIRewrite,
		ParentVersionID: &v2.ID,
		CreatedBy:       writer.ID,
	})
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestRunStatusGuard(t *testing.T) {
	store, ctx := newStore(t)
	_, _, version := seed(t, store, ctx)

	run, err := store.CreateRun(ctx, &core.NewRun{
		BlogVersionID: version.ID,
		ModelConfig:   map[string]any{"enabled_detectors": []any{"aeo"}},
	})
	require.NoError(t, err)

	finalized, err := store.FinalizeRun(ctx, run.ID, core.RunCompleted)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, finalized.Status)
	assert.NotNil(t, finalized.CompletedAt)

	_, err = store.FinalizeRun(ctx, run.ID, core.RunFailed)
	assert.True(t, core.IsKind(err, core.KindConflict))

	// The trigger also blocks raw backward updates.
	_, err = store.db.ExecContext(ctx,
		`UPDATE evaluation_runs SET status = 'processing' WHERE id = ?`, run.ID)
	require.Error(t, err)
}

func TestScoreUniqueness(t *testing.T) {
	store, ctx := newStore(t)
	_, _, version := seed(t, store, ctx)
	run, err := store.CreateRun(ctx, &core.NewRun{BlogVersionID: version.ID})
	require.NoError(t, err)

	_, err = store.InsertDetectorScore(ctx, &core.DetectorScore{
		RunID: run.ID, Provider: "ailikeness", Score: 42,
		Details: core.DetectorDetails{ModelVersion: "rubric_v1.0.0"},
	})
	require.NoError(t, err)
	_, err = store.InsertDetectorScore(ctx, &core.DetectorScore{
		RunID: run.ID, Provider: "ailikeness", Score: 43,
		Details: core.DetectorDetails{ModelVersion: "rubric_v1.0.0"},
	})
	assert.True(t, core.IsKind(err, core.KindConflict))

	score, err := store.GetDetectorScore(ctx, run.ID, "ailikeness")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, 42.0, score.Score)
	assert.Equal(t, "rubric_v1.0.0", score.Details.ModelVersion)
}

func TestApprovalLifecycle(t *testing.T) {
	store, ctx := newStore(t)
	writer, blog, version := seed(t, store, ctx)

	_, err := store.RecordApproval(ctx, &core.NewApproval{
		BlogID: blog.ID, VersionID: version.ID, ApproverID: writer.ID,
	})
	require.NoError(t, err)

	current, err := store.CurrentApproval(ctx, blog.ID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, version.ID, current.ApprovedVersionID)

	_, err = store.RevokeApproval(ctx, blog.ID, writer.ID, "superseded")
	require.NoError(t, err)

	current, err = store.CurrentApproval(ctx, blog.ID)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestNonHumanApprovalRefused(t *testing.T) {
	store, ctx := newStore(t)
	_, blog, version := seed(t, store, ctx)
	bot, err := store.CreateActor(ctx, "bot@example.com", core.RoleSystem, false)
	require.NoError(t, err)

	_, err = store.RecordApproval(ctx, &core.NewApproval{
		BlogID: blog.ID, VersionID: version.ID, ApproverID: bot.ID,
	})
	assert.True(t, core.IsKind(err, core.KindForbidden))
}

func TestReviewTransitions(t *testing.T) {
	store, ctx := newStore(t)
	_, _, version := seed(t, store, ctx)

	state, err := store.GetReviewState(ctx, version.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateDraft, state.State)

	state, err = store.TransitionReview(ctx, version.ID, core.StateDraft, core.StateInReview)
	require.NoError(t, err)
	require.NotNil(t, state.ReviewStartedAt)

	_, err = store.TransitionReview(ctx, version.ID, core.StateInReview, core.StateDraft)
	assert.True(t, core.IsKind(err, core.KindInvalidState))

	_, err = store.TransitionReview(ctx, version.ID, core.StateDraft, core.StateInReview)
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestRewriteCyclePersistence(t *testing.T) {
	store, ctx := newStore(t)
	_, _, version := seed(t, store, ctx)

	cycle, err := store.InsertCycle(ctx, &core.NewCycle{
		ParentVersionID: version.ID,
		CycleNumber:     1,
		TriggerReasons:  []string{"aeo_total_low: below target"},
		TriggerData:     map[string]any{"T1": map[string]any{"aeo_total": 55.5}},
		RewritePrompt:   "full prompt text",
		ParentScores:    &core.ScoreSnapshot{AEOTotal: 55.5, AILikenessTotal: 62},
	})
	require.NoError(t, err)
	assert.Equal(t, core.RewritePending, cycle.RewriteStatus)
	require.NotNil(t, cycle.ParentScores)
	assert.Equal(t, 55.5, cycle.ParentScores.AEOTotal)

	trend := core.TrendStagnant
	finished, err := store.FinishCycle(ctx, cycle.ID, &core.CycleOutcome{
		ChildScores:  &core.ScoreSnapshot{AEOTotal: 56.0},
		TrendOutcome: &trend,
		Status:       core.RewriteCompleted,
	})
	require.NoError(t, err)
	require.NotNil(t, finished.TrendCode)
	assert.Equal(t, 3, *finished.TrendCode)

	_, err = store.FinishCycle(ctx, cycle.ID, &core.CycleOutcome{Status: core.RewriteTerminal})
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestEscalationQueries(t *testing.T) {
	store, ctx := newStore(t)
	writer, blog, version := seed(t, store, ctx)

	escalation, err := store.OpenEscalation(ctx, &core.NewEscalation{
		BlogID:    blog.ID,
		VersionID: &version.ID,
		Reason:    core.EscalationScoreRegression,
		Details:   map[string]any{"aeo_total_drop": 14.2},
	})
	require.NoError(t, err)

	escalated, err := store.IsEscalated(ctx, blog.ID)
	require.NoError(t, err)
	assert.True(t, escalated)

	open, err := store.ListOpenEscalations(ctx, blog.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 14.2, open[0].Details["aeo_total_drop"])

	_, err = store.ResolveEscalation(ctx, escalation.ID, writer.ID, false)
	require.NoError(t, err)

	escalated, err = store.IsEscalated(ctx, blog.ID)
	require.NoError(t, err)
	assert.False(t, escalated)
}
