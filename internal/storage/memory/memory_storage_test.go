package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

func newStore(t *testing.T) (*Storage, context.Context) {
	t.Helper()
	return New(nil), context.Background()
}

func seedBlog(t *testing.T, s *Storage, ctx context.Context) (*core.Actor, *core.Blog, *core.Version) {
	t.Helper()
	writer, err := s.CreateActor(ctx, "writer@example.com", core.RoleWriter, true)
	require.NoError(t, err)
	blog, err := s.CreateBlog(ctx, "Launch Notes", writer.ID, nil)
	require.NoError(t, err)
	version, err := s.AppendVersion(ctx, &core.NewVersion{
		BlogID:    blog.ID,
		Content:   "The launch went well and the numbers look promising for the quarter.",
		Source:    core.SourceHumanPaste,
		CreatedBy: writer.ID,
	})
	require.NoError(t, err)
	return writer, blog, version
}

func TestCreateActorInvariants(t *testing.T) {
	s, ctx := newStore(t)

	_, err := s.CreateActor(ctx, "svc@example.com", core.RoleSystem, true)
	assert.True(t, core.IsKind(err, core.KindValidation), "system actors cannot be human")

	actor, err := s.CreateActor(ctx, "a@example.com", core.RoleReviewer, true)
	require.NoError(t, err)
	assert.True(t, actor.IsHuman)

	_, err = s.CreateActor(ctx, "a@example.com", core.RoleWriter, true)
	assert.True(t, core.IsKind(err, core.KindConflict), "email is unique")
}

func TestSetActorHumanRequiresAdmin(t *testing.T) {
	s, ctx := newStore(t)
	admin, err := s.CreateActor(ctx, "admin@example.com", core.RoleAdmin, true)
	require.NoError(t, err)
	writer, err := s.CreateActor(ctx, "w@example.com", core.RoleWriter, false)
	require.NoError(t, err)

	_, err = s.SetActorHuman(ctx, writer.ID, true, writer.ID)
	assert.True(t, core.IsKind(err, core.KindForbidden))

	updated, err := s.SetActorHuman(ctx, writer.ID, true, admin.ID)
	require.NoError(t, err)
	assert.True(t, updated.IsHuman)
}

func TestCreateBlogValidation(t *testing.T) {
	s, ctx := newStore(t)
	_, err := s.CreateBlog(ctx, "  ", "someone", nil)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestAppendVersionNumbersAndHash(t *testing.T) {
	s, ctx := newStore(t)
	writer, blog, v1 := seedBlog(t, s, ctx)

	assert.Equal(t, 1, v1.VersionNumber)
	assert.Nil(t, v1.ParentVersionID)
	assert.Equal(t, core.HashContent(v1.Content), v1.ContentHash)

	v2, err := s.AppendVersion(ctx, &core.NewVersion{
		BlogID:          blog.ID,
		Content:         "Revised copy with better numbers and a cleaner story for readers.",
		Source:          core.SourceHumanEdit,
		ParentVersionID: &v1.ID,
		CreatedBy:       writer.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)

	versions, err := s.ListVersions(ctx, blog.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, v1.ID, versions[0].ID)
	assert.Equal(t, v2.ID, versions[1].ID)
}

func TestAppendVersionValidation(t *testing.T) {
	s, ctx := newStore(t)
	writer, blog, v1 := seedBlog(t, s, ctx)

	// ai_rewrite requires a cycle id.
	_, err := s.AppendVersion(ctx, &core.NewVersion{
		BlogID:          blog.ID,
		Content:         "rewritten body",
		Source:          core.SourceAIRewrite,
		ParentVersionID: &v1.ID,
		CreatedBy:       writer.ID,
	})
	assert.True(t, core.IsKind(err, core.KindValidation))

	// Parent must belong to the same blog.
	other, err := s.CreateBlog(ctx, "Other", writer.ID, nil)
	require.NoError(t, err)
	_, err = s.AppendVersion(ctx, &core.NewVersion{
		BlogID:          other.ID,
		Content:         "text for the other blog",
		Source:          core.SourceHumanPaste,
		ParentVersionID: &v1.ID,
		CreatedBy:       writer.ID,
	})
	assert.True(t, core.IsKind(err, core.KindValidation))

	// A non-root version cannot omit its parent.
	_, err = s.AppendVersion(ctx, &core.NewVersion{
		BlogID:    blog.ID,
		Content:   "dangling version with no parent",
		Source:    core.SourceHumanPaste,
		CreatedBy: writer.ID,
	})
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestRunStatusAdvancesOnce(t *testing.T) {
	s, ctx := newStore(t)
	_, _, v1 := seedBlog(t, s, ctx)

	run, err := s.CreateRun(ctx, &core.NewRun{BlogVersionID: v1.ID})
	require.NoError(t, err)
	assert.Equal(t, core.RunProcessing, run.Status)
	assert.Nil(t, run.CompletedAt)

	finalized, err := s.FinalizeRun(ctx, run.ID, core.RunCompleted)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, finalized.Status)
	assert.NotNil(t, finalized.CompletedAt)

	// Status never transitions backward or twice.
	_, err = s.FinalizeRun(ctx, run.ID, core.RunFailed)
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestScoreRowsAreUniquePerRun(t *testing.T) {
	s, ctx := newStore(t)
	_, _, v1 := seedBlog(t, s, ctx)
	run, err := s.CreateRun(ctx, &core.NewRun{BlogVersionID: v1.ID})
	require.NoError(t, err)

	_, err = s.InsertDetectorScore(ctx, &core.DetectorScore{
		RunID: run.ID, Provider: "ailikeness", Score: 40,
		Details: core.DetectorDetails{ModelVersion: "rubric_v1.0.0", Timestamp: time.Now()},
	})
	require.NoError(t, err)
	_, err = s.InsertDetectorScore(ctx, &core.DetectorScore{
		RunID: run.ID, Provider: "ailikeness", Score: 41,
		Details: core.DetectorDetails{ModelVersion: "rubric_v1.0.0", Timestamp: time.Now()},
	})
	assert.True(t, core.IsKind(err, core.KindConflict))

	_, err = s.InsertAEOScore(ctx, &core.AEOScore{RunID: run.ID, QueryIntent: "general", Score: 70})
	require.NoError(t, err)
	_, err = s.InsertAEOScore(ctx, &core.AEOScore{RunID: run.ID, QueryIntent: "general", Score: 71})
	assert.True(t, core.IsKind(err, core.KindConflict))

	_, err = s.InsertAEOScore(ctx, &core.AEOScore{RunID: run.ID, QueryIntent: "general2", Score: 170})
	assert.True(t, core.IsKind(err, core.KindValidation), "score range is enforced")
}

func TestApprovalRequiresHuman(t *testing.T) {
	s, ctx := newStore(t)
	_, blog, v1 := seedBlog(t, s, ctx)
	bot, err := s.CreateActor(ctx, "bot@example.com", core.RoleSystem, false)
	require.NoError(t, err)

	_, err = s.RecordApproval(ctx, &core.NewApproval{
		BlogID: blog.ID, VersionID: v1.ID, ApproverID: bot.ID,
	})
	assert.True(t, core.IsKind(err, core.KindForbidden))
}

func TestApprovalVersionMustBelongToBlog(t *testing.T) {
	s, ctx := newStore(t)
	writer, _, v1 := seedBlog(t, s, ctx)
	other, err := s.CreateBlog(ctx, "Other", writer.ID, nil)
	require.NoError(t, err)

	_, err = s.RecordApproval(ctx, &core.NewApproval{
		BlogID: other.ID, VersionID: v1.ID, ApproverID: writer.ID,
	})
	assert.True(t, core.IsKind(err, core.KindInvalidVersion))
}

func TestCurrentApprovalAndRevocation(t *testing.T) {
	s, ctx := newStore(t)
	writer, blog, v1 := seedBlog(t, s, ctx)

	current, err := s.CurrentApproval(ctx, blog.ID)
	require.NoError(t, err)
	assert.Nil(t, current)

	approval, err := s.RecordApproval(ctx, &core.NewApproval{
		BlogID: blog.ID, VersionID: v1.ID, ApproverID: writer.ID,
	})
	require.NoError(t, err)

	current, err = s.CurrentApproval(ctx, blog.ID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, approval.ApprovedVersionID, current.ApprovedVersionID)

	revocation, err := s.RevokeApproval(ctx, blog.ID, writer.ID, "stale copy")
	require.NoError(t, err)
	assert.NotNil(t, revocation.RevokedAt)
	assert.Equal(t, v1.ID, revocation.ApprovedVersionID)

	current, err = s.CurrentApproval(ctx, blog.ID)
	require.NoError(t, err)
	assert.Nil(t, current, "revoked approvals are excluded")

	_, err = s.RevokeApproval(ctx, blog.ID, writer.ID, "again")
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestRecordApprovalIsIdempotent(t *testing.T) {
	s, ctx := newStore(t)
	writer, blog, v1 := seedBlog(t, s, ctx)

	first, err := s.RecordApproval(ctx, &core.NewApproval{
		BlogID: blog.ID, VersionID: v1.ID, ApproverID: writer.ID,
	})
	require.NoError(t, err)

	// A repeat call with identical arguments returns the existing row.
	second, err := s.RecordApproval(ctx, &core.NewApproval{
		BlogID: blog.ID, VersionID: v1.ID, ApproverID: writer.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestReviewStateMachineIsForwardOnly(t *testing.T) {
	s, ctx := newStore(t)
	_, _, v1 := seedBlog(t, s, ctx)

	state, err := s.GetReviewState(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateDraft, state.State)
	assert.Nil(t, state.ReviewStartedAt)

	state, err = s.TransitionReview(ctx, v1.ID, core.StateDraft, core.StateInReview)
	require.NoError(t, err)
	assert.Equal(t, core.StateInReview, state.State)
	assert.NotNil(t, state.ReviewStartedAt)

	// Backward transition is forbidden.
	_, err = s.TransitionReview(ctx, v1.ID, core.StateInReview, core.StateDraft)
	assert.True(t, core.IsKind(err, core.KindInvalidState))

	// Stale expected state surfaces as conflict.
	_, err = s.TransitionReview(ctx, v1.ID, core.StateDraft, core.StateInReview)
	assert.True(t, core.IsKind(err, core.KindConflict))

	state, err = s.TransitionReview(ctx, v1.ID, core.StateInReview, core.StateApproved)
	require.NoError(t, err)
	assert.Equal(t, core.StateApproved, state.State)

	// Terminal states accept no further transitions.
	_, err = s.TransitionReview(ctx, v1.ID, core.StateApproved, core.StateArchived)
	assert.True(t, core.IsKind(err, core.KindInvalidState))
}

func TestRewriteCycleLifecycle(t *testing.T) {
	s, ctx := newStore(t)
	_, _, v1 := seedBlog(t, s, ctx)

	cycle, err := s.InsertCycle(ctx, &core.NewCycle{
		ParentVersionID: v1.ID,
		CycleNumber:     1,
		TriggerReasons:  []string{"aeo_total_low: aeo total 55.00 below 70"},
		RewritePrompt:   "rewrite prompt body",
		ParentScores:    &core.ScoreSnapshot{AEOTotal: 55, AILikenessTotal: 40},
	})
	require.NoError(t, err)
	assert.Equal(t, core.RewritePending, cycle.RewriteStatus)

	// Duplicate (parent, cycle_number) conflicts.
	_, err = s.InsertCycle(ctx, &core.NewCycle{
		ParentVersionID: v1.ID, CycleNumber: 1, RewritePrompt: "p",
	})
	assert.True(t, core.IsKind(err, core.KindConflict))

	trend := core.TrendImproving
	finished, err := s.FinishCycle(ctx, cycle.ID, &core.CycleOutcome{
		ChildScores:  &core.ScoreSnapshot{AEOTotal: 72, AILikenessTotal: 30},
		TrendOutcome: &trend,
		Status:       core.RewriteCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, core.RewriteCompleted, finished.RewriteStatus)
	require.NotNil(t, finished.TrendCode)
	assert.Equal(t, 1, *finished.TrendCode)

	// Finished cycles are immutable.
	_, err = s.FinishCycle(ctx, cycle.ID, &core.CycleOutcome{Status: core.RewriteTerminal})
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestRecentChildAEOTotalsNewestFirst(t *testing.T) {
	s, ctx := newStore(t)
	writer, blog, v1 := seedBlog(t, s, ctx)

	parent := v1
	for i, total := range []float64{71.0, 72.5, 70.8} {
		cycle, err := s.InsertCycle(ctx, &core.NewCycle{
			ParentVersionID: parent.ID, CycleNumber: i + 1, RewritePrompt: "p",
		})
		require.NoError(t, err)
		child, err := s.AppendVersion(ctx, &core.NewVersion{
			BlogID:               blog.ID,
			Content:              "child content for cycle number " + cycle.ID,
			Source:               core.SourceAIRewrite,
			ParentVersionID:      &parent.ID,
			SourceRewriteCycleID: &cycle.ID,
			CreatedBy:            writer.ID,
		})
		require.NoError(t, err)
		trend := core.TrendStagnant
		_, err = s.FinishCycle(ctx, cycle.ID, &core.CycleOutcome{
			ChildVersionID: &child.ID,
			ChildScores:    &core.ScoreSnapshot{AEOTotal: total},
			TrendOutcome:   &trend,
			Status:         core.RewriteCompleted,
		})
		require.NoError(t, err)
	}

	totals, err := s.RecentChildAEOTotals(ctx, blog.ID, 3)
	require.NoError(t, err)
	require.Len(t, totals, 3)
	assert.Equal(t, 70.8, totals[0])
}

func TestEscalationLifecycle(t *testing.T) {
	s, ctx := newStore(t)
	writer, blog, v1 := seedBlog(t, s, ctx)

	escalated, err := s.IsEscalated(ctx, blog.ID)
	require.NoError(t, err)
	assert.False(t, escalated)

	escalation, err := s.OpenEscalation(ctx, &core.NewEscalation{
		BlogID:    blog.ID,
		VersionID: &v1.ID,
		Reason:    core.EscalationScoreRegression,
		Details:   map[string]any{"aeo_total_drop": 12.5},
	})
	require.NoError(t, err)
	assert.Equal(t, core.EscalationPending, escalation.Status)

	escalated, err = s.IsEscalated(ctx, blog.ID)
	require.NoError(t, err)
	assert.True(t, escalated, "escalated status is derived from open rows")

	resolved, err := s.ResolveEscalation(ctx, escalation.ID, writer.ID, false)
	require.NoError(t, err)
	assert.Equal(t, core.EscalationResolved, resolved.Status)

	escalated, err = s.IsEscalated(ctx, blog.ID)
	require.NoError(t, err)
	assert.False(t, escalated)

	_, err = s.ResolveEscalation(ctx, escalation.ID, writer.ID, true)
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestLatestFinishedRunForBlogOrdersByRunAt(t *testing.T) {
	s, ctx := newStore(t)
	_, _, v1 := seedBlog(t, s, ctx)

	first, err := s.CreateRun(ctx, &core.NewRun{BlogVersionID: v1.ID})
	require.NoError(t, err)
	_, err = s.FinalizeRun(ctx, first.ID, core.RunCompleted)
	require.NoError(t, err)

	second, err := s.CreateRun(ctx, &core.NewRun{BlogVersionID: v1.ID})
	require.NoError(t, err)
	_, err = s.FinalizeRun(ctx, second.ID, core.RunPartialFailure)
	require.NoError(t, err)

	latest, err := s.LatestFinishedRunForBlog(ctx, v1.BlogID, "")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)

	// Excluding the newest run falls back to the prior one.
	latest, err = s.LatestFinishedRunForBlog(ctx, v1.BlogID, second.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, first.ID, latest.ID)
}
