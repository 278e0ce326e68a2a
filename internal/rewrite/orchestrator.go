// Package rewrite implements the deterministic rewrite orchestrator: trigger
// evaluation, canonical prompt construction, the bounded external rewrite
// call, trend classification and loop-breaking.
package rewrite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/evaluation"
	"github.com/vitaliisemenov/content-quality/internal/platform/lock"
	"github.com/vitaliisemenov/content-quality/internal/scoring/aeo"
	"github.com/vitaliisemenov/content-quality/internal/workers"
)

// Stop reasons recorded on terminal cycles.
const (
	StopApprovedContent   = "approved_content"
	StopCapExceeded       = "cap_exceeded"
	StopMaxCyclesReached  = "max_cycles_reached"
	StopNoImprovement     = "no_improvement"
	StopQualityDegraded   = "quality_degradation"
	StopOscillation       = "oscillation_detected"
	StopRewriterTimeout   = "timeout"
	StopRewriterError     = "rewriter_error"
	StopEscalationPending = "escalation_pending"
)

// Loop-breaking constants.
const (
	// MaxCyclesPerParent is the S1 bound on cycles for one parent version.
	MaxCyclesPerParent = 3
	// OscillationWindow is how many recent child totals S4 inspects.
	OscillationWindow = 3
	// OscillationSpan is the S4 minimum spread across the window.
	OscillationSpan = 3.0
)

var (
	cyclesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_quality_rewrite_cycles_started_total",
		Help: "Rewrite cycles inserted",
	})
	cyclesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_quality_rewrite_cycles_finished_total",
		Help: "Rewrite cycles finished by status and stop reason",
	}, []string{"status", "stop_reason"})
	rewriterDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "content_quality_rewriter_call_duration_seconds",
		Help:    "External rewriter call duration",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

// Config holds orchestrator configuration.
type Config struct {
	// MaxCyclesPerBlog caps total rewrite cycles across a blog's history.
	MaxCyclesPerBlog int
	// RewriterTimeout bounds the external generate call.
	RewriterTimeout time.Duration
	// SystemActorID attributes appended versions; the child evaluation run
	// carries the caller's triggeredBy.
	SystemActorID string
}

// Orchestrator runs bounded rewrite cycles against the content store.
type Orchestrator struct {
	store    core.Storage
	pipeline *evaluation.Pipeline
	rewriter core.Rewriter
	runner   *workers.Runner
	locks    *lock.Manager
	logger   *slog.Logger
	cfg      Config
}

// New creates an orchestrator. runner may be nil for synchronous use; locks
// may be nil outside multi-replica deployments.
func New(store core.Storage, pipeline *evaluation.Pipeline, rewriter core.Rewriter,
	runner *workers.Runner, locks *lock.Manager, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxCyclesPerBlog <= 0 {
		cfg.MaxCyclesPerBlog = 10
	}
	if cfg.RewriterTimeout <= 0 {
		cfg.RewriterTimeout = 120 * time.Second
	}
	if locks == nil {
		locks = lock.NewManager(nil, lock.DefaultConfig(), logger)
	}
	return &Orchestrator{
		store:    store,
		pipeline: pipeline,
		rewriter: rewriter,
		runner:   runner,
		locks:    locks,
		logger:   logger,
		cfg:      cfg,
	}
}

// Enqueue submits the full rewrite sequence to the workflow runner. Rewrite
// tasks retry at most once because they are not idempotent by design.
func (o *Orchestrator) Enqueue(ctx context.Context, versionID string, triggeredBy *string) error {
	if o.runner == nil {
		_, err := o.Orchestrate(ctx, versionID, triggeredBy)
		return err
	}
	return o.runner.Submit(ctx, workers.Task{
		IdempotencyKey: "rewrite:" + versionID,
		MaxRetries:     1,
		Timeout:        o.cfg.RewriterTimeout + 30*time.Second,
		Run: func(taskCtx context.Context) error {
			_, err := o.Orchestrate(taskCtx, versionID, triggeredBy)
			return err
		},
	})
}

// Orchestrate runs one rewrite cycle for the parent version. It returns
// (nil, nil) when no trigger fires. Approval and cap checks run inside this
// sequence immediately before side effects, so a decision made while the
// task sat in the queue cannot be stale.
func (o *Orchestrator) Orchestrate(ctx context.Context, versionID string, triggeredBy *string) (*core.RewriteCycle, error) {
	const op = "orchestrator.rewrite"

	parent, err := o.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	run, err := o.store.LatestFinishedRunForVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, core.NewError(core.KindValidation, op,
			"no finished evaluation run for version; evaluate first")
	}

	inputs, snapshot, err := o.triggerInputs(ctx, run, parent)
	if err != nil {
		return nil, err
	}
	triggers := Evaluate(inputs)
	if len(triggers) == 0 {
		o.logger.Info("no_rewrite_required",
			"version_id", versionID,
			"run_id", run.ID,
			"aeo_total", snapshot.AEOTotal,
			"ai_likeness_total", snapshot.AILikenessTotal)
		return nil, nil
	}

	prompt := BuildPrompt(parent.Content, triggers)

	// TOCTOU re-check: the blog may have been approved while queued.
	approval, err := o.store.CurrentApproval(ctx, parent.BlogID)
	if err != nil {
		return nil, err
	}
	if approval != nil {
		return o.refuse(ctx, parent, triggers, prompt, snapshot, StopApprovedContent,
			core.NewError(core.KindApprovedContent, op, "blog is approved; rewrite refused"))
	}

	// An open escalation is an automation hard-stop.
	escalated, err := o.store.IsEscalated(ctx, parent.BlogID)
	if err != nil {
		return nil, err
	}
	if escalated {
		return o.refuse(ctx, parent, triggers, prompt, snapshot, StopEscalationPending,
			core.NewError(core.KindInvalidState, op, "blog has an open escalation; rewrite refused"))
	}

	// Cap re-check: defense in depth against direct task invocation.
	blogCycles, err := o.store.CountCyclesForBlog(ctx, parent.BlogID)
	if err != nil {
		return nil, err
	}
	if blogCycles >= o.cfg.MaxCyclesPerBlog {
		return o.refuse(ctx, parent, triggers, prompt, snapshot, StopCapExceeded,
			core.NewError(core.KindCapExceeded, op,
				fmt.Sprintf("blog rewrite cap reached (%d)", o.cfg.MaxCyclesPerBlog)))
	}

	priorCycles, err := o.store.ListCyclesForParent(ctx, versionID)
	if err != nil {
		return nil, err
	}
	nextNumber := 1
	for _, cycle := range priorCycles {
		if cycle.CycleNumber >= nextNumber {
			nextNumber = cycle.CycleNumber + 1
		}
	}
	if nextNumber > MaxCyclesPerParent {
		return o.refuse(ctx, parent, triggers, prompt, snapshot, StopMaxCyclesReached,
			core.NewError(core.KindCapExceeded, op,
				fmt.Sprintf("parent already has %d cycles", nextNumber-1)))
	}
	if stop, kind := o.loopBreak(ctx, parent.BlogID); stop != "" {
		return o.refuse(ctx, parent, triggers, prompt, snapshot, stop,
			core.NewError(kind, op, "loop break: "+stop))
	}

	// One pending cycle per parent at a time. The unique constraint on
	// (parent_version_id, cycle_number) backs this up under races.
	held, err := o.locks.Acquire(ctx, "rewrite:"+versionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := held.Release(context.WithoutCancel(ctx)); rerr != nil {
			o.logger.Warn("lock release failed", "version_id", versionID, "error", rerr)
		}
	}()

	cycle, err := o.store.InsertCycle(ctx, &core.NewCycle{
		ParentVersionID: versionID,
		CycleNumber:     nextNumber,
		TriggerReasons:  Reasons(triggers),
		TriggerData:     Data(triggers),
		RewritePrompt:   prompt,
		ParentScores:    snapshot,
	})
	if err != nil {
		return nil, err
	}
	cyclesStarted.Inc()
	o.logger.Info("rewrite cycle started",
		"cycle_id", cycle.ID,
		"version_id", versionID,
		"cycle_number", nextNumber,
		"triggers", len(triggers))

	rewritten, err := o.generate(ctx, prompt)
	if err != nil {
		stopReason := StopRewriterError
		if core.IsKind(err, core.KindTimeout) {
			stopReason = StopRewriterTimeout
		}
		o.terminate(ctx, cycle.ID, stopReason)
		return nil, err
	}

	reason := fmt.Sprintf("automated rewrite cycle %d", nextNumber)
	child, err := o.store.AppendVersion(ctx, &core.NewVersion{
		BlogID:               parent.BlogID,
		Content:              rewritten,
		Source:               core.SourceAIRewrite,
		ParentVersionID:      &parent.ID,
		ChangeReason:         &reason,
		SourceRewriteCycleID: &cycle.ID,
		CreatedBy:            o.cfg.SystemActorID,
	})
	if err != nil {
		o.terminate(ctx, cycle.ID, StopRewriterError)
		return nil, err
	}

	childRun, err := o.pipeline.EvaluateNow(ctx, child.ID, triggeredBy)
	if err != nil {
		o.terminate(ctx, cycle.ID, StopRewriterError)
		return nil, err
	}
	childSnapshot, err := o.pipeline.Aggregates(ctx, childRun.ID)
	if err != nil {
		o.terminate(ctx, cycle.ID, StopRewriterError)
		return nil, err
	}

	trend := ClassifyTrend(snapshot, childSnapshot)
	outcome := &core.CycleOutcome{
		ChildVersionID: &child.ID,
		ChildScores:    childSnapshot,
		TrendOutcome:   &trend,
		Status:         core.RewriteCompleted,
	}
	finished, err := o.store.FinishCycle(ctx, cycle.ID, outcome)
	if err != nil {
		return nil, err
	}
	cyclesFinished.WithLabelValues(string(core.RewriteCompleted), "").Inc()
	o.logger.Info("rewrite cycle completed",
		"cycle_id", cycle.ID,
		"child_version_id", child.ID,
		"trend", trend,
		"parent_aeo", snapshot.AEOTotal,
		"child_aeo", childSnapshot.AEOTotal)
	return finished, nil
}

// triggerInputs assembles trigger evaluation inputs from the run's stored
// rows. Pillar detail is recomputed from the parent content; the rubric is
// pure, so the values are identical to those behind the stored total.
func (o *Orchestrator) triggerInputs(ctx context.Context, run *core.EvaluationRun, parent *core.Version) (Inputs, *core.ScoreSnapshot, error) {
	snapshot, err := o.pipeline.Aggregates(ctx, run.ID)
	if err != nil {
		return Inputs{}, nil, err
	}

	aeoRows, err := o.store.ListAEOScores(ctx, run.ID)
	if err != nil {
		return Inputs{}, nil, err
	}
	detectorRows, err := o.store.ListDetectorScores(ctx, run.ID)
	if err != nil {
		return Inputs{}, nil, err
	}

	pillars := make(map[string]float64)
	aeoEvaluable := len(aeoRows) > 0
	if aeoEvaluable {
		if result, err := aeo.Score(parent.Content); err == nil {
			for id, pillar := range result.Pillars {
				pillars[id] = pillar.Score
			}
		}
	}

	inputs := Inputs{
		Snapshot:     snapshot,
		Pillars:      pillars,
		AEOEvaluable: aeoEvaluable,
		AIEvaluable:  len(detectorRows) > 0,
	}
	return inputs, snapshot, nil
}

// loopBreak applies S2 (two consecutive stagnant), S3 (regressing) and S4
// (oscillation) against the blog's completed cycle history.
func (o *Orchestrator) loopBreak(ctx context.Context, blogID string) (string, core.ErrorKind) {
	totals, err := o.store.RecentChildAEOTotals(ctx, blogID, OscillationWindow)
	if err != nil {
		o.logger.Error("loop-break history lookup failed", "blog_id", blogID, "error", err)
		return "", ""
	}
	trends, err := o.recentTrends(ctx, blogID, 2)
	if err != nil {
		o.logger.Error("loop-break trend lookup failed", "blog_id", blogID, "error", err)
		return "", ""
	}

	if len(trends) >= 1 && trends[0] == core.TrendRegressing {
		return StopQualityDegraded, core.KindInvalidState
	}
	if len(trends) >= 2 && trends[0] == core.TrendStagnant && trends[1] == core.TrendStagnant {
		return StopNoImprovement, core.KindInvalidState
	}
	if len(totals) >= OscillationWindow {
		min, max := totals[0], totals[0]
		for _, t := range totals[1:] {
			if t < min {
				min = t
			}
			if t > max {
				max = t
			}
		}
		if max-min < OscillationSpan {
			return StopOscillation, core.KindInvalidState
		}
	}
	return "", ""
}

// recentTrends returns the newest trend outcomes of the blog's completed
// cycles, newest first.
func (o *Orchestrator) recentTrends(ctx context.Context, blogID string, limit int) ([]core.TrendOutcome, error) {
	versions, err := o.store.ListVersions(ctx, blogID)
	if err != nil {
		return nil, err
	}
	type dated struct {
		at    time.Time
		trend core.TrendOutcome
	}
	var all []dated
	for _, version := range versions {
		cycles, err := o.store.ListCyclesForParent(ctx, version.ID)
		if err != nil {
			return nil, err
		}
		for _, cycle := range cycles {
			if cycle.RewriteStatus == core.RewriteCompleted && cycle.TrendOutcome != nil {
				all = append(all, dated{at: cycle.CreatedAt, trend: *cycle.TrendOutcome})
			}
		}
	}
	// Newest first.
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].at.After(all[i].at) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if len(all) > limit {
		all = all[:limit]
	}
	trends := make([]core.TrendOutcome, 0, len(all))
	for _, d := range all {
		trends = append(trends, d.trend)
	}
	return trends, nil
}

// refuse records a terminal cycle carrying the stop reason, then surfaces
// the refusal to the caller.
func (o *Orchestrator) refuse(ctx context.Context, parent *core.Version, triggers []Trigger,
	prompt string, snapshot *core.ScoreSnapshot, stopReason string, cause error) (*core.RewriteCycle, error) {

	priorCycles, err := o.store.ListCyclesForParent(ctx, parent.ID)
	if err != nil {
		return nil, cause
	}
	nextNumber := 1
	for _, cycle := range priorCycles {
		if cycle.CycleNumber >= nextNumber {
			nextNumber = cycle.CycleNumber + 1
		}
	}

	cycle, err := o.store.InsertCycle(ctx, &core.NewCycle{
		ParentVersionID: parent.ID,
		CycleNumber:     nextNumber,
		TriggerReasons:  Reasons(triggers),
		TriggerData:     Data(triggers),
		RewritePrompt:   prompt,
		ParentScores:    snapshot,
	})
	if err != nil {
		o.logger.Error("terminal cycle insert failed",
			"version_id", parent.ID, "stop_reason", stopReason, "error", err)
		return nil, cause
	}
	reason := stopReason
	if _, err := o.store.FinishCycle(ctx, cycle.ID, &core.CycleOutcome{
		Status:     core.RewriteTerminal,
		StopReason: &reason,
	}); err != nil {
		o.logger.Error("terminal cycle finish failed", "cycle_id", cycle.ID, "error", err)
	}
	cyclesFinished.WithLabelValues(string(core.RewriteTerminal), stopReason).Inc()
	o.logger.Warn("rewrite refused",
		"version_id", parent.ID,
		"cycle_id", cycle.ID,
		"stop_reason", stopReason)
	return nil, cause
}

// terminate marks a pending cycle terminal after an execution failure.
func (o *Orchestrator) terminate(ctx context.Context, cycleID, stopReason string) {
	reason := stopReason
	if _, err := o.store.FinishCycle(context.WithoutCancel(ctx), cycleID, &core.CycleOutcome{
		Status:     core.RewriteTerminal,
		StopReason: &reason,
	}); err != nil {
		o.logger.Error("cycle terminate failed", "cycle_id", cycleID, "error", err)
		return
	}
	cyclesFinished.WithLabelValues(string(core.RewriteTerminal), stopReason).Inc()
}

// generate calls the external rewriter with the configured timeout.
func (o *Orchestrator) generate(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RewriterTimeout)
	defer cancel()

	start := time.Now()
	content, err := o.rewriter.Generate(callCtx, prompt)
	rewriterDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "", core.WrapError(core.KindTimeout, "orchestrator.rewrite", "rewriter timed out", err)
		}
		return "", err
	}
	return content, nil
}
