// Package evaluation implements the asynchronous scoring pipeline: one run
// per request, fan-out to the registered scorers, aggregation of partial
// failures and score-regression detection.
package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/scoring"
	"github.com/vitaliisemenov/content-quality/internal/workers"
)

// RegressionThreshold is the drop, in points, that opens an escalation.
const RegressionThreshold = 10.0

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_quality_evaluation_runs_started_total",
		Help: "Evaluation runs created",
	})
	runsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_quality_evaluation_runs_finalized_total",
		Help: "Evaluation runs finalized by status",
	}, []string{"status"})
	scorerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_quality_scorer_outcomes_total",
		Help: "Scorer task outcomes by scorer id and result",
	}, []string{"scorer", "outcome"})
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_quality_scorer_cache_hits_total",
		Help: "Scorer results served from the content-hash cache",
	})
)

// Config holds pipeline configuration.
type Config struct {
	// EnabledDetectors lists scorer ids in execution order. Empty means no
	// scorers run; there are no hidden defaults.
	EnabledDetectors []string
	// ScorerTimeout bounds one scoring unit. Deterministic scorers finish in
	// microseconds; the timeout exists for LLM-backed scorers if registered.
	ScorerTimeout time.Duration
	// ScorerRetries caps scorer task retries. Safe because score writes are
	// check-then-insert.
	ScorerRetries int
	// CacheSize bounds the content-hash result cache. Zero disables caching.
	CacheSize int
}

// Pipeline coordinates evaluation runs.
type Pipeline struct {
	store    core.Storage
	registry *scoring.Registry
	runner   *workers.Runner
	logger   *slog.Logger
	cfg      Config
	cache    *lru.Cache[string, *scoring.Result]
}

// New creates a pipeline. runner may be nil, in which case runs execute
// synchronously in the caller's goroutine (used by tests).
func New(store core.Storage, registry *scoring.Registry, runner *workers.Runner, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScorerTimeout <= 0 {
		cfg.ScorerTimeout = 60 * time.Second
	}
	if cfg.ScorerRetries <= 0 {
		cfg.ScorerRetries = 3
	}

	p := &Pipeline{
		store:    store,
		registry: registry,
		runner:   runner,
		logger:   logger,
		cfg:      cfg,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, *scoring.Result](cfg.CacheSize)
		if err != nil {
			return nil, core.WrapError(core.KindInternal, "pipeline.new", "cache init", err)
		}
		p.cache = cache
	}
	return p, nil
}

// StartEvaluation creates (or returns the already-processing) run for a
// version and hands execution to the workflow runner.
func (p *Pipeline) StartEvaluation(ctx context.Context, versionID string, triggeredBy *string) (*core.EvaluationRun, error) {
	const op = "pipeline.start_evaluation"

	version, err := p.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	// Approved content is not re-evaluated as policy.
	approval, err := p.store.CurrentApproval(ctx, version.BlogID)
	if err != nil {
		return nil, err
	}
	if approval != nil && approval.ApprovedVersionID == versionID {
		return nil, core.NewError(core.KindApprovedContent, op,
			"version is currently approved; evaluation refused")
	}

	// State-based deduplication: one processing run per version.
	if existing, err := p.store.FindProcessingRun(ctx, versionID); err != nil {
		return nil, err
	} else if existing != nil {
		p.logger.Debug("evaluation already processing", "run_id", existing.ID, "version_id", versionID)
		return existing, nil
	}

	run, err := p.store.CreateRun(ctx, &core.NewRun{
		BlogVersionID: versionID,
		TriggeredBy:   triggeredBy,
		ModelConfig:   p.modelConfig(),
	})
	if err != nil {
		return nil, err
	}
	runsStarted.Inc()

	execute := func(taskCtx context.Context) error {
		return p.ExecuteRun(taskCtx, run.ID)
	}
	if p.runner == nil {
		if err := execute(ctx); err != nil {
			return nil, err
		}
		return p.store.GetRun(ctx, run.ID)
	}
	if err := p.runner.Submit(ctx, workers.Task{
		IdempotencyKey: "evaluation:" + run.ID,
		Timeout:        p.cfg.ScorerTimeout * time.Duration(len(p.cfg.EnabledDetectors)+1),
		Run:            execute,
	}); err != nil {
		return nil, err
	}
	return run, nil
}

// EvaluateNow creates a run and executes it in the caller's goroutine,
// bypassing the workflow runner. The rewrite orchestrator uses it because
// trend classification needs the child scores before the cycle closes.
func (p *Pipeline) EvaluateNow(ctx context.Context, versionID string, triggeredBy *string) (*core.EvaluationRun, error) {
	version, err := p.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	approval, err := p.store.CurrentApproval(ctx, version.BlogID)
	if err != nil {
		return nil, err
	}
	if approval != nil && approval.ApprovedVersionID == versionID {
		return nil, core.NewError(core.KindApprovedContent, "pipeline.evaluate_now",
			"version is currently approved; evaluation refused")
	}
	run, err := p.store.FindProcessingRun(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		run, err = p.store.CreateRun(ctx, &core.NewRun{
			BlogVersionID: versionID,
			TriggeredBy:   triggeredBy,
			ModelConfig:   p.modelConfig(),
		})
		if err != nil {
			return nil, err
		}
		runsStarted.Inc()
	}
	if err := p.ExecuteRun(ctx, run.ID); err != nil {
		return nil, err
	}
	return p.store.GetRun(ctx, run.ID)
}

// modelConfig snapshots the scorer configuration frozen onto the run.
func (p *Pipeline) modelConfig() map[string]any {
	versions := make(map[string]any, len(p.cfg.EnabledDetectors))
	for _, id := range p.cfg.EnabledDetectors {
		if meta, err := p.registry.GetMetadata(id); err == nil {
			versions[id] = meta.Version
		}
	}
	return map[string]any{
		"enabled_detectors": append([]string(nil), p.cfg.EnabledDetectors...),
		"scorer_versions":   versions,
	}
}

// ExecuteRun fans out to the configured scorers and finalizes the run. It is
// safe to re-execute after a crash: completed score rows short-circuit and
// an already-finalized run is left untouched.
func (p *Pipeline) ExecuteRun(ctx context.Context, runID string) error {
	const op = "pipeline.execute_run"

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != core.RunProcessing {
		p.logger.Debug("run already finalized", "run_id", runID, "status", run.Status)
		return nil
	}
	version, err := p.store.GetVersion(ctx, run.BlogVersionID)
	if err != nil {
		return err
	}

	scorers, err := p.registry.Active(p.cfg.EnabledDetectors)
	if err != nil {
		_, ferr := p.store.FinalizeRun(ctx, runID, core.RunFailed)
		if ferr != nil {
			p.logger.Error("finalize after config error failed", "run_id", runID, "error", ferr)
		}
		runsFinalized.WithLabelValues(string(core.RunFailed)).Inc()
		return err
	}
	if len(scorers) == 0 {
		if _, err := p.store.FinalizeRun(ctx, runID, core.RunFailed); err != nil {
			return err
		}
		runsFinalized.WithLabelValues(string(core.RunFailed)).Inc()
		return core.NewError(core.KindValidation, op, "no scorers enabled")
	}

	// Fan out. Scorer tasks proceed independently; the fan-in below waits
	// for every task to report success or failure.
	outcomes := make([]error, len(scorers))
	var wg sync.WaitGroup
	for i, scorer := range scorers {
		wg.Add(1)
		go func(i int, scorer scoring.Scorer) {
			defer wg.Done()
			outcomes[i] = p.runScorer(ctx, run, version, scorer)
		}(i, scorer)
	}
	wg.Wait()

	succeeded := 0
	for i, outcome := range outcomes {
		if outcome == nil {
			succeeded++
			scorerOutcomes.WithLabelValues(scorers[i].ID(), "success").Inc()
		} else {
			scorerOutcomes.WithLabelValues(scorers[i].ID(), "failure").Inc()
			p.logger.Warn("scorer failed",
				"run_id", runID,
				"scorer", scorers[i].ID(),
				"error", outcome)
		}
	}

	status := core.RunCompleted
	switch {
	case succeeded == 0:
		status = core.RunFailed
	case succeeded < len(scorers):
		status = core.RunPartialFailure
	}
	if _, err := p.store.FinalizeRun(ctx, runID, status); err != nil {
		if core.IsKind(err, core.KindConflict) {
			return nil
		}
		return err
	}
	runsFinalized.WithLabelValues(string(status)).Inc()
	p.logger.Info("evaluation run finalized",
		"run_id", runID,
		"version_id", version.ID,
		"status", status,
		"scorers", len(scorers),
		"succeeded", succeeded)

	p.detectRegression(ctx, runID, version)
	return nil
}

// runScorer executes one scorer with bounded retries. Idempotent via
// check-then-insert: an existing row for (run_id, provider|query_intent)
// completes the task without a second insert.
func (p *Pipeline) runScorer(ctx context.Context, run *core.EvaluationRun, version *core.Version, scorer scoring.Scorer) error {
	var lastErr error
	delay := 200 * time.Millisecond
	for attempt := 0; attempt <= p.cfg.ScorerRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = p.scoreOnce(ctx, run, version, scorer)
		if lastErr == nil {
			return nil
		}
		if core.IsKind(lastErr, core.KindValidation) || core.IsKind(lastErr, core.KindInternal) {
			// Deterministic failures do not improve on retry.
			return lastErr
		}
	}
	return lastErr
}

func (p *Pipeline) scoreOnce(ctx context.Context, run *core.EvaluationRun, version *core.Version, scorer scoring.Scorer) error {
	cacheKey := scorer.ID() + "\x00" + scorer.Version() + "\x00" + version.ContentHash

	var result *scoring.Result
	if p.cache != nil {
		if cached, ok := p.cache.Get(cacheKey); ok {
			cacheHits.Inc()
			result = cached
		}
	}
	if result == nil {
		scoreCtx, cancel := context.WithTimeout(ctx, p.cfg.ScorerTimeout)
		defer cancel()
		var err error
		result, err = scorer.Score(scoreCtx, version.Content)
		if err != nil {
			return err
		}
		if p.cache != nil {
			p.cache.Add(cacheKey, result)
		}
	}

	switch result.Kind {
	case scoring.KindDetector:
		existing, err := p.store.GetDetectorScore(ctx, run.ID, result.Provider)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		_, err = p.store.InsertDetectorScore(ctx, &core.DetectorScore{
			RunID:    run.ID,
			Provider: result.Provider,
			Score:    result.Score,
			Details: core.DetectorDetails{
				ModelVersion: result.ModelVersion,
				RawResponse:  result.Raw,
				Timestamp:    result.Timestamp,
			},
		})
		if core.IsKind(err, core.KindConflict) {
			// A concurrent retry won the insert; ours is complete.
			return nil
		}
		return err
	case scoring.KindAEO:
		existing, err := p.store.GetAEOScore(ctx, run.ID, result.QueryIntent)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		_, err = p.store.InsertAEOScore(ctx, &core.AEOScore{
			RunID:       run.ID,
			QueryIntent: result.QueryIntent,
			Score:       result.Score,
			Rationale:   result.Rationale,
		})
		if core.IsKind(err, core.KindConflict) {
			return nil
		}
		return err
	default:
		return core.NewError(core.KindInternal, "pipeline.score",
			fmt.Sprintf("scorer %s returned unknown kind %q", scorer.ID(), result.Kind))
	}
}

// Aggregates summarizes a run's score rows for trigger evaluation and
// regression comparison. The detector total is the mean across providers.
func (p *Pipeline) Aggregates(ctx context.Context, runID string) (*core.ScoreSnapshot, error) {
	detectors, err := p.store.ListDetectorScores(ctx, runID)
	if err != nil {
		return nil, err
	}
	aeoScores, err := p.store.ListAEOScores(ctx, runID)
	if err != nil {
		return nil, err
	}

	snapshot := &core.ScoreSnapshot{
		Categories:    make(map[string]float64),
		ModelVersions: make(map[string]string),
	}
	if len(detectors) > 0 {
		var sum float64
		for _, d := range detectors {
			sum += d.Score
			snapshot.ModelVersions[d.Provider] = d.Details.ModelVersion
			mergeSubscores(snapshot.Categories, d.Details.RawResponse)
		}
		snapshot.AILikenessTotal = sum / float64(len(detectors))
	}
	for _, a := range aeoScores {
		// The general intent carries the headline AEO total.
		snapshot.AEOTotal = a.Score
		break
	}
	return snapshot, nil
}

// mergeSubscores lifts per-category scores out of the stored raw response.
func mergeSubscores(into map[string]float64, raw map[string]any) {
	subscores, ok := raw["subscores"].(map[string]any)
	if !ok {
		return
	}
	for category, value := range subscores {
		sub, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if score, ok := toFloat(sub["score"]); ok {
			into[category] = score
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// detectRegression compares the finalized run against the most recent prior
// finished run of the same blog and opens an escalation when an aggregate
// drops by more than the threshold on an unapproved blog.
func (p *Pipeline) detectRegression(ctx context.Context, runID string, version *core.Version) {
	prior, err := p.store.LatestFinishedRunForBlog(ctx, version.BlogID, runID)
	if err != nil {
		p.logger.Error("regression lookup failed", "run_id", runID, "error", err)
		return
	}
	if prior == nil {
		return
	}

	current, err := p.Aggregates(ctx, runID)
	if err != nil {
		p.logger.Error("regression aggregate failed", "run_id", runID, "error", err)
		return
	}
	previous, err := p.Aggregates(ctx, prior.ID)
	if err != nil {
		p.logger.Error("regression aggregate failed", "run_id", prior.ID, "error", err)
		return
	}

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		p.logger.Error("regression run fetch failed", "run_id", runID, "error", err)
		return
	}

	drops := map[string]float64{}
	if versionsMatch(run.ModelConfig, prior.ModelConfig, "aeo") {
		if delta := previous.AEOTotal - current.AEOTotal; delta > RegressionThreshold {
			drops["aeo_total"] = delta
		}
	} else {
		p.logger.Warn("aeo model version mismatch; metric skipped",
			"run_id", runID, "prior_run_id", prior.ID)
	}
	if detectorVersionsMatch(current, previous) {
		// Higher AI-likeness is worse, so a rise is the regression.
		if delta := current.AILikenessTotal - previous.AILikenessTotal; delta > RegressionThreshold {
			drops["ai_likeness_total"] = delta
		}
	} else {
		p.logger.Warn("detector model version mismatch; metric skipped",
			"run_id", runID, "prior_run_id", prior.ID)
	}
	if len(drops) == 0 {
		return
	}

	approval, err := p.store.CurrentApproval(ctx, version.BlogID)
	if err != nil {
		p.logger.Error("regression approval check failed", "run_id", runID, "error", err)
		return
	}
	if approval != nil {
		// Human override governs; approved blogs are not escalated.
		return
	}

	details := map[string]any{
		"run_id":       runID,
		"prior_run_id": prior.ID,
	}
	for metric, delta := range drops {
		details[metric+"_drop"] = delta
	}
	if _, err := p.store.OpenEscalation(ctx, &core.NewEscalation{
		BlogID:    version.BlogID,
		VersionID: &version.ID,
		Reason:    core.EscalationScoreRegression,
		Details:   details,
	}); err != nil {
		p.logger.Error("regression escalation failed", "run_id", runID, "error", err)
		return
	}
	p.logger.Warn("score regression escalated",
		"run_id", runID,
		"blog_id", version.BlogID,
		"drops", fmt.Sprintf("%v", drops))
}

// versionsMatch compares one scorer's version between two run snapshots.
func versionsMatch(a, b map[string]any, scorerID string) bool {
	av, aok := scorerVersion(a, scorerID)
	bv, bok := scorerVersion(b, scorerID)
	return aok && bok && av == bv
}

func scorerVersion(cfg map[string]any, scorerID string) (string, bool) {
	if cfg == nil {
		return "", false
	}
	versions, ok := cfg["scorer_versions"].(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := versions[scorerID].(string)
	return v, ok
}

func detectorVersionsMatch(current, previous *core.ScoreSnapshot) bool {
	if len(current.ModelVersions) == 0 || len(previous.ModelVersions) == 0 {
		return false
	}
	for provider, version := range current.ModelVersions {
		prior, ok := previous.ModelVersions[provider]
		if !ok || prior != version {
			return false
		}
	}
	return true
}
