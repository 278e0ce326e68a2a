// Package review implements the human review state machine: timer-gated
// approval and rejection, human verification, rubber-stamp auditing,
// co-signature gating, overrides and escalation rules.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_quality_approval_attempts_total",
		Help: "Approval attempts by result",
	}, []string{"result"})
	fastApprovals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_quality_fast_approvals_total",
		Help: "Approvals granted within the fast-approval threshold",
	})
)

// Config holds review configuration.
type Config struct {
	// MinReviewDuration gates approve/reject after entering review.
	MinReviewDuration time.Duration
	// FastApprovalThreshold marks rubber-stamp approvals for audit.
	FastApprovalThreshold time.Duration
	// CosignWindow and CosignLimit drive the co-signature gate.
	CosignWindow time.Duration
	CosignLimit  int
	// MaxReviewCycles is the per-blog submit-for-review budget; exceeding it
	// opens an escalation without blocking the review.
	MaxReviewCycles int
	// RejectionWindow and RejectionLimit trigger reviewer reassignment.
	RejectionWindow time.Duration
	RejectionLimit  int
	// StaleReviewAge auto-archives versions stuck in review.
	StaleReviewAge time.Duration
	// MinRationaleLength applies to approve and reject rationales.
	MinRationaleLength int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinReviewDuration:     300 * time.Second,
		FastApprovalThreshold: 30 * time.Second,
		CosignWindow:          24 * time.Hour,
		CosignLimit:           3,
		MaxReviewCycles:       5,
		RejectionWindow:       7 * 24 * time.Hour,
		RejectionLimit:        3,
		StaleReviewAge:        7 * 24 * time.Hour,
		MinRationaleLength:    20,
	}
}

// Eligibility is the authoritative approve/reject snapshot returned to
// callers; transports must not recompute it.
type Eligibility struct {
	State              core.ReviewState `json:"state"`
	CanApproveOrReject bool             `json:"can_approve_or_reject"`
	RemainingSeconds   int64            `json:"remaining_seconds"`
}

// Service drives the review state machine on top of the content store.
type Service struct {
	store  core.Storage
	clock  core.Clock
	logger *slog.Logger
	cfg    Config
}

// NewService creates a review service.
func NewService(store core.Storage, cfg Config, clock core.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	defaults := DefaultConfig()
	if cfg.MinReviewDuration <= 0 {
		cfg.MinReviewDuration = defaults.MinReviewDuration
	}
	if cfg.FastApprovalThreshold <= 0 {
		cfg.FastApprovalThreshold = defaults.FastApprovalThreshold
	}
	if cfg.CosignWindow <= 0 {
		cfg.CosignWindow = defaults.CosignWindow
	}
	if cfg.CosignLimit <= 0 {
		cfg.CosignLimit = defaults.CosignLimit
	}
	if cfg.MaxReviewCycles <= 0 {
		cfg.MaxReviewCycles = defaults.MaxReviewCycles
	}
	if cfg.RejectionWindow <= 0 {
		cfg.RejectionWindow = defaults.RejectionWindow
	}
	if cfg.RejectionLimit <= 0 {
		cfg.RejectionLimit = defaults.RejectionLimit
	}
	if cfg.StaleReviewAge <= 0 {
		cfg.StaleReviewAge = defaults.StaleReviewAge
	}
	if cfg.MinRationaleLength <= 0 {
		cfg.MinRationaleLength = defaults.MinRationaleLength
	}
	return &Service{store: store, clock: clock, logger: logger, cfg: cfg}
}

// StartReview moves a draft version into review and starts its clock.
// Exceeding the per-blog review-cycle budget opens an escalation.
func (s *Service) StartReview(ctx context.Context, versionID, actorID string) (*core.VersionReviewState, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	state, err := s.store.TransitionReview(ctx, versionID, core.StateDraft, core.StateInReview)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.LogReviewAction(ctx, &core.HumanReviewAction{
		BlogID:     version.BlogID,
		VersionID:  versionID,
		ReviewerID: actorID,
		Action:     core.ActionSubmitForReview,
	}); err != nil {
		s.logger.Error("review action log failed", "version_id", versionID, "error", err)
	}

	cycles, err := s.store.CountReviewCycles(ctx, version.BlogID)
	if err != nil {
		s.logger.Error("review cycle count failed", "blog_id", version.BlogID, "error", err)
		return state, nil
	}
	if cycles > s.cfg.MaxReviewCycles {
		if _, err := s.store.OpenEscalation(ctx, &core.NewEscalation{
			BlogID:    version.BlogID,
			VersionID: &versionID,
			Reason:    core.EscalationLowQuality,
			Details: map[string]any{
				"review_cycles": cycles,
				"limit":         s.cfg.MaxReviewCycles,
			},
		}); err != nil {
			s.logger.Error("review cycle escalation failed", "blog_id", version.BlogID, "error", err)
		} else {
			s.logger.Warn("review cycle budget exceeded",
				"blog_id", version.BlogID, "cycles", cycles)
		}
	}
	return state, nil
}

// Eligibility reports whether approve/reject is currently allowed and how
// many timer seconds remain.
func (s *Service) Eligibility(ctx context.Context, versionID string) (*Eligibility, error) {
	state, err := s.store.GetReviewState(ctx, versionID)
	if err != nil {
		return nil, err
	}
	out := &Eligibility{State: state.State}
	if state.State != core.StateInReview || state.ReviewStartedAt == nil {
		return out, nil
	}
	elapsed := s.clock.Now().Sub(*state.ReviewStartedAt)
	if elapsed >= s.cfg.MinReviewDuration {
		out.CanApproveOrReject = true
		return out, nil
	}
	out.RemainingSeconds = int64((s.cfg.MinReviewDuration - elapsed).Seconds())
	if out.RemainingSeconds == 0 {
		out.RemainingSeconds = 1
	}
	return out, nil
}

// Approve applies the full approval gauntlet and records the approval.
// Every attempt, failed or not, lands one ApprovalAttempt row with its
// final result.
func (s *Service) Approve(ctx context.Context, versionID, reviewerID, rationale string) (*core.ApprovalState, error) {
	const op = "review.approve"

	version, reviewer, failErr := s.precheck(ctx, op, versionID, reviewerID, rationale)
	if failErr != nil {
		return nil, failErr
	}
	blogID := version.BlogID
	now := s.clock.Now()

	// Rubber-stamp detection runs before the insert so the notes land on
	// the approval row itself.
	var notes *string
	fast := now.Sub(version.CreatedAt) < s.cfg.FastApprovalThreshold
	if fast {
		n := "fast approval"
		notes = &n
	}

	// Co-signature gate: repeat fast approvers need a senior alongside.
	if fast {
		count, err := s.store.CountFastApprovals(ctx, reviewerID, now.Add(-s.cfg.CosignWindow))
		if err != nil {
			return nil, err
		}
		if count >= s.cfg.CosignLimit && reviewer.Role != core.RoleAdmin {
			reason := "cosign_required"
			s.logAttempt(ctx, blogID, &versionID, reviewerID, reviewer.IsHuman, core.AttemptForbidden, &reason)
			return nil, core.NewError(core.KindForbidden, op,
				"co-signature required: too many fast approvals in window")
		}
	}

	state, err := s.store.GetReviewState(ctx, versionID)
	if err != nil {
		return nil, err
	}
	duration := 0.0
	if state.ReviewStartedAt != nil {
		duration = now.Sub(*state.ReviewStartedAt).Seconds()
	}

	if _, err := s.store.TransitionReview(ctx, versionID, core.StateInReview, core.StateApproved); err != nil {
		reason := core.ReasonOf(err)
		s.logAttempt(ctx, blogID, &versionID, reviewerID, reviewer.IsHuman, core.AttemptInvalidState, &reason)
		return nil, err
	}

	approval, err := s.store.RecordApproval(ctx, &core.NewApproval{
		BlogID:                blogID,
		VersionID:             versionID,
		ApproverID:            reviewerID,
		Notes:                 notes,
		ReviewDurationSeconds: &duration,
	})
	if err != nil {
		reason := core.ReasonOf(err)
		s.logAttempt(ctx, blogID, &versionID, reviewerID, reviewer.IsHuman, attemptResultFor(err), &reason)
		return nil, err
	}

	s.logAttempt(ctx, blogID, &versionID, reviewerID, reviewer.IsHuman, core.AttemptSuccess, nil)
	if _, err := s.store.LogReviewAction(ctx, &core.HumanReviewAction{
		BlogID:     blogID,
		VersionID:  versionID,
		ReviewerID: reviewerID,
		Action:     core.ActionApproveIntent,
		Comments:   &rationale,
	}); err != nil {
		s.logger.Error("review action log failed", "version_id", versionID, "error", err)
	}
	if fast {
		fastApprovals.Inc()
		note := fmt.Sprintf("approved %.0fs after version creation", now.Sub(version.CreatedAt).Seconds())
		if _, err := s.store.LogReviewAction(ctx, &core.HumanReviewAction{
			BlogID:     blogID,
			VersionID:  versionID,
			ReviewerID: reviewerID,
			Action:     core.ActionFastApproval,
			Comments:   &note,
		}); err != nil {
			s.logger.Error("fast approval audit failed", "version_id", versionID, "error", err)
		}
	}

	s.logger.Info("version approved",
		"version_id", versionID,
		"blog_id", blogID,
		"reviewer_id", reviewerID,
		"review_duration_seconds", duration,
		"fast", fast)
	return approval, nil
}

// Reject is the terminal counterpart of Approve for the same gauntlet.
func (s *Service) Reject(ctx context.Context, versionID, reviewerID, rationale string) (*core.VersionReviewState, error) {
	const op = "review.reject"

	version, reviewer, failErr := s.precheck(ctx, op, versionID, reviewerID, rationale)
	if failErr != nil {
		return nil, failErr
	}
	blogID := version.BlogID

	state, err := s.store.TransitionReview(ctx, versionID, core.StateInReview, core.StateRejected)
	if err != nil {
		reason := core.ReasonOf(err)
		s.logAttempt(ctx, blogID, &versionID, reviewerID, reviewer.IsHuman, core.AttemptInvalidState, &reason)
		return nil, err
	}

	s.logAttempt(ctx, blogID, &versionID, reviewerID, reviewer.IsHuman, core.AttemptSuccess, nil)
	if _, err := s.store.LogReviewAction(ctx, &core.HumanReviewAction{
		BlogID:     blogID,
		VersionID:  versionID,
		ReviewerID: reviewerID,
		Action:     core.ActionReject,
		Comments:   &rationale,
	}); err != nil {
		s.logger.Error("review action log failed", "version_id", versionID, "error", err)
	}

	// Repeat rejections by one reviewer suggest the pairing is stuck.
	count, err := s.store.CountRejectionsBy(ctx, blogID, reviewerID, s.clock.Now().Add(-s.cfg.RejectionWindow))
	if err != nil {
		s.logger.Error("rejection count failed", "blog_id", blogID, "error", err)
	} else if count >= s.cfg.RejectionLimit {
		if _, err := s.store.OpenEscalation(ctx, &core.NewEscalation{
			BlogID:    blogID,
			VersionID: &versionID,
			Reason:    core.EscalationAmbiguity,
			Details: map[string]any{
				"reviewer_id": reviewerID,
				"rejections":  count,
				"action":      "reassign reviewer",
			},
		}); err != nil {
			s.logger.Error("rejection escalation failed", "blog_id", blogID, "error", err)
		}
	}

	s.logger.Info("version rejected",
		"version_id", versionID,
		"blog_id", blogID,
		"reviewer_id", reviewerID)
	return state, nil
}

// RequestOverride records an override approval. Justification and risk note
// are both mandatory and immutable once logged.
func (s *Service) RequestOverride(ctx context.Context, versionID, reviewerID, justification, riskNote string) (*core.ApprovalState, error) {
	const op = "review.request_override"
	if strings.TrimSpace(justification) == "" {
		return nil, core.NewError(core.KindValidation, op, "justification is required")
	}
	if strings.TrimSpace(riskNote) == "" {
		return nil, core.NewError(core.KindValidation, op, "risk_acceptance_note is required")
	}

	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	reviewer, err := s.store.GetActor(ctx, reviewerID)
	if err != nil {
		return nil, err
	}
	if !reviewer.IsHuman {
		reason := core.ErrNotHuman.Error()
		s.logAttempt(ctx, version.BlogID, &versionID, reviewerID, false, core.AttemptForbidden, &reason)
		return nil, core.WrapError(core.KindForbidden, op, "reviewer", core.ErrNotHuman)
	}

	state, err := s.store.GetReviewState(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if state.State == core.StateInReview {
		if _, err := s.store.TransitionReview(ctx, versionID, core.StateInReview, core.StateApproved); err != nil {
			return nil, err
		}
	}

	notes := "override: " + justification
	approval, err := s.store.RecordApproval(ctx, &core.NewApproval{
		BlogID:     version.BlogID,
		VersionID:  versionID,
		ApproverID: reviewerID,
		Notes:      &notes,
	})
	if err != nil {
		reason := core.ReasonOf(err)
		s.logAttempt(ctx, version.BlogID, &versionID, reviewerID, true, attemptResultFor(err), &reason)
		return nil, err
	}

	s.logAttempt(ctx, version.BlogID, &versionID, reviewerID, true, core.AttemptSuccess, nil)
	comments := "justification: " + justification + " | risk: " + riskNote
	if _, err := s.store.LogReviewAction(ctx, &core.HumanReviewAction{
		BlogID:     version.BlogID,
		VersionID:  versionID,
		ReviewerID: reviewerID,
		Action:     core.ActionOverride,
		Comments:   &comments,
		IsOverride: true,
	}); err != nil {
		s.logger.Error("override action log failed", "version_id", versionID, "error", err)
	}
	s.logger.Warn("override approval recorded",
		"version_id", versionID,
		"reviewer_id", reviewerID)
	return approval, nil
}

// Comment logs a non-transitioning review comment.
func (s *Service) Comment(ctx context.Context, versionID, reviewerID, comment string) (*core.HumanReviewAction, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return s.store.LogReviewAction(ctx, &core.HumanReviewAction{
		BlogID:     version.BlogID,
		VersionID:  versionID,
		ReviewerID: reviewerID,
		Action:     core.ActionComment,
		Comments:   &comment,
	})
}

// RequestChanges logs a request-changes event without a state transition.
func (s *Service) RequestChanges(ctx context.Context, versionID, reviewerID, comment string) (*core.HumanReviewAction, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return s.store.LogReviewAction(ctx, &core.HumanReviewAction{
		BlogID:     version.BlogID,
		VersionID:  versionID,
		ReviewerID: reviewerID,
		Action:     core.ActionRequestChanges,
		Comments:   &comment,
	})
}

// ArchiveStale sweeps versions stuck in review past the configured age into
// archived. Returns how many versions were archived.
func (s *Service) ArchiveStale(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.StaleReviewAge)
	stale, err := s.store.ListStaleInReview(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, state := range stale {
		if _, err := s.store.TransitionReview(ctx, state.VersionID, core.StateInReview, core.StateArchived); err != nil {
			s.logger.Error("stale archive failed", "version_id", state.VersionID, "error", err)
			continue
		}
		archived++
		s.logger.Info("stale review archived", "version_id", state.VersionID)
	}
	return archived, nil
}

// precheck runs the shared approve/reject gauntlet up to the state machine,
// in decision order: reviewer existence, humanity, version lookup, review
// state, timer, and only then the rationale. It logs the attempt for every
// failure it reports.
func (s *Service) precheck(ctx context.Context, op, versionID, reviewerID, rationale string) (*core.Version, *core.Actor, error) {
	reviewer, err := s.store.GetActor(ctx, reviewerID)
	if err != nil {
		return nil, nil, err
	}

	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			if !reviewer.IsHuman {
				reason := core.ErrNotHuman.Error()
				s.logAttempt(ctx, "", nil, reviewerID, false, core.AttemptForbidden, &reason)
				return nil, nil, core.WrapError(core.KindForbidden, op, "reviewer", core.ErrNotHuman)
			}
			reason := "version not found"
			s.logAttempt(ctx, "", nil, reviewerID, reviewer.IsHuman, core.AttemptInvalidVersion, &reason)
			return nil, nil, core.WrapError(core.KindInvalidVersion, op, "version "+versionID, err)
		}
		return nil, nil, err
	}

	if !reviewer.IsHuman {
		reason := core.ErrNotHuman.Error()
		s.logAttempt(ctx, version.BlogID, &versionID, reviewerID, false, core.AttemptForbidden, &reason)
		return nil, nil, core.WrapError(core.KindForbidden, op, "reviewer", core.ErrNotHuman)
	}

	eligibility, err := s.Eligibility(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}
	if eligibility.State != core.StateInReview {
		reason := "version is " + string(eligibility.State) + ", not in_review"
		s.logAttempt(ctx, version.BlogID, &versionID, reviewerID, true, core.AttemptInvalidState, &reason)
		return nil, nil, core.NewError(core.KindInvalidState, op, reason)
	}
	if !eligibility.CanApproveOrReject {
		reason := fmt.Sprintf("timer: %d seconds remaining", eligibility.RemainingSeconds)
		s.logAttempt(ctx, version.BlogID, &versionID, reviewerID, true, core.AttemptInvalidState, &reason)
		return nil, nil, core.NewError(core.KindInvalidState, op, reason)
	}

	// Rationale is checked last so a failed attempt records the state or
	// timer reason ahead of a wording problem.
	if len(strings.TrimSpace(rationale)) < s.cfg.MinRationaleLength {
		reason := fmt.Sprintf("rationale shorter than %d characters", s.cfg.MinRationaleLength)
		s.logAttempt(ctx, version.BlogID, &versionID, reviewerID, true, core.AttemptInvalidState, &reason)
		return nil, nil, core.NewError(core.KindValidation, op, reason)
	}
	return version, reviewer, nil
}

func (s *Service) logAttempt(ctx context.Context, blogID string, versionID *string, actorID string,
	isHuman bool, result core.AttemptResult, failureReason *string) {
	attemptsTotal.WithLabelValues(string(result)).Inc()
	if _, err := s.store.LogAttempt(ctx, &core.ApprovalAttempt{
		BlogID:          blogID,
		VersionID:       versionID,
		AttemptedBy:     actorID,
		IsHumanSnapshot: isHuman,
		Result:          result,
		FailureReason:   failureReason,
	}); err != nil {
		s.logger.Error("approval attempt log failed", "blog_id", blogID, "error", err)
	}
}

// attemptResultFor maps a storage error onto the attempt result enum.
func attemptResultFor(err error) core.AttemptResult {
	switch core.KindOf(err) {
	case core.KindForbidden:
		return core.AttemptForbidden
	case core.KindInvalidVersion:
		return core.AttemptInvalidVersion
	default:
		return core.AttemptInvalidState
	}
}
