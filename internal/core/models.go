package core

import (
	"time"
)

// ActorRole represents actor role values
type ActorRole string

const (
	RoleWriter   ActorRole = "writer"
	RoleReviewer ActorRole = "reviewer"
	RoleAdmin    ActorRole = "admin"
	RoleSystem   ActorRole = "system"
)

// Actor represents a principal interacting with the engine.
// Actors with role "system" are never human; IsHuman is toggled by admins only.
type Actor struct {
	ID        string    `json:"id"`
	Email     string    `json:"email" validate:"required,email"`
	Role      ActorRole `json:"role" validate:"required,oneof=writer reviewer admin system"`
	IsHuman   bool      `json:"is_human"`
	CreatedAt time.Time `json:"created_at"`
}

// Blog is the stable identity of a piece of content.
type Blog struct {
	ID        string    `json:"id"`
	Name      string    `json:"name" validate:"required"`
	ProjectID *string   `json:"project_id,omitempty"`
	CreatedBy string    `json:"created_by" validate:"required"`
	CreatedAt time.Time `json:"created_at"`
}

// VersionSource represents how a version came to exist
type VersionSource string

const (
	SourceHumanPaste VersionSource = "human_paste"
	SourceAIRewrite  VersionSource = "ai_rewrite"
	SourceHumanEdit  VersionSource = "human_edit"
)

// Version is an immutable content snapshot of a blog.
// Rows are write-once at the storage layer; lineage forms a DAG within one blog.
type Version struct {
	ID                   string        `json:"id"`
	BlogID               string        `json:"blog_id"`
	ParentVersionID      *string       `json:"parent_version_id,omitempty"`
	Content              string        `json:"content"`
	ContentHash          string        `json:"content_hash"`
	VersionNumber        int           `json:"version_number"`
	Source               VersionSource `json:"source"`
	SourceRewriteCycleID *string       `json:"source_rewrite_cycle_id,omitempty"`
	ChangeReason         *string       `json:"change_reason,omitempty"`
	CreatedBy            string        `json:"created_by"`
	CreatedAt            time.Time     `json:"created_at"`
}

// NewVersion is the input for appending a version to a blog.
type NewVersion struct {
	BlogID               string        `json:"blog_id" validate:"required"`
	Content              string        `json:"content" validate:"required"`
	Source               VersionSource `json:"source" validate:"required,oneof=human_paste ai_rewrite human_edit"`
	ParentVersionID      *string       `json:"parent_version_id,omitempty"`
	ChangeReason         *string       `json:"change_reason,omitempty"`
	SourceRewriteCycleID *string       `json:"source_rewrite_cycle_id,omitempty"`
	CreatedBy            string        `json:"created_by" validate:"required"`
}

// RunStatus represents evaluation run status values
type RunStatus string

const (
	RunProcessing     RunStatus = "processing"
	RunCompleted      RunStatus = "completed"
	RunPartialFailure RunStatus = "partial_failure"
	RunFailed         RunStatus = "failed"
)

// EvaluationRun is the orchestration envelope of one evaluation pass.
// All fields except Status and CompletedAt are immutable after insert;
// Status only advances away from "processing".
type EvaluationRun struct {
	ID            string         `json:"id"`
	BlogVersionID string         `json:"blog_version_id"`
	RunAt         time.Time      `json:"run_at"`
	TriggeredBy   *string        `json:"triggered_by,omitempty"`
	ModelConfig   map[string]any `json:"model_config"`
	Status        RunStatus      `json:"status"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// DetectorDetails is the structured payload attached to a detector score.
type DetectorDetails struct {
	ModelVersion string         `json:"model_version"`
	RawResponse  map[string]any `json:"raw_response"`
	Timestamp    time.Time      `json:"timestamp"`
}

// DetectorScore is one AI-likeness provider result within a run. Write-once.
type DetectorScore struct {
	ID       string          `json:"id"`
	RunID    string          `json:"run_id"`
	Provider string          `json:"provider"`
	Score    float64         `json:"score" validate:"gte=0,lte=100"`
	Details  DetectorDetails `json:"details"`
}

// AEOScore is one AEO query-intent result within a run. Write-once.
type AEOScore struct {
	ID          string  `json:"id"`
	RunID       string  `json:"run_id"`
	QueryIntent string  `json:"query_intent"`
	Score       float64 `json:"score" validate:"gte=0,lte=100"`
	Rationale   string  `json:"rationale"`
}

// TrendOutcome classifies a rewrite cycle's score movement
type TrendOutcome string

const (
	TrendImproving          TrendOutcome = "improving"
	TrendPartialImprovement TrendOutcome = "partial_improvement"
	TrendStagnant           TrendOutcome = "stagnant"
	TrendRegressing         TrendOutcome = "regressing"
)

// TrendCode maps a trend outcome to its numeric code.
func TrendCode(outcome TrendOutcome) int {
	switch outcome {
	case TrendImproving:
		return 1
	case TrendPartialImprovement:
		return 2
	case TrendStagnant:
		return 3
	case TrendRegressing:
		return 4
	default:
		return 0
	}
}

// RewriteStatus represents rewrite cycle status values
type RewriteStatus string

const (
	RewritePending   RewriteStatus = "pending"
	RewriteCompleted RewriteStatus = "completed"
	RewriteTerminal  RewriteStatus = "terminal"
)

// ScoreSnapshot captures the aggregates of one version at cycle time.
type ScoreSnapshot struct {
	AEOTotal        float64            `json:"aeo_total"`
	AILikenessTotal float64            `json:"ai_likeness_total"`
	Pillars         map[string]float64 `json:"pillars,omitempty"`
	Categories      map[string]float64 `json:"categories,omitempty"`
	ModelVersions   map[string]string  `json:"model_versions,omitempty"`
}

// RewriteCycle is one orchestrated rewrite attempt for a parent version.
// Prompt, trigger reasons and score snapshots are write-once; status may only
// move pending -> {completed, terminal}.
type RewriteCycle struct {
	ID              string         `json:"id"`
	ParentVersionID string         `json:"parent_version_id"`
	ChildVersionID  *string        `json:"child_version_id,omitempty"`
	CycleNumber     int            `json:"cycle_number"`
	TriggerReasons  []string       `json:"trigger_reasons"`
	TriggerData     map[string]any `json:"trigger_data,omitempty"`
	RewritePrompt   string         `json:"rewrite_prompt"`
	ParentScores    *ScoreSnapshot `json:"parent_scores,omitempty"`
	ChildScores     *ScoreSnapshot `json:"child_scores,omitempty"`
	TrendOutcome    *TrendOutcome  `json:"trend_outcome,omitempty"`
	TrendCode       *int           `json:"trend_code,omitempty"`
	RewriteStatus   RewriteStatus  `json:"rewrite_status"`
	StopReason      *string        `json:"stop_reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ApprovalState declares approval of a specific version of a blog.
// Rows are write-once; revocation inserts a companion row carrying the
// revocation fields. The current approval is the newest non-revoked row.
type ApprovalState struct {
	ID                    string     `json:"id"`
	BlogID                string     `json:"blog_id"`
	ApprovedVersionID     string     `json:"approved_version_id"`
	ApproverID            string     `json:"approver_id"`
	ApprovedAt            time.Time  `json:"approved_at"`
	RevokedAt             *time.Time `json:"revoked_at,omitempty"`
	RevokedBy             *string    `json:"revoked_by,omitempty"`
	RevocationReason      *string    `json:"revocation_reason,omitempty"`
	Notes                 *string    `json:"notes,omitempty"`
	ReviewDurationSeconds *float64   `json:"review_duration_seconds,omitempty"`
}

// AttemptResult represents approval attempt outcomes
type AttemptResult string

const (
	AttemptSuccess        AttemptResult = "success"
	AttemptForbidden      AttemptResult = "forbidden"
	AttemptInvalidState   AttemptResult = "invalid_state"
	AttemptInvalidVersion AttemptResult = "invalid_version"
)

// ApprovalAttempt audits every approval attempt, failed or not. Append-only,
// inserted with its final result.
type ApprovalAttempt struct {
	ID              string        `json:"id"`
	BlogID          string        `json:"blog_id"`
	VersionID       *string       `json:"version_id,omitempty"`
	AttemptedBy     string        `json:"attempted_by"`
	IsHumanSnapshot bool          `json:"is_human_snapshot"`
	Result          AttemptResult `json:"result"`
	AttemptedAt     time.Time     `json:"attempted_at"`
	FailureReason   *string       `json:"failure_reason,omitempty"`
}

// ReviewActionType represents logged human review events
type ReviewActionType string

const (
	ActionComment         ReviewActionType = "comment"
	ActionRequestChanges  ReviewActionType = "request_changes"
	ActionApproveIntent   ReviewActionType = "approve_intent"
	ActionReject          ReviewActionType = "reject"
	ActionSubmitForReview ReviewActionType = "submit_for_review"
	ActionOverride        ReviewActionType = "override"
	ActionFastApproval    ReviewActionType = "fast_approval"
)

// HumanReviewAction is an append-only log row of a human review event.
type HumanReviewAction struct {
	ID         string           `json:"id"`
	BlogID     string           `json:"blog_id"`
	VersionID  string           `json:"version_id"`
	ReviewerID string           `json:"reviewer_id"`
	Action     ReviewActionType `json:"action"`
	Comments   *string          `json:"comments,omitempty"`
	IsOverride bool             `json:"is_override"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ReviewState represents the per-version review state machine states
type ReviewState string

const (
	StateDraft    ReviewState = "draft"
	StateInReview ReviewState = "in_review"
	StateApproved ReviewState = "approved"
	StateRejected ReviewState = "rejected"
	StateArchived ReviewState = "archived"
)

// VersionReviewState tracks where a version sits in the review state machine.
// ReviewStartedAt is the server-side timestamp of the transition into
// in_review and drives the minimum-review-duration gate.
type VersionReviewState struct {
	VersionID       string      `json:"version_id"`
	BlogID          string      `json:"blog_id"`
	State           ReviewState `json:"state"`
	ReviewStartedAt *time.Time  `json:"review_started_at,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// EscalationReason represents automation hard-stop reasons
type EscalationReason string

const (
	EscalationScoreRegression EscalationReason = "score_regression"
	EscalationPolicyViolation EscalationReason = "policy_violation"
	EscalationAmbiguity       EscalationReason = "ambiguity"
	EscalationLowQuality      EscalationReason = "low_quality"
)

// EscalationStatus represents escalation lifecycle values
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending_review"
	EscalationResolved  EscalationStatus = "resolved"
	EscalationDismissed EscalationStatus = "dismissed"
)

// Escalation is an open record of an automation hard-stop awaiting a human.
// There is no mutable "is_escalated" flag anywhere; escalated status is
// derived by querying open rows.
type Escalation struct {
	ID         string           `json:"id"`
	BlogID     string           `json:"blog_id"`
	VersionID  *string          `json:"version_id,omitempty"`
	Reason     EscalationReason `json:"reason"`
	Details    map[string]any   `json:"details,omitempty"`
	Status     EscalationStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy *string          `json:"resolved_by,omitempty"`
}
