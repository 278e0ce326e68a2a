package core

import (
	"context"
	"time"
)

// ActorStorage manages the principal registry.
type ActorStorage interface {
	CreateActor(ctx context.Context, email string, role ActorRole, isHuman bool) (*Actor, error)
	GetActor(ctx context.Context, id string) (*Actor, error)
	GetActorByEmail(ctx context.Context, email string) (*Actor, error)
	// SetActorHuman toggles is_human; adminID must reference an admin actor.
	SetActorHuman(ctx context.Context, id string, isHuman bool, adminID string) (*Actor, error)
}

// ContentStorage owns blogs and their immutable version history.
type ContentStorage interface {
	CreateBlog(ctx context.Context, name, createdBy string, projectID *string) (*Blog, error)
	GetBlog(ctx context.Context, id string) (*Blog, error)
	AppendVersion(ctx context.Context, nv *NewVersion) (*Version, error)
	GetVersion(ctx context.Context, id string) (*Version, error)
	// ListVersions returns the blog's versions ordered by version_number ascending.
	ListVersions(ctx context.Context, blogID string) ([]*Version, error)
	LatestVersion(ctx context.Context, blogID string) (*Version, error)
}

// NewApproval is the input for recording an approval.
type NewApproval struct {
	BlogID                string
	VersionID             string
	ApproverID            string
	Notes                 *string
	ReviewDurationSeconds *float64
}

// ApprovalStorage owns the append-only approval ledger and its attempt audit.
type ApprovalStorage interface {
	// RecordApproval enforces at the storage boundary that the approver is a
	// human actor and that the version belongs to the blog.
	RecordApproval(ctx context.Context, na *NewApproval) (*ApprovalState, error)
	// RevokeApproval inserts a companion row carrying the revocation fields
	// for the currently effective approval.
	RevokeApproval(ctx context.Context, blogID, revokedBy, reason string) (*ApprovalState, error)
	// CurrentApproval returns the newest non-revoked approval, or nil.
	CurrentApproval(ctx context.Context, blogID string) (*ApprovalState, error)
	LogAttempt(ctx context.Context, attempt *ApprovalAttempt) (*ApprovalAttempt, error)
	ListAttempts(ctx context.Context, blogID string) ([]*ApprovalAttempt, error)
	// CountFastApprovals counts the reviewer's fast approvals since the cutoff.
	CountFastApprovals(ctx context.Context, reviewerID string, since time.Time) (int, error)
}

// ReviewStorage owns the per-version review state and the human action log.
type ReviewStorage interface {
	GetReviewState(ctx context.Context, versionID string) (*VersionReviewState, error)
	// TransitionReview moves a version between review states; forward-only.
	// Transitions into in_review stamp review_started_at server-side.
	TransitionReview(ctx context.Context, versionID string, from, to ReviewState) (*VersionReviewState, error)
	LogReviewAction(ctx context.Context, action *HumanReviewAction) (*HumanReviewAction, error)
	ListReviewActions(ctx context.Context, blogID string) ([]*HumanReviewAction, error)
	// CountReviewCycles counts submit_for_review events for the blog.
	CountReviewCycles(ctx context.Context, blogID string) (int, error)
	// CountRejectionsBy counts reject actions by one reviewer on the blog since the cutoff.
	CountRejectionsBy(ctx context.Context, blogID, reviewerID string, since time.Time) (int, error)
	// ListStaleInReview returns versions sitting in in_review since before the cutoff.
	ListStaleInReview(ctx context.Context, before time.Time) ([]*VersionReviewState, error)
}

// NewRun is the input for creating an evaluation run.
type NewRun struct {
	BlogVersionID string
	TriggeredBy   *string
	ModelConfig   map[string]any
}

// EvaluationStorage owns evaluation runs and their score rows.
type EvaluationStorage interface {
	CreateRun(ctx context.Context, nr *NewRun) (*EvaluationRun, error)
	GetRun(ctx context.Context, id string) (*EvaluationRun, error)
	// FindProcessingRun returns the open run for a version, or nil.
	FindProcessingRun(ctx context.Context, versionID string) (*EvaluationRun, error)
	// FinalizeRun advances status away from processing and stamps completed_at once.
	FinalizeRun(ctx context.Context, runID string, status RunStatus) (*EvaluationRun, error)
	InsertDetectorScore(ctx context.Context, score *DetectorScore) (*DetectorScore, error)
	InsertAEOScore(ctx context.Context, score *AEOScore) (*AEOScore, error)
	GetDetectorScore(ctx context.Context, runID, provider string) (*DetectorScore, error)
	GetAEOScore(ctx context.Context, runID, queryIntent string) (*AEOScore, error)
	ListDetectorScores(ctx context.Context, runID string) ([]*DetectorScore, error)
	ListAEOScores(ctx context.Context, runID string) ([]*AEOScore, error)
	// LatestFinishedRunForBlog returns the most recent non-processing run for
	// any version of the blog, excluding excludeRunID. Ties resolve by run_at
	// then id.
	LatestFinishedRunForBlog(ctx context.Context, blogID, excludeRunID string) (*EvaluationRun, error)
	LatestFinishedRunForVersion(ctx context.Context, versionID string) (*EvaluationRun, error)
}

// NewCycle is the input for inserting a rewrite cycle.
type NewCycle struct {
	ParentVersionID string
	CycleNumber     int
	TriggerReasons  []string
	TriggerData     map[string]any
	RewritePrompt   string
	ParentScores    *ScoreSnapshot
}

// CycleOutcome finalizes a rewrite cycle.
type CycleOutcome struct {
	ChildVersionID *string
	ChildScores    *ScoreSnapshot
	TrendOutcome   *TrendOutcome
	Status         RewriteStatus
	StopReason     *string
}

// RewriteStorage owns rewrite cycle rows.
type RewriteStorage interface {
	InsertCycle(ctx context.Context, nc *NewCycle) (*RewriteCycle, error)
	GetCycle(ctx context.Context, id string) (*RewriteCycle, error)
	// FinishCycle moves a pending cycle to completed or terminal.
	FinishCycle(ctx context.Context, cycleID string, outcome *CycleOutcome) (*RewriteCycle, error)
	ListCyclesForParent(ctx context.Context, parentVersionID string) ([]*RewriteCycle, error)
	// CountCyclesForBlog counts cycles across all versions of the blog.
	CountCyclesForBlog(ctx context.Context, blogID string) (int, error)
	// RecentChildAEOTotals returns child AEO totals of the blog's completed
	// cycles, newest first, capped at limit.
	RecentChildAEOTotals(ctx context.Context, blogID string, limit int) ([]float64, error)
}

// NewEscalation is the input for opening an escalation.
type NewEscalation struct {
	BlogID    string
	VersionID *string
	Reason    EscalationReason
	Details   map[string]any
}

// EscalationStorage owns automation hard-stop records.
type EscalationStorage interface {
	OpenEscalation(ctx context.Context, ne *NewEscalation) (*Escalation, error)
	ResolveEscalation(ctx context.Context, id, resolvedBy string, dismiss bool) (*Escalation, error)
	// IsEscalated reports whether the blog has any open escalation.
	IsEscalated(ctx context.Context, blogID string) (bool, error)
	ListOpenEscalations(ctx context.Context, blogID string) ([]*Escalation, error)
}

// Storage is the full persistence contract of the engine. PostgreSQL and
// SQLite adapters implement it; the database remains the single source of
// truth for every invariant it declares.
type Storage interface {
	ActorStorage
	ContentStorage
	ApprovalStorage
	ReviewStorage
	EvaluationStorage
	RewriteStorage
	EscalationStorage

	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Health(ctx context.Context) error
}

// Rewriter is the injected external capability that produces rewritten
// content from a verbatim prompt. Implementations must honor ctx deadlines.
type Rewriter interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Health(ctx context.Context) error
}

// Clock abstracts time for the timer-gated review logic.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
