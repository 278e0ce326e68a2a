// Package memory implements core.Storage with in-memory maps.
//
// Data is NOT persisted; the backend exists for tests and for development
// without a database. It enforces the same invariants the SQL adapters
// enforce with constraints and triggers: write-once rows, unique
// (blog_id, version_number), monotonic run status, human-only approvals.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

// Storage is a thread-safe in-memory implementation of core.Storage.
type Storage struct {
	mu     sync.RWMutex
	logger *slog.Logger
	clock  core.Clock

	actors       map[string]*core.Actor
	actorsByMail map[string]string
	blogs        map[string]*core.Blog
	versions     map[string]*core.Version
	versionsBy   map[string][]string // blog id -> version ids in insert order
	runs         map[string]*core.EvaluationRun
	detectors    map[string]*core.DetectorScore // run id + "\x00" + provider
	aeoScores    map[string]*core.AEOScore      // run id + "\x00" + intent
	cycles       map[string]*core.RewriteCycle
	cyclesBy     map[string][]string // parent version id -> cycle ids
	approvals    []*core.ApprovalState
	attempts     []*core.ApprovalAttempt
	actions      []*core.HumanReviewAction
	reviewStates map[string]*core.VersionReviewState
	escalations  map[string]*core.Escalation
}

// New creates an empty in-memory storage.
func New(logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		logger:       logger,
		clock:        core.SystemClock{},
		actors:       make(map[string]*core.Actor),
		actorsByMail: make(map[string]string),
		blogs:        make(map[string]*core.Blog),
		versions:     make(map[string]*core.Version),
		versionsBy:   make(map[string][]string),
		runs:         make(map[string]*core.EvaluationRun),
		detectors:    make(map[string]*core.DetectorScore),
		aeoScores:    make(map[string]*core.AEOScore),
		cycles:       make(map[string]*core.RewriteCycle),
		cyclesBy:     make(map[string][]string),
		reviewStates: make(map[string]*core.VersionReviewState),
		escalations:  make(map[string]*core.Escalation),
	}
}

// WithClock overrides the clock; used by timer-gate tests.
func (s *Storage) WithClock(clock core.Clock) *Storage {
	s.clock = clock
	return s
}

func (s *Storage) Connect(ctx context.Context) error { return nil }
func (s *Storage) Close(ctx context.Context) error   { return nil }
func (s *Storage) Health(ctx context.Context) error  { return nil }

// --- actors ---

func (s *Storage) CreateActor(ctx context.Context, email string, role core.ActorRole, isHuman bool) (*core.Actor, error) {
	if email == "" {
		return nil, core.NewError(core.KindValidation, "store.create_actor", "email cannot be empty")
	}
	if role == core.RoleSystem && isHuman {
		return nil, core.NewError(core.KindValidation, "store.create_actor", "system actors cannot be human")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actorsByMail[email]; exists {
		return nil, core.NewError(core.KindConflict, "store.create_actor", "email already registered: "+email)
	}
	actor := &core.Actor{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      role,
		IsHuman:   isHuman,
		CreatedAt: s.clock.Now(),
	}
	s.actors[actor.ID] = actor
	s.actorsByMail[email] = actor.ID
	return cloneActor(actor), nil
}

func (s *Storage) GetActor(ctx context.Context, id string) (*core.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	actor, ok := s.actors[id]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, "store.get_actor", "actor "+id, core.ErrNotFound)
	}
	return cloneActor(actor), nil
}

func (s *Storage) GetActorByEmail(ctx context.Context, email string) (*core.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.actorsByMail[email]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, "store.get_actor_by_email", "actor "+email, core.ErrNotFound)
	}
	return cloneActor(s.actors[id]), nil
}

func (s *Storage) SetActorHuman(ctx context.Context, id string, isHuman bool, adminID string) (*core.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	admin, ok := s.actors[adminID]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, "store.set_actor_human", "admin "+adminID, core.ErrNotFound)
	}
	if admin.Role != core.RoleAdmin {
		return nil, core.NewError(core.KindForbidden, "store.set_actor_human", "is_human is mutable only by admins")
	}
	actor, ok := s.actors[id]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, "store.set_actor_human", "actor "+id, core.ErrNotFound)
	}
	if actor.Role == core.RoleSystem && isHuman {
		return nil, core.NewError(core.KindValidation, "store.set_actor_human", "system actors cannot be human")
	}
	actor.IsHuman = isHuman
	return cloneActor(actor), nil
}

// --- blogs and versions ---

func (s *Storage) CreateBlog(ctx context.Context, name, createdBy string, projectID *string) (*core.Blog, error) {
	if strings.TrimSpace(name) == "" {
		return nil, core.WrapError(core.KindValidation, "store.create_blog", "blog name", core.ErrEmptyBlogName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blog := &core.Blog{
		ID:        uuid.NewString(),
		Name:      name,
		ProjectID: projectID,
		CreatedBy: createdBy,
		CreatedAt: s.clock.Now(),
	}
	s.blogs[blog.ID] = blog
	return cloneBlog(blog), nil
}

func (s *Storage) GetBlog(ctx context.Context, id string) (*core.Blog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blog, ok := s.blogs[id]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, "store.get_blog", "blog "+id, core.ErrNotFound)
	}
	return cloneBlog(blog), nil
}

func (s *Storage) AppendVersion(ctx context.Context, nv *core.NewVersion) (*core.Version, error) {
	const op = "store.append_version"
	if nv == nil || strings.TrimSpace(nv.Content) == "" {
		return nil, core.WrapError(core.KindValidation, op, "content", core.ErrEmptyContent)
	}
	if nv.Source == core.SourceAIRewrite && nv.SourceRewriteCycleID == nil {
		return nil, core.WrapError(core.KindValidation, op, "source_rewrite_cycle_id", core.ErrMissingCycleID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blogs[nv.BlogID]; !ok {
		return nil, core.WrapError(core.KindNotFound, op, "blog "+nv.BlogID, core.ErrNotFound)
	}
	if nv.ParentVersionID != nil {
		parent, ok := s.versions[*nv.ParentVersionID]
		if !ok {
			return nil, core.WrapError(core.KindNotFound, op, "parent version", core.ErrNotFound)
		}
		if parent.BlogID != nv.BlogID {
			return nil, core.WrapError(core.KindValidation, op, "parent version", core.ErrParentMismatch)
		}
	}

	next := 1
	for _, id := range s.versionsBy[nv.BlogID] {
		if n := s.versions[id].VersionNumber; n >= next {
			next = n + 1
		}
	}
	if nv.ParentVersionID == nil && next != 1 {
		return nil, core.NewError(core.KindValidation, op, "only version 1 may have no parent")
	}

	version := &core.Version{
		ID:                   uuid.NewString(),
		BlogID:               nv.BlogID,
		ParentVersionID:      nv.ParentVersionID,
		Content:              nv.Content,
		ContentHash:          core.HashContent(nv.Content),
		VersionNumber:        next,
		Source:               nv.Source,
		SourceRewriteCycleID: nv.SourceRewriteCycleID,
		ChangeReason:         nv.ChangeReason,
		CreatedBy:            nv.CreatedBy,
		CreatedAt:            s.clock.Now(),
	}
	s.versions[version.ID] = version
	s.versionsBy[nv.BlogID] = append(s.versionsBy[nv.BlogID], version.ID)

	s.reviewStates[version.ID] = &core.VersionReviewState{
		VersionID: version.ID,
		BlogID:    version.BlogID,
		State:     core.StateDraft,
		UpdatedAt: version.CreatedAt,
	}
	return cloneVersion(version), nil
}

func (s *Storage) GetVersion(ctx context.Context, id string) (*core.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.versions[id]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, "store.get_version", "version "+id, core.ErrNotFound)
	}
	return cloneVersion(version), nil
}

func (s *Storage) ListVersions(ctx context.Context, blogID string) ([]*core.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.versionsBy[blogID]
	versions := make([]*core.Version, 0, len(ids))
	for _, id := range ids {
		versions = append(versions, cloneVersion(s.versions[id]))
	}
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].VersionNumber != versions[j].VersionNumber {
			return versions[i].VersionNumber < versions[j].VersionNumber
		}
		return versions[i].CreatedAt.Before(versions[j].CreatedAt)
	})
	return versions, nil
}

func (s *Storage) LatestVersion(ctx context.Context, blogID string) (*core.Version, error) {
	versions, err := s.ListVersions(ctx, blogID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, core.WrapError(core.KindNotFound, "store.latest_version", "blog "+blogID, core.ErrNotFound)
	}
	return versions[len(versions)-1], nil
}

// --- approvals ---

func (s *Storage) RecordApproval(ctx context.Context, na *core.NewApproval) (*core.ApprovalState, error) {
	const op = "store.record_approval"

	s.mu.Lock()
	defer s.mu.Unlock()

	approver, ok := s.actors[na.ApproverID]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, op, "approver "+na.ApproverID, core.ErrNotFound)
	}
	if !approver.IsHuman {
		return nil, core.WrapError(core.KindForbidden, op, "approver", core.ErrNotHuman)
	}
	version, ok := s.versions[na.VersionID]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, op, "version "+na.VersionID, core.ErrNotFound)
	}
	if version.BlogID != na.BlogID {
		return nil, core.WrapError(core.KindInvalidVersion, op, "version", core.ErrVersionBlogMix)
	}

	// Idempotency within a logical attempt: an identical, still-effective
	// approval is returned rather than duplicated.
	if current := s.currentApprovalLocked(na.BlogID); current != nil &&
		current.ApprovedVersionID == na.VersionID &&
		current.ApproverID == na.ApproverID {
		return cloneApproval(current), nil
	}

	approval := &core.ApprovalState{
		ID:                    uuid.NewString(),
		BlogID:                na.BlogID,
		ApprovedVersionID:     na.VersionID,
		ApproverID:            na.ApproverID,
		ApprovedAt:            s.clock.Now(),
		Notes:                 na.Notes,
		ReviewDurationSeconds: na.ReviewDurationSeconds,
	}
	s.approvals = append(s.approvals, approval)
	return cloneApproval(approval), nil
}

func (s *Storage) RevokeApproval(ctx context.Context, blogID, revokedBy, reason string) (*core.ApprovalState, error) {
	const op = "store.revoke_approval"

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.currentApprovalLocked(blogID)
	if current == nil {
		return nil, core.WrapError(core.KindNotFound, op, "no current approval for blog "+blogID, core.ErrNotFound)
	}

	now := s.clock.Now()
	revocation := &core.ApprovalState{
		ID:                uuid.NewString(),
		BlogID:            blogID,
		ApprovedVersionID: current.ApprovedVersionID,
		ApproverID:        current.ApproverID,
		ApprovedAt:        current.ApprovedAt,
		RevokedAt:         &now,
		RevokedBy:         &revokedBy,
		RevocationReason:  &reason,
	}
	// The companion row supersedes the original in the current-approval
	// query; the original's revocation marker keeps it out of that query.
	current.RevokedAt = &now
	current.RevokedBy = &revokedBy
	current.RevocationReason = &reason
	s.approvals = append(s.approvals, revocation)
	return cloneApproval(revocation), nil
}

func (s *Storage) CurrentApproval(ctx context.Context, blogID string) (*core.ApprovalState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current := s.currentApprovalLocked(blogID)
	if current == nil {
		return nil, nil
	}
	return cloneApproval(current), nil
}

// currentApprovalLocked picks max(approved_at) over non-revoked rows, ties
// broken by id.
func (s *Storage) currentApprovalLocked(blogID string) *core.ApprovalState {
	var current *core.ApprovalState
	for _, a := range s.approvals {
		if a.BlogID != blogID || a.RevokedAt != nil {
			continue
		}
		if current == nil ||
			a.ApprovedAt.After(current.ApprovedAt) ||
			(a.ApprovedAt.Equal(current.ApprovedAt) && a.ID > current.ID) {
			current = a
		}
	}
	return current
}

func (s *Storage) LogAttempt(ctx context.Context, attempt *core.ApprovalAttempt) (*core.ApprovalAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := *attempt
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.AttemptedAt.IsZero() {
		row.AttemptedAt = s.clock.Now()
	}
	s.attempts = append(s.attempts, &row)
	copied := row
	return &copied, nil
}

func (s *Storage) ListAttempts(ctx context.Context, blogID string) ([]*core.ApprovalAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.ApprovalAttempt
	for _, a := range s.attempts {
		if a.BlogID == blogID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *Storage) CountFastApprovals(ctx context.Context, reviewerID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, action := range s.actions {
		if action.ReviewerID == reviewerID &&
			action.Action == core.ActionFastApproval &&
			!action.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// --- review ---

func (s *Storage) GetReviewState(ctx context.Context, versionID string) (*core.VersionReviewState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.reviewStates[versionID]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, "store.get_review_state", "version "+versionID, core.ErrNotFound)
	}
	copied := *state
	return &copied, nil
}

// allowedTransitions encodes the forward-only review state machine.
var allowedTransitions = map[core.ReviewState][]core.ReviewState{
	core.StateDraft:    {core.StateInReview, core.StateArchived},
	core.StateInReview: {core.StateApproved, core.StateRejected, core.StateArchived},
}

func transitionAllowed(from, to core.ReviewState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Storage) TransitionReview(ctx context.Context, versionID string, from, to core.ReviewState) (*core.VersionReviewState, error) {
	const op = "store.transition_review"

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.reviewStates[versionID]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, op, "version "+versionID, core.ErrNotFound)
	}
	if state.State != from {
		return nil, core.NewError(core.KindConflict, op,
			"review state changed concurrently: have "+string(state.State)+", want "+string(from))
	}
	if !transitionAllowed(from, to) {
		return nil, core.NewError(core.KindInvalidState, op,
			"transition "+string(from)+" -> "+string(to)+" is forbidden")
	}

	now := s.clock.Now()
	state.State = to
	state.UpdatedAt = now
	if to == core.StateInReview {
		state.ReviewStartedAt = &now
	}
	copied := *state
	return &copied, nil
}

func (s *Storage) LogReviewAction(ctx context.Context, action *core.HumanReviewAction) (*core.HumanReviewAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := *action
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.clock.Now()
	}
	s.actions = append(s.actions, &row)
	copied := row
	return &copied, nil
}

func (s *Storage) ListReviewActions(ctx context.Context, blogID string) ([]*core.HumanReviewAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.HumanReviewAction
	for _, a := range s.actions {
		if a.BlogID == blogID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *Storage) CountReviewCycles(ctx context.Context, blogID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.actions {
		if a.BlogID == blogID && a.Action == core.ActionSubmitForReview {
			count++
		}
	}
	return count, nil
}

func (s *Storage) CountRejectionsBy(ctx context.Context, blogID, reviewerID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.actions {
		if a.BlogID == blogID && a.ReviewerID == reviewerID &&
			a.Action == core.ActionReject && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Storage) ListStaleInReview(ctx context.Context, before time.Time) ([]*core.VersionReviewState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.VersionReviewState
	for _, state := range s.reviewStates {
		if state.State == core.StateInReview &&
			state.ReviewStartedAt != nil &&
			state.ReviewStartedAt.Before(before) {
			copied := *state
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionID < out[j].VersionID })
	return out, nil
}

// --- evaluation runs and scores ---

func (s *Storage) CreateRun(ctx context.Context, nr *core.NewRun) (*core.EvaluationRun, error) {
	const op = "store.create_run"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[nr.BlogVersionID]; !ok {
		return nil, core.WrapError(core.KindNotFound, op, "version "+nr.BlogVersionID, core.ErrNotFound)
	}

	run := &core.EvaluationRun{
		ID:            uuid.NewString(),
		BlogVersionID: nr.BlogVersionID,
		RunAt:         s.clock.Now(),
		TriggeredBy:   nr.TriggeredBy,
		ModelConfig:   nr.ModelConfig,
		Status:        core.RunProcessing,
	}
	s.runs[run.ID] = run
	return cloneRun(run), nil
}

func (s *Storage) GetRun(ctx context.Context, id string) (*core.EvaluationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, "store.get_run", "run "+id, core.ErrNotFound)
	}
	return cloneRun(run), nil
}

func (s *Storage) FindProcessingRun(ctx context.Context, versionID string) (*core.EvaluationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *core.EvaluationRun
	for _, run := range s.runs {
		if run.BlogVersionID == versionID && run.Status == core.RunProcessing {
			if found == nil || run.RunAt.Before(found.RunAt) {
				found = run
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	return cloneRun(found), nil
}

func (s *Storage) FinalizeRun(ctx context.Context, runID string, status core.RunStatus) (*core.EvaluationRun, error) {
	const op = "store.finalize_run"
	if status == core.RunProcessing {
		return nil, core.NewError(core.KindValidation, op, "cannot finalize to processing")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, op, "run "+runID, core.ErrNotFound)
	}
	if run.Status != core.RunProcessing {
		return nil, core.WrapError(core.KindConflict, op,
			"run already finalized as "+string(run.Status), core.ErrWriteOnce)
	}
	now := s.clock.Now()
	run.Status = status
	run.CompletedAt = &now
	return cloneRun(run), nil
}

func scoreKey(runID, sub string) string { return runID + "\x00" + sub }

func (s *Storage) InsertDetectorScore(ctx context.Context, score *core.DetectorScore) (*core.DetectorScore, error) {
	const op = "store.insert_detector_score"
	if score.Score < 0 || score.Score > 100 {
		return nil, core.NewError(core.KindValidation, op, "score must be within [0,100]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[score.RunID]; !ok {
		return nil, core.WrapError(core.KindNotFound, op, "run "+score.RunID, core.ErrNotFound)
	}
	key := scoreKey(score.RunID, score.Provider)
	if _, exists := s.detectors[key]; exists {
		return nil, core.WrapError(core.KindConflict, op,
			"detector score exists for provider "+score.Provider, core.ErrDuplicate)
	}
	row := *score
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	s.detectors[key] = &row
	copied := row
	return &copied, nil
}

func (s *Storage) InsertAEOScore(ctx context.Context, score *core.AEOScore) (*core.AEOScore, error) {
	const op = "store.insert_aeo_score"
	if score.Score < 0 || score.Score > 100 {
		return nil, core.NewError(core.KindValidation, op, "score must be within [0,100]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[score.RunID]; !ok {
		return nil, core.WrapError(core.KindNotFound, op, "run "+score.RunID, core.ErrNotFound)
	}
	key := scoreKey(score.RunID, score.QueryIntent)
	if _, exists := s.aeoScores[key]; exists {
		return nil, core.WrapError(core.KindConflict, op,
			"aeo score exists for intent "+score.QueryIntent, core.ErrDuplicate)
	}
	row := *score
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	s.aeoScores[key] = &row
	copied := row
	return &copied, nil
}

func (s *Storage) GetDetectorScore(ctx context.Context, runID, provider string) (*core.DetectorScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.detectors[scoreKey(runID, provider)]
	if !ok {
		return nil, nil
	}
	copied := *score
	return &copied, nil
}

func (s *Storage) GetAEOScore(ctx context.Context, runID, queryIntent string) (*core.AEOScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.aeoScores[scoreKey(runID, queryIntent)]
	if !ok {
		return nil, nil
	}
	copied := *score
	return &copied, nil
}

func (s *Storage) ListDetectorScores(ctx context.Context, runID string) ([]*core.DetectorScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.DetectorScore
	for _, score := range s.detectors {
		if score.RunID == runID {
			copied := *score
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (s *Storage) ListAEOScores(ctx context.Context, runID string) ([]*core.AEOScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.AEOScore
	for _, score := range s.aeoScores {
		if score.RunID == runID {
			copied := *score
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueryIntent < out[j].QueryIntent })
	return out, nil
}

func (s *Storage) LatestFinishedRunForBlog(ctx context.Context, blogID, excludeRunID string) (*core.EvaluationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versionIDs := make(map[string]struct{})
	for _, id := range s.versionsBy[blogID] {
		versionIDs[id] = struct{}{}
	}

	var latest *core.EvaluationRun
	for _, run := range s.runs {
		if run.ID == excludeRunID || run.Status == core.RunProcessing {
			continue
		}
		if _, ok := versionIDs[run.BlogVersionID]; !ok {
			continue
		}
		if latest == nil ||
			run.RunAt.After(latest.RunAt) ||
			(run.RunAt.Equal(latest.RunAt) && run.ID > latest.ID) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneRun(latest), nil
}

func (s *Storage) LatestFinishedRunForVersion(ctx context.Context, versionID string) (*core.EvaluationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *core.EvaluationRun
	for _, run := range s.runs {
		if run.BlogVersionID != versionID || run.Status == core.RunProcessing {
			continue
		}
		if latest == nil ||
			run.RunAt.After(latest.RunAt) ||
			(run.RunAt.Equal(latest.RunAt) && run.ID > latest.ID) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneRun(latest), nil
}

// --- rewrite cycles ---

func (s *Storage) InsertCycle(ctx context.Context, nc *core.NewCycle) (*core.RewriteCycle, error) {
	const op = "store.insert_cycle"
	if nc.RewritePrompt == "" {
		return nil, core.NewError(core.KindValidation, op, "rewrite prompt is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[nc.ParentVersionID]; !ok {
		return nil, core.WrapError(core.KindNotFound, op, "parent version", core.ErrNotFound)
	}
	for _, id := range s.cyclesBy[nc.ParentVersionID] {
		if s.cycles[id].CycleNumber == nc.CycleNumber {
			return nil, core.WrapError(core.KindConflict, op,
				"cycle number taken for parent", core.ErrDuplicate)
		}
	}

	cycle := &core.RewriteCycle{
		ID:              uuid.NewString(),
		ParentVersionID: nc.ParentVersionID,
		CycleNumber:     nc.CycleNumber,
		TriggerReasons:  append([]string(nil), nc.TriggerReasons...),
		TriggerData:     nc.TriggerData,
		RewritePrompt:   nc.RewritePrompt,
		ParentScores:    nc.ParentScores,
		RewriteStatus:   core.RewritePending,
		CreatedAt:       s.clock.Now(),
	}
	s.cycles[cycle.ID] = cycle
	s.cyclesBy[nc.ParentVersionID] = append(s.cyclesBy[nc.ParentVersionID], cycle.ID)
	return cloneCycle(cycle), nil
}

func (s *Storage) GetCycle(ctx context.Context, id string) (*core.RewriteCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cycle, ok := s.cycles[id]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, "store.get_cycle", "cycle "+id, core.ErrNotFound)
	}
	return cloneCycle(cycle), nil
}

func (s *Storage) FinishCycle(ctx context.Context, cycleID string, outcome *core.CycleOutcome) (*core.RewriteCycle, error) {
	const op = "store.finish_cycle"
	if outcome.Status != core.RewriteCompleted && outcome.Status != core.RewriteTerminal {
		return nil, core.NewError(core.KindValidation, op, "status must be completed or terminal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cycle, ok := s.cycles[cycleID]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, op, "cycle "+cycleID, core.ErrNotFound)
	}
	if cycle.RewriteStatus != core.RewritePending {
		return nil, core.WrapError(core.KindConflict, op,
			"cycle already "+string(cycle.RewriteStatus), core.ErrWriteOnce)
	}

	cycle.ChildVersionID = outcome.ChildVersionID
	cycle.ChildScores = outcome.ChildScores
	cycle.TrendOutcome = outcome.TrendOutcome
	if outcome.TrendOutcome != nil {
		code := core.TrendCode(*outcome.TrendOutcome)
		cycle.TrendCode = &code
	}
	cycle.RewriteStatus = outcome.Status
	cycle.StopReason = outcome.StopReason
	return cloneCycle(cycle), nil
}

func (s *Storage) ListCyclesForParent(ctx context.Context, parentVersionID string) ([]*core.RewriteCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.cyclesBy[parentVersionID]
	out := make([]*core.RewriteCycle, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneCycle(s.cycles[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleNumber < out[j].CycleNumber })
	return out, nil
}

func (s *Storage) CountCyclesForBlog(ctx context.Context, blogID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, cycle := range s.cycles {
		if parent, ok := s.versions[cycle.ParentVersionID]; ok && parent.BlogID == blogID {
			count++
		}
	}
	return count, nil
}

func (s *Storage) RecentChildAEOTotals(ctx context.Context, blogID string, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var finished []*core.RewriteCycle
	for _, cycle := range s.cycles {
		parent, ok := s.versions[cycle.ParentVersionID]
		if !ok || parent.BlogID != blogID {
			continue
		}
		if cycle.RewriteStatus == core.RewriteCompleted && cycle.ChildScores != nil {
			finished = append(finished, cycle)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		if !finished[i].CreatedAt.Equal(finished[j].CreatedAt) {
			return finished[i].CreatedAt.After(finished[j].CreatedAt)
		}
		return finished[i].ID > finished[j].ID
	})
	if limit > 0 && len(finished) > limit {
		finished = finished[:limit]
	}
	totals := make([]float64, 0, len(finished))
	for _, cycle := range finished {
		totals = append(totals, cycle.ChildScores.AEOTotal)
	}
	return totals, nil
}

// --- escalations ---

func (s *Storage) OpenEscalation(ctx context.Context, ne *core.NewEscalation) (*core.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	escalation := &core.Escalation{
		ID:        uuid.NewString(),
		BlogID:    ne.BlogID,
		VersionID: ne.VersionID,
		Reason:    ne.Reason,
		Details:   ne.Details,
		Status:    core.EscalationPending,
		CreatedAt: s.clock.Now(),
	}
	s.escalations[escalation.ID] = escalation
	copied := *escalation
	return &copied, nil
}

func (s *Storage) ResolveEscalation(ctx context.Context, id, resolvedBy string, dismiss bool) (*core.Escalation, error) {
	const op = "store.resolve_escalation"

	s.mu.Lock()
	defer s.mu.Unlock()

	escalation, ok := s.escalations[id]
	if !ok {
		return nil, core.WrapError(core.KindNotFound, op, "escalation "+id, core.ErrNotFound)
	}
	if escalation.Status != core.EscalationPending {
		return nil, core.NewError(core.KindConflict, op, "escalation already "+string(escalation.Status))
	}
	now := s.clock.Now()
	if dismiss {
		escalation.Status = core.EscalationDismissed
	} else {
		escalation.Status = core.EscalationResolved
	}
	escalation.ResolvedAt = &now
	escalation.ResolvedBy = &resolvedBy
	copied := *escalation
	return &copied, nil
}

func (s *Storage) IsEscalated(ctx context.Context, blogID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, escalation := range s.escalations {
		if escalation.BlogID == blogID && escalation.Status == core.EscalationPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *Storage) ListOpenEscalations(ctx context.Context, blogID string) ([]*core.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Escalation
	for _, escalation := range s.escalations {
		if escalation.BlogID == blogID && escalation.Status == core.EscalationPending {
			copied := *escalation
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- clones ---

func cloneActor(a *core.Actor) *core.Actor {
	copied := *a
	return &copied
}

func cloneBlog(b *core.Blog) *core.Blog {
	copied := *b
	return &copied
}

func cloneVersion(v *core.Version) *core.Version {
	copied := *v
	return &copied
}

func cloneRun(r *core.EvaluationRun) *core.EvaluationRun {
	copied := *r
	return &copied
}

func cloneApproval(a *core.ApprovalState) *core.ApprovalState {
	copied := *a
	return &copied
}

func cloneCycle(c *core.RewriteCycle) *core.RewriteCycle {
	copied := *c
	copied.TriggerReasons = append([]string(nil), c.TriggerReasons...)
	return &copied
}
