// Package sqlite implements core.Storage on an embedded SQLite database for
// the lite deployment profile: single node, no external dependencies, WAL
// mode. The schema's triggers enforce the same write-once rules as the
// PostgreSQL backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

const timeLayout = time.RFC3339Nano

// Storage is the SQLite implementation of core.Storage.
type Storage struct {
	path   string
	db     *sql.DB
	logger *slog.Logger
	clock  core.Clock
}

// New creates a disconnected storage bound to the database file path.
func New(path string, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{path: path, logger: logger, clock: core.SystemClock{}}
}

// WithClock overrides the clock; used by timer-gate tests.
func (s *Storage) WithClock(clock core.Clock) *Storage {
	s.clock = clock
	return s
}

// Connect opens the database file and applies the schema.
func (s *Storage) Connect(ctx context.Context) error {
	const op = "sqlite.connect"
	if s.path == "" {
		return core.NewError(core.KindValidation, op, "database path cannot be empty")
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return core.WrapError(core.KindUnavailable, op, "create data directory", err)
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return core.WrapError(core.KindUnavailable, op, "open database", err)
	}
	// Single writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return core.WrapError(core.KindUnavailable, op, "apply schema", err)
	}
	s.db = db
	s.logger.Info("connected to sqlite", "path", s.path)
	return nil
}

// Close closes the database file.
func (s *Storage) Close(ctx context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Health pings the database.
func (s *Storage) Health(ctx context.Context) error {
	if s.db == nil {
		return core.WrapError(core.KindUnavailable, "sqlite.health", "db", core.ErrNotConnected)
	}
	return s.db.PingContext(ctx)
}

func (s *Storage) now() string { return s.clock.Now().Format(timeLayout) }

func parseTime(value string) time.Time {
	t, _ := time.Parse(timeLayout, value)
	return t
}

func parseTimePtr(value *string) *time.Time {
	if value == nil {
		return nil
	}
	t := parseTime(*value)
	return &t
}

// mapError translates sqlite failures into typed core errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return core.WrapError(core.KindNotFound, op, "no rows", core.ErrNotFound)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return core.WrapError(core.KindConflict, op, msg, core.ErrDuplicate)
	case strings.Contains(msg, "write-once"),
		strings.Contains(msg, "allows only forward status"):
		return core.WrapError(core.KindInternal, op, msg, core.ErrWriteOnce)
	case strings.Contains(msg, "constraint failed"):
		return core.WrapError(core.KindValidation, op, msg, err)
	}
	return core.WrapError(core.KindUnavailable, op, "query failed", err)
}

// --- actors ---

func (s *Storage) CreateActor(ctx context.Context, email string, role core.ActorRole, isHuman bool) (*core.Actor, error) {
	const op = "sqlite.create_actor"
	if email == "" {
		return nil, core.NewError(core.KindValidation, op, "email cannot be empty")
	}
	if role == core.RoleSystem && isHuman {
		return nil, core.NewError(core.KindValidation, op, "system actors cannot be human")
	}

	actor := &core.Actor{ID: uuid.NewString(), Email: email, Role: role, IsHuman: isHuman, CreatedAt: s.clock.Now()}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actors (id, email, role, is_human, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		actor.ID, email, role, isHuman, actor.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, mapError(op, err)
	}
	return actor, nil
}

func (s *Storage) GetActor(ctx context.Context, id string) (*core.Actor, error) {
	return s.scanActor(ctx, "sqlite.get_actor",
		`SELECT id, email, role, is_human, created_at FROM actors WHERE id = ?`, id)
}

func (s *Storage) GetActorByEmail(ctx context.Context, email string) (*core.Actor, error) {
	return s.scanActor(ctx, "sqlite.get_actor_by_email",
		`SELECT id, email, role, is_human, created_at FROM actors WHERE email = ?`, email)
}

func (s *Storage) scanActor(ctx context.Context, op, query string, arg any) (*core.Actor, error) {
	var actor core.Actor
	var created string
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&actor.ID, &actor.Email, &actor.Role, &actor.IsHuman, &created)
	if err != nil {
		return nil, mapError(op, err)
	}
	actor.CreatedAt = parseTime(created)
	return &actor, nil
}

func (s *Storage) SetActorHuman(ctx context.Context, id string, isHuman bool, adminID string) (*core.Actor, error) {
	const op = "sqlite.set_actor_human"

	admin, err := s.GetActor(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if admin.Role != core.RoleAdmin {
		return nil, core.NewError(core.KindForbidden, op, "is_human is mutable only by admins")
	}
	actor, err := s.GetActor(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == core.RoleSystem && isHuman {
		return nil, core.NewError(core.KindValidation, op, "system actors cannot be human")
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE actors SET is_human = ? WHERE id = ?`, isHuman, id); err != nil {
		return nil, mapError(op, err)
	}
	actor.IsHuman = isHuman
	return actor, nil
}

// --- blogs and versions ---

func (s *Storage) CreateBlog(ctx context.Context, name, createdBy string, projectID *string) (*core.Blog, error) {
	const op = "sqlite.create_blog"
	if strings.TrimSpace(name) == "" {
		return nil, core.WrapError(core.KindValidation, op, "blog name", core.ErrEmptyBlogName)
	}

	blog := &core.Blog{ID: uuid.NewString(), Name: name, ProjectID: projectID, CreatedBy: createdBy, CreatedAt: s.clock.Now()}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blogs (id, name, project_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		blog.ID, name, projectID, createdBy, blog.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, mapError(op, err)
	}
	return blog, nil
}

func (s *Storage) GetBlog(ctx context.Context, id string) (*core.Blog, error) {
	const op = "sqlite.get_blog"
	var blog core.Blog
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, project_id, created_by, created_at FROM blogs WHERE id = ?`, id).
		Scan(&blog.ID, &blog.Name, &blog.ProjectID, &blog.CreatedBy, &created)
	if err != nil {
		return nil, mapError(op, err)
	}
	blog.CreatedAt = parseTime(created)
	return &blog, nil
}

const versionColumns = `id, blog_id, parent_version_id, content, content_hash, version_number,
	source, source_rewrite_cycle_id, change_reason, created_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*core.Version, error) {
	var v core.Version
	var created string
	err := row.Scan(&v.ID, &v.BlogID, &v.ParentVersionID, &v.Content, &v.ContentHash,
		&v.VersionNumber, &v.Source, &v.SourceRewriteCycleID, &v.ChangeReason,
		&v.CreatedBy, &created)
	if err != nil {
		return nil, err
	}
	v.CreatedAt = parseTime(created)
	return &v, nil
}

func (s *Storage) AppendVersion(ctx context.Context, nv *core.NewVersion) (*core.Version, error) {
	const op = "sqlite.append_version"
	if nv == nil || strings.TrimSpace(nv.Content) == "" {
		return nil, core.WrapError(core.KindValidation, op, "content", core.ErrEmptyContent)
	}
	if nv.Source == core.SourceAIRewrite && nv.SourceRewriteCycleID == nil {
		return nil, core.WrapError(core.KindValidation, op, "source_rewrite_cycle_id", core.ErrMissingCycleID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var blogID string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM blogs WHERE id = ?`, nv.BlogID).Scan(&blogID); err != nil {
		return nil, mapError(op, err)
	}
	if nv.ParentVersionID != nil {
		var parentBlog string
		if err := tx.QueryRowContext(ctx,
			`SELECT blog_id FROM versions WHERE id = ?`, *nv.ParentVersionID).Scan(&parentBlog); err != nil {
			return nil, mapError(op, err)
		}
		if parentBlog != nv.BlogID {
			return nil, core.WrapError(core.KindValidation, op, "parent version", core.ErrParentMismatch)
		}
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM versions WHERE blog_id = ?`, nv.BlogID).Scan(&next); err != nil {
		return nil, mapError(op, err)
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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO versions (id, blog_id, parent_version_id, content, content_hash,
			version_number, source, source_rewrite_cycle_id, change_reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		version.ID, version.BlogID, version.ParentVersionID, version.Content, version.ContentHash,
		version.VersionNumber, version.Source, version.SourceRewriteCycleID, version.ChangeReason,
		version.CreatedBy, version.CreatedAt.Format(timeLayout)); err != nil {
		return nil, mapError(op, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO version_review_states (version_id, blog_id, state, updated_at)
		VALUES (?, ?, 'draft', ?)`,
		version.ID, version.BlogID, version.CreatedAt.Format(timeLayout)); err != nil {
		return nil, mapError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapError(op, err)
	}
	return version, nil
}

func (s *Storage) GetVersion(ctx context.Context, id string) (*core.Version, error) {
	version, err := scanVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE id = ?`, id))
	if err != nil {
		return nil, mapError("sqlite.get_version", err)
	}
	return version, nil
}

func (s *Storage) ListVersions(ctx context.Context, blogID string) ([]*core.Version, error) {
	const op = "sqlite.list_versions"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE blog_id = ?
		ORDER BY version_number ASC, created_at ASC`, blogID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*core.Version
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		versions = append(versions, version)
	}
	return versions, mapError(op, rows.Err())
}

func (s *Storage) LatestVersion(ctx context.Context, blogID string) (*core.Version, error) {
	version, err := scanVersion(s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE blog_id = ?
		ORDER BY version_number DESC, created_at DESC LIMIT 1`, blogID))
	if err != nil {
		return nil, mapError("sqlite.latest_version", err)
	}
	return version, nil
}

// --- approvals ---

const approvalColumns = `id, blog_id, approved_version_id, approver_id, approved_at,
	revoked_at, revoked_by, revocation_reason, notes, review_duration_seconds`

func scanApproval(row rowScanner) (*core.ApprovalState, error) {
	var a core.ApprovalState
	var approved string
	var revoked *string
	err := row.Scan(&a.ID, &a.BlogID, &a.ApprovedVersionID, &a.ApproverID, &approved,
		&revoked, &a.RevokedBy, &a.RevocationReason, &a.Notes, &a.ReviewDurationSeconds)
	if err != nil {
		return nil, err
	}
	a.ApprovedAt = parseTime(approved)
	a.RevokedAt = parseTimePtr(revoked)
	return &a, nil
}

func (s *Storage) RecordApproval(ctx context.Context, na *core.NewApproval) (*core.ApprovalState, error) {
	const op = "sqlite.record_approval"

	approver, err := s.GetActor(ctx, na.ApproverID)
	if err != nil {
		return nil, err
	}
	if !approver.IsHuman {
		return nil, core.WrapError(core.KindForbidden, op, "approver", core.ErrNotHuman)
	}
	version, err := s.GetVersion(ctx, na.VersionID)
	if err != nil {
		return nil, err
	}
	if version.BlogID != na.BlogID {
		return nil, core.WrapError(core.KindInvalidVersion, op, "version", core.ErrVersionBlogMix)
	}

	// Idempotency within a logical attempt: an identical, still-effective
	// approval is returned rather than duplicated.
	if current, err := s.CurrentApproval(ctx, na.BlogID); err != nil {
		return nil, err
	} else if current != nil &&
		current.ApprovedVersionID == na.VersionID &&
		current.ApproverID == na.ApproverID {
		return current, nil
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
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_states (id, blog_id, approved_version_id, approver_id, approved_at, notes, review_duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		approval.ID, approval.BlogID, approval.ApprovedVersionID, approval.ApproverID,
		approval.ApprovedAt.Format(timeLayout), approval.Notes, approval.ReviewDurationSeconds); err != nil {
		return nil, mapError(op, err)
	}
	return approval, nil
}

const currentApprovalQuery = `
	SELECT ` + approvalColumns + ` FROM approval_states a
	WHERE a.blog_id = ?
	  AND a.revoked_at IS NULL
	  AND NOT EXISTS (
		SELECT 1 FROM approval_states r
		WHERE r.blog_id = a.blog_id
		  AND r.approved_version_id = a.approved_version_id
		  AND r.approver_id = a.approver_id
		  AND r.approved_at = a.approved_at
		  AND r.revoked_at IS NOT NULL)
	ORDER BY a.approved_at DESC, a.id DESC
	LIMIT 1`

func (s *Storage) CurrentApproval(ctx context.Context, blogID string) (*core.ApprovalState, error) {
	approval, err := scanApproval(s.db.QueryRowContext(ctx, currentApprovalQuery, blogID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("sqlite.current_approval", err)
	}
	return approval, nil
}

func (s *Storage) RevokeApproval(ctx context.Context, blogID, revokedBy, reason string) (*core.ApprovalState, error) {
	const op = "sqlite.revoke_approval"

	current, err := s.CurrentApproval(ctx, blogID)
	if err != nil {
		return nil, err
	}
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
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_states (id, blog_id, approved_version_id, approver_id, approved_at,
			revoked_at, revoked_by, revocation_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		revocation.ID, blogID, revocation.ApprovedVersionID, revocation.ApproverID,
		revocation.ApprovedAt.Format(timeLayout), now.Format(timeLayout), revokedBy, reason); err != nil {
		return nil, mapError(op, err)
	}
	return revocation, nil
}

func (s *Storage) LogAttempt(ctx context.Context, attempt *core.ApprovalAttempt) (*core.ApprovalAttempt, error) {
	const op = "sqlite.log_attempt"

	row := *attempt
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.AttemptedAt.IsZero() {
		row.AttemptedAt = s.clock.Now()
	}
	var blogID any
	if row.BlogID != "" {
		blogID = row.BlogID
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_attempts (id, blog_id, version_id, attempted_by, is_human_snapshot, result, attempted_at, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, blogID, row.VersionID, row.AttemptedBy, row.IsHumanSnapshot,
		row.Result, row.AttemptedAt.Format(timeLayout), row.FailureReason); err != nil {
		return nil, mapError(op, err)
	}
	return &row, nil
}

func (s *Storage) ListAttempts(ctx context.Context, blogID string) ([]*core.ApprovalAttempt, error) {
	const op = "sqlite.list_attempts"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, blog_id, version_id, attempted_by, is_human_snapshot, result, attempted_at, failure_reason
		FROM approval_attempts WHERE blog_id = ? ORDER BY attempted_at ASC`, blogID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*core.ApprovalAttempt
	for rows.Next() {
		var a core.ApprovalAttempt
		var storedBlog *string
		var attempted string
		if err := rows.Scan(&a.ID, &storedBlog, &a.VersionID, &a.AttemptedBy,
			&a.IsHumanSnapshot, &a.Result, &attempted, &a.FailureReason); err != nil {
			return nil, mapError(op, err)
		}
		if storedBlog != nil {
			a.BlogID = *storedBlog
		}
		a.AttemptedAt = parseTime(attempted)
		attempts = append(attempts, &a)
	}
	return attempts, mapError(op, rows.Err())
}

func (s *Storage) CountFastApprovals(ctx context.Context, reviewerID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM human_review_actions
		WHERE reviewer_id = ? AND action = 'fast_approval' AND created_at >= ?`,
		reviewerID, since.Format(timeLayout)).Scan(&count)
	if err != nil {
		return 0, mapError("sqlite.count_fast_approvals", err)
	}
	return count, nil
}

// --- review ---

func scanReviewState(row rowScanner) (*core.VersionReviewState, error) {
	var state core.VersionReviewState
	var started *string
	var updated string
	err := row.Scan(&state.VersionID, &state.BlogID, &state.State, &started, &updated)
	if err != nil {
		return nil, err
	}
	state.ReviewStartedAt = parseTimePtr(started)
	state.UpdatedAt = parseTime(updated)
	return &state, nil
}

func (s *Storage) GetReviewState(ctx context.Context, versionID string) (*core.VersionReviewState, error) {
	state, err := scanReviewState(s.db.QueryRowContext(ctx, `
		SELECT version_id, blog_id, state, review_started_at, updated_at
		FROM version_review_states WHERE version_id = ?`, versionID))
	if err != nil {
		return nil, mapError("sqlite.get_review_state", err)
	}
	return state, nil
}

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
	const op = "sqlite.transition_review"
	if !transitionAllowed(from, to) {
		return nil, core.NewError(core.KindInvalidState, op,
			"transition "+string(from)+" -> "+string(to)+" is forbidden")
	}

	now := s.now()
	var started any
	if to == core.StateInReview {
		started = now
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE version_review_states
		SET state = ?, review_started_at = COALESCE(?, review_started_at), updated_at = ?
		WHERE version_id = ? AND state = ?`,
		to, started, now, versionID, from)
	if err != nil {
		return nil, mapError(op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, mapError(op, err)
	}
	if affected == 0 {
		current, gerr := s.GetReviewState(ctx, versionID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, core.NewError(core.KindConflict, op,
			"review state changed concurrently: have "+string(current.State)+", want "+string(from))
	}
	return s.GetReviewState(ctx, versionID)
}

func (s *Storage) LogReviewAction(ctx context.Context, action *core.HumanReviewAction) (*core.HumanReviewAction, error) {
	const op = "sqlite.log_review_action"

	row := *action
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.clock.Now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO human_review_actions (id, blog_id, version_id, reviewer_id, action, comments, is_override, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.BlogID, row.VersionID, row.ReviewerID, row.Action, row.Comments,
		row.IsOverride, row.CreatedAt.Format(timeLayout)); err != nil {
		return nil, mapError(op, err)
	}
	return &row, nil
}

func (s *Storage) ListReviewActions(ctx context.Context, blogID string) ([]*core.HumanReviewAction, error) {
	const op = "sqlite.list_review_actions"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, blog_id, version_id, reviewer_id, action, comments, is_override, created_at
		FROM human_review_actions WHERE blog_id = ? ORDER BY created_at ASC`, blogID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var actions []*core.HumanReviewAction
	for rows.Next() {
		var a core.HumanReviewAction
		var created string
		if err := rows.Scan(&a.ID, &a.BlogID, &a.VersionID, &a.ReviewerID,
			&a.Action, &a.Comments, &a.IsOverride, &created); err != nil {
			return nil, mapError(op, err)
		}
		a.CreatedAt = parseTime(created)
		actions = append(actions, &a)
	}
	return actions, mapError(op, rows.Err())
}

func (s *Storage) CountReviewCycles(ctx context.Context, blogID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM human_review_actions
		WHERE blog_id = ? AND action = 'submit_for_review'`, blogID).Scan(&count)
	if err != nil {
		return 0, mapError("sqlite.count_review_cycles", err)
	}
	return count, nil
}

func (s *Storage) CountRejectionsBy(ctx context.Context, blogID, reviewerID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM human_review_actions
		WHERE blog_id = ? AND reviewer_id = ? AND action = 'reject' AND created_at >= ?`,
		blogID, reviewerID, since.Format(timeLayout)).Scan(&count)
	if err != nil {
		return 0, mapError("sqlite.count_rejections", err)
	}
	return count, nil
}

func (s *Storage) ListStaleInReview(ctx context.Context, before time.Time) ([]*core.VersionReviewState, error) {
	const op = "sqlite.list_stale_in_review"
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_id, blog_id, state, review_started_at, updated_at
		FROM version_review_states
		WHERE state = 'in_review' AND review_started_at < ?
		ORDER BY version_id`, before.Format(timeLayout))
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var states []*core.VersionReviewState
	for rows.Next() {
		state, err := scanReviewState(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		states = append(states, state)
	}
	return states, mapError(op, rows.Err())
}

// --- evaluation runs and scores ---

const runColumns = `id, blog_version_id, run_at, triggered_by, model_config, status, completed_at`

func scanRun(row rowScanner) (*core.EvaluationRun, error) {
	var run core.EvaluationRun
	var runAt, config string
	var completed *string
	err := row.Scan(&run.ID, &run.BlogVersionID, &runAt, &run.TriggeredBy,
		&config, &run.Status, &completed)
	if err != nil {
		return nil, err
	}
	run.RunAt = parseTime(runAt)
	run.CompletedAt = parseTimePtr(completed)
	if config != "" {
		if err := json.Unmarshal([]byte(config), &run.ModelConfig); err != nil {
			return nil, fmt.Errorf("decode model_config: %w", err)
		}
	}
	return &run, nil
}

func (s *Storage) CreateRun(ctx context.Context, nr *core.NewRun) (*core.EvaluationRun, error) {
	const op = "sqlite.create_run"

	if _, err := s.GetVersion(ctx, nr.BlogVersionID); err != nil {
		return nil, err
	}
	config, err := json.Marshal(nr.ModelConfig)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, op, "model_config", err)
	}

	run := &core.EvaluationRun{
		ID:            uuid.NewString(),
		BlogVersionID: nr.BlogVersionID,
		RunAt:         s.clock.Now(),
		TriggeredBy:   nr.TriggeredBy,
		ModelConfig:   nr.ModelConfig,
		Status:        core.RunProcessing,
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluation_runs (id, blog_version_id, run_at, triggered_by, model_config, status)
		VALUES (?, ?, ?, ?, ?, 'processing')`,
		run.ID, run.BlogVersionID, run.RunAt.Format(timeLayout), run.TriggeredBy, string(config)); err != nil {
		return nil, mapError(op, err)
	}
	return run, nil
}

func (s *Storage) GetRun(ctx context.Context, id string) (*core.EvaluationRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM evaluation_runs WHERE id = ?`, id))
	if err != nil {
		return nil, mapError("sqlite.get_run", err)
	}
	return run, nil
}

func (s *Storage) FindProcessingRun(ctx context.Context, versionID string) (*core.EvaluationRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM evaluation_runs
		WHERE blog_version_id = ? AND status = 'processing'
		ORDER BY run_at ASC LIMIT 1`, versionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("sqlite.find_processing_run", err)
	}
	return run, nil
}

func (s *Storage) FinalizeRun(ctx context.Context, runID string, status core.RunStatus) (*core.EvaluationRun, error) {
	const op = "sqlite.finalize_run"
	if status == core.RunProcessing {
		return nil, core.NewError(core.KindValidation, op, "cannot finalize to processing")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE evaluation_runs SET status = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		status, s.now(), runID)
	if err != nil {
		return nil, mapError(op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, mapError(op, err)
	}
	if affected == 0 {
		existing, gerr := s.GetRun(ctx, runID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, core.WrapError(core.KindConflict, op,
			"run already finalized as "+string(existing.Status), core.ErrWriteOnce)
	}
	return s.GetRun(ctx, runID)
}

func (s *Storage) InsertDetectorScore(ctx context.Context, score *core.DetectorScore) (*core.DetectorScore, error) {
	const op = "sqlite.insert_detector_score"
	if score.Score < 0 || score.Score > 100 {
		return nil, core.NewError(core.KindValidation, op, "score must be within [0,100]")
	}
	details, err := json.Marshal(score.Details)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, op, "details", err)
	}

	row := *score
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO detector_scores (id, run_id, provider, score, details)
		VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.RunID, row.Provider, row.Score, string(details)); err != nil {
		return nil, mapError(op, err)
	}
	return &row, nil
}

func (s *Storage) InsertAEOScore(ctx context.Context, score *core.AEOScore) (*core.AEOScore, error) {
	const op = "sqlite.insert_aeo_score"
	if score.Score < 0 || score.Score > 100 {
		return nil, core.NewError(core.KindValidation, op, "score must be within [0,100]")
	}

	row := *score
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO aeo_scores (id, run_id, query_intent, score, rationale)
		VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.RunID, row.QueryIntent, row.Score, row.Rationale); err != nil {
		return nil, mapError(op, err)
	}
	return &row, nil
}

func (s *Storage) GetDetectorScore(ctx context.Context, runID, provider string) (*core.DetectorScore, error) {
	const op = "sqlite.get_detector_score"
	var score core.DetectorScore
	var details string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, provider, score, details FROM detector_scores
		WHERE run_id = ? AND provider = ?`, runID, provider).
		Scan(&score.ID, &score.RunID, &score.Provider, &score.Score, &details)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError(op, err)
	}
	if err := json.Unmarshal([]byte(details), &score.Details); err != nil {
		return nil, core.WrapError(core.KindInternal, op, "decode details", err)
	}
	return &score, nil
}

func (s *Storage) GetAEOScore(ctx context.Context, runID, queryIntent string) (*core.AEOScore, error) {
	var score core.AEOScore
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, query_intent, score, rationale FROM aeo_scores
		WHERE run_id = ? AND query_intent = ?`, runID, queryIntent).
		Scan(&score.ID, &score.RunID, &score.QueryIntent, &score.Score, &score.Rationale)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("sqlite.get_aeo_score", err)
	}
	return &score, nil
}

func (s *Storage) ListDetectorScores(ctx context.Context, runID string) ([]*core.DetectorScore, error) {
	const op = "sqlite.list_detector_scores"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, provider, score, details FROM detector_scores
		WHERE run_id = ? ORDER BY provider`, runID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var scores []*core.DetectorScore
	for rows.Next() {
		var score core.DetectorScore
		var details string
		if err := rows.Scan(&score.ID, &score.RunID, &score.Provider, &score.Score, &details); err != nil {
			return nil, mapError(op, err)
		}
		if err := json.Unmarshal([]byte(details), &score.Details); err != nil {
			return nil, core.WrapError(core.KindInternal, op, "decode details", err)
		}
		scores = append(scores, &score)
	}
	return scores, mapError(op, rows.Err())
}

func (s *Storage) ListAEOScores(ctx context.Context, runID string) ([]*core.AEOScore, error) {
	const op = "sqlite.list_aeo_scores"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, query_intent, score, rationale FROM aeo_scores
		WHERE run_id = ? ORDER BY query_intent`, runID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var scores []*core.AEOScore
	for rows.Next() {
		var score core.AEOScore
		if err := rows.Scan(&score.ID, &score.RunID, &score.QueryIntent, &score.Score, &score.Rationale); err != nil {
			return nil, mapError(op, err)
		}
		scores = append(scores, &score)
	}
	return scores, mapError(op, rows.Err())
}

func (s *Storage) LatestFinishedRunForBlog(ctx context.Context, blogID, excludeRunID string) (*core.EvaluationRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT r.id, r.blog_version_id, r.run_at, r.triggered_by, r.model_config, r.status, r.completed_at
		FROM evaluation_runs r
		JOIN versions v ON v.id = r.blog_version_id
		WHERE v.blog_id = ? AND r.status <> 'processing' AND r.id <> ?
		ORDER BY r.run_at DESC, r.id DESC LIMIT 1`, blogID, excludeRunID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("sqlite.latest_finished_run_for_blog", err)
	}
	return run, nil
}

func (s *Storage) LatestFinishedRunForVersion(ctx context.Context, versionID string) (*core.EvaluationRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM evaluation_runs
		WHERE blog_version_id = ? AND status <> 'processing'
		ORDER BY run_at DESC, id DESC LIMIT 1`, versionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("sqlite.latest_finished_run_for_version", err)
	}
	return run, nil
}

// --- rewrite cycles ---

const cycleColumns = `id, parent_version_id, child_version_id, cycle_number, trigger_reasons,
	trigger_data, rewrite_prompt, parent_scores, child_scores, trend_outcome, trend_code,
	rewrite_status, stop_reason, created_at`

func scanCycle(row rowScanner) (*core.RewriteCycle, error) {
	var c core.RewriteCycle
	var reasons, data string
	var parentScores, childScores *string
	var created string
	err := row.Scan(&c.ID, &c.ParentVersionID, &c.ChildVersionID, &c.CycleNumber,
		&reasons, &data, &c.RewritePrompt, &parentScores, &childScores,
		&c.TrendOutcome, &c.TrendCode, &c.RewriteStatus, &c.StopReason, &created)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(reasons), &c.TriggerReasons); err != nil {
		return nil, fmt.Errorf("decode trigger_reasons: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &c.TriggerData); err != nil {
		return nil, fmt.Errorf("decode trigger_data: %w", err)
	}
	if parentScores != nil {
		if err := json.Unmarshal([]byte(*parentScores), &c.ParentScores); err != nil {
			return nil, fmt.Errorf("decode parent_scores: %w", err)
		}
	}
	if childScores != nil {
		if err := json.Unmarshal([]byte(*childScores), &c.ChildScores); err != nil {
			return nil, fmt.Errorf("decode child_scores: %w", err)
		}
	}
	return &c, nil
}

func (s *Storage) InsertCycle(ctx context.Context, nc *core.NewCycle) (*core.RewriteCycle, error) {
	const op = "sqlite.insert_cycle"
	if nc.RewritePrompt == "" {
		return nil, core.NewError(core.KindValidation, op, "rewrite prompt is required")
	}
	if _, err := s.GetVersion(ctx, nc.ParentVersionID); err != nil {
		return nil, err
	}

	reasons, err := json.Marshal(nc.TriggerReasons)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, op, "trigger_reasons", err)
	}
	data, err := json.Marshal(nc.TriggerData)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, op, "trigger_data", err)
	}
	var parentScores any
	if nc.ParentScores != nil {
		encoded, err := json.Marshal(nc.ParentScores)
		if err != nil {
			return nil, core.WrapError(core.KindValidation, op, "parent_scores", err)
		}
		parentScores = string(encoded)
	}

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO rewrite_cycles (id, parent_version_id, cycle_number, trigger_reasons,
			trigger_data, rewrite_prompt, parent_scores, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, nc.ParentVersionID, nc.CycleNumber, string(reasons), string(data),
		nc.RewritePrompt, parentScores, s.now()); err != nil {
		return nil, mapError(op, err)
	}
	return s.GetCycle(ctx, id)
}

func (s *Storage) GetCycle(ctx context.Context, id string) (*core.RewriteCycle, error) {
	cycle, err := scanCycle(s.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM rewrite_cycles WHERE id = ?`, id))
	if err != nil {
		return nil, mapError("sqlite.get_cycle", err)
	}
	return cycle, nil
}

func (s *Storage) FinishCycle(ctx context.Context, cycleID string, outcome *core.CycleOutcome) (*core.RewriteCycle, error) {
	const op = "sqlite.finish_cycle"
	if outcome.Status != core.RewriteCompleted && outcome.Status != core.RewriteTerminal {
		return nil, core.NewError(core.KindValidation, op, "status must be completed or terminal")
	}

	var childScores any
	if outcome.ChildScores != nil {
		encoded, err := json.Marshal(outcome.ChildScores)
		if err != nil {
			return nil, core.WrapError(core.KindValidation, op, "child_scores", err)
		}
		childScores = string(encoded)
	}
	var trendCode any
	var trendOutcome any
	if outcome.TrendOutcome != nil {
		trendOutcome = string(*outcome.TrendOutcome)
		trendCode = core.TrendCode(*outcome.TrendOutcome)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE rewrite_cycles
		SET child_version_id = ?, child_scores = ?, trend_outcome = ?, trend_code = ?,
		    rewrite_status = ?, stop_reason = ?
		WHERE id = ? AND rewrite_status = 'pending'`,
		outcome.ChildVersionID, childScores, trendOutcome, trendCode,
		outcome.Status, outcome.StopReason, cycleID)
	if err != nil {
		return nil, mapError(op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, mapError(op, err)
	}
	if affected == 0 {
		existing, gerr := s.GetCycle(ctx, cycleID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, core.WrapError(core.KindConflict, op,
			"cycle already "+string(existing.RewriteStatus), core.ErrWriteOnce)
	}
	return s.GetCycle(ctx, cycleID)
}

func (s *Storage) ListCyclesForParent(ctx context.Context, parentVersionID string) ([]*core.RewriteCycle, error) {
	const op = "sqlite.list_cycles_for_parent"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cycleColumns+` FROM rewrite_cycles
		WHERE parent_version_id = ? ORDER BY cycle_number ASC`, parentVersionID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var cycles []*core.RewriteCycle
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		cycles = append(cycles, cycle)
	}
	return cycles, mapError(op, rows.Err())
}

func (s *Storage) CountCyclesForBlog(ctx context.Context, blogID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rewrite_cycles c
		JOIN versions v ON v.id = c.parent_version_id
		WHERE v.blog_id = ?`, blogID).Scan(&count)
	if err != nil {
		return 0, mapError("sqlite.count_cycles_for_blog", err)
	}
	return count, nil
}

func (s *Storage) RecentChildAEOTotals(ctx context.Context, blogID string, limit int) ([]float64, error) {
	const op = "sqlite.recent_child_aeo_totals"
	rows, err := s.db.QueryContext(ctx, `
		SELECT CAST(json_extract(c.child_scores, '$.aeo_total') AS REAL)
		FROM rewrite_cycles c
		JOIN versions v ON v.id = c.parent_version_id
		WHERE v.blog_id = ? AND c.rewrite_status = 'completed' AND c.child_scores IS NOT NULL
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT ?`, blogID, limit)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var totals []float64
	for rows.Next() {
		var total float64
		if err := rows.Scan(&total); err != nil {
			return nil, mapError(op, err)
		}
		totals = append(totals, total)
	}
	return totals, mapError(op, rows.Err())
}

// --- escalations ---

func (s *Storage) OpenEscalation(ctx context.Context, ne *core.NewEscalation) (*core.Escalation, error) {
	const op = "sqlite.open_escalation"

	details, err := json.Marshal(ne.Details)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, op, "details", err)
	}
	escalation := &core.Escalation{
		ID:        uuid.NewString(),
		BlogID:    ne.BlogID,
		VersionID: ne.VersionID,
		Reason:    ne.Reason,
		Details:   ne.Details,
		Status:    core.EscalationPending,
		CreatedAt: s.clock.Now(),
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, blog_id, version_id, reason, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		escalation.ID, ne.BlogID, ne.VersionID, ne.Reason, string(details),
		escalation.CreatedAt.Format(timeLayout)); err != nil {
		return nil, mapError(op, err)
	}
	return escalation, nil
}

func (s *Storage) ResolveEscalation(ctx context.Context, id, resolvedBy string, dismiss bool) (*core.Escalation, error) {
	const op = "sqlite.resolve_escalation"

	status := core.EscalationResolved
	if dismiss {
		status = core.EscalationDismissed
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND status = 'pending_review'`,
		status, s.now(), resolvedBy, id)
	if err != nil {
		return nil, mapError(op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, mapError(op, err)
	}
	if affected == 0 {
		return nil, core.NewError(core.KindConflict, op, "escalation missing or already resolved")
	}
	return s.getEscalation(ctx, id)
}

func (s *Storage) getEscalation(ctx context.Context, id string) (*core.Escalation, error) {
	const op = "sqlite.get_escalation"
	var escalation core.Escalation
	var details, created string
	var resolved *string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, blog_id, version_id, reason, details, status, created_at, resolved_at, resolved_by
		FROM escalations WHERE id = ?`, id).
		Scan(&escalation.ID, &escalation.BlogID, &escalation.VersionID, &escalation.Reason,
			&details, &escalation.Status, &created, &resolved, &escalation.ResolvedBy)
	if err != nil {
		return nil, mapError(op, err)
	}
	escalation.CreatedAt = parseTime(created)
	escalation.ResolvedAt = parseTimePtr(resolved)
	if err := json.Unmarshal([]byte(details), &escalation.Details); err != nil {
		return nil, core.WrapError(core.KindInternal, op, "decode details", err)
	}
	return &escalation, nil
}

func (s *Storage) IsEscalated(ctx context.Context, blogID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escalations WHERE blog_id = ? AND status = 'pending_review'`,
		blogID).Scan(&count)
	if err != nil {
		return false, mapError("sqlite.is_escalated", err)
	}
	return count > 0, nil
}

func (s *Storage) ListOpenEscalations(ctx context.Context, blogID string) ([]*core.Escalation, error) {
	const op = "sqlite.list_open_escalations"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM escalations
		WHERE blog_id = ? AND status = 'pending_review'
		ORDER BY created_at ASC, id ASC`, blogID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}

	escalations := make([]*core.Escalation, 0, len(ids))
	for _, id := range ids {
		escalation, err := s.getEscalation(ctx, id)
		if err != nil {
			return nil, err
		}
		escalations = append(escalations, escalation)
	}
	return escalations, nil
}
