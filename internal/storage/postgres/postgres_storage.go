// Package postgres implements core.Storage on PostgreSQL via pgx. The
// schema's constraints and triggers (see internal/platform/migrations) are
// the canonical enforcement of write-once and partial-immutability rules;
// this adapter translates their violations into typed errors.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

// Config holds connection settings.
type Config struct {
	DSN             string
	MaxConnections  int
	MinConnections  int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	Logger          *slog.Logger
}

// Storage is the PostgreSQL implementation of core.Storage.
type Storage struct {
	cfg    Config
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a disconnected storage; call Connect before use.
func New(cfg Config) *Storage {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Storage{cfg: cfg, logger: cfg.Logger}
}

// Connect establishes the connection pool.
func (s *Storage) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(s.cfg.DSN)
	if err != nil {
		return core.WrapError(core.KindValidation, "postgres.connect", "parse dsn", err)
	}
	if s.cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(s.cfg.MaxConnections)
	}
	if s.cfg.MinConnections > 0 {
		poolConfig.MinConns = int32(s.cfg.MinConnections)
	}
	if s.cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = s.cfg.MaxConnLifetime
	}
	if s.cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = s.cfg.MaxConnIdleTime
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return core.WrapError(core.KindUnavailable, "postgres.connect", "create pool", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return core.WrapError(core.KindUnavailable, "postgres.connect", "ping", err)
	}
	s.pool = pool
	s.logger.Info("connected to postgres", "max_conns", poolConfig.MaxConns)
	return nil
}

// Close releases the pool.
func (s *Storage) Close(ctx context.Context) error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// Health pings the database.
func (s *Storage) Health(ctx context.Context) error {
	if s.pool == nil {
		return core.WrapError(core.KindUnavailable, "postgres.health", "pool", core.ErrNotConnected)
	}
	if err := s.pool.Ping(ctx); err != nil {
		return core.WrapError(core.KindUnavailable, "postgres.health", "ping", err)
	}
	return nil
}

// mapError converts a pgx error into a typed core error.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return core.WrapError(core.KindNotFound, op, "no rows", core.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return core.WrapError(core.KindConflict, op, pgErr.ConstraintName, core.ErrDuplicate)
		case "23503", "23514": // fk / check violation
			return core.WrapError(core.KindValidation, op, pgErr.Message, err)
		case "55000": // restrict_violation raised by the write-once triggers
			return core.WrapError(core.KindInternal, op, pgErr.Message, core.ErrWriteOnce)
		}
	}
	return core.WrapError(core.KindUnavailable, op, "query failed", err)
}

// --- actors ---

func (s *Storage) CreateActor(ctx context.Context, email string, role core.ActorRole, isHuman bool) (*core.Actor, error) {
	const op = "postgres.create_actor"
	if email == "" {
		return nil, core.NewError(core.KindValidation, op, "email cannot be empty")
	}
	if role == core.RoleSystem && isHuman {
		return nil, core.NewError(core.KindValidation, op, "system actors cannot be human")
	}

	actor := &core.Actor{ID: uuid.NewString(), Email: email, Role: role, IsHuman: isHuman}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO actors (id, email, role, is_human)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		actor.ID, email, role, isHuman)
	if err := row.Scan(&actor.CreatedAt); err != nil {
		return nil, mapError(op, err)
	}
	return actor, nil
}

func (s *Storage) GetActor(ctx context.Context, id string) (*core.Actor, error) {
	return s.scanActor(ctx, "postgres.get_actor",
		`SELECT id, email, role, is_human, created_at FROM actors WHERE id = $1`, id)
}

func (s *Storage) GetActorByEmail(ctx context.Context, email string) (*core.Actor, error) {
	return s.scanActor(ctx, "postgres.get_actor_by_email",
		`SELECT id, email, role, is_human, created_at FROM actors WHERE email = $1`, email)
}

func (s *Storage) scanActor(ctx context.Context, op, query string, arg any) (*core.Actor, error) {
	var actor core.Actor
	row := s.pool.QueryRow(ctx, query, arg)
	if err := row.Scan(&actor.ID, &actor.Email, &actor.Role, &actor.IsHuman, &actor.CreatedAt); err != nil {
		return nil, mapError(op, err)
	}
	return &actor, nil
}

func (s *Storage) SetActorHuman(ctx context.Context, id string, isHuman bool, adminID string) (*core.Actor, error) {
	const op = "postgres.set_actor_human"

	admin, err := s.GetActor(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if admin.Role != core.RoleAdmin {
		return nil, core.NewError(core.KindForbidden, op, "is_human is mutable only by admins")
	}

	var actor core.Actor
	row := s.pool.QueryRow(ctx, `
		UPDATE actors SET is_human = $2
		WHERE id = $1
		RETURNING id, email, role, is_human, created_at`,
		id, isHuman)
	if err := row.Scan(&actor.ID, &actor.Email, &actor.Role, &actor.IsHuman, &actor.CreatedAt); err != nil {
		return nil, mapError(op, err)
	}
	return &actor, nil
}

// --- blogs and versions ---

func (s *Storage) CreateBlog(ctx context.Context, name, createdBy string, projectID *string) (*core.Blog, error) {
	const op = "postgres.create_blog"
	if name == "" {
		return nil, core.WrapError(core.KindValidation, op, "blog name", core.ErrEmptyBlogName)
	}

	blog := &core.Blog{ID: uuid.NewString(), Name: name, ProjectID: projectID, CreatedBy: createdBy}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO blogs (id, name, project_id, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		blog.ID, name, projectID, createdBy)
	if err := row.Scan(&blog.CreatedAt); err != nil {
		return nil, mapError(op, err)
	}
	return blog, nil
}

func (s *Storage) GetBlog(ctx context.Context, id string) (*core.Blog, error) {
	const op = "postgres.get_blog"
	var blog core.Blog
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, project_id, created_by, created_at FROM blogs WHERE id = $1`, id)
	if err := row.Scan(&blog.ID, &blog.Name, &blog.ProjectID, &blog.CreatedBy, &blog.CreatedAt); err != nil {
		return nil, mapError(op, err)
	}
	return &blog, nil
}

const versionColumns = `id, blog_id, parent_version_id, content, content_hash, version_number,
	source, source_rewrite_cycle_id, change_reason, created_by, created_at`

func scanVersion(row pgx.Row) (*core.Version, error) {
	var v core.Version
	err := row.Scan(&v.ID, &v.BlogID, &v.ParentVersionID, &v.Content, &v.ContentHash,
		&v.VersionNumber, &v.Source, &v.SourceRewriteCycleID, &v.ChangeReason,
		&v.CreatedBy, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Storage) AppendVersion(ctx context.Context, nv *core.NewVersion) (*core.Version, error) {
	const op = "postgres.append_version"
	if nv == nil || nv.Content == "" {
		return nil, core.WrapError(core.KindValidation, op, "content", core.ErrEmptyContent)
	}
	if nv.Source == core.SourceAIRewrite && nv.SourceRewriteCycleID == nil {
		return nil, core.WrapError(core.KindValidation, op, "source_rewrite_cycle_id", core.ErrMissingCycleID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if nv.ParentVersionID != nil {
		var parentBlog string
		if err := tx.QueryRow(ctx,
			`SELECT blog_id FROM versions WHERE id = $1`, *nv.ParentVersionID).Scan(&parentBlog); err != nil {
			return nil, mapError(op, err)
		}
		if parentBlog != nv.BlogID {
			return nil, core.WrapError(core.KindValidation, op, "parent version", core.ErrParentMismatch)
		}
	}

	id := uuid.NewString()
	// version_number races surface through the unique constraint as conflict;
	// the caller retries with refreshed state.
	version, err := scanVersion(tx.QueryRow(ctx, `
		INSERT INTO versions (id, blog_id, parent_version_id, content, version_number,
			source, source_rewrite_cycle_id, change_reason, created_by)
		SELECT $1, $2, $3, $4,
			COALESCE(MAX(version_number), 0) + 1,
			$5, $6, $7, $8
		FROM versions WHERE blog_id = $2
		RETURNING `+versionColumns,
		id, nv.BlogID, nv.ParentVersionID, nv.Content,
		nv.Source, nv.SourceRewriteCycleID, nv.ChangeReason, nv.CreatedBy))
	if err != nil {
		return nil, mapError(op, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO version_review_states (version_id, blog_id, state)
		VALUES ($1, $2, 'draft')`,
		version.ID, version.BlogID); err != nil {
		return nil, mapError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(op, err)
	}
	return version, nil
}

func (s *Storage) GetVersion(ctx context.Context, id string) (*core.Version, error) {
	version, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("postgres.get_version", err)
	}
	return version, nil
}

func (s *Storage) ListVersions(ctx context.Context, blogID string) ([]*core.Version, error) {
	const op = "postgres.list_versions"
	rows, err := s.pool.Query(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE blog_id = $1
		ORDER BY version_number ASC, created_at ASC`, blogID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

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
	version, err := scanVersion(s.pool.QueryRow(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE blog_id = $1
		ORDER BY version_number DESC, created_at DESC
		LIMIT 1`, blogID))
	if err != nil {
		return nil, mapError("postgres.latest_version", err)
	}
	return version, nil
}

// --- approvals ---

const approvalColumns = `id, blog_id, approved_version_id, approver_id, approved_at,
	revoked_at, revoked_by, revocation_reason, notes, review_duration_seconds`

func scanApproval(row pgx.Row) (*core.ApprovalState, error) {
	var a core.ApprovalState
	err := row.Scan(&a.ID, &a.BlogID, &a.ApprovedVersionID, &a.ApproverID, &a.ApprovedAt,
		&a.RevokedAt, &a.RevokedBy, &a.RevocationReason, &a.Notes, &a.ReviewDurationSeconds)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Storage) RecordApproval(ctx context.Context, na *core.NewApproval) (*core.ApprovalState, error) {
	const op = "postgres.record_approval"

	// Preconditions enforced at the storage boundary.
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

	approval, err := scanApproval(s.pool.QueryRow(ctx, `
		INSERT INTO approval_states (id, blog_id, approved_version_id, approver_id, notes, review_duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+approvalColumns,
		uuid.NewString(), na.BlogID, na.VersionID, na.ApproverID, na.Notes, na.ReviewDurationSeconds))
	if err != nil {
		return nil, mapError(op, err)
	}
	return approval, nil
}

// currentApprovalQuery excludes rows that a companion revocation row has
// superseded; ties on approved_at break by id.
const currentApprovalQuery = `
	SELECT ` + approvalColumns + ` FROM approval_states a
	WHERE a.blog_id = $1
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
	approval, err := scanApproval(s.pool.QueryRow(ctx, currentApprovalQuery, blogID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("postgres.current_approval", err)
	}
	return approval, nil
}

func (s *Storage) RevokeApproval(ctx context.Context, blogID, revokedBy, reason string) (*core.ApprovalState, error) {
	const op = "postgres.revoke_approval"

	current, err := s.CurrentApproval(ctx, blogID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, core.WrapError(core.KindNotFound, op, "no current approval for blog "+blogID, core.ErrNotFound)
	}

	revocation, err := scanApproval(s.pool.QueryRow(ctx, `
		INSERT INTO approval_states (id, blog_id, approved_version_id, approver_id, approved_at,
			revoked_at, revoked_by, revocation_reason)
		VALUES ($1, $2, $3, $4, $5, now(), $6, $7)
		RETURNING `+approvalColumns,
		uuid.NewString(), blogID, current.ApprovedVersionID, current.ApproverID,
		current.ApprovedAt, revokedBy, reason))
	if err != nil {
		return nil, mapError(op, err)
	}
	return revocation, nil
}

func (s *Storage) LogAttempt(ctx context.Context, attempt *core.ApprovalAttempt) (*core.ApprovalAttempt, error) {
	const op = "postgres.log_attempt"

	row := *attempt
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	var blogID any
	if row.BlogID != "" {
		blogID = row.BlogID
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO approval_attempts (id, blog_id, version_id, attempted_by, is_human_snapshot, result, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING attempted_at`,
		row.ID, blogID, row.VersionID, row.AttemptedBy, row.IsHumanSnapshot, row.Result, row.FailureReason,
	).Scan(&row.AttemptedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	return &row, nil
}

func (s *Storage) ListAttempts(ctx context.Context, blogID string) ([]*core.ApprovalAttempt, error) {
	const op = "postgres.list_attempts"
	rows, err := s.pool.Query(ctx, `
		SELECT id, blog_id, version_id, attempted_by, is_human_snapshot, result, attempted_at, failure_reason
		FROM approval_attempts WHERE blog_id = $1 ORDER BY attempted_at ASC`, blogID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var attempts []*core.ApprovalAttempt
	for rows.Next() {
		var a core.ApprovalAttempt
		var storedBlog *string
		if err := rows.Scan(&a.ID, &storedBlog, &a.VersionID, &a.AttemptedBy,
			&a.IsHumanSnapshot, &a.Result, &a.AttemptedAt, &a.FailureReason); err != nil {
			return nil, mapError(op, err)
		}
		if storedBlog != nil {
			a.BlogID = *storedBlog
		}
		attempts = append(attempts, &a)
	}
	return attempts, mapError(op, rows.Err())
}

func (s *Storage) CountFastApprovals(ctx context.Context, reviewerID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM human_review_actions
		WHERE reviewer_id = $1 AND action = 'fast_approval' AND created_at >= $2`,
		reviewerID, since).Scan(&count)
	if err != nil {
		return 0, mapError("postgres.count_fast_approvals", err)
	}
	return count, nil
}

// --- review ---

func (s *Storage) GetReviewState(ctx context.Context, versionID string) (*core.VersionReviewState, error) {
	var state core.VersionReviewState
	err := s.pool.QueryRow(ctx, `
		SELECT version_id, blog_id, state, review_started_at, updated_at
		FROM version_review_states WHERE version_id = $1`, versionID).
		Scan(&state.VersionID, &state.BlogID, &state.State, &state.ReviewStartedAt, &state.UpdatedAt)
	if err != nil {
		return nil, mapError("postgres.get_review_state", err)
	}
	return &state, nil
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
	const op = "postgres.transition_review"
	if !transitionAllowed(from, to) {
		return nil, core.NewError(core.KindInvalidState, op,
			"transition "+string(from)+" -> "+string(to)+" is forbidden")
	}

	// Compare-and-swap on the current state catches concurrent transitions.
	var state core.VersionReviewState
	err := s.pool.QueryRow(ctx, `
		UPDATE version_review_states
		SET state = $3,
		    review_started_at = CASE WHEN $3 = 'in_review' THEN now() ELSE review_started_at END,
		    updated_at = now()
		WHERE version_id = $1 AND state = $2
		RETURNING version_id, blog_id, state, review_started_at, updated_at`,
		versionID, from, to).
		Scan(&state.VersionID, &state.BlogID, &state.State, &state.ReviewStartedAt, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, gerr := s.GetReviewState(ctx, versionID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, core.NewError(core.KindConflict, op,
				"review state changed concurrently: have "+string(current.State)+", want "+string(from))
		}
		return nil, mapError(op, err)
	}
	return &state, nil
}

func (s *Storage) LogReviewAction(ctx context.Context, action *core.HumanReviewAction) (*core.HumanReviewAction, error) {
	const op = "postgres.log_review_action"

	row := *action
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO human_review_actions (id, blog_id, version_id, reviewer_id, action, comments, is_override)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		row.ID, row.BlogID, row.VersionID, row.ReviewerID, row.Action, row.Comments, row.IsOverride,
	).Scan(&row.CreatedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	return &row, nil
}

func (s *Storage) ListReviewActions(ctx context.Context, blogID string) ([]*core.HumanReviewAction, error) {
	const op = "postgres.list_review_actions"
	rows, err := s.pool.Query(ctx, `
		SELECT id, blog_id, version_id, reviewer_id, action, comments, is_override, created_at
		FROM human_review_actions WHERE blog_id = $1 ORDER BY created_at ASC`, blogID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var actions []*core.HumanReviewAction
	for rows.Next() {
		var a core.HumanReviewAction
		if err := rows.Scan(&a.ID, &a.BlogID, &a.VersionID, &a.ReviewerID,
			&a.Action, &a.Comments, &a.IsOverride, &a.CreatedAt); err != nil {
			return nil, mapError(op, err)
		}
		actions = append(actions, &a)
	}
	return actions, mapError(op, rows.Err())
}

func (s *Storage) CountReviewCycles(ctx context.Context, blogID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM human_review_actions
		WHERE blog_id = $1 AND action = 'submit_for_review'`, blogID).Scan(&count)
	if err != nil {
		return 0, mapError("postgres.count_review_cycles", err)
	}
	return count, nil
}

func (s *Storage) CountRejectionsBy(ctx context.Context, blogID, reviewerID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM human_review_actions
		WHERE blog_id = $1 AND reviewer_id = $2 AND action = 'reject' AND created_at >= $3`,
		blogID, reviewerID, since).Scan(&count)
	if err != nil {
		return 0, mapError("postgres.count_rejections", err)
	}
	return count, nil
}

func (s *Storage) ListStaleInReview(ctx context.Context, before time.Time) ([]*core.VersionReviewState, error) {
	const op = "postgres.list_stale_in_review"
	rows, err := s.pool.Query(ctx, `
		SELECT version_id, blog_id, state, review_started_at, updated_at
		FROM version_review_states
		WHERE state = 'in_review' AND review_started_at < $1
		ORDER BY version_id`, before)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var states []*core.VersionReviewState
	for rows.Next() {
		var state core.VersionReviewState
		if err := rows.Scan(&state.VersionID, &state.BlogID, &state.State,
			&state.ReviewStartedAt, &state.UpdatedAt); err != nil {
			return nil, mapError(op, err)
		}
		states = append(states, &state)
	}
	return states, mapError(op, rows.Err())
}

// --- evaluation runs and scores ---

const runColumns = `id, blog_version_id, run_at, triggered_by, model_config, status, completed_at`

func scanRun(row pgx.Row) (*core.EvaluationRun, error) {
	var run core.EvaluationRun
	var config []byte
	err := row.Scan(&run.ID, &run.BlogVersionID, &run.RunAt, &run.TriggeredBy,
		&config, &run.Status, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &run.ModelConfig); err != nil {
			return nil, fmt.Errorf("decode model_config: %w", err)
		}
	}
	return &run, nil
}

func (s *Storage) CreateRun(ctx context.Context, nr *core.NewRun) (*core.EvaluationRun, error) {
	const op = "postgres.create_run"

	config, err := json.Marshal(nr.ModelConfig)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, op, "model_config", err)
	}
	run, err := scanRun(s.pool.QueryRow(ctx, `
		INSERT INTO evaluation_runs (id, blog_version_id, triggered_by, model_config)
		VALUES ($1, $2, $3, $4)
		RETURNING `+runColumns,
		uuid.NewString(), nr.BlogVersionID, nr.TriggeredBy, config))
	if err != nil {
		return nil, mapError(op, err)
	}
	return run, nil
}

func (s *Storage) GetRun(ctx context.Context, id string) (*core.EvaluationRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM evaluation_runs WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("postgres.get_run", err)
	}
	return run, nil
}

func (s *Storage) FindProcessingRun(ctx context.Context, versionID string) (*core.EvaluationRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM evaluation_runs
		WHERE blog_version_id = $1 AND status = 'processing'
		ORDER BY run_at ASC LIMIT 1`, versionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("postgres.find_processing_run", err)
	}
	return run, nil
}

func (s *Storage) FinalizeRun(ctx context.Context, runID string, status core.RunStatus) (*core.EvaluationRun, error) {
	const op = "postgres.finalize_run"
	if status == core.RunProcessing {
		return nil, core.NewError(core.KindValidation, op, "cannot finalize to processing")
	}

	run, err := scanRun(s.pool.QueryRow(ctx, `
		UPDATE evaluation_runs
		SET status = $2, completed_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+runColumns,
		runID, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, gerr := s.GetRun(ctx, runID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, core.WrapError(core.KindConflict, op,
				"run already finalized as "+string(existing.Status), core.ErrWriteOnce)
		}
		return nil, mapError(op, err)
	}
	return run, nil
}

func (s *Storage) InsertDetectorScore(ctx context.Context, score *core.DetectorScore) (*core.DetectorScore, error) {
	const op = "postgres.insert_detector_score"
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
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO detector_scores (id, run_id, provider, score, details)
		VALUES ($1, $2, $3, $4, $5)`,
		row.ID, row.RunID, row.Provider, row.Score, details); err != nil {
		return nil, mapError(op, err)
	}
	return &row, nil
}

func (s *Storage) InsertAEOScore(ctx context.Context, score *core.AEOScore) (*core.AEOScore, error) {
	const op = "postgres.insert_aeo_score"
	if score.Score < 0 || score.Score > 100 {
		return nil, core.NewError(core.KindValidation, op, "score must be within [0,100]")
	}

	row := *score
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO aeo_scores (id, run_id, query_intent, score, rationale)
		VALUES ($1, $2, $3, $4, $5)`,
		row.ID, row.RunID, row.QueryIntent, row.Score, row.Rationale); err != nil {
		return nil, mapError(op, err)
	}
	return &row, nil
}

func (s *Storage) GetDetectorScore(ctx context.Context, runID, provider string) (*core.DetectorScore, error) {
	const op = "postgres.get_detector_score"
	var score core.DetectorScore
	var details []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, run_id, provider, score, details FROM detector_scores
		WHERE run_id = $1 AND provider = $2`, runID, provider).
		Scan(&score.ID, &score.RunID, &score.Provider, &score.Score, &details)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError(op, err)
	}
	if err := json.Unmarshal(details, &score.Details); err != nil {
		return nil, core.WrapError(core.KindInternal, op, "decode details", err)
	}
	return &score, nil
}

func (s *Storage) GetAEOScore(ctx context.Context, runID, queryIntent string) (*core.AEOScore, error) {
	var score core.AEOScore
	err := s.pool.QueryRow(ctx, `
		SELECT id, run_id, query_intent, score, rationale FROM aeo_scores
		WHERE run_id = $1 AND query_intent = $2`, runID, queryIntent).
		Scan(&score.ID, &score.RunID, &score.QueryIntent, &score.Score, &score.Rationale)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("postgres.get_aeo_score", err)
	}
	return &score, nil
}

func (s *Storage) ListDetectorScores(ctx context.Context, runID string) ([]*core.DetectorScore, error) {
	const op = "postgres.list_detector_scores"
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, provider, score, details FROM detector_scores
		WHERE run_id = $1 ORDER BY provider`, runID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var scores []*core.DetectorScore
	for rows.Next() {
		var score core.DetectorScore
		var details []byte
		if err := rows.Scan(&score.ID, &score.RunID, &score.Provider, &score.Score, &details); err != nil {
			return nil, mapError(op, err)
		}
		if err := json.Unmarshal(details, &score.Details); err != nil {
			return nil, core.WrapError(core.KindInternal, op, "decode details", err)
		}
		scores = append(scores, &score)
	}
	return scores, mapError(op, rows.Err())
}

func (s *Storage) ListAEOScores(ctx context.Context, runID string) ([]*core.AEOScore, error) {
	const op = "postgres.list_aeo_scores"
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, query_intent, score, rationale FROM aeo_scores
		WHERE run_id = $1 ORDER BY query_intent`, runID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

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
	run, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT r.id, r.blog_version_id, r.run_at, r.triggered_by, r.model_config, r.status, r.completed_at
		FROM evaluation_runs r
		JOIN versions v ON v.id = r.blog_version_id
		WHERE v.blog_id = $1 AND r.status <> 'processing' AND r.id <> $2
		ORDER BY r.run_at DESC, r.id DESC
		LIMIT 1`, blogID, excludeRunID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("postgres.latest_finished_run_for_blog", err)
	}
	return run, nil
}

func (s *Storage) LatestFinishedRunForVersion(ctx context.Context, versionID string) (*core.EvaluationRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM evaluation_runs
		WHERE blog_version_id = $1 AND status <> 'processing'
		ORDER BY run_at DESC, id DESC
		LIMIT 1`, versionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("postgres.latest_finished_run_for_version", err)
	}
	return run, nil
}

// --- rewrite cycles ---

const cycleColumns = `id, parent_version_id, child_version_id, cycle_number, trigger_reasons,
	trigger_data, rewrite_prompt, parent_scores, child_scores, trend_outcome, trend_code,
	rewrite_status, stop_reason, created_at`

func scanCycle(row pgx.Row) (*core.RewriteCycle, error) {
	var c core.RewriteCycle
	var reasons, data, parentScores, childScores []byte
	err := row.Scan(&c.ID, &c.ParentVersionID, &c.ChildVersionID, &c.CycleNumber,
		&reasons, &data, &c.RewritePrompt, &parentScores, &childScores,
		&c.TrendOutcome, &c.TrendCode, &c.RewriteStatus, &c.StopReason, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &c.TriggerReasons); err != nil {
			return nil, fmt.Errorf("decode trigger_reasons: %w", err)
		}
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &c.TriggerData); err != nil {
			return nil, fmt.Errorf("decode trigger_data: %w", err)
		}
	}
	if len(parentScores) > 0 {
		if err := json.Unmarshal(parentScores, &c.ParentScores); err != nil {
			return nil, fmt.Errorf("decode parent_scores: %w", err)
		}
	}
	if len(childScores) > 0 {
		if err := json.Unmarshal(childScores, &c.ChildScores); err != nil {
			return nil, fmt.Errorf("decode child_scores: %w", err)
		}
	}
	return &c, nil
}

func (s *Storage) InsertCycle(ctx context.Context, nc *core.NewCycle) (*core.RewriteCycle, error) {
	const op = "postgres.insert_cycle"
	if nc.RewritePrompt == "" {
		return nil, core.NewError(core.KindValidation, op, "rewrite prompt is required")
	}

	reasons, err := json.Marshal(nc.TriggerReasons)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, op, "trigger_reasons", err)
	}
	data, err := json.Marshal(nc.TriggerData)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, op, "trigger_data", err)
	}
	var parentScores []byte
	if nc.ParentScores != nil {
		if parentScores, err = json.Marshal(nc.ParentScores); err != nil {
			return nil, core.WrapError(core.KindValidation, op, "parent_scores", err)
		}
	}

	cycle, err := scanCycle(s.pool.QueryRow(ctx, `
		INSERT INTO rewrite_cycles (id, parent_version_id, cycle_number, trigger_reasons,
			trigger_data, rewrite_prompt, parent_scores)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+cycleColumns,
		uuid.NewString(), nc.ParentVersionID, nc.CycleNumber, reasons, data, nc.RewritePrompt, parentScores))
	if err != nil {
		return nil, mapError(op, err)
	}
	return cycle, nil
}

func (s *Storage) GetCycle(ctx context.Context, id string) (*core.RewriteCycle, error) {
	cycle, err := scanCycle(s.pool.QueryRow(ctx,
		`SELECT `+cycleColumns+` FROM rewrite_cycles WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("postgres.get_cycle", err)
	}
	return cycle, nil
}

func (s *Storage) FinishCycle(ctx context.Context, cycleID string, outcome *core.CycleOutcome) (*core.RewriteCycle, error) {
	const op = "postgres.finish_cycle"
	if outcome.Status != core.RewriteCompleted && outcome.Status != core.RewriteTerminal {
		return nil, core.NewError(core.KindValidation, op, "status must be completed or terminal")
	}

	var childScores []byte
	var err error
	if outcome.ChildScores != nil {
		if childScores, err = json.Marshal(outcome.ChildScores); err != nil {
			return nil, core.WrapError(core.KindValidation, op, "child_scores", err)
		}
	}
	var trendCode *int
	if outcome.TrendOutcome != nil {
		code := core.TrendCode(*outcome.TrendOutcome)
		trendCode = &code
	}

	cycle, err := scanCycle(s.pool.QueryRow(ctx, `
		UPDATE rewrite_cycles
		SET child_version_id = $2, child_scores = $3, trend_outcome = $4, trend_code = $5,
		    rewrite_status = $6, stop_reason = $7
		WHERE id = $1 AND rewrite_status = 'pending'
		RETURNING `+cycleColumns,
		cycleID, outcome.ChildVersionID, childScores, outcome.TrendOutcome, trendCode,
		outcome.Status, outcome.StopReason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, gerr := s.GetCycle(ctx, cycleID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, core.WrapError(core.KindConflict, op,
				"cycle already "+string(existing.RewriteStatus), core.ErrWriteOnce)
		}
		return nil, mapError(op, err)
	}
	return cycle, nil
}

func (s *Storage) ListCyclesForParent(ctx context.Context, parentVersionID string) ([]*core.RewriteCycle, error) {
	const op = "postgres.list_cycles_for_parent"
	rows, err := s.pool.Query(ctx, `
		SELECT `+cycleColumns+` FROM rewrite_cycles
		WHERE parent_version_id = $1 ORDER BY cycle_number ASC`, parentVersionID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

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
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM rewrite_cycles c
		JOIN versions v ON v.id = c.parent_version_id
		WHERE v.blog_id = $1`, blogID).Scan(&count)
	if err != nil {
		return 0, mapError("postgres.count_cycles_for_blog", err)
	}
	return count, nil
}

func (s *Storage) RecentChildAEOTotals(ctx context.Context, blogID string, limit int) ([]float64, error) {
	const op = "postgres.recent_child_aeo_totals"
	rows, err := s.pool.Query(ctx, `
		SELECT (c.child_scores->>'aeo_total')::float8
		FROM rewrite_cycles c
		JOIN versions v ON v.id = c.parent_version_id
		WHERE v.blog_id = $1 AND c.rewrite_status = 'completed' AND c.child_scores IS NOT NULL
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT $2`, blogID, limit)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

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
	const op = "postgres.open_escalation"

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
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO escalations (id, blog_id, version_id, reason, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		escalation.ID, ne.BlogID, ne.VersionID, ne.Reason, details).Scan(&escalation.CreatedAt)
	if err != nil {
		return nil, mapError(op, err)
	}
	return escalation, nil
}

func (s *Storage) ResolveEscalation(ctx context.Context, id, resolvedBy string, dismiss bool) (*core.Escalation, error) {
	const op = "postgres.resolve_escalation"

	status := core.EscalationResolved
	if dismiss {
		status = core.EscalationDismissed
	}
	var escalation core.Escalation
	var details []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE escalations
		SET status = $2, resolved_at = now(), resolved_by = $3
		WHERE id = $1 AND status = 'pending_review'
		RETURNING id, blog_id, version_id, reason, details, status, created_at, resolved_at, resolved_by`,
		id, status, resolvedBy).
		Scan(&escalation.ID, &escalation.BlogID, &escalation.VersionID, &escalation.Reason,
			&details, &escalation.Status, &escalation.CreatedAt, &escalation.ResolvedAt, &escalation.ResolvedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewError(core.KindConflict, op, "escalation missing or already resolved")
		}
		return nil, mapError(op, err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &escalation.Details); err != nil {
			return nil, core.WrapError(core.KindInternal, op, "decode details", err)
		}
	}
	return &escalation, nil
}

func (s *Storage) IsEscalated(ctx context.Context, blogID string) (bool, error) {
	var escalated bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM escalations WHERE blog_id = $1 AND status = 'pending_review')`,
		blogID).Scan(&escalated)
	if err != nil {
		return false, mapError("postgres.is_escalated", err)
	}
	return escalated, nil
}

func (s *Storage) ListOpenEscalations(ctx context.Context, blogID string) ([]*core.Escalation, error) {
	const op = "postgres.list_open_escalations"
	rows, err := s.pool.Query(ctx, `
		SELECT id, blog_id, version_id, reason, details, status, created_at, resolved_at, resolved_by
		FROM escalations
		WHERE blog_id = $1 AND status = 'pending_review'
		ORDER BY created_at ASC, id ASC`, blogID)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var escalations []*core.Escalation
	for rows.Next() {
		var escalation core.Escalation
		var details []byte
		if err := rows.Scan(&escalation.ID, &escalation.BlogID, &escalation.VersionID,
			&escalation.Reason, &details, &escalation.Status, &escalation.CreatedAt,
			&escalation.ResolvedAt, &escalation.ResolvedBy); err != nil {
			return nil, mapError(op, err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &escalation.Details); err != nil {
				return nil, core.WrapError(core.KindInternal, op, "decode details", err)
			}
		}
		escalations = append(escalations, &escalation)
	}
	return escalations, mapError(op, rows.Err())
}
