package sqlite

// schema mirrors the PostgreSQL migrations for the lite profile. SQLite
// triggers enforce the same write-once and partial-immutability rules.
const schema = `
PRAGMA journal_mode = WAL;
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS actors (
    id         TEXT PRIMARY KEY,
    email      TEXT NOT NULL UNIQUE,
    role       TEXT NOT NULL CHECK (role IN ('writer', 'reviewer', 'admin', 'system')),
    is_human   INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    CHECK (role <> 'system' OR is_human = 0)
);

CREATE TABLE IF NOT EXISTS blogs (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL CHECK (length(trim(name)) > 0),
    project_id TEXT,
    created_by TEXT NOT NULL REFERENCES actors(id),
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS versions (
    id                      TEXT PRIMARY KEY,
    blog_id                 TEXT NOT NULL REFERENCES blogs(id),
    parent_version_id       TEXT REFERENCES versions(id),
    content                 TEXT NOT NULL CHECK (length(content) > 0),
    content_hash            TEXT NOT NULL,
    version_number          INTEGER NOT NULL CHECK (version_number >= 1),
    source                  TEXT NOT NULL CHECK (source IN ('human_paste', 'ai_rewrite', 'human_edit')),
    source_rewrite_cycle_id TEXT,
    change_reason           TEXT,
    created_by              TEXT NOT NULL REFERENCES actors(id),
    created_at              TEXT NOT NULL,
    UNIQUE (blog_id, version_number),
    CHECK (parent_version_id IS NOT NULL OR version_number = 1),
    CHECK (source <> 'ai_rewrite' OR source_rewrite_cycle_id IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_versions_blog ON versions (blog_id, version_number);

CREATE TABLE IF NOT EXISTS evaluation_runs (
    id              TEXT PRIMARY KEY,
    blog_version_id TEXT NOT NULL REFERENCES versions(id),
    run_at          TEXT NOT NULL,
    triggered_by    TEXT,
    model_config    TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL DEFAULT 'processing'
                    CHECK (status IN ('processing', 'completed', 'partial_failure', 'failed')),
    completed_at    TEXT
);

CREATE TABLE IF NOT EXISTS detector_scores (
    id       TEXT PRIMARY KEY,
    run_id   TEXT NOT NULL REFERENCES evaluation_runs(id),
    provider TEXT NOT NULL,
    score    REAL NOT NULL CHECK (score >= 0 AND score <= 100),
    details  TEXT NOT NULL,
    UNIQUE (run_id, provider)
);

CREATE TABLE IF NOT EXISTS aeo_scores (
    id           TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL REFERENCES evaluation_runs(id),
    query_intent TEXT NOT NULL,
    score        REAL NOT NULL CHECK (score >= 0 AND score <= 100),
    rationale    TEXT NOT NULL DEFAULT '',
    UNIQUE (run_id, query_intent)
);

CREATE TABLE IF NOT EXISTS rewrite_cycles (
    id                TEXT PRIMARY KEY,
    parent_version_id TEXT NOT NULL REFERENCES versions(id),
    child_version_id  TEXT REFERENCES versions(id),
    cycle_number      INTEGER NOT NULL CHECK (cycle_number >= 1),
    trigger_reasons   TEXT NOT NULL DEFAULT '[]',
    trigger_data      TEXT NOT NULL DEFAULT '{}',
    rewrite_prompt    TEXT NOT NULL CHECK (length(rewrite_prompt) > 0),
    parent_scores     TEXT,
    child_scores      TEXT,
    trend_outcome     TEXT,
    trend_code        INTEGER,
    rewrite_status    TEXT NOT NULL DEFAULT 'pending'
                      CHECK (rewrite_status IN ('pending', 'completed', 'terminal')),
    stop_reason       TEXT,
    created_at        TEXT NOT NULL,
    UNIQUE (parent_version_id, cycle_number)
);

CREATE TABLE IF NOT EXISTS approval_states (
    id                      TEXT PRIMARY KEY,
    blog_id                 TEXT NOT NULL REFERENCES blogs(id),
    approved_version_id     TEXT NOT NULL REFERENCES versions(id),
    approver_id             TEXT NOT NULL REFERENCES actors(id),
    approved_at             TEXT NOT NULL,
    revoked_at              TEXT,
    revoked_by              TEXT,
    revocation_reason       TEXT,
    notes                   TEXT,
    review_duration_seconds REAL
);

CREATE TABLE IF NOT EXISTS approval_attempts (
    id                TEXT PRIMARY KEY,
    blog_id           TEXT,
    version_id        TEXT,
    attempted_by      TEXT NOT NULL,
    is_human_snapshot INTEGER NOT NULL,
    result            TEXT NOT NULL CHECK (result IN ('success', 'forbidden', 'invalid_state', 'invalid_version')),
    attempted_at      TEXT NOT NULL,
    failure_reason    TEXT
);

CREATE TABLE IF NOT EXISTS human_review_actions (
    id          TEXT PRIMARY KEY,
    blog_id     TEXT NOT NULL REFERENCES blogs(id),
    version_id  TEXT NOT NULL REFERENCES versions(id),
    reviewer_id TEXT NOT NULL REFERENCES actors(id),
    action      TEXT NOT NULL,
    comments    TEXT,
    is_override INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS version_review_states (
    version_id        TEXT PRIMARY KEY REFERENCES versions(id),
    blog_id           TEXT NOT NULL REFERENCES blogs(id),
    state             TEXT NOT NULL DEFAULT 'draft'
                      CHECK (state IN ('draft', 'in_review', 'approved', 'rejected', 'archived')),
    review_started_at TEXT,
    updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS escalations (
    id          TEXT PRIMARY KEY,
    blog_id     TEXT NOT NULL REFERENCES blogs(id),
    version_id  TEXT,
    reason      TEXT NOT NULL,
    details     TEXT NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL DEFAULT 'pending_review'
                CHECK (status IN ('pending_review', 'resolved', 'dismissed')),
    created_at  TEXT NOT NULL,
    resolved_at TEXT,
    resolved_by TEXT
);

CREATE TRIGGER IF NOT EXISTS versions_no_update
BEFORE UPDATE ON versions
BEGIN
    SELECT RAISE(ABORT, 'row in versions is write-once');
END;

CREATE TRIGGER IF NOT EXISTS versions_no_delete
BEFORE DELETE ON versions
BEGIN
    SELECT RAISE(ABORT, 'row in versions is write-once');
END;

CREATE TRIGGER IF NOT EXISTS detector_scores_no_update
BEFORE UPDATE ON detector_scores
BEGIN
    SELECT RAISE(ABORT, 'row in detector_scores is write-once');
END;

CREATE TRIGGER IF NOT EXISTS detector_scores_no_delete
BEFORE DELETE ON detector_scores
BEGIN
    SELECT RAISE(ABORT, 'row in detector_scores is write-once');
END;

CREATE TRIGGER IF NOT EXISTS aeo_scores_no_update
BEFORE UPDATE ON aeo_scores
BEGIN
    SELECT RAISE(ABORT, 'row in aeo_scores is write-once');
END;

CREATE TRIGGER IF NOT EXISTS aeo_scores_no_delete
BEFORE DELETE ON aeo_scores
BEGIN
    SELECT RAISE(ABORT, 'row in aeo_scores is write-once');
END;

CREATE TRIGGER IF NOT EXISTS approval_states_no_update
BEFORE UPDATE ON approval_states
BEGIN
    SELECT RAISE(ABORT, 'row in approval_states is write-once');
END;

CREATE TRIGGER IF NOT EXISTS approval_states_no_delete
BEFORE DELETE ON approval_states
BEGIN
    SELECT RAISE(ABORT, 'row in approval_states is write-once');
END;

CREATE TRIGGER IF NOT EXISTS approval_attempts_no_update
BEFORE UPDATE ON approval_attempts
BEGIN
    SELECT RAISE(ABORT, 'row in approval_attempts is write-once');
END;

CREATE TRIGGER IF NOT EXISTS approval_attempts_no_delete
BEFORE DELETE ON approval_attempts
BEGIN
    SELECT RAISE(ABORT, 'row in approval_attempts is write-once');
END;

CREATE TRIGGER IF NOT EXISTS human_review_actions_no_update
BEFORE UPDATE ON human_review_actions
BEGIN
    SELECT RAISE(ABORT, 'row in human_review_actions is write-once');
END;

CREATE TRIGGER IF NOT EXISTS human_review_actions_no_delete
BEFORE DELETE ON human_review_actions
BEGIN
    SELECT RAISE(ABORT, 'row in human_review_actions is write-once');
END;

CREATE TRIGGER IF NOT EXISTS evaluation_runs_no_delete
BEFORE DELETE ON evaluation_runs
BEGIN
    SELECT RAISE(ABORT, 'row in evaluation_runs is write-once');
END;

CREATE TRIGGER IF NOT EXISTS rewrite_cycles_no_delete
BEFORE DELETE ON rewrite_cycles
BEGIN
    SELECT RAISE(ABORT, 'row in rewrite_cycles is write-once');
END;

CREATE TRIGGER IF NOT EXISTS evaluation_runs_guard
BEFORE UPDATE ON evaluation_runs
WHEN NEW.id <> OLD.id
    OR NEW.blog_version_id <> OLD.blog_version_id
    OR NEW.run_at <> OLD.run_at
    OR IFNULL(NEW.triggered_by, '') <> IFNULL(OLD.triggered_by, '')
    OR NEW.model_config <> OLD.model_config
    OR (NEW.status <> OLD.status AND OLD.status <> 'processing')
    OR (OLD.completed_at IS NOT NULL AND IFNULL(NEW.completed_at, '') <> OLD.completed_at)
BEGIN
    SELECT RAISE(ABORT, 'evaluation_runs allows only forward status and write-once completed_at');
END;

CREATE TRIGGER IF NOT EXISTS rewrite_cycles_guard
BEFORE UPDATE ON rewrite_cycles
WHEN OLD.rewrite_status <> 'pending'
    OR NEW.parent_version_id <> OLD.parent_version_id
    OR NEW.cycle_number <> OLD.cycle_number
    OR NEW.rewrite_prompt <> OLD.rewrite_prompt
BEGIN
    SELECT RAISE(ABORT, 'rewrite_cycles prompt and identity are write-once');
END;
`
