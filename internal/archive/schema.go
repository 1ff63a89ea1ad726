package archive

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    repo TEXT NOT NULL,
    strategy TEXT NOT NULL,
    max_attempts INTEGER NOT NULL,
    dir TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    outcome TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_repo ON runs(repo);

CREATE TABLE IF NOT EXISTS attempts (
    run_id TEXT NOT NULL REFERENCES runs(id),
    idx INTEGER NOT NULL,
    exit_code INTEGER NOT NULL,
    issues INTEGER NOT NULL DEFAULT 0,
    classification TEXT,
    apply_result TEXT,
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (run_id, idx)
);

CREATE TABLE IF NOT EXISTS targets (
    sweep_id TEXT NOT NULL,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    status TEXT NOT NULL,
    log_path TEXT,
    duration_ms INTEGER,
    finished_at TIMESTAMP,
    PRIMARY KEY (sweep_id, name)
);

CREATE INDEX IF NOT EXISTS idx_targets_status ON targets(status);
`
