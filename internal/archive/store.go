// Package archive keeps write-once attempt artifacts on disk and an
// sqlite index over runs, attempts and driver targets.
package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

// IndexName is the default index file under the archive root
const IndexName = "index.db"

// Store provides the archive root and its SQLite index
type Store struct {
	root string
	db   *sql.DB
}

// New opens (creating if needed) the archive at root. An empty indexPath
// places the index at root/index.db; ":memory:" keeps it in memory.
func New(root, indexPath string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating archive root: %w", err)
	}
	if indexPath == "" {
		indexPath = filepath.Join(root, IndexName)
	}

	dsn := indexPath
	if indexPath != ":memory:" {
		// driver workers share one index
		dsn = "file:" + indexPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if indexPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{root: root, db: db}, nil
}

// Root returns the archive directory
func (s *Store) Root() string {
	return s.root
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun creates the run directory and its index row
func (s *Store) StartRun(sess *domain.RunSession) (*Run, error) {
	dir := filepath.Join(s.root, sess.ID)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	sess.ArchiveDir = dir

	_, err := s.db.Exec(`
		INSERT INTO runs (id, repo, strategy, max_attempts, dir, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Repo, sess.Strategy, sess.MaxAttempts, dir, sess.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("indexing run: %w", err)
	}
	return &Run{ID: sess.ID, Dir: dir}, nil
}

// RecordAttempt indexes one closed attempt
func (s *Store) RecordAttempt(runID string, a domain.Attempt) error {
	_, err := s.db.Exec(`
		INSERT INTO attempts (run_id, idx, exit_code, issues, classification, apply_result, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, a.Index, a.ExitCode, len(a.Issues), string(a.Classification), string(a.ApplyResult), a.Error, a.FinishedAt)
	return err
}

// FinishRun records the terminal outcome of a run
func (s *Store) FinishRun(runID, outcome string, finished time.Time) error {
	res, err := s.db.Exec(`UPDATE runs SET finished_at = ?, outcome = ? WHERE id = ?`, finished, outcome, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// RecordTarget indexes the terminal state of one driver target
func (s *Store) RecordTarget(sweepID string, t *domain.RepoTarget) error {
	_, err := s.db.Exec(`
		INSERT INTO targets (sweep_id, name, path, status, log_path, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sweep_id, name) DO UPDATE SET
			status = excluded.status,
			duration_ms = excluded.duration_ms,
			finished_at = excluded.finished_at
	`, sweepID, t.Name, t.Path, string(t.Status), t.LogPath, t.Duration().Milliseconds(), t.FinishedAt)
	return err
}

// RunRecord is an indexed run
type RunRecord struct {
	ID          string
	Repo        string
	Strategy    string
	MaxAttempts int
	Dir         string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Outcome     string
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*RunRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, repo, strategy, max_attempts, dir, started_at, finished_at, outcome
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

// ListRuns returns the most recent runs first
func (s *Store) ListRuns(limit int) ([]*RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, repo, strategy, max_attempts, dir, started_at, finished_at, outcome
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListAttempts returns the attempts of a run in index order
func (s *Store) ListAttempts(runID string) ([]domain.Attempt, error) {
	rows, err := s.db.Query(`
		SELECT idx, exit_code, classification, apply_result, error, created_at
		FROM attempts WHERE run_id = ? ORDER BY idx
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var class, apply, errMsg sql.NullString
		if err := rows.Scan(&a.Index, &a.ExitCode, &class, &apply, &errMsg, &a.FinishedAt); err != nil {
			return nil, err
		}
		a.Classification = domain.Classification(class.String)
		a.ApplyResult = domain.ApplyResult(apply.String)
		a.Error = errMsg.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ListTargets returns the targets of a sweep ordered by name
func (s *Store) ListTargets(sweepID string) ([]*domain.RepoTarget, error) {
	rows, err := s.db.Query(`
		SELECT name, path, status, log_path, duration_ms, finished_at
		FROM targets WHERE sweep_id = ? ORDER BY name
	`, sweepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []*domain.RepoTarget
	for rows.Next() {
		var t domain.RepoTarget
		var status string
		var logPath sql.NullString
		var durationMS int64
		if err := rows.Scan(&t.Name, &t.Path, &status, &logPath, &durationMS, &t.FinishedAt); err != nil {
			return nil, err
		}
		t.Status = domain.TargetStatus(status)
		t.LogPath = logPath.String
		if !t.FinishedAt.IsZero() {
			t.StartedAt = t.FinishedAt.Add(-time.Duration(durationMS) * time.Millisecond)
		}
		targets = append(targets, &t)
	}
	return targets, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var r RunRecord
	var finished sql.NullTime
	var outcome sql.NullString
	err := row.Scan(&r.ID, &r.Repo, &r.Strategy, &r.MaxAttempts, &r.Dir, &r.StartedAt, &finished, &outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found")
	}
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	r.Outcome = outcome.String
	return &r, nil
}
