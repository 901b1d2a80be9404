// Package backlog persists subjects deferred by the budget cap, plus a
// rolling session history, in a local SQLite database. Deferred subjects
// carry their full profile snapshot so a later session can report them
// without spending another fetch.
package backlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/satyvm/x-account-analysis/internal/xapi"
)

// sessionHistoryLimit caps the rolling session history.
const sessionHistoryLimit = 50

// Entry is one deferred subject awaiting a future session.
type Entry struct {
	SubjectID   string
	Profile     *xapi.Profile
	MentionID   string
	MentionText string
	PostedAt    time.Time
	Unresolved  bool
	DeferredAt  time.Time
}

// SessionRecord is one row of session history.
type SessionRecord struct {
	ID               string
	StartedAt        time.Time
	FinishedAt       time.Time
	State            string
	CallsMade        int
	MentionsFetched  int
	SubjectsReported int
	SubjectsDeferred int
	SubjectsSkipped  int
}

// Store wraps the SQLite connection.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the backlog database and initializes the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create backlog dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open backlog db: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deferred_subjects (
			subject_id   TEXT PRIMARY KEY,
			profile      TEXT NOT NULL,
			mention_id   TEXT NOT NULL,
			mention_text TEXT NOT NULL,
			posted_at    TEXT NOT NULL,
			unresolved   INTEGER NOT NULL DEFAULT 0,
			deferred_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			started_at        TEXT NOT NULL,
			finished_at       TEXT NOT NULL,
			state             TEXT NOT NULL,
			calls_made        INTEGER NOT NULL,
			mentions_fetched  INTEGER NOT NULL,
			subjects_reported INTEGER NOT NULL,
			subjects_deferred INTEGER NOT NULL,
			subjects_skipped  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deferred_at ON deferred_subjects(deferred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Defer queues a subject for a future session. A subject already pending
// keeps its existing (earlier) triggering mention.
func (s *Store) Defer(ctx context.Context, e Entry) error {
	profile, err := json.Marshal(e.Profile)
	if err != nil {
		return fmt.Errorf("marshal deferred profile: %w", err)
	}
	deferredAt := e.DeferredAt
	if deferredAt.IsZero() {
		deferredAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deferred_subjects
			(subject_id, profile, mention_id, mention_text, posted_at, unresolved, deferred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subject_id) DO NOTHING`,
		e.SubjectID, string(profile), e.MentionID, e.MentionText,
		e.PostedAt.UTC().Format(time.RFC3339), boolToInt(e.Unresolved),
		deferredAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("defer subject %s: %w", e.SubjectID, err)
	}
	return nil
}

// Pending returns up to limit deferred subjects, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, profile, mention_id, mention_text, posted_at, unresolved, deferred_at
		 FROM deferred_subjects ORDER BY deferred_at, subject_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query backlog: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var profile, postedAt, deferredAt string
		var unresolved int
		if err := rows.Scan(&e.SubjectID, &profile, &e.MentionID, &e.MentionText,
			&postedAt, &unresolved, &deferredAt); err != nil {
			return nil, fmt.Errorf("scan backlog row: %w", err)
		}
		if err := json.Unmarshal([]byte(profile), &e.Profile); err != nil {
			return nil, fmt.Errorf("unmarshal deferred profile %s: %w", e.SubjectID, err)
		}
		e.PostedAt = parseStoredTime(postedAt)
		e.DeferredAt = parseStoredTime(deferredAt)
		e.Unresolved = unresolved != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Remove deletes a drained subject from the backlog.
func (s *Store) Remove(ctx context.Context, subjectID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM deferred_subjects WHERE subject_id = ?`, subjectID); err != nil {
		return fmt.Errorf("remove deferred subject %s: %w", subjectID, err)
	}
	return nil
}

// PendingCount returns the number of deferred subjects.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_subjects`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}
	return n, nil
}

// RecordSession appends a session to the history and prunes it to the most
// recent rows.
func (s *Store) RecordSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions
			(id, started_at, finished_at, state, calls_made, mentions_fetched,
			 subjects_reported, subjects_deferred, subjects_skipped)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StartedAt.UTC().Format(time.RFC3339),
		rec.FinishedAt.UTC().Format(time.RFC3339), rec.State,
		rec.CallsMade, rec.MentionsFetched,
		rec.SubjectsReported, rec.SubjectsDeferred, rec.SubjectsSkipped)
	if err != nil {
		return fmt.Errorf("record session %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id NOT IN
			(SELECT id FROM sessions ORDER BY started_at DESC, id DESC LIMIT ?)`,
		sessionHistoryLimit)
	if err != nil {
		return fmt.Errorf("prune session history: %w", err)
	}
	return nil
}

// RecentSessions returns the newest limit session records, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, state, calls_made, mentions_fetched,
			subjects_reported, subjects_deferred, subjects_skipped
		 FROM sessions ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var started, finished string
		if err := rows.Scan(&rec.ID, &started, &finished, &rec.State, &rec.CallsMade,
			&rec.MentionsFetched, &rec.SubjectsReported, &rec.SubjectsDeferred,
			&rec.SubjectsSkipped); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		rec.StartedAt = parseStoredTime(started)
		rec.FinishedAt = parseStoredTime(finished)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// parseStoredTime parses the RFC3339 strings this package writes. Zero time
// on failure; stored timestamps are informational.
func parseStoredTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
