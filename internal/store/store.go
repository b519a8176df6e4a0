// Package store persists scan results and generated fixes in SQLite.
// Full result envelopes are stored as JSON next to the few columns the
// API queries by, which keeps the schema stable while the report model
// evolves.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"konform/internal/errs"
	"konform/internal/logging"
	"konform/internal/report"
)

// Store wraps the scan database.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes the database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Debug(logging.CategoryStore, "failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Debug(logging.CategoryStore, "failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.Debug(logging.CategoryStore, "failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Info(logging.CategoryStore, "scan store ready at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			url          TEXT NOT NULL,
			status       TEXT NOT NULL,
			score        INTEGER NOT NULL DEFAULT 0,
			started_at   DATETIME NOT NULL,
			finished_at  DATETIME,
			payload      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_user ON scans(user_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_url ON scans(url, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS generated_fixes (
			id              TEXT PRIMARY KEY,
			scan_id         TEXT NOT NULL REFERENCES scans(id),
			issue_id        TEXT NOT NULL,
			kind            TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			created_at      DATETIME NOT NULL,
			payload         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fixes_key ON generated_fixes(scan_id, idempotency_key)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveScan inserts or replaces the full scan envelope.
func (s *Store) SaveScan(ctx context.Context, scan *report.Scan) error {
	payload, err := json.Marshal(scan)
	if err != nil {
		return errs.E(errs.Internal, "store.SaveScan", err)
	}
	var finished interface{}
	if !scan.FinishedAt.IsZero() {
		finished = scan.FinishedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO scans
		(id, user_id, url, status, score, started_at, finished_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		scan.ID, scan.UserID, scan.URL, string(scan.Status), scan.Score,
		scan.StartedAt.UTC(), finished, string(payload))
	if err != nil {
		return errs.E(errs.Dependency, "store.SaveScan", err)
	}
	return nil
}

// GetScan loads one scan by id.
func (s *Store) GetScan(ctx context.Context, id string) (*report.Scan, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM scans WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errs.Errorf(errs.NotFound, "store.GetScan", "scan %s not found", id)
	}
	if err != nil {
		return nil, errs.E(errs.Dependency, "store.GetScan", err)
	}
	var scan report.Scan
	if err := json.Unmarshal([]byte(payload), &scan); err != nil {
		return nil, errs.E(errs.Internal, "store.GetScan", err)
	}
	return &scan, nil
}

// ScanSummary is the list-view projection of a scan.
type ScanSummary struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Status     report.ScanStatus `json:"status"`
	Score      int               `json:"score"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// ListScans returns the user's most recent scans, newest first.
func (s *Store) ListScans(ctx context.Context, userID string, limit int) ([]ScanSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, status, score, started_at, finished_at
		FROM scans WHERE user_id = ?
		ORDER BY started_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, errs.E(errs.Dependency, "store.ListScans", err)
	}
	defer rows.Close()

	var out []ScanSummary
	for rows.Next() {
		var sum ScanSummary
		var status string
		var finished sql.NullTime
		if err := rows.Scan(&sum.ID, &sum.URL, &status, &sum.Score, &sum.StartedAt, &finished); err != nil {
			return nil, errs.E(errs.Dependency, "store.ListScans", err)
		}
		sum.Status = report.ScanStatus(status)
		if finished.Valid {
			sum.FinishedAt = finished.Time
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SaveFix stores one generated fix under its request's idempotency key.
func (s *Store) SaveFix(ctx context.Context, fix *report.Fix, idempotencyKey string) error {
	payload, err := json.Marshal(fix)
	if err != nil {
		return errs.E(errs.Internal, "store.SaveFix", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO generated_fixes
		(id, scan_id, issue_id, kind, idempotency_key, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fix.ID, fix.ScanID, fix.IssueID, string(fix.Kind), idempotencyKey,
		fix.CreatedAt.UTC(), string(payload))
	if err != nil {
		return errs.E(errs.Dependency, "store.SaveFix", err)
	}
	return nil
}

// GetFix loads one generated fix by its ID.
func (s *Store) GetFix(ctx context.Context, fixID string) (*report.Fix, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM generated_fixes WHERE id = ?`, fixID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errs.Errorf(errs.NotFound, "store.GetFix", "fix %s not found", fixID)
	}
	if err != nil {
		return nil, errs.E(errs.Dependency, "store.GetFix", err)
	}
	var fix report.Fix
	if err := json.Unmarshal([]byte(payload), &fix); err != nil {
		return nil, errs.E(errs.Internal, "store.GetFix", err)
	}
	return &fix, nil
}

// FixesByKey returns the fixes a previous identical request produced,
// or nil when the key is unknown.
func (s *Store) FixesByKey(ctx context.Context, scanID, idempotencyKey string) ([]report.Fix, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM generated_fixes
		WHERE scan_id = ? AND idempotency_key = ?
		ORDER BY created_at, id`, scanID, idempotencyKey)
	if err != nil {
		return nil, errs.E(errs.Dependency, "store.FixesByKey", err)
	}
	defer rows.Close()
	return scanFixRows(rows)
}

// FixesForScan returns everything generated for one scan.
func (s *Store) FixesForScan(ctx context.Context, scanID string) ([]report.Fix, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM generated_fixes
		WHERE scan_id = ? ORDER BY created_at, id`, scanID)
	if err != nil {
		return nil, errs.E(errs.Dependency, "store.FixesForScan", err)
	}
	defer rows.Close()
	return scanFixRows(rows)
}

func scanFixRows(rows *sql.Rows) ([]report.Fix, error) {
	var out []report.Fix
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errs.E(errs.Dependency, "store.fixes", err)
		}
		var fix report.Fix
		if err := json.Unmarshal([]byte(payload), &fix); err != nil {
			return nil, errs.E(errs.Internal, "store.fixes", err)
		}
		out = append(out, fix)
	}
	return out, rows.Err()
}
