package legal

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"konform/internal/errs"
	"konform/internal/report"
)

// SQLiteSource reads notices from a SQLite database an editorial
// pipeline writes into. The cgo-free driver keeps deployments to a
// single static binary.
type SQLiteSource struct {
	db *sql.DB
}

const noticeSchema = `
CREATE TABLE IF NOT EXISTS legal_notices (
    ruling_id       TEXT PRIMARY KEY,
    title           TEXT NOT NULL,
    court           TEXT NOT NULL DEFAULT '',
    date            TEXT NOT NULL,
    url             TEXT NOT NULL DEFAULT '',
    pillars         TEXT NOT NULL,
    severity_boost  INTEGER NOT NULL DEFAULT 0,
    risk_multiplier REAL NOT NULL DEFAULT 1.0,
    keywords        TEXT NOT NULL DEFAULT ''
);`

// OpenSQLiteSource opens (and if needed initializes) the notice
// database.
func OpenSQLiteSource(path string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.E(errs.Dependency, "legal.OpenSQLiteSource", err)
	}
	if _, err := db.Exec(noticeSchema); err != nil {
		db.Close()
		return nil, errs.E(errs.Dependency, "legal.OpenSQLiteSource", err)
	}
	return &SQLiteSource{db: db}, nil
}

// Notices loads all stored notices.
func (s *SQLiteSource) Notices(ctx context.Context) ([]report.LegalNotice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ruling_id, title, court, date, url, pillars,
		       severity_boost, risk_multiplier, keywords
		FROM legal_notices ORDER BY date DESC`)
	if err != nil {
		return nil, errs.E(errs.Dependency, "legal.SQLiteSource", err)
	}
	defer rows.Close()

	var out []report.LegalNotice
	for rows.Next() {
		var n report.LegalNotice
		var date, pillars, keywords string
		if err := rows.Scan(&n.RulingID, &n.Title, &n.Court, &date, &n.URL,
			&pillars, &n.SeverityBoost, &n.RiskMultiplier, &keywords); err != nil {
			return nil, errs.E(errs.Dependency, "legal.SQLiteSource", err)
		}
		n.Date, err = time.Parse("2006-01-02", date)
		if err != nil {
			return nil, errs.Errorf(errs.Dependency, "legal.SQLiteSource", "notice %s: bad date %q", n.RulingID, date)
		}
		for _, p := range splitList(pillars) {
			pillar := report.Pillar(p)
			if pillar.Valid() {
				n.Pillars = append(n.Pillars, pillar)
			}
		}
		n.Keywords = splitList(keywords)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.Dependency, "legal.SQLiteSource", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteSource) Close() error { return s.db.Close() }

// Insert stores or replaces a notice; the editorial tooling and tests
// use it.
func (s *SQLiteSource) Insert(ctx context.Context, n report.LegalNotice) error {
	pillars := make([]string, len(n.Pillars))
	for i, p := range n.Pillars {
		pillars[i] = string(p)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO legal_notices
		(ruling_id, title, court, date, url, pillars, severity_boost, risk_multiplier, keywords)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.RulingID, n.Title, n.Court, n.Date.Format("2006-01-02"), n.URL,
		strings.Join(pillars, ","), n.SeverityBoost, n.RiskMultiplier,
		strings.Join(n.Keywords, ","))
	if err != nil {
		return errs.E(errs.Dependency, "legal.SQLiteSource.Insert", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
