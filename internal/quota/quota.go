// Package quota enforces per-user monthly budgets for scans, fix
// generations and exports and keeps the append-only audit ledger next
// to them.
// Reservations are compare-and-swap updates so concurrent requests can
// never overspend, and a failed scan refunds its reservation.
package quota

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"konform/internal/errs"
	"konform/internal/logging"
)

// Resource names a billable unit.
type Resource string

const (
	ResourceScan   Resource = "scan"
	ResourceFix    Resource = "fix"
	ResourceExport Resource = "export"
)

// Plan carries the monthly budgets; -1 means unlimited.
type Plan struct {
	Name    string
	Scans   int
	Fixes   int
	Exports int
}

var plans = map[string]Plan{
	"free":      {Name: "free", Scans: 10, Fixes: 5, Exports: 10},
	"pro":       {Name: "pro", Scans: 100, Fixes: 50, Exports: 100},
	"business":  {Name: "business", Scans: 1000, Fixes: 500, Exports: 1000},
	"unlimited": {Name: "unlimited", Scans: -1, Fixes: -1, Exports: -1},
}

// PlanByName resolves a plan; unknown names fall back to free.
func PlanByName(name string) Plan {
	if p, ok := plans[name]; ok {
		return p
	}
	return plans["free"]
}

// Ledger is the quota database.
type Ledger struct {
	db          *sql.DB
	defaultPlan string
	now         func() time.Time
}

// Open initializes the ledger at path.
func Open(path, defaultPlan string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.E(errs.Dependency, "quota.Open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Debug(logging.CategoryQuota, "failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Debug(logging.CategoryQuota, "failed to set journal_mode=WAL: %v", err)
	}

	l := &Ledger{db: db, defaultPlan: defaultPlan, now: time.Now}
	if err := l.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS quotas (
			user_id    TEXT PRIMARY KEY,
			plan       TEXT NOT NULL,
			period     TEXT NOT NULL,
			scans_used   INTEGER NOT NULL DEFAULT 0,
			fixes_used   INTEGER NOT NULL DEFAULT 0,
			exports_used INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			ts      DATETIME NOT NULL,
			user_id TEXT NOT NULL,
			action  TEXT NOT NULL,
			subject TEXT NOT NULL,
			detail  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS fix_feedback (
			fix_id     TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			rating     INTEGER NOT NULL,
			comment    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS consent_receipts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			scan_id    TEXT NOT NULL DEFAULT '',
			purpose    TEXT NOT NULL,
			granted_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return errs.E(errs.Dependency, "quota.initialize", err)
		}
	}
	return nil
}

// Close closes the ledger database.
func (l *Ledger) Close() error { return l.db.Close() }

// period is the current billing month.
func (l *Ledger) period() string { return l.now().UTC().Format("2006-01") }

func column(r Resource) string {
	switch r {
	case ResourceFix:
		return "fixes_used"
	case ResourceExport:
		return "exports_used"
	default:
		return "scans_used"
	}
}

func limitOf(p Plan, r Resource) int {
	switch r {
	case ResourceFix:
		return p.Fixes
	case ResourceExport:
		return p.Exports
	default:
		return p.Scans
	}
}

// ensureRow creates or rolls over the user's quota row for the current
// period. Usage resets lazily on the first touch of a new month.
func (l *Ledger) ensureRow(ctx context.Context, userID string) (Plan, error) {
	period := l.period()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO quotas (user_id, plan, period) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			period = excluded.period,
			scans_used = 0,
			fixes_used = 0,
			exports_used = 0
		WHERE quotas.period <> excluded.period`,
		userID, l.defaultPlan, period)
	if err != nil {
		return Plan{}, errs.E(errs.Dependency, "quota.ensureRow", err)
	}

	var planName string
	if err := l.db.QueryRowContext(ctx,
		`SELECT plan FROM quotas WHERE user_id = ?`, userID).Scan(&planName); err != nil {
		return Plan{}, errs.E(errs.Dependency, "quota.ensureRow", err)
	}
	return PlanByName(planName), nil
}

// Reserve consumes one unit of the resource, or fails with
// quota_exceeded when the monthly budget is spent. The conditional
// UPDATE is the only writer of the counter, so two racing requests for
// the last unit cannot both win.
func (l *Ledger) Reserve(ctx context.Context, userID string, r Resource) error {
	plan, err := l.ensureRow(ctx, userID)
	if err != nil {
		return err
	}
	limit := limitOf(plan, r)
	if limit < 0 {
		return nil // unlimited
	}

	col := column(r)
	res, err := l.db.ExecContext(ctx,
		`UPDATE quotas SET `+col+` = `+col+` + 1
		 WHERE user_id = ? AND period = ? AND `+col+` < ?`,
		userID, l.period(), limit)
	if err != nil {
		return errs.E(errs.Dependency, "quota.Reserve", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.E(errs.Dependency, "quota.Reserve", err)
	}
	if n == 0 {
		logging.Info(logging.CategoryQuota, "user %s exhausted %s quota (%d/%s plan)", userID, r, limit, plan.Name)
		return errs.Errorf(errs.QuotaExceeded, "quota.Reserve",
			"%s quota exhausted: %d per month on the %s plan", r, limit, plan.Name)
	}
	return nil
}

// Refund returns one unit, used when the reserved work failed before
// producing anything billable. Never goes below zero.
func (l *Ledger) Refund(ctx context.Context, userID string, r Resource) error {
	col := column(r)
	_, err := l.db.ExecContext(ctx,
		`UPDATE quotas SET `+col+` = `+col+` - 1
		 WHERE user_id = ? AND period = ? AND `+col+` > 0`,
		userID, l.period())
	if err != nil {
		return errs.E(errs.Dependency, "quota.Refund", err)
	}
	return nil
}

// Usage is the current standing of one user.
type Usage struct {
	Plan        string `json:"plan"`
	Period      string `json:"period"`
	ScansUsed   int    `json:"scans_used"`
	ScanLimit   int    `json:"scan_limit"` // -1: unlimited
	FixesUsed   int    `json:"fixes_used"`
	FixLimit    int    `json:"fix_limit"`
	ExportsUsed int    `json:"exports_used"`
	ExportLimit int    `json:"export_limit"`
}

// UsageOf reports the user's consumption for the current period.
func (l *Ledger) UsageOf(ctx context.Context, userID string) (Usage, error) {
	plan, err := l.ensureRow(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{
		Plan:        plan.Name,
		Period:      l.period(),
		ScanLimit:   plan.Scans,
		FixLimit:    plan.Fixes,
		ExportLimit: plan.Exports,
	}
	err = l.db.QueryRowContext(ctx,
		`SELECT scans_used, fixes_used, exports_used FROM quotas WHERE user_id = ?`,
		userID).Scan(&u.ScansUsed, &u.FixesUsed, &u.ExportsUsed)
	if err != nil {
		return Usage{}, errs.E(errs.Dependency, "quota.UsageOf", err)
	}
	return u, nil
}

// SetPlan changes a user's plan, creating the row if needed.
func (l *Ledger) SetPlan(ctx context.Context, userID, planName string) error {
	if _, ok := plans[planName]; !ok {
		return errs.Errorf(errs.InvalidInput, "quota.SetPlan", "unknown plan %q", planName)
	}
	if _, err := l.ensureRow(ctx, userID); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE quotas SET plan = ? WHERE user_id = ?`, planName, userID)
	if err != nil {
		return errs.E(errs.Dependency, "quota.SetPlan", err)
	}
	return nil
}
