package quota

import (
	"context"
	"time"

	"konform/internal/errs"
)

// AuditEntry is one row of the append-only ledger. Entries are never
// updated or deleted; corrections get their own entry.
type AuditEntry struct {
	ID      int64     `json:"id"`
	Time    time.Time `json:"time"`
	UserID  string    `json:"user_id"`
	Action  string    `json:"action"`  // scan_started, scan_finished, fix_generated, ...
	Subject string    `json:"subject"` // scan or fix id
	Detail  string    `json:"detail,omitempty"`
}

// Audit appends one entry.
func (l *Ledger) Audit(ctx context.Context, userID, action, subject, detail string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (ts, user_id, action, subject, detail) VALUES (?, ?, ?, ?, ?)`,
		l.now().UTC(), userID, action, subject, detail)
	if err != nil {
		return errs.E(errs.Dependency, "quota.Audit", err)
	}
	return nil
}

// AuditTrail returns the user's most recent entries, newest first.
func (l *Ledger) AuditTrail(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, ts, user_id, action, subject, detail
		FROM audit_log WHERE user_id = ?
		ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, errs.E(errs.Dependency, "quota.AuditTrail", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Time, &e.UserID, &e.Action, &e.Subject, &e.Detail); err != nil {
			return nil, errs.E(errs.Dependency, "quota.AuditTrail", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordFeedback stores a write-once 1-5 rating on a generated fix.
func (l *Ledger) RecordFeedback(ctx context.Context, fixID, userID string, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return errs.Errorf(errs.InvalidInput, "quota.RecordFeedback",
			"rating %d out of range 1..5", rating)
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO fix_feedback (fix_id, user_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		fixID, userID, rating, comment, l.now().UTC())
	if err != nil {
		// PRIMARY KEY violation: feedback for this fix already exists.
		return errs.Errorf(errs.InvalidInput, "quota.RecordFeedback",
			"feedback for fix %s already recorded", fixID)
	}
	return nil
}

// ConsentReceipt documents that a user confirmed a generated artifact
// may be published under their responsibility.
type ConsentReceipt struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	ScanID    string    `json:"scan_id,omitempty"`
	Purpose   string    `json:"purpose"`
	GrantedAt time.Time `json:"granted_at"`
}

// RecordConsent appends a receipt.
func (l *Ledger) RecordConsent(ctx context.Context, userID, scanID, purpose string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO consent_receipts (user_id, scan_id, purpose, granted_at)
		VALUES (?, ?, ?, ?)`,
		userID, scanID, purpose, l.now().UTC())
	if err != nil {
		return errs.E(errs.Dependency, "quota.RecordConsent", err)
	}
	return nil
}

// Consents lists a user's receipts, newest first.
func (l *Ledger) Consents(ctx context.Context, userID string) ([]ConsentReceipt, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, scan_id, purpose, granted_at
		FROM consent_receipts WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, errs.E(errs.Dependency, "quota.Consents", err)
	}
	defer rows.Close()

	var out []ConsentReceipt
	for rows.Next() {
		var r ConsentReceipt
		if err := rows.Scan(&r.ID, &r.UserID, &r.ScanID, &r.Purpose, &r.GrantedAt); err != nil {
			return nil, errs.E(errs.Dependency, "quota.Consents", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
