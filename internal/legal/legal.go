// Package legal overlays recent court rulings and regulator guidance
// onto scan findings. A ruling that tightened enforcement of, say,
// reject buttons temporarily raises severity and risk of matching
// issues until it ages out of the window.
package legal

import (
	"context"
	"strings"
	"sync"
	"time"

	"konform/internal/logging"
	"konform/internal/report"
)

// riskCeiling caps boosted euro exposure; beyond it the numbers stop
// being informative.
const riskCeiling = 25000

// Source supplies the current notice set. Implementations must return
// a fresh slice the caller may keep.
type Source interface {
	Notices(ctx context.Context) ([]report.LegalNotice, error)
	Close() error
}

// Overlay holds the loaded notices and applies them to scans.
type Overlay struct {
	source Source
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	notices []report.LegalNotice
}

// New creates an overlay reading from src. Notices older than
// windowDays at apply time are ignored.
func New(src Source, windowDays int) *Overlay {
	if windowDays <= 0 {
		windowDays = 180
	}
	return &Overlay{
		source: src,
		window: time.Duration(windowDays) * 24 * time.Hour,
		now:    time.Now,
	}
}

// Refresh reloads the notice set from the source.
func (o *Overlay) Refresh(ctx context.Context) error {
	notices, err := o.source.Notices(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.notices = notices
	o.mu.Unlock()
	logging.Info(logging.CategoryLegal, "legal overlay loaded %d notices", len(notices))
	return nil
}

// Close releases the underlying source.
func (o *Overlay) Close() error { return o.source.Close() }

// active returns the notices inside the recency window.
func (o *Overlay) active() []report.LegalNotice {
	cutoff := o.now().Add(-o.window)
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []report.LegalNotice
	for _, n := range o.notices {
		if n.Date.After(cutoff) {
			out = append(out, n)
		}
	}
	return out
}

// Apply adjusts the scan's issues in place. Boosts only ever raise
// severity and risk; a notice can never make a finding milder. The
// notices that actually touched an issue are recorded on the scan.
func (o *Overlay) Apply(s *report.Scan) {
	notices := o.active()
	if len(notices) == 0 {
		return
	}

	riskBefore := s.TotalRisk()
	applied := map[string]report.LegalNotice{}
	for pi := range s.Pillars {
		pr := &s.Pillars[pi]
		for ii := range pr.Issues {
			for _, n := range notices {
				if !n.AppliesTo(pr.Pillar) || !matches(n, &pr.Issues[ii]) {
					continue
				}
				if boost(&pr.Issues[ii], n) {
					applied[n.RulingID] = n
				}
			}
		}
	}

	for _, n := range applied {
		s.LegalNotices = append(s.LegalNotices, n)
	}
	s.LegalOverlayApplied = len(applied) > 0
	s.LegalOverlayCount = len(applied)
	s.LegalRiskDelta = s.TotalRisk() - riskBefore
	if len(applied) > 0 {
		logging.Debug(logging.CategoryLegal, "scan %s: %d notices applied, risk +%d",
			s.ID, len(applied), s.LegalRiskDelta)
	}
}

// matches checks the notice keywords against the issue text. A notice
// without keywords covers its whole pillar.
func matches(n report.LegalNotice, is *report.Issue) bool {
	if len(n.Keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(is.Title + " " + is.Description + " " + is.Locator)
	for _, kw := range n.Keywords {
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// boost applies one notice to one issue and reports whether anything
// changed.
func boost(is *report.Issue, n report.LegalNotice) bool {
	changed := false

	if n.SeverityBoost > 0 {
		raised := report.SeverityFromRank(is.Severity.Rank() + n.SeverityBoost)
		if raised.Rank() > is.Severity.Rank() {
			is.Severity = raised
			changed = true
		}
	}

	if n.RiskMultiplier > 1 {
		boosted := int(float64(is.RiskEuro) * n.RiskMultiplier)
		if boosted > riskCeiling {
			boosted = riskCeiling
		}
		if boosted > is.RiskEuro {
			is.RiskEuro = boosted
			changed = true
		}
	}

	if changed {
		is.LegalRefs = append(is.LegalRefs, report.LegalRef{
			RulingID: n.RulingID,
			Title:    n.Title,
			URL:      n.URL,
		})
		if is.BoostReason == "" {
			is.BoostReason = n.Title
		}
	}
	return changed
}
