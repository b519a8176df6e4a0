package legal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konform/internal/report"
)

type staticSource struct {
	notices []report.LegalNotice
}

func (s staticSource) Notices(ctx context.Context) ([]report.LegalNotice, error) {
	return s.notices, nil
}
func (s staticSource) Close() error { return nil }

func rejectRuling(date time.Time) report.LegalNotice {
	return report.LegalNotice{
		RulingID:       "lg-koeln-2026-031",
		Title:          "LG Köln: fehlender Ablehnen-Button ist wettbewerbswidrig",
		Court:          "LG Köln",
		Date:           date,
		Pillars:        []report.Pillar{report.PillarCookies},
		SeverityBoost:  1,
		RiskMultiplier: 1.5,
		Keywords:       []string{"reject", "ablehnen"},
	}
}

func scanWithRejectIssue() *report.Scan {
	return &report.Scan{
		ID: "scan-1",
		Pillars: []report.PillarResult{{
			Pillar:  report.PillarCookies,
			Checked: true,
			Issues: []report.Issue{
				{
					ID: "scan-1:cookies:aaa", Pillar: report.PillarCookies,
					Severity: report.SeverityHigh, Title: "No reject option",
					Locator: "cookie:reject", RiskEuro: 2500,
				},
				{
					ID: "scan-1:cookies:bbb", Pillar: report.PillarCookies,
					Severity: report.SeverityInfo, Title: "No consent banner, none required",
					Locator: "cookie:none-needed", RiskEuro: 0,
				},
			},
		}},
	}
}

func newOverlay(t *testing.T, src Source, windowDays int, now time.Time) *Overlay {
	t.Helper()
	o := New(src, windowDays)
	o.now = func() time.Time { return now }
	require.NoError(t, o.Refresh(context.Background()))
	return o
}

func TestApplyBoostsMatchingIssue(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	o := newOverlay(t, staticSource{[]report.LegalNotice{rejectRuling(now.AddDate(0, -1, 0))}}, 180, now)

	s := scanWithRejectIssue()
	o.Apply(s)

	boosted := s.Pillars[0].Issues[0]
	assert.Equal(t, report.SeverityCritical, boosted.Severity)
	assert.Equal(t, 3750, boosted.RiskEuro) // 2500 * 1.5
	require.Len(t, boosted.LegalRefs, 1)
	assert.Equal(t, "lg-koeln-2026-031", boosted.LegalRefs[0].RulingID)
	assert.NotEmpty(t, boosted.BoostReason)

	require.Len(t, s.LegalNotices, 1)

	// The scan records what the overlay did: flag, notice count and
	// the euro exposure the boosts added.
	assert.True(t, s.LegalOverlayApplied)
	assert.Equal(t, 1, s.LegalOverlayCount)
	assert.Equal(t, 1250, s.LegalRiskDelta) // 3750 - 2500
}

func TestApplyWithoutMatchLeavesRecordEmpty(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ruling := rejectRuling(now.AddDate(0, -1, 0))
	ruling.Pillars = []report.Pillar{report.PillarImprint}
	o := newOverlay(t, staticSource{[]report.LegalNotice{ruling}}, 180, now)

	s := scanWithRejectIssue()
	o.Apply(s)

	assert.False(t, s.LegalOverlayApplied)
	assert.Zero(t, s.LegalOverlayCount)
	assert.Zero(t, s.LegalRiskDelta)
}

func TestApplyNeverLowersSeverityOrRisk(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	o := newOverlay(t, staticSource{[]report.LegalNotice{rejectRuling(now.AddDate(0, -1, 0))}}, 180, now)

	s := scanWithRejectIssue()
	before := make([]report.Issue, len(s.Pillars[0].Issues))
	copy(before, s.Pillars[0].Issues)

	o.Apply(s)

	for i, after := range s.Pillars[0].Issues {
		assert.GreaterOrEqual(t, after.Severity.Rank(), before[i].Severity.Rank(), after.ID)
		assert.GreaterOrEqual(t, after.RiskEuro, before[i].RiskEuro, after.ID)
	}
}

func TestExpiredNoticeIsIgnored(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	o := newOverlay(t, staticSource{[]report.LegalNotice{rejectRuling(now.AddDate(-1, 0, 0))}}, 180, now)

	s := scanWithRejectIssue()
	o.Apply(s)

	assert.Equal(t, report.SeverityHigh, s.Pillars[0].Issues[0].Severity)
	assert.Equal(t, 2500, s.Pillars[0].Issues[0].RiskEuro)
	assert.Empty(t, s.LegalNotices)
}

func TestKeywordMismatchLeavesIssueAlone(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	n := rejectRuling(now.AddDate(0, -1, 0))
	n.Keywords = []string{"facebook"}
	o := newOverlay(t, staticSource{[]report.LegalNotice{n}}, 180, now)

	s := scanWithRejectIssue()
	o.Apply(s)
	assert.Empty(t, s.Pillars[0].Issues[0].LegalRefs)
}

func TestRiskCeiling(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	n := rejectRuling(now.AddDate(0, -1, 0))
	n.RiskMultiplier = 100
	o := newOverlay(t, staticSource{[]report.LegalNotice{n}}, 180, now)

	s := scanWithRejectIssue()
	o.Apply(s)
	assert.Equal(t, riskCeiling, s.Pillars[0].Issues[0].RiskEuro)
}

func TestYAMLSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
notices:
  - ruling_id: bgh-2026-001
    title: "BGH zu Google Fonts"
    court: BGH
    date: 2026-03-15
    pillars: [privacy]
    severity_boost: 1
    risk_multiplier: 1.3
    keywords: [fonts, google]
`), 0o644))

	src := NewYAMLSource(path)
	notices, err := src.Notices(context.Background())
	require.NoError(t, err)
	require.Len(t, notices, 1)
	n := notices[0]
	assert.Equal(t, "bgh-2026-001", n.RulingID)
	assert.Equal(t, []report.Pillar{report.PillarPrivacy}, n.Pillars)
	assert.Equal(t, 1, n.SeverityBoost)
	assert.InDelta(t, 1.3, n.RiskMultiplier, 0.001)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), n.Date)
}

func TestYAMLSourceRejectsBadNotice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
notices:
  - ruling_id: x
    title: y
    date: 2026-01-01
    pillars: [desserts]
`), 0o644))

	_, err := NewYAMLSource(path).Notices(context.Background())
	assert.Error(t, err)
}

func TestSQLiteSourceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legal.db")
	src, err := OpenSQLiteSource(path)
	require.NoError(t, err)
	defer src.Close()

	want := rejectRuling(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, src.Insert(context.Background(), want))

	notices, err := src.Notices(context.Background())
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, want.RulingID, notices[0].RulingID)
	assert.Equal(t, want.Pillars, notices[0].Pillars)
	assert.Equal(t, want.Keywords, notices[0].Keywords)
	assert.Equal(t, want.Date, notices[0].Date)
}
