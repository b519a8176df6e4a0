package cookie

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konform/internal/checks"
	"konform/internal/dom"
	"konform/internal/report"
)

func newTarget(t *testing.T, mainHTML string, services ...report.ClassifiedService) *checks.Target {
	t.Helper()
	doc, err := dom.Parse(mainHTML)
	require.NoError(t, err)
	base, err := url.Parse("https://example.de")
	require.NoError(t, err)
	return &checks.Target{
		ScanID:   "scan-test",
		URL:      base,
		Doc:      doc,
		RawHTML:  mainHTML,
		Services: services,
	}
}

func firingService(id, name string) report.ClassifiedService {
	return report.ClassifiedService{
		ServiceID:       id,
		Name:            name,
		Category:        report.CategoryAnalytics,
		RequiresConsent: true,
		ConsentSeen:     true,
		Confidence:      1.0,
		Matched: []report.ServiceEvidence{
			{Kind: report.EvidenceScript, Value: "https://example.invalid/" + id + ".js"},
		},
		Recipe: &report.BlockingRecipe{Kind: "script_rewrite"},
	}
}

func bySeverity(issues []report.Issue, sev report.Severity) []report.Issue {
	var out []report.Issue
	for _, is := range issues {
		if is.Severity == sev {
			out = append(out, is)
		}
	}
	return out
}

// Tracker firing with no banner at all: the tracking finding plus the
// missing-mechanism pair.
func TestTrackingWithoutAnyBanner(t *testing.T) {
	target := newTarget(t, `<html><body><h1>Shop</h1></body></html>`,
		firingService("google_analytics_ga4", "Google Analytics 4"))

	issues, err := New().Check(context.Background(), target)
	require.NoError(t, err)

	criticals := bySeverity(issues, report.SeverityCritical)
	require.Len(t, criticals, 3)

	tracking := criticals[0]
	assert.Equal(t, "cookie:tracking:google_analytics_ga4", tracking.Locator)
	assert.Equal(t, 5000, tracking.RiskEuro)
	assert.Equal(t, "google_analytics_ga4", tracking.ServiceID)
	assert.Contains(t, tracking.Remediation, "text/plain")

	locators := []string{criticals[1].Locator, criticals[2].Locator}
	assert.ElementsMatch(t, []string{"cookie:banner", "cookie:reject"}, locators)
}

func TestBannerWithoutRejectOption(t *testing.T) {
	html := `<html><body>
		<div id="cookie-banner">
			<p>Wir verwenden Cookies.</p>
			<button>Alle akzeptieren</button>
		</div>
	</body></html>`
	target := newTarget(t, html, report.ClassifiedService{
		ServiceID: "matomo", Name: "Matomo",
		Category: report.CategoryAnalytics, RequiresConsent: true,
	})

	issues, err := New().Check(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, report.SeverityCritical, issues[0].Severity)
	assert.Equal(t, "cookie:reject", issues[0].Locator)
	assert.Equal(t, 2500, issues[0].RiskEuro)
}

func TestBannerWithRejectIsClean(t *testing.T) {
	html := `<html><body>
		<div class="consent-dialog">
			<button>Alle akzeptieren</button>
			<button>Alle ablehnen</button>
		</div>
	</body></html>`
	target := newTarget(t, html, report.ClassifiedService{
		ServiceID: "matomo", Name: "Matomo",
		Category: report.CategoryAnalytics, RequiresConsent: true,
	})

	issues, err := New().Check(context.Background(), target)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

// A managed CMP loader counts as banner and reject option; its dialog
// lives in the shadow DOM where we cannot inspect buttons.
func TestKnownCMPIsTrusted(t *testing.T) {
	html := `<html><head>
		<script src="https://consent.cookiebot.com/uc.js" data-cbid="abc"></script>
	</head><body></body></html>`
	target := newTarget(t, html, report.ClassifiedService{
		ServiceID: "google_analytics_ga4", Name: "Google Analytics 4",
		Category: report.CategoryAnalytics, RequiresConsent: true,
	})

	issues, err := New().Check(context.Background(), target)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestNoBannerNeededIsInfo(t *testing.T) {
	target := newTarget(t, `<html><body></body></html>`, report.ClassifiedService{
		ServiceID: "stripe_js", Name: "Stripe.js",
		Category: report.CategoryNecessary, RequiresConsent: false,
	})

	issues, err := New().Check(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, report.SeverityInfo, issues[0].Severity)
	assert.Equal(t, 0, issues[0].RiskEuro)
}

// Beyond the per-service cap the remaining trackers collapse into one
// aggregate finding.
func TestTrackingFindingsAreCapped(t *testing.T) {
	var services []report.ClassifiedService
	for i := 0; i < 6; i++ {
		services = append(services, firingService(fmt.Sprintf("svc_%d", i), fmt.Sprintf("Service %d", i)))
	}
	target := newTarget(t, `<html><body></body></html>`, services...)

	issues, err := New().Check(context.Background(), target)
	require.NoError(t, err)

	individual := 0
	var aggregate *report.Issue
	for i := range issues {
		switch {
		case issues[i].Locator == "cookie:tracking:aggregate":
			aggregate = &issues[i]
		case issues[i].ServiceID != "":
			individual++
		}
	}
	assert.Equal(t, maxPerServiceIssues, individual)
	require.NotNil(t, aggregate)
	assert.Equal(t, 2, aggregate.Count)
	assert.Equal(t, 5000, aggregate.RiskEuro)
}

func TestIssueOrderIsDeterministic(t *testing.T) {
	services := []report.ClassifiedService{
		firingService("zeta_tracker", "Zeta"),
		firingService("alpha_tracker", "Alpha"),
	}
	target := newTarget(t, `<html><body></body></html>`, services...)

	issues, err := New().Check(context.Background(), target)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(issues), 2)
	assert.Equal(t, "cookie:tracking:alpha_tracker", issues[0].Locator)
	assert.Equal(t, "cookie:tracking:zeta_tracker", issues[1].Locator)
}
