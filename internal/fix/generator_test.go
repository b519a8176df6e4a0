package fix

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konform/internal/report"
)

type fakeModel struct {
	answer string
	err    error
}

func (f fakeModel) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f.answer, f.err
}
func (fakeModel) Close() error { return nil }

func testGenerator(model fakeModel) *Generator {
	g := New(model)
	g.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	n := 0
	g.newID = func() string { n++; return "fix-" + string(rune('0'+n)) }
	return g
}

func completeCompany() report.CompanyInfo {
	return report.CompanyInfo{
		Name: "Beispiel", LegalForm: "GmbH",
		Street: "Musterstraße 12", Zip: "80331", City: "München",
		Email: "info@beispiel.de", Phone: "+49 89 123456",
		RegisterCourt: "Amtsgericht München", RegisterNumber: "HRB 123456",
		VATID:           "DE123456789",
		Representatives: []string{"Max Weber"},
	}
}

func imprintIssue() report.Issue {
	return report.Issue{
		ID: "scan-1:imprint:abc", Pillar: report.PillarImprint,
		Severity: report.SeverityHigh, Title: "Imprint lacks a full postal address",
		Locator: "https://example.de/impressum#address",
	}
}

func scanEnvelope(services ...report.ClassifiedService) *report.Scan {
	return &report.Scan{ID: "scan-1", Services: services}
}

func TestImprintFixComplete(t *testing.T) {
	g := testGenerator(fakeModel{})
	fix, err := g.ForIssue(context.Background(), scanEnvelope(), imprintIssue(), completeCompany())
	require.NoError(t, err)

	assert.Equal(t, report.FixImprintTemplate, fix.Kind)
	assert.True(t, fix.Validated)
	assert.Equal(t, report.SourceTemplate, fix.Source)
	require.Len(t, fix.Files, 1)
	doc := fix.Files[0].Content
	assert.Contains(t, doc, "Beispiel GmbH")
	assert.Contains(t, doc, "Musterstraße 12")
	assert.Contains(t, doc, "HRB 123456")
	assert.Contains(t, doc, "DE123456789")
	assert.Contains(t, doc, "§ 18 Abs. 2 MStV")
	assert.NotContains(t, doc, "EINTRAGEN]")
	assert.InDelta(t, 0.95, fix.Confidence, 0.001)
}

func TestImprintFixMarksPlaceholders(t *testing.T) {
	g := testGenerator(fakeModel{})
	info := completeCompany()
	info.Phone = ""
	info.Email = ""

	fix, err := g.ForIssue(context.Background(), scanEnvelope(), imprintIssue(), info)
	require.NoError(t, err)
	doc := fix.Files[0].Content
	assert.Contains(t, doc, "[TELEFONNUMMER EINTRAGEN]")
	assert.Contains(t, doc, "[E-MAIL EINTRAGEN]")
	assert.Less(t, fix.Confidence, 0.95)
	assert.Contains(t, fix.Guide, "email")
}

func TestPrivacyFullPolicy(t *testing.T) {
	g := testGenerator(fakeModel{})
	scan := scanEnvelope(report.ClassifiedService{
		ServiceID: "google_analytics_ga4", Name: "Google Analytics 4",
		Category: report.CategoryAnalytics, RequiresConsent: true,
	})
	issue := report.Issue{
		ID: "scan-1:privacy:abc", Pillar: report.PillarPrivacy,
		Title: "No privacy policy found", Locator: "site:privacy",
	}

	fix, err := g.ForIssue(context.Background(), scan, issue, completeCompany())
	require.NoError(t, err)
	assert.Equal(t, report.FixPrivacySection, fix.Kind)
	doc := fix.Files[0].Content
	assert.Contains(t, doc, "# Datenschutzerklärung")
	assert.Contains(t, doc, "## Verantwortlicher")
	assert.Contains(t, doc, "## Ihre Rechte")
	assert.Contains(t, doc, "## Beschwerderecht")
	assert.Contains(t, doc, "## Google Analytics 4")
}

func TestPrivacyServiceSection(t *testing.T) {
	g := testGenerator(fakeModel{})
	scan := scanEnvelope(report.ClassifiedService{
		ServiceID: "facebook_pixel", Name: "Meta Pixel",
		Category: report.CategoryMarketing, RequiresConsent: true,
	})
	issue := report.Issue{
		ID: "scan-1:privacy:svc", Pillar: report.PillarPrivacy,
		Title:     "Service not covered by privacy policy: Meta Pixel",
		Locator:   "privacy:service:facebook_pixel",
		ServiceID: "facebook_pixel",
	}

	fix, err := g.ForIssue(context.Background(), scan, issue, report.CompanyInfo{})
	require.NoError(t, err)
	assert.Contains(t, fix.Files[0].Content, "## Meta Pixel")
	assert.Contains(t, fix.Files[0].Content, "§ 25 Abs. 1 TTDSG")
}

func TestBannerBundle(t *testing.T) {
	g := testGenerator(fakeModel{})
	scan := scanEnvelope(report.ClassifiedService{
		ServiceID: "google_analytics", Name: "Google Analytics",
		Category: report.CategoryAnalytics, RequiresConsent: true,
		Recipe: &report.BlockingRecipe{Kind: "script_rewrite"},
	})
	issue := report.Issue{
		ID: "scan-1:cookies:abc", Pillar: report.PillarCookies,
		Title: "No reject option", Locator: "cookie:reject",
	}

	fix, err := g.ForIssue(context.Background(), scan, issue, report.CompanyInfo{})
	require.NoError(t, err)
	assert.Equal(t, report.FixCookieBanner, fix.Kind)
	assert.True(t, fix.Validated)
	require.Len(t, fix.Files, 3)

	names := map[string]bool{}
	paths := map[string]string{}
	for _, f := range fix.Files {
		names[f.Path] = true
		paths[f.Mime] = f.Content
	}
	assert.True(t, names["cookie-banner.html"], "got %v", names)
	assert.True(t, names["cookie-banner.css"], "got %v", names)
	assert.True(t, names["cookie-banner.js"], "got %v", names)

	html := paths["text/html"]
	assert.Contains(t, html, "Alle ablehnen")
	assert.Contains(t, html, "Alle akzeptieren")
	// Category toggles, with the necessary one pre-checked and locked.
	assert.Contains(t, html, `type="checkbox"`)
	assert.Contains(t, html, `data-kf-category="necessary" checked disabled`)
	assert.Contains(t, html, `data-kf-category="marketing"`)
	// Settings reopener.
	assert.Contains(t, html, "kf-consent-reopen")

	assert.Contains(t, paths["text/css"], ":focus-visible")

	js := paths["text/javascript"]
	// Consent is stored per category under a random visitor id.
	assert.Contains(t, js, "Math.random")
	assert.Contains(t, js, "visitor")
	assert.Contains(t, js, "data-kf-consent")
	assert.Contains(t, js, "data-kf-src")

	// The guide maps each detected service to its gating markup.
	assert.Contains(t, fix.Guide, "Google Analytics (analytics)")
	assert.Contains(t, fix.Guide, `data-kf-consent="analytics"`)
}

func TestConsentGateFollowsRecipe(t *testing.T) {
	g := testGenerator(fakeModel{})
	scan := scanEnvelope(report.ClassifiedService{
		ServiceID: "youtube_embed", Name: "YouTube",
		Category: report.CategoryMarketing, RequiresConsent: true,
		Recipe: &report.BlockingRecipe{Kind: "iframe_facade"},
	})
	issue := report.Issue{
		ID: "scan-1:cookies:yt", Pillar: report.PillarCookies,
		Title: "Tracking without consent: YouTube", Locator: "cookie:tracking:youtube_embed",
		ServiceID: "youtube_embed",
	}

	fix, err := g.ForIssue(context.Background(), scan, issue, report.CompanyInfo{})
	require.NoError(t, err)
	assert.Equal(t, report.FixConsentWidget, fix.Kind)
	assert.Contains(t, fix.Guide, "click-to-load")
}

func TestContrastFixFromLocator(t *testing.T) {
	g := testGenerator(fakeModel{})
	issue := report.Issue{
		ID: "scan-1:accessibility:c1", Pillar: report.PillarAccessibility,
		Title:   "Insufficient text contrast 4.48:1 (#777777 on #ffffff)",
		Locator: "a11y:contrast:777777-on-ffffff",
	}

	fix, err := g.ForIssue(context.Background(), scanEnvelope(), issue, report.CompanyInfo{})
	require.NoError(t, err)
	assert.Equal(t, report.FixContrastCSS, fix.Kind)
	assert.True(t, fix.Validated)
	require.Len(t, fix.Files, 1)
	assert.Contains(t, fix.Files[0].Content, "color: #")
	assert.NotContains(t, fix.Files[0].Content, "#777777;") // must be darker than the original
}

func TestFocusFixShipsCSS(t *testing.T) {
	g := testGenerator(fakeModel{})
	issue := report.Issue{
		ID: "scan-1:accessibility:f1", Pillar: report.PillarAccessibility,
		Title: "Focus indicator removed", Locator: "a11y:focus-visible",
	}
	fix, err := g.ForIssue(context.Background(), scanEnvelope(), issue, report.CompanyInfo{})
	require.NoError(t, err)
	assert.Equal(t, report.FixFocusCSS, fix.Kind)
	assert.True(t, fix.Validated)
	assert.Contains(t, fix.Files[0].Content, ":focus-visible")
}

func altIssue() report.Issue {
	return report.Issue{
		ID: "scan-1:accessibility:a1", Pillar: report.PillarAccessibility,
		Title: "3 images without alternative text", Locator: "a11y:img-alt",
		Evidence: "/img/team.jpg, /img/buero-muenchen.jpg",
	}
}

func TestAltTextFromModel(t *testing.T) {
	g := testGenerator(fakeModel{answer: `/img/team.jpg | Unser Team im Gruppenfoto | 0.9
/img/buero-muenchen.jpg | Bürogebäude in München | 0.8`})

	fix, err := g.ForIssue(context.Background(), scanEnvelope(), altIssue(), report.CompanyInfo{})
	require.NoError(t, err)
	assert.Equal(t, report.FixAltText, fix.Kind)
	assert.Equal(t, report.SourceLLM, fix.Source)
	assert.InDelta(t, 0.8, fix.Confidence, 0.001) // batch minimum
	assert.Contains(t, fix.Guide, `alt="Unser Team im Gruppenfoto"`)
}

func TestAltTextLowConfidenceDowngrades(t *testing.T) {
	g := testGenerator(fakeModel{answer: `/img/team.jpg | Unser Team | 0.9
/img/x7f3.jpg | Unbekanntes Bild | 0.3`})

	fix, err := g.ForIssue(context.Background(), scanEnvelope(), altIssue(), report.CompanyInfo{})
	require.NoError(t, err)
	assert.Equal(t, report.FixGuide, fix.Kind)
	assert.Contains(t, fix.Guide, "review before use")
}

func TestAltTextModelFailureDowngrades(t *testing.T) {
	g := testGenerator(fakeModel{err: assert.AnError})
	fix, err := g.ForIssue(context.Background(), scanEnvelope(), altIssue(), report.CompanyInfo{})
	require.NoError(t, err)
	assert.Equal(t, report.FixGuide, fix.Kind)
	assert.Equal(t, report.SourceTemplate, fix.Source)
}

func TestUnknownIssueGetsGuide(t *testing.T) {
	g := testGenerator(fakeModel{})
	issue := report.Issue{
		ID: "scan-1:accessibility:h1", Pillar: report.PillarAccessibility,
		Title: "Page has no top-level heading", Locator: "a11y:h1",
		LegalBasis: "BFSG §3, WCAG 2.1 AA 1.3.1",
		Remediation: "Add an <h1> naming the page's main content.",
	}
	fix, err := g.ForIssue(context.Background(), scanEnvelope(), issue, report.CompanyInfo{})
	require.NoError(t, err)
	assert.Equal(t, report.FixGuide, fix.Kind)
	assert.Contains(t, fix.Guide, "Legal basis")
	assert.Contains(t, fix.Guide, "<h1>")
}

func TestValidationDowngradesBrokenArtifact(t *testing.T) {
	g := testGenerator(fakeModel{})
	fix := &report.Fix{
		ID: "fix-x", Kind: report.FixContrastCSS, Title: "broken",
		Files: []report.FixFile{{Path: "bad.css", Mime: "text/css", Content: ".a { color: red; "}},
	}
	g.validate(fix)
	assert.False(t, fix.Validated)
	assert.Equal(t, report.FixGuide, fix.Kind)
	assert.Empty(t, fix.Files)
	assert.Contains(t, fix.Guide, "could not be validated")
}
