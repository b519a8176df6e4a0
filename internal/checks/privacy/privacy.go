// Package privacy checks the Datenschutzerklärung against DSGVO
// Art. 13/14: the page must exist, cover the mandatory information
// duties, and mention every tracking service the classifier actually
// observed on the site.
package privacy

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"konform/internal/checks"
	"konform/internal/dom"
	"konform/internal/logging"
	"konform/internal/report"
)

const legalBasis = "DSGVO Art. 13"

// Checker implements the privacy pillar.
type Checker struct{}

// New returns the privacy checker.
func New() *Checker { return &Checker{} }

// Pillar identifies the module.
func (c *Checker) Pillar() report.Pillar { return report.PillarPrivacy }

var linkPattern = regexp.MustCompile(`(?i)datenschutz|privacy|datenschutzerkl`)

var fallbackPaths = []string{"/datenschutz", "/datenschutzerklaerung", "/privacy", "/privacy-policy"}

// section is one mandatory information duty with the keywords that
// signal its presence. Matching is case-insensitive over the page text.
type section struct {
	field    string
	title    string
	desc     string
	risk     int
	severity report.Severity
	pattern  *regexp.Regexp
}

var sections = []section{
	{
		field: "controller", title: "Privacy policy does not name the controller",
		desc:     "Art. 13 Abs. 1 lit. a DSGVO requires identity and contact details of the Verantwortlicher.",
		risk:     1500, severity: report.SeverityHigh,
		pattern: regexp.MustCompile(`(?i)verantwortlich|controller|verantwortliche stelle`),
	},
	{
		field: "purposes", title: "Processing purposes are not described",
		desc:     "The policy must enumerate the purposes personal data is processed for (Art. 13 Abs. 1 lit. c DSGVO).",
		risk:     1500, severity: report.SeverityHigh,
		pattern: regexp.MustCompile(`(?i)zweck|purpose`),
	},
	{
		field: "legal-bases", title: "No legal bases cited",
		desc:     "Each processing purpose needs its legal basis, typically a citation of Art. 6 Abs. 1 DSGVO.",
		risk:     2000, severity: report.SeverityHigh,
		pattern: regexp.MustCompile(`(?i)art\.?\s*6`),
	},
	{
		field: "retention", title: "No retention periods stated",
		desc:     "Storage duration or the criteria for determining it must be stated (Art. 13 Abs. 2 lit. a DSGVO).",
		risk:     1500, severity: report.SeverityHigh,
		pattern: regexp.MustCompile(`(?i)speicherdauer|aufbewahrung|gelöscht|löschfrist|speicherfrist|retention`),
	},
	{
		field: "rights", title: "Data-subject rights are not enumerated",
		desc:     "Access, rectification, erasure, restriction, portability, objection and consent withdrawal must be listed (Art. 13 Abs. 2 lit. b-c DSGVO).",
		risk:     1500, severity: report.SeverityHigh,
		pattern: regexp.MustCompile(`(?i)auskunft|berichtigung|löschung|übertragbarkeit|widerspruch|widerruf`),
	},
	{
		field: "complaint", title: "Right to complain to a supervisory authority missing",
		desc:     "The policy must point out the Beschwerderecht bei einer Aufsichtsbehörde (Art. 13 Abs. 2 lit. d DSGVO).",
		risk:     1500, severity: report.SeverityHigh,
		pattern: regexp.MustCompile(`(?i)beschwerde|aufsichtsbehörde|supervisory authority`),
	},
}

var (
	outdatedRe    = regexp.MustCompile(`(?i)§\s*13\s*tmg|tmg\s*§\s*13|safe.?harbor|privacy.?shield`)
	dpfRe         = regexp.MustCompile(`(?i)data privacy framework|dpf`)
	placeholderRe = regexp.MustCompile(`(?i)\[(name|firma|adresse|platzhalter)[^\]]*\]|mustermann|muster\s?(gmbh|firma)`)
	dpoRe         = regexp.MustCompile(`(?i)datenschutzbeauftragte|data protection officer|\bdpo\b`)
)

// Check locates the privacy policy and grades its coverage.
func (c *Checker) Check(ctx context.Context, t *checks.Target) ([]report.Issue, error) {
	var issues []report.Issue

	doc, pageLoc := c.locate(ctx, t)
	if doc == nil {
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), "site:privacy"),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityCritical,
			Title:       "No privacy policy found",
			Description: "Neither a linked Datenschutzerklärung nor one of the usual paths (/datenschutz, /privacy) exists. Art. 13 DSGVO requires one wherever personal data is processed, which includes server logs.",
			LegalBasis:  legalBasis,
			RiskEuro:    5000,
			Locator:     "site:privacy",
			Remediation: "Publish a Datenschutzerklärung and link it from every page footer.",
			FixAvailable: true,
			Confidence:  0.95,
		})
		issues = append(issues, c.serviceIssues(t, "")...)
		return issues, nil
	}

	text := dom.Text(doc)
	lower := strings.ToLower(text)
	logging.Debug(logging.CategoryChecks, "privacy policy found at %s (%d chars)", pageLoc, len(text))

	for _, s := range sections {
		if s.pattern.MatchString(text) {
			continue
		}
		locator := pageLoc + "#" + s.field
		issues = append(issues, report.Issue{
			ID:           report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:       c.Pillar(),
			Severity:     s.severity,
			Title:        s.title,
			Description:  s.desc,
			LegalBasis:   legalBasis,
			RiskEuro:     s.risk,
			Locator:      locator,
			Remediation:  "Add the missing section to the privacy policy.",
			FixAvailable: true,
			Confidence:   0.85,
		})
	}

	if outdatedRe.MatchString(text) && !dpfRe.MatchString(text) {
		locator := pageLoc + "#outdated"
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityMedium,
			Title:       "Privacy policy cites outdated law",
			Description: "References to TMG §13, Safe Harbor or Privacy Shield predate the current legal situation (DSGVO/TTDSG, EU-US Data Privacy Framework).",
			LegalBasis:  legalBasis,
			RiskEuro:    800,
			Locator:     locator,
			Remediation: "Update the policy to the current legal framework.",
			Confidence:  0.8,
		})
	}

	if placeholderRe.MatchString(text) {
		locator := pageLoc + "#placeholder"
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityHigh,
			Title:       "Privacy policy contains unfilled template placeholders",
			Description: "Generator boilerplate like [Name einfügen] or Mustermann was left in the published text.",
			LegalBasis:  legalBasis,
			RiskEuro:    1000,
			Locator:     locator,
			Remediation: "Replace every placeholder with the real company data.",
			FixAvailable: true,
			Confidence:  0.9,
		})
	}

	if !dpoRe.MatchString(text) {
		locator := pageLoc + "#dpo"
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityInfo,
			Title:       "No data protection officer mentioned",
			Description: "Only required when a DPO must be appointed (Art. 37 DSGVO); verify whether that applies.",
			LegalBasis:  "DSGVO Art. 37",
			RiskEuro:    0,
			Locator:     locator,
			Confidence:  0.6,
		})
	}

	issues = append(issues, c.serviceIssues(t, lower)...)
	return issues, nil
}

// serviceIssues flags every observed consent-requiring service the
// policy text does not mention. With no policy at all (text == "") each
// detected tracker is an undisclosed processing activity.
func (c *Checker) serviceIssues(t *checks.Target, lowerText string) []report.Issue {
	var issues []report.Issue
	for _, svc := range t.Services {
		if svc.Category != report.CategoryAnalytics && svc.Category != report.CategoryMarketing {
			continue
		}
		if lowerText != "" && mentionsService(lowerText, svc) {
			continue
		}
		locator := "privacy:service:" + svc.ServiceID
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityCritical,
			Title:       "Service not covered by privacy policy: " + svc.Name,
			Description: "The service was observed on the page but the privacy policy has no section describing its purpose, legal basis and retention.",
			LegalBasis:  "DSGVO Art. 13 Abs. 1",
			RiskEuro:    2000,
			Locator:     locator,
			ServiceID:   svc.ServiceID,
			Remediation: "Add a section for " + svc.Name + " covering purpose, legal basis and storage duration.",
			FixAvailable: true,
			Confidence:  0.9,
		})
	}
	return issues
}

// mentionsService looks for the service name (or a significant token
// of it) in the policy text.
func mentionsService(lowerText string, svc report.ClassifiedService) bool {
	name := strings.ToLower(svc.Name)
	if strings.Contains(lowerText, name) {
		return true
	}
	for _, token := range strings.Fields(name) {
		if len(token) >= 5 && strings.Contains(lowerText, token) {
			return true
		}
	}
	return false
}

func (c *Checker) locate(ctx context.Context, t *checks.Target) (*html.Node, string) {
	if t.Doc != nil {
		for _, a := range dom.ByTag(t.Doc, "a") {
			href := dom.Attr(a, "href")
			if href == "" {
				continue
			}
			if linkPattern.MatchString(dom.Text(a)) || linkPattern.MatchString(href) {
				if _, doc, err := t.Pages.Load(ctx, href); err == nil {
					return doc, t.Pages.Resolve(href)
				}
			}
		}
		for _, tag := range []string{"h1", "h2"} {
			for _, h := range dom.ByTag(t.Doc, tag) {
				if linkPattern.MatchString(dom.Text(h)) {
					return t.Doc, t.URL.String() + "#inline-privacy"
				}
			}
		}
	}
	for _, path := range fallbackPaths {
		if _, doc, err := t.Pages.Load(ctx, path); err == nil {
			return doc, t.Pages.Resolve(path)
		}
	}
	return nil, ""
}
