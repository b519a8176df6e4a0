// Package cookie checks consent compliance (TTDSG §25): are tracking
// services active before any consent, is there a consent mechanism at
// all, and does its first layer offer a genuine reject option.
package cookie

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"konform/internal/checks"
	"konform/internal/dom"
	"konform/internal/logging"
	"konform/internal/report"
)

const legalBasis = "TTDSG §25 Abs. 1"

// maxPerServiceIssues caps individual tracking criticals; the rest
// collapse into one aggregate so a tag-manager free-for-all does not
// drown the report.
const maxPerServiceIssues = 4

// Checker implements the cookie pillar.
type Checker struct{}

// New returns the cookie checker.
func New() *Checker { return &Checker{} }

// Pillar identifies the module.
func (c *Checker) Pillar() report.Pillar { return report.PillarCookies }

// cmpSignatures maps known consent-management platforms to the script
// fragments that load them.
var cmpSignatures = map[string][]string{
	"Cookiebot":      {"consent.cookiebot.com", "cookiebot.com/uc.js"},
	"OneTrust":       {"cdn.cookielaw.org", "otsdkstub"},
	"Usercentrics":   {"app.usercentrics.eu", "usercentrics.eu/browser-ui"},
	"Borlabs Cookie": {"borlabs-cookie"},
	"consentmanager": {"consentmanager.net", "delivery.consentmanager"},
	"Klaro":          {"klaro.js", "kiprotect.com/klaro"},
	"Complianz":      {"complianz", "cmplz"},
	"CCM19":          {"ccm19"},
}

var bannerMarker = regexp.MustCompile(`(?i)cookie|consent|banner|gdpr|dsgvo`)

var rejectPattern = regexp.MustCompile(`(?i)ablehnen|alle ablehnen|reject|decline|nur notwendige|necessary only|nicht zustimmen|verweigern`)

// Check grades pre-consent tracking, banner presence and reject parity.
func (c *Checker) Check(ctx context.Context, t *checks.Target) ([]report.Issue, error) {
	var issues []report.Issue

	banner := detectBanner(t.Doc)
	logging.Debug(logging.CategoryChecks, "banner detection: cmp=%q heuristic=%v", banner.cmpName, banner.element != nil)

	// Pre-consent tracking: every consent-requiring service with
	// observed activity fired before anyone could consent.
	var firing []report.ClassifiedService
	for _, svc := range t.Services {
		if svc.RequiresConsent && svc.ConsentSeen {
			firing = append(firing, svc)
		}
	}
	sort.SliceStable(firing, func(i, j int) bool { return firing[i].ServiceID < firing[j].ServiceID })

	for i, svc := range firing {
		if i >= maxPerServiceIssues {
			rest := firing[i:]
			names := make([]string, len(rest))
			for j, s := range rest {
				names[j] = s.Name
			}
			locator := "cookie:tracking:aggregate"
			issues = append(issues, report.Issue{
				ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
				Pillar:      c.Pillar(),
				Severity:    report.SeverityCritical,
				Title:       fmt.Sprintf("Tracking without consent: %d further services", len(rest)),
				Description: "Also active before consent: " + strings.Join(names, ", ") + ".",
				LegalBasis:  legalBasis,
				RiskEuro:    2500 * len(rest),
				Locator:     locator,
				Count:       len(rest),
				Remediation: "Gate every listed service behind the consent banner.",
				FixAvailable: true,
				Confidence:  0.9,
			})
			break
		}
		locator := "cookie:tracking:" + svc.ServiceID
		evidence := ""
		if len(svc.Matched) > 0 {
			evidence = report.ClampEvidence(string(svc.Matched[0].Kind) + ": " + svc.Matched[0].Value)
		}
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityCritical,
			Title:       "Tracking without consent: " + svc.Name,
			Description: fmt.Sprintf("%s (%s) is active before any consent interaction. §25 TTDSG requires prior consent for storing or reading information on the user's device.", svc.Name, svc.Category),
			LegalBasis:  legalBasis + ", DSGVO Art. 6 Abs. 1 lit. a",
			RiskEuro:    5000,
			Locator:     locator,
			Evidence:    evidence,
			ServiceID:   svc.ServiceID,
			Remediation: "Load the service only after consent" + recipeHint(svc.Recipe),
			FixAvailable: true,
			Confidence:  svc.Confidence,
		})
	}

	consentNeeded := len(firing) > 0
	for _, svc := range t.Services {
		if svc.RequiresConsent {
			consentNeeded = true
		}
	}

	if !banner.present() {
		if consentNeeded {
			issues = append(issues,
				report.Issue{
					ID:          report.NewIssueID(t.ScanID, c.Pillar(), "cookie:banner"),
					Pillar:      c.Pillar(),
					Severity:    report.SeverityCritical,
					Title:       "No consent mechanism",
					Description: "Consent-requiring services were detected but no cookie banner or consent management platform is present.",
					LegalBasis:  legalBasis,
					RiskEuro:    2500,
					Locator:     "cookie:banner",
					Remediation: "Install a consent banner that blocks all non-necessary services until the visitor decides.",
					FixAvailable: true,
					Confidence:  0.9,
				},
				report.Issue{
					ID:          report.NewIssueID(t.ScanID, c.Pillar(), "cookie:reject"),
					Pillar:      c.Pillar(),
					Severity:    report.SeverityCritical,
					Title:       "No reject option",
					Description: "Without a consent layer the visitor has no way to decline tracking; rejecting must be as easy as accepting.",
					LegalBasis:  legalBasis,
					RiskEuro:    2500,
					Locator:     "cookie:reject",
					Remediation: "The banner's first layer needs an equally prominent reject button.",
					FixAvailable: true,
					Confidence:  0.9,
				},
			)
		} else {
			issues = append(issues, report.Issue{
				ID:          report.NewIssueID(t.ScanID, c.Pillar(), "cookie:none-needed"),
				Pillar:      c.Pillar(),
				Severity:    report.SeverityInfo,
				Title:       "No consent banner, none required",
				Description: "Only necessary services were observed; a banner is not legally required for them.",
				LegalBasis:  legalBasis,
				RiskEuro:    0,
				Locator:     "cookie:none-needed",
				Confidence:  0.7,
			})
		}
	} else if banner.element != nil && !banner.hasReject {
		locator := "cookie:reject"
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityCritical,
			Title:       "No reject option",
			Description: "The consent banner offers accepting but no equally accessible reject on its first layer (dark pattern).",
			LegalBasis:  legalBasis,
			RiskEuro:    2500,
			Locator:     locator,
			Evidence:    report.ClampEvidence(dom.Text(banner.element)),
			Remediation: "Add an 'Alle ablehnen' button next to the accept button.",
			FixAvailable: true,
			Confidence:  0.8,
		})
	}

	return issues, nil
}

func recipeHint(r *report.BlockingRecipe) string {
	if r == nil {
		return "."
	}
	switch r.Kind {
	case "script_rewrite":
		return " (rewrite the script tag to type=\"text/plain\" and rehydrate on consent)."
	case "iframe_facade":
		return " (replace the embed with a click-to-load placeholder)."
	case "cookie_gate":
		return " (set the cookie only after consent)."
	}
	return "."
}

type bannerInfo struct {
	cmpName   string
	element   *html.Node
	hasReject bool
}

func (b bannerInfo) present() bool { return b.cmpName != "" || b.element != nil }

// detectBanner looks for a known CMP loader first, then for a generic
// banner element carrying cookie keywords and buttons.
func detectBanner(doc *html.Node) bannerInfo {
	var info bannerInfo
	if doc == nil {
		return info
	}

	for _, s := range dom.ByTag(doc, "script") {
		src := strings.ToLower(dom.Attr(s, "src"))
		if src == "" {
			continue
		}
		for name, fragments := range cmpSignatures {
			for _, frag := range fragments {
				if strings.Contains(src, frag) {
					info.cmpName = name
					// A managed CMP configures its own reject layer;
					// trust it rather than guessing at shadow DOM.
					info.hasReject = true
					return info
				}
			}
		}
	}

	candidate := dom.First(doc, func(n *html.Node) bool {
		idcls := dom.Attr(n, "id") + " " + dom.Attr(n, "class")
		if !bannerMarker.MatchString(idcls) {
			return false
		}
		// A banner interacts: it has buttons or consent-ish links.
		return dom.FirstByTag(n, "button") != nil || dom.First(n, func(b *html.Node) bool {
			return b.Data == "a" && bannerMarker.MatchString(dom.Attr(b, "href")+dom.Text(b))
		}) != nil
	})
	if candidate == nil {
		return info
	}

	info.element = candidate
	for _, b := range append(dom.ByTag(candidate, "button"), dom.ByTag(candidate, "a")...) {
		name := dom.Text(b) + " " + dom.Attr(b, "aria-label")
		if rejectPattern.MatchString(name) {
			info.hasReject = true
		}
	}
	return info
}
