// Package a11y runs the accessibility battery (BFSG / WCAG 2.1 AA):
// alternative texts, labels, color contrast, focus visibility, zoom
// restrictions and document structure. Rendered scans use computed
// styles; static scans fall back to parsing inline styles and
// same-origin stylesheets.
package a11y

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"konform/internal/checks"
	"konform/internal/dom"
	"konform/internal/report"
)

const legalBasis = "BFSG §3, WCAG 2.1 AA"

// maxExamples bounds the element paths listed in aggregated issues.
const maxExamples = 5

// Checker implements the accessibility pillar.
type Checker struct {
	// WidgetMarker identifies the house accessibility widget; sites
	// carrying it skip the widget-missing finding.
	WidgetMarker string
}

// New returns the accessibility checker.
func New() *Checker { return &Checker{WidgetMarker: "konform-a11y"} }

// Pillar identifies the module.
func (c *Checker) Pillar() report.Pillar { return report.PillarAccessibility }

// Check runs every probe. Probes are independent; a nil DOM (render
// and static both failed) is the only way out without findings.
func (c *Checker) Check(ctx context.Context, t *checks.Target) ([]report.Issue, error) {
	if t.Doc == nil {
		return nil, fmt.Errorf("accessibility check needs a parsed document")
	}

	var issues []report.Issue
	issues = append(issues, c.checkImages(t)...)
	issues = append(issues, c.checkLabels(t)...)
	issues = append(issues, c.checkContrast(ctx, t)...)
	issues = append(issues, c.checkFocusStyles(ctx, t)...)
	issues = append(issues, c.checkKeyboard(t)...)
	issues = append(issues, c.checkDocument(t)...)
	issues = append(issues, c.checkWidget(t)...)
	return issues, nil
}

// checkImages flags content images without alternative text,
// aggregated into one finding with example locators (WCAG 1.1.1).
func (c *Checker) checkImages(t *checks.Target) []report.Issue {
	var missing []*html.Node
	for _, img := range dom.ByTag(t.Doc, "img") {
		if dom.Attr(img, "role") == "presentation" || dom.Attr(img, "aria-hidden") == "true" {
			continue
		}
		if dom.HasAttr(img, "alt") && strings.TrimSpace(dom.Attr(img, "alt")) == "" {
			continue // empty alt marks the image decorative
		}
		if strings.TrimSpace(dom.Attr(img, "alt")) == "" {
			missing = append(missing, img)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	examples := make([]string, 0, maxExamples)
	for i, img := range missing {
		if i >= maxExamples {
			break
		}
		if src := dom.Attr(img, "src"); src != "" {
			examples = append(examples, src)
		} else {
			examples = append(examples, dom.NodePath(img))
		}
	}

	risk := 500 * len(missing)
	if risk > 2500 {
		risk = 2500
	}
	locator := "a11y:img-alt"
	return []report.Issue{{
		ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
		Pillar:      c.Pillar(),
		Severity:    report.SeverityMedium,
		Title:       fmt.Sprintf("%d images without alternative text", len(missing)),
		Description: "Content images need an alt attribute describing them for screen-reader users; decorative images need alt=\"\" (WCAG 1.1.1).",
		LegalBasis:  legalBasis + " 1.1.1",
		RiskEuro:    risk,
		Locator:     locator,
		Evidence:    report.ClampEvidence(strings.Join(examples, ", ")),
		Count:       len(missing),
		Remediation: "Add descriptive alt texts; generated suggestions are available per image.",
		FixAvailable: true,
		Confidence:  0.95,
	}}
}

// checkLabels flags interactive controls without an accessible name
// (WCAG 1.3.1 / 4.1.2), aggregated.
func (c *Checker) checkLabels(t *checks.Target) []report.Issue {
	labelFor := map[string]bool{}
	for _, l := range dom.ByTag(t.Doc, "label") {
		if f := dom.Attr(l, "for"); f != "" {
			labelFor[f] = true
		}
	}

	var unnamed []string
	note := func(n *html.Node) {
		if len(unnamed) < maxExamples {
			unnamed = append(unnamed, dom.NodePath(n))
		}
	}
	count := 0

	for _, tag := range []string{"input", "select", "textarea", "button", "a"} {
		for _, n := range dom.ByTag(t.Doc, tag) {
			switch tag {
			case "input":
				typ := strings.ToLower(dom.Attr(n, "type"))
				if typ == "hidden" || typ == "submit" || typ == "button" {
					continue // submit inputs name themselves via value
				}
			case "a":
				if dom.Attr(n, "href") == "" {
					continue
				}
			}
			if hasAccessibleName(n, labelFor) {
				continue
			}
			count++
			note(n)
		}
	}
	if count == 0 {
		return nil
	}

	risk := 250 * count
	if risk > 1500 {
		risk = 1500
	}
	if risk < 1000 {
		risk = 1000
	}
	locator := "a11y:labels"
	return []report.Issue{{
		ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
		Pillar:      c.Pillar(),
		Severity:    report.SeverityHigh,
		Title:       fmt.Sprintf("%d interactive elements without accessible name", count),
		Description: "Form controls, buttons and links must expose a name via text content, label, aria-label or aria-labelledby (WCAG 4.1.2).",
		LegalBasis:  legalBasis + " 4.1.2",
		RiskEuro:    risk,
		Locator:     locator,
		Evidence:    report.ClampEvidence(strings.Join(unnamed, ", ")),
		Count:       count,
		Remediation: "Associate a <label> or add aria-label to every listed element.",
		Confidence:  0.85,
	}}
}

func hasAccessibleName(n *html.Node, labelFor map[string]bool) bool {
	if strings.TrimSpace(dom.Text(n)) != "" {
		return true
	}
	if strings.TrimSpace(dom.Attr(n, "aria-label")) != "" || dom.Attr(n, "aria-labelledby") != "" {
		return true
	}
	if dom.Attr(n, "title") != "" || dom.Attr(n, "placeholder") != "" {
		return true
	}
	if n.Data == "input" && dom.Attr(n, "value") != "" {
		return true
	}
	if id := dom.Attr(n, "id"); id != "" && labelFor[id] {
		return true
	}
	// Image buttons/links named by their image's alt.
	if img := dom.FirstByTag(n, "img"); img != nil && strings.TrimSpace(dom.Attr(img, "alt")) != "" {
		return true
	}
	return false
}

// checkKeyboard reports interactive elements removed from the tab
// order (WCAG 2.1.1).
func (c *Checker) checkKeyboard(t *checks.Target) []report.Issue {
	count := 0
	var examples []string
	interactive := func(n *html.Node) bool {
		switch n.Data {
		case "a":
			return dom.Attr(n, "href") != ""
		case "button", "input", "select", "textarea":
			return true
		}
		return dom.Attr(n, "role") == "button"
	}
	dom.Walk(t.Doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && interactive(n) && dom.Attr(n, "tabindex") == "-1" {
			count++
			if len(examples) < maxExamples {
				examples = append(examples, dom.NodePath(n))
			}
		}
		return true
	})
	if count == 0 {
		return nil
	}

	locator := "a11y:tabindex"
	return []report.Issue{{
		ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
		Pillar:      c.Pillar(),
		Severity:    report.SeverityMedium,
		Title:       fmt.Sprintf("%d interactive elements removed from keyboard navigation", count),
		Description: "tabindex=\"-1\" on interactive elements makes them unreachable for keyboard users (WCAG 2.1.1).",
		LegalBasis:  legalBasis + " 2.1.1",
		RiskEuro:    1000,
		Locator:     locator,
		Evidence:    report.ClampEvidence(strings.Join(examples, ", ")),
		Count:       count,
		Remediation: "Remove the negative tabindex or provide an equivalent keyboard path.",
		Confidence:  0.9,
	}}
}

// checkDocument covers language, headings and zoom restrictions.
func (c *Checker) checkDocument(t *checks.Target) []report.Issue {
	var issues []report.Issue

	if root := dom.FirstByTag(t.Doc, "html"); root != nil && strings.TrimSpace(dom.Attr(root, "lang")) == "" {
		locator := "a11y:lang"
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityMedium,
			Title:       "Document language not declared",
			Description: "The <html> element has no lang attribute; screen readers cannot pick the right pronunciation (WCAG 3.1.1).",
			LegalBasis:  legalBasis + " 3.1.1",
			RiskEuro:    500,
			Locator:     locator,
			Remediation: `Add lang="de" (or the page's language) to the <html> element.`,
			FixAvailable: true,
			Confidence:  1.0,
		})
	}

	if len(dom.ByTag(t.Doc, "h1")) == 0 {
		locator := "a11y:h1"
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityMedium,
			Title:       "Page has no top-level heading",
			Description: "A single <h1> anchors the document outline assistive technology navigates by (WCAG 1.3.1).",
			LegalBasis:  legalBasis + " 1.3.1",
			RiskEuro:    500,
			Locator:     locator,
			Remediation: "Add an <h1> naming the page's main content.",
			Confidence:  0.9,
		})
	} else if skip := headingSkip(t.Doc); skip != "" {
		locator := "a11y:heading-order"
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityInfo,
			Title:       "Heading levels skip (" + skip + ")",
			Description: "Jumping heading levels breaks the outline; keep levels sequential (WCAG 1.3.1).",
			LegalBasis:  legalBasis + " 1.3.1",
			RiskEuro:    0,
			Locator:     locator,
			Confidence:  0.8,
		})
	}

	for _, meta := range dom.ByTag(t.Doc, "meta") {
		if !strings.EqualFold(dom.Attr(meta, "name"), "viewport") {
			continue
		}
		content := strings.ToLower(dom.Attr(meta, "content"))
		if strings.Contains(content, "user-scalable=no") || maxScaleBlocked(content) {
			locator := "a11y:viewport"
			issues = append(issues, report.Issue{
				ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
				Pillar:      c.Pillar(),
				Severity:    report.SeverityMedium,
				Title:       "Pinch zoom is disabled",
				Description: "The viewport meta tag blocks zooming; users must be able to scale text to 200% (WCAG 1.4.4).",
				LegalBasis:  legalBasis + " 1.4.4",
				RiskEuro:    800,
				Locator:     locator,
				Evidence:    report.ClampEvidence(content),
				Remediation: "Remove user-scalable=no and any maximum-scale below 2.",
				FixAvailable: true,
				Confidence:  1.0,
			})
		}
		break
	}

	return issues
}

// maxScaleBlocked reports whether the viewport caps zoom below the 200%
// WCAG 1.4.4 requires.
func maxScaleBlocked(content string) bool {
	for _, part := range strings.Split(content, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) != "maximum-scale" {
			continue
		}
		scale, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			return false
		}
		return scale < 2
	}
	return false
}

func headingSkip(doc *html.Node) string {
	last := 0
	skip := ""
	dom.Walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || len(n.Data) != 2 || n.Data[0] != 'h' {
			return true
		}
		level := int(n.Data[1] - '0')
		if level < 1 || level > 6 {
			return true
		}
		if last != 0 && level > last+1 && skip == "" {
			skip = fmt.Sprintf("h%d to h%d", last, level)
		}
		last = level
		return true
	})
	return skip
}

// a11yWidgetSignatures: hosted accessibility widgets we recognize.
var a11yWidgetSignatures = []string{"userway.org", "accessibe.com", "acsbapp.com", "eye-able.com", "eyeable"}

// checkWidget reports when no accessibility widget (third party or our
// own) is embedded.
func (c *Checker) checkWidget(t *checks.Target) []report.Issue {
	for _, s := range dom.ByTag(t.Doc, "script") {
		src := strings.ToLower(dom.Attr(s, "src"))
		for _, sig := range a11yWidgetSignatures {
			if strings.Contains(src, sig) {
				return nil
			}
		}
		if c.WidgetMarker != "" && (strings.Contains(src, c.WidgetMarker) || dom.HasAttr(s, "data-"+c.WidgetMarker)) {
			return nil
		}
	}

	locator := "a11y:widget"
	return []report.Issue{{
		ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
		Pillar:      c.Pillar(),
		Severity:    report.SeverityCritical,
		Title:       "No accessibility aid present",
		Description: "No assistive overlay or widget was detected. Since June 2025 the BFSG requires consumer-facing sites to be operable for users with disabilities; a widget covers the quick wins while the underlying issues are fixed.",
		LegalBasis:  "BFSG §3",
		RiskEuro:    8000,
		Locator:     locator,
		Remediation: "Embed an accessibility widget and schedule the structural fixes this report lists.",
		FixAvailable: true,
		Confidence:  0.7,
	}}
}
