package a11y

import (
	"context"
	"regexp"
	"strings"

	"konform/internal/checks"
	"konform/internal/report"
)

// focusRuleRe finds rules whose selector targets :focus (or
// :focus-visible) so the declarations can be inspected.
var focusRuleRe = regexp.MustCompile(`(?s)([^{}@]*:focus[^{}]*)\{([^{}]*)\}`)

var outlineKilledRe = regexp.MustCompile(`(?i)outline\s*:\s*(none|0)(\s|;|!|$)`)

// checkFocusStyles flags CSS that removes the focus indicator without
// providing a replacement (WCAG 2.4.7).
func (c *Checker) checkFocusStyles(ctx context.Context, t *checks.Target) []report.Issue {
	var offending []string
	for _, css := range collectCSS(ctx, t) {
		for _, m := range focusRuleRe.FindAllStringSubmatch(css, -1) {
			selector := strings.TrimSpace(m[1])
			body := m[2]
			if !outlineKilledRe.MatchString(body) {
				continue
			}
			if hasFocusReplacement(body) {
				continue
			}
			if len(offending) < maxExamples {
				offending = append(offending, selector)
			}
		}
	}
	// Global outline suppression outside :focus rules (the classic
	// "* { outline: none }" reset) counts too.
	for _, css := range collectCSS(ctx, t) {
		for _, m := range cssRuleRe.FindAllStringSubmatch(css, -1) {
			selector := strings.TrimSpace(m[1])
			if strings.Contains(selector, ":focus") {
				continue
			}
			if (selector == "*" || selector == "a" || selector == "button") && outlineKilledRe.MatchString(m[2]) {
				if len(offending) < maxExamples {
					offending = append(offending, selector)
				}
			}
		}
	}
	if len(offending) == 0 {
		return nil
	}

	locator := "a11y:focus-visible"
	return []report.Issue{{
		ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
		Pillar:      c.Pillar(),
		Severity:    report.SeverityCritical,
		Title:       "Focus indicator removed",
		Description: "Stylesheets suppress the focus outline without a visible replacement; keyboard users cannot see where they are (WCAG 2.4.7).",
		LegalBasis:  legalBasis + " 2.4.7",
		RiskEuro:    1500,
		Locator:     locator,
		Evidence:    report.ClampEvidence(strings.Join(offending, ", ")),
		Count:       len(offending),
		Remediation: "Restore the outline or style :focus-visible with a high-contrast ring.",
		FixAvailable: true,
		Confidence:  0.9,
	}}
}

// A rule that kills the outline is fine when it paints another
// indicator in the same block.
func hasFocusReplacement(body string) bool {
	lower := strings.ToLower(body)
	for _, prop := range []string{"box-shadow", "border", "background", "text-decoration"} {
		if i := strings.Index(lower, prop); i >= 0 {
			val := styleProp(body[i:], prop)
			if val != "" && val != "none" && val != "0" {
				return true
			}
		}
	}
	return false
}
