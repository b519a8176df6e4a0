// Package fix turns findings into remediation artifacts: templated
// documents (Impressum, Datenschutz sections), drop-in CSS/JS bundles,
// model-written alt texts, and markdown guides for everything that
// cannot be generated safely. Generated code is validated before it
// leaves the package; anything that fails validation is downgraded to
// a guide rather than shipped broken.
package fix

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"konform/internal/llm"
	"konform/internal/logging"
	"konform/internal/report"
	"konform/internal/webcolor"
)

// altTextConfidence is the floor under which model answers are not
// trusted as ready-to-paste alt attributes.
const altTextConfidence = 0.7

// Generator produces fixes for issues.
type Generator struct {
	model llm.Client
	now   func() time.Time
	newID func() string
}

// New builds a generator on the given model client.
func New(model llm.Client) *Generator {
	return &Generator{
		model: model,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// ForIssue generates the remediation artifact for one issue. Issues
// without a generatable artifact get a guide; a nil return means the
// issue carries everything the report already says and no fix entry is
// warranted.
func (g *Generator) ForIssue(ctx context.Context, scan *report.Scan, issue report.Issue, info report.CompanyInfo) (*report.Fix, error) {
	fix := &report.Fix{
		ID:        g.newID(),
		ScanID:    scan.ID,
		IssueID:   issue.ID,
		CreatedAt: g.now().UTC(),
	}

	switch {
	case issue.Pillar == report.PillarImprint:
		g.imprintFix(fix, issue, info)
	case issue.Pillar == report.PillarPrivacy:
		g.privacyFix(fix, scan, issue, info)
	case strings.HasPrefix(issue.Locator, "cookie:tracking:"):
		g.consentGateFix(fix, scan, issue)
	case issue.Pillar == report.PillarCookies:
		g.bannerFix(fix, scan, issue)
	case strings.HasPrefix(issue.Locator, "a11y:contrast:"):
		g.contrastFix(fix, issue)
	case issue.Locator == "a11y:focus-visible":
		g.focusFix(fix, issue)
	case issue.Locator == "a11y:img-alt":
		g.altTextFix(ctx, fix, issue)
	case issue.Locator == "a11y:lang":
		g.langFix(fix)
	case issue.Locator == "a11y:viewport":
		g.viewportFix(fix)
	default:
		g.guideFix(fix, issue)
	}

	g.validate(fix)
	logging.Debug(logging.CategoryFix, "issue %s -> %s fix (%s, validated=%v)",
		issue.ID, fix.Kind, fix.Source, fix.Validated)
	return fix, nil
}

// validate runs the artifact validators and downgrades the fix to a
// guide when any generated file fails.
func (g *Generator) validate(fix *report.Fix) {
	for _, f := range fix.Files {
		var err error
		switch f.Mime {
		case "text/html":
			err = ValidateHTML(f.Content)
		case "text/css":
			err = ValidateCSS(f.Content)
		case "text/javascript":
			err = ValidateJS(f.Content)
		}
		if err != nil {
			logging.Warn(logging.CategoryFix, "fix %s: %s failed validation: %v; downgrading to guide",
				fix.ID, f.Path, err)
			fix.Guide = downgradeGuide(fix, f.Path, err)
			fix.Files = nil
			fix.Kind = report.FixGuide
			fix.Validated = false
			fix.Confidence = 0.5
			return
		}
	}
	fix.Validated = true
}

func downgradeGuide(fix *report.Fix, path string, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", fix.Title)
	b.WriteString("The generated file could not be validated automatically")
	fmt.Fprintf(&b, " (%s: %v).\n\n", path, err)
	b.WriteString("Apply the change manually:\n\n")
	if fix.Guide != "" {
		b.WriteString(fix.Guide)
	} else {
		b.WriteString("1. Review the finding in the scan report.\n")
		b.WriteString("2. Make the described change in your site's source.\n")
		b.WriteString("3. Re-run the scan to confirm the finding is gone.\n")
	}
	return b.String()
}

// guideFix is the fallback for findings that only a human can resolve.
func (g *Generator) guideFix(fix *report.Fix, issue report.Issue) {
	fix.Kind = report.FixGuide
	fix.Title = "How to resolve: " + issue.Title
	fix.Source = report.SourceTemplate
	fix.Confidence = 0.6

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", issue.Title)
	if issue.Description != "" {
		b.WriteString(issue.Description + "\n\n")
	}
	fmt.Fprintf(&b, "**Legal basis:** %s\n\n", issue.LegalBasis)
	if issue.Remediation != "" {
		fmt.Fprintf(&b, "**Recommended change:** %s\n", issue.Remediation)
	}
	fix.Guide = b.String()
}

// langFix is a one-line patch, shipped as a guide with the exact diff.
func (g *Generator) langFix(fix *report.Fix) {
	fix.Kind = report.FixGuide
	fix.Title = "Declare the document language"
	fix.Source = report.SourceTemplate
	fix.Confidence = 1.0
	fix.Guide = "# Declare the document language\n\n" +
		"Change the opening tag of every page:\n\n" +
		"```html\n<html lang=\"de\">\n```\n\n" +
		"Use the language your content is actually written in.\n"
}

func (g *Generator) viewportFix(fix *report.Fix) {
	fix.Kind = report.FixGuide
	fix.Title = "Re-enable pinch zoom"
	fix.Source = report.SourceTemplate
	fix.Confidence = 1.0
	fix.Guide = "# Re-enable pinch zoom\n\n" +
		"Replace the viewport meta tag with:\n\n" +
		"```html\n<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n```\n\n" +
		"Remove `user-scalable=no` and any `maximum-scale` below 2.\n"
}

// contrastFix parses the failing color pair out of the locator
// (a11y:contrast:<fg>-on-<bg>) and emits replacement CSS.
func (g *Generator) contrastFix(fix *report.Fix, issue report.Issue) {
	parts := strings.Split(strings.TrimPrefix(issue.Locator, "a11y:contrast:"), "-on-")
	if len(parts) != 2 {
		g.guideFix(fix, issue)
		return
	}
	fg, okFG := webcolor.Parse("#" + parts[0])
	bg, okBG := webcolor.Parse("#" + parts[1])
	if !okFG || !okBG {
		g.guideFix(fix, issue)
		return
	}

	suggested, achieved := webcolor.SuggestForeground(fg, bg, 4.5)
	fix.Kind = report.FixContrastCSS
	fix.Title = fmt.Sprintf("Contrast fix: %s on %s", fg.Hex(), bg.Hex())
	fix.Source = report.SourceTemplate
	fix.Confidence = 0.9
	fix.Files = []report.FixFile{{
		Path: "contrast-fix.css",
		Mime: "text/css",
		Content: fmt.Sprintf(
			"/* Replaces %s on %s (insufficient contrast) with %s (%.2f:1). */\n"+
				"/* Scope the selector to the affected elements before deploying. */\n"+
				".low-contrast-text {\n    color: %s;\n}\n",
			fg.Hex(), bg.Hex(), suggested.Hex(), achieved, suggested.Hex()),
	}}
	fix.Guide = fmt.Sprintf(
		"Apply `color: %s` to the elements currently using `%s` on the `%s` background; that reaches %.2f:1.",
		suggested.Hex(), fg.Hex(), bg.Hex(), achieved)
}

func (g *Generator) focusFix(fix *report.Fix, issue report.Issue) {
	fix.Kind = report.FixFocusCSS
	fix.Title = "Restore the keyboard focus indicator"
	fix.Source = report.SourceTemplate
	fix.Confidence = 0.95
	fix.Files = []report.FixFile{{
		Path: "focus-visible.css",
		Mime: "text/css",
		Content: `/* Load after all other stylesheets so it wins the cascade. */
:focus-visible {
    outline: 3px solid #005fcc;
    outline-offset: 2px;
}

:focus:not(:focus-visible) {
    outline: none;
}
`,
	}}
	fix.Guide = "Include `focus-visible.css` after your existing stylesheets and remove any `outline: none` rules that lack a replacement indicator."
}

// altTextFix asks the model for alt texts for the listed images. The
// answer ships only above the confidence floor; otherwise the fix
// degrades to a guide.
func (g *Generator) altTextFix(ctx context.Context, fix *report.Fix, issue report.Issue) {
	fix.Kind = report.FixAltText
	fix.Title = "Alternative texts for images"

	prompt := fmt.Sprintf(
		"These image paths on a German business website lack alt attributes: %s. "+
			"For each path, suggest a concise German alt text (max 12 words) inferred from the file name. "+
			"Answer one per line as: path | alt text | confidence 0.0-1.0. "+
			"Use confidence below %.1f when the file name carries no meaning.",
		issue.Evidence, altTextConfidence)

	answer, err := g.model.Complete(ctx, "You write precise, factual alt texts for screen-reader users.", prompt)
	if err != nil {
		g.guideFix(fix, issue)
		fix.Title = "Write alternative texts for images"
		return
	}

	suggestions, confident := parseAltTextAnswer(answer)
	if !confident {
		g.guideFix(fix, issue)
		fix.Title = "Write alternative texts for images"
		fix.Guide += "\n\nModel suggestions (review before use):\n\n" + answer + "\n"
		return
	}

	var b strings.Builder
	b.WriteString("# Suggested alt texts\n\n")
	b.WriteString("Review each suggestion; a wrong alt text is worse than none.\n\n")
	for _, s := range suggestions {
		fmt.Fprintf(&b, "- `%s`: alt=\"%s\"\n", s.path, s.text)
	}
	fix.Guide = b.String()
	fix.Source = report.SourceLLM
	fix.Confidence = minConfidence(suggestions)
}

type altSuggestion struct {
	path       string
	text       string
	confidence float64
}

// parseAltTextAnswer reads "path | text | confidence" lines. The batch
// is confident only when every line clears the floor.
func parseAltTextAnswer(answer string) ([]altSuggestion, bool) {
	var out []altSuggestion
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			continue
		}
		var conf float64
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[2]), "%f", &conf); err != nil {
			continue
		}
		out = append(out, altSuggestion{
			path:       strings.TrimSpace(parts[0]),
			text:       strings.Trim(strings.TrimSpace(parts[1]), `"`),
			confidence: conf,
		})
	}
	if len(out) == 0 {
		return nil, false
	}
	for _, s := range out {
		if s.confidence < altTextConfidence {
			return out, false
		}
	}
	return out, true
}

func minConfidence(suggestions []altSuggestion) float64 {
	min := 1.0
	for _, s := range suggestions {
		if s.confidence < min {
			min = s.confidence
		}
	}
	return min
}
