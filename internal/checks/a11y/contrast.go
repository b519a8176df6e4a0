package a11y

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"konform/internal/checks"
	"konform/internal/dom"
	"konform/internal/fetch"
	"konform/internal/report"
	"konform/internal/webcolor"
)

// WCAG 1.4.3 thresholds.
const (
	contrastNormal = 4.5
	contrastLarge  = 3.0
)

// A text/background pair under inspection.
type stylePair struct {
	path  string
	fg    webcolor.Color
	bg    webcolor.Color
	large bool
	text  string
}

// checkContrast evaluates text/background contrast. Rendered scans
// walk the sampled computed styles; static scans approximate from
// inline styles and same-origin stylesheets.
func (c *Checker) checkContrast(ctx context.Context, t *checks.Target) []report.Issue {
	var pairs []stylePair
	if t.Rendered() && len(t.Render.Styles) > 0 {
		pairs = pairsFromComputed(t.Render.Styles)
	} else {
		pairs = pairsFromStatic(ctx, t)
	}

	type failure struct {
		pair  stylePair
		ratio float64
		need  float64
	}
	var failures []failure
	seen := map[string]bool{}
	for _, p := range pairs {
		need := contrastNormal
		if p.large {
			need = contrastLarge
		}
		ratio := webcolor.ContrastRatio(p.fg, p.bg)
		if ratio >= need {
			continue
		}
		key := p.fg.Hex() + "/" + p.bg.Hex()
		if seen[key] {
			continue
		}
		seen[key] = true
		failures = append(failures, failure{pair: p, ratio: ratio, need: need})
	}
	if len(failures) == 0 {
		return nil
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].ratio < failures[j].ratio })

	var issues []report.Issue
	total := 0
	for i, f := range failures {
		if i >= maxExamples {
			break
		}
		risk := 1500
		if f.ratio < 3.0 {
			risk = 2000
		}
		if total+risk > 6000 {
			break
		}
		total += risk
		suggested, achieved := webcolor.SuggestForeground(f.pair.fg, f.pair.bg, f.need)
		locator := fmt.Sprintf("a11y:contrast:%s-on-%s", strings.TrimPrefix(f.pair.fg.Hex(), "#"), strings.TrimPrefix(f.pair.bg.Hex(), "#"))
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityHigh,
			Title:       fmt.Sprintf("Insufficient text contrast %.2f:1 (%s on %s)", f.ratio, f.pair.fg.Hex(), f.pair.bg.Hex()),
			Description: fmt.Sprintf("Text in %s on %s reaches %.2f:1 but WCAG 1.4.3 requires %.1f:1.", f.pair.fg.Hex(), f.pair.bg.Hex(), f.ratio, f.need),
			LegalBasis:  legalBasis + " 1.4.3",
			RiskEuro:    risk,
			Locator:     locator,
			Evidence:    report.ClampEvidence(f.pair.path + " " + f.pair.text),
			Remediation: fmt.Sprintf("Darken the text to %s (%.2f:1) or adjust the background.", suggested.Hex(), achieved),
			FixAvailable: true,
			Confidence:  confidenceFor(t),
		})
	}
	return issues
}

func confidenceFor(t *checks.Target) float64 {
	if t.Rendered() {
		return 0.95
	}
	return 0.7 // static approximation ignores cascade and images
}

func pairsFromComputed(styles []fetch.ComputedStyle) []stylePair {
	var out []stylePair
	for _, s := range styles {
		fg, ok1 := webcolor.Parse(s.Color)
		bg, ok2 := webcolor.Parse(s.Background)
		if !ok1 || !ok2 {
			continue
		}
		out = append(out, stylePair{
			path:  s.Path,
			fg:    fg,
			bg:    bg,
			large: isLargeText(s.FontSize, s.FontWeight),
			text:  snippet(s.Text),
		})
	}
	return out
}

var fontPxRe = regexp.MustCompile(`^([\d.]+)px$`)

// isLargeText: >= 24px, or >= 18.66px at weight 700+.
func isLargeText(size, weight string) bool {
	m := fontPxRe.FindStringSubmatch(strings.TrimSpace(size))
	if m == nil {
		return false
	}
	px, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return false
	}
	if px >= 24 {
		return true
	}
	w, _ := strconv.Atoi(strings.TrimSpace(weight))
	bold := w >= 700 || strings.EqualFold(weight, "bold")
	return bold && px >= 18.66
}

// pairsFromStatic derives color pairs without a browser: inline
// style attributes carrying both colors, plus simple two-property
// rules from same-origin stylesheets applied to matching elements.
func pairsFromStatic(ctx context.Context, t *checks.Target) []stylePair {
	var out []stylePair

	bodyBG := webcolor.Color{R: 255, G: 255, B: 255}
	if body := dom.FirstByTag(t.Doc, "body"); body != nil {
		if bg, ok := webcolor.Parse(styleProp(dom.Attr(body, "style"), "background-color")); ok {
			bodyBG = bg
		}
	}

	dom.Walk(t.Doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		style := dom.Attr(n, "style")
		if style == "" {
			return true
		}
		fg, okFG := webcolor.Parse(styleProp(style, "color"))
		if !okFG {
			return true
		}
		bg, okBG := webcolor.Parse(firstNonEmpty(styleProp(style, "background-color"), styleProp(style, "background")))
		if !okBG {
			bg = bodyBG
		}
		text := strings.TrimSpace(dom.OwnText(n))
		if text == "" {
			return true
		}
		out = append(out, stylePair{
			path:  dom.NodePath(n),
			fg:    fg,
			bg:    bg,
			large: isLargeText(styleProp(style, "font-size"), styleProp(style, "font-weight")),
			text:  snippet(text),
		})
		return true
	})

	out = append(out, pairsFromStylesheets(ctx, t, bodyBG)...)
	return out
}

// cssRuleRe captures "selector { body }" blocks; good enough for the
// flat rules the static path can reason about.
var cssRuleRe = regexp.MustCompile(`(?s)([^{}@]+)\{([^{}]*)\}`)

func pairsFromStylesheets(ctx context.Context, t *checks.Target, bodyBG webcolor.Color) []stylePair {
	var out []stylePair
	for _, css := range collectCSS(ctx, t) {
		for _, m := range cssRuleRe.FindAllStringSubmatch(css, -1) {
			selector := strings.TrimSpace(m[1])
			body := m[2]
			fg, okFG := webcolor.Parse(styleProp(body, "color"))
			if !okFG {
				continue
			}
			bg, okBG := webcolor.Parse(firstNonEmpty(styleProp(body, "background-color"), styleProp(body, "background")))
			if !okBG {
				bg = bodyBG
			}
			for _, n := range matchSimpleSelector(t.Doc, selector) {
				text := strings.TrimSpace(dom.OwnText(n))
				if text == "" {
					continue
				}
				out = append(out, stylePair{
					path:  dom.NodePath(n),
					fg:    fg,
					bg:    bg,
					large: isLargeText(styleProp(body, "font-size"), styleProp(body, "font-weight")),
					text:  snippet(text),
				})
			}
		}
	}
	return out
}

// collectCSS gathers <style> blocks and same-origin linked sheets.
func collectCSS(ctx context.Context, t *checks.Target) []string {
	var sheets []string
	for _, s := range dom.ByTag(t.Doc, "style") {
		sheets = append(sheets, dom.Text(s))
	}
	if t.Pages == nil {
		return sheets
	}
	for _, l := range dom.ByTag(t.Doc, "link") {
		if !strings.EqualFold(dom.Attr(l, "rel"), "stylesheet") {
			continue
		}
		css, err := t.Pages.Stylesheet(ctx, dom.Attr(l, "href"))
		if err != nil {
			continue
		}
		sheets = append(sheets, css)
	}
	return sheets
}

// matchSimpleSelector resolves element, .class and #id selectors
// (including comma lists); combinators and pseudo classes are skipped.
func matchSimpleSelector(doc *html.Node, selector string) []*html.Node {
	var out []*html.Node
	for _, sel := range strings.Split(selector, ",") {
		sel = strings.TrimSpace(sel)
		if sel == "" || strings.ContainsAny(sel, " >+~:[") {
			continue
		}
		switch {
		case strings.HasPrefix(sel, "."):
			class := sel[1:]
			dom.Walk(doc, func(n *html.Node) bool {
				if n.Type == html.ElementNode {
					for _, c := range dom.Classes(n) {
						if c == class {
							out = append(out, n)
							break
						}
					}
				}
				return true
			})
		case strings.HasPrefix(sel, "#"):
			id := sel[1:]
			dom.Walk(doc, func(n *html.Node) bool {
				if n.Type == html.ElementNode && dom.Attr(n, "id") == id {
					out = append(out, n)
				}
				return true
			})
		default:
			out = append(out, dom.ByTag(doc, strings.ToLower(sel))...)
		}
	}
	return out
}

// styleProp extracts one declaration value from a CSS declaration list.
func styleProp(style, prop string) string {
	for _, decl := range strings.Split(style, ";") {
		kv := strings.SplitN(decl, ":", 2)
		if len(kv) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(kv[0]), prop) {
			v := strings.TrimSpace(kv[1])
			v = strings.TrimSuffix(v, "!important")
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:60] + "…"
	}
	return s
}
