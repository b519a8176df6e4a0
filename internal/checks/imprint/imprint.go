// Package imprint checks the Impressumspflicht (TMG §5): an imprint
// page must exist and carry the provider's identity, a summonable
// address, contact channels and, depending on legal form, register
// and VAT details.
package imprint

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

const legalBasis = "TMG §5 Abs. 1"

// Checker implements the imprint pillar.
type Checker struct{}

// New returns the imprint checker.
func New() *Checker { return &Checker{} }

// Pillar identifies the module.
func (c *Checker) Pillar() report.Pillar { return report.PillarImprint }

var linkPattern = regexp.MustCompile(`(?i)impressum|imprint|legal[\s-]*notice|anbieterkennzeichnung`)

// fallbackPaths are probed when no link announces the imprint.
var fallbackPaths = []string{"/impressum", "/imprint", "/legal", "/legal-notice"}

// Check locates the imprint page and grades its mandatory contents.
func (c *Checker) Check(ctx context.Context, t *checks.Target) ([]report.Issue, error) {
	doc, pageLoc := c.locate(ctx, t)
	if doc == nil {
		return []report.Issue{{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), "site:imprint"),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityCritical,
			Title:       "No imprint found",
			Description: "Neither a linked Impressum page nor one of the usual paths (/impressum, /imprint, /legal) exists. Commercial German websites must provide one (Impressumspflicht).",
			LegalBasis:  legalBasis,
			RiskEuro:    3000,
			Locator:     "site:imprint",
			Remediation: "Publish an Impressum page and link it from every page footer.",
			FixAvailable: true,
			Confidence:  0.95,
		}}, nil
	}

	text := dom.Text(doc)
	fields := extractFields(text, doc)
	logging.Debug(logging.CategoryChecks, "imprint found at %s: %+v", pageLoc, fields)

	var issues []report.Issue
	add := func(sev report.Severity, title, desc, field string, risk int, fixable bool) {
		locator := pageLoc + "#" + field
		issues = append(issues, report.Issue{
			ID:           report.NewIssueID(t.ScanID, c.Pillar(), locator),
			Pillar:       c.Pillar(),
			Severity:     sev,
			Title:        title,
			Description:  desc,
			LegalBasis:   legalBasis,
			RiskEuro:     risk,
			Locator:      locator,
			Remediation:  "Add the missing detail to the Impressum.",
			FixAvailable: fixable,
			Confidence:   0.9,
		})
	}

	if !fields.Name {
		add(report.SeverityHigh, "Imprint lacks provider name",
			"The imprint does not state the name of the site operator (person or company including legal form).",
			"name", 1500, true)
	}

	switch {
	case fields.POBox && !fields.Street:
		issues = append(issues, report.Issue{
			ID:          report.NewIssueID(t.ScanID, c.Pillar(), pageLoc+"#address"),
			Pillar:      c.Pillar(),
			Severity:    report.SeverityCritical,
			Title:       "Imprint address is a PO box only",
			Description: "A Postfach is not a ladungsfähige Anschrift. The imprint must state a street address where legal documents can be served.",
			LegalBasis:  legalBasis,
			RiskEuro:    2000,
			Locator:     pageLoc + "#address",
			Remediation: "Replace the PO box with street, house number, postal code and city.",
			FixAvailable: true,
			Confidence:  0.9,
		})
	case !fields.Street || !fields.ZipCity:
		add(report.SeverityHigh, "Imprint lacks a full postal address",
			"A complete ladungsfähige Anschrift (street with house number, postal code and city) is required.",
			"address", 1500, true)
	}

	if !fields.Email {
		add(report.SeverityHigh, "Imprint lacks an e-mail address",
			"TMG §5 requires an address for fast electronic contact; an e-mail address is the accepted minimum.",
			"email", 1000, true)
	}
	if !fields.Phone {
		add(report.SeverityHigh, "Imprint lacks a phone number",
			"A second direct contact channel besides e-mail is expected; courts read TMG §5 as requiring a phone number or an equally immediate channel.",
			"phone", 1500, true)
	}
	if !fields.Responsible {
		add(report.SeverityMedium, "No responsible person named",
			"Pages with journalistic or editorial content must name a content-responsible person (§18 Abs. 2 MStV).",
			"responsible", 500, true)
	}

	if fields.RegisteredForm {
		if !fields.Register {
			add(report.SeverityHigh, "Imprint lacks commercial register details",
				"The stated legal form implies a register entry; court and number (e.g. Amtsgericht München, HRB 12345) must be given.",
				"register", 1000, true)
		}
		if !fields.VATID {
			add(report.SeverityHigh, "Imprint lacks VAT identification number",
				"Registered companies must state their Umsatzsteuer-Identifikationsnummer (format DE followed by nine digits) when they have one.",
				"vatid", 800, true)
		} else if !fields.VATValid {
			add(report.SeverityMedium, "VAT identification number looks malformed",
				"A VAT ID is present but does not match the DE + nine digits format.",
				"vatid-format", 500, false)
		}
	}

	return issues, nil
}

// locate finds the imprint document: linked page first, inline content
// second, well-known paths last.
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

		// Single-page sites keep the imprint inline under a heading.
		for _, tag := range []string{"h1", "h2", "h3"} {
			for _, h := range dom.ByTag(t.Doc, tag) {
				if linkPattern.MatchString(dom.Text(h)) {
					return t.Doc, t.URL.String() + "#inline-imprint"
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

// fieldSet reports which mandatory imprint elements were recognized.
type fieldSet struct {
	Name           bool
	RegisteredForm bool // legal form that implies a register entry
	Street         bool
	ZipCity        bool
	POBox          bool
	Email          bool
	Phone          bool
	Register       bool
	VATID          bool
	VATValid       bool
	Responsible    bool
}

var (
	registeredFormRe = regexp.MustCompile(`(?i)\b(GmbH\s*&\s*Co\.?\s*KG|GmbH|UG\s*\(haftungsbeschränkt\)|\bUG\b|\bAG\b|\bKGaA\b|\bOHG\b|e\.\s*K\.)`)
	anyNameRe        = regexp.MustCompile(`\b\p{Lu}[\p{Ll}ßäöü]+\s+\p{Lu}[\p{Ll}ßäöü]+\b`)
	streetRe         = regexp.MustCompile(`(?i)\b[\p{L}ßäöü.\- ]+(straße|strasse|str\.|weg|platz|allee|gasse|ring|damm|ufer|chaussee)\s*\d+\s*[a-z]?\b`)
	zipCityRe        = regexp.MustCompile(`\b\d{5}\s+\p{Lu}[\p{L}ßäöü\-\. ]+`)
	poBoxRe          = regexp.MustCompile(`(?i)\bpostfach\b|\bp\.?\s*o\.?\s*box\b`)
	emailRe          = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.]+`)
	phoneRe          = regexp.MustCompile(`(?i)(tel\.?|telefon|phone|fon|ruf)\s*[.:]?\s*[+0-9][0-9 ()/\-–.]{5,}`)
	registerRe       = regexp.MustCompile(`(?i)\b(HRA|HRB|GnR|PR|VR)\s*\d{2,}\b`)
	vatRe            = regexp.MustCompile(`(?i)\bDE\s?\d{9}\b`)
	vatLooseRe       = regexp.MustCompile(`(?i)(ust\.?-?id|umsatzsteuer)`)
	responsibleRe    = regexp.MustCompile(`(?i)verantwortlich|§\s*18\s*(abs\.?\s*2\s*)?mstv|§\s*55\s*(abs\.?\s*2\s*)?rstv|geschäftsführ|vorstand|inhaber|vertretungsberechtigt`)
)

func extractFields(text string, doc *html.Node) fieldSet {
	f := fieldSet{
		RegisteredForm: registeredFormRe.MatchString(text),
		Street:         streetRe.MatchString(text),
		ZipCity:        zipCityRe.MatchString(text),
		POBox:          poBoxRe.MatchString(text),
		Email:          emailRe.MatchString(text),
		Phone:          phoneRe.MatchString(text),
		Register:       registerRe.MatchString(text),
		Responsible:    responsibleRe.MatchString(text),
	}

	f.Name = f.RegisteredForm || anyNameRe.MatchString(text)

	if vatRe.MatchString(text) {
		f.VATID, f.VATValid = true, true
	} else if vatLooseRe.MatchString(text) {
		f.VATID, f.VATValid = true, false
	}

	// mailto: and tel: links count even when obfuscated in the text.
	if doc != nil {
		for _, a := range dom.ByTag(doc, "a") {
			href := strings.ToLower(dom.Attr(a, "href"))
			if strings.HasPrefix(href, "mailto:") {
				f.Email = true
			}
			if strings.HasPrefix(href, "tel:") {
				f.Phone = true
			}
		}
	}
	return f
}
