package fix

import (
	"fmt"
	"strings"
	"text/template"

	"konform/internal/report"
)

// or returns the value or a bracketed placeholder the user must fill
// in before publishing.
func or(value, field string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return "[" + strings.ToUpper(field) + " EINTRAGEN]"
}

var imprintTmpl = template.Must(template.New("imprint").Parse(`<section id="impressum">
  <h1>Impressum</h1>

  <h2>Angaben gemäß § 5 TMG</h2>
  <p>
    {{.Name}}{{if .LegalForm}} {{.LegalForm}}{{end}}<br>
    {{.Street}}<br>
    {{.Zip}} {{.City}}{{if .Country}}<br>{{.Country}}{{end}}
  </p>
{{if .Representatives}}
  <h2>Vertreten durch</h2>
  <p>{{range .Representatives}}{{.}}<br>{{end}}</p>
{{end}}
  <h2>Kontakt</h2>
  <p>
    Telefon: {{.Phone}}<br>
    E-Mail: {{.Email}}
  </p>
{{if .RegisterNumber}}
  <h2>Registereintrag</h2>
  <p>
    Eintragung im Handelsregister.<br>
    Registergericht: {{.RegisterCourt}}<br>
    Registernummer: {{.RegisterNumber}}
  </p>
{{end}}{{if .VATID}}
  <h2>Umsatzsteuer-ID</h2>
  <p>Umsatzsteuer-Identifikationsnummer gemäß § 27a UStG: {{.VATID}}</p>
{{end}}
  <h2>Verantwortlich für den Inhalt nach § 18 Abs. 2 MStV</h2>
  <p>{{.Responsible}}</p>
</section>
`))

type imprintData struct {
	Name, LegalForm, Street, Zip, City, Country string
	Phone, Email                                string
	RegisterCourt, RegisterNumber, VATID        string
	Representatives                             []string
	Responsible                                 string
}

// imprintFix renders a complete Impressum from the company info; every
// imprint finding gets the same document since partial patches to a
// legal text help nobody.
func (g *Generator) imprintFix(fix *report.Fix, issue report.Issue, info report.CompanyInfo) {
	responsible := or("", "verantwortliche person")
	if len(info.Representatives) > 0 {
		responsible = info.Representatives[0]
	}

	data := imprintData{
		Name:            or(info.Name, "firmenname"),
		LegalForm:       info.LegalForm,
		Street:          or(info.Street, "straße und hausnummer"),
		Zip:             or(info.Zip, "plz"),
		City:            or(info.City, "ort"),
		Country:         info.Country,
		Phone:           or(info.Phone, "telefonnummer"),
		Email:           or(info.Email, "e-mail"),
		RegisterCourt:   info.RegisterCourt,
		RegisterNumber:  info.RegisterNumber,
		VATID:           info.VATID,
		Representatives: info.Representatives,
		Responsible:     responsible,
	}

	var b strings.Builder
	if err := imprintTmpl.Execute(&b, data); err != nil {
		g.guideFix(fix, issue)
		return
	}

	fix.Kind = report.FixImprintTemplate
	fix.Title = "Complete Impressum page"
	fix.Source = report.SourceTemplate
	fix.Confidence = confidenceFromPlaceholders(b.String())
	fix.Files = []report.FixFile{{Path: "impressum.html", Mime: "text/html", Content: b.String()}}
	fix.Guide = imprintGuide(info)
}

func imprintGuide(info report.CompanyInfo) string {
	var b strings.Builder
	b.WriteString("Publish `impressum.html` under /impressum and link it from every page footer.\n")
	if missing := info.MissingRequired(); len(missing) > 0 {
		fmt.Fprintf(&b, "\nFill in before publishing: %s.\n", strings.Join(missing, ", "))
	}
	return b.String()
}

// confidenceFromPlaceholders lowers confidence for every unfilled
// bracket the user still has to edit.
func confidenceFromPlaceholders(doc string) float64 {
	n := strings.Count(doc, " EINTRAGEN]")
	conf := 0.95 - 0.1*float64(n)
	if conf < 0.4 {
		return 0.4
	}
	return conf
}

// privacySectionTexts maps a privacy finding's field to the template
// paragraph that resolves it.
var privacySectionTexts = map[string]string{
	"controller": `## Verantwortlicher

Verantwortlich für die Datenverarbeitung auf dieser Website ist:

%s

Bei Fragen zum Datenschutz erreichen Sie uns unter der oben genannten Adresse.`,
	"purposes": `## Zwecke der Verarbeitung

Wir verarbeiten personenbezogene Daten zum Betrieb und zur Absicherung dieser
Website (Server-Logfiles), zur Beantwortung von Anfragen sowie, soweit unten
gesondert beschrieben, zur Reichweitenmessung.`,
	"legal-bases": `## Rechtsgrundlagen

Die Verarbeitung erfolgt auf Grundlage von Art. 6 Abs. 1 DSGVO: lit. b für die
Vertragsanbahnung, lit. f für den technischen Betrieb (berechtigtes Interesse)
und lit. a, soweit Sie eingewilligt haben. Eine Einwilligung können Sie
jederzeit mit Wirkung für die Zukunft widerrufen.`,
	"retention": `## Speicherdauer

Wir speichern personenbezogene Daten nur so lange, wie es für die genannten
Zwecke erforderlich ist oder gesetzliche Aufbewahrungsfristen bestehen.
Server-Logfiles werden nach 14 Tagen gelöscht.`,
	"rights": `## Ihre Rechte

Sie haben das Recht auf Auskunft (Art. 15 DSGVO), Berichtigung (Art. 16),
Löschung (Art. 17), Einschränkung der Verarbeitung (Art. 18),
Datenübertragbarkeit (Art. 20) und Widerspruch (Art. 21). Eine erteilte
Einwilligung können Sie jederzeit widerrufen.`,
	"complaint": `## Beschwerderecht

Sie haben das Recht, sich bei einer Datenschutz-Aufsichtsbehörde über die
Verarbeitung Ihrer personenbezogenen Daten zu beschweren (Art. 77 DSGVO).`,
}

// serviceSectionTmpl covers a tracker the policy does not mention.
const serviceSectionTmpl = `## %s

Diese Website bindet %s ein. Dabei werden personenbezogene Daten (u.a.
IP-Adresse, Gerätekennungen) verarbeitet und Cookies oder vergleichbare
Technologien eingesetzt. Die Verarbeitung erfolgt nur mit Ihrer Einwilligung
(Art. 6 Abs. 1 lit. a DSGVO, § 25 Abs. 1 TTDSG); Sie können sie jederzeit
über die Cookie-Einstellungen widerrufen.

[SPEICHERDAUER UND ANBIETER-DETAILS EINTRAGEN]`

// privacyFix renders the missing policy section. For a missing page it
// assembles all sections plus one per undisclosed service.
func (g *Generator) privacyFix(fix *report.Fix, scan *report.Scan, issue report.Issue, info report.CompanyInfo) {
	name := or(info.Name, "firmenname")
	if info.LegalForm != "" {
		name += " " + info.LegalForm
	}
	controller := fmt.Sprintf("%s\n%s\n%s %s\nE-Mail: %s",
		name,
		or(info.Street, "straße und hausnummer"),
		or(info.Zip, "plz"), or(info.City, "ort"),
		or(info.Email, "e-mail"))

	var sections []string
	switch {
	case issue.Locator == "site:privacy":
		sections = append(sections, "# Datenschutzerklärung")
		for _, field := range []string{"controller", "purposes", "legal-bases", "retention", "rights", "complaint"} {
			sections = append(sections, renderPrivacySection(field, controller))
		}
		for _, svc := range scan.Services {
			if svc.RequiresConsent {
				sections = append(sections, fmt.Sprintf(serviceSectionTmpl, svc.Name, svc.Name))
			}
		}
		fix.Title = "Complete privacy policy"
	case issue.ServiceID != "":
		name := issue.ServiceID
		for _, svc := range scan.Services {
			if svc.ServiceID == issue.ServiceID {
				name = svc.Name
			}
		}
		sections = append(sections, fmt.Sprintf(serviceSectionTmpl, name, name))
		fix.Title = "Privacy policy section: " + name
	default:
		field := issue.Locator[strings.LastIndex(issue.Locator, "#")+1:]
		text, ok := privacySectionTexts[field]
		if !ok {
			g.guideFix(fix, issue)
			return
		}
		sections = append(sections, renderPrivacySectionText(text, controller))
		fix.Title = "Privacy policy section: " + field
	}

	fix.Kind = report.FixPrivacySection
	fix.Source = report.SourceTemplate
	doc := strings.Join(sections, "\n\n") + "\n"
	fix.Confidence = confidenceFromPlaceholders(doc)
	fix.Files = []report.FixFile{{Path: "datenschutz-abschnitt.md", Mime: "text/markdown", Content: doc}}
	fix.Guide = "Merge the section into your Datenschutzerklärung and replace every bracketed placeholder."
}

func renderPrivacySection(field, controller string) string {
	return renderPrivacySectionText(privacySectionTexts[field], controller)
}

func renderPrivacySectionText(text, controller string) string {
	if strings.Contains(text, "%s") {
		return fmt.Sprintf(text, controller)
	}
	return text
}
