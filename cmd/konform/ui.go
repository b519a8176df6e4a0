package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"konform/internal/report"
)

// Severity and score colors for terminal output.
var (
	colorCritical = lipgloss.Color("#e53935") // red
	colorHigh     = lipgloss.Color("#fb8c00") // orange
	colorMedium   = lipgloss.Color("#fdd835") // yellow
	colorInfo     = lipgloss.Color("#2196F3") // blue
	colorGood     = lipgloss.Color("#8BC34A") // green
	colorMuted    = lipgloss.Color("#9e9e9e")

	titleStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)

	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 2).
			Border(lipgloss.RoundedBorder())

	pillarHeaderStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func severityStyle(s report.Severity) lipgloss.Style {
	switch s {
	case report.SeverityCritical:
		return lipgloss.NewStyle().Foreground(colorCritical).Bold(true)
	case report.SeverityHigh:
		return lipgloss.NewStyle().Foreground(colorHigh)
	case report.SeverityMedium:
		return lipgloss.NewStyle().Foreground(colorMedium)
	default:
		return lipgloss.NewStyle().Foreground(colorInfo)
	}
}

func scoreColor(score int) lipgloss.Color {
	switch {
	case score >= 90:
		return colorGood
	case score >= 70:
		return colorMedium
	case score >= 50:
		return colorHigh
	default:
		return colorCritical
	}
}

var pillarLabels = map[report.Pillar]string{
	report.PillarImprint:       "Impressum",
	report.PillarPrivacy:       "Datenschutz",
	report.PillarCookies:       "Cookies & Consent",
	report.PillarAccessibility: "Barrierefreiheit",
}

// renderReport produces the human-readable scan report.
func renderReport(scan *report.Scan) string {
	var b strings.Builder

	banner := fmt.Sprintf("%s\nCompliance-Score: %d/100", scan.URL, scan.Score)
	b.WriteString(bannerStyle.Foreground(scoreColor(scan.Score)).Render(banner))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("Scan %s · Modus %s · %d ms",
		scan.ID, scan.RenderMode, scan.Stats.TotalMillis)))
	b.WriteString("\n\n")

	if scan.Status == report.StatusFailed {
		b.WriteString(severityStyle(report.SeverityCritical).Render(
			"Scan fehlgeschlagen: " + scan.Error))
		b.WriteString("\n")
		return b.String()
	}

	for _, p := range report.Pillars {
		pr := scan.Pillar(p)
		if pr == nil {
			continue
		}
		b.WriteString(renderPillar(pr))
		b.WriteString("\n")
	}

	if risks := topRisks(scan, 5); len(risks) > 0 {
		b.WriteString(pillarHeaderStyle.Render("Größte Risiken"))
		b.WriteString("\n")
		for _, issue := range risks {
			b.WriteString(fmt.Sprintf("  %s  %s %s\n",
				severityStyle(issue.Severity).Render(fmt.Sprintf("%-8s", issue.Severity)),
				fmt.Sprintf("bis %6d €", issue.RiskEuro),
				issue.Title))
		}
		b.WriteString("\n")
	}

	if len(scan.Services) > 0 {
		b.WriteString(pillarHeaderStyle.Render("Erkannte Dienste"))
		b.WriteString("\n")
		for _, svc := range scan.Services {
			consent := mutedStyle.Render("keine Einwilligung nötig")
			if svc.RequiresConsent {
				if svc.ConsentSeen {
					consent = lipgloss.NewStyle().Foreground(colorGood).Render("Einwilligung erkannt")
				} else {
					consent = severityStyle(report.SeverityCritical).Render("Einwilligung fehlt")
				}
			}
			b.WriteString(fmt.Sprintf("  %-28s %-12s %s\n", svc.Name, svc.Category, consent))
		}
		b.WriteString("\n")
	}

	for _, notice := range scan.LegalNotices {
		b.WriteString(mutedStyle.Render(
			fmt.Sprintf("Hinweis: %s (%s, %s) berücksichtigt",
				notice.Title, notice.Court, notice.Date.Format("02.01.2006"))))
		b.WriteString("\n")
	}
	return b.String()
}

func renderPillar(pr *report.PillarResult) string {
	var b strings.Builder
	label := pillarLabels[pr.Pillar]
	header := fmt.Sprintf("%s — %d/100", label, pr.Score)
	if !pr.Checked {
		header = label + " — nicht geprüft"
	} else if pr.Partial {
		header += " (unvollständig)"
	}
	b.WriteString(pillarHeaderStyle.Foreground(scoreColor(pr.Score)).Render(header))
	b.WriteString("\n")

	if len(pr.Issues) == 0 {
		b.WriteString(mutedStyle.Render("  keine Beanstandungen"))
		b.WriteString("\n")
		return b.String()
	}
	for _, issue := range pr.Issues {
		fixMark := " "
		if issue.FixAvailable {
			fixMark = "⚒"
		}
		b.WriteString(fmt.Sprintf("  %s %s %s\n",
			severityStyle(issue.Severity).Render(fmt.Sprintf("%-8s", issue.Severity)),
			fixMark, issue.Title))
		if issue.LegalBasis != "" && issue.LegalBasis != "—" {
			b.WriteString(mutedStyle.Render("             " + issue.LegalBasis))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// topRisks returns the costliest findings across all pillars.
func topRisks(scan *report.Scan, n int) []report.Issue {
	issues := scan.AllIssues()
	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].RiskEuro > issues[j].RiskEuro
	})
	var out []report.Issue
	for _, issue := range issues {
		if issue.RiskEuro <= 0 {
			continue
		}
		out = append(out, issue)
		if len(out) == n {
			break
		}
	}
	return out
}
