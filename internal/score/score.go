// Package score turns findings into the 0-100 compliance scores shown
// to users. Scoring is pure arithmetic so identical findings always
// grade identically.
package score

import (
	"math"

	"konform/internal/report"
)

// Severity deductions per finding.
const (
	deductCritical = 20
	deductHigh     = 8
	deductMedium   = 2
)

// Weights of the pillars in the overall score. They sum to 1; pillars
// that could not be checked are renormalized out.
var weights = map[report.Pillar]float64{
	report.PillarImprint:       0.15,
	report.PillarPrivacy:       0.35,
	report.PillarCookies:       0.20,
	report.PillarAccessibility: 0.30,
}

// Weight exposes a pillar's share of the overall score.
func Weight(p report.Pillar) float64 { return weights[p] }

// Pillar grades one pillar: 100 minus the severity deductions,
// clamped to 0. Info findings are free.
func Pillar(issues []report.Issue) int {
	s := 100
	for _, is := range issues {
		switch is.Severity {
		case report.SeverityCritical:
			s -= deductCritical
		case report.SeverityHigh:
			s -= deductHigh
		case report.SeverityMedium:
			s -= deductMedium
		}
	}
	if s < 0 {
		return 0
	}
	return s
}

// Overall combines the checked pillars into the weighted site score.
// Unchecked pillars drop out and the remaining weights are scaled back
// up to a full share; when nothing could be checked the score is 0.
func Overall(pillars []report.PillarResult) int {
	var weighted, total float64
	for _, pr := range pillars {
		if !pr.Checked {
			continue
		}
		w := weights[pr.Pillar]
		weighted += w * float64(pr.Score)
		total += w
	}
	if total == 0 {
		return 0
	}
	v := int(math.Round(weighted / total))
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Apply fills the Score and total-risk fields of a scan in place and
// returns the overall score for convenience.
func Apply(s *report.Scan) int {
	for i := range s.Pillars {
		if s.Pillars[i].Checked {
			s.Pillars[i].Score = Pillar(s.Pillars[i].Issues)
		}
	}
	s.Score = Overall(s.Pillars)
	s.TotalRiskEuro = s.TotalRisk()
	return s.Score
}
