package legal

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"konform/internal/errs"
	"konform/internal/report"
)

// YAMLSource reads notices from a hand-maintained YAML file. It is the
// low-ops deployment option; the file is re-read on every refresh.
type YAMLSource struct {
	path string
}

// NewYAMLSource points at a notice file.
func NewYAMLSource(path string) *YAMLSource { return &YAMLSource{path: path} }

type yamlFile struct {
	Notices []yamlNotice `yaml:"notices"`
}

type yamlNotice struct {
	RulingID       string   `yaml:"ruling_id"`
	Title          string   `yaml:"title"`
	Court          string   `yaml:"court"`
	Date           string   `yaml:"date"` // YYYY-MM-DD
	URL            string   `yaml:"url"`
	Pillars        []string `yaml:"pillars"`
	SeverityBoost  int      `yaml:"severity_boost"`
	RiskMultiplier float64  `yaml:"risk_multiplier"`
	Keywords       []string `yaml:"keywords"`
}

// Notices loads and validates the file.
func (s *YAMLSource) Notices(ctx context.Context) ([]report.LegalNotice, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errs.E(errs.Dependency, "legal.YAMLSource", err)
	}
	var file yamlFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errs.Errorf(errs.InvalidInput, "legal.YAMLSource", "parsing %s: %v", s.path, err)
	}

	out := make([]report.LegalNotice, 0, len(file.Notices))
	for i, yn := range file.Notices {
		n, err := yn.convert()
		if err != nil {
			return nil, errs.Errorf(errs.InvalidInput, "legal.YAMLSource", "notice %d in %s: %v", i, s.path, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Close is a no-op for file sources.
func (s *YAMLSource) Close() error { return nil }

func (yn yamlNotice) convert() (report.LegalNotice, error) {
	var n report.LegalNotice
	if yn.RulingID == "" || yn.Title == "" {
		return n, fmt.Errorf("ruling_id and title are required")
	}
	date, err := time.Parse("2006-01-02", yn.Date)
	if err != nil {
		return n, fmt.Errorf("date %q: %w", yn.Date, err)
	}

	pillars := make([]report.Pillar, 0, len(yn.Pillars))
	for _, p := range yn.Pillars {
		pillar := report.Pillar(p)
		if !pillar.Valid() {
			return n, fmt.Errorf("unknown pillar %q", p)
		}
		pillars = append(pillars, pillar)
	}
	if len(pillars) == 0 {
		return n, fmt.Errorf("at least one pillar is required")
	}
	if yn.SeverityBoost < 0 || yn.SeverityBoost > 3 {
		return n, fmt.Errorf("severity_boost %d out of range 0..3", yn.SeverityBoost)
	}
	if yn.RiskMultiplier != 0 && yn.RiskMultiplier < 1 {
		return n, fmt.Errorf("risk_multiplier %v must be >= 1", yn.RiskMultiplier)
	}

	return report.LegalNotice{
		RulingID:       yn.RulingID,
		Title:          yn.Title,
		Court:          yn.Court,
		Date:           date,
		URL:            yn.URL,
		Pillars:        pillars,
		SeverityBoost:  yn.SeverityBoost,
		RiskMultiplier: yn.RiskMultiplier,
		Keywords:       yn.Keywords,
	}, nil
}
