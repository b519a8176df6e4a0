// Package report defines the shared data model for compliance scans:
// pillars, issues, classified services, fixes, and the scan envelope
// that every other layer produces or consumes.
package report

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// PILLARS
// =============================================================================

// Pillar identifies one of the four compliance areas a scan covers.
type Pillar string

const (
	PillarImprint       Pillar = "imprint"       // Impressumspflicht, TMG §5
	PillarPrivacy       Pillar = "privacy"       // Datenschutzerklärung, DSGVO Art. 13/14
	PillarCookies       Pillar = "cookies"       // Einwilligung, TTDSG §25
	PillarAccessibility Pillar = "accessibility" // Barrierefreiheit, BFSG / WCAG 2.1 AA
)

// Pillars lists all pillars in canonical report order.
var Pillars = []Pillar{PillarImprint, PillarPrivacy, PillarCookies, PillarAccessibility}

// Index returns the canonical position of the pillar, or len(Pillars) for
// unknown values so they sort last.
func (p Pillar) Index() int {
	for i, known := range Pillars {
		if p == known {
			return i
		}
	}
	return len(Pillars)
}

// Valid reports whether p is one of the four known pillars.
func (p Pillar) Valid() bool {
	return p.Index() < len(Pillars)
}

// =============================================================================
// SEVERITY
// =============================================================================

// Severity grades an issue. Ordering matters for scoring and for the
// legal overlay, so Rank exposes the numeric scale.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityInfo     Severity = "info"
)

// Rank maps severities onto 0..3 (info..critical).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// SeverityFromRank is the inverse of Rank, clamped to the valid range.
func SeverityFromRank(rank int) Severity {
	switch {
	case rank >= 3:
		return SeverityCritical
	case rank == 2:
		return SeverityHigh
	case rank == 1:
		return SeverityMedium
	default:
		return SeverityInfo
	}
}

// =============================================================================
// ISSUES
// =============================================================================

// LegalRef points at the ruling or guidance that motivated a severity or
// risk adjustment.
type LegalRef struct {
	RulingID string `json:"ruling_id"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
}

// Issue is a single compliance finding. IDs are stable for a given scan:
// scanID, pillar and locator fully determine them.
type Issue struct {
	ID           string     `json:"id"`
	Pillar       Pillar     `json:"pillar"`
	Severity     Severity   `json:"severity"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	LegalBasis   string     `json:"legal_basis"`
	RiskEuro     int        `json:"risk_euro"`
	Locator      string     `json:"locator"`
	Evidence     string     `json:"evidence,omitempty"`
	Remediation  string     `json:"remediation,omitempty"`
	FixAvailable bool       `json:"fix_available"`
	Confidence   float64    `json:"confidence"`
	LegalRefs    []LegalRef `json:"legal_refs,omitempty"`
	BoostReason  string     `json:"boost_reason,omitempty"`
	ServiceID    string     `json:"service_id,omitempty"`
	Count        int        `json:"count,omitempty"` // grouped findings (e.g. images without alt)
}

// maxEvidenceRunes caps evidence snippets so reports stay shippable.
const maxEvidenceRunes = 500

// NewIssueID derives the stable issue identifier from scan, pillar and
// locator: <scan_id>:<pillar>:<sha1(locator)[:12]>.
func NewIssueID(scanID string, pillar Pillar, locator string) string {
	sum := sha1.Sum([]byte(locator))
	return fmt.Sprintf("%s:%s:%s", scanID, pillar, hex.EncodeToString(sum[:])[:12])
}

// ClampEvidence trims an evidence snippet to the rune budget.
func ClampEvidence(s string) string {
	runes := []rune(s)
	if len(runes) <= maxEvidenceRunes {
		return s
	}
	return string(runes[:maxEvidenceRunes])
}

// SortIssues orders issues deterministically: canonical pillar order,
// then severity descending, then title, then locator.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Pillar != b.Pillar {
			return a.Pillar.Index() < b.Pillar.Index()
		}
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.Locator < b.Locator
	})
}

// =============================================================================
// SERVICES
// =============================================================================

// ServiceCategory buckets third-party services by consent requirements.
type ServiceCategory string

const (
	CategoryNecessary  ServiceCategory = "necessary"
	CategoryFunctional ServiceCategory = "functional"
	CategoryAnalytics  ServiceCategory = "analytics"
	CategoryMarketing  ServiceCategory = "marketing"
)

// Valid reports whether c is a known category.
func (c ServiceCategory) Valid() bool {
	switch c {
	case CategoryNecessary, CategoryFunctional, CategoryAnalytics, CategoryMarketing:
		return true
	}
	return false
}

// EvidenceKind names the observation channel a service was detected on.
type EvidenceKind string

const (
	EvidenceCookie       EvidenceKind = "cookie"
	EvidenceRequest      EvidenceKind = "request"
	EvidenceScript       EvidenceKind = "script"
	EvidenceLocalStorage EvidenceKind = "localstorage"
)

// ServiceEvidence records one concrete observation that matched a service.
type ServiceEvidence struct {
	Kind   EvidenceKind `json:"kind"`
	Value  string       `json:"value"`
	Source string       `json:"source,omitempty"` // URL the observation came from
}

// BlockingRecipe tells the fix generator how a service can be gated
// behind consent.
type BlockingRecipe struct {
	Kind       string            `json:"kind"` // script_rewrite | cookie_gate | iframe_facade | none
	Notes      string            `json:"notes,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ClassifiedService is the classifier's verdict on one detected service.
type ClassifiedService struct {
	ServiceID       string            `json:"service_id"`
	Name            string            `json:"name"`
	Category        ServiceCategory   `json:"category"`
	Matched         []ServiceEvidence `json:"matched"`
	RequiresConsent bool              `json:"requires_consent"`
	ConsentSeen     bool              `json:"consent_seen"` // activity observed before any consent
	TransferNonEU   bool              `json:"transfer_non_eu"`
	Confidence      float64           `json:"confidence"`
	Recipe          *BlockingRecipe   `json:"recipe,omitempty"`
}

// SortServices orders classified services deterministically by ID.
func SortServices(services []ClassifiedService) {
	sort.SliceStable(services, func(i, j int) bool {
		return services[i].ServiceID < services[j].ServiceID
	})
}

// =============================================================================
// SCAN ENVELOPE
// =============================================================================

// ScanStatus is the lifecycle state of a scan.
type ScanStatus string

const (
	StatusQueued  ScanStatus = "queued"
	StatusRunning ScanStatus = "running"
	StatusDone    ScanStatus = "done"
	StatusFailed  ScanStatus = "failed"
)

// RenderMode says how the page content was obtained.
type RenderMode string

const (
	RenderStatic   RenderMode = "static"
	RenderHeadless RenderMode = "rendered"
)

// PillarResult holds one pillar's findings and score.
type PillarResult struct {
	Pillar  Pillar  `json:"pillar"`
	Score   int     `json:"score"`
	Issues  []Issue `json:"issues"`
	Checked bool    `json:"checked"` // false: pillar could not run (e.g. render required but unavailable)
	Partial bool    `json:"partial"` // check aborted mid-way; findings incomplete
}

// ScanStats carries operational timings for debugging slow scans.
type ScanStats struct {
	FetchMillis    int64 `json:"fetch_ms"`
	RenderMillis   int64 `json:"render_ms,omitempty"`
	ChecksMillis   int64 `json:"checks_ms"`
	TotalMillis    int64 `json:"total_ms"`
	RequestsSeen   int   `json:"requests_seen"`
	SubpagesLoaded int   `json:"subpages_loaded"`
	BytesFetched   int64 `json:"bytes_fetched"`
}

// LegalNotice is a court ruling or regulator guidance that adjusts how
// findings are graded while it is recent.
type LegalNotice struct {
	RulingID       string    `json:"ruling_id"`
	Title          string    `json:"title"`
	Court          string    `json:"court,omitempty"`
	Date           time.Time `json:"date"`
	URL            string    `json:"url,omitempty"`
	Pillars        []Pillar  `json:"pillars"`
	SeverityBoost  int       `json:"severity_boost"`  // steps added to matching issues
	RiskMultiplier float64   `json:"risk_multiplier"` // applied to RiskEuro
	Keywords       []string  `json:"keywords"`
}

// AppliesTo reports whether the notice covers the given pillar.
func (n LegalNotice) AppliesTo(p Pillar) bool {
	for _, np := range n.Pillars {
		if np == p {
			return true
		}
	}
	return false
}

// Scan is the complete result envelope for one scanned URL.
type Scan struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id"`
	URL          string              `json:"url"`
	RequestedURL string              `json:"requested_url"`
	Status       ScanStatus          `json:"status"`
	Error        string              `json:"error,omitempty"` // stable error code when Status == failed
	StartedAt     time.Time           `json:"started_at"`
	FinishedAt    time.Time           `json:"finished_at,omitempty"`
	Score         int                 `json:"score"`
	TotalRiskEuro int                 `json:"total_risk_euro"`
	Pillars       []PillarResult      `json:"pillars"`
	Services      []ClassifiedService `json:"services,omitempty"`
	LegalNotices  []LegalNotice       `json:"legal_notices,omitempty"`
	// Legal overlay record: whether recent rulings adjusted findings,
	// how many distinct notices hit, and the euro exposure they added.
	LegalOverlayApplied bool       `json:"legal_overlay_applied"`
	LegalOverlayCount   int        `json:"legal_overlay_count"`
	LegalRiskDelta      int        `json:"legal_risk_delta"`
	RenderMode          RenderMode `json:"render_mode"`
	Stats               ScanStats  `json:"stats"`
}

// Pillar returns the result block for the given pillar, or nil.
func (s *Scan) Pillar(p Pillar) *PillarResult {
	for i := range s.Pillars {
		if s.Pillars[i].Pillar == p {
			return &s.Pillars[i]
		}
	}
	return nil
}

// AllIssues flattens the pillar results in canonical order.
func (s *Scan) AllIssues() []Issue {
	var out []Issue
	for _, pr := range s.Pillars {
		out = append(out, pr.Issues...)
	}
	return out
}

// TotalRisk sums the worst-case euro exposure across all issues.
func (s *Scan) TotalRisk() int {
	total := 0
	for _, is := range s.AllIssues() {
		total += is.RiskEuro
	}
	return total
}

// CountBySeverity tallies issues per severity across all pillars.
func (s *Scan) CountBySeverity() map[Severity]int {
	counts := make(map[Severity]int, 4)
	for _, is := range s.AllIssues() {
		counts[is.Severity]++
	}
	return counts
}

// =============================================================================
// FIXES
// =============================================================================

// FixKind names the remediation artifact families the generator produces.
type FixKind string

const (
	FixImprintTemplate FixKind = "imprint_template"
	FixPrivacySection  FixKind = "privacy_section"
	FixCookieBanner    FixKind = "cookie_banner"
	FixContrastCSS     FixKind = "contrast_css"
	FixFocusCSS        FixKind = "focus_css"
	FixAltText         FixKind = "alt_text"
	FixConsentWidget   FixKind = "consent_widget"
	FixGuide           FixKind = "guide"
)

// FixSource says whether a fix came from a vetted template or a model.
type FixSource string

const (
	SourceTemplate FixSource = "template"
	SourceLLM      FixSource = "llm"
)

// FixFile is one generated artifact.
type FixFile struct {
	Path    string `json:"path"`
	Mime    string `json:"mime"`
	Content string `json:"content"`
}

// Fix is a generated remediation bundle entry for a single issue.
type Fix struct {
	ID         string    `json:"id"`
	ScanID     string    `json:"scan_id"`
	IssueID    string    `json:"issue_id"`
	Kind       FixKind   `json:"kind"`
	Title      string    `json:"title"`
	Files      []FixFile `json:"files,omitempty"`
	Guide      string    `json:"guide,omitempty"` // markdown walk-through
	Source     FixSource `json:"source"`
	Confidence float64   `json:"confidence"`
	Validated  bool      `json:"validated"`
	CreatedAt  time.Time `json:"created_at"`
}

// =============================================================================
// COMPANY INFO
// =============================================================================

// CompanyInfo is the user-supplied identity block that document fixes
// (Impressum, Datenschutzerklärung) are rendered from.
type CompanyInfo struct {
	Name            string   `json:"name"`
	LegalForm       string   `json:"legal_form"` // GmbH, UG, AG, e.K., GbR, ...
	Street          string   `json:"street"`
	Zip             string   `json:"zip"`
	City            string   `json:"city"`
	Country         string   `json:"country,omitempty"`
	Email           string   `json:"email"`
	Phone           string   `json:"phone,omitempty"`
	RegisterCourt   string   `json:"register_court,omitempty"`
	RegisterNumber  string   `json:"register_number,omitempty"`
	VATID           string   `json:"vat_id,omitempty"`
	Representatives []string `json:"representatives,omitempty"`
	DPOName         string   `json:"dpo_name,omitempty"`
	DPOEmail        string   `json:"dpo_email,omitempty"`
	Authority       string   `json:"supervisory_authority,omitempty"`
}

// MissingRequired lists the fields an Impressum cannot be rendered
// without.
func (c CompanyInfo) MissingRequired() []string {
	var missing []string
	if c.Name == "" {
		missing = append(missing, "name")
	}
	if c.Street == "" {
		missing = append(missing, "street")
	}
	if c.Zip == "" {
		missing = append(missing, "zip")
	}
	if c.City == "" {
		missing = append(missing, "city")
	}
	if c.Email == "" {
		missing = append(missing, "email")
	}
	return missing
}
