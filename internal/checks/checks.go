// Package checks defines the contract the four pillar modules share.
// Every checker receives the same immutable target view and returns
// issues; it never fails the scan, since the orchestrator converts
// checker errors into a partial-analysis note on the pillar.
package checks

import (
	"context"
	"net/url"

	"golang.org/x/net/html"

	"konform/internal/catalog"
	"konform/internal/fetch"
	"konform/internal/report"
)

// Target is the complete evidence bundle one scan gathered. Checkers
// must treat it as read-only; they share it concurrently.
type Target struct {
	ScanID   string
	URL      *url.URL
	Doc      *html.Node
	RawHTML  string
	Static   *fetch.StaticResult
	Render   *fetch.RenderResult // nil when the page was not rendered
	Pages    *fetch.PageCache
	Services []report.ClassifiedService
	Catalog  *catalog.Snapshot
}

// Rendered reports whether browser-grade evidence is available.
func (t *Target) Rendered() bool { return t.Render != nil }

// Service looks up a classified service by id.
func (t *Target) Service(id string) *report.ClassifiedService {
	for i := range t.Services {
		if t.Services[i].ServiceID == id {
			return &t.Services[i]
		}
	}
	return nil
}

// Checker is one pillar module.
type Checker interface {
	Pillar() report.Pillar
	Check(ctx context.Context, target *Target) ([]report.Issue, error)
}
