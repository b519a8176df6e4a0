package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"konform/internal/dom"
	"konform/internal/logging"
)

// PageCache memoizes same-origin subpage fetches so the imprint and
// privacy checks can follow candidate links without hammering the
// target. Loads are static only and capped per scan.
type PageCache struct {
	mu       sync.Mutex
	fetcher  *StaticFetcher
	base     *url.URL
	maxPages int
	maxCSS   int
	pages    map[string]*pageEntry
	css      map[string]*cssEntry
}

type pageEntry struct {
	res *StaticResult
	doc *html.Node
	err error
}

type cssEntry struct {
	body string
	err  error
}

// NewPageCache creates a cache rooted at the scanned page's URL.
func NewPageCache(fetcher *StaticFetcher, base *url.URL, maxPages int) *PageCache {
	return &PageCache{
		fetcher:  fetcher,
		base:     base,
		maxPages: maxPages,
		maxCSS:   5,
		pages:    make(map[string]*pageEntry),
		css:      make(map[string]*cssEntry),
	}
}

// Resolve turns a link reference from the page into an absolute
// same-origin URL, or "" when the link leaves the site.
func (c *PageCache) Resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") ||
		strings.HasPrefix(strings.ToLower(ref), "javascript:") ||
		strings.HasPrefix(strings.ToLower(ref), "mailto:") ||
		strings.HasPrefix(strings.ToLower(ref), "tel:") {
		return ""
	}
	u, err := c.base.Parse(ref)
	if err != nil {
		return ""
	}
	if !strings.EqualFold(u.Hostname(), c.base.Hostname()) {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// Load fetches a same-origin page, parsed and memoized. The per-scan
// budget makes a link-farm footer cheap: once exhausted, further loads
// fail fast.
func (c *PageCache) Load(ctx context.Context, ref string) (*StaticResult, *html.Node, error) {
	target := c.Resolve(ref)
	if target == "" {
		return nil, nil, fmt.Errorf("reference %q is not a same-origin page", ref)
	}

	c.mu.Lock()
	if e, ok := c.pages[target]; ok {
		c.mu.Unlock()
		return e.res, e.doc, e.err
	}
	if len(c.pages) >= c.maxPages {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("subpage budget (%d) exhausted", c.maxPages)
	}
	e := &pageEntry{}
	c.pages[target] = e
	c.mu.Unlock()

	res, err := c.fetcher.Fetch(ctx, target)
	if err != nil {
		e.err = err
		return nil, nil, err
	}
	if !res.OK() {
		e.err = fmt.Errorf("subpage %s answered %d", target, res.Status)
		return nil, nil, e.err
	}

	doc, err := dom.Parse(res.Body)
	if err != nil {
		e.err = err
		return nil, nil, err
	}
	e.res, e.doc = res, doc
	logging.Debug(logging.CategoryFetch, "subpage loaded: %s (%d bytes)", target, res.Bytes)
	return res, doc, nil
}

// Stylesheet fetches a same-origin CSS file, memoized and capped.
func (c *PageCache) Stylesheet(ctx context.Context, ref string) (string, error) {
	target := c.Resolve(ref)
	if target == "" {
		return "", fmt.Errorf("stylesheet %q is not same-origin", ref)
	}

	c.mu.Lock()
	if e, ok := c.css[target]; ok {
		c.mu.Unlock()
		return e.body, e.err
	}
	if len(c.css) >= c.maxCSS {
		c.mu.Unlock()
		return "", fmt.Errorf("stylesheet budget (%d) exhausted", c.maxCSS)
	}
	e := &cssEntry{}
	c.css[target] = e
	c.mu.Unlock()

	res, err := c.fetcher.Fetch(ctx, target)
	if err != nil {
		e.err = err
		return "", err
	}
	if !res.OK() {
		e.err = fmt.Errorf("stylesheet %s answered %d", target, res.Status)
		return "", e.err
	}
	if res.Bytes > 1<<20 {
		e.err = fmt.Errorf("stylesheet %s too large (%d bytes)", target, res.Bytes)
		return "", e.err
	}
	e.body = res.Body
	return e.body, nil
}

// Loaded reports how many subpages were actually fetched.
func (c *PageCache) Loaded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}
