// Package fetch retrieves target pages for analysis: a plain HTTP
// fetcher for static sites and a rod-driven headless Chrome renderer
// for JavaScript applications. Both report everything the check
// modules care about — final URL, cookies, observed network requests,
// localStorage and computed styles — in one observation bundle.
package fetch

import (
	"net/http"
	"net/url"
	"time"
)

// Cookie is a normalized cookie observation, from Set-Cookie headers or
// the browser's cookie jar after rendering.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"http_only,omitempty"`
}

// NetworkRequest is one outbound request the page triggered while
// rendering. Everything captured happens before any consent
// interaction, so the pre-consent window covers the whole log.
type NetworkRequest struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	ResourceType string `json:"resource_type,omitempty"`
	Initiator    string `json:"initiator,omitempty"`
}

// ComputedStyle samples the browser-resolved presentation of one text
// element, the input for exact contrast checks.
type ComputedStyle struct {
	Path       string `json:"path"` // CSS-ish locator
	Color      string `json:"color"`
	Background string `json:"background"`
	FontSize   string `json:"fontSize"`
	FontWeight string `json:"fontWeight"`
	Text       string `json:"text"` // first characters of the text content
}

// StaticResult is the outcome of a plain HTTP fetch.
type StaticResult struct {
	RequestedURL string
	FinalURL     string
	Status       int
	Headers      http.Header
	Body         string // charset-decoded
	Bytes        int64
	Redirects    []string
	SetCookies   []Cookie
	Elapsed      time.Duration
}

// OK reports whether the target answered with a success status.
func (r *StaticResult) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// RenderResult is the outcome of a headless render: the live DOM plus
// everything the page did on the way there.
type RenderResult struct {
	HTML         string
	FinalURL     string
	Cookies      []Cookie
	LocalStorage map[string]string
	Requests     []NetworkRequest
	Styles       []ComputedStyle
	Elapsed      time.Duration
}

// Observations is the classifier's input: every signal the fetch layer
// saw, regardless of mode. Static fetches fill cookies and leave the
// request log to the script tags found in the DOM.
type Observations struct {
	PageURL      *url.URL
	Cookies      []Cookie
	Requests     []NetworkRequest
	ScriptSrcs   []string
	IframeSrcs   []string
	LocalStorage map[string]string
}
