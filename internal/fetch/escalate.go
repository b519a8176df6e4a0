package fetch

import (
	"strings"

	"golang.org/x/net/html"

	"konform/internal/dom"
)

// skeleton thresholds: a content page has paragraphs of text, an SPA
// shell ships a mount point and a bundle.
const minVisibleRunes = 200

var frameworkMarkers = []string{
	"data-reactroot", "data-react-helmet", "ng-version", "ng-app",
	"data-v-app", "data-server-rendered", "data-svelte",
}

var mountIDs = map[string]bool{
	"root": true, "app": true, "__next": true, "___gatsby": true,
	"__nuxt": true, "svelte": true, "q-app": true,
}

// NeedsRender decides whether a statically fetched page is a JS app
// shell that must go through the headless renderer to be analyzed.
func NeedsRender(doc *html.Node) bool {
	if doc == nil {
		return false
	}
	if dom.VisibleTextLen(doc) >= minVisibleRunes {
		return false
	}

	// Framework attributes anywhere in the tree.
	marker := dom.First(doc, func(n *html.Node) bool {
		for _, m := range frameworkMarkers {
			if dom.HasAttr(n, m) {
				return true
			}
		}
		return false
	})
	if marker != nil {
		return true
	}

	// A known mount-point id on a div with no content of its own.
	mount := dom.First(doc, func(n *html.Node) bool {
		return n.Data == "div" && mountIDs[strings.ToLower(dom.Attr(n, "id"))]
	})
	if mount != nil && dom.Text(mount) == "" {
		return true
	}

	// Tiny body with a single bundle script is the classic SPA shape.
	body := dom.FirstByTag(doc, "body")
	if body != nil {
		scripts := 0
		for _, s := range dom.ByTag(body, "script") {
			if dom.Attr(s, "src") != "" {
				scripts++
			}
		}
		if scripts >= 1 && dom.Text(body) == "" {
			return true
		}
	}

	// A noscript plea is as explicit as it gets.
	for _, ns := range dom.ByTag(doc, "noscript") {
		text := strings.ToLower(dom.TextRaw(ns))
		if strings.Contains(text, "javascript") && (strings.Contains(text, "enable") || strings.Contains(text, "aktivieren")) {
			return true
		}
	}

	return false
}
