// Package dom bundles the x/net/html traversal helpers the check
// modules and the classifier share: attribute lookup, text extraction
// and predicate-based node searches.
package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Parse parses an HTML document from a string. The input is expected to
// be UTF-8 already (the fetch layer decodes charsets).
func Parse(s string) (*html.Node, error) {
	return html.Parse(strings.NewReader(s))
}

// Attr returns the value of the named attribute, or "".
func Attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether the attribute exists at all, even empty.
func HasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return true
		}
	}
	return false
}

// Walk visits every node in depth-first order until fn returns false.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil {
		return
	}
	var rec func(*html.Node) bool
	rec = func(node *html.Node) bool {
		if !fn(node) {
			return false
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if !rec(c) {
				return false
			}
		}
		return true
	}
	rec(n)
}

// FindAll collects element nodes matching the predicate.
func FindAll(n *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	Walk(n, func(node *html.Node) bool {
		if node.Type == html.ElementNode && pred(node) {
			out = append(out, node)
		}
		return true
	})
	return out
}

// First returns the first element matching the predicate, or nil.
func First(n *html.Node, pred func(*html.Node) bool) *html.Node {
	var found *html.Node
	Walk(n, func(node *html.Node) bool {
		if node.Type == html.ElementNode && pred(node) {
			found = node
			return false
		}
		return true
	})
	return found
}

// ByTag collects all elements with the given tag name.
func ByTag(n *html.Node, tag string) []*html.Node {
	return FindAll(n, func(node *html.Node) bool {
		return node.Data == tag
	})
}

// FirstByTag returns the first element with the given tag, or nil.
func FirstByTag(n *html.Node, tag string) *html.Node {
	return First(n, func(node *html.Node) bool {
		return node.Data == tag
	})
}

// Text returns the concatenated text content of the subtree, with
// scripts and styles skipped and whitespace collapsed.
func Text(n *html.Node) string {
	var b strings.Builder
	Walk(n, func(node *html.Node) bool {
		if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style" || node.Data == "noscript") {
			return false
		}
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
			b.WriteByte(' ')
		}
		return true
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

// TextRaw is Text without the noscript exclusion, for callers that
// inspect fallback content deliberately.
func TextRaw(n *html.Node) string {
	var b strings.Builder
	Walk(n, func(node *html.Node) bool {
		if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style") {
			return false
		}
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
			b.WriteByte(' ')
		}
		return true
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

// OwnText returns only the direct text children of the node.
func OwnText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// VisibleTextLen counts the runes of rendered text in the body, the
// cheap signal for telling content pages from JS app shells.
func VisibleTextLen(doc *html.Node) int {
	body := FirstByTag(doc, "body")
	if body == nil {
		return 0
	}
	return len([]rune(Text(body)))
}

// NodePath builds a short CSS-like locator for a node, good enough for
// a human to find the element again.
func NodePath(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		part := cur.Data
		if id := Attr(cur, "id"); id != "" {
			part += "#" + id
			parts = append([]string{part}, parts...)
			break
		}
		if cls := Attr(cur, "class"); cls != "" {
			if first := strings.Fields(cls); len(first) > 0 {
				part += "." + first[0]
			}
		}
		parts = append([]string{part}, parts...)
		if len(parts) >= 5 {
			break
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " > ")
}

// Classes splits the class attribute into lower-cased names.
func Classes(n *html.Node) []string {
	raw := Attr(n, "class")
	if raw == "" {
		return nil
	}
	fields := strings.Fields(strings.ToLower(raw))
	return fields
}
