package fix

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Validators gate what generated artifacts may contain. They are
// deliberately conservative: a false reject costs a template downgrade,
// a false accept ships broken or unsafe markup to a customer site.

// ValidateHTML parses the fragment and rejects inline event handlers
// and script URLs.
func ValidateHTML(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("empty document")
	}
	nodes, err := html.ParseFragment(strings.NewReader(content), nil)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	for _, n := range nodes {
		if err := checkNode(n); err != nil {
			return err
		}
	}
	return nil
}

func checkNode(n *html.Node) error {
	if n.Type == html.ElementNode {
		for _, attr := range n.Attr {
			if strings.HasPrefix(strings.ToLower(attr.Key), "on") {
				return fmt.Errorf("inline event handler %s on <%s>", attr.Key, n.Data)
			}
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(attr.Val)), "javascript:") {
				return fmt.Errorf("javascript: URL in %s of <%s>", attr.Key, n.Data)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := checkNode(c); err != nil {
			return err
		}
	}
	return nil
}

var cssForbidden = regexp.MustCompile(`(?i)expression\s*\(|javascript:|@import\s+url\s*\(\s*["']?https?:`)

// ValidateCSS checks brace balance and rejects legacy script vectors
// and remote imports.
func ValidateCSS(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("empty stylesheet")
	}
	if m := cssForbidden.FindString(content); m != "" {
		return fmt.Errorf("forbidden construct %q", strings.TrimSpace(m))
	}
	depth := 0
	for _, r := range content {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced braces")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced braces")
	}
	return nil
}

var jsForbidden = []string{
	"eval(",
	"new Function",
	"document.write",
	"importScripts(",
	".innerHTML =",
}

// ValidateJS rejects dynamic code execution and document.write; the
// banner script must stay auditable by the site owner.
func ValidateJS(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("empty script")
	}
	for _, bad := range jsForbidden {
		if strings.Contains(content, bad) {
			return fmt.Errorf("forbidden construct %q", bad)
		}
	}
	// Rough paren balance catches truncated generations.
	depth := 0
	for _, r := range content {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced parentheses")
	}
	return nil
}
