package dom

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Elements returns every element node under root, root included, in
// document order.
func Elements(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// Contains reports whether n is ancestor or n itself.
func Contains(ancestor, n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == ancestor {
			return true
		}
	}
	return false
}

// TextContent concatenates every descendant text node, like Node.textContent.
func TextContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// Attr returns the value of an attribute and whether it is present.
func Attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// ID returns the id attribute.
func ID(n *html.Node) string {
	v, _ := Attr(n, "id")
	return v
}

// Classes returns the class list.
func Classes(n *html.Node) []string {
	v, _ := Attr(n, "class")
	return strings.Fields(v)
}

// HasClass reports class list membership.
func HasClass(n *html.Node, class string) bool {
	v, ok := Attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

// OuterHTML serialises n and its subtree.
func OuterHTML(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

// XPath returns a positional locator such as /html/body/div[2]/span.
// The sibling index is only emitted when more than one sibling shares the
// tag, and /html, /html/head and /html/body are never indexed.
func XPath(n *html.Node) string {
	var parts []string
	for ; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		switch n.Type {
		case html.TextNode:
			parts = append(parts, "text()")
			continue
		case html.CommentNode:
			parts = append(parts, "comment()")
			continue
		case html.ElementNode:
		default:
			continue
		}

		name := strings.ToLower(n.Data)
		if name == "html" || name == "head" || name == "body" || n.Parent == nil {
			parts = append(parts, name)
			continue
		}

		idx, total := 0, 0
		for sib := n.Parent.FirstChild; sib != nil; sib = sib.NextSibling {
			if sib.Type != html.ElementNode || !strings.EqualFold(sib.Data, name) {
				continue
			}
			total++
			if sib == n {
				idx = total
			}
		}
		if total > 1 {
			parts = append(parts, fmt.Sprintf("%s[%d]", name, idx))
		} else {
			parts = append(parts, name)
		}
	}

	if len(parts) == 0 {
		return "/"
	}
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(parts[i])
	}
	return sb.String()
}
