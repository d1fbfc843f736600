package dom

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// Selector matches elements. CSS selectors go through cascadia; expressions
// starting with "/" or "(" are XPath and go through htmlquery.
type Selector interface {
	// Match reports whether n matches.
	Match(n *html.Node) bool
	// First returns the first match under root (root included), or nil.
	First(root *html.Node) *html.Node
	// All returns every match under root in document order.
	All(root *html.Node) []*html.Node
	String() string
}

// SelectorError reports an expression that failed to compile.
type SelectorError struct {
	Selector string
	Cause    error
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("dom: invalid selector %q: %v", e.Selector, e.Cause)
}

func (e *SelectorError) Unwrap() error { return e.Cause }

// Compile parses a CSS or XPath expression.
func Compile(expr string) (Selector, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, &SelectorError{Selector: expr, Cause: fmt.Errorf("empty expression")}
	}
	if isXPath(trimmed) {
		x, err := xpath.Compile(trimmed)
		if err != nil {
			return nil, &SelectorError{Selector: expr, Cause: err}
		}
		return &xpathSelector{expr: trimmed, x: x}, nil
	}
	sel, err := cascadia.Compile(trimmed)
	if err != nil {
		return nil, &SelectorError{Selector: expr, Cause: err}
	}
	return &cssSelector{expr: trimmed, sel: sel}, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(expr string) Selector {
	s, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func isXPath(expr string) bool {
	return strings.HasPrefix(expr, "/") || strings.HasPrefix(expr, "(")
}

type cssSelector struct {
	expr string
	sel  cascadia.Selector
}

func (s *cssSelector) Match(n *html.Node) bool { return s.sel.Match(n) }

func (s *cssSelector) First(root *html.Node) *html.Node { return s.sel.MatchFirst(root) }

func (s *cssSelector) All(root *html.Node) []*html.Node { return s.sel.MatchAll(root) }

func (s *cssSelector) String() string { return s.expr }

type xpathSelector struct {
	expr string
	x    *xpath.Expr
}

// Every evaluation starts at the top of the tree, so absolute paths and
// positional predicates keep their document meaning whatever root is used.
func (s *xpathSelector) Match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, m := range s.eval(treeTop(n)) {
		if m == n {
			return true
		}
	}
	return false
}

func (s *xpathSelector) First(root *html.Node) *html.Node {
	for _, m := range s.eval(treeTop(root)) {
		if Contains(root, m) {
			return m
		}
	}
	return nil
}

func (s *xpathSelector) All(root *html.Node) []*html.Node {
	var out []*html.Node
	for _, m := range s.eval(treeTop(root)) {
		if Contains(root, m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *xpathSelector) String() string { return s.expr }

// eval returns the element results of the expression evaluated at top.
func (s *xpathSelector) eval(top *html.Node) []*html.Node {
	var out []*html.Node
	for _, m := range htmlquery.QuerySelectorAll(top, s.x) {
		if m.Type == html.ElementNode {
			out = append(out, m)
		}
	}
	return out
}

func treeTop(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}
