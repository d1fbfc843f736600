package elemwatch

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"

	"github.com/hazyhaar/horosdom/dom"
)

// Criteria is a conjunction of optional constraints. A zero field imposes
// no restriction.
type Criteria struct {
	Tag   string // case-insensitive tag name
	Text  string // exact text content
	Class string // single class name
	ID    string

	// Check runs last, with the document read-locked. It must not call
	// Document methods or mutate the tree. A panic counts as no match.
	Check func(el *html.Node) bool

	// Once removes the registration after its first delivery.
	Once bool

	// Root scopes the registration to a subtree. Default: the whole document.
	Root *html.Node
}

// Validate rejects malformed criteria.
func (c Criteria) Validate() error {
	if strings.ContainsFunc(c.Class, unicode.IsSpace) {
		return &CriteriaError{Field: "class", Reason: "must be a single class name"}
	}
	if strings.ContainsFunc(c.Tag, unicode.IsSpace) {
		return &CriteriaError{Field: "tag", Reason: "must not contain whitespace"}
	}
	if c.Root != nil && c.Root.Type != html.ElementNode && c.Root.Type != html.DocumentNode {
		return &CriteriaError{Field: "root", Reason: "must be an element or the document"}
	}
	return nil
}

// matches checks the cheap constraints first and the custom check last.
func (c *Criteria) matches(el *html.Node) bool {
	if el.Type != html.ElementNode {
		return false
	}
	if c.Tag != "" && !strings.EqualFold(el.Data, c.Tag) {
		return false
	}
	if c.ID != "" && dom.ID(el) != c.ID {
		return false
	}
	if c.Class != "" && !dom.HasClass(el, c.Class) {
		return false
	}
	if c.Text != "" && dom.TextContent(el) != c.Text {
		return false
	}
	if c.Check != nil && !c.Check(el) {
		return false
	}
	return true
}
