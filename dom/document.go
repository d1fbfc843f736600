// Package dom is the mutable HTML tree that elemwatch observes.
//
// A Document wraps an x/net/html node tree behind a read/write lock. Every
// child-list change gets a monotonically increasing sequence number and is
// delivered asynchronously to the Observers whose root contains the changed
// parent, the same contract as a browser MutationObserver registered with
// childList and subtree.
//
// Nodes handed out by a Document stay owned by it: read them inside Read (or
// from a callback the Document itself invokes) and mutate them only through
// Document methods.
package dom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ReadyState mirrors document.readyState.
type ReadyState int

const (
	Loading ReadyState = iota
	Interactive
	Complete
)

func (s ReadyState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Interactive:
		return "interactive"
	case Complete:
		return "complete"
	}
	return fmt.Sprintf("ReadyState(%d)", int(s))
}

// Record describes one child-list change of Target.
type Record struct {
	Target  *html.Node
	Added   []*html.Node
	Removed []*html.Node
	Seq     uint64
}

// ErrDetached is returned when a mutation targets a node that has no parent
// where one is required.
var ErrDetached = errors.New("dom: node is detached")

// Document is a lockable HTML tree with mutation observers.
type Document struct {
	mu        sync.RWMutex
	root      *html.Node // html.DocumentNode, stable for the Document lifetime
	seq       uint64
	observers map[*Observer]struct{}

	stateMu sync.Mutex
	state   ReadyState
	ready   chan struct{} // closed once state leaves Loading
}

// Option configures a Document.
type Option func(*Document)

// WithReadyState sets the initial ready state. Default: Complete.
func WithReadyState(s ReadyState) Option {
	return func(d *Document) { d.state = s }
}

// New returns a Document holding an empty html/head/body skeleton.
func New(opts ...Option) *Document {
	doc, err := Parse(strings.NewReader("<html><head></head><body></body></html>"), opts...)
	if err != nil {
		// html.Parse only fails on reader errors.
		panic("dom: parse skeleton: " + err.Error())
	}
	return doc
}

// Parse reads a full HTML document.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	d := &Document{
		root:      root,
		observers: make(map[*Observer]struct{}),
		state:     Complete,
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.state != Loading {
		close(d.ready)
	}
	return d, nil
}

// ParseString is Parse over a string.
func ParseString(s string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(s), opts...)
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// DocumentElement returns the <html> element, or nil.
func (d *Document) DocumentElement() *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return documentElement(d.root)
}

// Body returns the <body> element, or nil.
func (d *Document) Body() *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	de := documentElement(d.root)
	if de == nil {
		return nil
	}
	for c := de.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Body {
			return c
		}
	}
	return nil
}

func documentElement(root *html.Node) *html.Node {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

// Seq returns the sequence number of the last mutation.
func (d *Document) Seq() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.seq
}

// Read runs fn with the tree read-locked. fn must not call other Document
// methods.
func (d *Document) Read(fn func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn()
}

// Snapshot returns every element under root (root included when it is an
// element) in document order, together with the current mutation sequence.
// Both are taken under the same read lock.
func (d *Document) Snapshot(root *html.Node) ([]*html.Node, uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if root == nil {
		root = d.root
	}
	return Elements(root), d.seq
}

// ---------- Ready state ----------

// ReadyState returns the current ready state.
func (d *Document) ReadyState() ReadyState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// SetReadyState advances the ready state. Moving backwards is ignored.
func (d *Document) SetReadyState(s ReadyState) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if s <= d.state {
		return
	}
	prev := d.state
	d.state = s
	if prev == Loading {
		close(d.ready)
	}
}

// WaitReady blocks until the document is past Loading or ctx is done.
func (d *Document) WaitReady(ctx context.Context) error {
	select {
	case <-d.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------- Mutations ----------

// AppendChild appends a detached child to parent.
func (d *Document) AppendChild(parent, child *html.Node) error {
	return d.InsertBefore(parent, child, nil)
}

// InsertBefore inserts a detached child before ref (or last when ref is nil).
func (d *Document) InsertBefore(parent, child, ref *html.Node) error {
	if parent == nil || child == nil {
		return errors.New("dom: insert: nil node")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if child.Parent != nil || child.PrevSibling != nil || child.NextSibling != nil {
		return fmt.Errorf("dom: insert <%s>: node already attached", child.Data)
	}
	if Contains(child, parent) {
		return fmt.Errorf("dom: insert <%s>: would create a cycle", child.Data)
	}
	if ref != nil && ref.Parent != parent {
		return fmt.Errorf("dom: insert <%s>: reference node is not a child of parent", child.Data)
	}
	parent.InsertBefore(child, ref)
	d.notifyLocked(parent, []*html.Node{child}, nil)
	return nil
}

// AppendHTML parses fragment in the context of parent and appends the
// resulting nodes as one mutation.
func (d *Document) AppendHTML(parent *html.Node, fragment string) ([]*html.Node, error) {
	if parent == nil || parent.Type != html.ElementNode {
		return nil, errors.New("dom: append html: parent must be an element")
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{
		Type:     html.ElementNode,
		Data:     parent.Data,
		DataAtom: parent.DataAtom,
	})
	if err != nil {
		return nil, fmt.Errorf("dom: append html: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	d.notifyLocked(parent, nodes, nil)
	return nodes, nil
}

// Remove detaches n from its parent.
func (d *Document) Remove(n *html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	parent := n.Parent
	if parent == nil {
		return ErrDetached
	}
	parent.RemoveChild(n)
	d.notifyLocked(parent, nil, []*html.Node{n})
	return nil
}

// SetText replaces the children of n with a single text node.
func (d *Document) SetText(n *html.Node, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	var added []*html.Node
	if text != "" {
		t := &html.Node{Type: html.TextNode, Data: text}
		n.AppendChild(t)
		added = append(added, t)
	}
	if len(added) > 0 || len(removed) > 0 {
		d.notifyLocked(n, added, removed)
	}
}

// SetAttr sets (or adds) an attribute. Attribute changes do not produce
// records: observers only see child-list changes.
func (d *Document) SetAttr(n *html.Node, key, val string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// Replace swaps the whole content of the document for a freshly parsed one
// (document.open/write). The document node itself is kept, so observers
// rooted at it keep working; observers rooted at old elements go quiet.
func (d *Document) Replace(r io.Reader) error {
	fresh, err := html.Parse(r)
	if err != nil {
		return fmt.Errorf("dom: replace: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var removed, added []*html.Node
	for c := d.root.FirstChild; c != nil; {
		next := c.NextSibling
		d.root.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for c := fresh.FirstChild; c != nil; {
		next := c.NextSibling
		fresh.RemoveChild(c)
		d.root.AppendChild(c)
		added = append(added, c)
		c = next
	}
	d.notifyLocked(d.root, added, removed)
	return nil
}

func (d *Document) notifyLocked(target *html.Node, added, removed []*html.Node) {
	d.seq++
	rec := Record{Target: target, Added: added, Removed: removed, Seq: d.seq}
	for o := range d.observers {
		if Contains(o.root, target) {
			o.enqueue(rec)
		}
	}
}

// ---------- Queries ----------

// QuerySelector returns the first element under root (root included)
// matching sel. A nil root means the whole document.
func (d *Document) QuerySelector(root *html.Node, sel Selector) *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if root == nil {
		root = d.root
	}
	return sel.First(root)
}

// QuerySelectorAll returns every element under root matching sel.
func (d *Document) QuerySelectorAll(root *html.Node, sel Selector) []*html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if root == nil {
		root = d.root
	}
	return sel.All(root)
}

// Matcher returns a predicate equivalent to sel.Match. For XPath the match
// set of the document is evaluated once per mutation sequence and reused
// until the next mutation. The predicate must run with d read-locked, as
// Criteria checks do.
func (d *Document) Matcher(sel Selector) func(*html.Node) bool {
	xs, ok := sel.(*xpathSelector)
	if !ok {
		return sel.Match
	}
	var (
		mu  sync.Mutex
		seq uint64
		set map[*html.Node]struct{}
	)
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		// Detached subtrees are not in the cached set.
		if treeTop(n) != d.root {
			return xs.Match(n)
		}
		mu.Lock()
		defer mu.Unlock()
		if set == nil || seq != d.seq {
			matches := xs.eval(d.root)
			set = make(map[*html.Node]struct{}, len(matches))
			for _, m := range matches {
				set[m] = struct{}{}
			}
			seq = d.seq
		}
		_, ok := set[n]
		return ok
	}
}

// Render serialises the whole document.
func (d *Document) Render(w io.Writer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return html.Render(w, d.root)
}

// NewElement builds a detached element.
func NewElement(tag string, attrs ...html.Attribute) *html.Node {
	tag = strings.ToLower(tag)
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
		Attr:     attrs,
	}
}
