package dom

import (
	"errors"
	"testing"
)

const fixture = `<html><head><title>t</title></head><body>
<div id="app" class="shell">
  <ul><li class="item">a</li><li class="item active">b</li></ul>
  <p>hello <b>world</b></p>
</div>
</body></html>`

func TestCompile_CSS(t *testing.T) {
	doc := testDoc(t, fixture)
	sel := MustCompile("li.active")
	el := doc.QuerySelector(nil, sel)
	if el == nil {
		t.Fatal("li.active not found")
	}
	if !sel.Match(el) {
		t.Error("Match false on returned element")
	}
	if got := len(doc.QuerySelectorAll(nil, MustCompile("li.item"))); got != 2 {
		t.Errorf("li.item: got %d, want 2", got)
	}
}

func TestCompile_XPath(t *testing.T) {
	doc := testDoc(t, fixture)
	sel, err := Compile("//li[2]")
	if err != nil {
		t.Fatal(err)
	}
	el := doc.QuerySelector(nil, sel)
	if el == nil || !HasClass(el, "active") {
		t.Fatalf("//li[2]: got %v", el)
	}
	if !sel.Match(el) {
		t.Error("Match false on returned element")
	}
	first := doc.QuerySelector(nil, MustCompile("li"))
	if sel.Match(first) {
		t.Error("//li[2] matched the first li")
	}
}

func TestXPath_ScopedToRoot(t *testing.T) {
	doc := testDoc(t, `<html><body><div id="a"><p id="x"></p></div><div id="b"><p id="y"></p></div></body></html>`)
	a := doc.QuerySelector(nil, MustCompile("#a"))
	b := doc.QuerySelector(nil, MustCompile("#b"))
	sel := MustCompile("/html/body/div/p")

	if got := doc.QuerySelector(a, sel); got == nil || ID(got) != "x" {
		t.Errorf("First under #a: got %v", got)
	}
	all := doc.QuerySelectorAll(b, sel)
	if len(all) != 1 || ID(all[0]) != "y" {
		t.Errorf("All under #b: got %d nodes", len(all))
	}
	if got := len(doc.QuerySelectorAll(nil, sel)); got != 2 {
		t.Errorf("All from document: got %d, want 2", got)
	}
	for _, n := range all {
		if !sel.Match(n) {
			t.Error("Match disagrees with All")
		}
	}
}

func TestMatcher_XPathFollowsMutations(t *testing.T) {
	doc := testDoc(t, `<html><body><ul><li>a</li></ul></body></html>`)
	sel := MustCompile("//ul/li[2]")
	match := doc.Matcher(sel)
	first := doc.QuerySelector(nil, MustCompile("li"))

	var got bool
	doc.Read(func() { got = match(first) })
	if got {
		t.Fatal("first li matched li[2]")
	}

	ul := doc.QuerySelector(nil, MustCompile("ul"))
	nodes, err := doc.AppendHTML(ul, `<li>b</li>`)
	if err != nil {
		t.Fatal(err)
	}
	doc.Read(func() { got = match(nodes[0]) })
	if !got {
		t.Error("appended li not matched after mutation")
	}
	if err := doc.Remove(first); err != nil {
		t.Fatal(err)
	}
	doc.Read(func() { got = match(nodes[0]) })
	if got {
		t.Error("stale match set after removal")
	}
	if css := doc.Matcher(MustCompile("li")); !css(nodes[0]) {
		t.Error("CSS matcher rejected li")
	}
}

func TestCompile_Invalid(t *testing.T) {
	for _, expr := range []string{"", "div[", "//li["} {
		_, err := Compile(expr)
		var se *SelectorError
		if !errors.As(err, &se) {
			t.Errorf("Compile(%q): got %v, want *SelectorError", expr, err)
		}
	}
}

func TestXPathLocator(t *testing.T) {
	doc := testDoc(t, fixture)
	li := doc.QuerySelector(nil, MustCompile("li.active"))
	if got, want := XPath(li), "/html/body/div/ul/li[2]"; got != want {
		t.Errorf("XPath: got %q, want %q", got, want)
	}
	p := doc.QuerySelector(nil, MustCompile("p"))
	if got, want := XPath(p), "/html/body/div/p"; got != want {
		t.Errorf("XPath: got %q, want %q", got, want)
	}
}

func TestTextContent(t *testing.T) {
	doc := testDoc(t, fixture)
	p := doc.QuerySelector(nil, MustCompile("p"))
	if got := TextContent(p); got != "hello world" {
		t.Errorf("TextContent: got %q", got)
	}
	if got := Classes(doc.QuerySelector(nil, MustCompile(".active"))); len(got) != 2 {
		t.Errorf("Classes: got %v", got)
	}
}
