package elemwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/horosdom/dom"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDoc(t *testing.T, src string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString(src)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func startRegistry(t *testing.T, doc *dom.Document, cfg Config) *Registry {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	r := New(doc, cfg)
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func mustQuery(t *testing.T, doc *dom.Document, sel string) *html.Node {
	t.Helper()
	el := doc.QuerySelector(nil, dom.MustCompile(sel))
	if el == nil {
		t.Fatalf("%s not found", sel)
	}
	return el
}

// collector records every delivered element.
type collector struct {
	mu  sync.Mutex
	els []*html.Node
}

func (c *collector) add(el *html.Node) {
	c.mu.Lock()
	c.els = append(c.els, el)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.els)
}

func (c *collector) distinct() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[*html.Node]struct{}, len(c.els))
	for _, el := range c.els {
		seen[el] = struct{}{}
	}
	return len(seen)
}

func TestRegister_EagerScan(t *testing.T) {
	doc := testDoc(t, `<html><body>
		<div class="widget">1</div><div class="widget">2</div><span class="widget">3</span>
	</body></html>`)
	r := New(doc, Config{Logger: quietLogger()}) // not started: the scan is synchronous
	defer r.Stop()

	var c collector
	if _, err := r.Register("div.widget", Criteria{Tag: "DIV", Class: "widget"}, c.add); err != nil {
		t.Fatal(err)
	}
	if c.len() != 2 {
		t.Fatalf("eager scan: got %d callbacks, want 2", c.len())
	}
}

func TestRegister_EagerScanChunked(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for i := 0; i < 130; i++ {
		sb.WriteString(`<p class="x"></p>`)
	}
	sb.WriteString("</body></html>")
	doc := testDoc(t, sb.String())

	r := New(doc, Config{ChunkSize: 50, Logger: quietLogger()})
	defer r.Stop()

	var c collector
	if _, err := r.Register("p.x", Criteria{Class: "x"}, c.add); err != nil {
		t.Fatal(err)
	}
	if c.len() != 130 || c.distinct() != 130 {
		t.Fatalf("got %d callbacks (%d distinct), want 130", c.len(), c.distinct())
	}
}

func TestRegister_InsertedLater(t *testing.T) {
	doc := dom.New()
	r := startRegistry(t, doc, Config{})

	var c collector
	if _, err := r.Register("div.widget", Criteria{Tag: "div", Class: "widget"}, c.add); err != nil {
		t.Fatal(err)
	}
	nodes, err := doc.AppendHTML(doc.Body(), `<div class="widget">w</div><div class="other"></div>`)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery", func() bool { return c.len() == 1 })
	if c.els[0] != nodes[0] {
		t.Error("delivered a different element")
	}
}

func TestRegister_NestedInsertion(t *testing.T) {
	doc := dom.New()
	r := startRegistry(t, doc, Config{})

	var c collector
	if _, err := r.Register("#deep", Criteria{ID: "deep"}, c.add); err != nil {
		t.Fatal(err)
	}
	if _, err := doc.AppendHTML(doc.Body(), `<section><div><span id="deep"></span></div></section>`); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "descendant delivery", func() bool { return c.len() == 1 })
}

func TestRegister_Once(t *testing.T) {
	doc := dom.New()
	r := startRegistry(t, doc, Config{})

	var calls atomic.Int64
	var listenersAfter atomic.Int64
	listenersAfter.Store(-1)
	_, err := r.Register("li", Criteria{Tag: "li", Once: true}, func(*html.Node) {
		calls.Add(1)
		listenersAfter.Store(int64(r.Listeners("li")))
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := doc.AppendChild(doc.Body(), dom.NewElement("li")); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	waitFor(t, "first delivery", func() bool { return calls.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if calls.Load() != 1 {
		t.Fatalf("once registration fired %d times", calls.Load())
	}
	if listenersAfter.Load() != 0 {
		t.Errorf("listeners during callback: got %d, want 0", listenersAfter.Load())
	}
	if s := r.Stats(); s.Registrations != 0 || s.Watches != 0 {
		t.Errorf("stats after once: %+v", s)
	}
}

func TestRegister_OnceDuringScan(t *testing.T) {
	doc := testDoc(t, `<html><body><i></i><i></i><i></i></body></html>`)
	r := New(doc, Config{Logger: quietLogger()})
	defer r.Stop()

	var c collector
	if _, err := r.Register("i", Criteria{Tag: "i", Once: true}, c.add); err != nil {
		t.Fatal(err)
	}
	if c.len() != 1 {
		t.Fatalf("once during scan: got %d, want 1", c.len())
	}
	if r.Listeners("i") != 0 {
		t.Error("registration still listed")
	}
}

func TestUnregister_StopsDelivery(t *testing.T) {
	doc := dom.New()
	r := startRegistry(t, doc, Config{})

	var c collector
	g, err := r.Register("p", Criteria{Tag: "p"}, c.add)
	if err != nil {
		t.Fatal(err)
	}
	g.Unregister()
	g.Unregister()

	if g.Active() {
		t.Error("Active after Unregister")
	}
	if r.Listeners("p") != 0 {
		t.Errorf("listeners: got %d, want 0", r.Listeners("p"))
	}

	if _, err := doc.AppendHTML(doc.Body(), `<p></p><p></p>`); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if c.len() != 0 {
		t.Fatalf("got %d callbacks after Unregister", c.len())
	}
}

func TestUnregister_MidPass(t *testing.T) {
	doc := dom.New()
	r := startRegistry(t, doc, Config{})

	var b collector
	var second *Registration
	var once sync.Once
	var firstCalls atomic.Int64
	_, err := r.Register("first", Criteria{Tag: "p"}, func(*html.Node) {
		once.Do(second.Unregister)
		firstCalls.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err = r.Register("second", Criteria{Tag: "p"}, b.add)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := doc.AppendHTML(doc.Body(), strings.Repeat("<p></p>", 10)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first deliveries", func() bool { return firstCalls.Load() == 10 })

	if b.len() != 0 {
		t.Fatalf("unregistered mid-pass but received %d callbacks", b.len())
	}
}

func TestBurstCoalescing(t *testing.T) {
	doc := dom.New()
	r := startRegistry(t, doc, Config{Throttle: 50 * time.Millisecond})

	var c collector
	if _, err := r.Register("b", Criteria{Tag: "b"}, c.add); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if err := doc.AppendChild(doc.Body(), dom.NewElement("b")); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "20 deliveries", func() bool { return c.len() == 20 })
	time.Sleep(100 * time.Millisecond)
	if p := r.Stats().Passes; p != 1 {
		t.Fatalf("passes: got %d, want 1", p)
	}
}

func TestScenario_120Widgets(t *testing.T) {
	doc := dom.New()
	r := startRegistry(t, doc, Config{})

	var c collector
	if _, err := r.Register("div.widget", Criteria{Tag: "div", Class: "widget"}, c.add); err != nil {
		t.Fatal(err)
	}
	if _, err := doc.AppendHTML(doc.Body(), strings.Repeat(`<div class="widget"></div>`, 120)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "120 deliveries", func() bool { return c.len() >= 120 })
	time.Sleep(30 * time.Millisecond)

	if c.len() != 120 || c.distinct() != 120 {
		t.Fatalf("got %d callbacks (%d distinct), want 120", c.len(), c.distinct())
	}
	s := r.Stats()
	if s.Passes != 1 || s.Chunks != 3 {
		t.Errorf("passes=%d chunks=%d, want 1 and 3", s.Passes, s.Chunks)
	}
}

func TestRegister_NoDuplicateWithPendingInsert(t *testing.T) {
	doc := dom.New()
	r := startRegistry(t, doc, Config{Throttle: 40 * time.Millisecond})

	// An unrelated registration keeps the document watch alive.
	if _, err := r.Register("any", Criteria{Tag: "nav"}, func(*html.Node) {}); err != nil {
		t.Fatal(err)
	}
	if err := doc.AppendChild(doc.Body(), dom.NewElement("aside")); err != nil {
		t.Fatal(err)
	}

	var c collector
	if _, err := r.Register("aside", Criteria{Tag: "aside"}, c.add); err != nil {
		t.Fatal(err)
	}
	if c.len() != 1 {
		t.Fatalf("eager scan: got %d, want 1", c.len())
	}
	waitFor(t, "pass", func() bool { return r.Stats().Passes >= 1 })
	time.Sleep(20 * time.Millisecond)
	if c.len() != 1 {
		t.Fatalf("element delivered %d times", c.len())
	}
}

func TestFaultIsolation(t *testing.T) {
	doc := testDoc(t, `<html><body><ul id="list"></ul></body></html>`)
	r := startRegistry(t, doc, Config{})

	if _, err := r.Register("bad-check", Criteria{Tag: "li", Check: func(*html.Node) bool { panic("boom") }}, func(*html.Node) {
		t.Error("callback ran despite panicking check")
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("bad-callback", Criteria{Tag: "li"}, func(*html.Node) { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	var good collector
	if _, err := r.Register("good", Criteria{Tag: "li"}, good.add); err != nil {
		t.Fatal(err)
	}

	if _, err := doc.AppendHTML(mustQuery(t, doc, "#list"), `<li></li><li></li><li></li>`); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "good deliveries", func() bool { return good.len() == 3 })

	s := r.Stats()
	if s.PredicateFaults != 3 {
		t.Errorf("predicate faults: got %d, want 3", s.PredicateFaults)
	}
	if s.CallbackFaults != 3 {
		t.Errorf("callback faults: got %d, want 3", s.CallbackFaults)
	}
}

func TestReentrantRegister(t *testing.T) {
	doc := dom.New()
	r := startRegistry(t, doc, Config{})

	var inner collector
	var once sync.Once
	_, err := r.Register("outer", Criteria{Tag: "header"}, func(el *html.Node) {
		once.Do(func() {
			if _, err := r.Register("inner", Criteria{Tag: "header"}, inner.add); err != nil {
				t.Error(err)
			}
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.AppendChild(doc.Body(), dom.NewElement("header")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "inner scan", func() bool { return inner.len() == 1 })

	if err := doc.AppendChild(doc.Body(), dom.NewElement("header")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "inner delivery", func() bool { return inner.len() == 2 })
}

func TestRootScoping(t *testing.T) {
	doc := testDoc(t, `<html><body><div id="a"></div><div id="b"></div></body></html>`)
	r := startRegistry(t, doc, Config{})
	a := mustQuery(t, doc, "#a")
	b := mustQuery(t, doc, "#b")

	var all, scoped collector
	if _, err := r.Register("all", Criteria{Tag: "em"}, all.add); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("scoped", Criteria{Tag: "em", Root: a}, scoped.add); err != nil {
		t.Fatal(err)
	}

	if err := doc.AppendChild(b, dom.NewElement("em")); err != nil {
		t.Fatal(err)
	}
	if err := doc.AppendChild(a, dom.NewElement("em")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "document-wide deliveries", func() bool { return all.len() == 2 })
	time.Sleep(20 * time.Millisecond)

	if scoped.len() != 1 {
		t.Fatalf("scoped: got %d, want 1", scoped.len())
	}
}

func TestWatchRefcount(t *testing.T) {
	doc := testDoc(t, `<html><body><div id="app"></div></body></html>`)
	r := startRegistry(t, doc, Config{})
	app := mustQuery(t, doc, "#app")

	g1, err := r.Register("x", Criteria{Tag: "p", Root: app}, func(*html.Node) {})
	if err != nil {
		t.Fatal(err)
	}
	g2, err := r.Register("y", Criteria{Tag: "q", Root: app}, func(*html.Node) {})
	if err != nil {
		t.Fatal(err)
	}
	if w := r.Stats().Watches; w != 1 {
		t.Fatalf("watches: got %d, want 1", w)
	}
	g1.Unregister()
	if w := r.Stats().Watches; w != 1 {
		t.Fatalf("watches after first unregister: got %d, want 1", w)
	}
	g2.Unregister()
	if w := r.Stats().Watches; w != 0 {
		t.Fatalf("watches after last unregister: got %d, want 0", w)
	}
}

func TestNestedWatches_NoDuplicate(t *testing.T) {
	doc := testDoc(t, `<html><body><div id="app"></div></body></html>`)
	r := startRegistry(t, doc, Config{Throttle: time.Millisecond})
	app := mustQuery(t, doc, "#app")

	if _, err := r.Register("outer", Criteria{Tag: "nav"}, func(*html.Node) {}); err != nil {
		t.Fatal(err)
	}
	var c collector
	if _, err := r.Register("inner", Criteria{Tag: "em", Root: app}, c.add); err != nil {
		t.Fatal(err)
	}
	if w := r.Stats().Watches; w != 2 {
		t.Fatalf("watches: got %d, want 2", w)
	}

	if err := doc.AppendChild(app, dom.NewElement("em")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery", func() bool { return c.len() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if c.len() != 1 {
		t.Fatalf("delivered %d times through nested watches", c.len())
	}
}

func TestUnregisterEvent(t *testing.T) {
	doc := dom.New()
	r := startRegistry(t, doc, Config{})

	for i := 0; i < 3; i++ {
		if _, err := r.Register("group", Criteria{Tag: "p"}, func(*html.Node) {}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Register("other", Criteria{Tag: "p"}, func(*html.Node) {}); err != nil {
		t.Fatal(err)
	}
	r.UnregisterEvent("group")

	if n := r.Listeners("group"); n != 0 {
		t.Errorf("group listeners: got %d, want 0", n)
	}
	if ev := r.Events(); len(ev) != 1 || ev[0] != "other" {
		t.Errorf("events: got %v, want [other]", ev)
	}
}

func TestRegister_Validation(t *testing.T) {
	doc := dom.New()
	r := New(doc, Config{Logger: quietLogger()})

	var ce *CriteriaError
	if _, err := r.Register("x", Criteria{}, nil); !errors.As(err, &ce) || ce.Field != "callback" {
		t.Errorf("nil callback: got %v", err)
	}
	if _, err := r.Register("x", Criteria{Class: "a b"}, func(*html.Node) {}); !errors.As(err, &ce) || ce.Field != "class" {
		t.Errorf("class with space: got %v", err)
	}
	text := &html.Node{Type: html.TextNode, Data: "t"}
	if _, err := r.Register("x", Criteria{Root: text}, func(*html.Node) {}); !errors.As(err, &ce) || ce.Field != "root" {
		t.Errorf("text root: got %v", err)
	}

	r.Stop()
	if _, err := r.Register("x", Criteria{}, func(*html.Node) {}); !errors.Is(err, ErrStopped) {
		t.Errorf("after Stop: got %v, want ErrStopped", err)
	}
}

func TestFrameYield(t *testing.T) {
	doc := dom.New()
	r := startRegistry(t, doc, Config{ChunkSize: 10, Yield: Frame(5 * time.Millisecond)})

	var c collector
	if _, err := r.Register("s", Criteria{Tag: "s"}, c.add); err != nil {
		t.Fatal(err)
	}
	if _, err := doc.AppendHTML(doc.Body(), strings.Repeat("<s></s>", 35)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "35 deliveries", func() bool { return c.len() == 35 })
	if ch := r.Stats().Chunks; ch != 4 {
		t.Errorf("chunks: got %d, want 4", ch)
	}
}

func TestRegister_SerializedDelivery(t *testing.T) {
	const existing = 2000
	doc := testDoc(t, "<html><body>"+strings.Repeat(`<div class="w"></div>`, existing)+"</body></html>")
	r := startRegistry(t, doc, Config{})
	body := mustQuery(t, doc, "body")

	stop := make(chan struct{})
	var appended atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			el := dom.NewElement("div", html.Attribute{Key: "class", Val: "w"})
			if err := doc.AppendChild(body, el); err == nil {
				appended.Add(1)
			}
			time.Sleep(50 * time.Microsecond)
		}
	}()

	var inFlight, maxInFlight, calls atomic.Int64
	_, err := r.Register("div.w", Criteria{Class: "w"}, func(*html.Node) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Microsecond)
		inFlight.Add(-1)
		calls.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}
	close(stop)
	<-done

	want := existing + appended.Load()
	waitFor(t, "every div.w delivered", func() bool { return calls.Load() >= want })
	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent invocations: got %d, want 1", got)
	}
}
