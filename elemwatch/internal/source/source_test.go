package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type stubRenderer struct {
	html  string
	err   error
	calls int
}

func (s *stubRenderer) Render(context.Context, string) (string, error) {
	s.calls++
	return s.html, s.err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var article = "<html><body><article><p>" + strings.Repeat("Plain server rendered words. ", 40) + "</p></article></body></html>"

const spaShell = `<html><head><script src="/app.js"></script></head><body><div id="root"></div>` +
	`<noscript>You need to enable JavaScript to run this app.</noscript></body></html>` +
	`<!-- padding padding padding padding padding padding padding padding padding padding padding padding -->` +
	`<!-- padding padding padding padding padding padding padding padding padding padding padding padding -->`

func TestNeedsRender(t *testing.T) {
	if NeedsRender(article) {
		t.Error("article page should not need rendering")
	}
	if !NeedsRender(spaShell) {
		t.Error("script shell should need rendering")
	}
	if !NeedsRender("<p>short</p>") {
		t.Error("tiny page should need rendering")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	if err := os.WriteFile(path, []byte("<p>file</p>"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := New(WithLogger(quiet())).Load(context.Background(), Spec{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if p.HTML != "<p>file</p>" || p.Rendered {
		t.Errorf("page: %+v", p)
	}
}

func TestLoad_Blank(t *testing.T) {
	p, err := New().Load(context.Background(), Spec{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p.HTML, "<body>") {
		t.Errorf("blank page: %q", p.HTML)
	}
}

func TestLoad_AutoEscalates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/spa" {
			io.WriteString(w, spaShell)
			return
		}
		io.WriteString(w, article)
	}))
	defer srv.Close()

	rend := &stubRenderer{html: "<html><body><p>rendered</p></body></html>"}
	l := New(WithRenderer(rend), WithLogger(quiet()))

	p, err := l.Load(context.Background(), Spec{URL: srv.URL + "/static", Render: RenderAuto})
	if err != nil {
		t.Fatal(err)
	}
	if p.Rendered || rend.calls != 0 {
		t.Errorf("static page rendered: %+v", p)
	}

	p, err = l.Load(context.Background(), Spec{URL: srv.URL + "/spa", Render: RenderAuto})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Rendered || !strings.Contains(p.HTML, "rendered") {
		t.Errorf("spa page not rendered: %+v", p)
	}
}

func TestLoad_RenderErrors(t *testing.T) {
	l := New(WithLogger(quiet()))
	if _, err := l.Load(context.Background(), Spec{URL: "http://example.invalid", Render: RenderAlways}); err == nil {
		t.Error("expected error without renderer")
	}

	boom := errors.New("chrome crashed")
	l = New(WithRenderer(&stubRenderer{err: boom}), WithLogger(quiet()))
	if _, err := l.Load(context.Background(), Spec{URL: "http://example.invalid", Render: RenderAlways}); !errors.Is(err, boom) {
		t.Errorf("got %v, want wrapped renderer error", err)
	}
}

func TestFetch_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := New(WithLogger(quiet())).Fetch(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "410") {
		t.Fatalf("got %v", err)
	}
}

func TestSanitize(t *testing.T) {
	s := NewSanitizer()
	out := s.Sanitize(`<div class="widget" id="w1" data-k="v" onclick="evil()"><script>alert(1)</script><a href="javascript:x()">l</a></div>`)
	for _, bad := range []string{"<script", "onclick", "javascript:"} {
		if strings.Contains(out, bad) {
			t.Errorf("sanitized output contains %q: %s", bad, out)
		}
	}
	for _, good := range []string{`class="widget"`, `id="w1"`, `data-k="v"`} {
		if !strings.Contains(out, good) {
			t.Errorf("sanitized output lost %q: %s", good, out)
		}
	}
}
