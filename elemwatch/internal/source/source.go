// Package source produces the HTML a daemon document starts from: a file,
// a plain HTTP fetch, or a page rendered in Chrome.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Renderer returns the post-script DOM of a URL.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Render modes.
const (
	RenderNever  = "never"
	RenderAlways = "always"
	RenderAuto   = "auto"
)

// Spec says where to load from.
type Spec struct {
	Path   string
	URL    string
	Render string // RenderNever, RenderAlways or RenderAuto
}

// Page is a loaded document.
type Page struct {
	HTML     string
	URL      string
	Rendered bool
}

// Loader loads pages.
type Loader struct {
	client   *http.Client
	ua       string
	renderer Renderer
	logger   *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(l *Loader) { l.ua = ua }
}

// WithRenderer enables RenderAlways and RenderAuto.
func WithRenderer(r Renderer) Option {
	return func(l *Loader) { l.renderer = r }
}

// WithLogger sets a custom logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loader) { l.logger = lg }
}

// New creates a Loader.
func New(opts ...Option) *Loader {
	l := &Loader{
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     "Mozilla/5.0 (compatible; elemwatch/1.0)",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load reads the page described by spec. An empty spec yields a blank page.
func (l *Loader) Load(ctx context.Context, spec Spec) (*Page, error) {
	switch {
	case spec.Path != "":
		data, err := os.ReadFile(spec.Path)
		if err != nil {
			return nil, fmt.Errorf("source: read %s: %w", spec.Path, err)
		}
		return &Page{HTML: string(data)}, nil
	case spec.URL == "":
		return &Page{HTML: "<html><head></head><body></body></html>"}, nil
	}

	if spec.Render == RenderAlways {
		return l.render(ctx, spec.URL)
	}
	html, err := l.Fetch(ctx, spec.URL)
	if err != nil {
		return nil, err
	}
	if spec.Render == RenderAuto && NeedsRender(html) {
		l.logger.Info("source: page looks script-driven, rendering", "url", spec.URL)
		return l.render(ctx, spec.URL)
	}
	return &Page{HTML: html, URL: spec.URL}, nil
}

func (l *Loader) render(ctx context.Context, url string) (*Page, error) {
	if l.renderer == nil {
		return nil, fmt.Errorf("source: render %s: no renderer configured", url)
	}
	html, err := l.renderer.Render(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("source: render %s: %w", url, err)
	}
	return &Page{HTML: html, URL: url, Rendered: true}, nil
}

// Fetch GETs url and returns the body, capped at 10MB.
func (l *Loader) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("source: new request: %w", err)
	}
	req.Header.Set("User-Agent", l.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("source: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("source: fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("source: read body: %w", err)
	}
	l.logger.Debug("source: fetched", "url", url, "status", resp.StatusCode, "size", len(body))
	return string(body), nil
}
