// Package browser renders a URL in headless Chrome and returns the DOM as
// it stands after scripts ran.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Config configures a Renderer.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome. Empty launches
	// a local one.
	RemoteURL string
	// Stealth opens pages through go-rod/stealth.
	Stealth bool
	// Block lists resource types to refuse: images, fonts, media, stylesheets.
	Block []string
	// Timeout bounds navigation and load. Default: 30s.
	Timeout time.Duration
	// Settle is waited after load for late scripts. Default: 0.
	Settle time.Duration
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Renderer owns one Chrome connection.
type Renderer struct {
	cfg     Config
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// New launches (or connects to) Chrome.
func New(cfg Config) (*Renderer, error) {
	cfg.defaults()
	log := cfg.Logger

	wsURL := cfg.RemoteURL
	var l *launcher.Launcher
	if wsURL == "" {
		l = launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		log.Info("browser: launched local chrome", "url", wsURL)
	} else {
		log.Info("browser: connecting to remote", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return &Renderer{cfg: cfg, browser: b, lnch: l}, nil
}

// Available reports whether a local Chrome can be launched.
func Available() bool {
	_, ok := launcher.LookPath()
	return ok
}

// Render navigates to url and returns the serialised document.
func (r *Renderer) Render(ctx context.Context, url string) (string, error) {
	var page *rod.Page
	var err error
	if r.cfg.Stealth {
		page, err = stealth.Page(r.browser)
	} else {
		page, err = r.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return "", fmt.Errorf("browser: create tab: %w", err)
	}
	defer page.Close()

	if len(r.cfg.Block) > 0 {
		router := blockResources(page, r.cfg.Block)
		defer router.Stop()
	}

	navCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	p := page.Context(navCtx)

	if err := p.Navigate(url); err != nil {
		return "", fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		r.cfg.Logger.Warn("browser: wait load failed", "url", url, "error", err)
	}
	if r.cfg.Settle > 0 {
		t := time.NewTimer(r.cfg.Settle)
		select {
		case <-t.C:
		case <-navCtx.Done():
			t.Stop()
			return "", fmt.Errorf("browser: settle %s: %w", url, navCtx.Err())
		}
	}

	html, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	r.cfg.Logger.Debug("browser: rendered", "url", url, "bytes", len(html))
	return html, nil
}

// Close disconnects and, for a launched Chrome, kills it.
func (r *Renderer) Close() error {
	err := r.browser.Close()
	if r.lnch != nil {
		r.lnch.Kill()
	}
	return err
}

func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	block := make(map[string]bool, len(types))
	for _, t := range types {
		block[strings.ToLower(t)] = true
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(block, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

func shouldBlock(block map[string]bool, resType string) bool {
	switch lower := strings.ToLower(resType); lower {
	case "image":
		return block["images"]
	case "font":
		return block["fonts"]
	case "media":
		return block["media"]
	case "stylesheet":
		return block["stylesheets"]
	default:
		return block[lower]
	}
}
